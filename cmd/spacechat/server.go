package main

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"time"

	"spacechat/internal/constants"
	apperrors "spacechat/internal/errors"
	"spacechat/internal/middleware"
	"spacechat/internal/models"
	"spacechat/internal/service"
	"spacechat/internal/validation"

	"github.com/gorilla/mux"
	"github.com/sirupsen/logrus"
)

const maxSendBodyBytes = 64 << 10

// Messenger is the part of the messenger the status server exposes
type Messenger interface {
	Status() service.Status
	Open(ctx context.Context, conversationID string) (*service.Conversation, error)
	Conversation(conversationID string) (*service.Conversation, bool)
	RetryConnection()
}

type Server struct {
	router    *mux.Router
	logger    *logrus.Logger
	messenger Messenger
	server    *http.Server
}

func NewServer(messenger Messenger, logger *logrus.Logger) *Server {
	s := &Server{
		router:    mux.NewRouter(),
		logger:    logger,
		messenger: messenger,
	}

	s.setupRoutes()
	return s
}

func (s *Server) setupRoutes() {
	s.router.Use(middleware.ObservabilityMiddleware(s.logger))

	s.router.HandleFunc("/health", s.handleHealth()).Methods(http.MethodGet)
	s.router.HandleFunc("/metrics", s.handleMetrics()).Methods(http.MethodGet)
	s.router.HandleFunc("/status", s.handleStatus()).Methods(http.MethodGet)
	s.router.HandleFunc("/unread", s.handleUnread()).Methods(http.MethodGet)
	s.router.HandleFunc("/connection/retry", s.handleRetry()).Methods(http.MethodPost)

	conversations := s.router.PathPrefix("/conversations/{id}").Subrouter()
	conversations.HandleFunc("", s.handleConversationStatus()).Methods(http.MethodGet)
	conversations.HandleFunc("", s.handleOpenConversation()).Methods(http.MethodPut)
	conversations.HandleFunc("", s.handleCloseConversation()).Methods(http.MethodDelete)
	conversations.HandleFunc("/messages", s.handleListMessages()).Methods(http.MethodGet)
	conversations.HandleFunc("/messages", s.handleSendMessage()).Methods(http.MethodPost)
	conversations.HandleFunc("/read", s.handleMarkRead()).Methods(http.MethodPost)
}

func (s *Server) Start(addr string) error {
	if addr == "" {
		addr = constants.DefaultStatusAddr
	}

	s.server = &http.Server{
		Addr:         addr,
		Handler:      s.router,
		ReadTimeout:  time.Duration(constants.DefaultServerReadTimeoutSec) * time.Second,
		WriteTimeout: time.Duration(constants.DefaultServerWriteTimeoutSec) * time.Second,
		IdleTimeout:  time.Duration(constants.DefaultServerIdleTimeoutSec) * time.Second,
	}

	s.logger.WithField("addr", addr).Info("Starting status server")
	if err := s.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func (s *Server) Shutdown(ctx context.Context) error {
	if s.server == nil {
		return nil
	}
	return s.server.Shutdown(ctx)
}

func (s *Server) handleHealth() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("OK"))
	}
}

func (s *Server) handleStatus() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		s.writeJSON(w, http.StatusOK, s.messenger.Status())
	}
}

func (s *Server) handleUnread() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		status := s.messenger.Status()
		s.writeJSON(w, http.StatusOK, map[string]any{
			"count":     status.Unread,
			"available": status.UnreadAvailable,
		})
	}
}

func (s *Server) handleRetry() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		s.messenger.RetryConnection()
		w.WriteHeader(http.StatusAccepted)
	}
}

func (s *Server) handleConversationStatus() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		conv, ok := s.conversation(w, r)
		if !ok {
			return
		}
		s.writeJSON(w, http.StatusOK, conv.Status())
	}
}

func (s *Server) handleOpenConversation() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		conv, err := s.messenger.Open(r.Context(), mux.Vars(r)["id"])
		if err != nil {
			s.writeError(w, err)
			return
		}
		s.writeJSON(w, http.StatusOK, conv.Status())
	}
}

func (s *Server) handleCloseConversation() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		conv, ok := s.conversation(w, r)
		if !ok {
			return
		}
		conv.Close()
		w.WriteHeader(http.StatusNoContent)
	}
}

func (s *Server) handleListMessages() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		conv, ok := s.conversation(w, r)
		if !ok {
			return
		}
		if r.URL.Query().Get("group") == "day" {
			s.writeJSON(w, http.StatusOK, conv.Groups(time.Local))
			return
		}
		s.writeJSON(w, http.StatusOK, conv.Messages())
	}
}

type sendRequest struct {
	Text string             `json:"text"`
	Type models.MessageType `json:"message_type,omitempty"`
}

func (s *Server) handleSendMessage() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		conv, ok := s.conversation(w, r)
		if !ok {
			return
		}

		var req sendRequest
		if err := json.NewDecoder(io.LimitReader(r.Body, maxSendBodyBytes)).Decode(&req); err != nil {
			s.writeError(w, apperrors.NewValidationError("body", "", "request body must be JSON"))
			return
		}
		if req.Type == "" {
			req.Type = models.MessageTypeText
		}

		msg, err := conv.SendWithType(r.Context(), req.Text, req.Type)
		if err != nil {
			s.writeError(w, err)
			return
		}
		s.writeJSON(w, http.StatusAccepted, msg)
	}
}

type readRequest struct {
	MessageID string `json:"message_id"`
}

func (s *Server) handleMarkRead() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		conv, ok := s.conversation(w, r)
		if !ok {
			return
		}

		var req readRequest
		if err := json.NewDecoder(io.LimitReader(r.Body, maxSendBodyBytes)).Decode(&req); err != nil {
			s.writeError(w, apperrors.NewValidationError("body", "", "request body must be JSON"))
			return
		}
		if err := validation.ValidateIdentifier("message_id", req.MessageID); err != nil {
			s.writeError(w, err)
			return
		}
		conv.MarkRead(r.Context(), req.MessageID)
		w.WriteHeader(http.StatusNoContent)
	}
}

func (s *Server) conversation(w http.ResponseWriter, r *http.Request) (*service.Conversation, bool) {
	id := mux.Vars(r)["id"]
	conv, ok := s.messenger.Conversation(id)
	if !ok {
		s.writeError(w, apperrors.NewNotFoundError("conversation", id))
		return nil, false
	}
	return conv, true
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.logger.WithError(err).Error("Failed to encode response")
	}
}

func (s *Server) writeError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	switch apperrors.GetCode(err) {
	case apperrors.ErrCodeValidationFailed, apperrors.ErrCodeInvalidInput:
		status = http.StatusBadRequest
	case apperrors.ErrCodeNotFound:
		status = http.StatusNotFound
	case apperrors.ErrCodeAuthentication:
		status = http.StatusUnauthorized
	case apperrors.ErrCodePermissionDenied, apperrors.ErrCodeAuthorization:
		status = http.StatusForbidden
	case apperrors.ErrCodeSendFailed, apperrors.ErrCodeMessagingAPI, apperrors.ErrCodeConnection:
		status = http.StatusBadGateway
	}
	message := apperrors.GetUserMessage(err)
	if appErr, ok := apperrors.As(err); ok && appErr.UserMessage == "" {
		message = appErr.Message
	}
	if status >= http.StatusInternalServerError {
		s.logger.WithError(err).Warn("Status server request failed")
	}
	s.writeJSON(w, status, map[string]string{
		"error": message,
		"code":  string(apperrors.GetCode(err)),
	})
}
