package integration_test

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strconv"
	"sync"
	"testing"
	"time"

	"spacechat/internal/constants"
	"spacechat/internal/database"
	"spacechat/internal/models"
	"spacechat/internal/retry"
	"spacechat/internal/service"
	"spacechat/internal/session"
	"spacechat/pkg/api"
	"spacechat/pkg/api/types"
	"spacechat/pkg/cable"
	"spacechat/pkg/cable/cabletest"

	"github.com/gorilla/mux"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/require"
)

const (
	testToken = "integration-token"
	waitFor   = 3 * time.Second
	tick      = 10 * time.Millisecond
)

// EnvOptions selects the optional parts of an environment
type EnvOptions struct {
	Live  bool
	Cache bool
}

// TestEnvironment runs the real messenger against a fake message API, an
// in-process cable server and, optionally, a real SQLite cache
type TestEnvironment struct {
	t        *testing.T
	opts     EnvOptions
	fixtures *TestFixtures

	apiServer   *httptest.Server
	cableServer *cabletest.Server
	cachePath   string
	cache       *database.Database

	Messenger *service.Messenger
	Sessions  *session.Provider

	mu              sync.Mutex
	threads         map[string]*serverThread
	nextID          int
	unread          int
	unreadMissing   bool
	mockAPIRequests map[string]int
	mockAPIFailures map[string]int
	cleanup         []func()
}

type serverThread struct {
	conversation models.Conversation
	messages     []map[string]any
}

// NewTestEnvironment starts the fake backends and a messenger that is not yet logged in
func NewTestEnvironment(t *testing.T, opts EnvOptions) *TestEnvironment {
	env := &TestEnvironment{
		t:               t,
		opts:            opts,
		fixtures:        NewTestFixtures(),
		threads:         make(map[string]*serverThread),
		nextID:          1000,
		mockAPIRequests: make(map[string]int),
		mockAPIFailures: make(map[string]int),
	}

	env.setupAPIServer()
	env.cableServer = cabletest.NewServer()
	env.cleanup = append(env.cleanup, env.cableServer.Close)
	env.cachePath = filepath.Join(t.TempDir(), "cache.db")
	env.startMessenger()

	t.Cleanup(env.Cleanup)
	return env
}

func (env *TestEnvironment) setupAPIServer() {
	router := mux.NewRouter()
	apiRouter := router.PathPrefix("/api/v1").Subrouter()
	apiRouter.Use(env.requireToken)
	apiRouter.HandleFunc("/bookings/{id}/messages", env.handleFetch).Methods(http.MethodGet)
	apiRouter.HandleFunc("/bookings/{id}/messages", env.handleSend).Methods(http.MethodPost)
	apiRouter.HandleFunc("/bookings/{id}/messages/{message_id}/mark_read", env.handleMarkRead).Methods(http.MethodPatch)
	apiRouter.HandleFunc("/messages/unread_count", env.handleUnread).Methods(http.MethodGet)

	env.apiServer = httptest.NewServer(router)
	env.cleanup = append(env.cleanup, env.apiServer.Close)
}

// Config returns the configuration the messenger runs with
func (env *TestEnvironment) Config() *models.Config {
	return &models.Config{
		API:   models.APIConfig{BaseURL: env.apiServer.URL + "/api/v1", TimeoutSec: 2},
		Cable: models.CableConfig{URL: env.cableServer.URL, Disabled: !env.opts.Live, SubscribeDelayMs: 1},
		Messaging: models.MessagingConfig{
			FocusedPollSec:    3600,
			BackgroundPollSec: 3600,
			RequestTimeoutSec: 2,
		},
		Unread: models.UnreadConfig{PollIntervalSec: 3600, UnavailablePollSec: 3600, RefreshDelayMs: 3600000},
		Retry:  models.RetryConfig{InitialBackoffMs: 10, MaxBackoffMs: 50, MaxAttempts: 5},
		Cache:  models.CacheConfig{Enabled: env.opts.Cache, Path: env.cachePath},
	}
}

func (env *TestEnvironment) startMessenger() {
	logger := logrus.New()
	logger.SetOutput(io.Discard)
	cfg := env.Config()

	var cache service.Cache
	if env.opts.Cache {
		db, err := database.New(env.cachePath)
		require.NoError(env.t, err)
		env.cache = db
		env.cleanup = append(env.cleanup, func() { _ = db.Close() })
		cache = db
	}

	env.Sessions = session.NewProvider(logger)
	client := api.NewClientWithOptions(cfg.API.BaseURL, env.Sessions, api.Options{
		HTTPClient: &http.Client{Timeout: 2 * time.Second},
		Backoff: retry.BackoffConfig{
			InitialDelay: 5 * time.Millisecond,
			MaxDelay:     20 * time.Millisecond,
			MaxAttempts:  2,
		},
		Logger: logger,
	})
	env.Messenger = service.NewMessenger(service.Options{
		Config:   cfg,
		API:      client,
		Dialer:   cable.NewWebsocketDialer(),
		Sessions: env.Sessions,
		Cache:    cache,
		Logger:   logger,
	})
	env.Messenger.Start(context.Background())
	env.cleanup = append(env.cleanup, env.Messenger.Stop)
}

// Login starts the fixture user's session
func (env *TestEnvironment) Login() {
	require.NoError(env.t, env.Sessions.Login(session.Session{
		UserID:    env.fixtures.Self().ID,
		FirstName: env.fixtures.Self().FirstName,
		Token:     testToken,
	}))
}

// Cleanup stops everything in reverse order of creation
func (env *TestEnvironment) Cleanup() {
	env.mu.Lock()
	cleanup := env.cleanup
	env.cleanup = nil
	env.mu.Unlock()
	for i := len(cleanup) - 1; i >= 0; i-- {
		cleanup[i]()
	}
}

// Cable returns the in-process cable server
func (env *TestEnvironment) Cable() *cabletest.Server {
	return env.cableServer
}

// Identifier returns the channel identifier of a conversation
func (env *TestEnvironment) Identifier(conversationID string) string {
	return cable.Identifier(constants.DefaultChannelName, map[string]string{"booking_id": conversationID})
}

// SeedConversation stores a conversation on the fake server
func (env *TestEnvironment) SeedConversation(id string, status models.ConversationStatus, messages ...map[string]any) {
	env.mu.Lock()
	defer env.mu.Unlock()
	env.threads[id] = &serverThread{
		conversation: models.Conversation{ID: id, Status: status},
		messages:     messages,
	}
}

// ServerMessages returns the number of messages the fake server holds for a conversation
func (env *TestEnvironment) ServerMessages(id string) int {
	env.mu.Lock()
	defer env.mu.Unlock()
	if th := env.threads[id]; th != nil {
		return len(th.messages)
	}
	return 0
}

func (env *TestEnvironment) SetUnread(count int) {
	env.mu.Lock()
	defer env.mu.Unlock()
	env.unread = count
}

// SetUnreadMissing makes the unread endpoint answer 404
func (env *TestEnvironment) SetUnreadMissing(missing bool) {
	env.mu.Lock()
	defer env.mu.Unlock()
	env.unreadMissing = missing
}

// WaitForCondition polls condition until it holds or the timeout passes
func (env *TestEnvironment) WaitForCondition(condition func() bool, timeout time.Duration, checkInterval time.Duration) bool {
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if condition() {
			return true
		}
		time.Sleep(checkInterval)
	}
	return condition()
}

func (env *TestEnvironment) requireToken(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Authorization") != "Bearer "+testToken {
			http.Error(w, `{"error":"unauthorized"}`, http.StatusUnauthorized)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (env *TestEnvironment) handleFetch(w http.ResponseWriter, r *http.Request) {
	if env.failing("fetch") {
		http.Error(w, `{"error":"unavailable"}`, http.StatusServiceUnavailable)
		return
	}

	env.mu.Lock()
	th := env.threads[mux.Vars(r)["id"]]
	var resp map[string]any
	if th != nil {
		conv := th.conversation
		resp = map[string]any{
			"messages": append([]map[string]any(nil), th.messages...),
			"booking":  conv,
			"pagination": models.Pagination{
				CurrentPage: 1,
				TotalPages:  1,
				TotalCount:  len(th.messages),
			},
		}
	}
	env.mu.Unlock()

	if resp == nil {
		http.Error(w, `{"error":"not found"}`, http.StatusNotFound)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

func (env *TestEnvironment) handleSend(w http.ResponseWriter, r *http.Request) {
	if env.failing("send") {
		http.Error(w, `{"error":"bad gateway"}`, http.StatusBadGateway)
		return
	}

	var req types.SendMessageRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, `{"error":"bad request"}`, http.StatusBadRequest)
		return
	}

	id := mux.Vars(r)["id"]
	env.mu.Lock()
	th := env.threads[id]
	if th == nil {
		env.mu.Unlock()
		http.Error(w, `{"error":"not found"}`, http.StatusNotFound)
		return
	}
	env.nextID++
	created := map[string]any{
		"id":           env.nextID,
		"booking_id":   id,
		"message_text": req.Message.MessageText,
		"message_type": req.Message.MessageType,
		"metadata":     req.Message.Metadata,
		"sender":       env.fixtures.SelfJSON(),
		"created_at":   time.Now().UTC().Format(time.RFC3339Nano),
	}
	th.messages = append(th.messages, created)
	env.mu.Unlock()

	writeJSON(w, http.StatusCreated, map[string]any{"message": created})
}

func (env *TestEnvironment) handleMarkRead(w http.ResponseWriter, r *http.Request) {
	env.mu.Lock()
	if env.unread > 0 {
		env.unread--
	}
	env.mu.Unlock()
	w.WriteHeader(http.StatusNoContent)
}

func (env *TestEnvironment) handleUnread(w http.ResponseWriter, r *http.Request) {
	env.mu.Lock()
	missing, count := env.unreadMissing, env.unread
	env.mu.Unlock()

	if missing {
		http.Error(w, `{"error":"not found"}`, http.StatusNotFound)
		return
	}
	success := true
	writeJSON(w, http.StatusOK, types.UnreadCountResponse{Count: count, Success: &success})
}

// failing counts the request and reports whether an injected failure applies
func (env *TestEnvironment) failing(endpoint string) bool {
	env.mu.Lock()
	defer env.mu.Unlock()
	env.mockAPIRequests[endpoint]++
	if env.mockAPIFailures[endpoint] != 0 {
		if env.mockAPIFailures[endpoint] > 0 {
			env.mockAPIFailures[endpoint]--
		}
		return true
	}
	return false
}

// CountMockAPIRequests returns how many requests reached endpoint
func (env *TestEnvironment) CountMockAPIRequests(endpoint string) int {
	env.mu.Lock()
	defer env.mu.Unlock()
	return env.mockAPIRequests[endpoint]
}

// SetMockAPIFailures fails the next n requests to endpoint, or all of them when n is negative
func (env *TestEnvironment) SetMockAPIFailures(endpoint string, n int) {
	env.mu.Lock()
	defer env.mu.Unlock()
	env.mockAPIFailures[endpoint] = n
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func messageID(n int) string {
	return strconv.Itoa(n)
}

func describe(msgs []models.Message) string {
	out := ""
	for _, m := range msgs {
		out += fmt.Sprintf("[%s pending=%v %q] ", m.ID, m.Delivery.Pending(), m.Text)
	}
	return out
}
