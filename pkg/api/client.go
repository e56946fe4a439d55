package api

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"spacechat/internal/constants"
	apperrors "spacechat/internal/errors"
	"spacechat/internal/metrics"
	"spacechat/internal/models"
	"spacechat/internal/privacy"
	"spacechat/internal/retry"
	"spacechat/internal/tracing"
	"spacechat/pkg/api/types"

	"github.com/sirupsen/logrus"
)

const maxResponseBytes = 4 << 20

// Client is the request/response boundary of the message API
type Client interface {
	FetchMessages(ctx context.Context, conversationID string, opts types.FetchOptions) (*models.MessagePage, error)
	SendMessage(ctx context.Context, msg models.OutboundMessage) (*models.Message, error)
	MarkRead(ctx context.Context, conversationID, messageID string) error
	UnreadCount(ctx context.Context) (int, error)
	SearchMessages(ctx context.Context, conversationID, query string) ([]models.Message, error)
}

// TokenSource supplies the bearer credential for each request
type TokenSource interface {
	Token() string
}

// StaticToken is a TokenSource with a fixed credential
type StaticToken string

func (t StaticToken) Token() string { return string(t) }

// Options tune the HTTP client
type Options struct {
	HTTPClient *http.Client
	UserAgent  string
	Backoff    retry.BackoffConfig
	Logger     *logrus.Logger
}

type MessagesClient struct {
	baseURL   string
	tokens    TokenSource
	client    *http.Client
	userAgent string
	backoff   *retry.Backoff
	logger    *logrus.Logger
}

func NewClient(baseURL string, tokens TokenSource) *MessagesClient {
	return NewClientWithOptions(baseURL, tokens, Options{})
}

func NewClientWithOptions(baseURL string, tokens TokenSource, opts Options) *MessagesClient {
	if opts.HTTPClient == nil {
		opts.HTTPClient = &http.Client{Timeout: time.Duration(constants.DefaultHTTPTimeoutSec) * time.Second}
	}
	if opts.UserAgent == "" {
		opts.UserAgent = constants.DefaultUserAgent
	}
	if opts.Backoff.MaxAttempts == 0 {
		opts.Backoff = retry.DefaultBackoffConfig()
	}
	if opts.Logger == nil {
		opts.Logger = logrus.New()
		opts.Logger.SetLevel(logrus.WarnLevel)
	}
	if tokens == nil {
		tokens = StaticToken("")
	}

	return &MessagesClient{
		baseURL:   strings.TrimSuffix(baseURL, "/"),
		tokens:    tokens,
		client:    opts.HTTPClient,
		userAgent: opts.UserAgent,
		backoff:   retry.NewBackoff(opts.Backoff),
		logger:    opts.Logger,
	}
}

func (c *MessagesClient) FetchMessages(ctx context.Context, conversationID string, opts types.FetchOptions) (*models.MessagePage, error) {
	ctx, span := tracing.StartSpan(ctx, "api.fetch_messages", tracing.AttrConversationID.String(conversationID))
	defer span.End()

	query := url.Values{}
	if opts.Page > 0 {
		query.Set("page", strconv.Itoa(opts.Page))
	}
	if opts.PerPage > 0 {
		query.Set("per_page", strconv.Itoa(opts.PerPage))
	}

	var resp types.MessagesResponse
	err := c.backoff.RetryWithPredicate(ctx, func() error {
		return c.do(ctx, http.MethodGet, conversationPath(conversationID), query, nil, &resp)
	}, apperrors.IsRetryable)
	if err != nil {
		tracing.RecordError(ctx, err)
		return nil, err
	}

	for i := range resp.Messages {
		if resp.Messages[i].ConversationID == "" {
			resp.Messages[i].ConversationID = conversationID
		}
		resp.Messages[i].Confirm()
	}
	if resp.Booking != nil && resp.Booking.ID == "" {
		resp.Booking.ID = conversationID
	}
	tracing.AddSpanAttributes(ctx, tracing.AttrMessageCount.Int(len(resp.Messages)))

	return &models.MessagePage{
		Messages:     resp.Messages,
		Pagination:   resp.Pagination,
		Conversation: resp.Booking,
	}, nil
}

// SendMessage posts a message. It is not retried: a lost response would otherwise duplicate the message.
func (c *MessagesClient) SendMessage(ctx context.Context, msg models.OutboundMessage) (*models.Message, error) {
	ctx, span := tracing.StartSpan(ctx, "api.send_message",
		tracing.AttrConversationID.String(msg.ConversationID),
		tracing.AttrCorrelationID.String(msg.ClientID),
	)
	defer span.End()

	metadata := make(map[string]any, len(msg.Metadata)+1)
	for k, v := range msg.Metadata {
		metadata[k] = v
	}
	if msg.ClientID != "" {
		metadata[models.MetadataClientID] = msg.ClientID
	}
	msgType := msg.Type
	if msgType == "" {
		msgType = models.MessageTypeText
	}

	body := types.SendMessageRequest{Message: types.SendMessageBody{
		MessageText: strings.TrimSpace(msg.Text),
		MessageType: string(msgType),
		Metadata:    metadata,
	}}

	var raw json.RawMessage
	if err := c.do(ctx, http.MethodPost, conversationPath(msg.ConversationID), nil, body, &raw); err != nil {
		tracing.RecordError(ctx, err)
		return nil, err
	}

	created, err := decodeCreatedMessage(raw)
	if err != nil {
		tracing.RecordError(ctx, err)
		return nil, apperrors.Wrap(err, apperrors.ErrCodeMessagingAPI, "failed to decode created message")
	}
	if created.ConversationID == "" {
		created.ConversationID = msg.ConversationID
	}
	if created.ClientID() == "" && msg.ClientID != "" {
		if created.Metadata == nil {
			created.Metadata = map[string]any{}
		}
		created.Metadata[models.MetadataClientID] = msg.ClientID
	}
	created.Confirm()
	return created, nil
}

func decodeCreatedMessage(raw json.RawMessage) (*models.Message, error) {
	var envelope types.SendMessageEnvelope
	if err := json.Unmarshal(raw, &envelope); err == nil && envelope.Message != nil && envelope.Message.ID != "" {
		return envelope.Message, nil
	}
	var created models.Message
	if err := json.Unmarshal(raw, &created); err != nil {
		return nil, err
	}
	if created.ID == "" {
		return nil, fmt.Errorf("created message has no id")
	}
	return &created, nil
}

func (c *MessagesClient) MarkRead(ctx context.Context, conversationID, messageID string) error {
	ctx, span := tracing.StartSpan(ctx, "api.mark_read", tracing.AttrConversationID.String(conversationID))
	defer span.End()

	path := conversationPath(conversationID) + "/" + url.PathEscape(messageID) + "/mark_read"
	err := c.backoff.RetryWithPredicate(ctx, func() error {
		return c.do(ctx, http.MethodPatch, path, nil, nil, nil)
	}, apperrors.IsRetryable)
	if err != nil {
		tracing.RecordError(ctx, err)
	}
	return err
}

// UnreadCount returns the server's aggregate unread count. A response with
// success=false is reported as zero.
func (c *MessagesClient) UnreadCount(ctx context.Context) (int, error) {
	ctx, span := tracing.StartSpan(ctx, "api.unread_count")
	defer span.End()

	var resp types.UnreadCountResponse
	err := c.backoff.RetryWithPredicate(ctx, func() error {
		return c.do(ctx, http.MethodGet, "/messages/unread_count", nil, nil, &resp)
	}, apperrors.IsRetryable)
	if err != nil {
		tracing.RecordError(ctx, err)
		return 0, err
	}
	if resp.Success != nil && !*resp.Success {
		return 0, nil
	}
	if resp.Count < 0 {
		return 0, nil
	}
	return resp.Count, nil
}

func (c *MessagesClient) SearchMessages(ctx context.Context, conversationID, query string) ([]models.Message, error) {
	if strings.TrimSpace(query) == "" {
		return nil, apperrors.NewValidationError("query", "", "search query is required")
	}

	ctx, span := tracing.StartSpan(ctx, "api.search_messages", tracing.AttrConversationID.String(conversationID))
	defer span.End()

	var resp types.SearchResponse
	err := c.backoff.RetryWithPredicate(ctx, func() error {
		return c.do(ctx, http.MethodGet, conversationPath(conversationID)+"/search", url.Values{"q": {query}}, nil, &resp)
	}, apperrors.IsRetryable)
	if err != nil {
		tracing.RecordError(ctx, err)
		return nil, err
	}
	for i := range resp.Messages {
		resp.Messages[i].Confirm()
	}
	return resp.Messages, nil
}

func conversationPath(conversationID string) string {
	return "/bookings/" + url.PathEscape(conversationID) + "/messages"
}

// do performs one request. out may be nil when the body is not needed.
func (c *MessagesClient) do(ctx context.Context, method, path string, query url.Values, in, out any) error {
	endpoint := c.baseURL + path
	if len(query) > 0 {
		endpoint += "?" + query.Encode()
	}

	var body io.Reader
	if in != nil {
		data, err := json.Marshal(in)
		if err != nil {
			return apperrors.Wrap(err, apperrors.ErrCodeInternalError, "failed to marshal request")
		}
		body = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, endpoint, body)
	if err != nil {
		return apperrors.Wrap(err, apperrors.ErrCodeInternalError, "failed to create request")
	}
	req.Header.Set("Accept", "application/json")
	req.Header.Set("User-Agent", c.userAgent)
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if token := c.tokens.Token(); token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}

	labels := map[string]string{"method": method, "endpoint": metricEndpoint(path)}
	start := time.Now()
	resp, err := c.client.Do(req)
	metrics.RecordTimer(metrics.APIRequestDuration, time.Since(start), labels, "Message API request latency")
	if err != nil {
		metrics.IncrementCounter(metrics.APIRequests, withStatus(labels, "error"), "Message API requests")
		c.logger.WithFields(logrus.Fields{
			"method":   method,
			"endpoint": path,
		}).WithError(err).Debug("Message API request failed")
		return apperrors.NewAPIError(path, 0, err)
	}
	defer resp.Body.Close()

	metrics.IncrementCounter(metrics.APIRequests, withStatus(labels, strconv.Itoa(resp.StatusCode)), "Message API requests")

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return apperrors.NewAPIError(path, 0, fmt.Errorf("failed to read response body: %w", err))
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		c.logger.WithFields(logrus.Fields{
			"method":   method,
			"endpoint": path,
			"status":   resp.StatusCode,
			"body":     privacy.Preview(string(data), constants.DefaultMessagePreviewLength),
		}).Debug("Message API returned error status")
		return apperrors.NewAPIError(path, resp.StatusCode, fmt.Errorf("status %d: %s", resp.StatusCode, privacy.Preview(string(data), 200)))
	}

	if out == nil || len(bytes.TrimSpace(data)) == 0 {
		return nil
	}
	if err := json.Unmarshal(data, out); err != nil {
		return apperrors.Wrap(err, apperrors.ErrCodeMessagingAPI, "failed to decode response")
	}
	return nil
}

// metricEndpoint collapses ids out of a path so metric keys stay bounded
func metricEndpoint(path string) string {
	switch {
	case strings.HasSuffix(path, "/mark_read"):
		return "mark_read"
	case strings.HasSuffix(path, "/search"):
		return "search"
	case strings.HasPrefix(path, "/bookings/"):
		return "messages"
	default:
		return strings.TrimPrefix(path, "/")
	}
}

func withStatus(labels map[string]string, status string) map[string]string {
	out := make(map[string]string, len(labels)+1)
	for k, v := range labels {
		out[k] = v
	}
	out["status"] = status
	return out
}
