package service

import (
	"context"

	"spacechat/internal/constants"
	"spacechat/internal/models"
	"spacechat/internal/privacy"

	"github.com/sirupsen/logrus"
)

// ContextKey is a package-local type to prevent context key collisions
type ContextKey string

// VerboseContextKey is the strongly-typed context key for verbose logging flag
const VerboseContextKey ContextKey = "verbose"

// WithVerbose marks ctx so that message bodies and ids are logged unmasked
func WithVerbose(ctx context.Context, verbose bool) context.Context {
	return context.WithValue(ctx, VerboseContextKey, verbose)
}

// IsVerboseLogging checks if verbose logging is enabled from context
func IsVerboseLogging(ctx context.Context) bool {
	if verbose, ok := ctx.Value(VerboseContextKey).(bool); ok {
		return verbose
	}
	return false
}

// LogMessage logs a message with privacy controls. Bodies are only previewed
// in verbose mode.
func LogMessage(ctx context.Context, logger *logrus.Logger, direction string, msg *models.Message) {
	fields := logrus.Fields{
		LogFieldConversationID: msg.ConversationID,
		LogFieldDirection:      direction,
		LogFieldMessageType:    msg.Type,
	}
	if IsVerboseLogging(ctx) {
		fields[LogFieldMessageID] = msg.ID
		fields[LogFieldUserID] = msg.Sender.ID
		fields[LogFieldPreview] = privacy.Preview(msg.Text, constants.DefaultMessagePreviewLength)
	} else {
		fields[LogFieldMessageID] = privacy.MaskMessageID(msg.ID)
		fields[LogFieldUserID] = privacy.MaskUserID(msg.Sender.ID)
	}
	logger.WithFields(fields).Info("Message")
}

// LogTyping logs a change in who is typing
func LogTyping(ctx context.Context, logger *logrus.Logger, conversationID string, peers []string) {
	entry := logger.WithFields(logrus.Fields{
		LogFieldConversationID: conversationID,
		LogFieldCount:          len(peers),
	})
	if IsVerboseLogging(ctx) {
		entry = entry.WithField("peers", peers)
	}
	entry.Debug("Typing indicator changed")
}
