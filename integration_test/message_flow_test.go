package integration_test

import (
	"context"
	"testing"

	apperrors "spacechat/internal/errors"
	"spacechat/internal/models"
	"spacechat/pkg/cable"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLiveConversationFlow(t *testing.T) {
	env := NewTestEnvironment(t, EnvOptions{Live: true})
	env.SeedConversation("12", models.ConversationActive, env.fixtures.Thread()...)
	env.SetUnread(2)
	env.Login()

	ctx := context.Background()
	conv, err := env.Messenger.Open(ctx, "12")
	require.NoError(t, err)
	require.Len(t, conv.Messages(), 3)
	require.Eventually(t, func() bool { return conv.Status().Live }, waitFor, tick)
	assert.Equal(t, []string{testToken}, env.Cable().Tokens())

	// opening the conversation resets the badge before the next refresh
	require.Eventually(t, func() bool { return env.Messenger.Unread() == 2 }, waitFor, tick)

	sent, err := conv.Send(ctx, "Thanks!")
	require.NoError(t, err)
	assert.True(t, sent.Delivery.Pending())
	assert.Equal(t, 0, env.CountMockAPIRequests("send"), "live sends skip the REST endpoint")

	identifier := env.Identifier("12")
	require.Eventually(t, func() bool { return len(env.Cable().Performed(identifier)) == 1 }, waitFor, tick)
	performed := env.Cable().Performed(identifier)[0]
	assert.Equal(t, "Thanks!", performed["message_text"])
	clientID, _ := performed[models.MetadataClientID].(string)
	require.Equal(t, sent.ClientID(), clientID)

	require.NoError(t, env.Cable().Broadcast(identifier, env.fixtures.MessageSentFrame(4, "Thanks!", clientID)))
	require.Eventually(t, func() bool {
		msgs := conv.Messages()
		return len(msgs) == 4 && msgs[3].ID == "4" && !msgs[3].Delivery.Pending()
	}, waitFor, tick, describe(conv.Messages()))

	// the same confirmation arriving twice does not duplicate the message
	require.NoError(t, env.Cable().Broadcast(identifier, env.fixtures.MessageSentFrame(4, "Thanks!", clientID)))

	require.NoError(t, env.Cable().Broadcast(identifier, env.fixtures.TypingFrame(true)))
	require.Eventually(t, func() bool { return conv.TypingText() == "Someone is typing…" }, waitFor, tick)

	require.NoError(t, env.Cable().Broadcast(identifier, env.fixtures.NewMessageFrame(5, "One more question", 600)))
	require.Eventually(t, func() bool { return len(conv.Messages()) == 5 }, waitFor, tick, describe(conv.Messages()))
	assert.Empty(t, conv.TypingText())
	require.Eventually(t, func() bool { return env.Messenger.Unread() == 3 }, waitFor, tick)

	conv.MarkRead(ctx, "5")
	assert.Equal(t, 2, env.Messenger.Unread())
}

func TestRESTFallbackWhenLiveDisabled(t *testing.T) {
	env := NewTestEnvironment(t, EnvOptions{Live: false})
	env.SeedConversation("12", models.ConversationActive, env.fixtures.Thread()...)
	env.Login()

	ctx := context.Background()
	conv, err := env.Messenger.Open(ctx, "12")
	require.NoError(t, err)

	status := conv.Status()
	assert.False(t, status.Live)
	assert.Equal(t, cable.StateDisconnected, status.Connection)

	sent, err := conv.Send(ctx, "Sent over REST")
	require.NoError(t, err)
	assert.False(t, sent.Delivery.Pending())
	assert.Equal(t, messageID(1001), sent.ID)
	assert.Equal(t, 1, env.CountMockAPIRequests("send"))
	assert.Equal(t, 4, env.ServerMessages("12"))
	assert.Len(t, conv.Messages(), 4)

	env.SetMockAPIFailures("send", 1)
	_, err = conv.Send(ctx, "This one fails")
	require.Error(t, err)
	assert.True(t, apperrors.IsSendError(err))
	assert.Len(t, conv.Messages(), 4, "the failed placeholder is rolled back")

	// a refresh converges with the server copy
	require.NoError(t, conv.Refresh(ctx))
	msgs := conv.Messages()
	require.Len(t, msgs, 4)
	assert.Equal(t, "Sent over REST", msgs[3].Text)
}

func TestSubscriptionRejectedFallsBackToPolling(t *testing.T) {
	env := NewTestEnvironment(t, EnvOptions{Live: true})
	env.SeedConversation("12", models.ConversationActive, env.fixtures.Thread()...)
	env.Cable().Reject(env.Identifier("12"))
	env.Login()

	ctx := context.Background()
	conv, err := env.Messenger.Open(ctx, "12")
	require.NoError(t, err)
	require.Eventually(t, func() bool {
		return conv.Status().Subscription == cable.SubscriptionRejected
	}, waitFor, tick)
	assert.False(t, conv.Status().Live)

	sent, err := conv.Send(ctx, "Still delivered")
	require.NoError(t, err)
	assert.False(t, sent.Delivery.Pending())
	assert.Equal(t, 1, env.CountMockAPIRequests("send"))
}

func TestOfflineCacheAcrossSessions(t *testing.T) {
	env := NewTestEnvironment(t, EnvOptions{Cache: true})
	env.SeedConversation("12", models.ConversationActive, env.fixtures.Thread()...)
	env.Login()

	ctx := context.Background()
	conv, err := env.Messenger.Open(ctx, "12")
	require.NoError(t, err)
	require.Len(t, conv.Messages(), 3)

	env.Sessions.Logout()
	env.SetMockAPIFailures("fetch", -1)
	env.Login()

	conv, err = env.Messenger.Open(ctx, "12")
	require.NoError(t, err, "a failed fetch is reported through status")
	msgs := conv.Messages()
	require.Len(t, msgs, 3, "messages are restored from the cache")
	assert.Equal(t, "1", msgs[0].ID)
	assert.NotEmpty(t, conv.Status().FetchError)
	assert.Equal(t, models.ConversationActive, conv.Status().Status)
}

func TestUnreadEndpointMissing(t *testing.T) {
	env := NewTestEnvironment(t, EnvOptions{})
	env.SetUnreadMissing(true)
	env.Login()

	require.Eventually(t, func() bool {
		status := env.Messenger.Status()
		return status.LoggedIn && !status.UnreadAvailable
	}, waitFor, tick)
	assert.Equal(t, 0, env.Messenger.Unread())
}

func TestUnknownConversation(t *testing.T) {
	env := NewTestEnvironment(t, EnvOptions{})
	env.Login()

	conv, err := env.Messenger.Open(context.Background(), "404")
	require.NoError(t, err)
	assert.Empty(t, conv.Messages())
	assert.NotEmpty(t, conv.Status().FetchError)
}
