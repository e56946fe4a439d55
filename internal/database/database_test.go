package database

import (
	"context"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"spacechat/internal/migrations"
	"spacechat/internal/models"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testSecret = "0123456789abcdef0123456789abcdef"

func setupTestDB(t *testing.T, secret string) *Database {
	t.Helper()
	enc, err := newEncryptor(secret)
	require.NoError(t, err)
	db, err := open(filepath.Join(t.TempDir(), "cache.db"), enc)
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	return db
}

func confirmed(id, sender, text string, at time.Time) models.Message {
	m := models.Message{
		ID:             id,
		ConversationID: "12",
		Sender:         models.Sender{ID: sender, FirstName: "Sam", LastName: "Host"},
		Text:           text,
		Type:           models.MessageTypeText,
		CreatedAt:      at,
	}
	m.Confirm()
	return m
}

func TestNew_CreatesDatabase(t *testing.T) {
	t.Setenv(EncryptionSecretEnv, "")
	path := filepath.Join(t.TempDir(), "cache.db")

	db, err := New(path)
	require.NoError(t, err)
	defer db.Close()

	assert.FileExists(t, path)
	assert.False(t, db.Encrypted())

	all, err := migrations.All()
	require.NoError(t, err)
	version, err := db.SchemaVersion(context.Background())
	require.NoError(t, err)
	assert.Equal(t, all[len(all)-1].Version, version)
}

func TestNew_RejectsWeakSecret(t *testing.T) {
	t.Setenv(EncryptionSecretEnv, "short")
	_, err := New(filepath.Join(t.TempDir(), "cache.db"))
	assert.Error(t, err)
}

func TestNew_RejectsTraversal(t *testing.T) {
	_, err := New("../cache.db")
	assert.Error(t, err)
}

func TestSnapshot_RoundTrip(t *testing.T) {
	for _, secret := range []string{"", testSecret} {
		name := "plaintext"
		if secret != "" {
			name = "encrypted"
		}
		t.Run(name, func(t *testing.T) {
			db := setupTestDB(t, secret)
			ctx := context.Background()
			base := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
			readAt := base.Add(time.Hour)

			first := confirmed("41", "7", "hello", base)
			first.ReadAt = &readAt
			first.Metadata = map[string]any{models.MetadataClientID: "abc"}
			second := confirmed("42", "8", "hi back", base.Add(time.Minute))

			pending := models.Message{ID: "temp-x", Text: "unsent", CreatedAt: base.Add(2 * time.Minute)}
			pending.Delivery = models.Delivery{State: models.DeliveryPending, LocalID: "temp-x"}

			conv := &models.Conversation{ID: "12", Status: models.ConversationApproved, Title: "Window display"}
			require.NoError(t, db.SaveSnapshot(ctx, "12", []models.Message{second, first, pending}, conv))

			messages, gotConv, err := db.LoadSnapshot(ctx, "12")
			require.NoError(t, err)
			require.Len(t, messages, 2, "pending placeholders are not cached")

			assert.Equal(t, "41", messages[0].ID)
			assert.Equal(t, "42", messages[1].ID)
			assert.Equal(t, "hello", messages[0].Text)
			assert.Equal(t, "Sam", messages[0].Sender.FirstName)
			assert.Equal(t, "12", messages[0].ConversationID)
			assert.True(t, messages[0].CreatedAt.Equal(base))
			require.NotNil(t, messages[0].ReadAt)
			assert.True(t, messages[0].ReadAt.Equal(readAt))
			assert.Equal(t, "abc", messages[0].ClientID())
			assert.Equal(t, models.DeliveryConfirmed, messages[0].Delivery.State)
			assert.Nil(t, messages[1].ReadAt)

			require.NotNil(t, gotConv)
			assert.Equal(t, models.ConversationApproved, gotConv.Status)
			assert.Equal(t, "Window display", gotConv.Title)
		})
	}
}

func TestSnapshot_EncryptsAtRest(t *testing.T) {
	db := setupTestDB(t, testSecret)
	ctx := context.Background()

	require.NoError(t, db.SaveSnapshot(ctx, "12", []models.Message{confirmed("1", "7", "secret plans", time.Now())}, nil))

	var body string
	require.NoError(t, db.db.QueryRowContext(ctx, `SELECT body FROM cached_messages WHERE message_id = '1'`).Scan(&body))
	assert.NotContains(t, body, "secret plans")
	assert.True(t, db.Encrypted())
}

func TestSnapshot_ReplacesPreviousContent(t *testing.T) {
	db := setupTestDB(t, "")
	ctx := context.Background()
	now := time.Now()

	require.NoError(t, db.SaveSnapshot(ctx, "12", []models.Message{confirmed("1", "7", "a", now), confirmed("2", "7", "b", now)}, nil))
	require.NoError(t, db.SaveSnapshot(ctx, "12", []models.Message{confirmed("3", "7", "c", now)}, nil))

	messages, conv, err := db.LoadSnapshot(ctx, "12")
	require.NoError(t, err)
	require.Len(t, messages, 1)
	assert.Equal(t, "3", messages[0].ID)
	assert.Nil(t, conv)
}

func TestSnapshot_IsolatedPerConversation(t *testing.T) {
	db := setupTestDB(t, "")
	ctx := context.Background()
	now := time.Now()

	require.NoError(t, db.SaveSnapshot(ctx, "12", []models.Message{confirmed("1", "7", "a", now)}, nil))
	require.NoError(t, db.SaveSnapshot(ctx, "15", []models.Message{confirmed("1", "7", "other", now)}, nil))

	messages, _, err := db.LoadSnapshot(ctx, "12")
	require.NoError(t, err)
	require.Len(t, messages, 1)
	assert.Equal(t, "a", messages[0].Text)

	require.NoError(t, db.DeleteSnapshot(ctx, "12"))
	messages, _, err = db.LoadSnapshot(ctx, "12")
	require.NoError(t, err)
	assert.Empty(t, messages)

	messages, _, err = db.LoadSnapshot(ctx, "15")
	require.NoError(t, err)
	assert.Len(t, messages, 1)
}

func TestUnreadCount(t *testing.T) {
	db := setupTestDB(t, "")
	ctx := context.Background()

	_, ok, err := db.LoadUnreadCount(ctx, "7")
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, db.SaveUnreadCount(ctx, "7", 4))
	require.NoError(t, db.SaveUnreadCount(ctx, "7", 2))

	count, ok, err := db.LoadUnreadCount(ctx, "7")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, 2, count)
}

func TestPurge(t *testing.T) {
	db := setupTestDB(t, "")
	ctx := context.Background()

	require.NoError(t, db.SaveSnapshot(ctx, "12", []models.Message{confirmed("1", "7", "a", time.Now())},
		&models.Conversation{ID: "12", Status: models.ConversationActive}))
	require.NoError(t, db.SaveUnreadCount(ctx, "7", 3))

	require.NoError(t, db.Purge(ctx))

	messages, conv, err := db.LoadSnapshot(ctx, "12")
	require.NoError(t, err)
	assert.Empty(t, messages)
	assert.Nil(t, conv)
	_, ok, err := db.LoadUnreadCount(ctx, "7")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestSnapshot_CancelledContext(t *testing.T) {
	db := setupTestDB(t, "")
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	err := db.SaveSnapshot(ctx, "12", []models.Message{confirmed("1", "7", "a", time.Now())}, nil)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestIsRetryableDBError(t *testing.T) {
	assert.False(t, isRetryableDBError(nil))
	assert.True(t, isRetryableDBError(errString("database is locked")))
	assert.True(t, isRetryableDBError(errString("disk I/O error")))
	assert.False(t, isRetryableDBError(errString("UNIQUE constraint failed")))
	assert.False(t, isRetryableDBError(context.Canceled))
}

type errString string

func (e errString) Error() string { return string(e) }

func TestEncryptor(t *testing.T) {
	enc, err := newEncryptor(testSecret)
	require.NoError(t, err)

	sealed, err := enc.Encrypt("hello")
	require.NoError(t, err)
	assert.NotEqual(t, "hello", sealed)

	again, err := enc.Encrypt("hello")
	require.NoError(t, err)
	assert.NotEqual(t, sealed, again, "nonces are random")

	plain, err := enc.Decrypt(sealed)
	require.NoError(t, err)
	assert.Equal(t, "hello", plain)

	empty, err := enc.Encrypt("")
	require.NoError(t, err)
	assert.Empty(t, empty)

	_, err = enc.Decrypt("not base64!")
	assert.Error(t, err)
	_, err = enc.Decrypt("AAAA")
	assert.Error(t, err)

	other, err := newEncryptor(strings.Repeat("z", 32))
	require.NoError(t, err)
	_, err = other.Decrypt(sealed)
	assert.Error(t, err, "a different secret cannot open the value")
}

func TestEncryptor_Disabled(t *testing.T) {
	enc, err := newEncryptor("")
	require.NoError(t, err)
	assert.False(t, enc.enabled())

	out, err := enc.Encrypt("hello")
	require.NoError(t, err)
	assert.Equal(t, "hello", out)

	out, err = enc.Decrypt("hello")
	require.NoError(t, err)
	assert.Equal(t, "hello", out)
}
