package database

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"time"

	"spacechat/internal/migrations"
	"spacechat/internal/models"
	"spacechat/internal/security"

	_ "github.com/mattn/go-sqlite3"
)

const (
	deleteConversationMessagesQuery = `DELETE FROM cached_messages WHERE conversation_id = ?`

	insertMessageQuery = `
		INSERT OR REPLACE INTO cached_messages (
			conversation_id, message_id, sender_id, sender_first_name, sender_last_name,
			sender_avatar_url, body, message_type, metadata, created_at, read_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`

	selectConversationMessagesQuery = `
		SELECT message_id, sender_id, sender_first_name, sender_last_name, sender_avatar_url,
		       body, message_type, metadata, created_at, read_at
		FROM cached_messages
		WHERE conversation_id = ?
		ORDER BY created_at, message_id
	`

	upsertConversationQuery = `
		INSERT INTO cached_conversations (conversation_id, status, title, synced_at)
		VALUES (?, ?, ?, CURRENT_TIMESTAMP)
		ON CONFLICT(conversation_id) DO UPDATE SET
			status = excluded.status,
			title = excluded.title,
			synced_at = CURRENT_TIMESTAMP
	`

	selectConversationQuery = `SELECT status, title FROM cached_conversations WHERE conversation_id = ?`

	deleteConversationQuery = `DELETE FROM cached_conversations WHERE conversation_id = ?`

	upsertUnreadQuery = `
		INSERT INTO unread_snapshot (user_id, count, updated_at)
		VALUES (?, ?, CURRENT_TIMESTAMP)
		ON CONFLICT(user_id) DO UPDATE SET count = excluded.count, updated_at = CURRENT_TIMESTAMP
	`

	selectUnreadQuery = `SELECT count FROM unread_snapshot WHERE user_id = ?`
)

// Database is the local offline cache of conversation snapshots
type Database struct {
	db        *sql.DB
	encryptor *encryptor
}

// New opens (creating if needed) the cache at dbPath and applies pending migrations.
// Content is encrypted at rest when SPACECHAT_ENCRYPTION_SECRET is set.
func New(dbPath string) (*Database, error) {
	enc, err := newEncryptorFromEnv()
	if err != nil {
		return nil, fmt.Errorf("failed to initialize encryptor: %w", err)
	}
	return open(dbPath, enc)
}

func open(dbPath string, enc *encryptor) (*Database, error) {
	if err := security.ValidateFilePath(dbPath); err != nil {
		return nil, fmt.Errorf("invalid database path: %w", err)
	}

	file, err := os.OpenFile(dbPath, os.O_RDWR|os.O_CREATE, 0600) // #nosec G304 - Path validated above
	if err != nil {
		return nil, fmt.Errorf("failed to create database file: %w", err)
	}
	if err := file.Close(); err != nil {
		return nil, fmt.Errorf("failed to close database file: %w", err)
	}

	db, err := sql.Open("sqlite3", dbPath+"?_busy_timeout=5000&_journal_mode=WAL")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	ctx := context.Background()
	if err := db.PingContext(ctx); err != nil {
		return nil, closeOnError(db, fmt.Errorf("failed to ping database: %w", err))
	}
	if _, err := migrations.Apply(ctx, db); err != nil {
		return nil, closeOnError(db, fmt.Errorf("failed to initialize schema: %w", err))
	}

	return &Database{db: db, encryptor: enc}, nil
}

func closeOnError(db *sql.DB, err error) error {
	if closeErr := db.Close(); closeErr != nil {
		return fmt.Errorf("%w (close error: %v)", err, closeErr)
	}
	return err
}

func (d *Database) Close() error {
	return d.db.Close()
}

// SchemaVersion returns the highest applied migration
func (d *Database) SchemaVersion(ctx context.Context) (int, error) {
	return migrations.CurrentVersion(ctx, d.db)
}

// Encrypted reports whether cached content is sealed at rest
func (d *Database) Encrypted() bool {
	return d.encryptor.enabled()
}

// SaveSnapshot replaces the cached messages of a conversation. Pending
// placeholders are skipped; only server-confirmed messages are stored.
func (d *Database) SaveSnapshot(ctx context.Context, conversationID string, messages []models.Message, conversation *models.Conversation) error {
	rows := make([][]any, 0, len(messages))
	for i := range messages {
		m := &messages[i]
		if m.Delivery.Pending() {
			continue
		}
		row, err := d.encodeMessage(conversationID, m)
		if err != nil {
			return err
		}
		rows = append(rows, row)
	}

	return withRetry(ctx, "save snapshot", func() error {
		tx, err := d.db.BeginTx(ctx, nil)
		if err != nil {
			return err
		}
		defer func() { _ = tx.Rollback() }()

		if _, err := tx.ExecContext(ctx, deleteConversationMessagesQuery, conversationID); err != nil {
			return err
		}

		stmt, err := tx.PrepareContext(ctx, insertMessageQuery)
		if err != nil {
			return err
		}
		defer stmt.Close()

		for _, row := range rows {
			if _, err := stmt.ExecContext(ctx, row...); err != nil {
				return err
			}
		}

		if conversation != nil {
			if _, err := tx.ExecContext(ctx, upsertConversationQuery, conversationID, string(conversation.Status), conversation.Title); err != nil {
				return err
			}
		}
		return tx.Commit()
	})
}

// LoadSnapshot returns the cached messages of a conversation in display order.
// The conversation is nil when its status was never cached.
func (d *Database) LoadSnapshot(ctx context.Context, conversationID string) ([]models.Message, *models.Conversation, error) {
	var messages []models.Message
	err := withRetry(ctx, "load snapshot", func() error {
		rows, err := d.db.QueryContext(ctx, selectConversationMessagesQuery, conversationID)
		if err != nil {
			return err
		}
		defer rows.Close()

		messages = messages[:0]
		for rows.Next() {
			m, err := d.decodeMessage(conversationID, rows)
			if err != nil {
				return err
			}
			messages = append(messages, *m)
		}
		return rows.Err()
	})
	if err != nil {
		return nil, nil, err
	}

	var conversation *models.Conversation
	var status, title string
	err = d.db.QueryRowContext(ctx, selectConversationQuery, conversationID).Scan(&status, &title)
	switch {
	case err == sql.ErrNoRows:
	case err != nil:
		return nil, nil, fmt.Errorf("load conversation: %w", err)
	default:
		conversation = &models.Conversation{ID: conversationID, Status: models.ConversationStatus(status), Title: title}
	}

	return messages, conversation, nil
}

// DeleteSnapshot drops every cached row for a conversation
func (d *Database) DeleteSnapshot(ctx context.Context, conversationID string) error {
	return withRetry(ctx, "delete snapshot", func() error {
		tx, err := d.db.BeginTx(ctx, nil)
		if err != nil {
			return err
		}
		defer func() { _ = tx.Rollback() }()

		if _, err := tx.ExecContext(ctx, deleteConversationMessagesQuery, conversationID); err != nil {
			return err
		}
		if _, err := tx.ExecContext(ctx, deleteConversationQuery, conversationID); err != nil {
			return err
		}
		return tx.Commit()
	})
}

// Purge removes all cached content
func (d *Database) Purge(ctx context.Context) error {
	return withRetry(ctx, "purge cache", func() error {
		_, err := d.db.ExecContext(ctx, `DELETE FROM cached_messages; DELETE FROM cached_conversations; DELETE FROM unread_snapshot;`)
		return err
	})
}

func (d *Database) SaveUnreadCount(ctx context.Context, userID string, count int) error {
	return withRetry(ctx, "save unread count", func() error {
		_, err := d.db.ExecContext(ctx, upsertUnreadQuery, userID, count)
		return err
	})
}

// LoadUnreadCount returns the last stored count and whether one existed
func (d *Database) LoadUnreadCount(ctx context.Context, userID string) (int, bool, error) {
	var count int
	err := d.db.QueryRowContext(ctx, selectUnreadQuery, userID).Scan(&count)
	if err == sql.ErrNoRows {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, fmt.Errorf("load unread count: %w", err)
	}
	return count, true, nil
}

func (d *Database) encodeMessage(conversationID string, m *models.Message) ([]any, error) {
	body, err := d.encryptor.Encrypt(m.Text)
	if err != nil {
		return nil, fmt.Errorf("failed to encrypt message body: %w", err)
	}
	firstName, err := d.encryptor.Encrypt(m.Sender.FirstName)
	if err != nil {
		return nil, fmt.Errorf("failed to encrypt sender name: %w", err)
	}
	lastName, err := d.encryptor.Encrypt(m.Sender.LastName)
	if err != nil {
		return nil, fmt.Errorf("failed to encrypt sender name: %w", err)
	}

	var metadata string
	if len(m.Metadata) > 0 {
		raw, err := json.Marshal(m.Metadata)
		if err != nil {
			return nil, fmt.Errorf("failed to encode metadata: %w", err)
		}
		if metadata, err = d.encryptor.Encrypt(string(raw)); err != nil {
			return nil, fmt.Errorf("failed to encrypt metadata: %w", err)
		}
	}

	var readAt any
	if m.ReadAt != nil {
		readAt = m.ReadAt.UnixNano()
	}

	return []any{
		conversationID, m.ID, m.Sender.ID, firstName, lastName, m.Sender.AvatarURL,
		body, string(m.Type), metadata, m.CreatedAt.UnixNano(), readAt,
	}, nil
}

func (d *Database) decodeMessage(conversationID string, rows *sql.Rows) (*models.Message, error) {
	var (
		m                   models.Message
		firstName, lastName string
		body, metadata      string
		msgType             string
		createdAt           int64
		readAt              sql.NullInt64
	)
	if err := rows.Scan(&m.ID, &m.Sender.ID, &firstName, &lastName, &m.Sender.AvatarURL,
		&body, &msgType, &metadata, &createdAt, &readAt); err != nil {
		return nil, err
	}

	var err error
	if m.Text, err = d.encryptor.Decrypt(body); err != nil {
		return nil, fmt.Errorf("failed to decrypt message body: %w", err)
	}
	if m.Sender.FirstName, err = d.encryptor.Decrypt(firstName); err != nil {
		return nil, fmt.Errorf("failed to decrypt sender name: %w", err)
	}
	if m.Sender.LastName, err = d.encryptor.Decrypt(lastName); err != nil {
		return nil, fmt.Errorf("failed to decrypt sender name: %w", err)
	}
	if metadata != "" {
		raw, err := d.encryptor.Decrypt(metadata)
		if err != nil {
			return nil, fmt.Errorf("failed to decrypt metadata: %w", err)
		}
		if err := json.Unmarshal([]byte(raw), &m.Metadata); err != nil {
			return nil, fmt.Errorf("failed to decode metadata: %w", err)
		}
	}

	m.ConversationID = conversationID
	m.Type = models.MessageType(msgType)
	m.CreatedAt = time.Unix(0, createdAt).UTC()
	if readAt.Valid {
		t := time.Unix(0, readAt.Int64).UTC()
		m.ReadAt = &t
	}
	m.Confirm()
	return &m, nil
}
