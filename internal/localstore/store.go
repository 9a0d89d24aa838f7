// Package localstore keeps a client's own state in SQLite: the metadata of
// conversations it created and the join attempts it is waiting on. Every
// payload is sealed with the client's state key before it is written.
package localstore

import (
	"context"
	"database/sql"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"github.com/Avicted/groupjoin/internal/conversation"
	"github.com/Avicted/groupjoin/internal/crypto"
	"github.com/Avicted/groupjoin/internal/identity"
	"github.com/Avicted/groupjoin/internal/join"
	"github.com/Avicted/groupjoin/internal/storage"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

const stateKeyInfo = "groupjoin-localstore-v1"

var ErrInvalidKey = errors.New("state key must be 32 bytes")

type Store struct {
	db  *sql.DB
	key []byte
}

// KeyFromIdentity derives a state key from the identity's private key, for
// clients that are not given one explicitly.
func KeyFromIdentity(id identity.Identity) ([]byte, error) {
	return crypto.DeriveKey(id.Keys.Private.Seed(), nil, stateKeyInfo)
}

// Open opens the SQLite file at path and applies the embedded migrations.
func Open(ctx context.Context, path string, key []byte) (*Store, error) {
	if strings.TrimSpace(path) == "" {
		return nil, fmt.Errorf("state path is required")
	}
	if len(key) != crypto.KeySize {
		return nil, ErrInvalidKey
	}
	dsn := filepath.Clean(path) + "?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite db: %w", err)
	}
	// One connection keeps writes from the store and join manager ordered.
	db.SetMaxOpenConns(1)
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping sqlite db: %w", err)
	}
	if err := storage.NewMigrator(db, migrationsFS, storage.WithDialect(storage.SQLite)).Up(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("run migrations: %w", err)
	}
	return &Store{db: db, key: append([]byte(nil), key...)}, nil
}

func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

// conversationRecord is the sealed form of conversation.Metadata.
type conversationRecord struct {
	ConversationID     string    `json:"conversation_id"`
	Creator            string    `json:"creator"`
	Tag                string    `json:"tag"`
	Policy             string    `json:"policy"`
	ExpiresAt          time.Time `json:"expires_at,omitempty"`
	MaxMembers         int       `json:"max_members,omitempty"`
	Name               string    `json:"name,omitempty"`
	Description        string    `json:"description,omitempty"`
	ImageURL           string    `json:"image_url,omitempty"`
	ImageEncryptionKey []byte    `json:"image_encryption_key,omitempty"`
	CreatedAt          time.Time `json:"created_at"`
	UpdatedAt          time.Time `json:"updated_at"`
}

func (s *Store) SaveConversation(ctx context.Context, m conversation.Metadata) error {
	if m.ConversationID == "" {
		return fmt.Errorf("conversation id is required")
	}
	raw, err := json.Marshal(conversationRecord{
		ConversationID:     string(m.ConversationID),
		Creator:            string(m.Creator),
		Tag:                m.Tag,
		Policy:             string(m.Policy),
		ExpiresAt:          m.ExpiresAt,
		MaxMembers:         m.MaxMembers,
		Name:               m.Name,
		Description:        m.Description,
		ImageURL:           m.ImageURL,
		ImageEncryptionKey: m.ImageEncryptionKey,
		CreatedAt:          m.CreatedAt,
		UpdatedAt:          m.UpdatedAt,
	})
	if err != nil {
		return fmt.Errorf("encode conversation: %w", err)
	}
	sealed, err := crypto.EncryptWithAD(s.key, raw, []byte(m.ConversationID))
	if err != nil {
		return fmt.Errorf("seal conversation: %w", err)
	}
	_, err = s.db.ExecContext(ctx, `INSERT INTO conversations (id, sealed, updated_at) VALUES (?, ?, ?)
		ON CONFLICT (id) DO UPDATE SET sealed = excluded.sealed, updated_at = excluded.updated_at`,
		string(m.ConversationID), sealed, toMillis(m.UpdatedAt))
	if err != nil {
		return fmt.Errorf("upsert conversation: %w", err)
	}
	return nil
}

func (s *Store) LoadConversations(ctx context.Context) ([]conversation.Metadata, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT id, sealed FROM conversations ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("list conversations: %w", err)
	}
	defer rows.Close()

	var out []conversation.Metadata
	for rows.Next() {
		var id string
		var sealed []byte
		if err := rows.Scan(&id, &sealed); err != nil {
			return nil, fmt.Errorf("scan conversation: %w", err)
		}
		raw, err := crypto.DecryptWithAD(s.key, sealed, []byte(id))
		if err != nil {
			return nil, fmt.Errorf("open conversation %s: %w", id, err)
		}
		var rec conversationRecord
		if err := json.Unmarshal(raw, &rec); err != nil {
			return nil, fmt.Errorf("decode conversation %s: %w", id, err)
		}
		out = append(out, conversation.Metadata{
			ConversationID:     conversation.ID(rec.ConversationID),
			Creator:            identity.ID(rec.Creator),
			Tag:                rec.Tag,
			Policy:             conversation.Policy(rec.Policy),
			ExpiresAt:          rec.ExpiresAt,
			MaxMembers:         rec.MaxMembers,
			Name:               rec.Name,
			Description:        rec.Description,
			ImageURL:           rec.ImageURL,
			ImageEncryptionKey: rec.ImageEncryptionKey,
			CreatedAt:          rec.CreatedAt,
			UpdatedAt:          rec.UpdatedAt,
		})
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate conversations: %w", err)
	}
	return out, nil
}

func (s *Store) SavePending(ctx context.Context, p join.PendingAttempt) error {
	if p.ID == "" || p.Token == "" {
		return fmt.Errorf("pending attempt id and token are required")
	}
	sealed, err := crypto.EncryptWithAD(s.key, []byte(p.Token), []byte(p.ID))
	if err != nil {
		return fmt.Errorf("seal pending attempt: %w", err)
	}
	_, err = s.db.ExecContext(ctx, `INSERT INTO pending_attempts (id, sealed_token, requested_at) VALUES (?, ?, ?)
		ON CONFLICT (id) DO UPDATE SET sealed_token = excluded.sealed_token, requested_at = excluded.requested_at`,
		p.ID, sealed, toMillis(p.RequestedAt))
	if err != nil {
		return fmt.Errorf("upsert pending attempt: %w", err)
	}
	return nil
}

func (s *Store) DeletePending(ctx context.Context, id string) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM pending_attempts WHERE id = ?`, id); err != nil {
		return fmt.Errorf("delete pending attempt: %w", err)
	}
	return nil
}

func (s *Store) ListPending(ctx context.Context) ([]join.PendingAttempt, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT id, sealed_token, requested_at FROM pending_attempts ORDER BY requested_at, id`)
	if err != nil {
		return nil, fmt.Errorf("list pending attempts: %w", err)
	}
	defer rows.Close()

	var out []join.PendingAttempt
	for rows.Next() {
		var (
			id          string
			sealed      []byte
			requestedAt int64
		)
		if err := rows.Scan(&id, &sealed, &requestedAt); err != nil {
			return nil, fmt.Errorf("scan pending attempt: %w", err)
		}
		token, err := crypto.DecryptWithAD(s.key, sealed, []byte(id))
		if err != nil {
			return nil, fmt.Errorf("open pending attempt %s: %w", id, err)
		}
		out = append(out, join.PendingAttempt{ID: id, Token: string(token), RequestedAt: fromMillis(requestedAt)})
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate pending attempts: %w", err)
	}
	return out, nil
}

func toMillis(value time.Time) int64 {
	return value.UTC().UnixMilli()
}

func fromMillis(value int64) time.Time {
	return time.UnixMilli(value).UTC()
}
