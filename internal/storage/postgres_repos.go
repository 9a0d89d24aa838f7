package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/Avicted/groupjoin/internal/identity"
	"github.com/Avicted/groupjoin/internal/transport"
)

type envelopeRepo struct {
	db *sql.DB
}

func (r *envelopeRepo) Save(ctx context.Context, env transport.Envelope, ensure bool) error {
	if env.ID == "" || env.From == "" || env.To == "" || env.ContentType == "" || env.SentAt.IsZero() {
		return fmt.Errorf("envelope id, sender, recipient, content type, and sent_at are required")
	}
	body := env.Body
	if body == nil {
		body = []byte{}
	}
	_, err := r.db.ExecContext(ctx, `INSERT INTO envelopes (id, sender, recipient, content_type, body, ensure_delivery, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		env.ID, string(env.From), string(env.To), env.ContentType, body, ensure, env.SentAt.UTC())
	if err != nil {
		return fmt.Errorf("insert envelope: %w", err)
	}
	return nil
}

func (r *envelopeRepo) ListUndelivered(ctx context.Context, recipient identity.ID, limit int) ([]transport.Envelope, error) {
	if recipient == "" {
		return nil, fmt.Errorf("recipient is required")
	}
	if limit <= 0 {
		return nil, fmt.Errorf("limit must be positive")
	}
	rows, err := r.db.QueryContext(ctx, `SELECT id, sender, recipient, content_type, body, created_at
		FROM envelopes
		WHERE recipient = $1 AND delivered_at IS NULL AND ensure_delivery
		ORDER BY created_at ASC, id ASC
		LIMIT $2`, string(recipient), limit)
	if err != nil {
		return nil, fmt.Errorf("list undelivered envelopes: %w", err)
	}
	defer rows.Close()

	var out []transport.Envelope
	for rows.Next() {
		env, err := scanEnvelope(rows)
		if err != nil {
			return nil, fmt.Errorf("scan envelope: %w", err)
		}
		out = append(out, env)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate envelopes: %w", err)
	}
	return out, nil
}

func (r *envelopeRepo) MarkDelivered(ctx context.Context, recipient identity.ID, ids []string, at time.Time) error {
	if len(ids) == 0 {
		return nil
	}
	if recipient == "" {
		return fmt.Errorf("recipient is required")
	}
	args := make([]any, 0, len(ids)+2)
	args = append(args, at.UTC(), string(recipient))
	placeholders := make([]string, 0, len(ids))
	for i, id := range ids {
		args = append(args, id)
		placeholders = append(placeholders, "$"+strconv.Itoa(i+3))
	}
	_, err := r.db.ExecContext(ctx, `UPDATE envelopes SET delivered_at = $1
		WHERE delivered_at IS NULL AND recipient = $2 AND id IN (`+strings.Join(placeholders, ", ")+`)`, args...)
	if err != nil {
		return fmt.Errorf("mark envelopes delivered: %w", err)
	}
	return nil
}

func (r *envelopeRepo) Last(ctx context.Context, sender, recipient identity.ID) (transport.Envelope, error) {
	row := r.db.QueryRowContext(ctx, `SELECT id, sender, recipient, content_type, body, created_at
		FROM envelopes
		WHERE sender = $1 AND recipient = $2
		ORDER BY created_at DESC, id DESC
		LIMIT 1`, string(sender), string(recipient))
	env, err := scanEnvelope(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return transport.Envelope{}, ErrNotFound
		}
		return transport.Envelope{}, fmt.Errorf("select last envelope: %w", err)
	}
	return env, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanEnvelope(row rowScanner) (transport.Envelope, error) {
	var env transport.Envelope
	var from, to string
	if err := row.Scan(&env.ID, &from, &to, &env.ContentType, &env.Body, &env.SentAt); err != nil {
		return transport.Envelope{}, err
	}
	env.From = identity.ID(from)
	env.To = identity.ID(to)
	env.SentAt = env.SentAt.UTC()
	return env, nil
}

type membershipRepo struct {
	db *sql.DB
}

func (r *membershipRepo) Add(ctx context.Context, conversationID string, member identity.ID, addedAt time.Time) (bool, error) {
	if conversationID == "" || member == "" {
		return false, fmt.Errorf("conversation id and member are required")
	}
	res, err := r.db.ExecContext(ctx, `INSERT INTO memberships (conversation_id, member_id, added_at)
		VALUES ($1, $2, $3)
		ON CONFLICT (conversation_id, member_id) DO NOTHING`, conversationID, string(member), addedAt.UTC())
	if err != nil {
		return false, fmt.Errorf("insert membership: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("membership rows affected: %w", err)
	}
	return n == 1, nil
}

func (r *membershipRepo) IsMember(ctx context.Context, conversationID string, member identity.ID) (bool, error) {
	var found int
	err := r.db.QueryRowContext(ctx, `SELECT 1 FROM memberships WHERE conversation_id = $1 AND member_id = $2`,
		conversationID, string(member)).Scan(&found)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return false, nil
		}
		return false, fmt.Errorf("select membership: %w", err)
	}
	return true, nil
}

func (r *membershipRepo) Count(ctx context.Context, conversationID string) (int, error) {
	var n int
	if err := r.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM memberships WHERE conversation_id = $1`, conversationID).Scan(&n); err != nil {
		return 0, fmt.Errorf("count memberships: %w", err)
	}
	return n, nil
}
