package transcript

import (
	"context"
	_ "embed"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
)

// schemaSQL is embedded so the service can self-bootstrap its database schema.
//
//go:embed schema.sql
var schemaSQL string

// PostgresStore keeps transcripts in one table shared by the gateway and the
// agent service; insertion order is the bigserial sequence.
type PostgresStore struct {
	pool *pgxpool.Pool
}

// NewPostgresStore creates a connection pool and fails fast if DB is unreachable.
func NewPostgresStore(ctx context.Context, dbURL string) (*PostgresStore, error) {
	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	pool, err := pgxpool.New(ctx, dbURL)
	if err != nil {
		return nil, err
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, err
	}

	return &PostgresStore{pool: pool}, nil
}

// EnsureSchema applies schema.sql. Safe to run multiple times.
func (p *PostgresStore) EnsureSchema(ctx context.Context) error {
	_, err := p.pool.Exec(ctx, schemaSQL)
	return err
}

// Ping is used by the readiness endpoint to validate DB connectivity.
func (p *PostgresStore) Ping(ctx context.Context) error {
	return p.pool.Ping(ctx)
}

// Close shuts down the connection pool.
func (p *PostgresStore) Close() error {
	p.pool.Close()
	return nil
}

// Append inserts one message row.
func (p *PostgresStore) Append(ctx context.Context, conversationID string, msg Message) error {
	if err := validate(conversationID, msg); err != nil {
		return err
	}

	_, err := p.pool.Exec(ctx, `
		INSERT INTO conversation_messages(conversation_id, role, name, content)
		VALUES ($1, $2, NULLIF($3, ''), NULLIF($4, ''))
	`, conversationID, msg.Role, SanitizeName(msg.Name), msg.Content)
	if err != nil {
		return fmt.Errorf("transcript: insert: %w", err)
	}
	return nil
}

// Load returns the conversation in insertion order.
func (p *PostgresStore) Load(ctx context.Context, conversationID string) ([]Message, error) {
	if conversationID == "" {
		return nil, ErrEmptyConversationID
	}

	rows, err := p.pool.Query(ctx, `
		SELECT role, COALESCE(name, ''), COALESCE(content, '')
		FROM conversation_messages
		WHERE conversation_id = $1
		ORDER BY seq
	`, conversationID)
	if err != nil {
		return nil, fmt.Errorf("transcript: query: %w", err)
	}
	defer rows.Close()

	messages := []Message{}
	for rows.Next() {
		var m Message
		if err := rows.Scan(&m.Role, &m.Name, &m.Content); err != nil {
			return nil, fmt.Errorf("transcript: scan: %w", err)
		}
		messages = append(messages, m)
	}
	return messages, rows.Err()
}
