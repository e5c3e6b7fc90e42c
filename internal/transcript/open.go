package transcript

import (
	"context"
	"errors"
	"fmt"
)

// Backends accepted by Open.
const (
	BackendFile     = "file"
	BackendPostgres = "postgres"
)

// Open builds the Store selected by backend. dir is used by the file
// backend, dbURL by postgres (whose schema is applied on open).
func Open(ctx context.Context, backend, dir, dbURL string) (Store, error) {
	switch backend {
	case "", BackendFile:
		return NewFileStore(dir)
	case BackendPostgres:
		if dbURL == "" {
			return nil, errors.New("DB_URL required for postgres transcripts")
		}
		st, err := NewPostgresStore(ctx, dbURL)
		if err != nil {
			return nil, fmt.Errorf("transcript: connect: %w", err)
		}
		if err := st.EnsureSchema(ctx); err != nil {
			st.Close()
			return nil, fmt.Errorf("transcript: schema: %w", err)
		}
		return st, nil
	default:
		return nil, fmt.Errorf("unknown transcript backend %q", backend)
	}
}
