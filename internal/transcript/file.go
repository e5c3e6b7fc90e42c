package transcript

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"sync"
)

// maxLineBytes bounds one transcript line on load.
const maxLineBytes = 4 << 20

var fileNameReplacer = strings.NewReplacer(":", "_", "/", "_", `\`, "_")

// FileStore keeps one newline-delimited JSON file per conversation under dir,
// so operators can inspect transcripts with ordinary tools.
type FileStore struct {
	dir   string
	locks sync.Map // file path -> *sync.Mutex
}

// NewFileStore creates dir if needed and returns a store rooted there.
func NewFileStore(dir string) (*FileStore, error) {
	if dir == "" {
		return nil, errors.New("transcript dir required")
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("transcript: create dir: %w", err)
	}
	return &FileStore{dir: dir}, nil
}

// Path returns the file backing conversationID, e.g. C1:100.5 → dir/C1_100.5.jsonl.
func (s *FileStore) Path(conversationID string) string {
	return filepath.Join(s.dir, fileNameReplacer.Replace(conversationID)+".jsonl")
}

// Append writes msg as one line. Appends to the same conversation are
// serialised within the process.
func (s *FileStore) Append(_ context.Context, conversationID string, msg Message) error {
	if err := validate(conversationID, msg); err != nil {
		return err
	}
	msg.Name = SanitizeName(msg.Name)

	line, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("transcript: marshal: %w", err)
	}
	line = append(line, '\n')

	path := s.Path(conversationID)
	mu := s.lockFor(path)
	mu.Lock()
	defer mu.Unlock()

	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("transcript: open: %w", err)
	}
	if _, err := f.Write(line); err != nil {
		f.Close()
		return fmt.Errorf("transcript: write: %w", err)
	}
	return f.Close()
}

// Load reads every message of conversationID in file order.
func (s *FileStore) Load(_ context.Context, conversationID string) ([]Message, error) {
	if conversationID == "" {
		return nil, ErrEmptyConversationID
	}

	path := s.Path(conversationID)
	mu := s.lockFor(path)
	mu.Lock()
	defer mu.Unlock()

	f, err := os.Open(path)
	if errors.Is(err, fs.ErrNotExist) {
		return []Message{}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("transcript: open: %w", err)
	}
	defer f.Close()

	messages := []Message{}
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), maxLineBytes)
	for lineNo := 1; scanner.Scan(); lineNo++ {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		var msg Message
		if err := json.Unmarshal([]byte(line), &msg); err != nil {
			return nil, fmt.Errorf("transcript: %s line %d: %w", filepath.Base(path), lineNo, err)
		}
		messages = append(messages, msg)
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("transcript: read: %w", err)
	}
	return messages, nil
}

// Ping checks the root directory is still there.
func (s *FileStore) Ping(_ context.Context) error {
	info, err := os.Stat(s.dir)
	if err != nil {
		return err
	}
	if !info.IsDir() {
		return fmt.Errorf("transcript: %s is not a directory", s.dir)
	}
	return nil
}

// Close is a no-op; files are opened per call.
func (s *FileStore) Close() error { return nil }

func (s *FileStore) lockFor(path string) *sync.Mutex {
	v, _ := s.locks.LoadOrStore(path, &sync.Mutex{})
	return v.(*sync.Mutex)
}
