// Package history persists conversation turns. The store is an append-only
// sink; the core only reads it back once, at startup, to seed context.
package history

import (
	"bufio"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"
)

type Role string

const (
	RoleUser  Role = "user"
	RoleAgent Role = "agent"
)

// Turn is one conversational contribution. Immutable once appended.
type Turn struct {
	ID        string    `json:"id"`
	Role      Role      `json:"role"`
	Text      string    `json:"text"`
	SpeakerID string    `json:"speaker_id,omitempty"`
	Timestamp time.Time `json:"ts"`
}

func NewTurn(role Role, text, speakerID string) Turn {
	return Turn{
		ID:        uuid.NewString(),
		Role:      role,
		Text:      text,
		SpeakerID: speakerID,
		Timestamp: time.Now().UTC(),
	}
}

// Store writes one JSON line per turn.
type Store struct {
	mu   sync.Mutex
	f    *os.File
	path string
}

func Open(path string) (*Store, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("history dir: %w", err)
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, fmt.Errorf("open history store: %w", err)
	}
	return &Store{f: f, path: path}, nil
}

func (s *Store) Append(t Turn) error {
	line, err := json.Marshal(t)
	if err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if _, err := s.f.Write(append(line, '\n')); err != nil {
		return fmt.Errorf("append turn: %w", err)
	}
	return nil
}

// Load returns up to limit most recent turns in insertion order.
// Unparseable lines are skipped rather than failing the whole seed.
func (s *Store) Load(limit int) ([]Turn, error) {
	f, err := os.Open(s.path)
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read history store: %w", err)
	}
	defer f.Close()

	var turns []Turn
	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 64*1024), 1024*1024)
	for sc.Scan() {
		var t Turn
		if err := json.Unmarshal(sc.Bytes(), &t); err != nil {
			continue
		}
		turns = append(turns, t)
	}
	if err := sc.Err(); err != nil {
		return nil, fmt.Errorf("scan history store: %w", err)
	}

	if limit > 0 && len(turns) > limit {
		turns = turns[len(turns)-limit:]
	}
	return turns, nil
}

func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.f.Close()
}
