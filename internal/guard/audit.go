package guard

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Record is one audit entry. It deliberately carries no free-text payload:
// never the raw utterance, never credential material.
type Record struct {
	ID                   string    `json:"id"`
	Timestamp            time.Time `json:"ts"`
	Verb                 string    `json:"verb"`
	Target               string    `json:"target"`
	Allowed              bool      `json:"allowed"`
	RequiresConfirmation bool      `json:"requires_confirmation"`
	Risk                 RiskLevel `json:"risk_level"`
}

// AuditLog appends one JSON line per gate evaluation to a file.
type AuditLog struct {
	mu   sync.Mutex
	f    *os.File
	path string
}

func OpenAuditLog(path string) (*AuditLog, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("audit dir: %w", err)
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, fmt.Errorf("open audit log: %w", err)
	}
	return &AuditLog{f: f, path: path}, nil
}

func (a *AuditLog) Append(verb, target string, v Verdict) error {
	rec := Record{
		ID:                   uuid.NewString(),
		Timestamp:            time.Now().UTC(),
		Verb:                 verb,
		Target:               target,
		Allowed:              v.Allowed,
		RequiresConfirmation: v.RequiresConfirmation,
		Risk:                 v.Risk,
	}
	line, err := json.Marshal(rec)
	if err != nil {
		return err
	}

	a.mu.Lock()
	defer a.mu.Unlock()
	if _, err := a.f.Write(append(line, '\n')); err != nil {
		return fmt.Errorf("write audit record: %w", err)
	}
	return nil
}

func (a *AuditLog) Close() error {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.f.Close()
}
