package events

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/vmihailenco/msgpack/v5"
)

// auditRing keeps the most recent event summaries in a fixed-size ring.
// It is the only event persistence the engine guarantees; exact replay
// across restarts is out of scope.
type auditRing struct {
	mu      sync.Mutex
	records []AuditRecord
	next    int
	full    bool
}

func newAuditRing(size int) *auditRing {
	return &auditRing{records: make([]AuditRecord, size)}
}

func (r *auditRing) add(rec AuditRecord) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.records[r.next] = rec
	r.next++
	if r.next == len(r.records) {
		r.next = 0
		r.full = true
	}
}

// snapshot returns the ring contents oldest first
func (r *auditRing) snapshot() []AuditRecord {
	r.mu.Lock()
	defer r.mu.Unlock()

	if !r.full {
		out := make([]AuditRecord, r.next)
		copy(out, r.records[:r.next])
		return out
	}

	out := make([]AuditRecord, 0, len(r.records))
	out = append(out, r.records[r.next:]...)
	out = append(out, r.records[:r.next]...)
	return out
}

// failureRing keeps the most recent handler failures
type failureRing struct {
	mu      sync.Mutex
	entries []HandlerFailure
	next    int
	full    bool
}

func newFailureRing(size int) *failureRing {
	return &failureRing{entries: make([]HandlerFailure, size)}
}

func (r *failureRing) add(f HandlerFailure) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.entries[r.next] = f
	r.next++
	if r.next == len(r.entries) {
		r.next = 0
		r.full = true
	}
}

func (r *failureRing) snapshot() []HandlerFailure {
	r.mu.Lock()
	defer r.mu.Unlock()

	if !r.full {
		out := make([]HandlerFailure, r.next)
		copy(out, r.entries[:r.next])
		return out
	}

	out := make([]HandlerFailure, 0, len(r.entries))
	out = append(out, r.entries[r.next:]...)
	out = append(out, r.entries[:r.next]...)
	return out
}

// FlushAudit writes the current audit ring to path as msgpack. Called on
// shutdown and by the maintenance schedule so the trail survives the
// process even though the ring itself is in memory.
func (b *Bus) FlushAudit(path string) error {
	records := b.audit.snapshot()
	if len(records) == 0 {
		return nil
	}

	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("failed to create audit directory: %w", err)
	}

	data, err := msgpack.Marshal(records)
	if err != nil {
		return fmt.Errorf("failed to encode audit records: %w", err)
	}

	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("failed to write audit file: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		return fmt.Errorf("failed to replace audit file: %w", err)
	}

	b.log.Info().
		Int("records", len(records)).
		Str("path", path).
		Msg("Audit ring flushed")

	return nil
}

// ReadAuditFile loads a previously flushed audit trail
func ReadAuditFile(path string) ([]AuditRecord, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read audit file: %w", err)
	}

	var records []AuditRecord
	if err := msgpack.Unmarshal(data, &records); err != nil {
		return nil, fmt.Errorf("failed to decode audit file: %w", err)
	}

	return records, nil
}
