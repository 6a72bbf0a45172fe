package events

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gowebpki/jcs"
)

// Entry is one hash-chained journal record.
type Entry struct {
	Sequence uint64 `json:"sequence"`
	Event    Event  `json:"event"`
	PrevHash string `json:"prev_hash"`
	Hash     string `json:"hash"`
}

// Journal is an append-only, hash-chained event log. Each hash covers the
// RFC 8785 canonical form of the entry body, so verification does not
// depend on map ordering.
type Journal struct {
	mu       sync.RWMutex
	entries  []Entry
	headHash string
	clock    func() time.Time
}

// NewJournal creates an empty journal.
func NewJournal() *Journal {
	return &Journal{headHash: "genesis", clock: time.Now}
}

// WithClock overrides clock for testing.
func (j *Journal) WithClock(clock func() time.Time) *Journal {
	j.clock = clock
	return j
}

func entryHash(seq uint64, e Event, prev string) (string, error) {
	body := struct {
		Seq      uint64 `json:"seq"`
		Event    Event  `json:"event"`
		PrevHash string `json:"prev"`
	}{seq, e, prev}
	raw, err := json.Marshal(body)
	if err != nil {
		return "", fmt.Errorf("failed to marshal entry: %w", err)
	}
	canonical, err := jcs.Transform(raw)
	if err != nil {
		return "", fmt.Errorf("failed to canonicalize entry: %w", err)
	}
	h := sha256.Sum256(canonical)
	return "sha256:" + hex.EncodeToString(h[:]), nil
}

// Emit appends e, filling its ID and timestamp when unset.
func (j *Journal) Emit(_ context.Context, e Event) error {
	j.mu.Lock()
	defer j.mu.Unlock()

	if e.ID == "" {
		e.ID = uuid.New().String()
	}
	if e.Timestamp.IsZero() {
		e.Timestamp = j.clock()
	}
	e.Timestamp = e.Timestamp.UTC()
	seq := uint64(len(j.entries)) + 1
	hash, err := entryHash(seq, e, j.headHash)
	if err != nil {
		return err
	}
	j.entries = append(j.entries, Entry{Sequence: seq, Event: e, PrevHash: j.headHash, Hash: hash})
	j.headHash = hash
	return nil
}

// Entries returns a copy of all entries.
func (j *Journal) Entries() []Entry {
	j.mu.RLock()
	defer j.mu.RUnlock()
	out := make([]Entry, len(j.entries))
	copy(out, j.entries)
	return out
}

// OfType returns the events of the given type in order.
func (j *Journal) OfType(t Type) []Event {
	j.mu.RLock()
	defer j.mu.RUnlock()
	var out []Event
	for _, e := range j.entries {
		if e.Event.Type == t {
			out = append(out, e.Event)
		}
	}
	return out
}

// Head returns the current head hash.
func (j *Journal) Head() string {
	j.mu.RLock()
	defer j.mu.RUnlock()
	return j.headHash
}

// Len returns the number of entries.
func (j *Journal) Len() int {
	j.mu.RLock()
	defer j.mu.RUnlock()
	return len(j.entries)
}

// Verify checks the integrity of the entire chain.
func (j *Journal) Verify() error {
	j.mu.RLock()
	defer j.mu.RUnlock()

	prev := "genesis"
	for i, e := range j.entries {
		if e.PrevHash != prev {
			return fmt.Errorf("chain broken at entry %d: expected prev %s, got %s", i+1, prev, e.PrevHash)
		}
		computed, err := entryHash(e.Sequence, e.Event, e.PrevHash)
		if err != nil {
			return err
		}
		if computed != e.Hash {
			return fmt.Errorf("hash mismatch at entry %d", i+1)
		}
		prev = e.Hash
	}
	return nil
}
