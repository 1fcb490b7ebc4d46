// Package audit keeps an in-memory, hash-chained record of security events.
// Each entry's hash covers the previous hash, so editing or dropping an entry
// breaks Verify.
package audit

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"sync"
	"time"
)

type Entry struct {
	TS   int64  `json:"ts"`
	What string `json:"what"`
	Hash string `json:"hash"`
}

type Log struct {
	mu       sync.Mutex
	lastHash []byte
	entries  []Entry
	max      int
}

// New returns a log that keeps at most max entries (0 means unbounded). When
// trimmed, the chain is verified from the oldest kept entry.
func New(max int) *Log { return &Log{max: max} }

func chain(prev []byte, ts int64, what string) []byte {
	h := sha256.New()
	h.Write(prev)
	fmt.Fprintf(h, "%d|%s", ts, what)
	return h.Sum(nil)
}

func (l *Log) Append(what string) Entry {
	l.mu.Lock()
	defer l.mu.Unlock()
	ts := time.Now().Unix()
	sum := chain(l.lastHash, ts, what)
	l.lastHash = sum
	e := Entry{TS: ts, What: what, Hash: hex.EncodeToString(sum)}
	l.entries = append(l.entries, e)
	if l.max > 0 && len(l.entries) > l.max {
		l.entries = append([]Entry(nil), l.entries[len(l.entries)-l.max:]...)
	}
	return e
}

func (l *Log) Appendf(format string, args ...any) Entry {
	return l.Append(fmt.Sprintf(format, args...))
}

// Verify recomputes the chain over the kept entries.
func (l *Log) Verify() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	return verify(l.entries)
}

func verify(entries []Entry) error {
	for i := 1; i < len(entries); i++ {
		prev, err := hex.DecodeString(entries[i-1].Hash)
		if err != nil {
			return fmt.Errorf("audit chain broken at %d: %w", i-1, err)
		}
		if hex.EncodeToString(chain(prev, entries[i].TS, entries[i].What)) != entries[i].Hash {
			return fmt.Errorf("audit chain broken at %d", i)
		}
	}
	return nil
}

func (l *Log) Entries() []Entry {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]Entry(nil), l.entries...)
}
