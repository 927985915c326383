// Package ban keeps the process-wide ban table and the appeal workflow on
// top of it. Temporary bans expire lazily on lookup; permanent bans carry no
// expiry. Every ban opens a seven-day appeal window.
package ban

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"log"
	"strconv"
	"sync"
	"time"
)

const (
	appealWindow = 7 * 24 * time.Hour
)

var (
	ErrNotBanned    = errors.New("NOT_BANNED")
	ErrCannotReduce = errors.New("CANNOT_REDUCE")
)

// Record is one active ban. The id is the sha256 hex digest of the banned
// key and the ban time, so appeals can reference a specific ban.
type Record struct {
	ID             string `json:"id"`
	PublicKey      string `json:"publicKey"`
	Reason         string `json:"reason"`
	BannedBy       string `json:"bannedBy"`
	BannedAt       int64  `json:"bannedAt"`
	Permanent      bool   `json:"permanent"`
	ExpiresAt      int64  `json:"expiresAt,omitempty"` // zero when permanent
	AppealDeadline int64  `json:"appealDeadline"`
}

// System is the ban table. Safe for concurrent use.
type System struct {
	mu   sync.Mutex
	bans map[string]*Record
}

// NewSystem creates an empty ban table.
func NewSystem() *System {
	return &System{bans: make(map[string]*Record)}
}

// Apply bans a public key. A zero duration means permanent. now is Unix
// milliseconds. Re-banning overwrites the existing record.
func (s *System) Apply(publicKey, reason, by string, duration time.Duration, now int64) *Record {
	idSum := sha256.Sum256([]byte(publicKey + strconv.FormatInt(now, 10)))
	rec := &Record{
		ID:        hex.EncodeToString(idSum[:]),
		PublicKey: publicKey,
		Reason:    reason,
		BannedBy:  by,
		BannedAt:  now,
	}
	if duration <= 0 {
		rec.Permanent = true
		rec.AppealDeadline = now + appealWindow.Milliseconds()
	} else {
		rec.ExpiresAt = now + duration.Milliseconds()
		rec.AppealDeadline = rec.ExpiresAt - appealWindow.Milliseconds()
	}

	s.mu.Lock()
	s.bans[publicKey] = rec
	s.mu.Unlock()

	log.Printf("[BAN] %s banned by %s (%s)", shorten(publicKey), shorten(by), reason)
	return rec
}

// IsBanned reports whether the key is banned at time now. An expired
// temporary ban is evicted on this lookup.
func (s *System) IsBanned(publicKey string, now int64) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.bans[publicKey]
	if !ok {
		return false
	}
	if !rec.Permanent && now >= rec.ExpiresAt {
		delete(s.bans, publicKey)
		return false
	}
	return true
}

// Get returns the ban record for a key, if any. No expiry check.
func (s *System) Get(publicKey string) (*Record, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.bans[publicKey]
	return rec, ok
}

// GetByID returns the ban record with the given id, if any. No expiry check.
func (s *System) GetByID(banID string) (*Record, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, rec := range s.bans {
		if rec.ID == banID {
			return rec, true
		}
	}
	return nil, false
}

// Lift removes a ban unconditionally.
func (s *System) Lift(publicKey string) {
	s.mu.Lock()
	delete(s.bans, publicKey)
	s.mu.Unlock()
	log.Printf("[BAN] %s lifted", shorten(publicKey))
}

// Reduce halves the remaining duration of a temporary ban. Permanent bans
// cannot be reduced.
func (s *System) Reduce(publicKey string, now int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.bans[publicKey]
	if !ok {
		return ErrNotBanned
	}
	if rec.Permanent {
		return ErrCannotReduce
	}
	remaining := rec.ExpiresAt - now
	if remaining < 0 {
		remaining = 0
	}
	rec.ExpiresAt = now + remaining/2
	return nil
}

// CleanupExpired evicts every expired temporary ban and returns how many
// were removed.
func (s *System) CleanupExpired(now int64) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for key, rec := range s.bans {
		if !rec.Permanent && now >= rec.ExpiresAt {
			delete(s.bans, key)
			n++
		}
	}
	return n
}

// Stats summarizes the ban table.
type Stats struct {
	Total     int `json:"total"`
	Permanent int `json:"permanent"`
	Temporary int `json:"temporary"`
}

// Stats counts active records by kind. Expired records not yet evicted are
// still counted; run CleanupExpired first for exact numbers.
func (s *System) Stats() Stats {
	s.mu.Lock()
	defer s.mu.Unlock()
	st := Stats{Total: len(s.bans)}
	for _, rec := range s.bans {
		if rec.Permanent {
			st.Permanent++
		} else {
			st.Temporary++
		}
	}
	return st
}

// Size returns the number of ban records, including any not yet evicted.
func (s *System) Size() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.bans)
}

func shorten(key string) string {
	if len(key) > 6 {
		return key[:6]
	}
	return key
}
