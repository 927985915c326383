// Package reputation tracks a running score per public key, the trust tier
// derived from it, and the event history behind every change. Scores are
// mutated additively by consensus outcomes, trust violations, and moderation
// penalties; records are never deleted.
package reputation

import (
	"log"
	"sort"
	"sync"
	"time"
)

// Trust tier score thresholds. A negative score means banned.
const (
	ThresholdTrusted    = 50
	ThresholdComrade    = 100
	ThresholdCommissar  = 150
	ThresholdGoodPerson = 250
)

// Tier names, lowest to highest.
const (
	TierBanned     = "BANNED"
	TierNewcomer   = "NEWCOMER"
	TierTrusted    = "TRUSTED"
	TierComrade    = "COMRADE"
	TierCommissar  = "COMMISSAR"
	TierGoodPerson = "GOOD_PERSON"
)

// Event is one reputation change.
type Event struct {
	Timestamp int64  `json:"timestamp"`
	Reason    string `json:"reason"`
	Delta     int    `json:"delta"`
}

// Record is the full reputation state for one peer.
type Record struct {
	PublicKey      string  `json:"publicKey"`
	Score          int     `json:"score"`
	TasksCompleted int     `json:"tasksCompleted"`
	AvgLatency     float64 `json:"avgLatency"`
}

// Ledger is the process-wide reputation table. Safe for concurrent use.
type Ledger struct {
	mu      sync.RWMutex
	scores  map[string]int
	tasks   map[string]int
	latency map[string]float64
	history map[string][]Event
}

// NewLedger creates an empty Ledger.
func NewLedger() *Ledger {
	return &Ledger{
		scores:  make(map[string]int),
		tasks:   make(map[string]int),
		latency: make(map[string]float64),
		history: make(map[string][]Event),
	}
}

// Score returns the peer's current score (0 for unknown peers).
func (l *Ledger) Score(peer string) int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.scores[peer]
}

// Tier returns the trust tier for the peer's current score.
func (l *Ledger) Tier(peer string) string {
	return TierForScore(l.Score(peer))
}

// TierForScore maps a score to its trust tier.
func TierForScore(score int) string {
	switch {
	case score < 0:
		return TierBanned
	case score < ThresholdTrusted:
		return TierNewcomer
	case score < ThresholdComrade:
		return TierTrusted
	case score < ThresholdCommissar:
		return TierComrade
	case score < ThresholdGoodPerson:
		return TierCommissar
	default:
		return TierGoodPerson
	}
}

// Update applies a signed delta with a reason and returns the new score.
func (l *Ledger) Update(peer string, delta int, reason string) int {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.scores[peer] += delta
	l.history[peer] = append(l.history[peer], Event{
		Timestamp: time.Now().UnixMilli(),
		Reason:    reason,
		Delta:     delta,
	})
	score := l.scores[peer]
	log.Printf("[REP] %s: %+d (%s) -> %d", shorten(peer), delta, reason, score)
	return score
}

// RecordTask updates a worker's record after a task: +10 for agreeing with
// the consensus group, -5 for an outlier, with a +/-2 latency bonus/penalty
// (under 1s / over 5s). Also maintains the running average latency.
func (l *Ledger) RecordTask(peer string, consensus bool, latency time.Duration) {
	delta := -5
	reason := "OUTLIER"
	if consensus {
		delta = 10
		reason = "CONSENSUS"
	}
	ms := float64(latency.Milliseconds())
	if ms < 1000 {
		delta += 2
	}
	if ms > 5000 {
		delta -= 2
	}

	l.mu.Lock()
	l.scores[peer] += delta
	l.tasks[peer]++
	n := float64(l.tasks[peer])
	l.latency[peer] = (l.latency[peer]*(n-1) + ms) / n
	l.history[peer] = append(l.history[peer], Event{
		Timestamp: time.Now().UnixMilli(),
		Reason:    reason,
		Delta:     delta,
	})
	l.mu.Unlock()
}

// IsBanned reports whether the peer's score has gone negative.
func (l *Ledger) IsBanned(peer string) bool {
	return l.Score(peer) < 0
}

// IsEligibleModerator reports whether the peer meets the moderation
// eligibility floor (COMMISSAR tier).
func (l *Ledger) IsEligibleModerator(peer string) bool {
	return l.Score(peer) >= ThresholdCommissar
}

// History returns the peer's reputation events, oldest first.
func (l *Ledger) History(peer string) []Event {
	l.mu.RLock()
	defer l.mu.RUnlock()
	events := l.history[peer]
	out := make([]Event, len(events))
	copy(out, events)
	return out
}

// Record returns the peer's full record snapshot.
func (l *Ledger) Record(peer string) Record {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return Record{
		PublicKey:      peer,
		Score:          l.scores[peer],
		TasksCompleted: l.tasks[peer],
		AvgLatency:     l.latency[peer],
	}
}

// TopPeers returns up to n records ordered by score descending. Ties keep a
// stable key order so repeated exports are identical.
func (l *Ledger) TopPeers(n int) []Record {
	l.mu.RLock()
	records := make([]Record, 0, len(l.scores))
	for peer := range l.scores {
		records = append(records, Record{
			PublicKey:      peer,
			Score:          l.scores[peer],
			TasksCompleted: l.tasks[peer],
			AvgLatency:     l.latency[peer],
		})
	}
	l.mu.RUnlock()

	sort.SliceStable(records, func(i, j int) bool {
		if records[i].Score != records[j].Score {
			return records[i].Score > records[j].Score
		}
		return records[i].PublicKey < records[j].PublicKey
	})
	if len(records) > n {
		records = records[:n]
	}
	return records
}

// Size returns the number of tracked peers.
func (l *Ledger) Size() int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return len(l.scores)
}

// EligibleModerators returns every peer at or above the moderation floor.
func (l *Ledger) EligibleModerators() []string {
	l.mu.RLock()
	defer l.mu.RUnlock()
	var out []string
	for peer, score := range l.scores {
		if score >= ThresholdCommissar {
			out = append(out, peer)
		}
	}
	sort.Strings(out)
	return out
}

func shorten(key string) string {
	if len(key) > 6 {
		return key[:6]
	}
	return key
}
