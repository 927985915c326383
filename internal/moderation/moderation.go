// Package moderation handles community reports against room participants
// and the automated penalty escalation behind trust flags. Moderator panels
// are drawn deterministically from the reputation ledger so every node
// audits the same selection.
package moderation

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"log"
	"strconv"
	"sync"
	"time"

	"github.com/asip-collective/asip/internal/ban"
	"github.com/asip-collective/asip/internal/reputation"
	"github.com/asip-collective/asip/internal/room"
	"github.com/asip-collective/asip/internal/shuffle"
)

// Violation types. The first four are reportable; all six feed HandleFlag.
const (
	ViolationSpam      = "SPAM"
	ViolationOffensive = "OFFENSIVE"
	ViolationCollusion = "COLLUSION"
	ViolationOffTopic  = "OFF_TOPIC"
	ViolationFlood     = "FLOOD"
	ViolationNoShow    = "NO_SHOW"
	ViolationTimeout   = "TIMEOUT"
)

// Report statuses and verdicts.
const (
	StatusPending  = "PENDING"
	StatusResolved = "RESOLVED"

	VerdictBan      = "BAN"
	VerdictWarn     = "WARN"
	VerdictInnocent = "INNOCENT"
)

// Automated penalty actions.
const (
	ActionNone         = "NONE"
	ActionWarn         = "WARN"
	ActionPenalty      = "PENALTY"
	ActionRemove       = "REMOVE"
	ActionBan          = "BAN"
	ActionPermanentBan = "PERMANENT_BAN"
)

const (
	banReputationCost  = -100
	warnReputationCost = -20
)

var (
	ErrUnknownViolation = errors.New("UNKNOWN_VIOLATION_TYPE")
	ErrUnknownReport    = errors.New("UNKNOWN_REPORT")
)

// Report is one community report against a participant.
type Report struct {
	ID          string `json:"id"`
	RoomID      string `json:"roomId"`
	Reporter    string `json:"reporter"`
	Target      string `json:"target"`
	Violation   string `json:"violation"`
	ContentHash string `json:"contentHash"`
	SubmittedAt int64  `json:"submittedAt"`
	Status      string `json:"status"`
	Verdict     string `json:"verdict,omitempty"`
}

// reportThreshold is the vote policy for one reportable violation type. A
// zero ban duration means the resulting ban is permanent.
type reportThreshold struct {
	banVotes    int
	warnVotes   int
	banDuration time.Duration
}

var reportThresholds = map[string]reportThreshold{
	ViolationSpam:      {banVotes: 4, warnVotes: 2, banDuration: 24 * time.Hour},
	ViolationOffensive: {banVotes: 3, warnVotes: 1},
	ViolationCollusion: {banVotes: 5, warnVotes: 0},
	ViolationOffTopic:  {banVotes: 5, warnVotes: 3, banDuration: time.Hour},
}

// Penalty is one escalation step in the automated matrix.
type Penalty struct {
	Action   string
	Delta    int
	Duration time.Duration
}

// penaltyMatrix maps each violation type to its first, second, and third
// occurrence buckets. Escalation saturates at the third bucket.
var penaltyMatrix = map[string][3]Penalty{
	ViolationSpam: {
		{Action: ActionRemove, Delta: -20},
		{Action: ActionBan, Duration: 24 * time.Hour},
		{Action: ActionPermanentBan},
	},
	ViolationFlood: {
		{Action: ActionWarn, Delta: -10},
		{Action: ActionBan, Duration: time.Hour},
		{Action: ActionBan, Duration: 24 * time.Hour},
	},
	ViolationOffTopic: {
		{Action: ActionWarn},
		{Action: ActionPenalty, Delta: -5},
		{Action: ActionPenalty, Delta: -15},
	},
	ViolationCollusion: {
		{Action: ActionPermanentBan},
		{Action: ActionPermanentBan},
		{Action: ActionPermanentBan},
	},
	ViolationNoShow: {
		{Action: ActionPenalty, Delta: -2},
		{Action: ActionPenalty, Delta: -5},
		{Action: ActionPenalty, Delta: -10},
	},
	ViolationTimeout: {
		{Action: ActionNone},
		{Action: ActionPenalty, Delta: -1},
		{Action: ActionPenalty, Delta: -2},
	},
}

// System runs report evaluation and automated penalties over the shared
// reputation ledger and ban table. Safe for concurrent use.
type System struct {
	mu      sync.Mutex
	ledger  *reputation.Ledger
	bans    *ban.System
	reports map[string]*Report
	history map[string]map[string][]int64 // author -> violation -> occurrence times
}

// New creates a moderation System over the given ledger and ban table.
func New(ledger *reputation.Ledger, bans *ban.System) *System {
	return &System{
		ledger:  ledger,
		bans:    bans,
		reports: make(map[string]*Report),
		history: make(map[string]map[string][]int64),
	}
}

// CreateReport files a report. The id is a hash of the target room and the
// submission time, so independently filed duplicates collapse to one case.
func (s *System) CreateReport(roomID, reporter, target, violation, content string, now int64) (*Report, error) {
	if _, ok := reportThresholds[violation]; !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownViolation, violation)
	}

	idSum := sha256.Sum256([]byte(roomID + strconv.FormatInt(now, 10)))
	contentSum := sha256.Sum256([]byte(content))
	rep := &Report{
		ID:          hex.EncodeToString(idSum[:]),
		RoomID:      roomID,
		Reporter:    reporter,
		Target:      target,
		Violation:   violation,
		ContentHash: hex.EncodeToString(contentSum[:]),
		SubmittedAt: now,
		Status:      StatusPending,
	}

	s.mu.Lock()
	s.reports[rep.ID] = rep
	s.mu.Unlock()

	log.Printf("[MOD] report %s: %s against %s in room %s", rep.ID[:8], violation, shorten(target), roomID[:min(8, len(roomID))])
	return rep, nil
}

// SelectModerators draws count moderators for a report from ledger entries
// at or above the eligibility floor, excluding the report's target and any
// currently banned node. The shuffle is seeded by the sha256 digest of room
// id and submission time; the same report always yields the same panel.
func (s *System) SelectModerators(rep *Report, count int, now int64) []string {
	var candidates []string
	for _, peer := range s.ledger.EligibleModerators() {
		if peer == rep.Target || s.bans.IsBanned(peer, now) {
			continue
		}
		candidates = append(candidates, peer)
	}

	seedSum := sha256.Sum256([]byte(rep.RoomID + strconv.FormatInt(rep.SubmittedAt, 10)))
	shuffled := shuffle.Fixed(candidates, hex.EncodeToString(seedSum[:]))
	if len(shuffled) > count {
		shuffled = shuffled[:count]
	}
	return shuffled
}

// EvaluateReport tallies moderator votes against the violation's threshold
// table: BAN when ban votes reach the bar (100 reputation cost plus a ban),
// else WARN when warn votes reach theirs (20 reputation cost, plus a
// temporary ban for violations with a finite timeout), else the report is
// cleared as INNOCENT.
func (s *System) EvaluateReport(reportID string, votes map[string]string, now int64) (string, error) {
	s.mu.Lock()
	rep, ok := s.reports[reportID]
	s.mu.Unlock()
	if !ok {
		return "", ErrUnknownReport
	}

	banVotes, warnVotes := 0, 0
	for _, v := range votes {
		switch v {
		case VerdictBan:
			banVotes++
		case VerdictWarn:
			warnVotes++
		}
	}

	th := reportThresholds[rep.Violation]
	verdict := VerdictInnocent
	switch {
	case banVotes >= th.banVotes:
		verdict = VerdictBan
		s.bans.Apply(rep.Target, rep.Violation, "MODERATION", th.banDuration, now)
		s.ledger.Update(rep.Target, banReputationCost, rep.Violation+" BAN")
	case warnVotes >= th.warnVotes:
		verdict = VerdictWarn
		if th.banDuration > 0 {
			s.bans.Apply(rep.Target, "WARNING", "MODERATION", th.banDuration, now)
		}
		s.ledger.Update(rep.Target, warnReputationCost, rep.Violation+" WARNING")
	}

	s.mu.Lock()
	rep.Status = StatusResolved
	rep.Verdict = verdict
	s.mu.Unlock()

	log.Printf("[MOD] report %s resolved: %s", reportID[:8], verdict)
	return verdict, nil
}

// HandleFlag applies the automated penalty for one trust flag occurrence.
// The occurrence is recorded first; the penalty bucket follows from the
// author's lifetime count for that violation type. REMOVE additionally
// evicts the author from the room and auto-files a SYSTEM report.
func (s *System) HandleFlag(author, violation, roomID string, rm *room.Room, now int64) (Penalty, error) {
	matrix, ok := penaltyMatrix[violation]
	if !ok {
		return Penalty{}, fmt.Errorf("%w: %s", ErrUnknownViolation, violation)
	}

	s.mu.Lock()
	if s.history[author] == nil {
		s.history[author] = make(map[string][]int64)
	}
	s.history[author][violation] = append(s.history[author][violation], now)
	count := len(s.history[author][violation])
	s.mu.Unlock()

	bucket := (count - 1) / 3
	if bucket > 2 {
		bucket = 2
	}
	p := matrix[bucket]

	switch p.Action {
	case ActionNone:
	case ActionWarn, ActionPenalty:
		if p.Delta != 0 {
			s.ledger.Update(author, p.Delta, violation)
		}
	case ActionBan:
		s.bans.Apply(author, violation, "SYSTEM", p.Duration, now)
	case ActionPermanentBan:
		s.bans.Apply(author, violation, "SYSTEM", 0, now)
	case ActionRemove:
		if p.Delta != 0 {
			s.ledger.Update(author, p.Delta, violation)
		}
		if rm != nil {
			rm.RemoveParticipant(author, violation)
		}
		if _, err := s.CreateReport(roomID, "SYSTEM", author, violation, "", now); err != nil {
			log.Printf("[MOD] auto-report for %s failed: %v", shorten(author), err)
		}
	}

	log.Printf("[MOD] flag %s on %s (occurrence %d): %s", violation, shorten(author), count, p.Action)
	return p, nil
}

// ViolationCount returns the author's lifetime occurrence count for one
// violation type.
func (s *System) ViolationCount(author, violation string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.history[author][violation])
}

// Report returns a filed report by id.
func (s *System) Report(reportID string) (*Report, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rep, ok := s.reports[reportID]
	return rep, ok
}

// PendingReports returns all reports still awaiting evaluation.
func (s *System) PendingReports() []*Report {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*Report
	for _, rep := range s.reports {
		if rep.Status == StatusPending {
			out = append(out, rep)
		}
	}
	return out
}

func shorten(key string) string {
	if len(key) > 6 {
		return key[:6]
	}
	return key
}
