package ban

import (
	"errors"
	"fmt"
	"log"
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/asip-collective/asip/internal/protocol"
	"github.com/asip-collective/asip/internal/shuffle"
)

// Appeal statuses.
const (
	AppealPending           = "PENDING"
	AppealApproved          = "APPROVED"
	AppealPartiallyApproved = "PARTIALLY_APPROVED"
	AppealRejected          = "REJECTED"
)

// Appeal votes.
const (
	VoteLift   = "LIFT"
	VoteReduce = "REDUCE"
	VoteUphold = "UPHOLD"
)

const (
	appealCooldown     = 30 * 24 * time.Hour
	appealPanelSize    = 7
	minStatementLen    = 10
	maxEvidenceItems   = 10
	maxEvidenceLen     = 5000
	maxWitnesses       = 5
	liftVoteFraction   = 0.7
	reduceVoteFraction = 0.5
)

var (
	ErrAppealPending  = errors.New("APPEAL_ALREADY_PENDING")
	ErrUnknownAppeal  = errors.New("UNKNOWN_APPEAL")
	ErrInvalidDefense = errors.New("INVALID_DEFENSE")
	ErrBanNotFound    = errors.New("BAN_NOT_FOUND")
	ErrNotYourBan     = errors.New("NOT_YOUR_BAN")
)

// CooldownError rejects an appeal filed before a prior rejection's cooldown
// has elapsed. DaysUntil is rounded up for user messaging.
type CooldownError struct {
	DaysUntil int
}

func (e *CooldownError) Error() string {
	return fmt.Sprintf("APPEAL_COOLDOWN: next appeal allowed in %d days", e.DaysUntil)
}

// Appeal is one appeal case against a specific ban.
type Appeal struct {
	ID          string           `json:"id"`
	BanID       string           `json:"banId"`
	Appellant   string           `json:"appellant"`
	BannedBy    string           `json:"bannedBy"`
	Defense     protocol.Defense `json:"defense"`
	SubmittedAt int64            `json:"submittedAt"`
	Status      string           `json:"status"`
}

// AppealSystem manages appeals against the ban table. Safe for concurrent
// use.
type AppealSystem struct {
	mu          sync.Mutex
	bans        *System
	appeals     map[string]*Appeal
	nextAllowed map[string]int64 // appellant -> earliest next appeal
}

// NewAppealSystem creates an appeal workflow over an existing ban table.
func NewAppealSystem(bans *System) *AppealSystem {
	return &AppealSystem{
		bans:        bans,
		appeals:     make(map[string]*Appeal),
		nextAllowed: make(map[string]int64),
	}
}

// SubmitAppeal opens an appeal against the identified ban. It rejects when
// the appellant is not banned, already has a pending appeal, is inside a
// rejection cooldown, names a ban that does not exist or belongs to someone
// else, or files an invalid defense.
func (a *AppealSystem) SubmitAppeal(appellant, banID string, defense protocol.Defense, now int64) (*Appeal, error) {
	if !a.bans.IsBanned(appellant, now) {
		return nil, ErrNotBanned
	}

	a.mu.Lock()
	defer a.mu.Unlock()

	for _, ap := range a.appeals {
		if ap.Appellant == appellant && ap.Status == AppealPending {
			return nil, ErrAppealPending
		}
	}
	if next, ok := a.nextAllowed[appellant]; ok && now < next {
		days := (next - now + dayMillis - 1) / dayMillis
		return nil, &CooldownError{DaysUntil: int(days)}
	}

	rec, ok := a.bans.GetByID(banID)
	if !ok {
		return nil, ErrBanNotFound
	}
	if rec.PublicKey != appellant {
		return nil, ErrNotYourBan
	}
	if err := validateDefense(defense); err != nil {
		return nil, err
	}

	appeal := &Appeal{
		ID:          uuid.NewString(),
		BanID:       banID,
		Appellant:   appellant,
		BannedBy:    rec.BannedBy,
		Defense:     defense,
		SubmittedAt: now,
		Status:      AppealPending,
	}
	a.appeals[appeal.ID] = appeal
	log.Printf("[APPEAL] %s opened appeal %s", shorten(appellant), appeal.ID)
	return appeal, nil
}

const dayMillis = int64(24 * time.Hour / time.Millisecond)

// validateDefense enforces the defense shape limits.
func validateDefense(d protocol.Defense) error {
	if len(d.Statement) < minStatementLen {
		return fmt.Errorf("%w: statement under %d characters", ErrInvalidDefense, minStatementLen)
	}
	if len(d.Evidence) > maxEvidenceItems {
		return fmt.Errorf("%w: more than %d evidence items", ErrInvalidDefense, maxEvidenceItems)
	}
	for i, ev := range d.Evidence {
		if ev.Type == "" {
			return fmt.Errorf("%w: evidence %d has no type", ErrInvalidDefense, i)
		}
		if len(ev.Content) > maxEvidenceLen {
			return fmt.Errorf("%w: evidence %d over %d characters", ErrInvalidDefense, i, maxEvidenceLen)
		}
	}
	if len(d.Witnesses) > maxWitnesses {
		return fmt.Errorf("%w: more than %d witnesses", ErrInvalidDefense, maxWitnesses)
	}
	return nil
}

// SelectModerators deterministically picks up to seven moderators for an
// appeal from the candidate set, excluding the appellant and the banning
// party. The shuffle is seeded by the appeal id and submission time so every
// node derives the same panel.
func (a *AppealSystem) SelectModerators(appeal *Appeal, candidates []string) []string {
	eligible := make([]string, 0, len(candidates))
	for _, c := range candidates {
		if c == appeal.Appellant || c == appeal.BannedBy {
			continue
		}
		eligible = append(eligible, c)
	}

	seed := appeal.ID + strconv.FormatInt(appeal.SubmittedAt, 10)
	shuffled := shuffle.PerIndex(eligible, seed)
	if len(shuffled) > appealPanelSize {
		shuffled = shuffled[:appealPanelSize]
	}
	return shuffled
}

// EvaluateAppeal tallies moderator votes and settles the appeal: APPROVED
// (ban lifted) when LIFT votes reach ceil(0.7*total), else
// PARTIALLY_APPROVED (remaining duration halved) when REDUCE votes reach
// ceil(0.5*total), else REJECTED with a 30-day cooldown before the next
// appeal.
func (a *AppealSystem) EvaluateAppeal(appealID string, votes map[string]string, now int64) (string, error) {
	a.mu.Lock()
	appeal, ok := a.appeals[appealID]
	a.mu.Unlock()
	if !ok {
		return "", ErrUnknownAppeal
	}

	lift, reduce := 0, 0
	for _, v := range votes {
		switch v {
		case VoteLift:
			lift++
		case VoteReduce:
			reduce++
		}
	}
	total := len(votes)

	switch {
	case total > 0 && lift >= ceilFraction(total, liftVoteFraction):
		a.bans.Lift(appeal.Appellant)
		a.setStatus(appeal, AppealApproved)
		return AppealApproved, nil

	case total > 0 && reduce >= ceilFraction(total, reduceVoteFraction):
		if err := a.bans.Reduce(appeal.Appellant, now); err != nil {
			return "", err
		}
		a.setStatus(appeal, AppealPartiallyApproved)
		return AppealPartiallyApproved, nil

	default:
		a.mu.Lock()
		appeal.Status = AppealRejected
		a.nextAllowed[appeal.Appellant] = now + appealCooldown.Milliseconds()
		a.mu.Unlock()
		log.Printf("[APPEAL] %s rejected for %s", appealID, shorten(appeal.Appellant))
		return AppealRejected, nil
	}
}

// ListByAppellant returns every appeal the key has filed, oldest first.
func (a *AppealSystem) ListByAppellant(appellant string) []*Appeal {
	a.mu.Lock()
	defer a.mu.Unlock()
	var out []*Appeal
	for _, ap := range a.appeals {
		if ap.Appellant == appellant {
			out = append(out, ap)
		}
	}
	sortAppeals(out)
	return out
}

// ListByStatus returns every appeal in the given status, oldest first.
func (a *AppealSystem) ListByStatus(status string) []*Appeal {
	a.mu.Lock()
	defer a.mu.Unlock()
	var out []*Appeal
	for _, ap := range a.appeals {
		if ap.Status == status {
			out = append(out, ap)
		}
	}
	sortAppeals(out)
	return out
}

// PendingCount returns how many appeals await evaluation.
func (a *AppealSystem) PendingCount() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	n := 0
	for _, ap := range a.appeals {
		if ap.Status == AppealPending {
			n++
		}
	}
	return n
}

func sortAppeals(appeals []*Appeal) {
	sort.Slice(appeals, func(i, j int) bool {
		if appeals[i].SubmittedAt != appeals[j].SubmittedAt {
			return appeals[i].SubmittedAt < appeals[j].SubmittedAt
		}
		return appeals[i].ID < appeals[j].ID
	})
}

// Get returns an appeal by id.
func (a *AppealSystem) Get(appealID string) (*Appeal, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	ap, ok := a.appeals[appealID]
	return ap, ok
}

func (a *AppealSystem) setStatus(appeal *Appeal, status string) {
	a.mu.Lock()
	appeal.Status = status
	a.mu.Unlock()
	log.Printf("[APPEAL] %s %s for %s", appeal.ID, status, shorten(appeal.Appellant))
}

func ceilFraction(total int, fraction float64) int {
	n := int(fraction * float64(total))
	if float64(n) < fraction*float64(total) {
		n++
	}
	return n
}
