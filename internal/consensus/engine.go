// Package consensus decides the outcome of a discussion room. Evaluation is
// a fixed cascade: threshold agreement on a fresh proposal, then plurality
// after the room's maximum duration, then divergence if responses exist,
// then timeout. The cascade order and the reputation deltas it assigns are
// policy constants.
package consensus

import (
	"log"
	"time"

	"github.com/asip-collective/asip/internal/protocol"
	"github.com/asip-collective/asip/internal/room"
)

// Resolution methods, in cascade order.
const (
	MethodThreshold = "THRESHOLD"
	MethodPlurality = "PLURALITY"
	MethodDivergent = "DIVERGENT"
	MethodTimeout   = "TIMEOUT"
)

// Reasons carried by a not-reached result.
const (
	ReasonRoomClosed  = "ROOM_CLOSED"
	ReasonNoConsensus = "NO_CONSENSUS"
)

// Reputation deltas per role in a resolved room.
const (
	deltaRequesterReached    = 3
	deltaRequesterNotReached = 2
	deltaWinningProposer     = 15
	deltaSupporter           = 10
	deltaArguer              = 5
	deltaResponder           = 2
	deltaDivergentResponder  = 5
	deltaNoShow              = -2
)

// proposalWindow is how long a proposal stays eligible for threshold
// resolution.
const proposalWindow = 30 * time.Second

// Result is the outcome of one consensus evaluation.
type Result struct {
	Reached       bool
	Method        string
	Reason        string
	Answer        string
	ProposalID    string
	Proposer      string
	Supporters    []string
	AgreementRate float64
	Responses     []room.Response // populated for DIVERGENT
}

// Change is one reputation delta owed to a participant after resolution.
type Change struct {
	PublicKey string
	Delta     int
	Reason    string
}

// Engine evaluates room snapshots. Stateless; safe for concurrent use.
type Engine struct{}

// NewEngine returns a consensus Engine.
func NewEngine() *Engine {
	return &Engine{}
}

// CheckConsensus evaluates a room snapshot at time now (Unix milliseconds).
// The first proposal in log order whose AGREEMENT-message count over the
// non-requester roster meets the room threshold wins by THRESHOLD. Past the
// room's maximum duration the plurality, divergence, and timeout fallbacks
// apply, in that order. Deterministic for a given snapshot.
func (e *Engine) CheckConsensus(snap *room.Snapshot, now int64) Result {
	if snap.Status != room.StatusOpen {
		return Result{Reason: ReasonRoomClosed}
	}

	voters := countExcludingRequester(snap)

	var proposals []protocol.RoomMessage
	for _, m := range snap.Messages {
		if m.Kind == protocol.KindProposal {
			proposals = append(proposals, m)
		}
	}

	if voters > 0 {
		for _, p := range proposals {
			if p.Resolved || now-p.Timestamp >= proposalWindow.Milliseconds() {
				continue
			}
			supporters := supportersOf(snap, p.ID)
			rate := float64(len(supporters)) / float64(voters)
			if rate >= snap.Rules.ConsensusThreshold {
				return Result{
					Reached:       true,
					Method:        MethodThreshold,
					Answer:        p.Content,
					ProposalID:    p.ID,
					Proposer:      p.Author,
					Supporters:    supporters,
					AgreementRate: rate,
				}
			}
		}
	}

	if now-snap.CreatedAt <= snap.Rules.MaxDuration.Milliseconds() {
		return Result{Reason: ReasonNoConsensus}
	}
	return e.partialConsensus(snap, proposals)
}

// partialConsensus ranks all proposals by supporter count and declares a
// plurality winner when the top one has at least one supporter. Without one,
// the room diverges if anyone responded, and times out otherwise.
func (e *Engine) partialConsensus(snap *room.Snapshot, proposals []protocol.RoomMessage) Result {
	var best *protocol.RoomMessage
	var bestSupporters []string
	for i := range proposals {
		s := supportersOf(snap, proposals[i].ID)
		if best == nil || len(s) > len(bestSupporters) {
			best = &proposals[i]
			bestSupporters = s
		}
	}

	if best != nil && len(bestSupporters) >= 1 {
		voters := countExcludingRequester(snap)
		rate := 0.0
		if voters > 0 {
			rate = float64(len(bestSupporters)) / float64(voters)
		}
		return Result{
			Reached:       true,
			Method:        MethodPlurality,
			Answer:        best.Content,
			ProposalID:    best.ID,
			Proposer:      best.Author,
			Supporters:    bestSupporters,
			AgreementRate: rate,
		}
	}

	if len(snap.Responses) > 0 {
		responses := make([]room.Response, len(snap.Responses))
		copy(responses, snap.Responses)
		return Result{Method: MethodDivergent, Responses: responses}
	}
	return Result{Method: MethodTimeout}
}

// supportersOf returns the author of every AGREEMENT message targeting the
// proposal, in log order. Every agreement message counts toward the rate, so
// the list may repeat an author who agreed more than once.
func supportersOf(snap *room.Snapshot, proposalID string) []string {
	var supporters []string
	for _, m := range snap.Messages {
		if m.Kind == protocol.KindAgreement && m.Target == proposalID {
			supporters = append(supporters, m.Author)
		}
	}
	return supporters
}

func countExcludingRequester(snap *room.Snapshot) int {
	n := 0
	for _, p := range snap.Participants {
		if p != snap.Requester {
			n++
		}
	}
	return n
}

// ReputationChanges maps a resolution onto per-participant deltas. The
// requester earns +3 when consensus was reached and +2 otherwise. When
// reached, the winning proposer earns +15, each supporter +10, anyone who
// argued +5, and plain responders +2. When not reached, responders earn +5
// for a divergent contribution and silent participants lose 2.
func (e *Engine) ReputationChanges(snap *room.Snapshot, res Result) []Change {
	var changes []Change

	if res.Reached {
		changes = append(changes, Change{snap.Requester, deltaRequesterReached, "REQUESTER"})
	} else {
		changes = append(changes, Change{snap.Requester, deltaRequesterNotReached, "REQUESTER"})
	}

	supporters := make(map[string]bool, len(res.Supporters))
	for _, s := range res.Supporters {
		supporters[s] = true
	}
	arguers := make(map[string]bool)
	for _, m := range snap.Messages {
		if m.Kind == protocol.KindArgument {
			arguers[m.Author] = true
		}
	}
	responders := make(map[string]bool, len(snap.Responses))
	for _, r := range snap.Responses {
		responders[r.Author] = true
	}

	for _, p := range snap.Participants {
		if p == snap.Requester {
			continue
		}
		if res.Reached {
			switch {
			case p == res.Proposer:
				changes = append(changes, Change{p, deltaWinningProposer, "CONSENSUS + PROPOSAL"})
			case supporters[p]:
				changes = append(changes, Change{p, deltaSupporter, "CONSENSUS + SUPPORT"})
			case arguers[p]:
				changes = append(changes, Change{p, deltaArguer, "ARGUMENT"})
			case responders[p]:
				changes = append(changes, Change{p, deltaResponder, "RESPONSE"})
			}
			continue
		}
		if responders[p] {
			changes = append(changes, Change{p, deltaDivergentResponder, "DIVERGENT_CONTRIBUTION"})
		} else {
			changes = append(changes, Change{p, deltaNoShow, "NO_SHOW"})
		}
	}
	return changes
}

// consensusNotice is the room-wide announcement sent on finalization.
type consensusNotice struct {
	Type    string `json:"type"`
	RoomID  string `json:"roomId"`
	Reached bool   `json:"reached"`
	Method  string `json:"method"`
	Answer  string `json:"answer,omitempty"`
}

// Finalize stamps the outcome on the room, announces it, then closes and
// destroys the room. It returns the closed snapshot, taken before teardown,
// so the caller can archive it. Broadcast failures are logged, never fatal.
func (e *Engine) Finalize(r *room.Room, res Result) *room.Snapshot {
	r.SetOutcome(room.Outcome{
		Reached:    res.Reached,
		Method:     res.Method,
		Answer:     res.Answer,
		Supporters: res.Supporters,
	})
	if res.ProposalID != "" {
		r.MarkResolved(res.ProposalID)
	}

	if err := r.Broadcast(consensusNotice{
		Type:    "CONSENSUS_REACHED",
		RoomID:  r.ID(),
		Reached: res.Reached,
		Method:  res.Method,
		Answer:  res.Answer,
	}); err != nil {
		log.Printf("[CONSENSUS] room %s: announce failed: %v", r.ID(), err)
	}

	reason := "CONSENSUS_FINALIZED"
	if !res.Reached {
		reason = res.Method
	}
	r.Close(reason)
	snap := r.Snapshot()
	r.Destroy()
	return snap
}
