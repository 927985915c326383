package consensus

import (
	"reflect"
	"testing"

	"github.com/asip-collective/asip/internal/protocol"
	"github.com/asip-collective/asip/internal/room"
)

func openSnapshot() *room.Snapshot {
	return &room.Snapshot{
		ID:           "r1",
		Question:     room.Question{ID: "q1", Content: "what color is the sky"},
		Requester:    "req",
		Status:       room.StatusOpen,
		CreatedAt:    0,
		Rules:        room.DefaultRules(),
		Participants: []string{"req", "w1", "w2", "w3", "w4", "w5"},
	}
}

func proposal(id, author string, ts int64, content string) protocol.RoomMessage {
	return protocol.RoomMessage{
		ID: id, Kind: protocol.KindProposal, Author: author, Timestamp: ts, Content: content,
	}
}

func agreement(id, author, target string, ts int64) protocol.RoomMessage {
	return protocol.RoomMessage{
		ID: id, Kind: protocol.KindAgreement, Author: author, Target: target, Timestamp: ts,
	}
}

func TestThresholdConsensus(t *testing.T) {
	e := NewEngine()

	// 5 non-requester participants, one proposal, 3 agreements: rate 0.6
	// meets the default threshold.
	snap := openSnapshot()
	snap.Messages = []protocol.RoomMessage{
		proposal("p1", "w1", 1000, "the sky is blue"),
		agreement("a1", "w2", "p1", 2000),
		agreement("a2", "w3", "p1", 3000),
		agreement("a3", "w4", "p1", 4000),
	}

	res := e.CheckConsensus(snap, 5000)
	if !res.Reached || res.Method != MethodThreshold {
		t.Fatalf("result = %+v, want reached by THRESHOLD", res)
	}
	if res.Answer != "the sky is blue" || res.Proposer != "w1" {
		t.Fatalf("winner = %+v", res)
	}
	if res.AgreementRate != 0.6 {
		t.Fatalf("agreement rate = %v, want 0.6", res.AgreementRate)
	}
	if len(res.Supporters) != 3 {
		t.Fatalf("supporters = %v", res.Supporters)
	}
}

func TestEveryAgreementMessageCounts(t *testing.T) {
	e := NewEngine()

	// The rate is over agreement messages, not distinct authors: repeated
	// agreements and the proposer's own count too. 4 messages over 5 voters
	// is 0.8.
	snap := openSnapshot()
	snap.Messages = []protocol.RoomMessage{
		proposal("p1", "w1", 1000, "the sky is blue"),
		agreement("a1", "w2", "p1", 2000),
		agreement("a2", "w2", "p1", 2100),
		agreement("a3", "w2", "p1", 2200),
		agreement("a4", "w1", "p1", 2300),
	}

	res := e.CheckConsensus(snap, 5000)
	if !res.Reached || res.Method != MethodThreshold {
		t.Fatalf("result = %+v, want reached by THRESHOLD", res)
	}
	if res.AgreementRate != 0.8 {
		t.Fatalf("agreement rate = %v, want 0.8", res.AgreementRate)
	}
	if want := []string{"w2", "w2", "w2", "w1"}; !reflect.DeepEqual(res.Supporters, want) {
		t.Fatalf("supporters = %v, want %v", res.Supporters, want)
	}
}

func TestStaleProposalFallsToPlurality(t *testing.T) {
	e := NewEngine()

	// Both proposals are far outside the 30s threshold window; the room is
	// past its maximum duration, so the bigger camp wins by plurality.
	snap := openSnapshot()
	snap.Messages = []protocol.RoomMessage{
		proposal("p1", "w1", 1000, "the sky is blue"),
		proposal("p2", "w2", 2000, "the sky is teal"),
		agreement("a1", "w3", "p1", 3000),
		agreement("a2", "w4", "p2", 4000),
		agreement("a3", "w5", "p2", 5000),
	}

	res := e.CheckConsensus(snap, snap.Rules.MaxDuration.Milliseconds()+1000)
	if !res.Reached || res.Method != MethodPlurality {
		t.Fatalf("result = %+v, want PLURALITY", res)
	}
	if res.ProposalID != "p2" || res.Answer != "the sky is teal" {
		t.Fatalf("winner = %+v", res)
	}
}

func TestDivergentAndTimeout(t *testing.T) {
	e := NewEngine()
	past := room.DefaultRules().MaxDuration.Milliseconds() + 1000

	snap := openSnapshot()
	snap.Responses = []room.Response{
		{Author: "w1", Content: "blue", Timestamp: 1000},
		{Author: "w2", Content: "teal", Timestamp: 2000},
	}
	res := e.CheckConsensus(snap, past)
	if res.Reached || res.Method != MethodDivergent {
		t.Fatalf("result = %+v, want DIVERGENT", res)
	}
	if len(res.Responses) != 2 {
		t.Fatalf("divergent result lost responses: %+v", res)
	}

	empty := openSnapshot()
	res = e.CheckConsensus(empty, past)
	if res.Reached || res.Method != MethodTimeout {
		t.Fatalf("result = %+v, want TIMEOUT", res)
	}
}

func TestClosedRoomShortCircuits(t *testing.T) {
	e := NewEngine()
	snap := openSnapshot()
	snap.Status = room.StatusClosed

	res := e.CheckConsensus(snap, 5000)
	if res.Reached || res.Reason != ReasonRoomClosed {
		t.Fatalf("result = %+v, want ROOM_CLOSED", res)
	}
}

func TestCheckConsensusDeterministic(t *testing.T) {
	e := NewEngine()
	snap := openSnapshot()
	snap.Messages = []protocol.RoomMessage{
		proposal("p1", "w1", 1000, "the sky is blue"),
		agreement("a1", "w2", "p1", 2000),
		agreement("a2", "w3", "p1", 3000),
		agreement("a3", "w4", "p1", 4000),
	}

	first := e.CheckConsensus(snap, 5000)
	second := e.CheckConsensus(snap, 5000)
	if !reflect.DeepEqual(first, second) {
		t.Fatalf("results differ:\n%+v\n%+v", first, second)
	}
}

func TestReputationChangesReached(t *testing.T) {
	e := NewEngine()

	snap := openSnapshot()
	snap.Messages = []protocol.RoomMessage{
		proposal("p1", "w1", 1000, "the sky is blue"),
		agreement("a1", "w2", "p1", 2000),
		{ID: "g1", Kind: protocol.KindArgument, Author: "w3", Timestamp: 2500, Content: "physics"},
	}
	snap.Responses = []room.Response{{Author: "w4", Content: "blue", Timestamp: 500}}

	res := Result{
		Reached: true, Method: MethodThreshold,
		ProposalID: "p1", Proposer: "w1", Supporters: []string{"w2"},
	}

	deltas := map[string]int{}
	for _, c := range e.ReputationChanges(snap, res) {
		deltas[c.PublicKey] = c.Delta
	}

	want := map[string]int{"req": 3, "w1": 15, "w2": 10, "w3": 5, "w4": 2}
	if !reflect.DeepEqual(deltas, want) {
		t.Fatalf("deltas = %v, want %v", deltas, want)
	}
	if _, ok := deltas["w5"]; ok {
		t.Fatalf("idle participant got a delta in a reached room")
	}
}

func TestReputationChangesNotReached(t *testing.T) {
	e := NewEngine()

	snap := openSnapshot()
	snap.Participants = []string{"req", "w1", "w2"}
	snap.Responses = []room.Response{{Author: "w1", Content: "blue", Timestamp: 500}}

	deltas := map[string]int{}
	for _, c := range e.ReputationChanges(snap, Result{Method: MethodDivergent}) {
		deltas[c.PublicKey] = c.Delta
	}

	want := map[string]int{"req": 2, "w1": 5, "w2": -2}
	if !reflect.DeepEqual(deltas, want) {
		t.Fatalf("deltas = %v, want %v", deltas, want)
	}
}

func TestFinalizeClosesAndSnapshots(t *testing.T) {
	e := NewEngine()
	r := room.New(room.Question{ID: "q1", Content: "what color is the sky"}, "req", "w1", nil)

	res := Result{Reached: true, Method: MethodThreshold, Answer: "blue", Proposer: "w1"}
	snap := e.Finalize(r, res)

	if snap.Status != room.StatusClosed {
		t.Fatalf("snapshot status = %s, want CLOSED", snap.Status)
	}
	if snap.Outcome == nil || snap.Outcome.Answer != "blue" {
		t.Fatalf("snapshot outcome = %+v", snap.Outcome)
	}
	if r.Status() != room.StatusDestroyed {
		t.Fatalf("room status = %s, want DESTROYED", r.Status())
	}
}
