package trust

import (
	"strings"
	"testing"

	"github.com/asip-collective/asip/internal/protocol"
	"github.com/asip-collective/asip/internal/room"
)

func skySnapshot(msgs ...protocol.RoomMessage) *room.Snapshot {
	return &room.Snapshot{
		ID:        "r1",
		Question:  room.Question{ID: "q1", Content: "what color is the sky"},
		CreatedAt: 1_000_000,
		Messages:  msgs,
	}
}

func msg(id, author, kind, content, target string) protocol.RoomMessage {
	return protocol.RoomMessage{
		ID: id, Author: author, Kind: kind, Content: content, Target: target,
	}
}

func TestSpamScore(t *testing.T) {
	e := NewEngine()

	if got := e.SpamScore(""); got != 1 {
		t.Fatalf("empty content spam = %v, want 1", got)
	}
	if got := e.SpamScore("the sky is blue because of scattering"); got > 0.1 {
		t.Fatalf("clean content spam = %v", got)
	}
	// Three keywords push the score past the rejection cutoff.
	if got := e.SpamScore("BUY NOW!!! click here http://x"); got <= spamRejectScore {
		t.Fatalf("spam content score = %v, want > %v", got, spamRejectScore)
	}
}

func TestRelevanceScore(t *testing.T) {
	e := NewEngine()
	question := "what color is the sky"

	if got := e.RelevanceScore("the sky is blue", question); got != 1 {
		t.Fatalf("on-topic relevance = %v, want 1", got)
	}
	if got := e.RelevanceScore("bananas ripen quickly", question); got != 0 {
		t.Fatalf("off-topic relevance = %v, want 0", got)
	}
	if got := e.RelevanceScore("anything", ""); got != 0.5 {
		t.Fatalf("missing question relevance = %v, want 0.5", got)
	}
}

func TestPatternScore(t *testing.T) {
	e := NewEngine()
	cases := []struct {
		content string
		want    float64
	}{
		{"a perfectly normal sentence", 1.0},
		{"THIS IS SHOUTING", 0.7},
		{"soooooo cool", 0.6},
		{"really???", 0.8},
	}
	for _, tc := range cases {
		if got := e.PatternScore(tc.content); got != tc.want {
			t.Errorf("PatternScore(%q) = %v, want %v", tc.content, got, tc.want)
		}
	}
}

func TestTierFor(t *testing.T) {
	cases := []struct {
		score float64
		want  string
	}{
		{0.1, "HIGHLY_SUSPICIOUS"},
		{0.4, "SUSPICIOUS"},
		{0.6, "NEUTRAL"},
		{0.75, "TRUSTED"},
		{0.95, "HIGHLY_TRUSTED"},
	}
	for _, tc := range cases {
		if got := TierFor(tc.score); got != tc.want {
			t.Errorf("TierFor(%v) = %s, want %s", tc.score, got, tc.want)
		}
	}
}

func TestValidateMessage(t *testing.T) {
	e := NewEngine()
	snap := skySnapshot()

	cases := []struct {
		name    string
		content string
		valid   bool
		reason  string
	}{
		{"empty", "", false, ReasonInvalidContent},
		{"too long", strings.Repeat("a", 1001), false, ReasonContentTooLong},
		{"spam", "BUY NOW!!! click here http://x", false, ReasonSpamDetected},
		{
			"low trust",
			"discountttttt discountttttt discountttttt discountttttt offer!!!",
			false, ReasonLowTrustScore,
		},
		{"clean", "the sky is blue because of rayleigh scattering", true, ""},
	}
	for _, tc := range cases {
		v := e.ValidateMessage(msg("m1", "worker-1", protocol.KindArgument, tc.content, ""), snap)
		if v.Valid != tc.valid || v.Reason != tc.reason {
			t.Errorf("%s: valid=%v reason=%s, want valid=%v reason=%s",
				tc.name, v.Valid, v.Reason, tc.valid, tc.reason)
		}
	}
}

func TestMonitorDiscussionFlood(t *testing.T) {
	e := NewEngine()

	var msgs []protocol.RoomMessage
	for i := 0; i < 11; i++ {
		msgs = append(msgs, msg("f", "flooder", protocol.KindArgument, "the sky is blue", ""))
	}
	msgs = append(msgs, msg("c", "calm", protocol.KindArgument, "the sky is blue", ""))

	snap := skySnapshot(msgs...)
	flags := e.MonitorDiscussion(snap, snap.CreatedAt+2000) // 11 msgs in 2s

	var flood *Flag
	for i := range flags {
		if flags[i].Type == FlagFlood {
			flood = &flags[i]
		}
	}
	if flood == nil {
		t.Fatalf("no FLOOD flag in %+v", flags)
	}
	if flood.Author != "flooder" || flood.Rate <= floodRatePerSecond {
		t.Fatalf("flood flag = %+v", flood)
	}
}

func TestMonitorDiscussionSpamAndOffTopic(t *testing.T) {
	e := NewEngine()

	msgs := []protocol.RoomMessage{
		msg("s1", "spammer", protocol.KindArgument, "BUY NOW!!! click here http://spam", ""),
	}
	for i := 0; i < 4; i++ {
		msgs = append(msgs, msg("o", "rambler", protocol.KindArgument, "totally unrelated chatter here", ""))
	}

	snap := skySnapshot(msgs...)
	flags := e.MonitorDiscussion(snap, snap.CreatedAt+600_000)

	types := map[string]string{} // type -> author
	for _, f := range flags {
		types[f.Type] = f.Author
	}
	if types[FlagSpam] != "spammer" {
		t.Fatalf("spam flag author = %q, flags = %+v", types[FlagSpam], flags)
	}
	if types[FlagOffTopic] != "rambler" {
		t.Fatalf("off-topic flag author = %q, flags = %+v", types[FlagOffTopic], flags)
	}
	if _, ok := types[FlagFlood]; ok {
		t.Fatalf("unexpected FLOOD flag: %+v", flags)
	}
}

func TestDetectCollusion(t *testing.T) {
	e := NewEngine()

	msgs := []protocol.RoomMessage{
		msg("p1", "bob", protocol.KindProposal, "the sky is blue", ""),
		msg("p2", "carol", protocol.KindProposal, "the sky is teal", ""),
		msg("x1", "dave", protocol.KindObjection, "what about sunsets", "p2"),
	}
	// alice rubber-stamps every one of bob's messages.
	for i := 0; i < 7; i++ {
		msgs = append(msgs, msg("a", "alice", protocol.KindAgreement, "agreed", "p1"))
	}

	pairs := e.DetectCollusion(skySnapshot(msgs...))
	if len(pairs) != 1 {
		t.Fatalf("pairs = %v, want exactly one", pairs)
	}
	if pairs[0][0] != "alice" || pairs[0][1] != "bob" {
		t.Fatalf("pair = %v, want [alice bob]", pairs[0])
	}

	// One objection dilutes the ratio below the cutoff.
	msgs = append(msgs, msg("obj", "alice", protocol.KindObjection, "hmm", "p1"))
	if pairs := e.DetectCollusion(skySnapshot(msgs...)); len(pairs) != 0 {
		t.Fatalf("diluted pair still flagged: %v", pairs)
	}
}
