package node

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/asip-collective/asip/internal/protocol"
	"github.com/asip-collective/asip/internal/room"
	"github.com/asip-collective/asip/internal/trust"
)

func newTestNode(t *testing.T) *Node {
	t.Helper()
	n, err := New(Config{
		Topic:           "asip-test",
		MinResponses:    2,
		ResponseTimeout: 100 * time.Millisecond,
		DataDir:         t.TempDir(),
		ExportInterval:  time.Minute,
	})
	if err != nil {
		t.Fatalf("new node: %v", err)
	}
	return n
}

func TestConfigFromEnv(t *testing.T) {
	t.Setenv("ASIP_MIN_RESPONSES", "7")
	t.Setenv("ASIP_RESPONSE_TIMEOUT", "1500")
	t.Setenv("ASIP_PEERS", "ws://a:9040, ws://b:9040,")
	t.Setenv("ASIP_TOPIC", "")

	cfg := ConfigFromEnv()
	if cfg.MinResponses != 7 {
		t.Fatalf("MinResponses = %d", cfg.MinResponses)
	}
	if cfg.ResponseTimeout != 1500*time.Millisecond {
		t.Fatalf("ResponseTimeout = %v", cfg.ResponseTimeout)
	}
	if len(cfg.Peers) != 2 || cfg.Peers[1] != "ws://b:9040" {
		t.Fatalf("Peers = %v", cfg.Peers)
	}
	if cfg.Topic != "asip-clawdbot-v1" {
		t.Fatalf("Topic default = %q", cfg.Topic)
	}
}

func TestConfigRejectsBadNumbers(t *testing.T) {
	t.Setenv("ASIP_MIN_RESPONSES", "zero")
	t.Setenv("ASIP_RESPONSE_TIMEOUT", "-5")

	cfg := ConfigFromEnv()
	if cfg.MinResponses != 3 {
		t.Fatalf("MinResponses = %d, want default", cfg.MinResponses)
	}
	if cfg.ResponseTimeout != 30*time.Second {
		t.Fatalf("ResponseTimeout = %v, want default", cfg.ResponseTimeout)
	}
}

func TestJaccard(t *testing.T) {
	cases := []struct {
		a, b string
		want float64
	}{
		{"the sky is blue", "the sky is blue", 1},
		{"the sky is blue", "blue is the sky", 1},
		{"the sky is blue", "the sea is green", 1.0 / 3.0},
		{"", "", 1},
		{"words", "", 0},
	}
	for _, tc := range cases {
		if got := jaccard(tc.a, tc.b); got != tc.want {
			t.Errorf("jaccard(%q, %q) = %v, want %v", tc.a, tc.b, got, tc.want)
		}
	}
}

func TestAggregateResponses(t *testing.T) {
	n := newTestNode(t)

	responses := []WorkerResponse{
		{WorkerID: "w1", WorkerPub: "pub-w1", Content: "The answer is 42.", Latency: 2000},
		{WorkerID: "w2", WorkerPub: "pub-w2", Content: "the answer is 42.", Latency: 2000},
		{WorkerID: "w3", WorkerPub: "pub-w3", Content: "It depends entirely on the question asked.", Latency: 2000},
	}
	result := n.aggregateResponses("req-1", responses)

	if result.ConsensusSize != 2 {
		t.Fatalf("ConsensusSize = %d", result.ConsensusSize)
	}
	if result.Consensus != "The answer is 42." {
		t.Fatalf("Consensus = %q", result.Consensus)
	}
	if got := result.Confidence; got < 0.66 || got > 0.67 {
		t.Fatalf("Confidence = %v", got)
	}
	if len(result.Winners) != 2 || result.Winners[0] != "w1" || result.Winners[1] != "w2" {
		t.Fatalf("Winners = %v", result.Winners)
	}

	// Consensus members gain, the outlier loses. 2s latency, no bonus.
	if got := n.ledger.Score("pub-w1"); got != 10 {
		t.Fatalf("winner score = %d", got)
	}
	if got := n.ledger.Score("pub-w3"); got != -5 {
		t.Fatalf("outlier score = %d", got)
	}
}

func TestAggregateSingleResponse(t *testing.T) {
	n := newTestNode(t)

	result := n.aggregateResponses("req-1", []WorkerResponse{
		{WorkerID: "w1", WorkerPub: "pub-w1", Content: "only answer", Latency: 2000},
	})
	if result.ConsensusSize != 1 || result.Confidence != 1 {
		t.Fatalf("result = %+v", result)
	}
}

func TestBroadcastRequestWithoutPeers(t *testing.T) {
	n := newTestNode(t)

	_, err := n.BroadcastRequest(context.Background(), "hello?", RequestOptions{})
	var noPeers NoPeersError
	if !errors.As(err, &noPeers) {
		t.Fatalf("err = %v, want NoPeersError", err)
	}
}

func TestPendingQuorumClosesOnce(t *testing.T) {
	p := &pendingRequest{id: "req-1", min: 2, quorum: make(chan struct{})}

	if p.add(WorkerResponse{WorkerID: "w1"}) {
		t.Fatal("quorum reached too early")
	}
	if !p.add(WorkerResponse{WorkerID: "w2"}) {
		t.Fatal("quorum not reached at min")
	}
	select {
	case <-p.quorum:
	default:
		t.Fatal("quorum channel not closed")
	}

	// Late responses are recorded but must not close the channel again.
	if p.add(WorkerResponse{WorkerID: "w3"}) {
		t.Fatal("quorum re-fired")
	}
	if len(p.responses) != 3 {
		t.Fatalf("responses = %d", len(p.responses))
	}
}

func TestAdmitToRoomExactlyOnce(t *testing.T) {
	n := newTestNode(t)

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			n.admitToRoom(protocol.ResponsePayload{
				RequestID: "req-1",
				WorkerID:  "w",
				WorkerPub: "pub-worker-" + string(rune('a'+i)) + "-0123456789abcdef",
				Content:   "an answer",
				Timestamp: time.Now().UnixMilli(),
			}, "what is up?")
		}(i)
	}
	wg.Wait()

	n.mu.Lock()
	defer n.mu.Unlock()
	if len(n.roomByRequest) != 1 {
		t.Fatalf("rooms per request = %d", len(n.roomByRequest))
	}
	if len(n.rooms) != 1 {
		t.Fatalf("hosted rooms = %d", len(n.rooms))
	}
	rm := n.roomByRequest["req-1"]
	if got := n.requestByRoom[rm.ID()]; got != "req-1" {
		t.Fatalf("reverse index = %q", got)
	}
	if rm.Question().Content != "what is up?" {
		t.Fatalf("question = %q", rm.Question().Content)
	}
}

func TestFlagAppliedOncePerRoom(t *testing.T) {
	n := newTestNode(t)
	now := time.Now().UnixMilli()
	rm := room.New(room.Question{ID: "req-1", Content: "q"}, "pub-req", "pub-spammer", nil)

	flag := trust.Flag{Type: trust.FlagSpam, Author: "pub-spammer"}

	// Monitoring re-reports the same flag on every later message; only the
	// first occurrence may penalize.
	n.applyFlag(rm, flag, now)
	n.applyFlag(rm, flag, now)
	n.applyFlag(rm, flag, now)

	if got := n.mod.ViolationCount("pub-spammer", trust.FlagSpam); got != 1 {
		t.Fatalf("violation count = %d, want 1", got)
	}

	// A different room starts its own slate.
	rm2 := room.New(room.Question{ID: "req-2", Content: "q"}, "pub-req", "pub-spammer", nil)
	n.applyFlag(rm2, flag, now)
	if got := n.mod.ViolationCount("pub-spammer", trust.FlagSpam); got != 2 {
		t.Fatalf("violation count after second room = %d, want 2", got)
	}
}

func TestPeerFor(t *testing.T) {
	if got := peerFor("0123456789abcdef0123"); got != "0123456789ab" {
		t.Fatalf("peerFor = %q", got)
	}
	if got := peerFor("short"); got != "short" {
		t.Fatalf("peerFor short key = %q", got)
	}
}
