package node

import (
	"context"
	"encoding/json"
	"errors"
	"log"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/asip-collective/asip/internal/protocol"
	"github.com/asip-collective/asip/internal/security"
)

// ErrRequestTimedOut means the response deadline passed with no responses
// at all. A deadline with partial responses resolves with what arrived.
var ErrRequestTimedOut = errors.New("request timed out with no responses")

// NoPeersError fails a broadcast when the peer set is empty.
type NoPeersError struct{}

func (NoPeersError) Error() string {
	return "no peers connected"
}

// WorkerResponse is one worker's answer to a request.
type WorkerResponse struct {
	WorkerID  string `json:"workerId"`
	WorkerPub string `json:"workerPub"`
	Content   string `json:"content"`
	Latency   int64  `json:"latency"`
}

// AggregateResult is the requester-side summary of one request.
type AggregateResult struct {
	RequestID     string           `json:"requestId"`
	Responses     []WorkerResponse `json:"responses"`
	Consensus     string           `json:"consensus"`
	ConsensusSize int              `json:"consensusSize"`
	Confidence    float64          `json:"confidence"`
	Winners       []string         `json:"winners"`
}

// RequestOptions override the configured quorum and deadline per call.
type RequestOptions struct {
	MinResponses int
	Timeout      time.Duration
}

// pendingRequest tracks one in-flight request. The quorum channel closes at
// most once; a deadline firing after resolution is a no-op.
type pendingRequest struct {
	id       string
	content  string
	min      int
	quorum   chan struct{}
	resolved bool

	responses []WorkerResponse
}

// add appends a response under the node lock and reports whether the quorum
// was just reached.
func (p *pendingRequest) add(resp WorkerResponse) bool {
	p.responses = append(p.responses, resp)
	if !p.resolved && len(p.responses) >= p.min {
		p.resolved = true
		close(p.quorum)
		return true
	}
	return false
}

// BroadcastRequest signs and fans a question out to every connected peer,
// then waits for quorum or the deadline. With partial responses at the
// deadline it resolves with what arrived; with none it fails with
// ErrRequestTimedOut.
func (n *Node) BroadcastRequest(ctx context.Context, content string, opts RequestOptions) (*AggregateResult, error) {
	if n.mesh.PeerCount() == 0 {
		return nil, NoPeersError{}
	}

	min := opts.MinResponses
	if min <= 0 {
		min = n.cfg.MinResponses
	}
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = n.cfg.ResponseTimeout
	}

	requestID := newID()
	data, err := protocol.Seal(n.id, protocol.RequestPayload{
		Type:         protocol.TypeRequest,
		RequestID:    requestID,
		SenderID:     n.id.NodeID(),
		SenderPub:    n.id.PublicKeyHex(),
		Content:      content,
		MinResponses: min,
		Timestamp:    time.Now().UnixMilli(),
	})
	if err != nil {
		return nil, err
	}

	pending := &pendingRequest{
		id:      requestID,
		content: content,
		min:     min,
		quorum:  make(chan struct{}),
	}
	n.mu.Lock()
	n.pending[requestID] = pending
	n.mu.Unlock()
	defer func() {
		n.mu.Lock()
		delete(n.pending, requestID)
		n.mu.Unlock()
	}()

	log.Printf("[REQUEST] %s: broadcasting to %d peers (need %d responses)", short(requestID), n.mesh.PeerCount(), min)
	for _, fail := range n.mesh.Broadcast(data) {
		log.Printf("[REQUEST] %s: send to %s failed: %v", short(requestID), fail.PeerID, fail.Err)
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case <-pending.quorum:
	case <-timer.C:
	case <-ctx.Done():
		return nil, ctx.Err()
	}

	n.mu.Lock()
	pending.resolved = true
	responses := append([]WorkerResponse(nil), pending.responses...)
	n.mu.Unlock()

	if len(responses) == 0 {
		return nil, ErrRequestTimedOut
	}
	return n.aggregateResponses(requestID, responses), nil
}

// handleRequest is the worker path: validate, screen, infer, respond.
func (n *Node) handleRequest(peerID string, frame *protocol.Frame) {
	var req protocol.RequestPayload
	if err := json.Unmarshal(frame.Payload, &req); err != nil {
		log.Printf("[WORKER] malformed request from %s: %v", peerID, err)
		return
	}

	if !n.limiter.Allow(frame.SenderPub, n.ledger.Score(frame.SenderPub)) {
		log.Printf("[WORKER] rate limit exceeded for %s, dropping request %s", peerID, short(req.RequestID))
		return
	}
	if err := security.CheckPrompt(req.Content); err != nil {
		if security.IsUnsafe(err) {
			n.ledger.Update(frame.SenderPub, security.MaliciousPenalty, "MALICIOUS_PROMPT")
		}
		log.Printf("[WORKER] refusing request %s from %s: %v", short(req.RequestID), peerID, err)
		return
	}

	log.Printf("[WORKER] request %s from %s", short(req.RequestID), req.SenderID)

	n.wg.Add(1)
	go func() {
		defer n.wg.Done()
		start := time.Now()
		answer, err := n.infer.Generate(n.ctx, req.Content)
		if err != nil {
			log.Printf("[WORKER] inference for %s failed: %v", short(req.RequestID), err)
			return
		}
		latency := time.Since(start).Milliseconds()

		data, err := protocol.Seal(n.id, protocol.ResponsePayload{
			Type:      protocol.TypeResponse,
			RequestID: req.RequestID,
			WorkerID:  n.id.NodeID(),
			WorkerPub: n.id.PublicKeyHex(),
			Content:   answer,
			Latency:   latency,
			Timestamp: time.Now().UnixMilli(),
		})
		if err != nil {
			log.Printf("[WORKER] seal response: %v", err)
			return
		}
		if err := n.mesh.Send(peerID, data); err != nil {
			log.Printf("[WORKER] respond to %s: %v", peerID, err)
			return
		}
		log.Printf("[WORKER] responded to %s in %dms", short(req.RequestID), latency)
	}()
}

// handleResponse is the requester path: feed the pending entry and route
// the responder into the request's discussion room.
func (n *Node) handleResponse(peerID string, frame *protocol.Frame) {
	var resp protocol.ResponsePayload
	if err := json.Unmarshal(frame.Payload, &resp); err != nil {
		log.Printf("[NODE] malformed response from %s: %v", peerID, err)
		return
	}

	n.mu.Lock()
	pending, ok := n.pending[resp.RequestID]
	if ok {
		pending.add(WorkerResponse{
			WorkerID:  resp.WorkerID,
			WorkerPub: resp.WorkerPub,
			Content:   resp.Content,
			Latency:   resp.Latency,
		})
	}
	question := ""
	if pending != nil {
		question = pending.content
	}
	n.mu.Unlock()

	if !ok {
		log.Printf("[NODE] response for unknown request %s from %s, dropped", short(resp.RequestID), peerID)
		return
	}

	n.admitToRoom(resp, question)
}

// aggregateResponses groups responses by content similarity, takes the
// largest group as the winner set, scores every worker, and reports the
// winners to the board.
func (n *Node) aggregateResponses(requestID string, responses []WorkerResponse) *AggregateResult {
	log.Printf("[AGGREGATE] %s: %d responses", short(requestID), len(responses))

	type group struct {
		key     string
		members []WorkerResponse
	}
	var groups []*group
	for _, resp := range responses {
		normalized := strings.ToLower(strings.TrimSpace(resp.Content))
		placed := false
		for _, g := range groups {
			if jaccard(normalized, g.key) > 0.8 {
				g.members = append(g.members, resp)
				placed = true
				break
			}
		}
		if !placed {
			groups = append(groups, &group{key: normalized, members: []WorkerResponse{resp}})
		}
	}

	var winners []WorkerResponse
	for _, g := range groups {
		if len(g.members) > len(winners) {
			winners = g.members
		}
	}

	inWinners := make(map[string]bool, len(winners))
	winnerIDs := make([]string, 0, len(winners))
	for _, w := range winners {
		inWinners[w.WorkerPub] = true
		winnerIDs = append(winnerIDs, w.WorkerID)
	}
	for _, resp := range responses {
		n.ledger.RecordTask(resp.WorkerPub, inWinners[resp.WorkerPub], time.Duration(resp.Latency)*time.Millisecond)
	}

	if n.reporter.Enabled() {
		n.wg.Add(1)
		go func() {
			defer n.wg.Done()
			if err := n.reporter.Report(n.ctx, requestID, winnerIDs); err != nil {
				log.Printf("[BOARD] report for %s failed: %v", short(requestID), err)
			}
		}()
	}

	result := &AggregateResult{
		RequestID:     requestID,
		Responses:     responses,
		ConsensusSize: len(winners),
		Confidence:    float64(len(winners)) / float64(len(responses)),
		Winners:       winnerIDs,
	}
	if len(winners) > 0 {
		result.Consensus = winners[0].Content
	}
	return result
}

// jaccard is word-set similarity between two normalized strings.
func jaccard(a, b string) float64 {
	setA := wordSet(a)
	setB := wordSet(b)
	if len(setA) == 0 && len(setB) == 0 {
		return 1
	}

	intersection := 0
	for w := range setA {
		if setB[w] {
			intersection++
		}
	}
	union := len(setA) + len(setB) - intersection
	if union == 0 {
		return 0
	}
	return float64(intersection) / float64(union)
}

func wordSet(s string) map[string]bool {
	set := make(map[string]bool)
	for _, w := range strings.Fields(s) {
		set[w] = true
	}
	return set
}

func newID() string {
	return uuid.NewString()
}
