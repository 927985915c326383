// Package room implements the per-question discussion venue: a participant
// roster, an append-only message log, and best-effort fan-out of accepted
// messages to every participant's live link. The log is authoritative;
// delivery is not.
package room

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/asip-collective/asip/internal/protocol"
)

// Room lifecycle states.
const (
	StatusOpen      = "OPEN"
	StatusClosed    = "CLOSED"
	StatusDestroyed = "DESTROYED"
)

// Lifecycle event names recorded in the room's event log.
const (
	EventRoomCreated       = "ROOM_CREATED"
	EventParticipantJoined = "PARTICIPANT_JOINED"
	EventParticipantLeft   = "PARTICIPANT_REMOVED"
	EventResponseSubmitted = "RESPONSE_SUBMITTED"
	EventMessage           = "MESSAGE"
	EventRoomClosed        = "ROOM_CLOSED"
)

// Join/AddMessage failure modes.
var (
	ErrRoomClosed         = errors.New("ROOM_CLOSED")
	ErrRoomFull           = errors.New("ROOM_FULL")
	ErrInvalidMessageType = errors.New("INVALID_MESSAGE_TYPE")
)

// Rules bound a room's behavior. Defaults follow the protocol policy.
type Rules struct {
	MaxDuration        time.Duration
	MinParticipants    int
	MaxParticipants    int
	ConsensusThreshold float64
	AllowedKinds       []string
}

// DefaultRules returns the standard room policy.
func DefaultRules() Rules {
	return Rules{
		MaxDuration:        2 * time.Minute,
		MinParticipants:    2,
		MaxParticipants:    10,
		ConsensusThreshold: 0.6,
		AllowedKinds: []string{
			protocol.KindResponse, protocol.KindArgument, protocol.KindProposal,
			protocol.KindAgreement, protocol.KindObjection, protocol.KindMerge,
		},
	}
}

// Question is the request a room exists to answer.
type Question struct {
	ID      string
	Content string
}

// Response is one worker's answer, recorded before discussion begins.
type Response struct {
	Author    string
	Content   string
	Latency   time.Duration
	Timestamp int64
}

// Event is a lifecycle entry in the room's event log.
type Event struct {
	Event     string
	By        string
	Timestamp int64
	Reason    string
	Content   string
	Kind      string
}

// Outcome is the settled result attached to a room at closure.
type Outcome struct {
	Reached    bool
	Method     string
	Answer     string
	Supporters []string
}

// SendFailure records one participant a broadcast could not reach.
type SendFailure struct {
	Participant string
	Err         error
}

// BroadcastError aggregates all failed recipients of one broadcast. The
// underlying log append is never rolled back; the error only reports which
// live links missed the fan-out.
type BroadcastError struct {
	Failures []SendFailure
}

func (e *BroadcastError) Error() string {
	parts := make([]string, len(e.Failures))
	for i, f := range e.Failures {
		parts[i] = shorten(f.Participant)
	}
	return fmt.Sprintf("broadcast failed for %d participants: %s",
		len(e.Failures), strings.Join(parts, ", "))
}

// SendFunc delivers a room-scoped payload to one participant's live link.
// Delivery to the local node should return nil without network I/O.
type SendFunc func(participant, roomID string, payload any) error

// Snapshot is a consistent view of the room at one instant, used by the
// consensus engine so evaluation never interleaves with a partial append.
type Snapshot struct {
	ID           string
	Question     Question
	Requester    string
	Status       string
	CreatedAt    int64
	ClosedAt     int64
	Rules        Rules
	Participants []string
	Messages     []protocol.RoomMessage
	Responses    []Response
	Events       []Event
	Outcome      *Outcome
}

// Room is one discussion venue. All methods are safe for concurrent use.
type Room struct {
	mu sync.Mutex

	id        string
	question  Question
	requester string
	status    string
	createdAt int64
	closedAt  int64
	rules     Rules

	participants []string // insertion order, unique by public key
	messages     []protocol.RoomMessage
	responses    []Response
	events       []Event
	outcome      *Outcome

	send SendFunc
}

// New creates an OPEN room for question with the requester and the first
// responder as initial participants. The room id is derived from the
// question id and creation time.
func New(question Question, requester, firstResponder string, send SendFunc) *Room {
	now := time.Now().UnixMilli()
	sum := sha256.Sum256([]byte(question.ID + strconv.FormatInt(now, 10)))

	r := &Room{
		id:           hex.EncodeToString(sum[:]),
		question:     question,
		requester:    requester,
		status:       StatusOpen,
		createdAt:    now,
		rules:        DefaultRules(),
		participants: []string{requester, firstResponder},
		send:         send,
	}
	r.events = append(r.events, Event{Event: EventRoomCreated, By: requester, Timestamp: now})
	return r
}

// ID returns the room id.
func (r *Room) ID() string {
	return r.id
}

// Question returns the question the room is answering.
func (r *Room) Question() Question {
	return r.question
}

// Requester returns the public key of the node that asked the question.
func (r *Room) Requester() string {
	return r.requester
}

// Status returns the current lifecycle state.
func (r *Room) Status() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.status
}

// CreatedAt returns the creation time in Unix milliseconds.
func (r *Room) CreatedAt() int64 {
	return r.createdAt
}

// Rules returns the room's rules.
func (r *Room) Rules() Rules {
	return r.rules
}

// SetRules replaces the room's rules. Intended for tests and custom
// deployments before any participant joins.
func (r *Room) SetRules(rules Rules) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.rules = rules
}

// Join adds a responder to the roster. Joining is idempotent per public key.
// Returns ErrRoomClosed when the room is no longer OPEN and ErrRoomFull when
// the roster is at capacity. A PARTICIPANT_JOINED event is broadcast
// best-effort; its failure does not fail the join.
func (r *Room) Join(responder string) (*Snapshot, error) {
	r.mu.Lock()
	if r.status != StatusOpen {
		r.mu.Unlock()
		return nil, ErrRoomClosed
	}
	for _, p := range r.participants {
		if p == responder {
			snap := r.snapshotLocked()
			r.mu.Unlock()
			return snap, nil
		}
	}
	if len(r.participants) >= r.rules.MaxParticipants {
		r.mu.Unlock()
		return nil, ErrRoomFull
	}

	now := time.Now().UnixMilli()
	r.participants = append(r.participants, responder)
	r.events = append(r.events, Event{Event: EventParticipantJoined, By: responder, Timestamp: now})
	snap := r.snapshotLocked()
	r.mu.Unlock()

	r.broadcast(map[string]any{
		"type":        EventParticipantJoined,
		"participant": responder,
		"timestamp":   now,
	})
	return snap, nil
}

// AddResponse records a worker's answer and its submission event.
func (r *Room) AddResponse(resp Response) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.responses = append(r.responses, resp)
	r.events = append(r.events, Event{
		Event:     EventResponseSubmitted,
		By:        resp.Author,
		Timestamp: resp.Timestamp,
		Content:   resp.Content,
	})
}

// AddMessage appends a discussion message and fans it out to participants.
// The append commits before the broadcast: a returned *BroadcastError means
// the message is in the log but some live links missed it.
func (r *Room) AddMessage(msg protocol.RoomMessage) error {
	r.mu.Lock()
	if r.status != StatusOpen {
		r.mu.Unlock()
		return ErrRoomClosed
	}
	if !r.kindAllowed(msg.Kind) {
		r.mu.Unlock()
		return ErrInvalidMessageType
	}
	r.messages = append(r.messages, msg)
	r.events = append(r.events, Event{
		Event:     EventMessage,
		By:        msg.Author,
		Timestamp: msg.Timestamp,
		Kind:      msg.Kind,
	})
	r.mu.Unlock()

	return r.broadcast(msg)
}

// MarkResolved flags a proposal as settled so later consensus passes skip it.
func (r *Room) MarkResolved(proposalID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for i := range r.messages {
		if r.messages[i].ID == proposalID {
			r.messages[i].Resolved = true
			return
		}
	}
}

// RemoveParticipant evicts a participant (moderation REMOVE action) and
// broadcasts the removal best-effort.
func (r *Room) RemoveParticipant(participant, reason string) {
	r.mu.Lock()
	kept := r.participants[:0]
	for _, p := range r.participants {
		if p != participant {
			kept = append(kept, p)
		}
	}
	r.participants = kept
	now := time.Now().UnixMilli()
	r.events = append(r.events, Event{
		Event:     EventParticipantLeft,
		By:        participant,
		Timestamp: now,
		Reason:    reason,
	})
	r.mu.Unlock()

	r.broadcast(map[string]any{
		"type":        EventParticipantLeft,
		"participant": participant,
		"reason":      reason,
		"timestamp":   now,
	})
}

// SetOutcome attaches the settled consensus result.
func (r *Room) SetOutcome(o Outcome) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.outcome = &o
}

// Close transitions OPEN -> CLOSED, broadcasts a ROOM_CLOSED event
// (best-effort), records the closure, and destroys the room.
func (r *Room) Close(reason string) {
	r.mu.Lock()
	if r.status != StatusOpen {
		r.mu.Unlock()
		return
	}
	r.status = StatusClosed
	r.closedAt = time.Now().UnixMilli()
	r.mu.Unlock()

	r.broadcast(map[string]any{
		"type":      EventRoomClosed,
		"reason":    reason,
		"timestamp": r.closedAt,
	})

	r.mu.Lock()
	r.events = append(r.events, Event{
		Event:     EventRoomClosed,
		By:        "SYSTEM",
		Timestamp: r.closedAt,
		Reason:    reason,
	})
	r.mu.Unlock()
}

// Destroy releases the room's collections. CLOSED -> DESTROYED. The archive
// must snapshot the room before this runs.
func (r *Room) Destroy() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.status = StatusDestroyed
	r.participants = nil
	r.messages = nil
	r.responses = nil
	r.events = nil
}

// ParticipantCount returns the roster size.
func (r *Room) ParticipantCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.participants)
}

// IsFull reports whether the roster is at capacity.
func (r *Room) IsFull() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.participants) >= r.rules.MaxParticipants
}

// Snapshot returns a consistent copy of the room state.
func (r *Room) Snapshot() *Snapshot {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.snapshotLocked()
}

func (r *Room) snapshotLocked() *Snapshot {
	snap := &Snapshot{
		ID:           r.id,
		Question:     r.question,
		Requester:    r.requester,
		Status:       r.status,
		CreatedAt:    r.createdAt,
		ClosedAt:     r.closedAt,
		Rules:        r.rules,
		Participants: append([]string(nil), r.participants...),
		Messages:     append([]protocol.RoomMessage(nil), r.messages...),
		Responses:    append([]Response(nil), r.responses...),
		Events:       append([]Event(nil), r.events...),
	}
	if r.outcome != nil {
		o := *r.outcome
		snap.Outcome = &o
	}
	return snap
}

// Broadcast fans a payload out to every participant's live link and returns
// a *BroadcastError naming the participants that could not be reached, or
// nil when everyone got it.
func (r *Room) Broadcast(payload any) error {
	return r.broadcast(payload)
}

func (r *Room) broadcast(payload any) error {
	r.mu.Lock()
	participants := append([]string(nil), r.participants...)
	send := r.send
	r.mu.Unlock()

	if send == nil {
		return nil
	}

	var failures []SendFailure
	for _, p := range participants {
		if err := send(p, r.id, payload); err != nil {
			failures = append(failures, SendFailure{Participant: p, Err: err})
		}
	}
	if len(failures) > 0 {
		return &BroadcastError{Failures: failures}
	}
	return nil
}

func (r *Room) kindAllowed(kind string) bool {
	for _, k := range r.rules.AllowedKinds {
		if k == kind {
			return true
		}
	}
	return false
}

func shorten(key string) string {
	if len(key) > 6 {
		return key[:6]
	}
	return key
}
