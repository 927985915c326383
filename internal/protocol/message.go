// Package protocol defines the ASIP wire format: typed JSON frames wrapped
// in a signed envelope, plus the room-scoped message vocabulary used by
// discussion rooms. All timestamps are Unix milliseconds.
package protocol

import (
	"encoding/json"
	"fmt"

	"github.com/asip-collective/asip/internal/identity"
)

// Frame types carried between peers.
const (
	TypeRequest     = "REQUEST"
	TypeResponse    = "RESPONSE"
	TypeChat        = "CHAT"
	TypeRoomInvite  = "ROOM_INVITE"
	TypeRoomMessage = "ROOM_MESSAGE"
	TypeRoomClosed  = "ROOM_CLOSED"
	TypeReport      = "REPORT"
	TypeAppeal      = "APPEAL"
)

// Room-scoped message kinds. Rooms only accept kinds listed in their rules.
const (
	KindResponse  = "RESPONSE"
	KindArgument  = "ARGUMENT"
	KindProposal  = "PROPOSAL"
	KindAgreement = "AGREEMENT"
	KindObjection = "OBJECTION"
	KindMerge     = "MERGE"
)

// Envelope wraps a signed payload. The signature is computed over the raw
// payload bytes exactly as serialized, so any mutation after signing fails
// verification.
type Envelope struct {
	Payload   json.RawMessage `json:"payload"`
	Signature string          `json:"signature"`
}

// RequestPayload broadcasts a question to the mesh.
type RequestPayload struct {
	Type         string `json:"type"`
	RequestID    string `json:"requestId"`
	SenderID     string `json:"senderId"`
	SenderPub    string `json:"senderPub"`
	Content      string `json:"content"`
	MinResponses int    `json:"minResponses"`
	Timestamp    int64  `json:"timestamp"`
}

// ResponsePayload answers a request. Latency is the worker-side inference
// time in milliseconds.
type ResponsePayload struct {
	Type      string `json:"type"`
	RequestID string `json:"requestId"`
	WorkerID  string `json:"workerId"`
	WorkerPub string `json:"workerPub"`
	Content   string `json:"content"`
	Latency   int64  `json:"latency"`
	Timestamp int64  `json:"timestamp"`
}

// ChatPayload is a free-form message, direct or broadcast.
type ChatPayload struct {
	Type      string `json:"type"`
	MessageID string `json:"messageId"`
	SenderID  string `json:"senderId"`
	SenderPub string `json:"senderPub"`
	Content   string `json:"content"`
	Timestamp int64  `json:"timestamp"`
}

// RoomInvitePayload tells a responder which room their response landed in.
type RoomInvitePayload struct {
	Type      string `json:"type"`
	RoomID    string `json:"roomId"`
	RequestID string `json:"requestId"`
	SenderPub string `json:"senderPub"`
	Question  string `json:"question"`
	Timestamp int64  `json:"timestamp"`
}

// RoomMessagePayload carries one room-scoped message.
type RoomMessagePayload struct {
	Type      string      `json:"type"`
	RoomID    string      `json:"roomId"`
	SenderPub string      `json:"senderPub"`
	Message   RoomMessage `json:"message"`
}

// RoomClosedPayload announces room closure to participants.
type RoomClosedPayload struct {
	Type      string `json:"type"`
	RoomID    string `json:"roomId"`
	Reason    string `json:"reason"`
	Timestamp int64  `json:"timestamp"`
}

// ReportTarget identifies the flagged message.
type ReportTarget struct {
	RoomID    string `json:"roomId"`
	MessageID string `json:"messageId"`
	Author    string `json:"author"`
	Content   string `json:"content"`
	Timestamp int64  `json:"timestamp"`
}

// ReportPayload submits a misbehavior report for moderation.
type ReportPayload struct {
	Type        string       `json:"type"`
	ReporterPub string       `json:"reporterPub"`
	Target      ReportTarget `json:"target"`
	Reason      string       `json:"reason"`
	Severity    string       `json:"severity"`
	Description string       `json:"description"`
	Timestamp   int64        `json:"timestamp"`
}

// Defense is the appellant's case against a ban.
type Defense struct {
	Statement string     `json:"statement"`
	Evidence  []Evidence `json:"evidence"`
	Witnesses []string   `json:"witnesses"`
}

// Evidence is one item of supporting material in a defense.
type Evidence struct {
	Type    string `json:"type"`
	Content string `json:"content"`
}

// AppealPayload submits an appeal against a ban.
type AppealPayload struct {
	Type         string  `json:"type"`
	AppellantPub string  `json:"appellantPub"`
	BanID        string  `json:"banId"`
	Defense      Defense `json:"defense"`
	Timestamp    int64   `json:"timestamp"`
}

// RoomMessage is one entry in a room's discussion log. Target references the
// proposal id an AGREEMENT applies to. Resolved marks proposals already
// settled by consensus.
type RoomMessage struct {
	ID        string `json:"id"`
	Kind      string `json:"kind"`
	Author    string `json:"author"`
	Timestamp int64  `json:"timestamp"`
	Content   string `json:"content"`
	Target    string `json:"target,omitempty"`
	Resolved  bool   `json:"resolved,omitempty"`
}

// header is the minimal view of any payload needed to route and verify it.
// Different frame types name their sender key field differently, matching
// the original protocol.
type header struct {
	Type         string `json:"type"`
	SenderPub    string `json:"senderPub"`
	WorkerPub    string `json:"workerPub"`
	ReporterPub  string `json:"reporterPub"`
	AppellantPub string `json:"appellantPub"`
}

// senderKey returns whichever sender key field the payload carries.
func (h header) senderKey() string {
	switch {
	case h.SenderPub != "":
		return h.SenderPub
	case h.WorkerPub != "":
		return h.WorkerPub
	case h.ReporterPub != "":
		return h.ReporterPub
	default:
		return h.AppellantPub
	}
}

// Seal serializes payload, signs it with id, and returns the wire bytes of
// the envelope.
func Seal(id *identity.Identity, payload any) ([]byte, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("marshal payload: %w", err)
	}
	env := Envelope{
		Payload:   raw,
		Signature: id.Sign(raw),
	}
	data, err := json.Marshal(env)
	if err != nil {
		return nil, fmt.Errorf("marshal envelope: %w", err)
	}
	return data, nil
}

// Frame is a verified inbound frame: the discriminator type, the sender's
// public key, and the raw payload ready to unmarshal into its typed struct.
type Frame struct {
	Type      string
	SenderPub string
	Payload   json.RawMessage
}

// Open parses and verifies an envelope. Frames with a malformed envelope, a
// missing sender key, or a bad signature return an error; callers log and
// drop them, they are never processed further.
func Open(data []byte) (*Frame, error) {
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, fmt.Errorf("unmarshal envelope: %w", err)
	}
	if len(env.Payload) == 0 || env.Signature == "" {
		return nil, fmt.Errorf("incomplete envelope")
	}

	var h header
	if err := json.Unmarshal(env.Payload, &h); err != nil {
		return nil, fmt.Errorf("unmarshal payload header: %w", err)
	}
	key := h.senderKey()
	if key == "" {
		return nil, fmt.Errorf("payload carries no sender key")
	}
	if !identity.Verify(env.Payload, env.Signature, key) {
		return nil, fmt.Errorf("signature verification failed")
	}

	return &Frame{Type: h.Type, SenderPub: key, Payload: env.Payload}, nil
}
