package node

import (
	"encoding/json"
	"log"
	"time"

	"github.com/asip-collective/asip/internal/consensus"
	"github.com/asip-collective/asip/internal/identity"
	"github.com/asip-collective/asip/internal/protocol"
	"github.com/asip-collective/asip/internal/room"
	"github.com/asip-collective/asip/internal/trust"
)

// admitToRoom routes one response into the request's discussion room,
// creating the room on the first response. Exactly one room exists per
// request regardless of how responses interleave.
func (n *Node) admitToRoom(resp protocol.ResponsePayload, question string) {
	n.mu.Lock()
	rm, exists := n.roomByRequest[resp.RequestID]
	if !exists {
		rm = room.New(
			room.Question{ID: resp.RequestID, Content: question},
			n.id.PublicKeyHex(), resp.WorkerPub, n.roomSend,
		)
		n.roomByRequest[resp.RequestID] = rm
		n.rooms[rm.ID()] = rm
		n.requestByRoom[rm.ID()] = resp.RequestID
		log.Printf("[ROOM] %s opened for request %s", short(rm.ID()), short(resp.RequestID))
	}
	n.mu.Unlock()

	if exists {
		if _, err := rm.Join(resp.WorkerPub); err != nil {
			log.Printf("[ROOM] %s: %s cannot join: %v", short(rm.ID()), resp.WorkerID, err)
			return
		}
	}
	rm.AddResponse(room.Response{
		Author:    resp.WorkerPub,
		Content:   resp.Content,
		Latency:   time.Duration(resp.Latency) * time.Millisecond,
		Timestamp: resp.Timestamp,
	})
	n.sendRoomInvite(rm, resp)
}

// sendRoomInvite tells the responder which room their answer landed in.
func (n *Node) sendRoomInvite(rm *room.Room, resp protocol.ResponsePayload) {
	data, err := protocol.Seal(n.id, protocol.RoomInvitePayload{
		Type:      protocol.TypeRoomInvite,
		RoomID:    rm.ID(),
		RequestID: rm.Question().ID,
		SenderPub: n.id.PublicKeyHex(),
		Question:  rm.Question().Content,
		Timestamp: time.Now().UnixMilli(),
	})
	if err != nil {
		log.Printf("[ROOM] seal invite: %v", err)
		return
	}
	if err := n.mesh.Send(peerFor(resp.WorkerPub), data); err != nil {
		log.Printf("[ROOM] invite %s to %s: %v", resp.WorkerID, short(rm.ID()), err)
	}
}

// roomSend is the SendFunc wired into hosted rooms. Participants are
// addressed by public key; the mesh link id is the key's short form.
// Delivery to the local node is a no-op.
func (n *Node) roomSend(participant, roomID string, payload any) error {
	if participant == n.id.PublicKeyHex() {
		return nil
	}
	data, err := protocol.Seal(n.id, protocol.RoomMessagePayload{
		Type:      protocol.TypeRoomMessage,
		RoomID:    roomID,
		SenderPub: n.id.PublicKeyHex(),
		Message:   asRoomMessage(payload),
	})
	if err != nil {
		return err
	}
	return n.mesh.Send(peerFor(participant), data)
}

// asRoomMessage passes RoomMessage payloads through and wraps anything else
// (join notices, consensus notices) as an opaque system entry.
func asRoomMessage(payload any) protocol.RoomMessage {
	if msg, ok := payload.(protocol.RoomMessage); ok {
		return msg
	}
	raw, err := json.Marshal(payload)
	if err != nil {
		raw = []byte("{}")
	}
	return protocol.RoomMessage{
		Kind:      protocol.KindResponse,
		Author:    "SYSTEM",
		Timestamp: time.Now().UnixMilli(),
		Content:   string(raw),
	}
}

// peerFor maps a participant public key to its mesh link id.
func peerFor(publicKey string) string {
	if len(publicKey) < identity.NodeIDLength {
		return publicKey
	}
	return publicKey[:identity.NodeIDLength]
}

// handleRoomInvite is the worker path: remember which peer hosts the room
// so later messages can be routed there.
func (n *Node) handleRoomInvite(peerID string, frame *protocol.Frame) {
	var inv protocol.RoomInvitePayload
	if err := json.Unmarshal(frame.Payload, &inv); err != nil {
		log.Printf("[ROOM] malformed invite from %s: %v", peerID, err)
		return
	}
	n.mu.Lock()
	n.invites[inv.RoomID] = peerID
	n.mu.Unlock()
	log.Printf("[ROOM] invited to %s by %s: %s", short(inv.RoomID), peerID, truncate(inv.Question, 60))
}

// SendRoomMessage sends one discussion message to the room's host.
func (n *Node) SendRoomMessage(roomID, kind, content, target string) error {
	n.mu.Lock()
	hostPeer, invited := n.invites[roomID]
	rm, hosted := n.rooms[roomID]
	n.mu.Unlock()

	msg := protocol.RoomMessage{
		ID:        newID(),
		Kind:      kind,
		Author:    n.id.PublicKeyHex(),
		Timestamp: time.Now().UnixMilli(),
		Content:   content,
		Target:    target,
	}

	// A hosted room takes the message locally through the same gate as
	// remote participants.
	if hosted {
		return n.acceptRoomMessage(rm, msg)
	}
	if !invited {
		return room.ErrRoomClosed
	}

	data, err := protocol.Seal(n.id, protocol.RoomMessagePayload{
		Type:      protocol.TypeRoomMessage,
		RoomID:    roomID,
		SenderPub: n.id.PublicKeyHex(),
		Message:   msg,
	})
	if err != nil {
		return err
	}
	return n.mesh.Send(hostPeer, data)
}

// handleRoomMessage is the host path: admit the message through the trust
// gate, act on any behavior flags, then evaluate consensus.
func (n *Node) handleRoomMessage(peerID string, frame *protocol.Frame) {
	var pm protocol.RoomMessagePayload
	if err := json.Unmarshal(frame.Payload, &pm); err != nil {
		log.Printf("[ROOM] malformed room message from %s: %v", peerID, err)
		return
	}

	n.mu.Lock()
	rm, hosted := n.rooms[pm.RoomID]
	n.mu.Unlock()
	if !hosted {
		// Worker side: a fan-out copy of another participant's message.
		log.Printf("[ROOM] %s %s: %s", short(pm.RoomID), pm.Message.Kind, truncate(pm.Message.Content, 60))
		return
	}

	msg := pm.Message
	msg.Author = frame.SenderPub // the signature decides authorship
	if err := n.acceptRoomMessage(rm, msg); err != nil {
		log.Printf("[ROOM] %s rejected message from %s: %v", short(pm.RoomID), peerID, err)
	}
}

// acceptRoomMessage runs the host-side admission pipeline for one message.
func (n *Node) acceptRoomMessage(rm *room.Room, msg protocol.RoomMessage) error {
	check := n.trust.ValidateMessage(msg, rm.Snapshot())
	if !check.Valid {
		return &RejectedMessageError{Reason: check.Reason, TrustScore: check.TrustScore}
	}
	if err := rm.AddMessage(msg); err != nil {
		return err
	}

	now := time.Now().UnixMilli()
	snap := rm.Snapshot()
	for _, flag := range n.trust.MonitorDiscussion(snap, now) {
		n.applyFlag(rm, flag, now)
	}

	res := n.cons.CheckConsensus(rm.Snapshot(), now)
	if res.Reached || res.Method == consensus.MethodDivergent || res.Method == consensus.MethodTimeout {
		n.finalizeRoom(rm, res)
	}
	return nil
}

// RejectedMessageError reports a message refused by the trust gate.
type RejectedMessageError struct {
	Reason     string
	TrustScore float64
}

func (e *RejectedMessageError) Error() string {
	return "message rejected: " + e.Reason
}

// applyFlag converts one monitoring flag into a moderation penalty. A
// collusion flag penalizes both members of the pair. Monitoring re-derives
// flags from the full transcript on every message, so each author is
// penalized at most once per flag type per room.
func (n *Node) applyFlag(rm *room.Room, flag trust.Flag, now int64) {
	authors := []string{flag.Author}
	if flag.Type == trust.FlagCollusion {
		authors = flag.Pair
	}
	for _, author := range authors {
		key := flag.Type + "|" + author
		n.mu.Lock()
		if n.flagged[rm.ID()] == nil {
			n.flagged[rm.ID()] = make(map[string]bool)
		}
		if n.flagged[rm.ID()][key] {
			n.mu.Unlock()
			continue
		}
		n.flagged[rm.ID()][key] = true
		n.mu.Unlock()

		penalty, err := n.mod.HandleFlag(author, flag.Type, rm.ID(), rm, now)
		if err != nil {
			log.Printf("[MOD] flag %s on %s: %v", flag.Type, peerFor(author), err)
			continue
		}
		log.Printf("[MOD] flag %s on %s: %s (%+d)", flag.Type, peerFor(author), penalty.Action, penalty.Delta)
	}
}

// finalizeRoom settles a room: close it, apply reputation changes, archive
// the transcript, and report winners to the board.
func (n *Node) finalizeRoom(rm *room.Room, res consensus.Result) {
	n.mu.Lock()
	requestID, ok := n.requestByRoom[rm.ID()]
	if !ok {
		// Another caller finalized concurrently.
		n.mu.Unlock()
		return
	}
	delete(n.rooms, rm.ID())
	delete(n.requestByRoom, rm.ID())
	delete(n.roomByRequest, requestID)
	delete(n.flagged, rm.ID())
	n.mu.Unlock()

	snap := n.cons.Finalize(rm, res)
	changes := n.cons.ReputationChanges(snap, res)
	for _, c := range changes {
		n.ledger.Update(c.PublicKey, c.Delta, c.Reason)
	}

	if _, err := n.archives.Archive(snap, changes, time.Now().UnixMilli()); err != nil {
		log.Printf("[ARCHIVE] room %s: %v", short(rm.ID()), err)
	}

	if res.Reached && n.reporter.Enabled() {
		winners := append([]string{peerFor(res.Proposer)}, shortAll(res.Supporters)...)
		n.wg.Add(1)
		go func() {
			defer n.wg.Done()
			if err := n.reporter.Report(n.ctx, requestID, winners); err != nil {
				log.Printf("[BOARD] report for %s failed: %v", short(requestID), err)
			}
		}()
	}
	n.notifyRoomClosed(snap, requestID)
}

// notifyRoomClosed tells remote participants the room is gone.
func (n *Node) notifyRoomClosed(snap *room.Snapshot, requestID string) {
	data, err := protocol.Seal(n.id, protocol.RoomClosedPayload{
		Type:      protocol.TypeRoomClosed,
		RoomID:    snap.ID,
		Reason:    closeReason(snap),
		Timestamp: time.Now().UnixMilli(),
	})
	if err != nil {
		log.Printf("[ROOM] seal closure for %s: %v", short(snap.ID), err)
		return
	}
	for _, p := range snap.Participants {
		if p == n.id.PublicKeyHex() {
			continue
		}
		if err := n.mesh.Send(peerFor(p), data); err != nil {
			log.Printf("[ROOM] closure to %s: %v", peerFor(p), err)
		}
	}
	log.Printf("[ROOM] %s closed (request %s)", short(snap.ID), short(requestID))
}

func closeReason(snap *room.Snapshot) string {
	if snap.Outcome != nil && snap.Outcome.Reached {
		return "CONSENSUS_FINALIZED"
	}
	if snap.Outcome != nil {
		return snap.Outcome.Method
	}
	return room.StatusClosed
}

// handleRoomClosed is the worker path: forget the invite.
func (n *Node) handleRoomClosed(peerID string, frame *protocol.Frame) {
	var closed protocol.RoomClosedPayload
	if err := json.Unmarshal(frame.Payload, &closed); err != nil {
		log.Printf("[ROOM] malformed closure from %s: %v", peerID, err)
		return
	}
	n.mu.Lock()
	delete(n.invites, closed.RoomID)
	n.mu.Unlock()
	log.Printf("[ROOM] %s closed by host: %s", short(closed.RoomID), closed.Reason)
}

func shortAll(keys []string) []string {
	out := make([]string, len(keys))
	for i, k := range keys {
		out[i] = peerFor(k)
	}
	return out
}
