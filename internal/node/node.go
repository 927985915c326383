// Package node is the orchestrator: it owns the transport, the shared
// tables (reputation, bans, rooms), and every subsystem, and routes each
// verified inbound frame to the right handler. All state is process-local;
// a restart starts clean except for the node's identity key.
package node

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/asip-collective/asip/internal/archive"
	"github.com/asip-collective/asip/internal/ban"
	"github.com/asip-collective/asip/internal/board"
	"github.com/asip-collective/asip/internal/consensus"
	"github.com/asip-collective/asip/internal/identity"
	"github.com/asip-collective/asip/internal/infer"
	"github.com/asip-collective/asip/internal/mesh"
	"github.com/asip-collective/asip/internal/moderation"
	"github.com/asip-collective/asip/internal/names"
	"github.com/asip-collective/asip/internal/protocol"
	"github.com/asip-collective/asip/internal/reputation"
	"github.com/asip-collective/asip/internal/room"
	"github.com/asip-collective/asip/internal/security"
	"github.com/asip-collective/asip/internal/trust"
)

// Node is one mesh participant. It acts as requester and worker at once.
type Node struct {
	cfg      Config
	id       *identity.Identity
	mesh     *mesh.Transport
	ledger   *reputation.Ledger
	bans     *ban.System
	appeals  *ban.AppealSystem
	mod      *moderation.System
	trust    *trust.Engine
	cons     *consensus.Engine
	archives *archive.System
	limiter  *security.RateLimiter
	infer    *infer.Client
	resolver *names.Resolver
	reporter *board.Reporter

	mu            sync.Mutex
	pending       map[string]*pendingRequest
	rooms         map[string]*room.Room // room id -> hosted room
	roomByRequest map[string]*room.Room // request id -> hosted room
	requestByRoom map[string]string
	invites       map[string]string          // room id -> hosting peer (worker side)
	flagged       map[string]map[string]bool // room id -> handled flag keys

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New wires a Node from config. The identity key is loaded from (or created
// in) cfg.DataDir.
func New(cfg Config) (*Node, error) {
	id, err := identity.LoadOrGenerate(cfg.DataDir)
	if err != nil {
		return nil, fmt.Errorf("load identity: %w", err)
	}

	ledger := reputation.NewLedger()
	bans := ban.NewSystem()
	ctx, cancel := context.WithCancel(context.Background())

	n := &Node{
		cfg:      cfg,
		id:       id,
		mesh:     mesh.NewTransport(id.NodeID()),
		ledger:   ledger,
		bans:     bans,
		appeals:  ban.NewAppealSystem(bans),
		mod:      moderation.New(ledger, bans),
		trust:    trust.NewEngine(),
		cons:     consensus.NewEngine(),
		archives: archive.NewSystem(),
		limiter:  security.NewRateLimiter(),
		infer:    infer.NewClient(cfg.OllamaURL, cfg.Model),
		resolver: names.NewResolver(cfg.NamesURL, cfg.Token),
		reporter: board.NewReporter(cfg.BoardURL),

		pending:       make(map[string]*pendingRequest),
		rooms:         make(map[string]*room.Room),
		roomByRequest: make(map[string]*room.Room),
		requestByRoom: make(map[string]string),
		invites:       make(map[string]string),
		flagged:       make(map[string]map[string]bool),

		ctx:    ctx,
		cancel: cancel,
	}
	n.mesh.OnFrame(n.handleFrame)
	n.mesh.OnDisconnect(func(peerID string) {
		log.Printf("[NODE] peer %s disconnected", peerID)
	})
	return n, nil
}

// Start listens, dials the configured peers, resolves the display name, and
// launches the background workers.
func (n *Node) Start() error {
	if err := n.mesh.Listen(n.cfg.ListenAddr); err != nil {
		return fmt.Errorf("listen: %w", err)
	}

	for _, addr := range n.cfg.Peers {
		peerID, err := n.mesh.Connect(addr)
		if err != nil {
			log.Printf("[NODE] dial %s: %v", addr, err)
			continue
		}
		log.Printf("[NODE] connected to %s at %s", peerID, addr)
	}

	n.resolver.Resolve(n.ctx)

	n.wg.Add(3)
	go n.runRoomSweeper()
	go n.runBanCleanup()
	go n.runReputationExporter()

	log.Printf("[NODE] %s online at %s (topic %s)", n.resolver.NodeID(n.id.NodeID()), n.mesh.Addr(), n.cfg.Topic)
	return nil
}

// Stop shuts down workers and the transport. Safe to call once.
func (n *Node) Stop() {
	n.cancel()
	n.wg.Wait()
	if err := n.mesh.Close(); err != nil {
		log.Printf("[NODE] transport close: %v", err)
	}
	log.Printf("[NODE] stopped")
}

// Addr returns the transport's bound address.
func (n *Node) Addr() string {
	return n.mesh.Addr()
}

// NodeID returns the short node id.
func (n *Node) NodeID() string {
	return n.id.NodeID()
}

// PublicKey returns the node's public key hex.
func (n *Node) PublicKey() string {
	return n.id.PublicKeyHex()
}

// PeerCount returns the number of live links.
func (n *Node) PeerCount() int {
	return n.mesh.PeerCount()
}

// Ledger exposes the reputation ledger for status displays.
func (n *Node) Ledger() *reputation.Ledger {
	return n.ledger
}

// Archives exposes the archive store for search commands.
func (n *Node) Archives() *archive.System {
	return n.archives
}

// handleFrame unwraps and routes one inbound frame. Protocol errors are
// logged and dropped; they never terminate the node.
func (n *Node) handleFrame(peerID string, data []byte) {
	frame, err := protocol.Open(data)
	if err != nil {
		log.Printf("[SEC] dropping frame from %s: %v", peerID, err)
		return
	}
	if frame.SenderPub == n.id.PublicKeyHex() {
		return
	}
	// Banned peers are silenced except for the appeal path itself.
	if frame.Type != protocol.TypeAppeal && n.bans.IsBanned(frame.SenderPub, time.Now().UnixMilli()) {
		log.Printf("[SEC] ignoring frame from banned peer %s", peerID)
		return
	}

	switch frame.Type {
	case protocol.TypeRequest:
		n.handleRequest(peerID, frame)
	case protocol.TypeResponse:
		n.handleResponse(peerID, frame)
	case protocol.TypeChat:
		n.handleChat(peerID, frame)
	case protocol.TypeRoomInvite:
		n.handleRoomInvite(peerID, frame)
	case protocol.TypeRoomMessage:
		n.handleRoomMessage(peerID, frame)
	case protocol.TypeRoomClosed:
		n.handleRoomClosed(peerID, frame)
	case protocol.TypeReport:
		n.handleReport(peerID, frame)
	case protocol.TypeAppeal:
		n.handleAppeal(peerID, frame)
	default:
		log.Printf("[NODE] unknown frame type %q from %s, dropped", frame.Type, peerID)
	}
}

// handleChat logs inbound chat.
func (n *Node) handleChat(peerID string, frame *protocol.Frame) {
	var chat protocol.ChatPayload
	if err := json.Unmarshal(frame.Payload, &chat); err != nil {
		log.Printf("[CHAT] malformed chat from %s: %v", peerID, err)
		return
	}
	log.Printf("[CHAT] %s: %s", chat.SenderID, truncate(chat.Content, 80))
}

// SendChat signs and sends a chat message, direct when target is set and
// broadcast otherwise.
func (n *Node) SendChat(content, targetPeer string) error {
	data, err := protocol.Seal(n.id, protocol.ChatPayload{
		Type:      protocol.TypeChat,
		MessageID: newID(),
		SenderID:  n.id.NodeID(),
		SenderPub: n.id.PublicKeyHex(),
		Content:   content,
		Timestamp: time.Now().UnixMilli(),
	})
	if err != nil {
		return err
	}
	if targetPeer != "" {
		return n.mesh.Send(targetPeer, data)
	}
	for _, fail := range n.mesh.Broadcast(data) {
		log.Printf("[CHAT] send to %s failed: %v", fail.PeerID, fail.Err)
	}
	return nil
}

// handleReport files a peer's misbehavior report for moderation.
func (n *Node) handleReport(peerID string, frame *protocol.Frame) {
	var rep protocol.ReportPayload
	if err := json.Unmarshal(frame.Payload, &rep); err != nil {
		log.Printf("[MOD] malformed report from %s: %v", peerID, err)
		return
	}
	_, err := n.mod.CreateReport(rep.Target.RoomID, rep.ReporterPub, rep.Target.Author,
		rep.Reason, rep.Target.Content, time.Now().UnixMilli())
	if err != nil {
		log.Printf("[MOD] report from %s rejected: %v", peerID, err)
	}
}

// handleAppeal routes a banned peer's appeal into the appeal workflow.
func (n *Node) handleAppeal(peerID string, frame *protocol.Frame) {
	var ap protocol.AppealPayload
	if err := json.Unmarshal(frame.Payload, &ap); err != nil {
		log.Printf("[APPEAL] malformed appeal from %s: %v", peerID, err)
		return
	}
	if _, err := n.appeals.SubmitAppeal(ap.AppellantPub, ap.BanID, ap.Defense, time.Now().UnixMilli()); err != nil {
		log.Printf("[APPEAL] appeal from %s rejected: %v", peerID, err)
	}
}

// short abbreviates an id for logs.
func short(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
