// Package mesh provides the peer transport for the ASIP node: bidirectional
// WebSocket links to remote peers with frame delivery callbacks. Peer
// discovery itself is external; this layer only maintains established links
// and moves opaque frames across them.
package mesh

import (
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

const maxFrameSize = 1 << 20 // 1 MB

// peerConn wraps a websocket connection with a write mutex. gorilla/websocket
// connections do not support concurrent writers, so every write must be
// serialized per connection.
type peerConn struct {
	conn *websocket.Conn
	wmu  sync.Mutex // guards writes
}

func (pc *peerConn) write(messageType int, data []byte) error {
	pc.wmu.Lock()
	defer pc.wmu.Unlock()
	return pc.conn.WriteMessage(messageType, data)
}

// hello is the identification message exchanged when a link is established,
// before any protocol frames flow.
type hello struct {
	Hello  string `json:"hello"`
	PeerID string `json:"peerId"`
}

// SendError records one failed delivery during a broadcast.
type SendError struct {
	PeerID string
	Err    error
}

func (e SendError) Error() string {
	return fmt.Sprintf("send to %s: %v", e.PeerID, e.Err)
}

// Transport manages WebSocket links to mesh peers. Frames received on any
// link are dispatched to the registered frame handler; link establishment
// and loss are reported through the connect/disconnect callbacks.
type Transport struct {
	mu     sync.RWMutex
	selfID string
	conns  map[string]*peerConn

	onFrame      func(peerID string, data []byte)
	onConnect    func(peerID string)
	onDisconnect func(peerID string)

	listener net.Listener
	server   *http.Server
}

// upgrader allows any origin (suitable for a P2P mesh where there is no
// browser same-origin policy to enforce).
var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

// NewTransport creates a Transport identified by the local node id.
func NewTransport(selfID string) *Transport {
	return &Transport{
		selfID: selfID,
		conns:  make(map[string]*peerConn),
	}
}

// OnFrame registers the handler invoked for every frame received from a
// peer. Must be set before Listen/Connect.
func (t *Transport) OnFrame(fn func(peerID string, data []byte)) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.onFrame = fn
}

// OnConnect registers a callback fired when a new peer link is established.
func (t *Transport) OnConnect(fn func(peerID string)) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.onConnect = fn
}

// OnDisconnect registers a callback fired when a peer link closes.
func (t *Transport) OnDisconnect(fn func(peerID string)) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.onDisconnect = fn
}

// Listen starts a WebSocket server on addr ("host:port", port 0 for a random
// port). Inbound connections on /ws are upgraded and registered once the
// remote peer identifies itself.
func (t *Transport) Listen(addr string) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("listen: %w", err)
	}
	t.listener = ln

	mux := http.NewServeMux()
	mux.HandleFunc("/ws", t.handleWS)

	t.server = &http.Server{Handler: mux}
	go t.server.Serve(ln) //nolint:errcheck
	return nil
}

// Addr returns the bound listen address, or "" when not listening.
func (t *Transport) Addr() string {
	if t.listener == nil {
		return ""
	}
	return t.listener.Addr().String()
}

// handleWS upgrades an inbound HTTP connection, answers with our own hello,
// and waits for the peer's hello before registering the link.
func (t *Transport) handleWS(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	conn.SetReadLimit(maxFrameSize)

	pc := &peerConn{conn: conn}
	if err := t.sendHello(pc); err != nil {
		conn.Close()
		return
	}
	go t.readLoop(pc)
}

// Connect establishes an outbound link to a peer's /ws endpoint and returns
// the remote peer id once the hello exchange completes.
func (t *Transport) Connect(address string) (string, error) {
	url := fmt.Sprintf("ws://%s/ws", address)
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		return "", fmt.Errorf("dial %s: %w", address, err)
	}
	conn.SetReadLimit(maxFrameSize)

	pc := &peerConn{conn: conn}
	if err := t.sendHello(pc); err != nil {
		conn.Close()
		return "", fmt.Errorf("send hello: %w", err)
	}

	// The remote side answers with its own hello first.
	conn.SetReadDeadline(time.Now().Add(10 * time.Second))
	_, data, err := conn.ReadMessage()
	if err != nil {
		conn.Close()
		return "", fmt.Errorf("read hello: %w", err)
	}
	conn.SetReadDeadline(time.Time{})

	var h hello
	if err := json.Unmarshal(data, &h); err != nil || h.PeerID == "" {
		conn.Close()
		return "", fmt.Errorf("invalid hello from %s", address)
	}

	t.register(h.PeerID, pc)
	go t.readLoopFor(pc, h.PeerID)
	return h.PeerID, nil
}

func (t *Transport) sendHello(pc *peerConn) error {
	data, err := json.Marshal(hello{Hello: "asip", PeerID: t.selfID})
	if err != nil {
		return err
	}
	return pc.write(websocket.TextMessage, data)
}

// register stores the link and fires the connect callback. An existing link
// for the same peer is replaced and closed.
func (t *Transport) register(peerID string, pc *peerConn) {
	t.mu.Lock()
	old := t.conns[peerID]
	t.conns[peerID] = pc
	onConnect := t.onConnect
	t.mu.Unlock()

	if old != nil {
		old.conn.Close()
	}
	if onConnect != nil {
		onConnect(peerID)
	}
}

// readLoop services an inbound connection: the first frame must be the
// peer's hello, after which normal frame dispatch begins.
func (t *Transport) readLoop(pc *peerConn) {
	pc.conn.SetReadDeadline(time.Now().Add(10 * time.Second))
	_, data, err := pc.conn.ReadMessage()
	if err != nil {
		pc.conn.Close()
		return
	}
	pc.conn.SetReadDeadline(time.Time{})

	var h hello
	if err := json.Unmarshal(data, &h); err != nil || h.PeerID == "" {
		pc.conn.Close()
		return
	}

	t.register(h.PeerID, pc)
	t.readLoopFor(pc, h.PeerID)
}

// readLoopFor dispatches frames from an established link until it closes.
func (t *Transport) readLoopFor(pc *peerConn, peerID string) {
	for {
		_, data, err := pc.conn.ReadMessage()
		if err != nil {
			t.drop(peerID, pc)
			return
		}
		t.mu.RLock()
		handler := t.onFrame
		t.mu.RUnlock()
		if handler != nil {
			handler(peerID, data)
		}
	}
}

// drop removes a closed link and fires the disconnect callback. Only the
// currently registered connection for the peer is removed, so a replaced
// link closing late does not evict its successor.
func (t *Transport) drop(peerID string, pc *peerConn) {
	t.mu.Lock()
	current, ok := t.conns[peerID]
	if ok && current == pc {
		delete(t.conns, peerID)
	} else {
		ok = false
	}
	onDisconnect := t.onDisconnect
	t.mu.Unlock()

	pc.conn.Close()
	if ok && onDisconnect != nil {
		onDisconnect(peerID)
	}
}

// Send delivers one frame to a specific peer.
func (t *Transport) Send(peerID string, data []byte) error {
	t.mu.RLock()
	pc, ok := t.conns[peerID]
	t.mu.RUnlock()
	if !ok {
		return fmt.Errorf("peer %s not connected", peerID)
	}
	if err := pc.write(websocket.TextMessage, data); err != nil {
		return fmt.Errorf("write to %s: %w", peerID, err)
	}
	return nil
}

// Broadcast delivers one frame to every connected peer. Failures are
// collected per peer and returned; delivery to the remaining peers is not
// affected.
func (t *Transport) Broadcast(data []byte) []SendError {
	t.mu.RLock()
	peers := make(map[string]*peerConn, len(t.conns))
	for id, pc := range t.conns {
		peers[id] = pc
	}
	t.mu.RUnlock()

	var errs []SendError
	for id, pc := range peers {
		if err := pc.write(websocket.TextMessage, data); err != nil {
			errs = append(errs, SendError{PeerID: id, Err: err})
		}
	}
	return errs
}

// Peers returns the ids of all connected peers.
func (t *Transport) Peers() []string {
	t.mu.RLock()
	defer t.mu.RUnlock()
	ids := make([]string, 0, len(t.conns))
	for id := range t.conns {
		ids = append(ids, id)
	}
	return ids
}

// PeerCount returns the number of connected peers.
func (t *Transport) PeerCount() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.conns)
}

// Close shuts down the listener and all peer links.
func (t *Transport) Close() error {
	t.mu.Lock()
	conns := t.conns
	t.conns = make(map[string]*peerConn)
	t.mu.Unlock()

	for _, pc := range conns {
		pc.conn.Close()
	}
	if t.server != nil {
		return t.server.Close()
	}
	return nil
}
