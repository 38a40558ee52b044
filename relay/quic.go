package relay

import (
	"context"
	"crypto/tls"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"sync"
	"time"

	"github.com/quic-go/quic-go"
)

const (
	// ALPNProtocol is negotiated by relay clients and hubs.
	ALPNProtocol = "spacebridge-relay-v1"
	// MagicBytes open every relay stream.
	MagicBytes = "SBR1"
	// MaxFrameSize bounds one encoded frame.
	MaxFrameSize = 1 << 20
)

// Frame operations.
const (
	opSubscribe   = "sub"
	opUnsubscribe = "unsub"
	opPublish     = "pub"
	opDeliver     = "msg"
)

// frame is the unit on a relay stream: a 4-byte big-endian length followed
// by its JSON encoding.
type frame struct {
	Op     string   `json:"op"`
	Bridge string   `json:"bridge,omitempty"`
	Msg    *Message `json:"msg,omitempty"`
}

func writeFrame(w io.Writer, f frame) error {
	body, err := json.Marshal(f)
	if err != nil {
		return err
	}
	if len(body) > MaxFrameSize {
		return fmt.Errorf("frame too large: %d bytes", len(body))
	}
	buf := make([]byte, 4+len(body))
	binary.BigEndian.PutUint32(buf, uint32(len(body)))
	copy(buf[4:], body)
	_, err = w.Write(buf)
	return err
}

func readFrame(r io.Reader) (frame, error) {
	var f frame
	var lenBuf [4]byte
	if _, err := io.ReadFull(r, lenBuf[:]); err != nil {
		return f, err
	}
	n := binary.BigEndian.Uint32(lenBuf[:])
	if n > MaxFrameSize {
		return f, fmt.Errorf("frame too large: %d bytes", n)
	}
	body := make([]byte, n)
	if _, err := io.ReadFull(r, body); err != nil {
		return f, err
	}
	if err := json.Unmarshal(body, &f); err != nil {
		return f, fmt.Errorf("decode frame: %w", err)
	}
	return f, nil
}

func quicConfig() *quic.Config {
	return &quic.Config{
		MaxIdleTimeout:  5 * time.Minute,
		KeepAlivePeriod: 30 * time.Second,
	}
}

// QUICTransport is a relay client speaking to a Hub over one QUIC stream.
// A dropped connection is reported through OnDisconnect; the relay redials.
type QUICTransport struct {
	addr   string
	tlsCfg *tls.Config
	logger *slog.Logger

	mu           sync.Mutex
	conn         *quic.Conn
	stream       *quic.Stream
	closed       bool
	onMessage    func(Message)
	onDisconnect func(error)
	onReconnect  func()

	wmu sync.Mutex
}

// NewQUICTransport creates a client for the hub at addr. A nil tlsCfg uses
// ClientTLSConfig(false).
func NewQUICTransport(addr string, tlsCfg *tls.Config, logger *slog.Logger) *QUICTransport {
	if tlsCfg == nil {
		tlsCfg = ClientTLSConfig(false)
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &QUICTransport{addr: addr, tlsCfg: tlsCfg, logger: logger}
}

func (t *QUICTransport) Connect(ctx context.Context) error {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return ErrNotConnected
	}
	old := t.conn
	t.conn, t.stream = nil, nil
	t.mu.Unlock()
	if old != nil {
		old.CloseWithError(0, "redial")
	}

	conn, err := quic.DialAddr(ctx, t.addr, t.tlsCfg, quicConfig())
	if err != nil {
		return fmt.Errorf("relay: dial %s: %w", t.addr, err)
	}
	if proto := conn.ConnectionState().TLS.NegotiatedProtocol; proto != ALPNProtocol {
		conn.CloseWithError(1, "wrong protocol")
		return fmt.Errorf("relay: unexpected ALPN %q", proto)
	}
	stream, err := conn.OpenStreamSync(ctx)
	if err != nil {
		conn.CloseWithError(1, "open stream failed")
		return fmt.Errorf("relay: open stream: %w", err)
	}
	if _, err := stream.Write([]byte(MagicBytes)); err != nil {
		conn.CloseWithError(1, "write failed")
		return fmt.Errorf("relay: magic: %w", err)
	}

	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		conn.CloseWithError(0, "closed")
		return ErrNotConnected
	}
	t.conn, t.stream = conn, stream
	t.mu.Unlock()

	go t.readLoop(conn, stream)
	return nil
}

func (t *QUICTransport) readLoop(conn *quic.Conn, stream *quic.Stream) {
	for {
		f, err := readFrame(stream)
		if err != nil {
			t.mu.Lock()
			current := t.conn == conn
			if current {
				t.conn, t.stream = nil, nil
			}
			closed, fn := t.closed, t.onDisconnect
			t.mu.Unlock()
			conn.CloseWithError(0, "read ended")
			if current && !closed && fn != nil {
				fn(err)
			}
			return
		}
		if f.Op != opDeliver || f.Msg == nil {
			t.logger.Debug("relay: unexpected frame", "op", f.Op)
			continue
		}
		t.mu.Lock()
		fn := t.onMessage
		t.mu.Unlock()
		if fn != nil {
			fn(*f.Msg)
		}
	}
}

func (t *QUICTransport) write(ctx context.Context, f frame) error {
	t.mu.Lock()
	stream := t.stream
	t.mu.Unlock()
	if stream == nil {
		return ErrNotConnected
	}
	t.wmu.Lock()
	defer t.wmu.Unlock()
	if dl, ok := ctx.Deadline(); ok {
		stream.SetWriteDeadline(dl)
		defer stream.SetWriteDeadline(time.Time{})
	}
	return writeFrame(stream, f)
}

func (t *QUICTransport) Join(ctx context.Context, bridgeID string) error {
	return t.write(ctx, frame{Op: opSubscribe, Bridge: bridgeID})
}

func (t *QUICTransport) Leave(ctx context.Context, bridgeID string) error {
	return t.write(ctx, frame{Op: opUnsubscribe, Bridge: bridgeID})
}

func (t *QUICTransport) Send(ctx context.Context, msg Message) error {
	return t.write(ctx, frame{Op: opPublish, Bridge: msg.BridgeID, Msg: &msg})
}

func (t *QUICTransport) OnMessage(fn func(Message)) {
	t.mu.Lock()
	t.onMessage = fn
	t.mu.Unlock()
}

func (t *QUICTransport) OnDisconnect(fn func(error)) {
	t.mu.Lock()
	t.onDisconnect = fn
	t.mu.Unlock()
}

// OnReconnect is kept for the interface; a QUIC connection never comes back
// by itself.
func (t *QUICTransport) OnReconnect(fn func()) {
	t.mu.Lock()
	t.onReconnect = fn
	t.mu.Unlock()
}

func (t *QUICTransport) Close() error {
	t.mu.Lock()
	t.closed = true
	conn := t.conn
	t.conn, t.stream = nil, nil
	t.mu.Unlock()
	if conn != nil {
		return conn.CloseWithError(0, "client closing")
	}
	return nil
}

// Hub routes relay frames between QUIC clients. Each client holds one
// stream; a published message reaches every other subscriber of its bridge.
type Hub struct {
	listener *quic.Listener
	logger   *slog.Logger

	mu   sync.Mutex
	subs map[string]map[*hubPeer]bool
	done bool
}

type hubPeer struct {
	conn   *quic.Conn
	stream *quic.Stream
	wmu    sync.Mutex
}

func (p *hubPeer) send(f frame) error {
	p.wmu.Lock()
	defer p.wmu.Unlock()
	return writeFrame(p.stream, f)
}

// ListenHub opens a QUIC listener for relay clients. tlsCfg must advertise
// ALPNProtocol; HubTLSConfig builds one.
func ListenHub(addr string, tlsCfg *tls.Config, logger *slog.Logger) (*Hub, error) {
	if logger == nil {
		logger = slog.Default()
	}
	ln, err := quic.ListenAddr(addr, tlsCfg, quicConfig())
	if err != nil {
		return nil, fmt.Errorf("relay: listen %s: %w", addr, err)
	}
	return &Hub{listener: ln, logger: logger, subs: make(map[string]map[*hubPeer]bool)}, nil
}

// Addr returns the listening address.
func (h *Hub) Addr() net.Addr { return h.listener.Addr() }

// Serve accepts clients until ctx is cancelled or the hub is closed.
func (h *Hub) Serve(ctx context.Context) error {
	go func() {
		<-ctx.Done()
		h.Close()
	}()
	h.logger.Info("relay: hub listening", "addr", h.Addr().String())
	for {
		conn, err := h.listener.Accept(ctx)
		if err != nil {
			if ctx.Err() != nil || h.isDone() {
				return nil
			}
			return fmt.Errorf("relay: accept: %w", err)
		}
		if proto := conn.ConnectionState().TLS.NegotiatedProtocol; proto != ALPNProtocol {
			h.logger.Warn("relay: rejected connection", "alpn", proto, "remote", conn.RemoteAddr())
			conn.CloseWithError(1, "unsupported protocol")
			continue
		}
		go h.servePeer(ctx, conn)
	}
}

func (h *Hub) servePeer(ctx context.Context, conn *quic.Conn) {
	stream, err := conn.AcceptStream(ctx)
	if err != nil {
		conn.CloseWithError(1, "no stream")
		return
	}
	magic := make([]byte, len(MagicBytes))
	if _, err := io.ReadFull(stream, magic); err != nil || string(magic) != MagicBytes {
		h.logger.Warn("relay: bad stream preamble", "remote", conn.RemoteAddr())
		conn.CloseWithError(1, "bad magic")
		return
	}

	p := &hubPeer{conn: conn, stream: stream}
	defer h.drop(p)
	for {
		f, err := readFrame(stream)
		if err != nil {
			if !errors.Is(err, io.EOF) && ctx.Err() == nil {
				h.logger.Debug("relay: peer gone", "remote", conn.RemoteAddr(), "error", err)
			}
			conn.CloseWithError(0, "done")
			return
		}
		switch f.Op {
		case opSubscribe:
			h.subscribe(p, f.Bridge)
		case opUnsubscribe:
			h.unsubscribe(p, f.Bridge)
		case opPublish:
			if f.Msg != nil {
				h.broadcast(p, *f.Msg)
			}
		default:
			h.logger.Debug("relay: unknown op", "op", f.Op)
		}
	}
}

func (h *Hub) subscribe(p *hubPeer, bridgeID string) {
	if bridgeID == "" {
		return
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.subs[bridgeID] == nil {
		h.subs[bridgeID] = make(map[*hubPeer]bool)
	}
	h.subs[bridgeID][p] = true
}

func (h *Hub) unsubscribe(p *hubPeer, bridgeID string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	delete(h.subs[bridgeID], p)
	if len(h.subs[bridgeID]) == 0 {
		delete(h.subs, bridgeID)
	}
}

func (h *Hub) drop(p *hubPeer) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for id, set := range h.subs {
		delete(set, p)
		if len(set) == 0 {
			delete(h.subs, id)
		}
	}
}

func (h *Hub) broadcast(from *hubPeer, msg Message) {
	h.mu.Lock()
	var targets []*hubPeer
	for p := range h.subs[msg.BridgeID] {
		if p != from {
			targets = append(targets, p)
		}
	}
	h.mu.Unlock()

	for _, p := range targets {
		if err := p.send(frame{Op: opDeliver, Bridge: msg.BridgeID, Msg: &msg}); err != nil {
			h.logger.Debug("relay: deliver failed", "bridge_id", msg.BridgeID, "error", err)
			p.conn.CloseWithError(1, "write failed")
		}
	}
}

// Subscribers returns how many peers listen on a bridge.
func (h *Hub) Subscribers(bridgeID string) int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.subs[bridgeID])
}

func (h *Hub) isDone() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.done
}

// Close stops accepting clients.
func (h *Hub) Close() error {
	h.mu.Lock()
	if h.done {
		h.mu.Unlock()
		return nil
	}
	h.done = true
	h.mu.Unlock()
	return h.listener.Close()
}
