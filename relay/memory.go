package relay

import (
	"context"
	"sync"
)

// MemoryHub is an in-process broker. Subscriptions live on the hub and
// survive an outage, like a hub that restarts with its routing table.
type MemoryHub struct {
	mu      sync.Mutex
	down    bool
	clients map[*MemoryTransport]bool
	subs    map[string]map[*MemoryTransport]bool
	sent    int
}

// NewMemoryHub creates an empty hub.
func NewMemoryHub() *MemoryHub {
	return &MemoryHub{
		clients: make(map[*MemoryTransport]bool),
		subs:    make(map[string]map[*MemoryTransport]bool),
	}
}

// Transport returns a new, unconnected client of the hub.
func (h *MemoryHub) Transport() *MemoryTransport {
	return &MemoryTransport{hub: h}
}

// SetDown simulates an outage. Going down disconnects every client; coming
// back reconnects the clients that were connected and fires their
// OnReconnect handlers once all of them are back.
func (h *MemoryHub) SetDown(down bool) {
	h.mu.Lock()
	if h.down == down {
		h.mu.Unlock()
		return
	}
	h.down = down
	var affected []*MemoryTransport
	for c := range h.clients {
		affected = append(affected, c)
	}
	for _, c := range affected {
		c.setConnected(!down)
	}
	h.mu.Unlock()

	for _, c := range affected {
		if down {
			c.fireDisconnect(ErrNotConnected)
		} else {
			c.fireReconnect()
		}
	}
}

// Subscribers returns how many clients listen on a bridge.
func (h *MemoryHub) Subscribers(bridgeID string) int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.subs[bridgeID])
}

// Sent returns how many messages the hub routed.
func (h *MemoryHub) Sent() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.sent
}

func (h *MemoryHub) route(from *MemoryTransport, msg Message) error {
	h.mu.Lock()
	if h.down || !from.isConnected() {
		h.mu.Unlock()
		return ErrNotConnected
	}
	var targets []*MemoryTransport
	for c := range h.subs[msg.BridgeID] {
		if c != from && c.isConnected() {
			targets = append(targets, c)
		}
	}
	h.sent++
	h.mu.Unlock()

	for _, c := range targets {
		c.fireMessage(msg)
	}
	return nil
}

// MemoryTransport is a MemoryHub client.
type MemoryTransport struct {
	hub *MemoryHub

	mu           sync.Mutex
	connected    bool
	closed       bool
	onMessage    func(Message)
	onDisconnect func(error)
	onReconnect  func()
}

func (t *MemoryTransport) Connect(context.Context) error {
	t.hub.mu.Lock()
	defer t.hub.mu.Unlock()
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return ErrNotConnected
	}
	t.hub.clients[t] = true
	if t.hub.down {
		return ErrNotConnected
	}
	t.connected = true
	return nil
}

func (t *MemoryTransport) Join(_ context.Context, bridgeID string) error {
	if !t.isConnected() {
		return ErrNotConnected
	}
	t.hub.mu.Lock()
	defer t.hub.mu.Unlock()
	if t.hub.subs[bridgeID] == nil {
		t.hub.subs[bridgeID] = make(map[*MemoryTransport]bool)
	}
	t.hub.subs[bridgeID][t] = true
	return nil
}

func (t *MemoryTransport) Leave(_ context.Context, bridgeID string) error {
	t.hub.mu.Lock()
	defer t.hub.mu.Unlock()
	delete(t.hub.subs[bridgeID], t)
	return nil
}

func (t *MemoryTransport) Send(ctx context.Context, msg Message) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return t.hub.route(t, msg)
}

func (t *MemoryTransport) OnMessage(fn func(Message)) {
	t.mu.Lock()
	t.onMessage = fn
	t.mu.Unlock()
}

func (t *MemoryTransport) OnDisconnect(fn func(error)) {
	t.mu.Lock()
	t.onDisconnect = fn
	t.mu.Unlock()
}

func (t *MemoryTransport) OnReconnect(fn func()) {
	t.mu.Lock()
	t.onReconnect = fn
	t.mu.Unlock()
}

// Close detaches the client from the hub.
func (t *MemoryTransport) Close() error {
	t.hub.mu.Lock()
	defer t.hub.mu.Unlock()
	delete(t.hub.clients, t)
	for _, set := range t.hub.subs {
		delete(set, t)
	}
	t.mu.Lock()
	t.closed, t.connected = true, false
	t.mu.Unlock()
	return nil
}

func (t *MemoryTransport) isConnected() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.connected
}

func (t *MemoryTransport) setConnected(v bool) {
	t.mu.Lock()
	if !t.closed {
		t.connected = v
	}
	t.mu.Unlock()
}

func (t *MemoryTransport) fireMessage(msg Message) {
	t.mu.Lock()
	fn := t.onMessage
	t.mu.Unlock()
	if fn != nil {
		fn(msg)
	}
}

func (t *MemoryTransport) fireDisconnect(err error) {
	t.mu.Lock()
	fn := t.onDisconnect
	t.mu.Unlock()
	if fn != nil {
		fn(err)
	}
}

func (t *MemoryTransport) fireReconnect() {
	t.mu.Lock()
	fn := t.onReconnect
	t.mu.Unlock()
	if fn != nil {
		fn()
	}
}
