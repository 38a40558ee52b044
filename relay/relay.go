// Package relay is the real-time pub/sub channel of the bridges. Consumers
// join a bridge by id and receive its join, chat, system and event messages.
//
// Outgoing messages are kept in a per-bridge outbox while the transport is
// down and flushed in order once it is back. Reconnection is attempted a
// bounded number of times with exponential backoff and jitter; when the
// attempts run out the relay keeps queueing without live delivery. Publish
// never fails because of the transport.
package relay

import (
	"context"
	"errors"
	"log/slog"
	"math/rand/v2"
	"sort"
	"sync"
	"time"

	"github.com/hazyhaar/spacebridge/events"
	"github.com/hazyhaar/spacebridge/faults"
)

// Message types.
const (
	TypeJoin   = "join"
	TypeLeave  = "leave"
	TypeChat   = "chat"
	TypeSystem = "system"
	TypeEvent  = "event"
)

// Message is one relay payload. Seq increases per bridge and per sender.
type Message struct {
	Type     string        `json:"type"`
	BridgeID string        `json:"bridge_id"`
	From     string        `json:"from,omitempty"`
	Text     string        `json:"text,omitempty"`
	Event    *events.Event `json:"event,omitempty"`
	Seq      uint64        `json:"seq"`
	At       int64         `json:"at"`
}

// ErrNotConnected is returned by transports asked to send while down.
var ErrNotConnected = errors.New("relay: transport not connected")

// Transport moves messages between relays. Handlers are registered before
// Connect. OnReconnect fires when a transport recovers on its own; the relay
// redials through Connect otherwise.
type Transport interface {
	Connect(ctx context.Context) error
	Join(ctx context.Context, bridgeID string) error
	Leave(ctx context.Context, bridgeID string) error
	Send(ctx context.Context, msg Message) error
	OnMessage(fn func(Message))
	OnDisconnect(fn func(error))
	OnReconnect(fn func())
	Close() error
}

// State of the relay connection.
type State string

const (
	StateDisconnected State = "disconnected"
	StateConnected    State = "connected"
	StateReconnecting State = "reconnecting"
	StateDegraded     State = "degraded"
	StateClosed       State = "closed"
)

// Config tunes reconnection and buffering.
type Config struct {
	Transport            string        `yaml:"transport"` // none, memory, quic
	Addr                 string        `yaml:"addr"`
	InsecureSkipVerify   bool          `yaml:"insecure_skip_verify"`
	MaxReconnectAttempts int           `yaml:"max_reconnect_attempts"`
	ReconnectBase        time.Duration `yaml:"reconnect_base"`
	ReconnectMax         time.Duration `yaml:"reconnect_max"`
	OutboxLimit          int           `yaml:"outbox_limit"`
	SendTimeout          time.Duration `yaml:"send_timeout"`
}

func (c *Config) defaults() {
	if c.Transport == "" {
		c.Transport = "none"
	}
	if c.MaxReconnectAttempts <= 0 {
		c.MaxReconnectAttempts = 5
	}
	if c.ReconnectBase <= 0 {
		c.ReconnectBase = 500 * time.Millisecond
	}
	if c.ReconnectMax <= 0 {
		c.ReconnectMax = 30 * time.Second
	}
	if c.OutboxLimit <= 0 {
		c.OutboxLimit = 1000
	}
	if c.SendTimeout <= 0 {
		c.SendTimeout = 5 * time.Second
	}
}

// Relay publishes bridge messages over a Transport.
type Relay struct {
	t      Transport
	cfg    Config
	logger *slog.Logger
	name   string
	now    func() time.Time
	sleep  func(ctx context.Context, d time.Duration) error

	// sendMu serialises every transport send so a bridge's messages leave in
	// sequence order, live or flushed.
	sendMu sync.Mutex

	mu       sync.Mutex
	ctx      context.Context
	cancel   context.CancelFunc
	state    State
	loop     context.CancelFunc
	joined   map[string]bool
	outbox   map[string][]Message
	seq      map[string]uint64
	dropped  int64
	subs     map[string]map[int]func(Message)
	nextSub  int
	attempts int
	started  bool
}

// Option customises a Relay.
type Option func(*Relay)

// WithLogger sets the logger. Default: slog.Default().
func WithLogger(l *slog.Logger) Option { return func(r *Relay) { r.logger = l } }

// WithName sets the sender name stamped on published messages.
func WithName(name string) Option { return func(r *Relay) { r.name = name } }

// WithClock replaces time.Now.
func WithClock(now func() time.Time) Option { return func(r *Relay) { r.now = now } }

// WithSleep replaces the backoff wait. It must return ctx.Err() when ctx is
// cancelled.
func WithSleep(fn func(ctx context.Context, d time.Duration) error) Option {
	return func(r *Relay) { r.sleep = fn }
}

// New creates a relay on t. Nothing is dialled until Start.
func New(t Transport, cfg Config, opts ...Option) *Relay {
	cfg.defaults()
	r := &Relay{
		t:      t,
		cfg:    cfg,
		logger: slog.Default(),
		now:    time.Now,
		sleep:  sleepCtx,
		state:  StateDisconnected,
		joined: make(map[string]bool),
		outbox: make(map[string][]Message),
		seq:    make(map[string]uint64),
		subs:   make(map[string]map[int]func(Message)),
	}
	for _, o := range opts {
		o(r)
	}
	r.ctx, r.cancel = context.WithCancel(context.Background())
	t.OnMessage(r.deliver)
	t.OnDisconnect(r.lost)
	t.OnReconnect(r.recovered)
	return r
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// Start dials the transport. A failed dial starts the reconnect loop and is
// only logged.
func (r *Relay) Start(ctx context.Context) {
	r.mu.Lock()
	if r.started || r.state != StateDisconnected {
		r.mu.Unlock()
		return
	}
	r.started = true
	r.mu.Unlock()

	if err := r.t.Connect(ctx); err != nil {
		r.logger.Warn("relay: connect failed", "error", err)
		r.startLoop()
		return
	}
	r.resume(ctx)
}

// State reports the connection state.
func (r *Relay) State() State {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.state
}

// Pending returns how many messages wait in a bridge's outbox.
func (r *Relay) Pending(bridgeID string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.outbox[bridgeID])
}

// Dropped returns how many queued messages were discarded on overflow.
func (r *Relay) Dropped() int64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.dropped
}

// Join subscribes to a bridge and announces the member on it.
func (r *Relay) Join(ctx context.Context, bridgeID, member string) error {
	if bridgeID == "" {
		return faults.Invalid("bridge id is required")
	}
	r.mu.Lock()
	if r.state == StateClosed {
		r.mu.Unlock()
		return faults.Invalid("relay is closed")
	}
	r.joined[bridgeID] = true
	state, started := r.state, r.started
	r.mu.Unlock()

	switch {
	case state == StateConnected:
		if err := r.t.Join(ctx, bridgeID); err != nil {
			r.lost(err)
		}
	case state == StateDisconnected && started:
		r.startLoop()
	}
	return r.Publish(ctx, Message{Type: TypeJoin, BridgeID: bridgeID, From: member})
}

// Leave unsubscribes from a bridge. Leaving the last bridge stops any
// reconnect attempt in progress.
func (r *Relay) Leave(ctx context.Context, bridgeID string) error {
	r.mu.Lock()
	if !r.joined[bridgeID] {
		r.mu.Unlock()
		return nil
	}
	delete(r.joined, bridgeID)
	state := r.state
	r.mu.Unlock()

	if state == StateConnected {
		_ = r.Publish(ctx, Message{Type: TypeLeave, BridgeID: bridgeID, From: r.name})
		if err := r.t.Leave(ctx, bridgeID); err != nil {
			r.lost(err)
		}
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.joined) == 0 && r.loop != nil {
		r.loop()
		r.loop = nil
		r.state = StateDisconnected
		r.logger.Info("relay: reconnect cancelled, no bridge joined")
	}
	return nil
}

// Publish sends msg on its bridge, or queues it while the transport is
// down. Only a missing bridge id is an error.
func (r *Relay) Publish(ctx context.Context, msg Message) error {
	if msg.BridgeID == "" {
		return faults.Invalid("bridge id is required")
	}
	if msg.Type == "" {
		msg.Type = TypeChat
	}
	if msg.From == "" {
		msg.From = r.name
	}

	r.sendMu.Lock()
	defer r.sendMu.Unlock()

	r.mu.Lock()
	if r.state == StateClosed {
		r.mu.Unlock()
		return faults.Invalid("relay is closed")
	}
	r.seq[msg.BridgeID]++
	msg.Seq = r.seq[msg.BridgeID]
	if msg.At == 0 {
		msg.At = r.now().UnixMilli()
	}
	live := r.state == StateConnected && len(r.outbox[msg.BridgeID]) == 0
	r.mu.Unlock()

	if live {
		err := r.send(ctx, msg)
		if err == nil {
			return nil
		}
		r.logger.Warn("relay: send failed, queueing", "bridge_id", msg.BridgeID, "error", err)
		r.lost(err)
	}
	r.enqueue(msg)
	return nil
}

// Chat publishes a chat line from a member.
func (r *Relay) Chat(ctx context.Context, bridgeID, from, text string) error {
	return r.Publish(ctx, Message{Type: TypeChat, BridgeID: bridgeID, From: from, Text: text})
}

// Emit publishes bridge-scoped events. Events without a bridge id are
// ignored.
func (r *Relay) Emit(ctx context.Context, ev events.Event) {
	if ev.BridgeID == "" {
		return
	}
	if ev.At.IsZero() {
		ev.At = r.now()
	}
	_ = r.Publish(ctx, Message{Type: TypeEvent, BridgeID: ev.BridgeID, Event: &ev, At: ev.At.UnixMilli()})
}

// Subscribe registers fn for incoming messages of a bridge, or of every
// bridge when bridgeID is "". The returned func removes it.
func (r *Relay) Subscribe(bridgeID string, fn func(Message)) func() {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.subs[bridgeID] == nil {
		r.subs[bridgeID] = make(map[int]func(Message))
	}
	id := r.nextSub
	r.nextSub++
	r.subs[bridgeID][id] = fn
	return func() {
		r.mu.Lock()
		defer r.mu.Unlock()
		delete(r.subs[bridgeID], id)
	}
}

// Reconnect restarts the reconnect loop of a degraded relay.
func (r *Relay) Reconnect() {
	r.mu.Lock()
	degraded := r.state == StateDegraded
	r.mu.Unlock()
	if degraded {
		r.startLoop()
	}
}

// Close stops reconnection and closes the transport. Queued messages are
// discarded.
func (r *Relay) Close() error {
	r.mu.Lock()
	if r.state == StateClosed {
		r.mu.Unlock()
		return nil
	}
	r.state = StateClosed
	if r.loop != nil {
		r.loop()
		r.loop = nil
	}
	pending := 0
	for _, q := range r.outbox {
		pending += len(q)
	}
	r.outbox = make(map[string][]Message)
	r.mu.Unlock()

	r.cancel()
	if pending > 0 {
		r.logger.Warn("relay: closed with queued messages", "pending", pending)
	}
	return r.t.Close()
}

func (r *Relay) send(ctx context.Context, msg Message) error {
	ctx, cancel := context.WithTimeout(ctx, r.cfg.SendTimeout)
	defer cancel()
	return r.t.Send(ctx, msg)
}

func (r *Relay) enqueue(msg Message) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.state == StateClosed {
		return
	}
	q := append(r.outbox[msg.BridgeID], msg)
	if over := len(q) - r.cfg.OutboxLimit; over > 0 {
		q = q[over:]
		r.dropped += int64(over)
		r.logger.Warn("relay: outbox full, oldest dropped", "bridge_id", msg.BridgeID, "dropped", over)
	}
	r.outbox[msg.BridgeID] = q
}

func (r *Relay) deliver(msg Message) {
	r.mu.Lock()
	var fns []func(Message)
	for _, key := range []string{msg.BridgeID, ""} {
		for _, fn := range r.subs[key] {
			fns = append(fns, fn)
		}
	}
	r.mu.Unlock()
	for _, fn := range fns {
		fn(msg)
	}
}

// lost moves a connected relay into reconnection.
func (r *Relay) lost(err error) {
	r.mu.Lock()
	if r.state != StateConnected {
		r.mu.Unlock()
		return
	}
	r.state = StateDisconnected
	r.mu.Unlock()
	r.logger.Warn("relay: transport lost", "error", err)
	r.startLoop()
}

func (r *Relay) recovered() {
	r.mu.Lock()
	skip := r.state == StateClosed || r.state == StateConnected
	r.mu.Unlock()
	if skip {
		return
	}
	r.logger.Info("relay: transport recovered")
	r.resume(r.ctx)
}

func (r *Relay) startLoop() {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.state == StateClosed || r.state == StateReconnecting || r.state == StateConnected {
		return
	}
	ctx, cancel := context.WithCancel(r.ctx)
	r.loop = cancel
	r.state = StateReconnecting
	r.attempts = 0
	go r.reconnect(ctx)
}

// backoff returns the wait before attempt n (1-based): base × 2^(n−1),
// capped, with up to half of it replaced by jitter.
func (r *Relay) backoff(n int) time.Duration {
	d := r.cfg.ReconnectBase
	for i := 1; i < n && d < r.cfg.ReconnectMax; i++ {
		d *= 2
	}
	if d > r.cfg.ReconnectMax {
		d = r.cfg.ReconnectMax
	}
	half := int64(d / 2)
	return time.Duration(half + rand.Int64N(half+1))
}

func (r *Relay) reconnect(ctx context.Context) {
	for n := 1; n <= r.cfg.MaxReconnectAttempts; n++ {
		if err := r.sleep(ctx, r.backoff(n)); err != nil {
			return
		}
		r.mu.Lock()
		r.attempts = n
		r.mu.Unlock()
		err := r.t.Connect(ctx)
		if err == nil {
			r.resume(ctx)
			return
		}
		if ctx.Err() != nil {
			return
		}
		r.logger.Warn("relay: reconnect failed", "attempt", n, "max", r.cfg.MaxReconnectAttempts, "error", err)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if ctx.Err() != nil || r.state != StateReconnecting {
		return
	}
	r.state = StateDegraded
	r.loop = nil
	r.logger.Warn("relay: reconnect attempts exhausted, queueing only", "attempts", r.cfg.MaxReconnectAttempts)
}

// Attempts returns the number of dials made by the current or last
// reconnect loop.
func (r *Relay) Attempts() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.attempts
}

// resume marks the relay connected, rejoins its bridges and flushes the
// outboxes in bridge id order.
func (r *Relay) resume(ctx context.Context) {
	r.mu.Lock()
	if r.state == StateClosed {
		r.mu.Unlock()
		return
	}
	r.state = StateConnected
	r.loop = nil
	bridges := make([]string, 0, len(r.joined))
	for id := range r.joined {
		bridges = append(bridges, id)
	}
	r.mu.Unlock()
	sort.Strings(bridges)

	for _, id := range bridges {
		if err := r.t.Join(ctx, id); err != nil {
			r.lost(err)
			return
		}
	}
	r.flush(ctx)
}

func (r *Relay) flush(ctx context.Context) {
	r.sendMu.Lock()
	defer r.sendMu.Unlock()

	r.mu.Lock()
	ids := make([]string, 0, len(r.outbox))
	for id, q := range r.outbox {
		if len(q) > 0 {
			ids = append(ids, id)
		}
	}
	r.mu.Unlock()
	sort.Strings(ids)

	sent := 0
	for _, id := range ids {
		for {
			r.mu.Lock()
			if r.state != StateConnected || len(r.outbox[id]) == 0 {
				r.mu.Unlock()
				break
			}
			msg := r.outbox[id][0]
			r.mu.Unlock()

			if err := r.send(ctx, msg); err != nil {
				r.logger.Warn("relay: flush interrupted", "bridge_id", id, "sent", sent, "error", err)
				r.lost(err)
				return
			}
			r.mu.Lock()
			if q := r.outbox[id]; len(q) > 0 && q[0].Seq == msg.Seq {
				r.outbox[id] = q[1:]
			}
			r.mu.Unlock()
			sent++
		}
	}
	if sent > 0 {
		r.logger.Info("relay: outbox flushed", "messages", sent)
	}
}
