// Package approvals is the rendezvous between approval solicitations and
// the channels that resolve them. Pending approvals are keyed by tool call
// id and complete exactly once: from an inbound WebSocket frame, a chat
// reply, a phone callback, or the registration timeout.
package approvals

import (
	"errors"
	"log/slog"
	"strings"
	"sync"
	"time"
)

// DefaultTimeout bounds how long a registration waits before completing
// with a denial.
const DefaultTimeout = 300 * time.Second

// ErrAlreadyPending is returned when a call id is registered twice.
var ErrAlreadyPending = errors.New("approvals: call id already pending")

type pending struct {
	callID     string
	tool       string
	ch         chan bool
	registered time.Time
	timer      *time.Timer
}

// Gauge tracks the pending-approval count; prometheus.Gauge satisfies it.
type Gauge interface {
	Inc()
	Dec()
}

// Broker tracks pending approvals. A call id is in the map if and only if
// its future is unresolved.
type Broker struct {
	mu      sync.Mutex
	entries map[string]*pending
	order   []string // registration order, for FIFO bot resolution
	timeout time.Duration
	gauge   Gauge
	logger  *slog.Logger
}

// Option configures the broker.
type Option func(*Broker)

// WithTimeout overrides the default approval timeout.
func WithTimeout(d time.Duration) Option {
	return func(b *Broker) {
		if d > 0 {
			b.timeout = d
		}
	}
}

// WithLogger sets the broker logger.
func WithLogger(logger *slog.Logger) Option {
	return func(b *Broker) {
		if logger != nil {
			b.logger = logger
		}
	}
}

// WithPendingGauge mirrors the pending count onto a metrics gauge.
func WithPendingGauge(g Gauge) Option {
	return func(b *Broker) {
		b.gauge = g
	}
}

// NewBroker creates an approval broker.
func NewBroker(opts ...Option) *Broker {
	b := &Broker{
		entries: make(map[string]*pending),
		timeout: DefaultTimeout,
		logger:  slog.Default().With("component", "approvals"),
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// Register inserts a fresh pending approval and returns its future. The
// future receives exactly one value: the decision, or false when the
// timeout fires first.
func (b *Broker) Register(callID, tool string) (<-chan bool, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if _, exists := b.entries[callID]; exists {
		return nil, ErrAlreadyPending
	}

	p := &pending{
		callID:     callID,
		tool:       tool,
		ch:         make(chan bool, 1),
		registered: time.Now(),
	}
	p.timer = time.AfterFunc(b.timeout, func() {
		if b.Resolve(callID, false) {
			b.logger.Warn("approval timed out", "call_id", callID, "tool", tool)
		}
	})
	b.entries[callID] = p
	b.order = append(b.order, callID)
	if b.gauge != nil {
		b.gauge.Inc()
	}
	return p.ch, nil
}

// Resolve completes a pending approval. It reports whether a pending entry
// was found; resolving the same call id twice is a no-op returning false.
func (b *Broker) Resolve(callID string, approved bool) bool {
	b.mu.Lock()
	p, ok := b.entries[callID]
	if ok {
		b.remove(callID)
	}
	b.mu.Unlock()

	if !ok {
		return false
	}
	if b.gauge != nil {
		b.gauge.Dec()
	}
	p.timer.Stop()
	p.ch <- approved
	return true
}

// ResolveLatestWithReply resolves the oldest pending approval from a chat
// reply that carries no call id. Replies starting with "y" approve;
// anything else denies. It returns the resolved call id and decision.
func (b *Broker) ResolveLatestWithReply(text string) (string, bool, bool) {
	b.mu.Lock()
	var callID string
	for _, id := range b.order {
		if _, ok := b.entries[id]; ok {
			callID = id
			break
		}
	}
	b.mu.Unlock()

	if callID == "" {
		return "", false, false
	}
	approved := ReplyApproves(text)
	if !b.Resolve(callID, approved) {
		return "", false, false
	}
	return callID, approved, true
}

// Pending returns the call ids currently awaiting resolution, oldest first.
func (b *Broker) Pending() []string {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]string, 0, len(b.entries))
	for _, id := range b.order {
		if _, ok := b.entries[id]; ok {
			out = append(out, id)
		}
	}
	return out
}

// CancelAll resolves every pending approval as denied. Used on session
// cancellation so no awaiter hangs.
func (b *Broker) CancelAll() int {
	b.mu.Lock()
	ids := make([]string, 0, len(b.entries))
	for id := range b.entries {
		ids = append(ids, id)
	}
	b.mu.Unlock()

	n := 0
	for _, id := range ids {
		if b.Resolve(id, false) {
			n++
		}
	}
	return n
}

// remove deletes an entry and compacts the order list. Caller holds the lock.
func (b *Broker) remove(callID string) {
	delete(b.entries, callID)
	for i, id := range b.order {
		if id == callID {
			b.order = append(b.order[:i], b.order[i+1:]...)
			break
		}
	}
}

// ReplyApproves interprets a free-form reply as a decision. Replies
// starting with "y" (or a handful of affirmative words) approve.
func ReplyApproves(text string) bool {
	t := strings.ToLower(strings.TrimSpace(text))
	switch t {
	case "y", "yes", "approve", "approved", "ok", "confirm":
		return true
	}
	return strings.HasPrefix(t, "yes ") || strings.HasPrefix(t, "y ")
}
