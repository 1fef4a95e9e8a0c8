// Package proactive generates and delivers unprompted follow-up messages.
// A polling loop either delivers the pending message once its deliver
// time passes, or, when the user has been idle long enough inside the
// preferred-hours window, asks a one-shot model for a candidate.
package proactive

import (
	"context"
	"log/slog"
	"strings"
	"sync"
	"time"
)

// Timing knobs of the loop.
const (
	DefaultInterval    = 60 * time.Second
	RetryDelay         = 5 * time.Minute
	MinIdle            = time.Hour
	GenerationCooldown = 60 * time.Minute
	MinLength          = 10
	MaxLength          = 500
)

// NoFollowup is the refusal sentinel the generation model may return.
const NoFollowup = "NO_FOLLOWUP"

// Message is one queued proactive message.
type Message struct {
	Text      string    `json:"text"`
	DeliverAt time.Time `json:"deliver_at"`
	Attempts  int       `json:"attempts"`
}

// GenerateFunc produces a candidate follow-up from a one-shot model.
type GenerateFunc func(ctx context.Context) (string, error)

// NotifyFunc delivers a message to the user's active channel.
type NotifyFunc func(ctx context.Context, text string) error

// Config bounds generation frequency.
type Config struct {
	Interval       time.Duration
	MaxPerDay      int
	PreferredStart int // hour of day, inclusive
	PreferredEnd   int // hour of day, exclusive
}

// DefaultConfig allows a handful of messages during waking hours.
func DefaultConfig() Config {
	return Config{
		Interval:       DefaultInterval,
		MaxPerDay:      3,
		PreferredStart: 9,
		PreferredEnd:   21,
	}
}

// Loop is the proactive delivery loop.
type Loop struct {
	cfg      Config
	generate GenerateFunc
	notify   NotifyFunc
	logger   *slog.Logger
	now      func() time.Time

	mu          sync.Mutex
	pending     *Message
	lastAttempt time.Time // last generation attempt, any outcome
	lastUserMsg time.Time
	sentToday   int
	sentDay     time.Time // midnight of the day sentToday counts
}

// Option configures the loop.
type Option func(*Loop)

// WithLogger sets the loop logger.
func WithLogger(logger *slog.Logger) Option {
	return func(l *Loop) {
		if logger != nil {
			l.logger = logger
		}
	}
}

// WithNow overrides the clock for tests.
func WithNow(now func() time.Time) Option {
	return func(l *Loop) {
		if now != nil {
			l.now = now
		}
	}
}

// New creates the loop.
func New(cfg Config, generate GenerateFunc, notify NotifyFunc, opts ...Option) *Loop {
	if cfg.Interval <= 0 {
		cfg.Interval = DefaultInterval
	}
	l := &Loop{
		cfg:      cfg,
		generate: generate,
		notify:   notify,
		logger:   slog.Default().With("component", "proactive"),
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(l)
	}
	l.lastUserMsg = l.now()
	return l
}

// TouchUserActivity resets the idle clock; call on every inbound user
// message.
func (l *Loop) TouchUserActivity() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.lastUserMsg = l.now()
}

// Start runs the loop until ctx is cancelled.
func (l *Loop) Start(ctx context.Context) {
	ticker := time.NewTicker(l.cfg.Interval)
	defer ticker.Stop()
	l.logger.Info("proactive loop started", "interval", l.cfg.Interval)
	for {
		select {
		case <-ctx.Done():
			l.logger.Info("proactive loop stopped")
			return
		case <-ticker.C:
			l.Tick(ctx)
		}
	}
}

// Tick performs one poll: deliver the pending message if due, otherwise
// consider generating a new one.
func (l *Loop) Tick(ctx context.Context) {
	now := l.now()
	if l.deliverPending(ctx, now) {
		return
	}
	l.maybeGenerate(ctx, now)
}

func (l *Loop) deliverPending(ctx context.Context, now time.Time) bool {
	l.mu.Lock()
	msg := l.pending
	l.mu.Unlock()
	if msg == nil {
		return false
	}
	if now.Before(msg.DeliverAt) {
		return true // pending but not yet due; no generation either way
	}

	if err := l.notify(ctx, msg.Text); err != nil {
		l.logger.Warn("proactive delivery failed, retrying later", "attempts", msg.Attempts+1, "error", err)
		l.mu.Lock()
		l.pending = &Message{Text: msg.Text, DeliverAt: now.Add(RetryDelay), Attempts: msg.Attempts + 1}
		l.mu.Unlock()
		return true
	}

	l.mu.Lock()
	l.pending = nil
	day := now.Truncate(24 * time.Hour)
	if !day.Equal(l.sentDay) {
		l.sentDay = day
		l.sentToday = 0
	}
	l.sentToday++
	l.mu.Unlock()
	l.logger.Info("proactive message delivered")
	return true
}

func (l *Loop) maybeGenerate(ctx context.Context, now time.Time) {
	l.mu.Lock()
	day := now.Truncate(24 * time.Hour)
	if !day.Equal(l.sentDay) {
		l.sentDay = day
		l.sentToday = 0
	}
	eligible := l.pending == nil &&
		now.Sub(l.lastUserMsg) >= MinIdle &&
		now.Sub(l.lastAttempt) >= GenerationCooldown &&
		l.sentToday < l.cfg.MaxPerDay &&
		l.inPreferredHours(now)
	if eligible {
		// Cooldown applies to every attempt regardless of outcome.
		l.lastAttempt = now
	}
	l.mu.Unlock()
	if !eligible {
		return
	}

	candidate, err := l.generate(ctx)
	if err != nil {
		l.logger.Warn("proactive generation failed", "error", err)
		return
	}
	candidate = strings.TrimSpace(candidate)
	if candidate == "" || strings.Contains(candidate, NoFollowup) {
		l.logger.Debug("model declined to follow up")
		return
	}
	if len(candidate) < MinLength || len(candidate) > MaxLength {
		l.logger.Debug("proactive candidate rejected by length gate", "length", len(candidate))
		return
	}

	l.mu.Lock()
	l.pending = &Message{Text: candidate, DeliverAt: now}
	l.mu.Unlock()
	l.logger.Info("proactive message queued", "length", len(candidate))
}

func (l *Loop) inPreferredHours(now time.Time) bool {
	if l.cfg.PreferredStart == l.cfg.PreferredEnd {
		return true // no window configured
	}
	h := now.Hour()
	if l.cfg.PreferredStart < l.cfg.PreferredEnd {
		return h >= l.cfg.PreferredStart && h < l.cfg.PreferredEnd
	}
	// Window wraps midnight.
	return h >= l.cfg.PreferredStart || h < l.cfg.PreferredEnd
}

// Pending returns the queued message, if any.
func (l *Loop) Pending() *Message {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.pending == nil {
		return nil
	}
	cp := *l.pending
	return &cp
}
