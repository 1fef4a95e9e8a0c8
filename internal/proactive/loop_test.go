package proactive

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"
)

// clock controls the loop's notion of now.
type clock struct{ t time.Time }

func (c *clock) now() time.Time          { return c.t }
func (c *clock) advance(d time.Duration) { c.t = c.t.Add(d) }

func newLoop(c *clock, generate GenerateFunc, notify NotifyFunc) *Loop {
	cfg := DefaultConfig()
	return New(cfg, generate, notify, WithNow(c.now))
}

// idleClock starts inside preferred hours with the user long idle.
func idleClock() *clock {
	return &clock{t: time.Date(2026, 3, 2, 14, 0, 0, 0, time.UTC)}
}

func TestGenerateAndDeliver(t *testing.T) {
	c := idleClock()
	delivered := []string{}
	l := newLoop(c,
		func(ctx context.Context) (string, error) { return "Thought you might want a recap of today.", nil },
		func(ctx context.Context, text string) error { delivered = append(delivered, text); return nil },
	)

	c.advance(2 * time.Hour) // user idle past MinIdle
	l.Tick(context.Background())
	if l.Pending() == nil {
		t.Fatal("expected a queued candidate")
	}

	l.Tick(context.Background())
	if len(delivered) != 1 {
		t.Fatalf("delivered = %d, want 1", len(delivered))
	}
	if l.Pending() != nil {
		t.Error("pending must clear after delivery")
	}
}

func TestDeliveryFailureRetriesInFiveMinutes(t *testing.T) {
	c := idleClock()
	fail := true
	attempts := 0
	l := newLoop(c,
		func(ctx context.Context) (string, error) { return "A quick follow-up on your earlier question.", nil },
		func(ctx context.Context, text string) error {
			attempts++
			if fail {
				return errors.New("no active channel")
			}
			return nil
		},
	)

	c.advance(2 * time.Hour)
	l.Tick(context.Background()) // generate
	l.Tick(context.Background()) // delivery fails
	if attempts != 1 {
		t.Fatalf("attempts = %d", attempts)
	}
	msg := l.Pending()
	if msg == nil || !msg.DeliverAt.Equal(c.t.Add(RetryDelay)) {
		t.Fatalf("retry not scheduled 5m out: %+v", msg)
	}

	// Not due yet: no delivery attempt.
	c.advance(time.Minute)
	l.Tick(context.Background())
	if attempts != 1 {
		t.Errorf("attempted before retry due, attempts = %d", attempts)
	}

	fail = false
	c.advance(RetryDelay)
	l.Tick(context.Background())
	if attempts != 2 || l.Pending() != nil {
		t.Errorf("retry did not deliver: attempts=%d pending=%v", attempts, l.Pending())
	}
}

func TestGenerationGates(t *testing.T) {
	t.Run("not idle enough", func(t *testing.T) {
		c := idleClock()
		calls := 0
		l := newLoop(c, func(ctx context.Context) (string, error) { calls++; return "x", nil }, nil)
		l.TouchUserActivity()
		c.advance(30 * time.Minute)
		l.Tick(context.Background())
		if calls != 0 {
			t.Error("must not generate while user is active")
		}
	})

	t.Run("outside preferred hours", func(t *testing.T) {
		c := &clock{t: time.Date(2026, 3, 2, 3, 0, 0, 0, time.UTC)}
		calls := 0
		l := newLoop(c, func(ctx context.Context) (string, error) { calls++; return "x", nil }, nil)
		c.advance(2 * time.Hour) // 05:00, still before 09:00
		l.Tick(context.Background())
		if calls != 0 {
			t.Error("must not generate outside the preferred window")
		}
	})

	t.Run("cooldown between attempts", func(t *testing.T) {
		c := idleClock()
		calls := 0
		l := newLoop(c, func(ctx context.Context) (string, error) { calls++; return "", errors.New("boom") }, nil)
		c.advance(2 * time.Hour)
		l.Tick(context.Background())
		if calls != 1 {
			t.Fatalf("calls = %d", calls)
		}
		// Failed attempts still start the cooldown.
		c.advance(10 * time.Minute)
		l.Tick(context.Background())
		if calls != 1 {
			t.Error("generation attempted within cooldown")
		}
		c.advance(GenerationCooldown)
		l.Tick(context.Background())
		if calls != 2 {
			t.Error("generation should resume after cooldown")
		}
	})
}

func TestRefusalAndLengthGate(t *testing.T) {
	tests := []struct {
		name  string
		reply string
	}{
		{"no followup sentinel", NoFollowup},
		{"sentinel in prose", "I have nothing useful to add. NO_FOLLOWUP"},
		{"too short", "hi"},
		{"too long", strings.Repeat("a", 501)},
		{"empty", ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := idleClock()
			l := newLoop(c, func(ctx context.Context) (string, error) { return tt.reply, nil }, nil)
			c.advance(2 * time.Hour)
			l.Tick(context.Background())
			if l.Pending() != nil {
				t.Errorf("candidate %q must be rejected", tt.reply)
			}
		})
	}
}

func TestDailyLimit(t *testing.T) {
	c := idleClock()
	delivered := 0
	l := newLoop(c,
		func(ctx context.Context) (string, error) { return "Here is another helpful follow-up for you.", nil },
		func(ctx context.Context, text string) error { delivered++; return nil },
	)

	c.advance(2 * time.Hour)
	for i := 0; i < 10; i++ {
		l.Tick(context.Background()) // generate
		l.Tick(context.Background()) // deliver
		c.advance(GenerationCooldown + time.Minute)
		if c.t.Hour() >= 21 || c.t.Hour() < 9 {
			break
		}
	}
	if delivered > DefaultConfig().MaxPerDay {
		t.Errorf("delivered %d, daily limit is %d", delivered, DefaultConfig().MaxPerDay)
	}
}
