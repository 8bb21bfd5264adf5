package notify

import (
	"context"
	"errors"
	"testing"

	"github.com/rs/zerolog"

	"mm-control-plane/internal/prediction"
)

type recordingNotifier struct {
	name    string
	enabled bool
	sent    []*Notification
	fail    bool
}

func (r *recordingNotifier) Send(_ context.Context, n *Notification) error {
	if r.fail {
		return errors.New("delivery failed")
	}
	r.sent = append(r.sent, n)
	return nil
}

func (r *recordingNotifier) Name() string { return r.name }

func (r *recordingNotifier) IsEnabled() bool { return r.enabled }

// TestManagerFanOut verifies delivery reaches every enabled provider
// and skips disabled ones.
func TestManagerFanOut(t *testing.T) {
	a := &recordingNotifier{name: "a", enabled: true}
	b := &recordingNotifier{name: "b", enabled: false}
	m := NewManager(true, zerolog.Nop())
	m.AddNotifier(a)
	m.AddNotifier(b)

	err := m.Send(context.Background(), &Notification{Kind: KindInfo, Title: "t"})
	if err != nil {
		t.Fatalf("Expected no error, got %v", err)
	}
	if len(a.sent) != 1 {
		t.Errorf("Expected 1 delivery to a, got %d", len(a.sent))
	}
	if len(b.sent) != 0 {
		t.Errorf("Expected disabled provider skipped, got %d", len(b.sent))
	}
}

// TestManagerDisabled verifies a disabled manager drops everything.
func TestManagerDisabled(t *testing.T) {
	a := &recordingNotifier{name: "a", enabled: true}
	m := NewManager(false, zerolog.Nop())
	m.AddNotifier(a)

	if err := m.Send(context.Background(), &Notification{Kind: KindInfo}); err != nil {
		t.Fatalf("Expected no error, got %v", err)
	}
	if len(a.sent) != 0 {
		t.Errorf("Expected no delivery, got %d", len(a.sent))
	}
}

// TestEmitMapsPredictionEvent verifies the sink adapter shapes the
// notification from the event.
func TestEmitMapsPredictionEvent(t *testing.T) {
	a := &recordingNotifier{name: "a", enabled: true}
	m := NewManager(true, zerolog.Nop())
	m.AddNotifier(a)

	m.Emit(context.Background(), prediction.Event{
		Kind:       prediction.EventSignalFlip,
		BotID:      "bot1",
		Timeframe:  "1h",
		UniqueKey:  "binance:acct1:BTC/USDT:spot:1h",
		Signal:     prediction.SignalUp,
		Confidence: 72,
		Message:    "neutral -> up",
	})

	if len(a.sent) != 1 {
		t.Fatalf("Expected 1 notification, got %d", len(a.sent))
	}
	n := a.sent[0]
	if n.Kind != KindSignal {
		t.Errorf("Expected signal kind, got %s", n.Kind)
	}
	if n.Symbol != "BTC/USDT" {
		t.Errorf("Expected symbol from unique key, got %q", n.Symbol)
	}
	if n.Extra["timeframe"] != "1h" || n.Extra["signal"] != "up" {
		t.Errorf("Expected event metadata carried, got %+v", n.Extra)
	}
}

// TestEmitSwallowsDeliveryFailure verifies the sink never panics or
// blocks on a provider failure.
func TestEmitSwallowsDeliveryFailure(t *testing.T) {
	m := NewManager(true, zerolog.Nop())
	m.AddNotifier(&recordingNotifier{name: "a", enabled: true, fail: true})

	m.Emit(context.Background(), prediction.Event{
		Kind:      prediction.EventRegimeChange,
		UniqueKey: "binance:acct1:BTC/USDT:spot:1h",
	})
}

// TestRegimeEventKind verifies regime changes map to their own kind.
func TestRegimeEventKind(t *testing.T) {
	a := &recordingNotifier{name: "a", enabled: true}
	m := NewManager(true, zerolog.Nop())
	m.AddNotifier(a)

	m.Emit(context.Background(), prediction.Event{
		Kind:      prediction.EventRegimeChange,
		UniqueKey: "binance:acct1:BTC/USDT:spot:1h",
	})
	if len(a.sent) != 1 || a.sent[0].Kind != KindRegime {
		t.Errorf("Expected regime kind, got %+v", a.sent)
	}
}

// TestDisabledTelegramNotifier verifies an unconfigured provider is a
// safe no-op.
func TestDisabledTelegramNotifier(t *testing.T) {
	tn := &TelegramNotifier{}
	if tn.IsEnabled() {
		t.Errorf("Expected disabled")
	}
	if err := tn.Send(context.Background(), &Notification{Title: "x"}); err != nil {
		t.Errorf("Expected no-op send, got %v", err)
	}
}
