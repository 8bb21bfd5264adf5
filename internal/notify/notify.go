// Package notify fans prediction lifecycle events out to the
// configured notification providers.
package notify

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"mm-control-plane/internal/logging"
	"mm-control-plane/internal/prediction"
)

// Kind classifies an outbound notification.
type Kind string

const (
	KindSignal Kind = "signal"
	KindRegime Kind = "regime"
	KindError  Kind = "error"
	KindInfo   Kind = "info"
)

// Notification is one outbound message.
type Notification struct {
	Kind      Kind
	Title     string
	Message   string
	Symbol    string
	Timestamp time.Time
	Extra     map[string]any
}

// Notifier is one delivery provider.
type Notifier interface {
	Send(ctx context.Context, n *Notification) error
	Name() string
	IsEnabled() bool
}

// Manager fans a notification out to every enabled provider. It also
// satisfies the prediction event sink.
type Manager struct {
	notifiers []Notifier
	enabled   bool
	log       zerolog.Logger
}

func NewManager(enabled bool, log zerolog.Logger) *Manager {
	return &Manager{
		notifiers: make([]Notifier, 0),
		enabled:   enabled,
		log:       log.With().Str("component", "notify").Logger(),
	}
}

// AddNotifier registers a provider.
func (m *Manager) AddNotifier(n Notifier) {
	m.notifiers = append(m.notifiers, n)
}

// Send delivers to all enabled providers; the last error wins.
func (m *Manager) Send(ctx context.Context, n *Notification) error {
	if !m.enabled {
		return nil
	}
	var lastErr error
	for _, notifier := range m.notifiers {
		if !notifier.IsEnabled() {
			continue
		}
		if err := notifier.Send(ctx, n); err != nil {
			m.log.Warn().Err(err).Str("provider", notifier.Name()).Msg("notification delivery failed")
			lastErr = err
		}
	}
	return lastErr
}

// Emit converts a prediction event into a notification. Delivery
// failures are logged, never propagated into the signal pipeline.
func (m *Manager) Emit(ctx context.Context, ev prediction.Event) {
	n := &Notification{
		Kind:      kindFor(ev.Kind),
		Title:     titleFor(ev),
		Message:   ev.Message,
		Symbol:    symbolFromKey(ev.UniqueKey),
		Timestamp: time.Now(),
		Extra: map[string]any{
			"botId":      ev.BotID,
			"timeframe":  ev.Timeframe,
			"signal":     string(ev.Signal),
			"confidence": ev.Confidence,
			"reason":     ev.Kind,
		},
	}
	if err := m.Send(ctx, n); err != nil {
		// The pipeline attaches a prediction-scoped logger to ctx.
		logger := logging.FromContext(ctx)
		logger.Warn().Err(err).Str("kind", ev.Kind).Msg("prediction event not delivered")
	}
}

func kindFor(eventKind string) Kind {
	switch eventKind {
	case prediction.EventRegimeChange:
		return KindRegime
	default:
		return KindSignal
	}
}

func titleFor(ev prediction.Event) string {
	symbol := symbolFromKey(ev.UniqueKey)
	switch ev.Kind {
	case prediction.EventSignalFlip:
		return fmt.Sprintf("%s Signal flip: %s %s", signalEmoji(ev.Signal), symbol, ev.Timeframe)
	case prediction.EventConfidenceJump:
		return fmt.Sprintf("Confidence move: %s %s -> %.0f", symbol, ev.Timeframe, ev.Confidence)
	case prediction.EventTagsChanged:
		return fmt.Sprintf("Tags changed: %s %s", symbol, ev.Timeframe)
	case prediction.EventRegimeChange:
		return fmt.Sprintf("Regime change: %s %s", symbol, ev.Timeframe)
	default:
		return fmt.Sprintf("Prediction update: %s %s", symbol, ev.Timeframe)
	}
}

func signalEmoji(signal prediction.Signal) string {
	switch signal {
	case prediction.SignalUp:
		return "\U0001F7E2"
	case prediction.SignalDown:
		return "\U0001F534"
	default:
		return "⚪"
	}
}

// symbolFromKey extracts the symbol from an
// exchange:accountId:SYMBOL:marketType:timeframe unique key.
func symbolFromKey(uniqueKey string) string {
	parts := strings.Split(uniqueKey, ":")
	if len(parts) >= 3 {
		return parts[2]
	}
	return uniqueKey
}

// SendError delivers an operator-facing error notification.
func (m *Manager) SendError(ctx context.Context, title, message string) error {
	return m.Send(ctx, &Notification{
		Kind:      KindError,
		Title:     "⚠️ " + title,
		Message:   message,
		Timestamp: time.Now(),
	})
}

// SendInfo delivers an informational notification.
func (m *Manager) SendInfo(ctx context.Context, title, message string) error {
	return m.Send(ctx, &Notification{
		Kind:      KindInfo,
		Title:     title,
		Message:   message,
		Timestamp: time.Now(),
	})
}
