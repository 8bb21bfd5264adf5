package orchestrator

import (
	"fmt"
	"time"
)

// Bot statuses.
const (
	StatusStopped = "STOPPED"
	StatusRunning = "RUNNING"
	StatusPaused  = "PAUSED"
	StatusError   = "ERROR"
)

// BotRuntime is the single runtime row per bot.
type BotRuntime struct {
	BotID     string    `json:"botId"`
	Status    string    `json:"status"`
	Reason    string    `json:"reason,omitempty"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// validTransitions is the status FSM:
// STOPPED -> RUNNING -> (PAUSED | STOPPED | ERROR).
var validTransitions = map[string][]string{
	StatusStopped: {StatusRunning},
	StatusRunning: {StatusPaused, StatusStopped, StatusError},
	StatusPaused:  {StatusRunning, StatusStopped, StatusError},
	StatusError:   {StatusStopped, StatusRunning},
}

// CanTransition reports whether the FSM permits the move. Same-state
// transitions are tolerated so pause/stop stay idempotent.
func CanTransition(from, to string) bool {
	if from == to {
		return true
	}
	for _, next := range validTransitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// Transition applies the move to the runtime row, clearing the reason
// on a transition to RUNNING.
func Transition(rt *BotRuntime, to, reason string, now time.Time) error {
	if !CanTransition(rt.Status, to) {
		return fmt.Errorf("invalid transition %s -> %s for bot %s", rt.Status, to, rt.BotID)
	}
	rt.Status = to
	rt.UpdatedAt = now
	if to == StatusRunning {
		rt.Reason = ""
	} else {
		rt.Reason = reason
	}
	return nil
}
