package orchestrator

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"mm-control-plane/internal/license"
)

// BotStore persists runtime rows.
type BotStore interface {
	GetBotRuntime(ctx context.Context, botID string) (*BotRuntime, error)
	UpsertBotRuntime(ctx context.Context, rt *BotRuntime) error
	CountBots(ctx context.Context, userID string) (total int, running int, err error)
}

// LicenseGate admits bot starts.
type LicenseGate interface {
	EnforceBotStart(ctx context.Context, req license.StartRequest) license.Decision
}

// StartResult is the outcome of a start request.
type StartResult struct {
	OK     bool   `json:"ok"`
	Reason string `json:"reason,omitempty"`
}

// EnqueueResult reports the idempotent enqueue outcome.
type EnqueueResult struct {
	JobID  string `json:"jobId"`
	Queued bool   `json:"queued"`
}

// Orchestrator coordinates bot runtimes across runners.
type Orchestrator struct {
	store BotStore
	queue Queue
	gate  LicenseGate
	log   zerolog.Logger
	now   func() time.Time

	mu      sync.Mutex
	runners map[string]*Runner
	cancels map[string]context.CancelFunc
	factory func(botID string) (*Runner, error)
}

func New(store BotStore, queue Queue, gate LicenseGate, log zerolog.Logger) *Orchestrator {
	return &Orchestrator{
		store:   store,
		queue:   queue,
		gate:    gate,
		log:     log.With().Str("component", "orchestrator").Logger(),
		now:     time.Now,
		runners: make(map[string]*Runner),
		cancels: make(map[string]context.CancelFunc),
	}
}

// RegisterRunner installs the runner that executes this bot's ticks.
func (o *Orchestrator) RegisterRunner(botID string, r *Runner) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.runners[botID] = r
}

// SetRunnerFactory installs a lazy builder used when a start or a
// queued run arrives for a bot with no registered runner.
func (o *Orchestrator) SetRunnerFactory(f func(botID string) (*Runner, error)) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.factory = f
}

func (o *Orchestrator) runnerFor(botID string) (*Runner, error) {
	o.mu.Lock()
	r, ok := o.runners[botID]
	factory := o.factory
	o.mu.Unlock()
	if ok {
		return r, nil
	}
	if factory == nil {
		return nil, errors.New("no runner registered for bot")
	}
	r, err := factory(botID)
	if err != nil {
		return nil, err
	}
	o.RegisterRunner(botID, r)
	return r, nil
}

// ProcessNext pops one queued run and executes a single tick on the
// bot's runner. Returns false when the queue is empty.
func (o *Orchestrator) ProcessNext(ctx context.Context, tickTimeout time.Duration) (bool, error) {
	job, err := o.queue.Next(ctx)
	if err != nil || job == nil {
		return false, err
	}
	r, err := o.runnerFor(job.Payload)
	if err != nil {
		if serr := o.queue.SetState(ctx, job.ID, JobFailed); serr != nil {
			o.log.Warn().Err(serr).Str("job_id", job.ID).Msg("failed to mark job failed")
		}
		return true, err
	}
	tctx := ctx
	if tickTimeout > 0 {
		var cancel context.CancelFunc
		tctx, cancel = context.WithTimeout(ctx, tickTimeout)
		defer cancel()
	}
	r.Tick(tctx)
	if err := o.queue.SetState(ctx, job.ID, JobCompleted); err != nil {
		return true, err
	}
	return true, nil
}

// Start moves a bot to RUNNING. Only this transition consults the
// license gate; a denial leaves the runtime untouched and returns the
// decision reason.
func (o *Orchestrator) Start(ctx context.Context, botID, userID, exchange string) (StartResult, error) {
	rt, err := o.runtime(ctx, botID)
	if err != nil {
		return StartResult{}, err
	}
	if rt.Status == StatusRunning {
		return StartResult{OK: true, Reason: license.DecisionOK}, nil
	}

	if rt.Status == StatusStopped || rt.Status == StatusError {
		total, running, cerr := o.store.CountBots(ctx, userID)
		if cerr != nil {
			o.log.Warn().Err(cerr).Str("botId", botID).Msg("bot count lookup failed")
		}
		decision := o.gate.EnforceBotStart(ctx, license.StartRequest{
			UserID:           userID,
			Exchange:         exchange,
			TotalBots:        total,
			RunningBots:      running,
			IsAlreadyRunning: rt.Status == StatusRunning,
		})
		if !decision.Allowed {
			o.log.Warn().Str("botId", botID).Str("reason", decision.Reason).Msg("bot start denied by license")
			return StartResult{OK: false, Reason: decision.Reason}, nil
		}
	}

	if err := Transition(rt, StatusRunning, "", o.now()); err != nil {
		return StartResult{}, err
	}
	if err := o.store.UpsertBotRuntime(ctx, rt); err != nil {
		return StartResult{}, err
	}
	o.launchRunner(botID)
	o.log.Info().Str("botId", botID).Msg("bot started")
	return StartResult{OK: true, Reason: license.DecisionOK}, nil
}

// Pause is idempotent; the final FSM state is returned.
func (o *Orchestrator) Pause(ctx context.Context, botID, reason string) (*BotRuntime, error) {
	return o.halt(ctx, botID, StatusPaused, reason)
}

// Stop is idempotent; the final FSM state is returned.
func (o *Orchestrator) Stop(ctx context.Context, botID, reason string) (*BotRuntime, error) {
	return o.halt(ctx, botID, StatusStopped, reason)
}

// MarkError records a fatal runner failure.
func (o *Orchestrator) MarkError(ctx context.Context, botID, reason string) (*BotRuntime, error) {
	return o.halt(ctx, botID, StatusError, reason)
}

func (o *Orchestrator) halt(ctx context.Context, botID, to, reason string) (*BotRuntime, error) {
	rt, err := o.runtime(ctx, botID)
	if err != nil {
		return nil, err
	}
	if rt.Status == to {
		return rt, nil
	}
	if err := Transition(rt, to, reason, o.now()); err != nil {
		return nil, err
	}
	if err := o.store.UpsertBotRuntime(ctx, rt); err != nil {
		return nil, err
	}
	o.stopRunner(botID)
	o.log.Info().Str("botId", botID).Str("status", to).Str("reason", reason).Msg("bot halted")
	return rt, nil
}

// EnqueueRun schedules one run for the bot with the idempotent job id.
// Jobs already waiting, active or delayed are not re-queued; terminal
// jobs are replaced.
func (o *Orchestrator) EnqueueRun(ctx context.Context, botID string) (EnqueueResult, error) {
	id := JobID(botID)
	if o.queue.Poll() {
		return EnqueueResult{JobID: id, Queued: false}, nil
	}

	job, err := o.queue.GetJob(ctx, id)
	if err != nil {
		return EnqueueResult{JobID: id}, err
	}
	if job != nil {
		switch job.State {
		case JobWaiting, JobActive, JobDelayed:
			return EnqueueResult{JobID: id, Queued: false}, nil
		case JobCompleted, JobFailed:
			if err := o.queue.Remove(ctx, id); err != nil {
				return EnqueueResult{JobID: id}, err
			}
		}
	}

	if err := o.queue.Add(ctx, id, botID); err != nil {
		if errors.Is(err, ErrDuplicateID) {
			// Lost the race with another enqueue, the job is there.
			return EnqueueResult{JobID: id, Queued: false}, nil
		}
		return EnqueueResult{JobID: id}, err
	}
	return EnqueueResult{JobID: id, Queued: true}, nil
}

// Shutdown stops every runner and waits for none of them explicitly;
// each runner honors its context.
func (o *Orchestrator) Shutdown() {
	o.mu.Lock()
	defer o.mu.Unlock()
	for botID, cancel := range o.cancels {
		cancel()
		delete(o.cancels, botID)
	}
}

func (o *Orchestrator) runtime(ctx context.Context, botID string) (*BotRuntime, error) {
	rt, err := o.store.GetBotRuntime(ctx, botID)
	if err != nil {
		return nil, err
	}
	if rt == nil {
		rt = &BotRuntime{BotID: botID, Status: StatusStopped, UpdatedAt: o.now()}
	}
	return rt, nil
}

func (o *Orchestrator) launchRunner(botID string) {
	r, err := o.runnerFor(botID)
	if err != nil {
		o.log.Warn().Err(err).Str("bot_id", botID).Msg("no runner available, ticks come from the queue only")
		return
	}
	o.mu.Lock()
	defer o.mu.Unlock()
	if _, running := o.cancels[botID]; running {
		return
	}
	ctx, cancel := context.WithCancel(context.Background())
	o.cancels[botID] = cancel
	go r.Run(ctx)
}

func (o *Orchestrator) stopRunner(botID string) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if cancel, ok := o.cancels[botID]; ok {
		cancel()
		delete(o.cancels, botID)
	}
}
