package orchestrator

import (
	"context"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"mm-control-plane/internal/license"
)

type memQueue struct {
	jobs map[string]*Job
	poll bool
}

func newMemQueue() *memQueue { return &memQueue{jobs: make(map[string]*Job)} }

func (q *memQueue) Poll() bool { return q.poll }

func (q *memQueue) GetJob(_ context.Context, id string) (*Job, error) {
	if j, ok := q.jobs[id]; ok {
		copied := *j
		return &copied, nil
	}
	return nil, nil
}

func (q *memQueue) Add(_ context.Context, id, payload string) error {
	if _, ok := q.jobs[id]; ok {
		return ErrDuplicateID
	}
	q.jobs[id] = &Job{ID: id, State: JobWaiting, Payload: payload, AddedAt: time.Now()}
	return nil
}

func (q *memQueue) Remove(_ context.Context, id string) error {
	delete(q.jobs, id)
	return nil
}

func (q *memQueue) SetState(_ context.Context, id, state string) error {
	if j, ok := q.jobs[id]; ok {
		j.State = state
	}
	return nil
}

func (q *memQueue) Next(_ context.Context) (*Job, error) { return nil, nil }

type memStore struct {
	runtimes map[string]*BotRuntime
	total    int
	running  int
}

func newMemStore() *memStore { return &memStore{runtimes: make(map[string]*BotRuntime)} }

func (s *memStore) GetBotRuntime(_ context.Context, botID string) (*BotRuntime, error) {
	if rt, ok := s.runtimes[botID]; ok {
		copied := *rt
		return &copied, nil
	}
	return nil, nil
}

func (s *memStore) UpsertBotRuntime(_ context.Context, rt *BotRuntime) error {
	copied := *rt
	s.runtimes[rt.BotID] = &copied
	return nil
}

func (s *memStore) CountBots(_ context.Context, _ string) (int, int, error) {
	return s.total, s.running, nil
}

type fakeGate struct{ decision license.Decision }

func (g *fakeGate) EnforceBotStart(_ context.Context, _ license.StartRequest) license.Decision {
	return g.decision
}

func allowGate() *fakeGate {
	return &fakeGate{decision: license.Decision{Allowed: true, Reason: license.DecisionOK}}
}

// TestFSMTransitions verifies the allowed and rejected moves.
func TestFSMTransitions(t *testing.T) {
	cases := []struct {
		from, to string
		ok       bool
	}{
		{StatusStopped, StatusRunning, true},
		{StatusRunning, StatusPaused, true},
		{StatusRunning, StatusStopped, true},
		{StatusRunning, StatusError, true},
		{StatusPaused, StatusRunning, true},
		{StatusStopped, StatusPaused, false},
		{StatusStopped, StatusError, false},
		{StatusPaused, StatusPaused, true}, // idempotent
	}
	for _, tc := range cases {
		if got := CanTransition(tc.from, tc.to); got != tc.ok {
			t.Errorf("CanTransition(%s, %s) = %v, want %v", tc.from, tc.to, got, tc.ok)
		}
	}
}

// TestReasonClearedOnRunning verifies a transition to RUNNING wipes the
// standing reason.
func TestReasonClearedOnRunning(t *testing.T) {
	rt := &BotRuntime{BotID: "bot1", Status: StatusPaused, Reason: "news blackout"}
	if err := Transition(rt, StatusRunning, "ignored", time.Now()); err != nil {
		t.Fatalf("Expected transition allowed, got %v", err)
	}
	if rt.Reason != "" {
		t.Errorf("Expected reason cleared on RUNNING, got %q", rt.Reason)
	}
}

// TestStartLicenseDenied verifies a license denial blocks the
// transition and reports the decision reason.
func TestStartLicenseDenied(t *testing.T) {
	store := newMemStore()
	gate := &fakeGate{decision: license.Decision{Allowed: false, Reason: license.DecisionMaxRunningBots}}
	o := New(store, newMemQueue(), gate, zerolog.Nop())

	res, err := o.Start(context.Background(), "bot1", "u1", "binance")
	if err != nil {
		t.Fatalf("Expected no error, got %v", err)
	}
	if res.OK {
		t.Fatalf("Expected start denied")
	}
	if res.Reason != license.DecisionMaxRunningBots {
		t.Errorf("Expected max_running_bots_exceeded, got %q", res.Reason)
	}
	if rt := store.runtimes["bot1"]; rt != nil && rt.Status == StatusRunning {
		t.Errorf("Expected runtime not transitioned to RUNNING")
	}
}

// TestStartPauseStopLifecycle verifies the full lifecycle and that the
// pause reason is recorded then cleared on restart.
func TestStartPauseStopLifecycle(t *testing.T) {
	store := newMemStore()
	o := New(store, newMemQueue(), allowGate(), zerolog.Nop())
	ctx := context.Background()

	if res, _ := o.Start(ctx, "bot1", "u1", "binance"); !res.OK {
		t.Fatalf("Expected start ok, got %+v", res)
	}
	if store.runtimes["bot1"].Status != StatusRunning {
		t.Fatalf("Expected RUNNING, got %s", store.runtimes["bot1"].Status)
	}

	rt, err := o.Pause(ctx, "bot1", "manual pause")
	if err != nil {
		t.Fatalf("Expected pause ok, got %v", err)
	}
	if rt.Status != StatusPaused || rt.Reason != "manual pause" {
		t.Errorf("Expected PAUSED with reason, got %+v", rt)
	}

	// Pause twice is idempotent.
	if _, err := o.Pause(ctx, "bot1", "again"); err != nil {
		t.Errorf("Expected idempotent pause, got %v", err)
	}

	if res, _ := o.Start(ctx, "bot1", "u1", "binance"); !res.OK {
		t.Fatalf("Expected restart ok")
	}
	if store.runtimes["bot1"].Reason != "" {
		t.Errorf("Expected reason cleared after restart")
	}

	rt, _ = o.Stop(ctx, "bot1", "shutdown")
	if rt.Status != StatusStopped {
		t.Errorf("Expected STOPPED, got %s", rt.Status)
	}
}

// TestEnqueueIdempotence verifies the queue dedup: first enqueue adds,
// the second with the job still pending reports not queued.
func TestEnqueueIdempotence(t *testing.T) {
	q := newMemQueue()
	o := New(newMemStore(), q, allowGate(), zerolog.Nop())
	ctx := context.Background()

	res, err := o.EnqueueRun(ctx, "bot1")
	if err != nil {
		t.Fatalf("Expected no error, got %v", err)
	}
	if res.JobID != "bot-bot1" || !res.Queued {
		t.Fatalf("Expected {bot-bot1, queued}, got %+v", res)
	}

	// Second call with the job active.
	q.jobs["bot-bot1"].State = JobActive
	res, err = o.EnqueueRun(ctx, "bot1")
	if err != nil {
		t.Fatalf("Expected no error, got %v", err)
	}
	if res.Queued {
		t.Errorf("Expected queued=false with an active job")
	}
	if res.JobID != "bot-bot1" {
		t.Errorf("Expected stable job id, got %q", res.JobID)
	}
}

// TestEnqueueReplacesTerminalJob verifies completed and failed jobs are
// removed then re-added.
func TestEnqueueReplacesTerminalJob(t *testing.T) {
	q := newMemQueue()
	o := New(newMemStore(), q, allowGate(), zerolog.Nop())
	ctx := context.Background()

	for _, terminal := range []string{JobCompleted, JobFailed} {
		q.jobs["bot-bot1"] = &Job{ID: "bot-bot1", State: terminal}
		res, err := o.EnqueueRun(ctx, "bot1")
		if err != nil {
			t.Fatalf("Expected no error, got %v", err)
		}
		if !res.Queued {
			t.Errorf("Expected terminal %s job replaced, got %+v", terminal, res)
		}
		if q.jobs["bot-bot1"].State != JobWaiting {
			t.Errorf("Expected fresh waiting job after %s", terminal)
		}
	}
}

// TestEnqueuePollMode verifies poll mode accepts the call and reports
// not queued with the same id shape.
func TestEnqueuePollMode(t *testing.T) {
	q := newMemQueue()
	q.poll = true
	o := New(newMemStore(), q, allowGate(), zerolog.Nop())

	res, err := o.EnqueueRun(context.Background(), "bot1")
	if err != nil {
		t.Fatalf("Expected no error, got %v", err)
	}
	if res.Queued || res.JobID != "bot-bot1" {
		t.Errorf("Expected {bot-bot1, queued=false} in poll mode, got %+v", res)
	}
}

// racedQueue hides the job from GetJob so Add hits the duplicate path,
// simulating a concurrent enqueue between the lookup and the add.
type racedQueue struct{ *memQueue }

func (q racedQueue) GetJob(_ context.Context, _ string) (*Job, error) { return nil, nil }

// TestEnqueueDuplicateAddTolerated verifies a duplicate-id race on add
// is treated as already queued.
func TestEnqueueDuplicateAddTolerated(t *testing.T) {
	mq := newMemQueue()
	mq.jobs["bot-bot1"] = &Job{ID: "bot-bot1", State: JobWaiting}
	o := New(newMemStore(), racedQueue{mq}, allowGate(), zerolog.Nop())

	res, err := o.EnqueueRun(context.Background(), "bot1")
	if err != nil {
		t.Fatalf("Expected duplicate tolerated, got %v", err)
	}
	if res.Queued {
		t.Errorf("Expected queued=false for existing job")
	}
	if res.JobID != "bot-bot1" {
		t.Errorf("Expected stable job id, got %q", res.JobID)
	}
}
