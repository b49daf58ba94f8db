package versus

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
)

type observerFunc func(MatchOutcome)

func (f observerFunc) OutcomeResolved(o MatchOutcome) { f(o) }

func newTestPipeline(t *testing.T, svc Service, opts ...PipelineOption) (*Pipeline, *clockwork.FakeClock) {
	t.Helper()
	clock := clockwork.NewFakeClock()
	p := NewPipeline(svc, append([]PipelineOption{WithPipelineClock(clock)}, opts...)...)
	t.Cleanup(func() { _ = p.Close() })
	return p, clock
}

func TestPipelineListensBeforeSubmitting(t *testing.T) {
	svc := newFakeService()
	p, _ := newTestPipeline(t, svc)
	if err := p.SubmitAndAwaitOutcome(context.Background(), "m1", PlayerResult{TotalTime: 8.2, Errors: 1}, nil); err != nil {
		t.Fatalf("SubmitAndAwaitOutcome: %v", err)
	}
	svc.mu.Lock()
	defer svc.mu.Unlock()
	if len(svc.calls) != 2 || svc.calls[0] != "listen:m1" || svc.calls[1] != "submit:m1" {
		t.Fatalf("unexpected call order: %v", svc.calls)
	}
}

func TestPipelineDeliversOnce(t *testing.T) {
	svc := newFakeService()
	metrics := newCountingMetrics()
	p, _ := newTestPipeline(t, svc, WithPipelineMetrics(metrics))

	outcomes := make(chan MatchOutcome, 4)
	cb := func(o MatchOutcome) { outcomes <- o }
	ctx := context.Background()
	local := PlayerResult{TotalTime: 10.0, Errors: 2}
	if err := p.SubmitAndAwaitOutcome(ctx, "m1", local, cb); err != nil {
		t.Fatalf("first submit: %v", err)
	}
	if err := p.SubmitAndAwaitOutcome(ctx, "m1", local, cb); !errors.Is(err, ErrAlreadySubmitted) {
		t.Fatalf("expected ErrAlreadySubmitted, got %v", err)
	}

	onResult := svc.opponent(t, "m1")
	var wg sync.WaitGroup
	for i := 0; i < 3; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			onResult(PlayerResult{TotalTime: 10.0, Errors: 1})
		}()
	}
	wg.Wait()

	out := recv(t, outcomes)
	if out.Winner != SideRemote || out.Reason != ReasonErrors {
		t.Fatalf("unexpected outcome: %+v", out)
	}
	expectNone(t, outcomes)

	svc.mu.Lock()
	submitted, stops := len(svc.submitted["m1"]), svc.stops
	svc.mu.Unlock()
	if submitted != 1 {
		t.Fatalf("local result submitted %d times", submitted)
	}
	if stops != 1 {
		t.Fatalf("listener stopped %d times", stops)
	}
	if got, ok := p.Outcome("m1"); !ok || got.Winner != SideRemote {
		t.Fatalf("Outcome: %+v %v", got, ok)
	}
	if metrics.staleCount("outcome") != 2 {
		t.Fatalf("stale outcome deliveries: %d", metrics.staleCount("outcome"))
	}
}

func TestPipelineOpponentTimeoutForfeits(t *testing.T) {
	svc := newFakeService()
	p, clock := newTestPipeline(t, svc, WithOpponentTimeout(30*time.Second))

	outcomes := make(chan MatchOutcome, 1)
	local := PlayerResult{TotalTime: 41.3, Errors: 6}
	if err := p.SubmitAndAwaitOutcome(context.Background(), "m2", local, func(o MatchOutcome) { outcomes <- o }); err != nil {
		t.Fatalf("submit: %v", err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := clock.BlockUntilContext(ctx, 1); err != nil {
		t.Fatalf("timer not armed: %v", err)
	}
	clock.Advance(29 * time.Second)
	expectNone(t, outcomes)
	clock.Advance(time.Second)

	out := recv(t, outcomes)
	if out.Reason != ReasonForfeit || !out.LocalWon() || out.Local != local {
		t.Fatalf("unexpected outcome: %+v", out)
	}
	// a result arriving after the forfeit is dropped
	svc.opponent(t, "m2")(PlayerResult{TotalTime: 1})
	expectNone(t, outcomes)
}

func TestPipelineZeroTimeoutWaitsForever(t *testing.T) {
	svc := newFakeService()
	p, clock := newTestPipeline(t, svc, WithOpponentTimeout(0))
	outcomes := make(chan MatchOutcome, 1)
	if err := p.SubmitAndAwaitOutcome(context.Background(), "m3", PlayerResult{TotalTime: 5}, func(o MatchOutcome) { outcomes <- o }); err != nil {
		t.Fatalf("submit: %v", err)
	}
	clock.Advance(24 * time.Hour)
	expectNone(t, outcomes)
	svc.opponent(t, "m3")(PlayerResult{TotalTime: 6})
	if out := recv(t, outcomes); !out.LocalWon() || out.Reason != ReasonTime {
		t.Fatalf("unexpected outcome: %+v", out)
	}
}

func TestPipelineSubmitErrorReleasesListener(t *testing.T) {
	svc := newFakeService()
	svc.submitErr = errors.New("network down")
	p, _ := newTestPipeline(t, svc)
	ctx := context.Background()
	if err := p.SubmitAndAwaitOutcome(ctx, "m4", PlayerResult{TotalTime: 5}, nil); err == nil {
		t.Fatalf("expected submit error")
	}
	svc.mu.Lock()
	stops := svc.stops
	svc.submitErr = nil
	svc.mu.Unlock()
	if stops != 1 {
		t.Fatalf("listener not released: stops=%d", stops)
	}
	// the failed attempt does not count as a submission
	if err := p.SubmitAndAwaitOutcome(ctx, "m4", PlayerResult{TotalTime: 5}, nil); err != nil {
		t.Fatalf("retry: %v", err)
	}
}

func TestPipelineListenError(t *testing.T) {
	svc := newFakeService()
	svc.listenErr = errors.New("subscribe failed")
	p, _ := newTestPipeline(t, svc)
	if err := p.SubmitAndAwaitOutcome(context.Background(), "m5", PlayerResult{TotalTime: 5}, nil); err == nil {
		t.Fatalf("expected listen error")
	}
	svc.mu.Lock()
	defer svc.mu.Unlock()
	if len(svc.submitted["m5"]) != 0 {
		t.Fatalf("result submitted without a listener")
	}
}

func TestPipelineRejectsInvalidInput(t *testing.T) {
	p, _ := newTestPipeline(t, newFakeService())
	ctx := context.Background()
	if err := p.SubmitAndAwaitOutcome(ctx, "  ", PlayerResult{TotalTime: 1}, nil); !errors.Is(err, ErrInvalidMatch) {
		t.Fatalf("expected ErrInvalidMatch, got %v", err)
	}
	if err := p.SubmitAndAwaitOutcome(ctx, "m", PlayerResult{TotalTime: -1}, nil); !errors.Is(err, ErrInvalidResult) {
		t.Fatalf("expected ErrInvalidResult, got %v", err)
	}
}

func TestPipelineIgnoresInvalidOpponentResult(t *testing.T) {
	svc := newFakeService()
	p, _ := newTestPipeline(t, svc)
	outcomes := make(chan MatchOutcome, 1)
	if err := p.SubmitAndAwaitOutcome(context.Background(), "m6", PlayerResult{TotalTime: 5}, func(o MatchOutcome) { outcomes <- o }); err != nil {
		t.Fatalf("submit: %v", err)
	}
	listener := svc.opponent(t, "m6")
	listener(PlayerResult{TotalTime: -3})
	expectNone(t, outcomes)
	listener(PlayerResult{TotalTime: 4})
	if out := recv(t, outcomes); out.Winner != SideRemote {
		t.Fatalf("unexpected outcome: %+v", out)
	}
}

func TestPipelineNotifiesObservers(t *testing.T) {
	svc := newFakeService()
	seen := make(chan MatchOutcome, 1)
	p, _ := newTestPipeline(t, svc, WithObservers(observerFunc(func(o MatchOutcome) { seen <- o })))
	if err := p.SubmitAndAwaitOutcome(context.Background(), "m7", PlayerResult{TotalTime: 5}, nil); err != nil {
		t.Fatalf("submit: %v", err)
	}
	svc.opponent(t, "m7")(PlayerResult{TotalTime: 5})
	if out := recv(t, seen); !out.Draw() || out.MatchID != "m7" {
		t.Fatalf("observer got %+v", out)
	}
}

func TestPipelineObserversRunBeforeCallback(t *testing.T) {
	svc := newFakeService()
	var mu sync.Mutex
	var order []string
	note := func(s string) {
		mu.Lock()
		order = append(order, s)
		mu.Unlock()
	}
	p, _ := newTestPipeline(t, svc, WithObservers(observerFunc(func(MatchOutcome) { note("observer") })))
	done := make(chan struct{})
	if err := p.SubmitAndAwaitOutcome(context.Background(), "m10", PlayerResult{TotalTime: 5}, func(MatchOutcome) {
		note("callback")
		close(done)
	}); err != nil {
		t.Fatalf("submit: %v", err)
	}
	svc.opponent(t, "m10")(PlayerResult{TotalTime: 6})
	recv(t, done)
	mu.Lock()
	defer mu.Unlock()
	if len(order) != 2 || order[0] != "observer" || order[1] != "callback" {
		t.Fatalf("unexpected order: %v", order)
	}
}

func TestPipelineFailedSubmitAfterDeliveryKeepsMatch(t *testing.T) {
	svc := newFakeService()
	svc.replay = &PlayerResult{TotalTime: 9}
	svc.submitErr = errors.New("boom")
	p, _ := newTestPipeline(t, svc)

	var mu sync.Mutex
	calls := 0
	cb := func(MatchOutcome) {
		mu.Lock()
		calls++
		mu.Unlock()
	}
	ctx := context.Background()
	if err := p.SubmitAndAwaitOutcome(ctx, "m11", PlayerResult{TotalTime: 8}, cb); err == nil {
		t.Fatalf("expected submit error")
	}
	svc.mu.Lock()
	svc.submitErr = nil
	svc.mu.Unlock()
	if err := p.SubmitAndAwaitOutcome(ctx, "m11", PlayerResult{TotalTime: 8}, cb); !errors.Is(err, ErrAlreadySubmitted) {
		t.Fatalf("expected ErrAlreadySubmitted on retry, got %v", err)
	}
	mu.Lock()
	defer mu.Unlock()
	if calls != 1 {
		t.Fatalf("outcome delivered %d times", calls)
	}
	if out, ok := p.Outcome("m11"); !ok || out.Winner != SideLocal {
		t.Fatalf("outcome lost: %+v %v", out, ok)
	}
}

func TestPipelineCloseDropsPending(t *testing.T) {
	svc := newFakeService()
	p, _ := newTestPipeline(t, svc)
	outcomes := make(chan MatchOutcome, 1)
	if err := p.SubmitAndAwaitOutcome(context.Background(), "m8", PlayerResult{TotalTime: 5}, func(o MatchOutcome) { outcomes <- o }); err != nil {
		t.Fatalf("submit: %v", err)
	}
	if err := p.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	svc.opponent(t, "m8")(PlayerResult{TotalTime: 6})
	expectNone(t, outcomes)
	if err := p.SubmitAndAwaitOutcome(context.Background(), "m9", PlayerResult{TotalTime: 5}, nil); !errors.Is(err, ErrClosed) {
		t.Fatalf("expected ErrClosed, got %v", err)
	}
}
