package versus

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
	"go.uber.org/zap"

	"github.com/park285/digitpark-versus/internal/obslog"
)

// DefaultOpponentTimeout bounds the wait for the opponent's result.
const DefaultOpponentTimeout = 90 * time.Second

// OutcomeFunc receives the resolved match exactly once.
type OutcomeFunc func(outcome MatchOutcome)

type PipelineOption func(*Pipeline)

func WithPipelineClock(clock clockwork.Clock) PipelineOption {
	return func(p *Pipeline) {
		if clock != nil {
			p.clock = clock
		}
	}
}

// WithOpponentTimeout sets how long to wait for the opponent before declaring a
// forfeit. Zero waits forever.
func WithOpponentTimeout(d time.Duration) PipelineOption {
	return func(p *Pipeline) {
		if d < 0 {
			d = 0
		}
		p.timeout = d
	}
}

func WithPipelineMetrics(m Metrics) PipelineOption {
	return func(p *Pipeline) {
		if m != nil {
			p.metrics = m
		}
	}
}

func WithPipelineLogger(l *zap.Logger) PipelineOption {
	return func(p *Pipeline) {
		if l != nil {
			p.log = l
		}
	}
}

// WithObservers registers components notified of each resolved outcome,
// before the caller's callback runs.
func WithObservers(obs ...OutcomeObserver) PipelineOption {
	return func(p *Pipeline) {
		for _, o := range obs {
			if o != nil {
				p.observers = append(p.observers, o)
			}
		}
	}
}

type pendingMatch struct {
	local     PlayerResult
	onOutcome OutcomeFunc
	stop      func()
	timer     clockwork.Timer
	resolved  bool
	outcome   MatchOutcome
}

// Pipeline submits the local result, waits for the opponent's and resolves the match.
type Pipeline struct {
	svc       Service
	clock     clockwork.Clock
	timeout   time.Duration
	metrics   Metrics
	log       *zap.Logger
	observers []OutcomeObserver

	mu      sync.Mutex
	matches map[string]*pendingMatch
	closed  bool
}

func NewPipeline(svc Service, opts ...PipelineOption) *Pipeline {
	p := &Pipeline{
		svc:     svc,
		clock:   clockwork.NewRealClock(),
		timeout: DefaultOpponentTimeout,
		metrics: nopMetrics{},
		log:     obslog.L(),
		matches: make(map[string]*pendingMatch),
	}
	for _, opt := range opts {
		opt(p)
	}
	p.log = p.log.Named("pipeline")
	return p
}

// SubmitAndAwaitOutcome sends the local result for matchID and arranges for
// onOutcome to be called once the opponent's result is in (or the wait expires).
// It returns once the submission and the listener are in place.
//
// A match can be submitted only once; later calls get ErrAlreadySubmitted and
// never trigger a second submission or delivery.
func (p *Pipeline) SubmitAndAwaitOutcome(ctx context.Context, matchID string, local PlayerResult, onOutcome OutcomeFunc) error {
	matchID = strings.TrimSpace(matchID)
	if matchID == "" {
		return ErrInvalidMatch
	}
	if err := local.Validate(); err != nil {
		return err
	}

	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return ErrClosed
	}
	if _, ok := p.matches[matchID]; ok {
		p.mu.Unlock()
		p.log.Warn("duplicate_submit", zap.String("match_id", matchID))
		return ErrAlreadySubmitted
	}
	pm := &pendingMatch{local: local, onOutcome: onOutcome}
	p.matches[matchID] = pm
	p.mu.Unlock()

	// 상대 결과를 놓치지 않도록 제출 전에 리스너부터 등록
	stop, err := p.svc.ListenForOpponentResult(ctx, matchID, func(remote PlayerResult) {
		p.deliverRemote(matchID, remote)
	})
	if err != nil {
		p.drop(matchID, pm)
		p.log.Warn("listen_error", zap.String("match_id", matchID), zap.Error(err))
		return fmt.Errorf("listen for opponent result: %w", err)
	}

	p.mu.Lock()
	if pm.resolved {
		p.mu.Unlock()
		stop()
	} else {
		pm.stop = stop
		p.mu.Unlock()
	}

	if err := p.svc.SubmitMatchResult(ctx, matchID, local); err != nil {
		p.drop(matchID, pm)
		p.log.Warn("submit_error", zap.String("match_id", matchID), zap.Error(err))
		return fmt.Errorf("submit match result: %w", err)
	}
	p.log.Info("result_submitted",
		zap.String("match_id", matchID),
		zap.Float64("total_time", local.TotalTime),
		zap.Int("errors", local.Errors),
	)

	if p.timeout > 0 {
		timer := p.clock.AfterFunc(p.timeout, func() { p.expire(matchID) })
		p.mu.Lock()
		if pm.resolved {
			timer.Stop()
		} else {
			pm.timer = timer
		}
		p.mu.Unlock()
	}
	return nil
}

// Outcome returns the resolved outcome for matchID, if any.
func (p *Pipeline) Outcome(matchID string) (MatchOutcome, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	pm, ok := p.matches[strings.TrimSpace(matchID)]
	if !ok || !pm.resolved {
		return MatchOutcome{}, false
	}
	return pm.outcome, true
}

// Forget releases the bookkeeping for a match, stopping any pending wait
// without delivering an outcome.
func (p *Pipeline) Forget(matchID string) {
	p.mu.Lock()
	pm, ok := p.matches[strings.TrimSpace(matchID)]
	if ok {
		delete(p.matches, strings.TrimSpace(matchID))
		pm.resolved = true
	}
	p.mu.Unlock()
	if ok {
		pm.release()
	}
}

// Close abandons every pending wait. Outcomes not yet delivered are dropped.
func (p *Pipeline) Close() error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil
	}
	p.closed = true
	var pending []*pendingMatch
	for _, pm := range p.matches {
		if !pm.resolved {
			pm.resolved = true
			pending = append(pending, pm)
		}
	}
	p.mu.Unlock()
	for _, pm := range pending {
		pm.release()
	}
	return nil
}

func (p *Pipeline) deliverRemote(matchID string, remote PlayerResult) {
	if err := remote.Validate(); err != nil {
		p.log.Warn("opponent_result_invalid", zap.String("match_id", matchID), zap.Error(err))
		return
	}
	p.deliver(matchID, func(local PlayerResult) MatchOutcome {
		return Resolve(matchID, local, remote)
	})
}

func (p *Pipeline) expire(matchID string) {
	p.log.Info("opponent_timeout", zap.String("match_id", matchID), zap.Duration("waited", p.timeout))
	p.deliver(matchID, func(local PlayerResult) MatchOutcome {
		return Forfeit(matchID, local)
	})
}

// deliver resolves the match at most once and fans the outcome out.
func (p *Pipeline) deliver(matchID string, resolve func(local PlayerResult) MatchOutcome) {
	p.mu.Lock()
	pm, ok := p.matches[matchID]
	if !ok || pm.resolved {
		p.mu.Unlock()
		p.metrics.IncStaleCallback("outcome")
		return
	}
	out := resolve(pm.local)
	out.ResolvedAt = p.clock.Now()
	pm.resolved = true
	pm.outcome = out
	cb := pm.onOutcome
	p.mu.Unlock()

	pm.release()
	p.metrics.ObserveOutcome(out.Reason, out.Winner)
	p.log.Info("outcome_resolved",
		zap.String("match_id", matchID),
		zap.String("winner", out.Winner.String()),
		zap.String("reason", string(out.Reason)),
		zap.String("local", out.Local.String()),
		zap.String("remote", out.Remote.String()),
	)
	for _, o := range p.observers {
		o.OutcomeResolved(out)
	}
	if cb != nil {
		cb(out)
	}
}

// drop forgets a match whose submission failed. A match that already
// delivered its outcome stays recorded so a retry gets ErrAlreadySubmitted.
func (p *Pipeline) drop(matchID string, pm *pendingMatch) {
	p.mu.Lock()
	if cur, ok := p.matches[matchID]; ok && cur == pm && !pm.resolved {
		delete(p.matches, matchID)
	}
	pm.resolved = true
	p.mu.Unlock()
	pm.release()
}

// release stops the timer and listener. Callers must have marked pm resolved
// under the pipeline lock first; the fields are not touched after that.
func (pm *pendingMatch) release() {
	if pm.timer != nil {
		pm.timer.Stop()
	}
	if pm.stop != nil {
		pm.stop()
	}
}
