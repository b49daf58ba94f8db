package versus

import (
	"context"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
	"go.uber.org/zap"

	"github.com/park285/digitpark-versus/internal/obslog"
)

// CoordinatorConfig holds the timing of one search-to-start cycle.
type CoordinatorConfig struct {
	SearchTimeout time.Duration
	TickInterval  time.Duration
	// RevealDelay is the opponent-card pause between MatchFound and Countdown.
	RevealDelay   time.Duration
	CountdownFrom int
	CountdownStep time.Duration
	// GoHold keeps the "go" signal on screen before the game starts.
	GoHold time.Duration
}

func DefaultCoordinatorConfig() CoordinatorConfig {
	return CoordinatorConfig{
		SearchTimeout: 120 * time.Second,
		TickInterval:  time.Second,
		RevealDelay:   2 * time.Second,
		CountdownFrom: 3,
		CountdownStep: time.Second,
		GoHold:        500 * time.Millisecond,
	}
}

func (c CoordinatorConfig) normalized() CoordinatorConfig {
	def := DefaultCoordinatorConfig()
	if c.SearchTimeout <= 0 {
		c.SearchTimeout = def.SearchTimeout
	}
	if c.TickInterval <= 0 {
		c.TickInterval = def.TickInterval
	}
	if c.CountdownStep <= 0 {
		c.CountdownStep = def.CountdownStep
	}
	if c.CountdownFrom < 0 {
		c.CountdownFrom = 0
	}
	if c.RevealDelay < 0 {
		c.RevealDelay = 0
	}
	if c.GoHold < 0 {
		c.GoHold = 0
	}
	return c
}

// Hooks receive the coordinator's outputs. They run on the coordinator's event
// loop, so they must return quickly and must not call back into the
// coordinator synchronously.
type Hooks struct {
	OnState      func(Session)
	OnSearchTick func(elapsed time.Duration)
	// OnCountdown gets CountdownFrom..1 and finally 0 for "go".
	OnCountdown func(remaining int)
	OnStart     func(MatchStart)
	OnFailure   func(Failure)
}

type CoordinatorOption func(*Coordinator)

func WithClock(clock clockwork.Clock) CoordinatorOption {
	return func(c *Coordinator) {
		if clock != nil {
			c.clock = clock
		}
	}
}

func WithHooks(h Hooks) CoordinatorOption {
	return func(c *Coordinator) { c.hooks = h }
}

func WithConfig(cfg CoordinatorConfig) CoordinatorOption {
	return func(c *Coordinator) { c.cfg = cfg.normalized() }
}

func WithMetrics(m Metrics) CoordinatorOption {
	return func(c *Coordinator) {
		if m != nil {
			c.metrics = m
		}
	}
}

func WithLogger(l *zap.Logger) CoordinatorOption {
	return func(c *Coordinator) {
		if l != nil {
			c.log = l
		}
	}
}

// Coordinator drives one player's matchmaking session from search to game start.
//
// Every input (public calls, service callbacks, timers) is queued onto a
// single event loop and applied there in order. Each session carries a
// generation; callbacks captured for an older generation are dropped when
// they finally arrive.
//
// Calls into the Service run on a separate request goroutine, one at a time
// and in the order the loop issued them, so a withdraw always reaches the
// service before the next search does.
type Coordinator struct {
	svc     Service
	clock   clockwork.Clock
	cfg     CoordinatorConfig
	hooks   Hooks
	metrics Metrics
	log     *zap.Logger

	events   chan func()
	stopCh   chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup

	requests  chan func()
	requestWG sync.WaitGroup

	// owned by the loop goroutine
	gen          uint64
	sess         Session
	tickTimer    clockwork.Timer
	phaseTimer   clockwork.Timer
	searchCancel context.CancelFunc
}

func NewCoordinator(svc Service, opts ...CoordinatorOption) *Coordinator {
	c := &Coordinator{
		svc:     svc,
		clock:   clockwork.NewRealClock(),
		cfg:     DefaultCoordinatorConfig(),
		metrics: nopMetrics{},
		log:     obslog.L(),
		events:   make(chan func(), 64),
		stopCh:   make(chan struct{}),
		requests: make(chan func(), 64),
	}
	for _, opt := range opts {
		opt(c)
	}
	c.log = c.log.Named("coordinator")
	c.wg.Add(1)
	go c.loop()
	c.requestWG.Add(1)
	go c.serveRequests()
	return c
}

// serveRequests runs service calls in issue order until requests is closed.
func (c *Coordinator) serveRequests() {
	defer c.requestWG.Done()
	for fn := range c.requests {
		fn()
	}
}

func (c *Coordinator) loop() {
	defer c.wg.Done()
	for {
		select {
		case <-c.stopCh:
			c.stopTimers()
			c.releaseSearch()
			return
		case fn := <-c.events:
			fn()
		}
	}
}

// post queues fn onto the loop. It reports false once the coordinator is closed.
func (c *Coordinator) post(fn func()) bool {
	select {
	case <-c.stopCh:
		return false
	default:
	}
	select {
	case c.events <- fn:
		return true
	case <-c.stopCh:
		return false
	}
}

// call runs fn on the loop and waits for it.
func (c *Coordinator) call(fn func()) error {
	done := make(chan struct{})
	if !c.post(func() { fn(); close(done) }) {
		return ErrClosed
	}
	select {
	case <-done:
		return nil
	case <-c.stopCh:
		return ErrClosed
	}
}

// StartSearch opens a new session and asks the service for an opponent.
// Results arrive through Hooks; a service that refuses the request is reported
// as a backend failure rather than returned. A withdraw left over from the
// previous session is delivered before the new request.
func (c *Coordinator) StartSearch(req MatchRequest) error {
	if err := req.Validate(); err != nil {
		return err
	}
	var err error
	if cerr := c.call(func() { err = c.startSearch(req) }); cerr != nil {
		return cerr
	}
	return err
}

// Cancel abandons the current session. Late service callbacks for it are ignored.
func (c *Coordinator) Cancel() error {
	var err error
	if cerr := c.call(func() { err = c.cancel() }); cerr != nil {
		return cerr
	}
	return err
}

// Complete marks the running match as finished once its outcome is known.
func (c *Coordinator) Complete(matchID string) error {
	var err error
	if cerr := c.call(func() {
		if c.sess.State != StateInProgress || c.sess.MatchID != matchID {
			err = ErrNotInProgress
			return
		}
		c.transition(StateCompleted)
	}); cerr != nil {
		return cerr
	}
	return err
}

// OnMatchFound feeds a pairing for the given generation into the loop.
// The service callbacks registered by StartSearch use the same path.
func (c *Coordinator) OnMatchFound(gen uint64, matchID, opponentID string) {
	c.post(func() { c.handleFound(gen, matchID, opponentID) })
}

// OnMatchFailed feeds a hard matchmaking failure for the given generation.
func (c *Coordinator) OnMatchFailed(gen uint64, reason string) {
	c.post(func() { c.handleFailed(gen, reason) })
}

// Snapshot returns a copy of the current session.
func (c *Coordinator) Snapshot() (Session, error) {
	var s Session
	err := c.call(func() { s = c.sess.clone() })
	return s, err
}

// Close stops the loop and any pending timers. An active search is withdrawn
// and queued service calls are drained before Close returns.
func (c *Coordinator) Close() error {
	var searching bool
	_ = c.call(func() { searching = c.sess.State == StateSearching })
	c.stopOnce.Do(func() {
		close(c.stopCh)
		c.wg.Wait()
		// the loop has exited; nothing else writes to requests
		if searching {
			c.withdraw()
		}
		close(c.requests)
	})
	c.requestWG.Wait()
	return nil
}

func (c *Coordinator) startSearch(req MatchRequest) error {
	if c.sess.State.Pending() {
		return ErrSearchActive
	}
	c.stopTimers()
	c.releaseSearch()

	c.gen++
	gen := c.gen
	c.sess = Session{
		Generation: gen,
		State:      StateSearching,
		Request:    req,
		StartedAt:  c.clock.Now(),
	}
	ctx, cancel := context.WithCancel(context.Background())
	c.searchCancel = cancel

	onFound := func(matchID, opponentID string) { c.OnMatchFound(gen, matchID, opponentID) }
	onFailed := func(reason string) { c.OnMatchFailed(gen, reason) }

	c.log.Info("search_start",
		zap.Uint64("generation", gen),
		zap.String("key", req.Key()),
		zap.Bool("sprint", req.Sprint),
		zap.Bool("cash", req.Cash),
	)
	c.scheduleTick(gen)
	c.emitState()

	c.requests <- func() {
		if ctx.Err() != nil {
			return
		}
		var err error
		if req.Sprint {
			err = c.svc.FindSprintMatch(ctx, req.GameModes(), onFound, onFailed)
		} else {
			err = c.svc.FindMatch(ctx, req.Mode, req.Cash, onFound, onFailed)
		}
		if err != nil && ctx.Err() == nil {
			c.log.Warn("search_request_error", zap.Uint64("generation", gen), zap.Error(err))
			c.OnMatchFailed(gen, err.Error())
		}
	}
	return nil
}

func (c *Coordinator) scheduleTick(gen uint64) {
	wait := c.cfg.TickInterval
	if remaining := c.cfg.SearchTimeout - c.clock.Since(c.sess.StartedAt); remaining < wait {
		wait = remaining
	}
	if wait <= 0 {
		wait = time.Millisecond
	}
	c.tickTimer = c.clock.AfterFunc(wait, func() {
		c.post(func() { c.handleTick(gen) })
	})
}

func (c *Coordinator) handleTick(gen uint64) {
	if gen != c.gen || c.sess.State != StateSearching {
		return
	}
	c.sess.Elapsed = c.clock.Since(c.sess.StartedAt)
	if c.sess.Elapsed >= c.cfg.SearchTimeout {
		c.log.Info("search_timeout", zap.Uint64("generation", gen), zap.Duration("elapsed", c.sess.Elapsed))
		c.withdraw()
		c.fail(FailureTimedOut, "no opponents found")
		return
	}
	c.scheduleTick(gen)
	if c.hooks.OnSearchTick != nil {
		c.hooks.OnSearchTick(c.sess.Elapsed)
	}
}

func (c *Coordinator) handleFound(gen uint64, matchID, opponentID string) {
	if gen != c.gen {
		c.log.Debug("stale_callback", zap.String("kind", "found"), zap.Uint64("generation", gen), zap.Uint64("current", c.gen), zap.String("match_id", matchID))
		c.metrics.IncStaleCallback("found")
		return
	}
	if c.sess.State != StateSearching {
		// 중복 호출 방지: 이미 매칭된 세션
		c.log.Debug("duplicate_match_found", zap.Uint64("generation", gen), zap.String("state", c.sess.State.String()))
		c.metrics.IncStaleCallback("duplicate_found")
		return
	}
	if matchID == "" {
		c.fail(FailureBackend, "matchmaking returned an empty match id")
		return
	}
	c.stopTimers()
	c.releaseSearch()
	c.sess.Elapsed = c.clock.Since(c.sess.StartedAt)
	c.sess.MatchID = matchID
	c.sess.OpponentID = opponentID
	c.metrics.ObserveSearch("found", c.sess.Elapsed)
	c.log.Info("match_found",
		zap.Uint64("generation", gen),
		zap.String("match_id", matchID),
		zap.String("opponent_id", opponentID),
		zap.Duration("elapsed", c.sess.Elapsed),
	)

	immediate := c.schedule(c.cfg.RevealDelay, gen, c.beginCountdown)
	c.transition(StateMatchFound)
	if immediate {
		c.beginCountdown()
	}
}

func (c *Coordinator) handleFailed(gen uint64, reason string) {
	if gen != c.gen {
		c.log.Debug("stale_callback", zap.String("kind", "failed"), zap.Uint64("generation", gen), zap.Uint64("current", c.gen))
		c.metrics.IncStaleCallback("failed")
		return
	}
	if c.sess.State != StateSearching {
		c.metrics.IncStaleCallback("late_failed")
		return
	}
	c.log.Warn("search_failed", zap.Uint64("generation", gen), zap.String("reason", reason))
	c.fail(FailureBackend, reason)
}

func (c *Coordinator) beginCountdown() {
	if c.sess.State != StateMatchFound {
		return
	}
	c.transition(StateCountdown)
	c.countdown(c.sess.Generation, c.cfg.CountdownFrom)
}

func (c *Coordinator) countdown(gen uint64, n int) {
	if c.sess.State != StateCountdown {
		return
	}
	if n > 0 {
		c.schedule(c.cfg.CountdownStep, gen, func() { c.countdown(gen, n-1) })
		c.emitCountdown(n)
		return
	}
	immediate := c.schedule(c.cfg.GoHold, gen, c.startGame)
	c.emitCountdown(0)
	if immediate {
		c.startGame()
	}
}

func (c *Coordinator) startGame() {
	if c.sess.State != StateCountdown {
		return
	}
	c.transition(StateInProgress)
	start := MatchStart{
		MatchID:    c.sess.MatchID,
		OpponentID: c.sess.OpponentID,
		Modes:      c.sess.Request.GameModes(),
		Cash:       c.sess.Request.Cash,
		Generation: c.sess.Generation,
	}
	c.log.Info("match_start", zap.String("match_id", start.MatchID), zap.String("opponent_id", start.OpponentID))
	if c.hooks.OnStart != nil {
		c.hooks.OnStart(start)
	}
}

func (c *Coordinator) cancel() error {
	switch {
	case c.sess.State == StateIdle:
		return ErrNoSession
	case c.sess.State.Terminal():
		return ErrNotCancellable
	}
	searching := c.sess.State == StateSearching
	c.log.Info("search_cancel", zap.Uint64("generation", c.sess.Generation), zap.String("state", c.sess.State.String()))
	if searching {
		c.withdraw()
	}
	c.fail(FailureCancelled, "cancelled by player")
	return nil
}

// fail moves the session into its terminal failure state and retires its generation.
func (c *Coordinator) fail(kind FailureKind, reason string) {
	wasSearching := c.sess.State == StateSearching
	c.stopTimers()
	c.releaseSearch()
	if wasSearching {
		c.sess.Elapsed = c.clock.Since(c.sess.StartedAt)
		c.metrics.ObserveSearch(string(kind), c.sess.Elapsed)
	}
	c.gen++

	next := StateTimedOut
	if kind == FailureCancelled {
		next = StateCancelled
	}
	c.transition(next)
	if c.hooks.OnFailure != nil {
		c.hooks.OnFailure(Failure{
			Kind:       kind,
			Reason:     reason,
			Generation: c.sess.Generation,
			Elapsed:    c.sess.Elapsed,
		})
	}
}

// transition applies a forward-only state change and publishes it.
func (c *Coordinator) transition(next SessionState) {
	cur := c.sess.State
	if cur.Terminal() || next.rank() <= cur.rank() {
		c.log.Warn("transition_rejected", zap.String("from", cur.String()), zap.String("to", next.String()))
		return
	}
	c.sess.State = next
	c.emitState()
}

// withdraw queues a request asking the service to drop the outstanding search.
func (c *Coordinator) withdraw() {
	c.requests <- func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := c.svc.CancelMatchmaking(ctx); err != nil {
			c.log.Warn("withdraw_error", zap.Error(err))
		}
	}
}

// schedule arms the phase timer. A non-positive delay is not armed; the caller
// runs fn itself when schedule reports true.
func (c *Coordinator) schedule(d time.Duration, gen uint64, fn func()) bool {
	if d <= 0 {
		return true
	}
	c.phaseTimer = c.clock.AfterFunc(d, func() {
		c.post(func() {
			if gen != c.gen {
				return
			}
			fn()
		})
	})
	return false
}

func (c *Coordinator) stopTimers() {
	if c.tickTimer != nil {
		c.tickTimer.Stop()
		c.tickTimer = nil
	}
	if c.phaseTimer != nil {
		c.phaseTimer.Stop()
		c.phaseTimer = nil
	}
}

func (c *Coordinator) releaseSearch() {
	if c.searchCancel != nil {
		c.searchCancel()
		c.searchCancel = nil
	}
}

func (c *Coordinator) emitState() {
	if c.hooks.OnState != nil {
		c.hooks.OnState(c.sess.clone())
	}
}

func (c *Coordinator) emitCountdown(n int) {
	if c.hooks.OnCountdown != nil {
		c.hooks.OnCountdown(n)
	}
}
