package matchstore

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/park285/digitpark-versus/internal/obslog"
	"github.com/park285/digitpark-versus/internal/versus"
)

const maxPollErrors = 5

// Options configures one player's connection to the Redis backend.
type Options struct {
	PlayerID   string
	PlayerName string
	// PollInterval is how often a waiting player checks for a pairing.
	PollInterval time.Duration
	// EntryTTL bounds how long a queue entry survives an abandoned client.
	EntryTTL time.Duration
	Clock    clockwork.Clock
	Logger   *zap.Logger
}

// Service is the Redis implementation of versus.Service for a single player.
type Service struct {
	store *Store
	opts  Options
	clock clockwork.Clock
	log   *zap.Logger

	mu     sync.Mutex
	active *activeSearch
}

type activeSearch struct {
	cancel context.CancelFunc
	done   chan struct{}
}

var _ versus.Service = (*Service)(nil)

func NewService(rdb *redis.Client, opts Options) (*Service, error) {
	if rdb == nil || strings.TrimSpace(opts.PlayerID) == "" {
		return nil, ErrInvalidArgs
	}
	if opts.PollInterval <= 0 {
		opts.PollInterval = time.Second
	}
	if opts.EntryTTL <= 0 {
		opts.EntryTTL = 150 * time.Second
	}
	if opts.Clock == nil {
		opts.Clock = clockwork.NewRealClock()
	}
	if opts.Logger == nil {
		opts.Logger = obslog.L()
	}
	if strings.TrimSpace(opts.PlayerName) == "" {
		opts.PlayerName = opts.PlayerID
	}
	return &Service{
		store: NewStore(rdb),
		opts:  opts,
		clock: opts.Clock,
		log:   opts.Logger.Named("matchstore").With(zap.String("player_id", opts.PlayerID)),
	}, nil
}

// Store exposes the underlying Redis layout, e.g. for the queue janitor.
func (s *Service) Store() *Store { return s.store }

func (s *Service) FindMatch(ctx context.Context, mode versus.GameMode, cash bool, onFound versus.FoundFunc, onFailed versus.FailedFunc) error {
	req := versus.NewMatchRequest(mode, cash)
	if err := req.Validate(); err != nil {
		return err
	}
	return s.start(ctx, req, onFound, onFailed)
}

func (s *Service) FindSprintMatch(ctx context.Context, modes []versus.GameMode, onFound versus.FoundFunc, onFailed versus.FailedFunc) error {
	req := versus.NewSprintRequest(modes...)
	if err := req.Validate(); err != nil {
		return err
	}
	return s.start(ctx, req, onFound, onFailed)
}

// CancelMatchmaking stops the running search and removes its queue entry.
func (s *Service) CancelMatchmaking(ctx context.Context) error {
	s.mu.Lock()
	a := s.active
	s.active = nil
	s.mu.Unlock()
	if a == nil {
		return nil
	}
	a.cancel()
	select {
	case <-a.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s *Service) start(ctx context.Context, req versus.MatchRequest, onFound versus.FoundFunc, onFailed versus.FailedFunc) error {
	if onFound == nil || onFailed == nil {
		return fmt.Errorf("%w: callbacks required", ErrInvalidArgs)
	}
	// 이전 검색이 남아 있으면 먼저 정리
	if err := s.CancelMatchmaking(ctx); err != nil {
		return err
	}
	sctx, cancel := context.WithCancel(ctx)
	a := &activeSearch{cancel: cancel, done: make(chan struct{})}
	s.mu.Lock()
	s.active = a
	s.mu.Unlock()

	go func() {
		defer close(a.done)
		defer cancel()
		s.run(sctx, req, onFound, onFailed)
	}()
	return nil
}

func (s *Service) run(ctx context.Context, req versus.MatchRequest, onFound versus.FoundFunc, onFailed versus.FailedFunc) {
	key := req.Key()
	self := s.opts.PlayerID

	opp, err := s.store.ClaimOldest(ctx, key, self)
	if err != nil {
		if ctx.Err() == nil {
			s.log.Warn("mm_claim_error", zap.String("key", key), zap.Error(err))
			onFailed("matchmaking backend unavailable")
		}
		return
	}
	if opp != nil {
		matchID, err := s.createMatch(ctx, req, opp)
		if err != nil {
			if ctx.Err() == nil {
				s.log.Warn("mm_create_match_error", zap.String("key", key), zap.Error(err))
				onFailed("could not create match")
			}
			return
		}
		onFound(matchID, opp.PlayerID)
		return
	}

	entry := &QueueEntry{
		ID:         uuid.NewString(),
		Key:        key,
		PlayerID:   self,
		PlayerName: s.opts.PlayerName,
		Modes:      req.GameModes(),
		Cash:       req.Cash,
		EnqueuedAt: s.clock.Now(),
	}
	if err := s.store.Enqueue(ctx, entry, s.opts.EntryTTL); err != nil {
		if ctx.Err() == nil {
			s.log.Warn("mm_enqueue_error", zap.String("key", key), zap.Error(err))
			onFailed("matchmaking backend unavailable")
		}
		return
	}
	s.log.Info("mm_enqueued", zap.String("key", key), zap.String("entry_id", entry.ID))

	ticker := s.clock.NewTicker(s.opts.PollInterval)
	defer ticker.Stop()
	failures := 0
	for {
		select {
		case <-ctx.Done():
			s.withdraw(entry)
			return
		case <-ticker.Chan():
		}
		matchID, err := s.store.TakeHandOff(ctx, entry.ID)
		if err != nil {
			if ctx.Err() != nil {
				s.withdraw(entry)
				return
			}
			failures++
			s.log.Warn("mm_poll_error", zap.String("entry_id", entry.ID), zap.Int("failures", failures), zap.Error(err))
			if failures >= maxPollErrors {
				s.withdraw(entry)
				onFailed("lost connection to matchmaking")
				return
			}
			continue
		}
		failures = 0
		if matchID == "" {
			continue
		}
		rec, err := s.store.LoadMatch(ctx, matchID)
		if err != nil || rec == nil || rec.Opponent(self) == nil {
			s.log.Warn("mm_handoff_invalid", zap.String("match_id", matchID), zap.Error(err))
			continue
		}
		s.log.Info("mm_paired", zap.String("match_id", matchID), zap.String("opponent_id", rec.Opponent(self).ID))
		onFound(matchID, rec.Opponent(self).ID)
		return
	}
}

func (s *Service) createMatch(ctx context.Context, req versus.MatchRequest, opp *QueueEntry) (string, error) {
	now := s.clock.Now()
	rec := &MatchRecord{
		ID:        uuid.NewString(),
		Key:       req.Key(),
		Modes:     req.GameModes(),
		Cash:      req.Cash,
		Status:    StatusReady,
		Player1:   PlayerSlot{ID: opp.PlayerID, Name: opp.PlayerName},
		Player2:   PlayerSlot{ID: s.opts.PlayerID, Name: s.opts.PlayerName},
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := s.store.SaveMatch(ctx, rec); err != nil {
		return "", err
	}
	if err := s.store.HandOff(ctx, opp.ID, rec.ID, s.opts.EntryTTL); err != nil {
		return "", err
	}
	s.log.Info("mm_match_create",
		zap.String("match_id", rec.ID),
		zap.String("key", rec.Key),
		zap.String("player1", rec.Player1.ID),
		zap.String("player2", rec.Player2.ID),
	)
	return rec.ID, nil
}

func (s *Service) withdraw(entry *QueueEntry) {
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	if err := s.store.Dequeue(ctx, entry.Key, entry.ID); err != nil {
		s.log.Warn("mm_dequeue_error", zap.String("entry_id", entry.ID), zap.Error(err))
		return
	}
	s.log.Info("mm_dequeued", zap.String("entry_id", entry.ID))
}

// SubmitMatchResult records the local result. Score is the final score (time plus penalty).
func (s *Service) SubmitMatchResult(ctx context.Context, matchID string, result versus.PlayerResult) error {
	if strings.TrimSpace(matchID) == "" {
		return versus.ErrInvalidMatch
	}
	ev := ResultEvent{Score: result.FinalScore(), Time: result.TotalTime, Errors: result.Errors}
	if _, err := s.store.RecordResult(ctx, matchID, s.opts.PlayerID, ev, s.clock.Now()); err != nil {
		return err
	}
	s.log.Info("mm_result_recorded", zap.String("match_id", matchID), zap.Float64("score", ev.Score))
	return nil
}

// ListenForOpponentResult subscribes to the match channel. A result already on
// the record (the opponent finished first) is delivered as well.
func (s *Service) ListenForOpponentResult(ctx context.Context, matchID string, onResult versus.ResultFunc) (func(), error) {
	if strings.TrimSpace(matchID) == "" || onResult == nil {
		return nil, ErrInvalidArgs
	}
	self := s.opts.PlayerID
	sub, err := s.store.Subscribe(ctx, matchID)
	if err != nil {
		return nil, fmt.Errorf("subscribe: %w", err)
	}

	var once, closeOnce sync.Once
	stop := func() { closeOnce.Do(func() { _ = sub.Close() }) }
	deliver := func(r versus.PlayerResult) {
		once.Do(func() {
			stop()
			onResult(r)
		})
	}

	rec, err := s.store.LoadMatch(ctx, matchID)
	if err != nil {
		stop()
		return nil, err
	}
	if rec == nil {
		stop()
		return nil, ErrMatchGone
	}
	opp := rec.Opponent(self)
	if opp == nil {
		stop()
		return nil, ErrNotParticipant
	}
	if opp.Finished {
		r := opp.Result()
		go deliver(r)
		return stop, nil
	}

	go func() {
		for msg := range sub.Channel() {
			var ev ResultEvent
			if err := json.Unmarshal([]byte(msg.Payload), &ev); err != nil {
				s.log.Warn("mm_event_decode_error", zap.String("match_id", matchID), zap.Error(err))
				continue
			}
			if ev.PlayerID == self {
				continue
			}
			deliver(versus.ResultFromScore(ev.Score, ev.Time, ev.Errors))
			return
		}
	}()
	return stop, nil
}
