package history

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/park285/digitpark-versus/internal/obslog"
	"github.com/park285/digitpark-versus/internal/versus"
)

// Recorder persists resolved outcomes for one player. It implements
// versus.OutcomeObserver; saves run in the background.
type Recorder struct {
	repo     Repository
	playerID string
	timeout  time.Duration
	log      *zap.Logger

	mu     sync.Mutex
	starts map[string]versus.MatchStart
	wg     sync.WaitGroup
}

var _ versus.OutcomeObserver = (*Recorder)(nil)

func NewRecorder(repo Repository, playerID string) *Recorder {
	return &Recorder{
		repo:     repo,
		playerID: playerID,
		timeout:  5 * time.Second,
		log:      obslog.L().Named("history"),
		starts:   make(map[string]versus.MatchStart),
	}
}

// Bind remembers the match context (opponent, modes, stakes) for a later outcome.
func (r *Recorder) Bind(start versus.MatchStart) {
	r.mu.Lock()
	r.starts[start.MatchID] = start
	r.mu.Unlock()
}

func (r *Recorder) OutcomeResolved(o versus.MatchOutcome) {
	r.mu.Lock()
	start, ok := r.starts[o.MatchID]
	delete(r.starts, o.MatchID)
	r.mu.Unlock()
	if !ok {
		start = versus.MatchStart{MatchID: o.MatchID}
	}

	e := EntryFrom(r.playerID, start, o)
	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		ctx, cancel := context.WithTimeout(context.Background(), r.timeout)
		defer cancel()
		if err := r.repo.SaveOutcome(ctx, e); err != nil {
			r.log.Warn("history_save_error", zap.String("match_id", e.MatchID), zap.Error(err))
			return
		}
		r.log.Debug("history_saved", zap.String("match_id", e.MatchID), zap.String("verdict", string(e.Verdict)))
	}()
}

// Flush waits for pending saves.
func (r *Recorder) Flush() { r.wg.Wait() }
