package versuspresenter

import (
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/park285/digitpark-versus/internal/obslog"
	"github.com/park285/digitpark-versus/internal/versus"
)

// Presenter forwards formatted lifecycle texts to a sink without coupling the
// coordinator to any UI.
type Presenter struct {
	send  func(line string) error
	f     *Formatter
	limit time.Duration
}

func NewPresenter(send func(line string) error, f *Formatter, searchLimit time.Duration) *Presenter {
	return &Presenter{send: send, f: f, limit: searchLimit}
}

// Hooks returns coordinator hooks that print every stage. extra hooks run after.
func (p *Presenter) Hooks(extra versus.Hooks) versus.Hooks {
	return versus.Hooks{
		OnState: func(s versus.Session) {
			if s.State == versus.StateMatchFound {
				p.emit(p.f.Found(s.OpponentID, len(s.Request.GameModes())))
			}
			if extra.OnState != nil {
				extra.OnState(s)
			}
		},
		OnSearchTick: func(elapsed time.Duration) {
			p.emit(p.f.SearchStatus(elapsed, p.limit))
			if extra.OnSearchTick != nil {
				extra.OnSearchTick(elapsed)
			}
		},
		OnCountdown: func(n int) {
			p.emit(p.f.Countdown(n))
			if extra.OnCountdown != nil {
				extra.OnCountdown(n)
			}
		},
		OnStart: func(s versus.MatchStart) {
			p.emit(p.f.Start(s))
			if extra.OnStart != nil {
				extra.OnStart(s)
			}
		},
		OnFailure: func(fl versus.Failure) {
			p.emit(p.f.Failure(fl))
			if extra.OnFailure != nil {
				extra.OnFailure(fl)
			}
		},
	}
}

// OutcomeResolved implements versus.OutcomeObserver.
func (p *Presenter) OutcomeResolved(o versus.MatchOutcome) {
	p.emit(p.f.Outcome(o))
}

func (p *Presenter) Waiting() {
	p.emit(p.f.Waiting())
}

func (p *Presenter) emit(line string) {
	if p == nil || p.send == nil || strings.TrimSpace(line) == "" {
		return
	}
	if err := p.send(line); err != nil {
		obslog.L().Warn("presenter_send_error", zap.Error(err))
	}
}
