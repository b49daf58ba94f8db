package memmatch

import (
	"context"
	"math/rand"
	"time"

	"github.com/jonboulle/clockwork"
	"go.uber.org/zap"

	"github.com/park285/digitpark-versus/internal/obslog"
	"github.com/park285/digitpark-versus/internal/versus"
)

// BotConfig describes a simulated opponent.
type BotConfig struct {
	ID string
	// Scan is how often the bot looks for waiting players.
	Scan time.Duration
	// Play produces the bot's result for a match. The bot waits TotalTime
	// seconds of clock time before reporting it.
	Play func(modes []versus.GameMode) versus.PlayerResult
}

// Bot joins any waiting search on the hub and plays it.
type Bot struct {
	hub    *Hub
	client *Client
	cfg    BotConfig
	clock  clockwork.Clock
	log    *zap.Logger
}

func NewBot(hub *Hub, cfg BotConfig) *Bot {
	if cfg.ID == "" {
		cfg.ID = "bot"
	}
	if cfg.Scan <= 0 {
		cfg.Scan = 3 * time.Second
	}
	if cfg.Play == nil {
		cfg.Play = RandomPlay
	}
	return &Bot{
		hub:    hub,
		client: hub.Player(cfg.ID),
		cfg:    cfg,
		clock:  hub.clock,
		log:    obslog.L().Named("bot").With(zap.String("bot_id", cfg.ID)),
	}
}

// RandomPlay finishes in 6-14s with up to three errors, one second each.
func RandomPlay(modes []versus.GameMode) versus.PlayerResult {
	n := float64(len(modes))
	if n == 0 {
		n = 1
	}
	errs := rand.Intn(4)
	return versus.PlayerResult{
		TotalTime: n * (6 + rand.Float64()*8),
		Errors:    errs,
		Penalty:   float64(errs),
	}
}

// Run scans the hub until ctx is done.
func (b *Bot) Run(ctx context.Context) {
	ticker := b.clock.NewTicker(b.cfg.Scan)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			_ = b.client.CancelMatchmaking(context.Background())
			return
		case <-ticker.Chan():
		}
		for _, w := range b.hub.Waiting() {
			if w.PlayerID == b.cfg.ID {
				continue
			}
			b.join(ctx, w.Request)
			break
		}
	}
}

func (b *Bot) join(ctx context.Context, req versus.MatchRequest) {
	onFound := func(matchID, opponentID string) {
		b.log.Info("bot_match_found", zap.String("match_id", matchID), zap.String("opponent_id", opponentID))
		go b.play(ctx, matchID, req.GameModes())
	}
	onFailed := func(reason string) {
		b.log.Debug("bot_search_failed", zap.String("reason", reason))
	}
	var err error
	if req.Sprint {
		err = b.client.FindSprintMatch(ctx, req.GameModes(), onFound, onFailed)
	} else {
		err = b.client.FindMatch(ctx, req.Mode, req.Cash, onFound, onFailed)
	}
	if err != nil {
		b.log.Warn("bot_join_error", zap.Error(err))
	}
}

func (b *Bot) play(ctx context.Context, matchID string, modes []versus.GameMode) {
	r := b.cfg.Play(modes)
	select {
	case <-ctx.Done():
		return
	case <-b.clock.After(time.Duration(r.TotalTime * float64(time.Second))):
	}
	if err := b.client.SubmitMatchResult(ctx, matchID, r); err != nil {
		b.log.Warn("bot_submit_error", zap.String("match_id", matchID), zap.Error(err))
		return
	}
	b.log.Info("bot_result", zap.String("match_id", matchID), zap.String("result", r.String()))
}
