package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/valyala/fasthttp"
	"go.uber.org/zap"

	"github.com/park285/digitpark-versus/internal/adapter/versuspresenter"
	appcfg "github.com/park285/digitpark-versus/internal/config"
	"github.com/park285/digitpark-versus/internal/history"
	"github.com/park285/digitpark-versus/internal/janitor"
	"github.com/park285/digitpark-versus/internal/matchstore"
	"github.com/park285/digitpark-versus/internal/memmatch"
	"github.com/park285/digitpark-versus/internal/metrics"
	"github.com/park285/digitpark-versus/internal/msgcat"
	"github.com/park285/digitpark-versus/internal/obslog"
	"github.com/park285/digitpark-versus/internal/remote"
	"github.com/park285/digitpark-versus/internal/versus"
)

// versus [-cash] [-time 8.4 -errors 1] MODE [MODE...]
// One mode plays a single game; several modes play a sprint in that order.
func main() {
	cash := flag.Bool("cash", false, "play for stakes (single game only)")
	playTime := flag.Float64("time", 0, "local total time in seconds; 0 plays a random result")
	playErrors := flag.Int("errors", 0, "local error count")
	penalty := flag.Float64("penalty", 1, "seconds added per error")
	flag.Parse()

	cfg, err := appcfg.Load()
	if err != nil {
		log.Fatalf("config error: %v", err)
	}
	if err := obslog.InitFromEnv(); err != nil {
		log.Fatalf("logger init error: %v", err)
	}
	lg := obslog.L()
	defer func() { _ = lg.Sync() }()

	req, err := requestFromArgs(flag.Args(), *cash)
	if err != nil {
		log.Fatalf("usage: versus [-cash] MODE [MODE...]: %v", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	m := metrics.New(nil)
	if cfg.MetricsAddr != "" {
		srv := &fasthttp.Server{Handler: m.Handler(), Name: "versus-metrics"}
		go func() {
			if err := srv.ListenAndServe(cfg.MetricsAddr); err != nil {
				lg.Warn("metrics_server_error", zap.Error(err))
			}
		}()
		defer func() { _ = srv.Shutdown() }()
	}

	cat, err := msgcat.New(cfg.MessagesDir)
	if err != nil {
		log.Fatalf("messages error: %v", err)
	}

	repo := history.NewMemory()
	if cfg.DatabaseURL != "" {
		if repo, err = history.NewPostgres(cfg.DatabaseURL); err != nil {
			log.Fatalf("history repo init error: %v", err)
		}
	}
	defer func() { _ = repo.Close() }()
	recorder := history.NewRecorder(repo, cfg.PlayerID)

	svc, cleanup, err := buildService(ctx, cfg, m)
	if err != nil {
		log.Fatalf("backend init error: %v", err)
	}
	defer cleanup()

	presenter := versuspresenter.NewPresenter(func(line string) error {
		_, err := fmt.Fprintln(os.Stdout, line)
		return err
	}, versuspresenter.NewFormatter(cat), cfg.SearchTimeout)

	starts := make(chan versus.MatchStart, 1)
	failures := make(chan versus.Failure, 1)
	coord := versus.NewCoordinator(svc,
		versus.WithConfig(versus.CoordinatorConfig{
			SearchTimeout: cfg.SearchTimeout,
			TickInterval:  cfg.SearchTick,
			RevealDelay:   cfg.RevealDelay,
			CountdownFrom: cfg.CountdownFrom,
			CountdownStep: cfg.CountdownStep,
			GoHold:        cfg.GoHold,
		}),
		versus.WithMetrics(m),
		versus.WithHooks(presenter.Hooks(versus.Hooks{
			OnStart:   func(s versus.MatchStart) { starts <- s },
			OnFailure: func(f versus.Failure) { failures <- f },
		})),
	)
	defer func() { _ = coord.Close() }()

	pipeline := versus.NewPipeline(svc,
		versus.WithOpponentTimeout(cfg.OpponentTimeout),
		versus.WithPipelineMetrics(m),
		versus.WithObservers(recorder, presenter),
	)
	defer func() { _ = pipeline.Close() }()

	if err := coord.StartSearch(req); err != nil {
		log.Fatalf("start search: %v", err)
	}

	var start versus.MatchStart
	select {
	case <-ctx.Done():
		_ = coord.Cancel()
		<-failures
		return
	case <-failures:
		return
	case start = <-starts:
	}
	recorder.Bind(start)

	local := versus.PlayerResult{TotalTime: *playTime, Errors: *playErrors, Penalty: float64(*playErrors) * *penalty}
	if *playTime <= 0 {
		local = memmatch.RandomPlay(start.Modes)
	}
	// 실제 게임 대신 결과 시간만큼 대기
	select {
	case <-ctx.Done():
		_ = coord.Cancel()
		return
	case <-time.After(time.Duration(local.TotalTime * float64(time.Second))):
	}

	outcomes := make(chan versus.MatchOutcome, 1)
	if err := pipeline.SubmitAndAwaitOutcome(ctx, start.MatchID, local, func(o versus.MatchOutcome) { outcomes <- o }); err != nil {
		log.Fatalf("submit result: %v", err)
	}
	presenter.Waiting()

	select {
	case <-ctx.Done():
		_ = coord.Cancel()
		return
	case <-outcomes:
	}
	if err := coord.Complete(start.MatchID); err != nil {
		lg.Warn("complete_error", zap.Error(err))
	}
	recorder.Flush()

	if s, err := repo.Summary(context.Background(), cfg.PlayerID); err == nil {
		fmt.Printf("Record: %d wins, %d losses, %d draws\n", s.Wins, s.Losses, s.Draws)
	}
}

func requestFromArgs(args []string, cash bool) (versus.MatchRequest, error) {
	if len(args) == 0 {
		return versus.MatchRequest{}, errors.New("no game mode given")
	}
	modes := make([]versus.GameMode, 0, len(args))
	for _, a := range args {
		m, err := versus.ParseGameMode(a)
		if err != nil {
			return versus.MatchRequest{}, err
		}
		modes = append(modes, m)
	}
	if len(modes) == 1 {
		return versus.NewMatchRequest(modes[0], cash), nil
	}
	req := versus.NewSprintRequest(modes...)
	req.Cash = cash
	return req, req.Validate()
}

func buildService(ctx context.Context, cfg *appcfg.AppConfig, m *metrics.Prometheus) (versus.Service, func(), error) {
	lg := obslog.L()
	switch cfg.Backend {
	case appcfg.BackendRedis:
		rdb, err := matchstore.NewClient(ctx, cfg.RedisURL)
		if err != nil {
			return nil, nil, err
		}
		svc, err := matchstore.NewService(rdb, matchstore.Options{
			PlayerID:     cfg.PlayerID,
			PlayerName:   cfg.PlayerName,
			PollInterval: cfg.PollInterval,
		})
		if err != nil {
			_ = rdb.Close()
			return nil, nil, err
		}
		jan := janitor.New(svc.Store(),
			janitor.WithInterval(cfg.JanitorInterval),
			janitor.WithStaleAfter(cfg.QueueStaleAfter),
			janitor.WithRecorder(m),
		)
		if err := jan.Start(); err != nil {
			lg.Warn("janitor_start_error", zap.Error(err))
		}
		return svc, func() {
			_ = jan.Stop()
			_ = rdb.Close()
		}, nil

	case appcfg.BackendRemote:
		headers := func() map[string]string {
			return map[string]string{"X-Player-Id": cfg.PlayerID}
		}
		client := remote.NewClient(cfg.BackendBaseURL, remote.WithHeaderProvider(headers))
		hctx, cancel := context.WithTimeout(ctx, 5*time.Second)
		defer cancel()
		if _, err := client.Health(hctx); err != nil {
			return nil, nil, fmt.Errorf("backend health: %w", err)
		}
		push := remote.NewPush(cfg.BackendWSURL, 5)
		push.SetHeaderProvider(headers)
		push.OnStateChange(func(s remote.PushState) { lg.Info("push_state", zap.String("state", s.String())) })
		if err := push.Connect(hctx); err != nil {
			_ = push.Close(context.Background())
			return nil, nil, fmt.Errorf("push connect: %w", err)
		}
		svc, err := remote.NewService(client, push, remote.Options{PlayerID: cfg.PlayerID, PlayerName: cfg.PlayerName})
		if err != nil {
			_ = push.Close(context.Background())
			return nil, nil, err
		}
		return svc, func() {
			svc.Close()
			_ = push.Close(context.Background())
		}, nil

	default:
		hub := memmatch.NewHub(nil)
		bot := memmatch.NewBot(hub, memmatch.BotConfig{ID: "bot", Scan: 2 * time.Second})
		bctx, cancel := context.WithCancel(ctx)
		go bot.Run(bctx)
		return hub.Player(cfg.PlayerID), func() {
			cancel()
			hub.Close()
		}, nil
	}
}
