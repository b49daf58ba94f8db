package config

import (
	"os"
	"strings"
	"testing"
	"time"
)

func envOf(m map[string]string) func(string) string {
	return func(k string) string { return m[k] }
}

func TestDefaults(t *testing.T) {
	cfg, err := FromEnv(envOf(map[string]string{"PLAYER_ID": "p1"}))
	if err != nil {
		t.Fatalf("FromEnv: %v", err)
	}
	if cfg.Backend != BackendMemory || cfg.PlayerName != "p1" {
		t.Fatalf("unexpected defaults: %+v", cfg)
	}
	if cfg.SearchTimeout != 120*time.Second || cfg.OpponentTimeout != 90*time.Second || cfg.CountdownFrom != 3 {
		t.Fatalf("unexpected timing defaults: %+v", cfg)
	}
}

func TestDurationsAcceptSecondsAndGoSyntax(t *testing.T) {
	cfg, err := FromEnv(envOf(map[string]string{
		"PLAYER_ID":        "p1",
		"SEARCH_TIMEOUT":   "45",
		"SEARCH_TICK":      "250ms",
		"REVEAL_DELAY":     "0",
		"OPPONENT_TIMEOUT": "1m30s",
		"GO_HOLD":          "0.25",
		"COUNTDOWN_FROM":   "5",
	}))
	if err != nil {
		t.Fatalf("FromEnv: %v", err)
	}
	if cfg.SearchTimeout != 45*time.Second || cfg.SearchTick != 250*time.Millisecond {
		t.Fatalf("search timings: %v %v", cfg.SearchTimeout, cfg.SearchTick)
	}
	if cfg.RevealDelay != 0 || cfg.OpponentTimeout != 90*time.Second || cfg.GoHold != 250*time.Millisecond {
		t.Fatalf("timings: %+v", cfg)
	}
	if cfg.CountdownFrom != 5 {
		t.Fatalf("countdown: %d", cfg.CountdownFrom)
	}
}

func TestInvalidValues(t *testing.T) {
	cases := []struct {
		name string
		env  map[string]string
		want string
	}{
		{"missing player", map[string]string{}, "PLAYER_ID"},
		{"bad duration", map[string]string{"PLAYER_ID": "p", "SEARCH_TIMEOUT": "soon"}, "SEARCH_TIMEOUT"},
		{"zero tick", map[string]string{"PLAYER_ID": "p", "SEARCH_TICK": "0"}, "SEARCH_TICK"},
		{"negative countdown", map[string]string{"PLAYER_ID": "p", "COUNTDOWN_FROM": "-1"}, "COUNTDOWN_FROM"},
		{"unknown backend", map[string]string{"PLAYER_ID": "p", "VERSUS_BACKEND": "carrier-pigeon"}, "VERSUS_BACKEND"},
		{"redis without url", map[string]string{"PLAYER_ID": "p", "VERSUS_BACKEND": "redis"}, "REDIS_URL"},
		{"remote without ws", map[string]string{"PLAYER_ID": "p", "VERSUS_BACKEND": "Remote", "BACKEND_BASE_URL": "http://x"}, "BACKEND_WS_URL"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := FromEnv(envOf(tc.env))
			if err == nil || !strings.Contains(err.Error(), tc.want) {
				t.Fatalf("expected error mentioning %s, got %v", tc.want, err)
			}
		})
	}
}

func TestLoadReadsProcessEnv(t *testing.T) {
	wd, err := os.Getwd()
	if err != nil {
		t.Fatalf("Getwd: %v", err)
	}
	if err := os.Chdir(t.TempDir()); err != nil {
		t.Fatalf("Chdir: %v", err)
	}
	t.Cleanup(func() { _ = os.Chdir(wd) })
	t.Setenv("PLAYER_ID", "env-player")
	t.Setenv("VERSUS_BACKEND", "redis")
	t.Setenv("REDIS_URL", "redis://localhost:6379/0")
	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.PlayerID != "env-player" || cfg.Backend != BackendRedis {
		t.Fatalf("unexpected config %+v", cfg)
	}
}
