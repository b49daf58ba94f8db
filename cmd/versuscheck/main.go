package main

import (
	"context"
	"fmt"
	"log"
	"os"
	"time"

	"github.com/joho/godotenv"

	"github.com/park285/digitpark-versus/internal/history"
	"github.com/park285/digitpark-versus/internal/matchstore"
	"github.com/park285/digitpark-versus/internal/remote"
	"github.com/park285/digitpark-versus/pkg/versusdto"
)

// versuscheck probes whichever backends are configured and prints what it sees.
func main() {
	_ = godotenv.Load()
	redisURL := os.Getenv("REDIS_URL")
	baseURL := os.Getenv("BACKEND_BASE_URL")
	wsURL := os.Getenv("BACKEND_WS_URL")
	dbURL := os.Getenv("DATABASE_URL")

	if redisURL == "" && baseURL == "" && dbURL == "" {
		log.Fatal("set REDIS_URL, BACKEND_BASE_URL or DATABASE_URL")
	}
	failed := false

	if redisURL != "" {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		rdb, err := matchstore.NewClient(ctx, redisURL)
		if err != nil {
			log.Printf("redis error: %v", err)
			failed = true
		} else {
			store := matchstore.NewStore(rdb)
			keys, err := store.QueueKeys(ctx)
			if err != nil {
				log.Printf("redis queues error: %v", err)
				failed = true
			}
			for _, k := range keys {
				n, _ := store.QueueLen(ctx, k)
				log.Printf("queue %s: %d waiting", k, n)
			}
			log.Printf("redis ok: %d queues", len(keys))
			_ = rdb.Close()
		}
		cancel()
	}

	if dbURL != "" {
		repo, err := history.NewPostgres(dbURL)
		if err != nil {
			log.Printf("postgres error: %v", err)
			failed = true
		} else {
			log.Println("postgres ok: schema present")
			_ = repo.Close()
		}
	}

	if baseURL != "" {
		client := remote.NewClient(baseURL, remote.WithTimeout(8*time.Second), remote.WithMaxAttempts(1))
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		h, err := client.Health(ctx)
		cancel()
		if err != nil {
			log.Printf("/v1/health error: %v", err)
			failed = true
		} else {
			log.Printf("/v1/health ok: status=%s version=%s", h.Status, h.Version)
		}
	}

	if wsURL != "" {
		push := remote.NewPush(wsURL, 0)
		push.OnStateChange(func(s remote.PushState) { log.Printf("push state: %s", s) })
		push.OnEvent(func(ev *versusdto.Event) {
			fmt.Printf("push event type=%s match=%s ticket=%s\n", ev.Type, ev.MatchID, ev.TicketID)
		})
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		if err := push.Connect(ctx); err != nil {
			log.Printf("push connect error: %v", err)
			failed = true
		} else {
			// 잠시 이벤트 관찰
			<-time.After(5 * time.Second)
		}
		cancel()
		_ = push.Close(context.Background())
	}

	if failed {
		os.Exit(1)
	}
}
