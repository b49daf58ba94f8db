package matchstore

import (
    "context"
    "errors"
    "testing"
    "time"

    miniredis "github.com/alicebob/miniredis/v2"
    "github.com/redis/go-redis/v9"

    "github.com/park285/digitpark-versus/internal/versus"
)

func newTestStore(t *testing.T) (*Store, *redis.Client, *miniredis.Miniredis) {
    t.Helper()
    mr, err := miniredis.Run()
    if err != nil { t.Fatalf("miniredis: %v", err) }
    t.Cleanup(mr.Close)
    rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
    t.Cleanup(func() { _ = rdb.Close() })
    return NewStore(rdb), rdb, mr
}

func entry(id, player, key string, at time.Time) *QueueEntry {
    return &QueueEntry{ID: id, Key: key, PlayerID: player, PlayerName: player, Modes: []versus.GameMode{versus.DigitRush}, EnqueuedAt: at}
}

func TestClaimOldestSkipsSelfAndExpired(t *testing.T) {
    s, _, mr := newTestStore(t)
    ctx := context.Background()
    base := time.Now()

    if err := s.Enqueue(ctx, entry("e1", "u1", "DigitRush", base), time.Second); err != nil { t.Fatalf("Enqueue e1: %v", err) }
    if err := s.Enqueue(ctx, entry("e2", "u2", "DigitRush", base.Add(time.Second)), time.Minute); err != nil { t.Fatalf("Enqueue e2: %v", err) }
    if err := s.Enqueue(ctx, entry("e3", "u3", "DigitRush", base.Add(2*time.Second)), time.Minute); err != nil { t.Fatalf("Enqueue e3: %v", err) }
    mr.FastForward(2 * time.Second) // e1 body expires

    got, err := s.ClaimOldest(ctx, "DigitRush", "u2")
    if err != nil { t.Fatalf("ClaimOldest: %v", err) }
    if got == nil || got.ID != "e3" { t.Fatalf("expected e3, got %+v", got) }

    n, err := s.QueueLen(ctx, "DigitRush")
    if err != nil { t.Fatalf("QueueLen: %v", err) }
    if n != 1 { t.Fatalf("expected only own entry left, got %d", n) }

    again, err := s.ClaimOldest(ctx, "DigitRush", "u2")
    if err != nil || again != nil { t.Fatalf("expected nothing to claim: %+v %v", again, err) }
}

func TestClaimOldestIsolatesQueues(t *testing.T) {
    s, _, _ := newTestStore(t)
    ctx := context.Background()
    ab := versus.SprintKey([]versus.GameMode{versus.DigitRush, versus.FlashTap})
    ba := versus.SprintKey([]versus.GameMode{versus.FlashTap, versus.DigitRush})
    if err := s.Enqueue(ctx, entry("e1", "u1", ab, time.Now()), time.Minute); err != nil { t.Fatalf("Enqueue: %v", err) }

    got, err := s.ClaimOldest(ctx, ba, "u2")
    if err != nil || got != nil { t.Fatalf("reversed sprint must not pair: %+v %v", got, err) }
    got, err = s.ClaimOldest(ctx, versus.ModeKey(versus.DigitRush, true), "u2")
    if err != nil || got != nil { t.Fatalf("cash queue must not pair: %+v %v", got, err) }
    got, err = s.ClaimOldest(ctx, ab, "u2")
    if err != nil || got == nil { t.Fatalf("same sprint should pair: %v", err) }
}

func TestRecordResultOnce(t *testing.T) {
    s, _, _ := newTestStore(t)
    ctx := context.Background()
    rec := &MatchRecord{ID: "m1", Status: StatusReady, Player1: PlayerSlot{ID: "u1"}, Player2: PlayerSlot{ID: "u2"}}
    if err := s.SaveMatch(ctx, rec); err != nil { t.Fatalf("SaveMatch: %v", err) }

    if _, err := s.RecordResult(ctx, "m1", "u1", ResultEvent{Score: 9, Time: 9}, time.Now()); err != nil { t.Fatalf("RecordResult: %v", err) }
    if _, err := s.RecordResult(ctx, "m1", "u1", ResultEvent{Score: 1, Time: 1}, time.Now()); !errors.Is(err, ErrAlreadyReported) {
        t.Fatalf("expected ErrAlreadyReported, got %v", err)
    }
    if _, err := s.RecordResult(ctx, "m1", "u9", ResultEvent{}, time.Now()); !errors.Is(err, ErrNotParticipant) {
        t.Fatalf("expected ErrNotParticipant, got %v", err)
    }
    if _, err := s.RecordResult(ctx, "nope", "u1", ResultEvent{}, time.Now()); !errors.Is(err, ErrMatchGone) {
        t.Fatalf("expected ErrMatchGone, got %v", err)
    }
    done, err := s.RecordResult(ctx, "m1", "u2", ResultEvent{Score: 11, Time: 10, Errors: 2}, time.Now())
    if err != nil { t.Fatalf("RecordResult u2: %v", err) }
    if done.Status != StatusFinished { t.Fatalf("expected finished, got %s", done.Status) }

    loaded, err := s.LoadMatch(ctx, "m1")
    if err != nil || loaded == nil { t.Fatalf("LoadMatch: %v", err) }
    if r := loaded.Player2.Result(); r.TotalTime != 10 || r.Penalty != 1 || r.Errors != 2 {
        t.Fatalf("unexpected stored result: %+v", r)
    }
}

func TestPruneStale(t *testing.T) {
    s, _, mr := newTestStore(t)
    ctx := context.Background()
    now := time.Now()
    if err := s.Enqueue(ctx, entry("old", "u1", "QuickMath", now.Add(-10*time.Minute)), time.Hour); err != nil { t.Fatalf("Enqueue: %v", err) }
    if err := s.Enqueue(ctx, entry("fresh", "u2", "QuickMath", now), time.Hour); err != nil { t.Fatalf("Enqueue: %v", err) }
    if err := s.Enqueue(ctx, entry("ghost", "u3", "FlashTap", now), time.Hour); err != nil { t.Fatalf("Enqueue: %v", err) }
    mr.Del("mm:entry:ghost")

    n, err := s.PruneStale(ctx, now.Add(-5*time.Minute))
    if err != nil { t.Fatalf("PruneStale: %v", err) }
    if n != 2 { t.Fatalf("expected 2 pruned, got %d", n) }
    if l, _ := s.QueueLen(ctx, "QuickMath"); l != 1 { t.Fatalf("QuickMath len=%d", l) }
    keys, err := s.QueueKeys(ctx)
    if err != nil { t.Fatalf("QueueKeys: %v", err) }
    if len(keys) != 1 || keys[0] != "QuickMath" { t.Fatalf("empty queue should leave index: %v", keys) }
}

func TestParseRedisURL(t *testing.T) {
    o, err := ParseRedisURL("redis://:secret@localhost:6380/2")
    if err != nil { t.Fatalf("ParseRedisURL: %v", err) }
    if o.Addr != "localhost:6380" || o.Password != "secret" || o.DB != 2 { t.Fatalf("unexpected options: %+v", o) }
    if _, err := ParseRedisURL("http://localhost"); err == nil { t.Fatalf("expected scheme error") }
}
