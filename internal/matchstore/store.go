package matchstore

import (
    "context"
    "encoding/json"
    "errors"
    "fmt"
    "net/url"
    "strconv"
    "strings"
    "time"

    "github.com/redis/go-redis/v9"
)

const (
    ttlMatch     = 24 * time.Hour
    claimScan    = 16
    claimRetries = 3
)

// Store wraps the Redis layout of the matchmaking backend.
//
//  mm:queues                 SET of queue keys that ever held an entry
//  mm:queue:<key>            ZSET entry id -> enqueue time (unix ms)
//  mm:entry:<id>             JSON QueueEntry, expires with the search
//  mm:entry:<id>:match       match id handed to the waiting player
//  mm:match:<id>             JSON MatchRecord
//  mm:match:<id>:events      pub/sub channel of ResultEvent
type Store struct{ rdb *redis.Client }

func NewStore(rdb *redis.Client) *Store { return &Store{rdb: rdb} }

func (s *Store) keyQueues() string                { return "mm:queues" }
func (s *Store) keyQueue(key string) string       { return "mm:queue:" + strings.TrimSpace(key) }
func (s *Store) keyEntry(id string) string        { return "mm:entry:" + strings.TrimSpace(id) }
func (s *Store) keyEntryMatch(id string) string   { return s.keyEntry(id) + ":match" }
func (s *Store) keyMatch(id string) string        { return "mm:match:" + strings.TrimSpace(id) }
func (s *Store) channelEvents(id string) string   { return s.keyMatch(id) + ":events" }

// Enqueue adds a waiting entry. The entry body expires after ttl; the queue
// member is cleaned lazily by claimers and by PruneStale.
func (s *Store) Enqueue(ctx context.Context, e *QueueEntry, ttl time.Duration) error {
    if e == nil || strings.TrimSpace(e.ID) == "" || strings.TrimSpace(e.Key) == "" { return ErrInvalidArgs }
    raw, err := json.Marshal(e)
    if err != nil { return err }
    pipe := s.rdb.TxPipeline()
    pipe.Set(ctx, s.keyEntry(e.ID), raw, ttl)
    pipe.ZAdd(ctx, s.keyQueue(e.Key), redis.Z{Score: float64(e.EnqueuedAt.UnixMilli()), Member: e.ID})
    pipe.SAdd(ctx, s.keyQueues(), e.Key)
    _, err = pipe.Exec(ctx)
    return err
}

// Dequeue withdraws an entry. Removing an entry that was already claimed is not an error.
func (s *Store) Dequeue(ctx context.Context, key, entryID string) error {
    pipe := s.rdb.TxPipeline()
    pipe.ZRem(ctx, s.keyQueue(key), entryID)
    pipe.Del(ctx, s.keyEntry(entryID))
    _, err := pipe.Exec(ctx)
    return err
}

// ClaimOldest atomically removes and returns the oldest live entry in the queue
// that does not belong to selfID. It returns nil when nobody is waiting.
func (s *Store) ClaimOldest(ctx context.Context, key, selfID string) (*QueueEntry, error) {
    qk := s.keyQueue(key)
    for attempt := 0; attempt < claimRetries; attempt++ {
        var claimed *QueueEntry
        err := s.rdb.Watch(ctx, func(tx *redis.Tx) error {
            claimed = nil
            ids, err := tx.ZRange(ctx, qk, 0, claimScan-1).Result()
            if err != nil { return err }
            var dead []interface{}
            for _, id := range ids {
                raw, err := tx.Get(ctx, s.keyEntry(id)).Bytes()
                if err == redis.Nil { dead = append(dead, id); continue }
                if err != nil { return err }
                var e QueueEntry
                if jerr := json.Unmarshal(raw, &e); jerr != nil { dead = append(dead, id); continue }
                if e.PlayerID == selfID { continue }
                claimed = &e
                break
            }
            if claimed == nil && len(dead) == 0 { return nil }
            _, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
                if len(dead) > 0 { pipe.ZRem(ctx, qk, dead...) }
                if claimed != nil {
                    pipe.ZRem(ctx, qk, claimed.ID)
                    pipe.Del(ctx, s.keyEntry(claimed.ID))
                }
                return nil
            })
            return err
        }, qk)
        if errors.Is(err, redis.TxFailedErr) { continue }
        if err != nil { return nil, err }
        return claimed, nil
    }
    // 경합이 계속되면 이번 시도는 포기하고 대기열에 합류
    return nil, nil
}

// HandOff tells the waiting entry which match it was paired into.
func (s *Store) HandOff(ctx context.Context, entryID, matchID string, ttl time.Duration) error {
    return s.rdb.Set(ctx, s.keyEntryMatch(entryID), matchID, ttl).Err()
}

// TakeHandOff returns (and consumes) the match id handed to entryID, or "" if none yet.
func (s *Store) TakeHandOff(ctx context.Context, entryID string) (string, error) {
    id, err := s.rdb.GetDel(ctx, s.keyEntryMatch(entryID)).Result()
    if err == redis.Nil { return "", nil }
    return id, err
}

func (s *Store) SaveMatch(ctx context.Context, m *MatchRecord) error {
    if m == nil || strings.TrimSpace(m.ID) == "" { return ErrInvalidArgs }
    raw, err := json.Marshal(m)
    if err != nil { return err }
    return s.rdb.Set(ctx, s.keyMatch(m.ID), raw, ttlMatch).Err()
}

func (s *Store) LoadMatch(ctx context.Context, id string) (*MatchRecord, error) {
    raw, err := s.rdb.Get(ctx, s.keyMatch(id)).Bytes()
    if err == redis.Nil { return nil, nil }
    if err != nil { return nil, err }
    var m MatchRecord
    if err := json.Unmarshal(raw, &m); err != nil { return nil, err }
    return &m, nil
}

// RecordResult stores playerID's result on the match and publishes it to the
// match channel. A player can report only once.
func (s *Store) RecordResult(ctx context.Context, matchID, playerID string, ev ResultEvent, now time.Time) (*MatchRecord, error) {
    mk := s.keyMatch(matchID)
    var rec *MatchRecord
    err := s.rdb.Watch(ctx, func(tx *redis.Tx) error {
        raw, err := tx.Get(ctx, mk).Bytes()
        if err == redis.Nil { return ErrMatchGone }
        if err != nil { return err }
        var cur MatchRecord
        if jerr := json.Unmarshal(raw, &cur); jerr != nil { return jerr }
        slot := cur.Slot(playerID)
        if slot == nil { return ErrNotParticipant }
        if slot.Finished { return ErrAlreadyReported }
        slot.Score, slot.Time, slot.Errors, slot.Finished = ev.Score, ev.Time, ev.Errors, true
        if cur.Player1.Finished && cur.Player2.Finished { cur.Status = StatusFinished }
        cur.UpdatedAt = now
        newRaw, _ := json.Marshal(&cur)
        _, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
            pipe.SetArgs(ctx, mk, newRaw, redis.SetArgs{KeepTTL: true})
            return nil
        })
        if err != nil { return err }
        rec = &cur
        return nil
    }, mk)
    if err != nil { return nil, err }

    ev.MatchID, ev.PlayerID = strings.TrimSpace(matchID), playerID
    payload, _ := json.Marshal(ev)
    if err := s.rdb.Publish(ctx, s.channelEvents(matchID), payload).Err(); err != nil {
        return rec, fmt.Errorf("publish result: %w", err)
    }
    return rec, nil
}

// Subscribe opens the result channel of a match and waits for the subscription
// to be confirmed, so no event published afterwards is missed.
func (s *Store) Subscribe(ctx context.Context, matchID string) (*redis.PubSub, error) {
    sub := s.rdb.Subscribe(ctx, s.channelEvents(matchID))
    if _, err := sub.Receive(ctx); err != nil {
        _ = sub.Close()
        return nil, err
    }
    return sub, nil
}

// QueueKeys lists every queue that has held entries.
func (s *Store) QueueKeys(ctx context.Context) ([]string, error) {
    return s.rdb.SMembers(ctx, s.keyQueues()).Result()
}

// QueueLen reports the number of members in a queue, live or not.
func (s *Store) QueueLen(ctx context.Context, key string) (int64, error) {
    return s.rdb.ZCard(ctx, s.keyQueue(key)).Result()
}

// PruneStale drops queue members enqueued before cutoff and members whose
// entry body has already expired. Empty queues leave the index.
func (s *Store) PruneStale(ctx context.Context, cutoff time.Time) (int, error) {
    keys, err := s.QueueKeys(ctx)
    if err != nil { return 0, err }
    removed := 0
    for _, key := range keys {
        qk := s.keyQueue(key)
        stale, err := s.rdb.ZRangeByScore(ctx, qk, &redis.ZRangeBy{Min: "-inf", Max: strconv.FormatInt(cutoff.UnixMilli(), 10)}).Result()
        if err != nil { return removed, err }
        ids, err := s.rdb.ZRangeByScore(ctx, qk, &redis.ZRangeBy{Min: "(" + strconv.FormatInt(cutoff.UnixMilli(), 10), Max: "+inf"}).Result()
        if err != nil { return removed, err }
        for _, id := range ids {
            n, err := s.rdb.Exists(ctx, s.keyEntry(id)).Result()
            if err != nil { return removed, err }
            if n == 0 { stale = append(stale, id) }
        }
        if len(stale) > 0 {
            members := make([]interface{}, 0, len(stale))
            keysToDel := make([]string, 0, len(stale))
            for _, id := range stale {
                members = append(members, id)
                keysToDel = append(keysToDel, s.keyEntry(id))
            }
            pipe := s.rdb.TxPipeline()
            zrem := pipe.ZRem(ctx, qk, members...)
            pipe.Del(ctx, keysToDel...)
            if _, err := pipe.Exec(ctx); err != nil { return removed, err }
            removed += int(zrem.Val())
        }
        if n, err := s.rdb.ZCard(ctx, qk).Result(); err == nil && n == 0 {
            _ = s.rdb.SRem(ctx, s.keyQueues(), key).Err()
        }
    }
    return removed, nil
}

// NewClient connects to REDIS_URL and verifies the connection.
func NewClient(ctx context.Context, redisURL string) (*redis.Client, error) {
    if strings.TrimSpace(redisURL) == "" {
        return nil, fmt.Errorf("REDIS_URL required for matchmaking store")
    }
    opts, err := ParseRedisURL(redisURL)
    if err != nil { return nil, err }
    rdb := redis.NewClient(opts)
    if err := rdb.Ping(ctx).Err(); err != nil {
        _ = rdb.Close()
        return nil, fmt.Errorf("redis ping: %w", err)
    }
    return rdb, nil
}

func ParseRedisURL(raw string) (*redis.Options, error) {
    u, err := url.Parse(raw)
    if err != nil { return nil, err }
    if u.Scheme != "redis" && u.Scheme != "rediss" { return nil, fmt.Errorf("unsupported scheme: %s", u.Scheme) }
    db := 0
    if p := strings.TrimPrefix(u.Path, "/"); p != "" { if n, err := strconv.Atoi(p); err == nil { db = n } }
    pass, _ := u.User.Password()
    return &redis.Options{Addr: u.Host, Username: u.User.Username(), Password: pass, DB: db}, nil
}
