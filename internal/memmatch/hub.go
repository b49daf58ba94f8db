package memmatch

import (
    "context"
    "errors"
    "fmt"
    "strings"
    "sync"
    "sync/atomic"

    "github.com/jonboulle/clockwork"

    "github.com/park285/digitpark-versus/internal/versus"
)

var (
    ErrInvalidArgs     = errors.New("invalid arguments")
    ErrMatchGone       = errors.New("match not found")
    ErrNotParticipant  = errors.New("player is not part of this match")
    ErrAlreadyReported = errors.New("player already reported a result")
)

type waiter struct {
    player   string
    req      versus.MatchRequest
    onFound  versus.FoundFunc
    onFailed versus.FailedFunc
    stop     func() bool
}

type slot struct {
    player   string
    result   versus.PlayerResult
    finished bool
    listener versus.ResultFunc
}

type match struct {
    id    string
    req   versus.MatchRequest
    slots [2]*slot
}

func (m *match) slotOf(player string) (*slot, *slot) {
    switch player {
    case m.slots[0].player:
        return m.slots[0], m.slots[1]
    case m.slots[1].player:
        return m.slots[1], m.slots[0]
    }
    return nil, nil
}

// Hub pairs in-process players. Useful for local play against a bot and for tests.
type Hub struct {
    mu      sync.Mutex
    clock   clockwork.Clock
    // queue key -> waiting players (oldest first)
    queues  map[string][]*waiter
    matches map[string]*match
    seq     uint64
}

func NewHub(clock clockwork.Clock) *Hub {
    if clock == nil { clock = clockwork.NewRealClock() }
    return &Hub{clock: clock, queues: make(map[string][]*waiter), matches: make(map[string]*match)}
}

// Player returns the versus.Service view of the hub for one player.
func (h *Hub) Player(id string) *Client {
    return &Client{hub: h, id: strings.TrimSpace(id)}
}

// Waiting lists the requests currently queued, oldest first per key.
func (h *Hub) Waiting() []WaitingRequest {
    h.mu.Lock()
    defer h.mu.Unlock()
    var out []WaitingRequest
    for _, list := range h.queues {
        for _, w := range list {
            out = append(out, WaitingRequest{PlayerID: w.player, Request: w.req})
        }
    }
    return out
}

// WaitingRequest is a queued search as seen by Waiting.
type WaitingRequest struct {
    PlayerID string
    Request  versus.MatchRequest
}

func (h *Hub) find(ctx context.Context, player string, req versus.MatchRequest, onFound versus.FoundFunc, onFailed versus.FailedFunc) error {
    if player == "" || onFound == nil || onFailed == nil { return ErrInvalidArgs }
    if err := req.Validate(); err != nil { return err }
    key := req.Key()

    h.mu.Lock()
    h.removeLocked(player)
    list := h.queues[key]
    for i, w := range list {
        if w.player == player { continue }
        h.queues[key] = append(list[:i:i], list[i+1:]...)
        if w.stop != nil { w.stop() }
        m := &match{
            id:    h.nextID(),
            req:   req,
            slots: [2]*slot{{player: w.player}, {player: player}},
        }
        h.matches[m.id] = m
        h.mu.Unlock()
        // 콜백은 항상 별도 고루틴에서
        go w.onFound(m.id, player)
        go onFound(m.id, w.player)
        return nil
    }
    w := &waiter{player: player, req: req, onFound: onFound, onFailed: onFailed}
    h.queues[key] = append(list, w)
    w.stop = context.AfterFunc(ctx, func() { h.remove(w) })
    h.mu.Unlock()
    return nil
}

func (h *Hub) remove(target *waiter) {
    h.mu.Lock()
    defer h.mu.Unlock()
    key := target.req.Key()
    list := h.queues[key]
    for i, w := range list {
        if w == target {
            h.queues[key] = append(list[:i:i], list[i+1:]...)
            break
        }
    }
    if len(h.queues[key]) == 0 { delete(h.queues, key) }
}

func (h *Hub) removeLocked(player string) {
    for key, list := range h.queues {
        kept := list[:0:0]
        for _, w := range list {
            if w.player == player {
                if w.stop != nil { w.stop() }
                continue
            }
            kept = append(kept, w)
        }
        if len(kept) == 0 { delete(h.queues, key) } else { h.queues[key] = kept }
    }
}

func (h *Hub) cancel(player string) {
    h.mu.Lock()
    defer h.mu.Unlock()
    h.removeLocked(player)
}

func (h *Hub) submit(player, matchID string, r versus.PlayerResult) error {
    h.mu.Lock()
    m, ok := h.matches[matchID]
    if !ok { h.mu.Unlock(); return ErrMatchGone }
    own, opp := m.slotOf(player)
    if own == nil { h.mu.Unlock(); return ErrNotParticipant }
    if own.finished { h.mu.Unlock(); return ErrAlreadyReported }
    own.result, own.finished = r, true
    notify := opp.listener
    opp.listener = nil
    h.mu.Unlock()
    if notify != nil { go notify(r) }
    return nil
}

func (h *Hub) listen(player, matchID string, onResult versus.ResultFunc) (func(), error) {
    if onResult == nil { return nil, ErrInvalidArgs }
    h.mu.Lock()
    defer h.mu.Unlock()
    m, ok := h.matches[matchID]
    if !ok { return nil, ErrMatchGone }
    own, opp := m.slotOf(player)
    if own == nil { return nil, ErrNotParticipant }
    if opp.finished {
        r := opp.result
        go onResult(r)
        return func() {}, nil
    }
    own.listener = onResult
    stop := func() {
        h.mu.Lock()
        own.listener = nil
        h.mu.Unlock()
    }
    return stop, nil
}

// Close fails every waiting search. Matches already made stay readable.
func (h *Hub) Close() {
    h.mu.Lock()
    var failed []*waiter
    for key, list := range h.queues {
        for _, w := range list {
            if w.stop != nil { w.stop() }
            failed = append(failed, w)
        }
        delete(h.queues, key)
    }
    h.mu.Unlock()
    for _, w := range failed { go w.onFailed("matchmaking closed") }
}

// Match returns the player ids and request of a match.
func (h *Hub) Match(matchID string) (players [2]string, req versus.MatchRequest, ok bool) {
    h.mu.Lock()
    defer h.mu.Unlock()
    m, ok := h.matches[matchID]
    if !ok { return players, req, false }
    return [2]string{m.slots[0].player, m.slots[1].player}, m.req, true
}

func (h *Hub) nextID() string {
    n := atomic.AddUint64(&h.seq, 1)
    return fmt.Sprintf("mem-%d-%d", h.clock.Now().UnixNano(), n)
}

// Client is one player's handle on the hub. It implements versus.Service.
type Client struct {
    hub *Hub
    id  string
}

var _ versus.Service = (*Client)(nil)

func (c *Client) ID() string { return c.id }

func (c *Client) FindMatch(ctx context.Context, mode versus.GameMode, cash bool, onFound versus.FoundFunc, onFailed versus.FailedFunc) error {
    return c.hub.find(ctx, c.id, versus.NewMatchRequest(mode, cash), onFound, onFailed)
}

func (c *Client) FindSprintMatch(ctx context.Context, modes []versus.GameMode, onFound versus.FoundFunc, onFailed versus.FailedFunc) error {
    return c.hub.find(ctx, c.id, versus.NewSprintRequest(modes...), onFound, onFailed)
}

func (c *Client) CancelMatchmaking(context.Context) error {
    c.hub.cancel(c.id)
    return nil
}

func (c *Client) SubmitMatchResult(_ context.Context, matchID string, r versus.PlayerResult) error {
    return c.hub.submit(c.id, strings.TrimSpace(matchID), r)
}

func (c *Client) ListenForOpponentResult(_ context.Context, matchID string, onResult versus.ResultFunc) (func(), error) {
    return c.hub.listen(c.id, strings.TrimSpace(matchID), onResult)
}
