package remote

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"nhooyr.io/websocket"
	"nhooyr.io/websocket/wsjson"

	"github.com/park285/digitpark-versus/internal/versus"
	"github.com/park285/digitpark-versus/pkg/versusdto"
)

// fakeBackend serves the ticket API and the push socket on one server.
type fakeBackend struct {
	srv *httptest.Server

	mu   sync.Mutex
	conn *websocket.Conn

	connected chan struct{}
	frames    chan versusdto.Frame
	tickets   chan versusdto.TicketRequest
	cancels   chan versusdto.CancelTicketRequest
	results   chan versusdto.ResultRequest
	status    versusdto.TicketStatus
}

func newFakeBackend(t *testing.T, status versusdto.TicketStatus) *fakeBackend {
	t.Helper()
	b := &fakeBackend{
		connected: make(chan struct{}, 1),
		frames:    make(chan versusdto.Frame, 16),
		tickets:   make(chan versusdto.TicketRequest, 4),
		cancels:   make(chan versusdto.CancelTicketRequest, 4),
		results:   make(chan versusdto.ResultRequest, 4),
		status:    status,
	}
	mux := http.NewServeMux()
	mux.HandleFunc("/v1/matchmaking/tickets", func(w http.ResponseWriter, r *http.Request) {
		var req versusdto.TicketRequest
		_ = json.NewDecoder(r.Body).Decode(&req)
		b.tickets <- req
		resp := versusdto.TicketResponse{TicketID: req.TicketID, Status: b.status}
		if b.status == versusdto.TicketMatched {
			resp.MatchID, resp.OpponentID = "m-now", "opp-now"
		}
		_ = json.NewEncoder(w).Encode(resp)
	})
	mux.HandleFunc("/v1/matchmaking/tickets/cancel", func(w http.ResponseWriter, r *http.Request) {
		var req versusdto.CancelTicketRequest
		_ = json.NewDecoder(r.Body).Decode(&req)
		b.cancels <- req
		w.WriteHeader(http.StatusNoContent)
	})
	mux.HandleFunc("/v1/matches/", func(w http.ResponseWriter, r *http.Request) {
		var req versusdto.ResultRequest
		_ = json.NewDecoder(r.Body).Decode(&req)
		b.results <- req
		w.WriteHeader(http.StatusNoContent)
	})
	mux.HandleFunc("/ws", func(w http.ResponseWriter, r *http.Request) {
		conn, err := websocket.Accept(w, r, nil)
		if err != nil {
			return
		}
		b.mu.Lock()
		b.conn = conn
		b.mu.Unlock()
		b.connected <- struct{}{}
		for {
			var f versusdto.Frame
			if err := wsjson.Read(r.Context(), conn, &f); err != nil {
				return
			}
			b.frames <- f
		}
	})
	b.srv = httptest.NewServer(mux)
	t.Cleanup(b.srv.Close)
	return b
}

func (b *fakeBackend) wsURL() string { return "ws" + strings.TrimPrefix(b.srv.URL, "http") + "/ws" }

func (b *fakeBackend) send(t *testing.T, ev versusdto.Event) {
	t.Helper()
	b.mu.Lock()
	defer b.mu.Unlock()
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if err := wsjson.Write(ctx, b.conn, ev); err != nil {
		t.Fatalf("push event: %v", err)
	}
}

func (b *fakeBackend) drop() {
	b.mu.Lock()
	defer b.mu.Unlock()
	_ = b.conn.Close(websocket.StatusGoingAway, "bye")
}

func recvT[T any](t *testing.T, ch <-chan T) T {
	t.Helper()
	select {
	case v := <-ch:
		return v
	case <-time.After(2 * time.Second):
		t.Fatalf("timed out")
	}
	var zero T
	return zero
}

func quietT[T any](t *testing.T, ch <-chan T, d time.Duration) {
	t.Helper()
	select {
	case v := <-ch:
		t.Fatalf("unexpected value %+v", v)
	case <-time.After(d):
	}
}

func newTestService(t *testing.T, b *fakeBackend, reconnects int) *Service {
	t.Helper()
	push := NewPush(b.wsURL(), reconnects)
	t.Cleanup(func() { _ = push.Close(context.Background()) })
	if err := push.Connect(context.Background()); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	recvT(t, b.connected)
	svc, err := NewService(NewClient(b.srv.URL), push, Options{PlayerID: "me", PlayerName: "Me"})
	if err != nil {
		t.Fatalf("NewService: %v", err)
	}
	t.Cleanup(svc.Close)
	return svc
}

type pairing struct{ matchID, opponentID string }

func TestMatchFoundArrivesByPush(t *testing.T) {
	b := newFakeBackend(t, versusdto.TicketQueued)
	svc := newTestService(t, b, 0)

	found := make(chan pairing, 1)
	err := svc.FindSprintMatch(context.Background(), []versus.GameMode{versus.QuickMath, versus.FlashTap},
		func(m, o string) { found <- pairing{m, o} }, func(string) { t.Errorf("unexpected failure") })
	if err != nil {
		t.Fatalf("FindSprintMatch: %v", err)
	}
	req := recvT(t, b.tickets)
	if req.PlayerID != "me" || !req.Sprint || strings.Join(req.Modes, ",") != "QuickMath,FlashTap" || req.TicketID == "" {
		t.Fatalf("unexpected ticket: %+v", req)
	}
	b.send(t, versusdto.Event{Type: versusdto.EventMatchFound, TicketID: "someone-else", MatchID: "x"})
	b.send(t, versusdto.Event{Type: versusdto.EventMatchFound, TicketID: req.TicketID, MatchID: "m1", OpponentID: "opp"})
	if got := recvT(t, found); got != (pairing{"m1", "opp"}) {
		t.Fatalf("unexpected pairing %+v", got)
	}
	b.send(t, versusdto.Event{Type: versusdto.EventMatchFound, TicketID: req.TicketID, MatchID: "m2", OpponentID: "opp"})
	quietT(t, found, 100*time.Millisecond)
}

func TestImmediateMatchFromTicketResponse(t *testing.T) {
	b := newFakeBackend(t, versusdto.TicketMatched)
	svc := newTestService(t, b, 0)

	found := make(chan pairing, 1)
	if err := svc.FindMatch(context.Background(), versus.DigitRush, true, func(m, o string) { found <- pairing{m, o} }, func(string) {}); err != nil {
		t.Fatalf("FindMatch: %v", err)
	}
	if req := recvT(t, b.tickets); !req.Cash || req.Sprint {
		t.Fatalf("unexpected ticket %+v", req)
	}
	if got := recvT(t, found); got != (pairing{"m-now", "opp-now"}) {
		t.Fatalf("unexpected pairing %+v", got)
	}
}

func TestCancelledTicketIgnoresLatePairing(t *testing.T) {
	b := newFakeBackend(t, versusdto.TicketQueued)
	svc := newTestService(t, b, 0)

	found := make(chan pairing, 1)
	_ = svc.FindMatch(context.Background(), versus.MemoryPairs, false, func(m, o string) { found <- pairing{m, o} }, func(string) {})
	req := recvT(t, b.tickets)
	if err := svc.CancelMatchmaking(context.Background()); err != nil {
		t.Fatalf("CancelMatchmaking: %v", err)
	}
	if c := recvT(t, b.cancels); c.TicketID != req.TicketID || c.PlayerID != "me" {
		t.Fatalf("unexpected cancel %+v", c)
	}
	b.send(t, versusdto.Event{Type: versusdto.EventMatchFound, TicketID: req.TicketID, MatchID: "late"})
	quietT(t, found, 100*time.Millisecond)

	if err := svc.CancelMatchmaking(context.Background()); err != nil {
		t.Fatalf("second cancel: %v", err)
	}
}

func TestMatchFailedReasonPassedThrough(t *testing.T) {
	b := newFakeBackend(t, versusdto.TicketQueued)
	svc := newTestService(t, b, 0)

	failed := make(chan string, 1)
	_ = svc.FindMatch(context.Background(), versus.OddOneOut, false, func(string, string) {}, func(r string) { failed <- r })
	req := recvT(t, b.tickets)
	b.send(t, versusdto.Event{Type: versusdto.EventMatchFailed, TicketID: req.TicketID, Reason: "queue closed for maintenance"})
	if got := recvT(t, failed); got != "queue closed for maintenance" {
		t.Fatalf("reason: %q", got)
	}
}

func TestOpponentResultWatch(t *testing.T) {
	b := newFakeBackend(t, versusdto.TicketQueued)
	svc := newTestService(t, b, 0)

	got := make(chan versus.PlayerResult, 2)
	stop, err := svc.ListenForOpponentResult(context.Background(), "m1", func(r versus.PlayerResult) { got <- r })
	if err != nil {
		t.Fatalf("Listen: %v", err)
	}
	if f := recvT(t, b.frames); f.Type != versusdto.FrameWatchMatch || f.MatchID != "m1" {
		t.Fatalf("unexpected frame %+v", f)
	}
	b.send(t, versusdto.Event{Type: versusdto.EventOpponentResult, MatchID: "m1", PlayerID: "me", Score: 1, Time: 1})
	b.send(t, versusdto.Event{Type: versusdto.EventOpponentResult, MatchID: "m1", PlayerID: "opp", Score: 11, Time: 9, Errors: 2})
	r := recvT(t, got)
	if r.TotalTime != 9 || r.Errors != 2 || r.Penalty != 2 {
		t.Fatalf("unexpected result %+v", r)
	}
	b.send(t, versusdto.Event{Type: versusdto.EventOpponentResult, MatchID: "m1", PlayerID: "opp", Score: 3, Time: 3})
	quietT(t, got, 100*time.Millisecond)

	stop()
	stop()
	if f := recvT(t, b.frames); f.Type != versusdto.FrameUnwatchMatch || f.MatchID != "m1" {
		t.Fatalf("unexpected frame %+v", f)
	}
}

func TestSubmitSendsFinalScore(t *testing.T) {
	b := newFakeBackend(t, versusdto.TicketQueued)
	svc := newTestService(t, b, 0)
	if err := svc.SubmitMatchResult(context.Background(), "m1", versus.PlayerResult{TotalTime: 8.5, Errors: 1, Penalty: 1}); err != nil {
		t.Fatalf("Submit: %v", err)
	}
	req := recvT(t, b.results)
	if req.PlayerID != "me" || req.Score != 9.5 || req.Time != 8.5 || req.Errors != 1 {
		t.Fatalf("unexpected request %+v", req)
	}
	if err := svc.SubmitMatchResult(context.Background(), " ", versus.PlayerResult{}); err == nil {
		t.Fatalf("expected error for empty match id")
	}
}

func TestLostPushFailsOpenTickets(t *testing.T) {
	b := newFakeBackend(t, versusdto.TicketQueued)
	svc := newTestService(t, b, 0)

	failed := make(chan string, 1)
	_ = svc.FindMatch(context.Background(), versus.FlashTap, false, func(string, string) {}, func(r string) { failed <- r })
	recvT(t, b.tickets)
	b.drop()
	if got := recvT(t, failed); got != lostConnectionReason {
		t.Fatalf("reason: %q", got)
	}
}

func TestPushReconnectReplaysWatches(t *testing.T) {
	b := newFakeBackend(t, versusdto.TicketQueued)
	svc := newTestService(t, b, 3)

	stop, err := svc.ListenForOpponentResult(context.Background(), "m9", func(versus.PlayerResult) {})
	if err != nil {
		t.Fatalf("Listen: %v", err)
	}
	defer stop()
	recvT(t, b.frames)
	b.drop()
	recvT(t, b.connected)
	if f := recvT(t, b.frames); f.Type != versusdto.FrameWatchMatch || f.MatchID != "m9" {
		t.Fatalf("watch not replayed: %+v", f)
	}
}
