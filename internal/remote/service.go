package remote

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/park285/digitpark-versus/internal/obslog"
	"github.com/park285/digitpark-versus/internal/versus"
	"github.com/park285/digitpark-versus/pkg/versusdto"
)

const lostConnectionReason = "lost connection to matchmaking"

var ErrInvalidArgs = errors.New("invalid arguments")

type Options struct {
	PlayerID   string
	PlayerName string
	Logger     *zap.Logger
}

type ticket struct {
	id       string
	onFound  versus.FoundFunc
	onFailed versus.FailedFunc
}

type listener struct {
	id       uint64
	onResult versus.ResultFunc
	once     sync.Once
}

// Service implements versus.Service over the HTTP API and the push channel.
// Pairings and opponent results arrive as push events.
type Service struct {
	client *Client
	push   PushChannel
	opts   Options
	log    *zap.Logger

	mu        sync.Mutex
	tickets   map[string]*ticket
	current   string
	listeners map[string][]*listener
	nextID    uint64

	eventCb int
	stateCb int
}

var _ versus.Service = (*Service)(nil)

func NewService(client *Client, push PushChannel, opts Options) (*Service, error) {
	if client == nil || push == nil || strings.TrimSpace(opts.PlayerID) == "" {
		return nil, ErrInvalidArgs
	}
	if strings.TrimSpace(opts.PlayerName) == "" {
		opts.PlayerName = opts.PlayerID
	}
	if opts.Logger == nil {
		opts.Logger = obslog.L()
	}
	s := &Service{
		client:    client,
		push:      push,
		opts:      opts,
		log:       opts.Logger.Named("remote").With(zap.String("player_id", opts.PlayerID)),
		tickets:   make(map[string]*ticket),
		listeners: make(map[string][]*listener),
	}
	s.eventCb = push.OnEvent(s.handleEvent)
	s.stateCb = push.OnStateChange(s.handleState)
	return s, nil
}

// Close detaches the service from the push channel. Pending tickets are dropped silently.
func (s *Service) Close() {
	s.push.RemoveEventCallback(s.eventCb)
	s.push.RemoveStateCallback(s.stateCb)
	s.mu.Lock()
	s.tickets = make(map[string]*ticket)
	s.current = ""
	s.listeners = make(map[string][]*listener)
	s.mu.Unlock()
}

func (s *Service) FindMatch(ctx context.Context, mode versus.GameMode, cash bool, onFound versus.FoundFunc, onFailed versus.FailedFunc) error {
	return s.open(ctx, versus.NewMatchRequest(mode, cash), onFound, onFailed)
}

func (s *Service) FindSprintMatch(ctx context.Context, modes []versus.GameMode, onFound versus.FoundFunc, onFailed versus.FailedFunc) error {
	return s.open(ctx, versus.NewSprintRequest(modes...), onFound, onFailed)
}

func (s *Service) open(ctx context.Context, req versus.MatchRequest, onFound versus.FoundFunc, onFailed versus.FailedFunc) error {
	if onFound == nil || onFailed == nil {
		return ErrInvalidArgs
	}
	if err := req.Validate(); err != nil {
		return err
	}
	if prev := s.takeCurrent(); prev != "" {
		_ = s.cancelTicket(ctx, prev)
	}

	t := &ticket{id: uuid.NewString(), onFound: onFound, onFailed: onFailed}
	s.mu.Lock()
	s.tickets[t.id] = t
	s.current = t.id
	s.mu.Unlock()

	modes := make([]string, 0, len(req.GameModes()))
	for _, m := range req.GameModes() {
		modes = append(modes, string(m))
	}
	resp, err := s.client.CreateTicket(ctx, versusdto.TicketRequest{
		TicketID:   t.id,
		PlayerID:   s.opts.PlayerID,
		PlayerName: s.opts.PlayerName,
		Modes:      modes,
		Sprint:     req.Sprint,
		Cash:       req.Cash,
	})
	if err != nil {
		s.resolve(t.id)
		return fmt.Errorf("create ticket: %w", err)
	}
	s.log.Debug("ticket_open", zap.String("ticket_id", t.id), zap.String("key", req.Key()), zap.String("status", string(resp.Status)))
	if resp.Status == versusdto.TicketMatched {
		s.found(t.id, resp.MatchID, resp.OpponentID)
	}
	return nil
}

func (s *Service) CancelMatchmaking(ctx context.Context) error {
	id := s.takeCurrent()
	if id == "" {
		return nil
	}
	return s.cancelTicket(ctx, id)
}

func (s *Service) cancelTicket(ctx context.Context, id string) error {
	s.resolve(id)
	err := s.client.CancelTicket(ctx, versusdto.CancelTicketRequest{TicketID: id, PlayerID: s.opts.PlayerID})
	var apiErr *APIError
	if errors.As(err, &apiErr) && apiErr.Code() == versusdto.CodeTicketUnknown {
		return nil
	}
	if err != nil {
		s.log.Warn("ticket_cancel_error", zap.String("ticket_id", id), zap.Error(err))
		return fmt.Errorf("cancel ticket: %w", err)
	}
	return nil
}

func (s *Service) SubmitMatchResult(ctx context.Context, matchID string, r versus.PlayerResult) error {
	matchID = strings.TrimSpace(matchID)
	if matchID == "" {
		return ErrInvalidArgs
	}
	return s.client.SubmitResult(ctx, matchID, versusdto.ResultRequest{
		PlayerID: s.opts.PlayerID,
		Score:    r.FinalScore(),
		Time:     r.TotalTime,
		Errors:   r.Errors,
	})
}

// ListenForOpponentResult watches the match on the push channel. The backend
// replays an already reported result when the watch arrives.
func (s *Service) ListenForOpponentResult(ctx context.Context, matchID string, onResult versus.ResultFunc) (func(), error) {
	matchID = strings.TrimSpace(matchID)
	if matchID == "" || onResult == nil {
		return nil, ErrInvalidArgs
	}
	s.mu.Lock()
	s.nextID++
	l := &listener{id: s.nextID, onResult: onResult}
	s.listeners[matchID] = append(s.listeners[matchID], l)
	s.mu.Unlock()

	if err := s.push.Watch(ctx, matchID); err != nil {
		s.removeListener(matchID, l.id)
		s.push.Unwatch(context.Background(), matchID)
		return nil, fmt.Errorf("watch match: %w", err)
	}
	var once sync.Once
	stop := func() {
		once.Do(func() {
			s.removeListener(matchID, l.id)
			s.push.Unwatch(context.Background(), matchID)
		})
	}
	return stop, nil
}

func (s *Service) removeListener(matchID string, id uint64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	list := s.listeners[matchID]
	for i, l := range list {
		if l.id == id {
			list = append(list[:i:i], list[i+1:]...)
			break
		}
	}
	if len(list) == 0 {
		delete(s.listeners, matchID)
		return
	}
	s.listeners[matchID] = list
}

func (s *Service) handleEvent(ev *versusdto.Event) {
	switch ev.Type {
	case versusdto.EventMatchFound:
		s.found(ev.TicketID, ev.MatchID, ev.OpponentID)
	case versusdto.EventMatchFailed:
		if t := s.resolve(ev.TicketID); t != nil {
			reason := ev.Reason
			if strings.TrimSpace(reason) == "" {
				reason = "matchmaking failed"
			}
			go t.onFailed(reason)
		}
	case versusdto.EventOpponentResult:
		if ev.PlayerID == s.opts.PlayerID {
			return
		}
		r := versus.ResultFromScore(ev.Score, ev.Time, ev.Errors)
		s.mu.Lock()
		list := append([]*listener(nil), s.listeners[ev.MatchID]...)
		s.mu.Unlock()
		for _, l := range list {
			l.once.Do(func() { go l.onResult(r) })
		}
	default:
		s.log.Debug("push_event_ignored", zap.String("type", string(ev.Type)))
	}
}

// handleState fails every open ticket once the push channel gives up.
func (s *Service) handleState(state PushState) {
	if state != PushFailed {
		return
	}
	s.mu.Lock()
	pending := make([]*ticket, 0, len(s.tickets))
	for id, t := range s.tickets {
		pending = append(pending, t)
		delete(s.tickets, id)
	}
	s.current = ""
	s.mu.Unlock()
	for _, t := range pending {
		go t.onFailed(lostConnectionReason)
	}
}

func (s *Service) found(ticketID, matchID, opponentID string) {
	t := s.resolve(ticketID)
	if t == nil {
		return
	}
	go t.onFound(matchID, opponentID)
}

// resolve removes a ticket and returns it if it was still open.
func (s *Service) resolve(ticketID string) *ticket {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.tickets[ticketID]
	if !ok {
		return nil
	}
	delete(s.tickets, ticketID)
	if s.current == ticketID {
		s.current = ""
	}
	return t
}

func (s *Service) takeCurrent() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	id := s.current
	s.current = ""
	return id
}
