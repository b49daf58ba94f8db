package remote

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
	"nhooyr.io/websocket"
	"nhooyr.io/websocket/wsjson"

	"github.com/park285/digitpark-versus/internal/obslog"
	"github.com/park285/digitpark-versus/pkg/versusdto"
)

type PushState int

const (
	PushDisconnected PushState = iota
	PushConnecting
	PushConnected
	PushReconnecting
	PushFailed
)

func (s PushState) String() string {
	switch s {
	case PushConnecting:
		return "connecting"
	case PushConnected:
		return "connected"
	case PushReconnecting:
		return "reconnecting"
	case PushFailed:
		return "failed"
	default:
		return "disconnected"
	}
}

type EventCallback func(ev *versusdto.Event)

type StateCallback func(state PushState)

var ErrPushNotConnected = errors.New("push channel not connected")

// PushChannel is the part of the push connection the Service relies on.
type PushChannel interface {
	OnEvent(cb EventCallback) int
	RemoveEventCallback(id int)
	OnStateChange(cb StateCallback) int
	RemoveStateCallback(id int)
	Watch(ctx context.Context, matchID string) error
	Unwatch(ctx context.Context, matchID string)
}

var _ PushChannel = (*Push)(nil)

type eventEntry struct {
	id       int
	callback EventCallback
}

type stateEntry struct {
	id       int
	callback StateCallback
}

// Push is the backend's WebSocket event channel. Match watches are replayed
// after a reconnect.
type Push struct {
	wsURL string
	log   *zap.Logger

	conn   *websocket.Conn
	state  PushState
	stateM sync.RWMutex
	writeM sync.Mutex

	eventCbs []eventEntry
	stateCbs []stateEntry
	nextID   int
	cbM      sync.RWMutex

	watchM  sync.Mutex
	watched map[string]int

	maxReconnectAttempts int
	pingInterval         time.Duration

	stopCh   chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup

	rootCtx    context.Context
	rootCancel context.CancelFunc

	headerProvider HeaderProvider
}

func NewPush(wsURL string, maxReconnectAttempts int) *Push {
	ctx, cancel := context.WithCancel(context.Background())
	return &Push{
		wsURL:                wsURL,
		log:                  obslog.L().Named("push"),
		state:                PushDisconnected,
		watched:              make(map[string]int),
		maxReconnectAttempts: maxReconnectAttempts,
		pingInterval:         30 * time.Second,
		stopCh:               make(chan struct{}),
		rootCtx:              ctx,
		rootCancel:           cancel,
	}
}

// SetHeaderProvider allows injecting headers into the WS handshake.
func (p *Push) SetHeaderProvider(h HeaderProvider) { p.headerProvider = h }

func (p *Push) State() PushState {
	p.stateM.RLock()
	defer p.stateM.RUnlock()
	return p.state
}

func (p *Push) Connect(ctx context.Context) error {
	switch p.State() {
	case PushConnected, PushConnecting:
		return nil
	}
	p.setState(PushConnecting)

	dialCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	conn, err := p.dial(dialCtx)
	if err != nil {
		p.setState(PushFailed)
		p.scheduleReconnect()
		return err
	}
	p.attach(conn)
	return nil
}

func (p *Push) dial(ctx context.Context) (*websocket.Conn, error) {
	conn, _, err := websocket.Dial(ctx, p.wsURL, &websocket.DialOptions{
		CompressionMode: websocket.CompressionNoContextTakeover,
		HTTPHeader:      p.buildHeaders(),
	})
	return conn, err
}

func (p *Push) attach(conn *websocket.Conn) {
	p.stateM.Lock()
	p.conn = conn
	p.stateM.Unlock()
	p.setState(PushConnected)

	p.watchM.Lock()
	ids := make([]string, 0, len(p.watched))
	for id := range p.watched {
		ids = append(ids, id)
	}
	p.watchM.Unlock()
	for _, id := range ids {
		if err := p.Send(p.rootCtx, versusdto.Frame{Type: versusdto.FrameWatchMatch, MatchID: id}); err != nil {
			p.log.Warn("push_rewatch_error", zap.String("match_id", id), zap.Error(err))
		}
	}

	p.wg.Add(2)
	go p.listen(conn)
	go p.pingLoop(conn)
}

func (p *Push) listen(conn *websocket.Conn) {
	defer p.wg.Done()
	for {
		var ev versusdto.Event
		if err := wsjson.Read(p.rootCtx, conn, &ev); err != nil {
			if p.isStopping() {
				return
			}
			p.log.Warn("push_read_error", zap.Error(err))
			p.dropConn(conn, websocket.StatusGoingAway, "reconnect")
			return
		}

		p.cbM.RLock()
		callbacks := make([]eventEntry, len(p.eventCbs))
		copy(callbacks, p.eventCbs)
		p.cbM.RUnlock()
		for _, entry := range callbacks {
			entry.callback(&ev)
		}
	}
}

func (p *Push) pingLoop(conn *websocket.Conn) {
	defer p.wg.Done()
	t := time.NewTicker(p.pingInterval)
	defer t.Stop()
	failures := 0
	for {
		select {
		case <-p.stopCh:
			return
		case <-t.C:
		}
		if p.currentConn() != conn {
			return
		}
		ctx, cancel := context.WithTimeout(p.rootCtx, 3*time.Second)
		err := conn.Ping(ctx)
		cancel()
		if err == nil {
			failures = 0
			continue
		}
		failures++
		if failures >= 2 {
			if p.isStopping() {
				return
			}
			p.dropConn(conn, websocket.StatusGoingAway, "ping failure")
			return
		}
	}
}

// dropConn closes conn if it is still current and starts reconnecting.
func (p *Push) dropConn(conn *websocket.Conn, code websocket.StatusCode, reason string) {
	p.stateM.Lock()
	if p.conn != conn {
		p.stateM.Unlock()
		return
	}
	p.conn = nil
	p.stateM.Unlock()
	_ = conn.Close(code, reason)
	p.setState(PushDisconnected)
	p.scheduleReconnect()
}

func (p *Push) scheduleReconnect() {
	if p.maxReconnectAttempts <= 0 || p.isStopping() {
		p.setState(PushFailed)
		return
	}
	p.setState(PushReconnecting)

	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		for attempt := 1; attempt <= p.maxReconnectAttempts; attempt++ {
			select {
			case <-p.stopCh:
				return
			case <-time.After(retryDelay(attempt)):
			}
			dialCtx, cancel := context.WithTimeout(p.rootCtx, 10*time.Second)
			conn, err := p.dial(dialCtx)
			cancel()
			if err != nil {
				p.log.Debug("push_reconnect_failed", zap.Int("attempt", attempt), zap.Error(err))
				continue
			}
			p.attach(conn)
			return
		}
		p.setState(PushFailed)
	}()
}

// Send writes a frame. Writes are serialized.
func (p *Push) Send(ctx context.Context, frame versusdto.Frame) error {
	conn := p.currentConn()
	if conn == nil {
		return ErrPushNotConnected
	}
	if _, ok := ctx.Deadline(); !ok {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, 5*time.Second)
		defer cancel()
	}
	p.writeM.Lock()
	defer p.writeM.Unlock()
	return wsjson.Write(ctx, conn, frame)
}

// Watch asks the backend for result events of a match. Watches are reference counted.
func (p *Push) Watch(ctx context.Context, matchID string) error {
	p.watchM.Lock()
	p.watched[matchID]++
	first := p.watched[matchID] == 1
	p.watchM.Unlock()
	if !first {
		return nil
	}
	return p.Send(ctx, versusdto.Frame{Type: versusdto.FrameWatchMatch, MatchID: matchID})
}

func (p *Push) Unwatch(ctx context.Context, matchID string) {
	p.watchM.Lock()
	n := p.watched[matchID] - 1
	if n > 0 {
		p.watched[matchID] = n
		p.watchM.Unlock()
		return
	}
	delete(p.watched, matchID)
	p.watchM.Unlock()
	if err := p.Send(ctx, versusdto.Frame{Type: versusdto.FrameUnwatchMatch, MatchID: matchID}); err != nil && !errors.Is(err, ErrPushNotConnected) {
		p.log.Debug("push_unwatch_error", zap.String("match_id", matchID), zap.Error(err))
	}
}

func (p *Push) OnEvent(cb EventCallback) int {
	p.cbM.Lock()
	defer p.cbM.Unlock()
	p.nextID++
	p.eventCbs = append(p.eventCbs, eventEntry{id: p.nextID, callback: cb})
	return p.nextID
}

func (p *Push) RemoveEventCallback(id int) {
	p.cbM.Lock()
	defer p.cbM.Unlock()
	for i, cb := range p.eventCbs {
		if cb.id == id {
			p.eventCbs = append(p.eventCbs[:i], p.eventCbs[i+1:]...)
			break
		}
	}
}

func (p *Push) OnStateChange(cb StateCallback) int {
	p.cbM.Lock()
	defer p.cbM.Unlock()
	p.nextID++
	p.stateCbs = append(p.stateCbs, stateEntry{id: p.nextID, callback: cb})
	return p.nextID
}

func (p *Push) RemoveStateCallback(id int) {
	p.cbM.Lock()
	defer p.cbM.Unlock()
	for i, cb := range p.stateCbs {
		if cb.id == id {
			p.stateCbs = append(p.stateCbs[:i], p.stateCbs[i+1:]...)
			break
		}
	}
}

func (p *Push) setState(state PushState) {
	p.stateM.Lock()
	p.state = state
	p.stateM.Unlock()

	p.cbM.RLock()
	callbacks := make([]stateEntry, len(p.stateCbs))
	copy(callbacks, p.stateCbs)
	p.cbM.RUnlock()
	for _, entry := range callbacks {
		entry.callback(state)
	}
}

func (p *Push) Close(ctx context.Context) error {
	p.stopOnce.Do(func() { close(p.stopCh) })
	p.stateM.Lock()
	conn := p.conn
	p.conn = nil
	p.stateM.Unlock()
	if conn != nil {
		_ = conn.Close(websocket.StatusNormalClosure, "close")
	}
	p.rootCancel()

	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-done:
		return nil
	}
}

func (p *Push) currentConn() *websocket.Conn {
	p.stateM.RLock()
	defer p.stateM.RUnlock()
	return p.conn
}

func (p *Push) isStopping() bool {
	select {
	case <-p.stopCh:
		return true
	default:
		return false
	}
}

func (p *Push) buildHeaders() http.Header {
	hdr := http.Header{}
	if p.headerProvider == nil {
		return hdr
	}
	for k, v := range p.headerProvider() {
		if strings.TrimSpace(k) == "" || strings.TrimSpace(v) == "" {
			continue
		}
		hdr.Set(k, v)
	}
	return hdr
}
