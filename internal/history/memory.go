package history

import (
	"context"
	"sort"
	"strings"
	"sync"
)

// memrepo keeps history in process when no database is configured.
type memrepo struct {
	mu       sync.RWMutex
	seq      int64
	byKey    map[string]*memEntry // matchID|playerID
	byPlayer map[string][]*memEntry
}

type memEntry struct {
	Entry
	seq int64
}

func NewMemory() Repository {
	return &memrepo{
		byKey:    make(map[string]*memEntry),
		byPlayer: make(map[string][]*memEntry),
	}
}

func (m *memrepo) SaveOutcome(_ context.Context, e Entry) error {
	if strings.TrimSpace(e.MatchID) == "" || strings.TrimSpace(e.PlayerID) == "" {
		return ErrInvalidEntry
	}
	e.Modes = append([]string(nil), e.Modes...)
	key := e.MatchID + "|" + e.PlayerID

	m.mu.Lock()
	defer m.mu.Unlock()
	if cur, ok := m.byKey[key]; ok {
		cur.Entry = e
		return nil
	}
	m.seq++
	me := &memEntry{Entry: e, seq: m.seq}
	m.byKey[key] = me
	m.byPlayer[e.PlayerID] = append(m.byPlayer[e.PlayerID], me)
	return nil
}

func (m *memrepo) RecentByPlayer(_ context.Context, playerID string, limit int) ([]Entry, error) {
	if limit <= 0 {
		limit = 10
	}
	m.mu.RLock()
	list := append([]*memEntry(nil), m.byPlayer[playerID]...)
	m.mu.RUnlock()

	sort.Slice(list, func(i, j int) bool {
		if !list[i].ResolvedAt.Equal(list[j].ResolvedAt) {
			return list[i].ResolvedAt.After(list[j].ResolvedAt)
		}
		return list[i].seq > list[j].seq
	})
	if len(list) > limit {
		list = list[:limit]
	}
	out := make([]Entry, 0, len(list))
	for _, me := range list {
		e := me.Entry
		e.Modes = append([]string(nil), e.Modes...)
		out = append(out, e)
	}
	return out, nil
}

func (m *memrepo) Summary(_ context.Context, playerID string) (Summary, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var s Summary
	for _, me := range m.byPlayer[playerID] {
		switch me.Verdict {
		case VerdictWin:
			s.Wins++
		case VerdictLoss:
			s.Losses++
		default:
			s.Draws++
		}
	}
	return s, nil
}

func (m *memrepo) Close() error { return nil }
