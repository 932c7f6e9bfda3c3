package storage

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"notifyd/internal/domain"
)

type memRecord struct {
	payload   map[string]any
	createdAt time.Time
	acked     bool
	seq       int64
}

// memoryStore keeps everything in maps. Payloads are copied on the way in
// and out so callers never share maps with the store.
type memoryStore struct {
	mu      sync.Mutex
	closed  bool
	records map[domain.Collection]map[string]*memRecord
	users   map[string]domain.User
	clubs   map[string]domain.Club
	history []domain.HistoryEntry
	changes []domain.ChangeEvent
	created []time.Time // parallel to changes
	seq     int64
	now     func() time.Time
}

// NewMemory returns an empty in-memory store.
func NewMemory() Store {
	m := &memoryStore{
		records: map[domain.Collection]map[string]*memRecord{},
		users:   map[string]domain.User{},
		clubs:   map[string]domain.Club{},
		now:     time.Now,
	}
	for _, c := range domain.Collections() {
		m.records[c] = map[string]*memRecord{}
	}
	return m
}

func copyPayload(p map[string]any) map[string]any {
	out := make(map[string]any, len(p))
	for k, v := range p {
		out[k] = v
	}
	return out
}

func (m *memoryStore) check(c domain.Collection) error {
	if m.closed {
		return ErrClosed
	}
	if !c.Valid() {
		return ErrUnknownCollection
	}
	return nil
}

func (m *memoryStore) PutRecord(_ context.Context, c domain.Collection, key string, payload map[string]any) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.check(c); err != nil {
		return err
	}
	if _, ok := m.records[c][key]; ok {
		return ErrDuplicate
	}
	now := m.now()
	m.seq++
	m.records[c][key] = &memRecord{payload: copyPayload(payload), createdAt: now, seq: m.seq}
	m.changes = append(m.changes, domain.ChangeEvent{Collection: c, Key: key, Payload: copyPayload(payload), Seq: m.seq})
	m.created = append(m.created, now)
	return nil
}

func (m *memoryStore) Ack(_ context.Context, c domain.Collection, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.check(c); err != nil {
		return err
	}
	if c == domain.EventCreated {
		if r, ok := m.records[c][key]; ok {
			r.acked = true
		}
		return nil
	}
	delete(m.records[c], key)
	return nil
}

func (m *memoryStore) GetClub(_ context.Context, id string) (domain.Club, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return domain.Club{}, false, ErrClosed
	}
	c, ok := m.clubs[id]
	return c, ok, nil
}

func (m *memoryStore) ListUsers(context.Context) ([]domain.User, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return nil, ErrClosed
	}
	out := make([]domain.User, 0, len(m.users))
	for _, u := range m.users {
		out = append(out, u)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (m *memoryStore) ClearPushToken(_ context.Context, userID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return ErrClosed
	}
	if u, ok := m.users[userID]; ok {
		u.PushToken = ""
		m.users[userID] = u
	}
	return nil
}

func (m *memoryStore) PutUser(_ context.Context, u domain.User) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return ErrClosed
	}
	m.users[u.ID] = u
	return nil
}

func (m *memoryStore) PutClub(_ context.Context, c domain.Club) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return ErrClosed
	}
	m.clubs[c.ID] = c
	return nil
}

func (m *memoryStore) AppendHistory(_ context.Context, e domain.HistoryEntry) (domain.HistoryEntry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return domain.HistoryEntry{}, ErrClosed
	}
	if e.ID == "" {
		e.ID = uuid.NewString()
	}
	if e.SentAt.IsZero() {
		e.SentAt = m.now()
	}
	m.history = append(m.history, e)
	return e, nil
}

func (m *memoryStore) RecentHistory(_ context.Context, limit int) ([]domain.HistoryEntry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return nil, ErrClosed
	}
	if limit <= 0 || limit > len(m.history) {
		limit = len(m.history)
	}
	out := make([]domain.HistoryEntry, 0, limit)
	for i := len(m.history) - 1; i >= 0 && len(out) < limit; i-- {
		out = append(out, m.history[i])
	}
	return out, nil
}

func (m *memoryStore) PruneHistory(_ context.Context, olderThan time.Time) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return 0, ErrClosed
	}
	kept := m.history[:0]
	var n int64
	for _, e := range m.history {
		if e.SentAt.Before(olderThan) {
			n++
			continue
		}
		kept = append(kept, e)
	}
	m.history = kept
	return n, nil
}

func (m *memoryStore) Changes(_ context.Context, afterSeq int64, limit int) ([]domain.ChangeEvent, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return nil, ErrClosed
	}
	var out []domain.ChangeEvent
	for _, ev := range m.changes {
		if ev.Seq <= afterSeq {
			continue
		}
		ev.Payload = copyPayload(ev.Payload)
		out = append(out, ev)
		if limit > 0 && len(out) >= limit {
			break
		}
	}
	return out, nil
}

func (m *memoryStore) PendingChanges(_ context.Context, afterSeq int64, limit int) ([]domain.ChangeEvent, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return nil, ErrClosed
	}
	var out []domain.ChangeEvent
	for _, ev := range m.changes {
		if ev.Seq <= afterSeq {
			continue
		}
		r, ok := m.records[ev.Collection][ev.Key]
		if !ok || r.acked || r.seq != ev.Seq {
			continue
		}
		ev.Payload = copyPayload(ev.Payload)
		out = append(out, ev)
		if limit > 0 && len(out) >= limit {
			break
		}
	}
	return out, nil
}

func (m *memoryStore) LastChangeSeq(context.Context) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return 0, ErrClosed
	}
	return m.seq, nil
}

func (m *memoryStore) PruneChanges(_ context.Context, olderThan time.Time) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return 0, ErrClosed
	}
	i := 0
	for i < len(m.created) && m.created[i].Before(olderThan) {
		i++
	}
	m.changes = append([]domain.ChangeEvent(nil), m.changes[i:]...)
	m.created = append([]time.Time(nil), m.created[i:]...)
	return int64(i), nil
}

func (m *memoryStore) Pending(_ context.Context, c domain.Collection, createdBefore time.Time) ([]domain.ChangeEvent, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.check(c); err != nil {
		return nil, err
	}
	var out []domain.ChangeEvent
	for key, r := range m.records[c] {
		if r.acked || !r.createdAt.Before(createdBefore) {
			continue
		}
		out = append(out, domain.ChangeEvent{Collection: c, Key: key, Payload: copyPayload(r.payload)})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Key < out[j].Key })
	return out, nil
}

func (m *memoryStore) Close() error {
	m.mu.Lock()
	m.closed = true
	m.mu.Unlock()
	return nil
}
