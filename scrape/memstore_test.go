package scrape

import (
	"context"
	"database/sql"
	"errors"
	"maps"
	"sort"
	"sync"
	"time"
)

type memUser struct {
	id       int64
	publicID string
	name     string
	online   bool
}

type memVisit struct {
	userID, channelID int64
	at                time.Time
}

type memState struct {
	nextID   int64
	channels map[string]int64
	users    map[string]memUser
	visits   []memVisit
}

func (s memState) clone() memState {
	return memState{
		nextID:   s.nextID,
		channels: maps.Clone(s.channels),
		users:    maps.Clone(s.users),
		visits:   append([]memVisit(nil), s.visits...),
	}
}

// memStore is an in-memory Store with snapshot transactions.
type memStore struct {
	mu    sync.Mutex
	state memState

	begins      int
	commitErr   error
	failOp      func(op, key string) error
	calls       map[string]int
	reconciled  [][]int64
	completions []time.Time
}

func newMemStore() *memStore {
	return &memStore{
		state: memState{channels: map[string]int64{}, users: map[string]memUser{}},
		calls: map[string]int{},
	}
}

func (m *memStore) seedUser(publicID, name string, online bool) int64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.state.nextID++
	m.state.users[publicID] = memUser{id: m.state.nextID, publicID: publicID, name: name, online: online}
	return m.state.nextID
}

func (m *memStore) onlineIDs() []int64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []int64
	for _, u := range m.state.users {
		if u.online {
			out = append(out, u.id)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

func (m *memStore) user(publicID string) (memUser, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	u, ok := m.state.users[publicID]
	return u, ok
}

func (m *memStore) counts() (channels, users, visits int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.state.channels), len(m.state.users), len(m.state.visits)
}

func (m *memStore) callCount(op string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.calls[op]
}

func (m *memStore) hit(op, key string) error {
	m.calls[op]++
	if m.failOp != nil {
		return m.failOp(op, key)
	}
	return nil
}

func (m *memStore) BeginCycle(ctx context.Context) (CycleTx, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.begins++
	return &memTx{m: m, snap: m.state.clone()}, nil
}

func (m *memStore) Reconcile(ctx context.Context, ids []int64) (ReconcileResult, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.reconciled = append(m.reconciled, ids)
	set := map[int64]bool{}
	for _, id := range ids {
		set[id] = true
	}
	var res ReconcileResult
	for k, u := range m.state.users {
		want := set[u.id]
		if u.online == want {
			continue
		}
		if want {
			res.TurnedOnline++
		} else {
			res.TurnedOffline++
		}
		u.online = want
		m.state.users[k] = u
	}
	return res, nil
}

func (m *memStore) MarkCycleComplete(ctx context.Context, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.completions = append(m.completions, at)
	return nil
}

type memTx struct {
	m    *memStore
	snap memState
	done bool
}

func (t *memTx) Isolate(ctx context.Context, fn func(Queries) error) error {
	t.m.mu.Lock()
	save := t.m.state.clone()
	t.m.mu.Unlock()
	if err := fn(memQueries{t.m}); err != nil {
		t.m.mu.Lock()
		t.m.state = save
		t.m.mu.Unlock()
		return err
	}
	return nil
}

func (t *memTx) Commit() error {
	t.m.mu.Lock()
	defer t.m.mu.Unlock()
	if t.done {
		return sql.ErrTxDone
	}
	t.done = true
	if t.m.commitErr != nil {
		t.m.state = t.snap
		return t.m.commitErr
	}
	return nil
}

func (t *memTx) Rollback() error {
	t.m.mu.Lock()
	defer t.m.mu.Unlock()
	if t.done {
		return sql.ErrTxDone
	}
	t.done = true
	t.m.state = t.snap
	return nil
}

type memQueries struct{ m *memStore }

func (q memQueries) InsertChannel(ctx context.Context, name string) error {
	q.m.mu.Lock()
	defer q.m.mu.Unlock()
	if err := q.m.hit("InsertChannel", name); err != nil {
		return err
	}
	if _, ok := q.m.state.channels[name]; !ok {
		q.m.state.nextID++
		q.m.state.channels[name] = q.m.state.nextID
	}
	return nil
}

func (q memQueries) ChannelID(ctx context.Context, name string) (int64, error) {
	q.m.mu.Lock()
	defer q.m.mu.Unlock()
	if err := q.m.hit("ChannelID", name); err != nil {
		return 0, err
	}
	id, ok := q.m.state.channels[name]
	if !ok {
		return 0, sql.ErrNoRows
	}
	return id, nil
}

func (q memQueries) InsertUser(ctx context.Context, publicID, name string) error {
	q.m.mu.Lock()
	defer q.m.mu.Unlock()
	if err := q.m.hit("InsertUser", publicID); err != nil {
		return err
	}
	if _, ok := q.m.state.users[publicID]; !ok {
		q.m.state.nextID++
		q.m.state.users[publicID] = memUser{id: q.m.state.nextID, publicID: publicID, name: name}
	}
	return nil
}

func (q memQueries) UserID(ctx context.Context, publicID string) (int64, error) {
	q.m.mu.Lock()
	defer q.m.mu.Unlock()
	if err := q.m.hit("UserID", publicID); err != nil {
		return 0, err
	}
	u, ok := q.m.state.users[publicID]
	if !ok {
		return 0, sql.ErrNoRows
	}
	return u.id, nil
}

func (q memQueries) LatestVisit(ctx context.Context, userID, channelID int64) (time.Time, bool, error) {
	q.m.mu.Lock()
	defer q.m.mu.Unlock()
	if err := q.m.hit("LatestVisit", ""); err != nil {
		return time.Time{}, false, err
	}
	var (
		latest time.Time
		found  bool
	)
	for _, v := range q.m.state.visits {
		if v.userID == userID && v.channelID == channelID && (!found || v.at.After(latest)) {
			latest, found = v.at, true
		}
	}
	return latest, found, nil
}

func (q memQueries) InsertVisit(ctx context.Context, userID, channelID int64, at time.Time) error {
	q.m.mu.Lock()
	defer q.m.mu.Unlock()
	if err := q.m.hit("InsertVisit", ""); err != nil {
		return err
	}
	q.m.state.visits = append(q.m.state.visits, memVisit{userID: userID, channelID: channelID, at: at})
	return nil
}

func (q memQueries) MarkOnline(ctx context.Context, userID int64) error {
	q.m.mu.Lock()
	defer q.m.mu.Unlock()
	if err := q.m.hit("MarkOnline", ""); err != nil {
		return err
	}
	for k, u := range q.m.state.users {
		if u.id == userID {
			u.online = true
			q.m.state.users[k] = u
			return nil
		}
	}
	return errors.New("no such user")
}
