package feed

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/segmentio/kafka-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"notifyd/internal/domain"
	"notifyd/internal/storage"
	logx "notifyd/pkg/logx"
)

type collected struct {
	mu  sync.Mutex
	evs []domain.ChangeEvent
}

func (c *collected) handle(_ context.Context, ev domain.ChangeEvent) {
	c.mu.Lock()
	c.evs = append(c.evs, ev)
	c.mu.Unlock()
}

func (c *collected) keys() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]string, 0, len(c.evs))
	for _, ev := range c.evs {
		out = append(out, ev.Key)
	}
	return out
}

func TestStoreSourceReplaysPendingThenFollows(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	st := storage.NewMemory()
	require.NoError(t, st.PutRecord(ctx, domain.Notification, "old", map[string]any{"token": "t"}))
	require.NoError(t, st.PutRecord(ctx, domain.Notification, "done", map[string]any{"token": "t"}))
	require.NoError(t, st.Ack(ctx, domain.Notification, "done"))

	src := NewStoreSource(st, StoreSourceConfig{PollInterval: 5 * time.Millisecond, BatchSize: 2}, logx.Nop())
	var got collected
	l := NewListener(src, got.handle, logx.Nop())
	require.NoError(t, l.Start(ctx))

	runDone := make(chan error, 1)
	go func() { runDone <- l.Run(ctx) }()

	for _, k := range []string{"n1", "n2", "n3"} {
		require.NoError(t, st.PutRecord(ctx, domain.Notification, k, map[string]any{"token": k}))
	}
	require.NoError(t, st.PutRecord(ctx, domain.EventCreated, "e1", map[string]any{"clubId": "c1"}))

	require.Eventually(t, func() bool { return len(got.keys()) == 5 }, time.Second, 5*time.Millisecond)
	time.Sleep(30 * time.Millisecond)
	assert.ElementsMatch(t, []string{"old", "n1", "n2", "n3", "e1"}, got.keys())
	assert.Equal(t, int64(6), src.Cursor())

	cancel()
	assert.NoError(t, <-runDone)
	require.NoError(t, l.Wait(context.Background()))
}

func TestStoreSourceResumesAfterRestart(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	cfg := storage.Config{Driver: "sqlite", Path: filepath.Join(t.TempDir(), "notifyd.db")}

	st, err := storage.Open(cfg, logx.Nop())
	require.NoError(t, err)
	require.NoError(t, st.PutRecord(ctx, domain.Notification, "n1", map[string]any{"token": "tok123"}))
	require.NoError(t, st.PutRecord(ctx, domain.Notification, "n2", map[string]any{"token": "tok456"}))
	require.NoError(t, st.Ack(ctx, domain.Notification, "n2"))
	require.NoError(t, st.PutRecord(ctx, domain.EventCreated, "e1", map[string]any{"clubId": "c1"}))
	require.NoError(t, st.Ack(ctx, domain.EventCreated, "e1"))
	require.NoError(t, st.PutRecord(ctx, domain.EventCreated, "e2", map[string]any{"clubId": "c1"}))
	require.NoError(t, st.Close())

	st, err = storage.Open(cfg, logx.Nop())
	require.NoError(t, err)
	defer st.Close()

	var got collected
	l := NewListener(NewStoreSource(st, StoreSourceConfig{PollInterval: 5 * time.Millisecond}, logx.Nop()), got.handle, logx.Nop())
	require.NoError(t, l.Start(ctx))
	runDone := make(chan error, 1)
	go func() { runDone <- l.Run(ctx) }()

	require.Eventually(t, func() bool { return len(got.keys()) == 2 }, time.Second, 5*time.Millisecond)
	require.NoError(t, st.PutRecord(ctx, domain.Notification, "n3", map[string]any{"token": "tok789"}))
	require.Eventually(t, func() bool { return len(got.keys()) == 3 }, time.Second, 5*time.Millisecond)
	time.Sleep(30 * time.Millisecond)
	assert.ElementsMatch(t, []string{"n1", "e2", "n3"}, got.keys())

	cancel()
	assert.NoError(t, <-runDone)
	require.NoError(t, l.Wait(context.Background()))
}

func TestStoreSourceFromStart(t *testing.T) {
	ctx := context.Background()
	st := storage.NewMemory()
	require.NoError(t, st.PutRecord(ctx, domain.Notification, "old", map[string]any{"token": "t"}))

	src := NewStoreSource(st, StoreSourceConfig{FromStart: true}, logx.Nop())
	require.NoError(t, src.Open(ctx))
	assert.Equal(t, int64(0), src.Cursor())
}

func TestListenerDedupesInFlightRecords(t *testing.T) {
	release := make(chan struct{})
	var calls atomic.Int32
	h := func(context.Context, domain.ChangeEvent) {
		calls.Add(1)
		<-release
	}
	l := NewListener(NewStoreSource(storage.NewMemory(), StoreSourceConfig{}, logx.Nop()), h, logx.Nop())
	ev := domain.ChangeEvent{Collection: domain.Notification, Key: "n1"}

	assert.True(t, l.Emit(ev))
	assert.False(t, l.Emit(ev))
	assert.True(t, l.Emit(domain.ChangeEvent{Collection: domain.TopicNotification, Key: "n1"}))

	close(release)
	require.NoError(t, l.Wait(context.Background()))
	assert.Equal(t, int32(2), calls.Load())
	assert.Equal(t, uint64(1), l.Stats().Duplicate)

	assert.True(t, l.Emit(ev), "record can be emitted again once finished")
	require.NoError(t, l.Wait(context.Background()))
}

func TestListenerRecoversHandlerPanic(t *testing.T) {
	l := NewListener(NewStoreSource(storage.NewMemory(), StoreSourceConfig{}, logx.Nop()),
		func(context.Context, domain.ChangeEvent) { panic("boom") }, logx.Nop())

	done := make(chan struct{})
	l.dispatch(context.Background(), domain.ChangeEvent{Collection: domain.Notification, Key: "x"}, func() { close(done) })
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("done callback not called")
	}
	require.NoError(t, l.Wait(context.Background()))
	assert.Equal(t, int64(0), l.Stats().InFlight)
}

func TestListenerWaitHonorsContext(t *testing.T) {
	release := make(chan struct{})
	defer close(release)
	l := NewListener(NewStoreSource(storage.NewMemory(), StoreSourceConfig{}, logx.Nop()),
		func(context.Context, domain.ChangeEvent) { <-release }, logx.Nop())
	l.Emit(domain.ChangeEvent{Collection: domain.Notification, Key: "slow"})

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	assert.ErrorIs(t, l.Wait(ctx), context.DeadlineExceeded)
}

type fakeReader struct {
	msgs chan kafka.Message

	mu        sync.Mutex
	committed []kafka.Message
	closed    bool
}

func (f *fakeReader) FetchMessage(ctx context.Context) (kafka.Message, error) {
	select {
	case m := <-f.msgs:
		return m, nil
	case <-ctx.Done():
		return kafka.Message{}, ctx.Err()
	}
}

func (f *fakeReader) CommitMessages(_ context.Context, msgs ...kafka.Message) error {
	f.mu.Lock()
	f.committed = append(f.committed, msgs...)
	f.mu.Unlock()
	return nil
}

func (f *fakeReader) Close() error {
	f.mu.Lock()
	f.closed = true
	f.mu.Unlock()
	return nil
}

func (f *fakeReader) offsets() []int64 {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]int64, 0, len(f.committed))
	for _, m := range f.committed {
		out = append(out, m.Offset)
	}
	return out
}

func TestKafkaSourceCommitsInOrder(t *testing.T) {
	src, err := NewKafkaSource(KafkaSourceConfig{Brokers: []string{"localhost:9092"}, Topic: "cdc"}, logx.Nop())
	require.NoError(t, err)
	fr := &fakeReader{msgs: make(chan kafka.Message, 8)}
	src.start(fr)

	fr.msgs <- kafka.Message{Partition: 0, Offset: 1, Value: []byte(`{"collection":"notifications","key":"n1","value":{"token":"a"}}`)}
	fr.msgs <- kafka.Message{Partition: 0, Offset: 2, Value: []byte(`{"collection":"notifications","key":"n2","value":{"token":"b"}}`)}
	fr.msgs <- kafka.Message{Partition: 0, Offset: 3, Value: []byte(`not json`)}

	var (
		mu    sync.Mutex
		dones = map[string]func(){}
	)
	ctx, cancel := context.WithCancel(context.Background())
	runDone := make(chan error, 1)
	go func() {
		runDone <- src.Run(ctx, func(ev domain.ChangeEvent, done func()) {
			mu.Lock()
			dones[ev.Key] = done
			mu.Unlock()
		})
	}()

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(dones) == 2
	}, time.Second, 5*time.Millisecond)

	mu.Lock()
	dones["n2"]()
	mu.Unlock()
	time.Sleep(20 * time.Millisecond)
	assert.Empty(t, fr.offsets(), "offset 2 waits for offset 1")

	mu.Lock()
	dones["n1"]()
	dones["n1"]()
	mu.Unlock()
	require.Eventually(t, func() bool {
		o := fr.offsets()
		return len(o) == 1 && o[0] == 3
	}, time.Second, 5*time.Millisecond)

	cancel()
	assert.NoError(t, <-runDone)
	require.NoError(t, src.Close())
	assert.True(t, fr.closed)
}

func TestDecodeCDC(t *testing.T) {
	tests := []struct {
		name    string
		msg     kafka.Message
		want    domain.ChangeEvent
		wantErr bool
	}{
		{
			name: "full",
			msg:  kafka.Message{Offset: 7, Value: []byte(`{"collection":"events","key":"e1","value":{"clubId":"c1"}}`)},
			want: domain.ChangeEvent{Collection: domain.EventCreated, Key: "e1", Payload: map[string]any{"clubId": "c1"}, Seq: 7},
		},
		{
			name: "key from message",
			msg:  kafka.Message{Key: []byte("t1"), Value: []byte(`{"collection":"topic_notifications"}`)},
			want: domain.ChangeEvent{Collection: domain.TopicNotification, Key: "t1", Payload: map[string]any{}},
		},
		{name: "unknown collection", msg: kafka.Message{Value: []byte(`{"collection":"users","key":"u"}`)}, wantErr: true},
		{name: "no key", msg: kafka.Message{Value: []byte(`{"collection":"events"}`)}, wantErr: true},
		{name: "garbage", msg: kafka.Message{Value: []byte(`{`)}, wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := decodeCDC(tt.msg)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestNewKafkaSourceValidates(t *testing.T) {
	_, err := NewKafkaSource(KafkaSourceConfig{Topic: "cdc"}, logx.Nop())
	assert.Error(t, err)
	_, err = NewKafkaSource(KafkaSourceConfig{Brokers: []string{"b:9092"}}, logx.Nop())
	assert.Error(t, err)

	src, err := NewKafkaSource(KafkaSourceConfig{Brokers: []string{"b:9092"}, Topic: "cdc"}, logx.Nop())
	require.NoError(t, err)
	assert.Equal(t, "notifyd", src.cfg.GroupID)
	assert.NoError(t, src.Close(), "closing an unopened source is a no-op")
}

type failingPending struct {
	storage.Store
}

func (f failingPending) Pending(ctx context.Context, c domain.Collection, before time.Time) ([]domain.ChangeEvent, error) {
	if c == domain.TopicNotification {
		return nil, errors.New("scan failed")
	}
	return f.Store.Pending(ctx, c, before)
}

func TestSweeperReemitsPending(t *testing.T) {
	ctx := context.Background()
	st := storage.NewMemory()
	require.NoError(t, st.PutRecord(ctx, domain.Notification, "n1", map[string]any{"token": "a"}))
	require.NoError(t, st.PutRecord(ctx, domain.TopicNotification, "t1", map[string]any{"topic": "x"}))
	require.NoError(t, st.PutRecord(ctx, domain.EventCreated, "e1", map[string]any{"clubId": "c"}))
	require.NoError(t, st.PutRecord(ctx, domain.EventCreated, "e2", map[string]any{"clubId": "c"}))
	require.NoError(t, st.Ack(ctx, domain.EventCreated, "e2"))

	var got []string
	emit := func(ev domain.ChangeEvent) bool {
		got = append(got, ev.Collection.String()+"/"+ev.Key)
		return true
	}

	n, err := NewSweeper(st, emit, time.Minute, logx.Nop()).Sweep(ctx)
	require.NoError(t, err)
	assert.Zero(t, n, "records younger than grace are left alone")

	s := NewSweeper(failingPending{st}, emit, time.Minute, logx.Nop())
	s.now = func() time.Time { return time.Now().Add(time.Hour) }
	n, err = s.Sweep(ctx)
	assert.Error(t, err)
	assert.Equal(t, 2, n)
	assert.ElementsMatch(t, []string{"notifications/n1", "events/e1"}, got)
}

func TestPrune(t *testing.T) {
	ctx := context.Background()
	st := storage.NewMemory()
	_, err := st.AppendHistory(ctx, domain.HistoryEntry{EventKey: "old", SentAt: time.Now().Add(-72 * time.Hour)})
	require.NoError(t, err)
	_, err = st.AppendHistory(ctx, domain.HistoryEntry{EventKey: "new"})
	require.NoError(t, err)

	require.NoError(t, Prune(ctx, st, 0, logx.Nop()))
	all, _ := st.RecentHistory(ctx, 0)
	assert.Len(t, all, 2)

	require.NoError(t, Prune(ctx, st, 24*time.Hour, logx.Nop()))
	all, _ = st.RecentHistory(ctx, 0)
	require.Len(t, all, 1)
	assert.Equal(t, "new", all[0].EventKey)
}

type every time.Duration

func (e every) Next(t time.Time) time.Time { return t.Add(time.Duration(e)) }

func TestCronRunsAndReplacesJobs(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	c := NewCron(logx.Nop())
	c.Start(ctx)
	var a, b atomic.Int32
	c.Set(Job{Name: "a", Schedule: every(10 * time.Millisecond), Run: func(context.Context) error {
		a.Add(1)
		return nil
	}})
	require.Eventually(t, func() bool { return a.Load() >= 2 }, 2*time.Second, 5*time.Millisecond)

	c.Set(Job{Name: "b", Schedule: every(10 * time.Millisecond), Run: func(context.Context) error {
		b.Add(1)
		return errors.New("always fails")
	}})
	require.Eventually(t, func() bool { return b.Load() >= 2 }, 2*time.Second, 5*time.Millisecond)
	afterSwap := a.Load()
	time.Sleep(50 * time.Millisecond)
	assert.LessOrEqual(t, a.Load(), afterSwap+1, "removed job stops running")
	assert.GreaterOrEqual(t, c.Runs()["b"], uint64(2))

	require.NoError(t, c.Stop(context.Background()))
}

func TestCronSkipsOverlappingRuns(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	c := NewCron(logx.Nop())
	c.Start(ctx)
	var running, maxRunning atomic.Int32
	release := make(chan struct{})
	c.Set(Job{Name: "slow", Schedule: every(5 * time.Millisecond), Run: func(context.Context) error {
		n := running.Add(1)
		defer running.Add(-1)
		if n > maxRunning.Load() {
			maxRunning.Store(n)
		}
		<-release
		return nil
	}})
	time.Sleep(60 * time.Millisecond)
	close(release)
	require.NoError(t, c.Stop(context.Background()))
	assert.Equal(t, int32(1), maxRunning.Load())
}
