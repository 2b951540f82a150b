package connection

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rebeliceyang/vizconn/internal/models"
	"github.com/rebeliceyang/vizconn/internal/properties"
)

type widget struct {
	host string
}

// fakeOpener counts calls and can hold Open/Close until released
type fakeOpener struct {
	opens     atomic.Int32
	closes    atomic.Int32
	failOpen  atomic.Bool
	failClose atomic.Bool
	gate      chan struct{}
}

func newFakeOpener() *fakeOpener {
	return &fakeOpener{}
}

func (o *fakeOpener) hold() {
	o.gate = make(chan struct{})
}

func (o *fakeOpener) release() {
	close(o.gate)
}

func (o *fakeOpener) Open(props map[string]string) (*widget, error) {
	o.opens.Add(1)
	if o.gate != nil {
		<-o.gate
	}
	if o.failOpen.Load() {
		return nil, errors.New("refused")
	}
	return &widget{host: props[properties.Host]}, nil
}

func (o *fakeOpener) Close(w *widget) error {
	o.closes.Add(1)
	if o.failClose.Load() {
		return errors.New("busy")
	}
	return nil
}

// stateRecorder collects every notification it receives
type stateRecorder struct {
	mu     sync.Mutex
	states []models.ConnectionState
}

func (r *stateRecorder) ConnectionStateChanged(_ *Connection[*widget], state models.ConnectionState, _ string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.states = append(r.states, state)
}

func (r *stateRecorder) get() []models.ConnectionState {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]models.ConnectionState(nil), r.states...)
}

func waitState(t *testing.T, f *Future) models.ConnectionState {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	state, err := f.Wait(ctx)
	require.NoError(t, err)
	return state
}

func TestConnection_Defaults(t *testing.T) {
	c := New[*widget](newFakeOpener())

	assert.Equal(t, models.Disconnected, c.State())
	assert.Equal(t, MsgNotConfigured, c.StatusMessage())
	assert.Equal(t, "Connection1", c.Name())
	assert.Equal(t, "localhost", c.Host())
	assert.Equal(t, 50000, c.Port())
	assert.Equal(t, "", c.Path())
	assert.Equal(t, "", c.Description())

	_, ok := c.Widget()
	assert.False(t, ok)
}

func TestConnection_ConnectAndDisconnect(t *testing.T) {
	opener := newFakeOpener()
	c := New[*widget](opener)
	c.SetHost("host1")

	assert.Equal(t, models.Connected, waitState(t, c.Connect()))
	assert.Equal(t, MsgConnected, c.StatusMessage())
	w, ok := c.Widget()
	require.True(t, ok)
	assert.Equal(t, "host1", w.host)

	again := c.Connect()
	assert.True(t, again.IsDone())
	assert.Equal(t, models.Connected, again.Get())
	assert.Equal(t, int32(1), opener.opens.Load())

	assert.Equal(t, models.Disconnected, waitState(t, c.Disconnect()))
	assert.Equal(t, MsgClosed, c.StatusMessage())
	_, ok = c.Widget()
	assert.False(t, ok)
	assert.Equal(t, int32(1), opener.closes.Load())
}

func TestConnection_SingleFlightConnect(t *testing.T) {
	opener := newFakeOpener()
	opener.hold()
	c := New[*widget](opener)

	const n = 16
	futures := make([]*Future, n)
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		i := i
		wg.Add(1)
		go func() {
			defer wg.Done()
			futures[i] = c.Connect()
		}()
	}
	wg.Wait()

	assert.Equal(t, models.Connecting, c.State())
	opener.release()

	for _, f := range futures {
		assert.Equal(t, models.Connected, waitState(t, f))
		assert.Same(t, futures[0], f)
	}
	assert.Equal(t, int32(1), opener.opens.Load())
}

func TestConnection_SingleFlightDisconnect(t *testing.T) {
	opener := newFakeOpener()
	c := New[*widget](opener)
	waitState(t, c.Connect())

	const n = 8
	futures := make([]*Future, n)
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		i := i
		wg.Add(1)
		go func() {
			defer wg.Done()
			futures[i] = c.Disconnect()
		}()
	}
	wg.Wait()

	for _, f := range futures {
		assert.Equal(t, models.Disconnected, waitState(t, f))
	}
	assert.Equal(t, int32(1), opener.closes.Load())
}

func TestConnection_DisconnectWhenDisconnectedIsImmediate(t *testing.T) {
	opener := newFakeOpener()
	c := New[*widget](opener)

	f := c.Disconnect()
	assert.True(t, f.IsDone())
	assert.Equal(t, models.Disconnected, f.Get())
	assert.Equal(t, int32(0), opener.closes.Load())
}

func TestConnection_OpenFailure(t *testing.T) {
	opener := newFakeOpener()
	opener.failOpen.Store(true)
	c := New[*widget](opener)

	assert.Equal(t, models.Failed, waitState(t, c.Connect()))
	assert.Contains(t, c.StatusMessage(), MsgConnectFailed)
	assert.Contains(t, c.StatusMessage(), "refused")
	_, ok := c.Widget()
	assert.False(t, ok)

	// failed without a widget: nothing to close
	f := c.Disconnect()
	assert.True(t, f.IsDone())
	assert.Equal(t, models.Failed, f.Get())
	assert.Equal(t, int32(0), opener.closes.Load())

	// retry
	opener.failOpen.Store(false)
	assert.Equal(t, models.Connected, waitState(t, c.Connect()))
	assert.Equal(t, int32(2), opener.opens.Load())
}

func TestConnection_CloseFailureKeepsWidget(t *testing.T) {
	opener := newFakeOpener()
	c := New[*widget](opener)
	waitState(t, c.Connect())

	opener.failClose.Store(true)
	assert.Equal(t, models.Failed, waitState(t, c.Disconnect()))
	assert.Contains(t, c.StatusMessage(), MsgDisconnectFailed)
	_, ok := c.Widget()
	assert.True(t, ok, "widget is presumed live after a failed close")

	opener.failClose.Store(false)
	assert.Equal(t, models.Disconnected, waitState(t, c.Disconnect()))
	assert.Equal(t, int32(2), opener.closes.Load())
}

func TestConnection_ReconnectReleasesStaleWidget(t *testing.T) {
	opener := newFakeOpener()
	c := New[*widget](opener)
	waitState(t, c.Connect())

	opener.failClose.Store(true)
	waitState(t, c.Disconnect())
	opener.failClose.Store(false)

	assert.Equal(t, models.Connected, waitState(t, c.Connect()))
	assert.Equal(t, int32(2), opener.closes.Load())
	assert.Equal(t, int32(2), opener.opens.Load())
}

func TestConnection_ReconnectKeepsWidgetThatStillFailsToClose(t *testing.T) {
	opener := newFakeOpener()
	c := New[*widget](opener)
	waitState(t, c.Connect())
	first, _ := c.Widget()

	opener.failClose.Store(true)
	waitState(t, c.Disconnect())

	assert.Equal(t, models.Failed, waitState(t, c.Connect()))
	assert.Contains(t, c.StatusMessage(), MsgDisconnectFailed)
	assert.Equal(t, int32(1), opener.opens.Load(), "nothing is opened while the old widget is live")
	w, ok := c.Widget()
	require.True(t, ok)
	assert.Same(t, first, w)

	opener.failClose.Store(false)
	assert.Equal(t, models.Connected, waitState(t, c.Connect()))
	assert.Equal(t, int32(3), opener.closes.Load())
	assert.Equal(t, int32(2), opener.opens.Load())
}

type panicOpener struct{}

func (panicOpener) Open(map[string]string) (*widget, error) { panic("boom") }
func (panicOpener) Close(*widget) error { panic("boom") }

func TestConnection_OpenerPanicBecomesFailure(t *testing.T) {
	c := New[*widget](panicOpener{})

	assert.Equal(t, models.Failed, waitState(t, c.Connect()))
	assert.Contains(t, c.StatusMessage(), "panicked")
}

type nilOpener struct{}

func (nilOpener) Open(map[string]string) (*widget, error) { return nil, nil }
func (nilOpener) Close(*widget) error { return nil }

func TestConnection_NilWidgetIsFailure(t *testing.T) {
	c := New[*widget](nilOpener{})
	assert.Equal(t, models.Failed, waitState(t, c.Connect()))
}

func TestConnection_DisconnectQueuesBehindConnect(t *testing.T) {
	opener := newFakeOpener()
	opener.hold()
	c := New[*widget](opener)

	connecting := c.Connect()
	disconnecting := c.Disconnect()
	assert.NotSame(t, connecting, disconnecting)
	assert.Same(t, disconnecting, c.Disconnect())

	opener.release()
	assert.Equal(t, models.Connected, waitState(t, connecting))
	assert.Equal(t, models.Disconnected, waitState(t, disconnecting))
	assert.Equal(t, models.Disconnected, c.State())
	assert.Equal(t, int32(1), opener.closes.Load())
}

func TestConnection_LastQueuedOperationWins(t *testing.T) {
	opener := newFakeOpener()
	opener.hold()
	c := New[*widget](opener)

	first := c.Connect()
	c.Disconnect()
	last := c.Connect()
	assert.NotSame(t, first, last)

	opener.release()
	assert.Equal(t, models.Connected, waitState(t, last))
	assert.Equal(t, models.Connected, c.State())
	assert.Equal(t, int32(2), opener.opens.Load())
	assert.Equal(t, int32(1), opener.closes.Load())
}

func TestConnection_ListenerSetSemantics(t *testing.T) {
	c := New[*widget](newFakeOpener())
	rec := &stateRecorder{}

	assert.True(t, c.AddListener(rec))
	assert.False(t, c.AddListener(rec))
	assert.False(t, c.AddListener(nil))

	waitState(t, c.Connect())
	require.Eventually(t, func() bool { return len(rec.get()) == 2 }, 2*time.Second, 5*time.Millisecond)
	assert.Equal(t, []models.ConnectionState{models.Connecting, models.Connected}, rec.get())

	assert.True(t, c.RemoveListener(rec))
	assert.False(t, c.RemoveListener(rec))

	waitState(t, c.Disconnect())
	time.Sleep(50 * time.Millisecond)
	assert.Len(t, rec.get(), 2)
}

func TestConnection_NotificationRoundsAreOrdered(t *testing.T) {
	opener := newFakeOpener()
	c := New[*widget](opener)

	slowStarted := make(chan struct{}, 4)
	unblock := make(chan struct{})
	var seen []models.ConnectionState
	var mu sync.Mutex

	slow := NewListener(func(_ *Connection[*widget], state models.ConnectionState, _ string) {
		slowStarted <- struct{}{}
		<-unblock
	})
	fast := NewListener(func(_ *Connection[*widget], state models.ConnectionState, _ string) {
		mu.Lock()
		seen = append(seen, state)
		mu.Unlock()
	})
	c.AddListener(slow)
	c.AddListener(fast)

	assert.Equal(t, models.Connected, waitState(t, c.Connect()), "listeners never block callers")

	<-slowStarted
	// the fast listener got the first round but the second round waits for the slow one
	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(seen) == 1
	}, 2*time.Second, 5*time.Millisecond)
	time.Sleep(20 * time.Millisecond)
	mu.Lock()
	assert.Equal(t, []models.ConnectionState{models.Connecting}, seen)
	mu.Unlock()

	close(unblock)
	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(seen) == 2
	}, 2*time.Second, 5*time.Millisecond)
	mu.Lock()
	assert.Equal(t, []models.ConnectionState{models.Connecting, models.Connected}, seen)
	mu.Unlock()
}

func TestConnection_PanickingListenerDoesNotAffectOthers(t *testing.T) {
	c := New[*widget](newFakeOpener())
	rec := &stateRecorder{}
	c.AddListener(NewListener(func(*Connection[*widget], models.ConnectionState, string) {
		panic("listener bug")
	}))
	c.AddListener(rec)

	waitState(t, c.Connect())
	require.Eventually(t, func() bool { return len(rec.get()) == 2 }, 2*time.Second, 5*time.Millisecond)

	waitState(t, c.Disconnect())
	require.Eventually(t, func() bool { return len(rec.get()) == 3 }, 2*time.Second, 5*time.Millisecond)
}

func TestConnection_ListenerCanReadState(t *testing.T) {
	c := New[*widget](newFakeOpener())
	got := make(chan models.ConnectionState, 4)
	c.AddListener(NewListener(func(conn *Connection[*widget], _ models.ConnectionState, _ string) {
		got <- conn.State()
	}))

	waitState(t, c.Connect())
	require.Eventually(t, func() bool { return len(got) == 2 }, 2*time.Second, 5*time.Millisecond)
}

func TestConnection_StateReadsDoNotBlockOnOpen(t *testing.T) {
	opener := newFakeOpener()
	opener.hold()
	defer opener.release()
	c := New[*widget](opener)
	c.Connect()

	done := make(chan models.ConnectionState)
	go func() { done <- c.State() }()

	select {
	case state := <-done:
		assert.Equal(t, models.Connecting, state)
	case <-time.After(time.Second):
		t.Fatal("State blocked while open was in progress")
	}
}

func TestConnection_Properties(t *testing.T) {
	c := New[*widget](newFakeOpener(),
		WithValidators(map[string]properties.Validator{
			"User": func(v string) bool { return v != "root" },
		}),
		WithDefaults(properties.KeyValue{Key: "User", Value: "ice"}),
	)

	v, ok := c.Property("User")
	require.True(t, ok)
	assert.Equal(t, "ice", v)

	assert.False(t, c.SetProperty("User", "root"))
	assert.False(t, c.SetProperty(properties.Port, "70000"))
	assert.True(t, c.SetProperty(properties.Port, "8080"))
	assert.Equal(t, "8080", c.Properties()[properties.Port])
	assert.False(t, c.SetPort(8080))

	assert.True(t, c.SetProperty("Proxy", "p"))
	assert.True(t, c.RemoveProperty("Proxy"))
	assert.False(t, c.RemoveProperty(properties.Host))

	assert.True(t, c.SetDescription("visit"))
	assert.True(t, c.SetName("A"))
	assert.False(t, c.SetName(" "))
	assert.Equal(t, "A", c.Name())
}

func TestConnection_SetPropertyDoesNotReconnect(t *testing.T) {
	opener := newFakeOpener()
	c := New[*widget](opener)
	waitState(t, c.Connect())

	assert.True(t, c.SetHost("elsewhere"))
	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, models.Connected, c.State())
	assert.Equal(t, int32(1), opener.opens.Load())
}

func TestFuture_WaitHonoursContext(t *testing.T) {
	f := newFuture(opConnect)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := f.Wait(ctx)
	assert.ErrorIs(t, err, context.Canceled)
	assert.NotEmpty(t, f.ID())
}
