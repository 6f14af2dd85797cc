package fetch

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sheerbytes/resched/internal/hostprops"
	"github.com/sheerbytes/resched/internal/ioloop"
	"github.com/sheerbytes/resched/internal/scheduler"
)

var tab = scheduler.MakeClientID(1, 1)

type harness struct {
	loop   *ioloop.Loop
	sched  *scheduler.ResourceScheduler
	hosts  *hostprops.Store
	loader *Loader
}

func newHarness(t *testing.T, policy scheduler.Policy, cfg Config) *harness {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	loop := ioloop.New(0)
	go loop.Run(ctx)
	t.Cleanup(cancel)

	hosts := hostprops.NewStore()
	sched := scheduler.New(hosts,
		scheduler.WithPolicy(policy),
		scheduler.WithSequenceCheck(loop.AssertOnLoop),
	)
	require.NoError(t, loop.Call(ctx, func() { sched.OnClientCreated(tab) }))
	cfg.Hosts = hosts
	return &harness{
		loop:   loop,
		sched:  sched,
		hosts:  hosts,
		loader: NewLoader(loop, sched, cfg),
	}
}

func (h *harness) stats(t *testing.T) scheduler.Stats {
	t.Helper()
	var st scheduler.Stats
	require.NoError(t, h.loop.Call(context.Background(), func() { st = h.sched.Stats() }))
	return st
}

// blockingServer holds every request until release is called and tracks
// how many were in the handler at once.
type blockingServer struct {
	*httptest.Server
	entered chan string
	unblock chan struct{}
	once    sync.Once
	current atomic.Int32
	peak    atomic.Int32
}

func newBlockingServer(t *testing.T) *blockingServer {
	t.Helper()
	b := &blockingServer{
		entered: make(chan string, 16),
		unblock: make(chan struct{}),
	}
	b.Server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		n := b.current.Add(1)
		defer b.current.Add(-1)
		for {
			p := b.peak.Load()
			if n <= p || b.peak.CompareAndSwap(p, n) {
				break
			}
		}
		b.entered <- r.URL.Path
		<-b.unblock
		w.Write([]byte("ok"))
	}))
	t.Cleanup(func() {
		b.release()
		b.Close()
	})
	return b
}

func (b *blockingServer) release() { b.once.Do(func() { close(b.unblock) }) }

func (b *blockingServer) waitEntered(t *testing.T) string {
	t.Helper()
	select {
	case path := <-b.entered:
		return path
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for request to reach server")
		return ""
	}
}

type outcome struct {
	res Result
	err error
}

func (h *harness) loadAsync(job Job) <-chan outcome {
	ch := make(chan outcome, 1)
	go func() {
		res, err := h.loader.Load(context.Background(), job)
		ch <- outcome{res, err}
	}()
	return ch
}

func wait(t *testing.T, ch <-chan outcome) outcome {
	t.Helper()
	select {
	case out := <-ch:
		return out
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for Load")
		return outcome{}
	}
}

func TestLoad_Basic(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("hello world"))
	}))
	defer srv.Close()

	h := newHarness(t, scheduler.DefaultPolicy(), Config{})

	started := make(chan bool, 1)
	res, err := h.loader.Load(context.Background(), Job{
		ID:       "r1",
		Client:   tab,
		URL:      srv.URL + "/a.css",
		Priority: scheduler.Highest,
		OnStart:  func(deferred bool) { started <- deferred },
	})
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, res.Status)
	assert.Equal(t, int64(len("hello world")), res.Bytes)
	assert.Equal(t, "HTTP/1.1", res.Proto)

	select {
	case deferred := <-started:
		assert.False(t, deferred)
	default:
		t.Fatal("OnStart was not called")
	}

	require.Eventually(t, func() bool {
		st := h.stats(t)
		return st.InFlight == 0 && st.Pending == 0
	}, 2*time.Second, 10*time.Millisecond)

	// HTTP/1.1 without Alt-Svc teaches nothing.
	assert.Empty(t, h.hosts.Hosts())
}

func TestLoad_RejectsBadInput(t *testing.T) {
	h := newHarness(t, scheduler.DefaultPolicy(), Config{})

	_, err := h.loader.Load(context.Background(), Job{Client: tab, URL: "ftp://a.test/x", Priority: scheduler.Low})
	assert.ErrorContains(t, err, "unsupported scheme")

	_, err = h.loader.Load(context.Background(), Job{Client: tab, URL: "http://a.test/x", Priority: scheduler.Priority(42)})
	assert.ErrorContains(t, err, "invalid priority")

	assert.Zero(t, h.stats(t).Pending)
}

func TestLoad_DelayableRequestsAreGated(t *testing.T) {
	srv := newBlockingServer(t)
	h := newHarness(t, scheduler.Policy{MaxDelayablePerClient: 1, MaxDelayablePerHost: 1}, Config{})

	first := h.loadAsync(Job{ID: "a", Client: tab, URL: srv.URL + "/a.png", Priority: scheduler.Lowest})
	assert.Equal(t, "/a.png", srv.waitEntered(t))

	secondStarted := make(chan bool, 1)
	second := h.loadAsync(Job{
		ID:       "b",
		Client:   tab,
		URL:      srv.URL + "/b.png",
		Priority: scheduler.Lowest,
		OnStart:  func(deferred bool) { secondStarted <- deferred },
	})
	require.Eventually(t, func() bool { return h.stats(t).Pending == 1 }, 2*time.Second, 10*time.Millisecond)

	srv.release()
	require.NoError(t, wait(t, first).err)
	require.NoError(t, wait(t, second).err)
	assert.True(t, <-secondStarted, "second fetch should report it was queued")
	assert.Equal(t, "/b.png", srv.waitEntered(t))
	assert.Equal(t, int32(1), srv.peak.Load(), "only one delayable fetch may run at a time")
}

func TestLoad_CancelWhileQueued(t *testing.T) {
	srv := newBlockingServer(t)
	h := newHarness(t, scheduler.Policy{MaxDelayablePerClient: 1, MaxDelayablePerHost: 1}, Config{})

	first := h.loadAsync(Job{ID: "a", Client: tab, URL: srv.URL + "/a.png", Priority: scheduler.Lowest})
	srv.waitEntered(t)
	second := h.loadAsync(Job{ID: "b", Client: tab, URL: srv.URL + "/b.png", Priority: scheduler.Lowest})
	require.Eventually(t, func() bool { return h.stats(t).Pending == 1 }, 2*time.Second, 10*time.Millisecond)

	require.NoError(t, h.loader.Cancel(context.Background(), "b"))
	assert.ErrorIs(t, wait(t, second).err, ErrCanceled)
	require.Eventually(t, func() bool { return h.stats(t).Pending == 0 }, 2*time.Second, 10*time.Millisecond)

	srv.release()
	require.NoError(t, wait(t, first).err)
}

func TestLoad_ReprioritizeStartsQueuedJob(t *testing.T) {
	srv := newBlockingServer(t)
	h := newHarness(t, scheduler.Policy{MaxDelayablePerClient: 1, MaxDelayablePerHost: 1}, Config{})

	first := h.loadAsync(Job{ID: "a", Client: tab, URL: srv.URL + "/a.png", Priority: scheduler.Lowest})
	srv.waitEntered(t)
	second := h.loadAsync(Job{ID: "b", Client: tab, URL: srv.URL + "/b.js", Priority: scheduler.Lowest})
	require.Eventually(t, func() bool { return h.stats(t).Pending == 1 }, 2*time.Second, 10*time.Millisecond)

	require.NoError(t, h.loader.Reprioritize(context.Background(), "b", scheduler.Highest))
	assert.Equal(t, "/b.js", srv.waitEntered(t))

	srv.release()
	require.NoError(t, wait(t, first).err)
	require.NoError(t, wait(t, second).err)
}

func TestLoader_UnknownJob(t *testing.T) {
	h := newHarness(t, scheduler.DefaultPolicy(), Config{})

	err := h.loader.Reprioritize(context.Background(), "missing", scheduler.Low)
	assert.ErrorIs(t, err, ErrUnknownJob)

	err = h.loader.Cancel(context.Background(), "missing")
	assert.ErrorIs(t, err, ErrUnknownJob)

	err = h.loader.Reprioritize(context.Background(), "missing", scheduler.Priority(-1))
	assert.ErrorContains(t, err, "invalid priority")
}

func TestLoader_IgnoreLimitsJobs(t *testing.T) {
	srv := newBlockingServer(t)
	h := newHarness(t, scheduler.DefaultPolicy(), Config{})

	out := h.loadAsync(Job{ID: "sync", Client: tab, URL: srv.URL + "/x", Priority: scheduler.Idle, IgnoreLimits: true})
	srv.waitEntered(t)

	err := h.loader.Reprioritize(context.Background(), "sync", scheduler.Low)
	assert.ErrorContains(t, err, "cannot be reprioritized")

	dup := h.loadAsync(Job{ID: "sync", Client: tab, URL: srv.URL + "/y", Priority: scheduler.Low})
	assert.ErrorIs(t, wait(t, dup).err, ErrDuplicateJob)

	srv.release()
	require.NoError(t, wait(t, out).err)
}

func TestLoader_CancelClient(t *testing.T) {
	srv := newBlockingServer(t)
	h := newHarness(t, scheduler.DefaultPolicy(), Config{})
	other := scheduler.MakeClientID(1, 2)
	require.NoError(t, h.loop.Call(context.Background(), func() { h.sched.OnClientCreated(other) }))

	a := h.loadAsync(Job{ID: "a", Client: tab, URL: srv.URL + "/a", Priority: scheduler.Highest})
	b := h.loadAsync(Job{ID: "b", Client: tab, URL: srv.URL + "/b", Priority: scheduler.Highest})
	c := h.loadAsync(Job{ID: "c", Client: other, URL: srv.URL + "/c", Priority: scheduler.Highest})
	srv.waitEntered(t)
	srv.waitEntered(t)
	srv.waitEntered(t)

	n, err := h.loader.CancelClient(context.Background(), tab)
	require.NoError(t, err)
	assert.Equal(t, 2, n)
	assert.ErrorIs(t, wait(t, a).err, ErrCanceled)
	assert.ErrorIs(t, wait(t, b).err, ErrCanceled)

	srv.release()
	require.NoError(t, wait(t, c).err)
}

func TestLoader_DeleteClient(t *testing.T) {
	srv := newBlockingServer(t)
	h := newHarness(t, scheduler.Policy{MaxDelayablePerClient: 1, MaxDelayablePerHost: 1}, Config{})

	first := h.loadAsync(Job{ID: "a", Client: tab, URL: srv.URL + "/a.png", Priority: scheduler.Lowest})
	srv.waitEntered(t)
	second := h.loadAsync(Job{Client: tab, URL: srv.URL + "/b.png", Priority: scheduler.Lowest})
	require.Eventually(t, func() bool { return h.stats(t).Pending == 1 }, 2*time.Second, 10*time.Millisecond)

	n, err := h.loader.DeleteClient(context.Background(), tab)
	require.NoError(t, err)
	assert.Equal(t, 1, n, "only the queued job is canceled")
	assert.ErrorIs(t, wait(t, second).err, ErrCanceled)

	st := h.stats(t)
	assert.Empty(t, st.Clients)
	assert.Equal(t, 1, st.Unowned, "started job keeps running without an owner")

	srv.release()
	require.NoError(t, wait(t, first).err)
	require.Eventually(t, func() bool { return h.stats(t).Unowned == 0 }, 2*time.Second, 10*time.Millisecond)
}

func TestLoad_LearnsHTTP2Hosts(t *testing.T) {
	srv := httptest.NewUnstartedServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("ok"))
	}))
	srv.EnableHTTP2 = true
	srv.StartTLS()
	defer srv.Close()

	h := newHarness(t, scheduler.DefaultPolicy(), Config{HTTPClient: srv.Client()})
	res, err := h.loader.Load(context.Background(), Job{ID: "h2", Client: tab, URL: srv.URL + "/", Priority: scheduler.Low})
	require.NoError(t, err)
	assert.Equal(t, "HTTP/2.0", res.Proto)

	hostPort := srv.Listener.Addr().String()
	proto, ok := h.hosts.Protocol(hostPort)
	require.True(t, ok, "expected %s to be recorded", hostPort)
	assert.Equal(t, hostprops.ProtocolHTTP2, proto)
}
