package session

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/entrhq/ehragent/pkg/automation/automationtest"
	"github.com/entrhq/ehragent/pkg/logging"
	"github.com/entrhq/ehragent/pkg/metrics"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
	"go.uber.org/zap/zaptest"
)

const entryURL = "https://portal.example.com/"

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2024, 5, 1, 9, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

type registryFixture struct {
	registry *Registry
	driver   *automationtest.Driver
	clock    *fakeClock
	reg      *prometheus.Registry
}

// activeSessions reads the sessions_active gauge.
func (f *registryFixture) activeSessions(t *testing.T) float64 {
	t.Helper()
	families, err := f.reg.Gather()
	require.NoError(t, err)
	for _, family := range families {
		if family.GetName() == "ehragent_sessions_active" {
			return family.GetMetric()[0].GetGauge().GetValue()
		}
	}
	t.Fatal("sessions_active gauge not registered")
	return 0
}

func newRegistryFixture(t *testing.T, newPage func() *automationtest.Page, configure ...func(*Options)) *registryFixture {
	t.Helper()

	opts := Options{
		EntryURL:             entryURL,
		Headless:             true,
		Timeout:              30 * time.Second,
		RenavigateOnRecreate: true,
	}
	for _, c := range configure {
		c(&opts)
	}

	log := zaptest.NewLogger(t)
	driver := automationtest.NewDriver(newPage)
	clock := newFakeClock()
	reg := prometheus.NewRegistry()
	m := metrics.MustNew(reg)
	engine := NewEngineInitializer(driver, logging.FromZap(log, "engine"), m)

	return &registryFixture{
		registry: NewRegistry(engine, opts,
			WithLogger(logging.FromZap(log, "sessions")),
			WithMetrics(m),
			WithClock(clock.Now),
		),
		driver: driver,
		clock:  clock,
		reg:    reg,
	}
}

func pageOf(t *testing.T, b *automationtest.Browser) *automationtest.Page {
	t.Helper()
	contexts := b.Contexts()
	require.Len(t, contexts, 1)
	pages := contexts[0].Pages()
	require.Len(t, pages, 1)
	return pages[0]
}

func TestRegistry_CreateOpensNavigatedSession(t *testing.T) {
	f := newRegistryFixture(t, nil)

	id, err := f.registry.Create(context.Background(), "  alice ")
	require.NoError(t, err)
	assert.Len(t, id.SessionID, 32)
	assert.Equal(t, "alice", id.UserID)

	browsers := f.driver.Browsers()
	require.Len(t, browsers, 1)
	assert.True(t, browsers[0].Headless)

	ctxOpts := browsers[0].Contexts()[0].Options
	assert.Equal(t, 1440, ctxOpts.Viewport.Width)
	assert.Equal(t, 900, ctxOpts.Viewport.Height)
	assert.Equal(t, 30000.0, ctxOpts.Timeout)

	page := pageOf(t, browsers[0])
	assert.Equal(t, []string{entryURL}, page.Gotos())

	infos := f.registry.List()
	require.Len(t, infos, 1)
	assert.Equal(t, entryURL, infos[0].CurrentURL)
	assert.Empty(t, infos[0].Error)
	assert.Equal(t, 1.0, f.activeSessions(t))
}

func TestRegistry_CreateRejectsBlankUser(t *testing.T) {
	f := newRegistryFixture(t, nil)

	for _, userID := range []string{"", "   ", "\t\n"} {
		_, err := f.registry.Create(context.Background(), userID)
		assert.ErrorIs(t, err, ErrInvalidUserID)
	}
	assert.Equal(t, 0, f.driver.Starts())
	assert.Equal(t, 0, f.registry.Len())
}

func TestRegistry_CreateIsIdempotentPerUser(t *testing.T) {
	f := newRegistryFixture(t, nil)
	ctx := context.Background()

	first, err := f.registry.Create(ctx, "Alice")
	require.NoError(t, err)

	for _, variant := range []string{"Alice", "alice", "  ALICE  ", "aLiCe"} {
		again, err := f.registry.Create(ctx, variant)
		require.NoError(t, err)
		assert.Equal(t, first, again, "variant %q", variant)
	}

	assert.Len(t, f.driver.Browsers(), 1)
	assert.Equal(t, 1, f.registry.Len())
}

func TestRegistry_ConcurrentCreatesShareOneSession(t *testing.T) {
	f := newRegistryFixture(t, func() *automationtest.Page {
		p := automationtest.NewPage()
		p.Delay = 5 * time.Millisecond
		return p
	})

	const callers = 12
	ids := make([]Identity, callers)
	var wg sync.WaitGroup
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			userID := "bob"
			if i%2 == 0 {
				userID = " BOB "
			}
			id, err := f.registry.Create(context.Background(), userID)
			assert.NoError(t, err)
			ids[i] = id
		}(i)
	}
	wg.Wait()

	for _, id := range ids {
		assert.Equal(t, ids[0].SessionID, id.SessionID)
	}
	assert.Len(t, f.driver.Browsers(), 1)
	assert.Equal(t, 1, f.registry.Len())
}

func TestRegistry_DistinctUsersGetDistinctSessions(t *testing.T) {
	f := newRegistryFixture(t, nil)
	ctx := context.Background()

	a, err := f.registry.Create(ctx, "alice")
	require.NoError(t, err)
	f.clock.Advance(time.Second)
	b, err := f.registry.Create(ctx, "bob")
	require.NoError(t, err)

	assert.NotEqual(t, a.SessionID, b.SessionID)
	assert.Len(t, f.driver.Browsers(), 2)

	infos := f.registry.List()
	require.Len(t, infos, 2)
	assert.Equal(t, "alice", infos[0].UserID)
	assert.Equal(t, "bob", infos[1].UserID)
}

func TestRegistry_NavigationFailureStillRegisters(t *testing.T) {
	f := newRegistryFixture(t, func() *automationtest.Page {
		p := automationtest.NewPage()
		p.GotoErr = errors.New("net::ERR_NAME_NOT_RESOLVED")
		return p
	})

	id, err := f.registry.Create(context.Background(), "carol")
	require.NoError(t, err)

	status, err := f.registry.Status(context.Background(), id.SessionID)
	require.NoError(t, err)
	assert.False(t, status.LoggedIn)
	assert.Contains(t, status.Error, "ERR_NAME_NOT_RESOLVED")
}

func TestRegistry_RecreateRetriesFailedNavigation(t *testing.T) {
	f := newRegistryFixture(t, func() *automationtest.Page {
		p := automationtest.NewPage()
		p.GotoErr = errors.New("timeout")
		return p
	})
	ctx := context.Background()

	id, err := f.registry.Create(ctx, "dave")
	require.NoError(t, err)
	page := pageOf(t, f.driver.Browsers()[0])

	page.GotoErr = nil
	again, err := f.registry.Create(ctx, "dave")
	require.NoError(t, err)
	assert.Equal(t, id, again)
	assert.Equal(t, []string{entryURL, entryURL}, page.Gotos())

	s, ok := f.registry.Lookup(id.SessionID)
	require.True(t, ok)
	assert.Empty(t, s.LastError())

	_, err = f.registry.Create(ctx, "dave")
	require.NoError(t, err)
	assert.Len(t, page.Gotos(), 2, "healthy session must not be re-navigated")
}

func TestRegistry_RecreateRetryOutlivesCanceledCaller(t *testing.T) {
	f := newRegistryFixture(t, func() *automationtest.Page {
		p := automationtest.NewPage()
		p.GotoErr = errors.New("timeout")
		return p
	})
	bg := context.Background()

	id, err := f.registry.Create(bg, "erin")
	require.NoError(t, err)
	page := pageOf(t, f.driver.Browsers()[0])
	page.GotoErr = nil

	held, err := f.registry.Acquire(bg, id.SessionID)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(bg)
	done := make(chan error, 1)
	go func() {
		_, err := f.registry.Create(ctx, "erin")
		done <- err
	}()

	time.Sleep(20 * time.Millisecond)
	cancel()
	time.Sleep(20 * time.Millisecond)
	held.Release()

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("create never returned")
	}
	assert.Equal(t, []string{entryURL, entryURL}, page.Gotos())
}

func TestRegistry_RecreateWithoutRenavigate(t *testing.T) {
	f := newRegistryFixture(t, func() *automationtest.Page {
		p := automationtest.NewPage()
		p.GotoErr = errors.New("timeout")
		return p
	}, func(o *Options) { o.RenavigateOnRecreate = false })
	ctx := context.Background()

	_, err := f.registry.Create(ctx, "erin")
	require.NoError(t, err)
	_, err = f.registry.Create(ctx, "erin")
	require.NoError(t, err)

	page := pageOf(t, f.driver.Browsers()[0])
	assert.Len(t, page.Gotos(), 1)
}

func TestRegistry_CreateFailsWhenEngineUnavailable(t *testing.T) {
	f := newRegistryFixture(t, nil)
	f.driver.FailLaunch(errors.New("no display"))

	_, err := f.registry.Create(context.Background(), "frank")
	assert.ErrorIs(t, err, ErrEngineUnavailable)
	assert.Equal(t, 0, f.registry.Len())

	_, err = f.registry.Create(context.Background(), "frank")
	require.NoError(t, err)
	assert.Equal(t, 1, f.registry.Len())
}

func TestRegistry_NewContextFailureClosesBrowser(t *testing.T) {
	f := newRegistryFixture(t, nil)
	f.driver.NewContextErr = errors.New("context refused")

	_, err := f.registry.Create(context.Background(), "gina")
	assert.ErrorIs(t, err, ErrEngineUnavailable)

	browsers := f.driver.Browsers()
	require.Len(t, browsers, 1)
	assert.True(t, browsers[0].Closed())
	assert.Equal(t, 0, f.registry.Len())
}

func TestRegistry_UnknownSessionHasNoSideEffects(t *testing.T) {
	f := newRegistryFixture(t, nil)
	ctx := context.Background()

	_, err := f.registry.Create(ctx, "hank")
	require.NoError(t, err)
	page := pageOf(t, f.driver.Browsers()[0])
	callsBefore := page.Calls()

	_, err = f.registry.Status(ctx, "does-not-exist")
	assert.ErrorIs(t, err, ErrSessionNotFound)

	_, err = f.registry.QRImage(ctx, "does-not-exist")
	assert.ErrorIs(t, err, ErrSessionNotFound)

	_, err = f.registry.Acquire(ctx, "does-not-exist")
	assert.ErrorIs(t, err, ErrSessionNotFound)

	assert.ErrorIs(t, f.registry.Close(ctx, "does-not-exist"), ErrSessionNotFound)

	assert.Equal(t, 1, f.registry.Len())
	assert.Len(t, f.driver.Browsers(), 1)
	assert.Equal(t, callsBefore, page.Calls())
}

func TestRegistry_OperationsOnOneSessionNeverOverlap(t *testing.T) {
	f := newRegistryFixture(t, func() *automationtest.Page {
		p := automationtest.NewPage(
			&automationtest.Element{Text: "OA"},
			&automationtest.Element{Selectors: []string{"canvas"}},
		)
		p.Delay = 2 * time.Millisecond
		return p
	})
	ctx := context.Background()

	id, err := f.registry.Create(ctx, "ivy")
	require.NoError(t, err)
	page := pageOf(t, f.driver.Browsers()[0])

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(2)
		go func() {
			defer wg.Done()
			_, err := f.registry.Status(ctx, id.SessionID)
			assert.NoError(t, err)
		}()
		go func() {
			defer wg.Done()
			_, err := f.registry.QRImage(ctx, id.SessionID)
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	assert.Equal(t, 1, page.MaxInFlight())
}

func TestRegistry_DifferentSessionsRunInParallel(t *testing.T) {
	f := newRegistryFixture(t, nil)
	ctx := context.Background()

	a, err := f.registry.Create(ctx, "alice")
	require.NoError(t, err)
	b, err := f.registry.Create(ctx, "bob")
	require.NoError(t, err)

	held, err := f.registry.Acquire(ctx, a.SessionID)
	require.NoError(t, err)

	done := make(chan error, 1)
	go func() {
		_, err := f.registry.Status(ctx, b.SessionID)
		done <- err
	}()

	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("status on another session blocked behind a held lease")
	}
	held.Release()
}

func TestRegistry_AcquireHonorsContext(t *testing.T) {
	f := newRegistryFixture(t, nil)

	id, err := f.registry.Create(context.Background(), "jack")
	require.NoError(t, err)

	held, err := f.registry.Acquire(context.Background(), id.SessionID)
	require.NoError(t, err)
	defer held.Release()

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err = f.registry.Acquire(ctx, id.SessionID)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestLease_ReleaseIsIdempotent(t *testing.T) {
	f := newRegistryFixture(t, nil)
	ctx := context.Background()

	id, err := f.registry.Create(ctx, "kate")
	require.NoError(t, err)

	lease, err := f.registry.Acquire(ctx, id.SessionID)
	require.NoError(t, err)
	lease.Release()
	lease.Release()

	again, err := f.registry.Acquire(ctx, id.SessionID)
	require.NoError(t, err)
	again.Release()
}

func TestRegistry_WithSessionPropagatesError(t *testing.T) {
	f := newRegistryFixture(t, nil)
	ctx := context.Background()

	id, err := f.registry.Create(ctx, "liam")
	require.NoError(t, err)

	boom := errors.New("boom")
	err = f.registry.WithSession(ctx, id.SessionID, func(l *Lease) error {
		assert.Equal(t, id.SessionID, l.Session().ID())
		return boom
	})
	assert.ErrorIs(t, err, boom)

	// the lock was released despite the error
	require.NoError(t, f.registry.WithSession(ctx, id.SessionID, func(*Lease) error { return nil }))
}

func TestRegistry_Close(t *testing.T) {
	f := newRegistryFixture(t, nil)
	ctx := context.Background()

	id, err := f.registry.Create(ctx, "mia")
	require.NoError(t, err)

	require.NoError(t, f.registry.Close(ctx, id.SessionID))
	assert.Equal(t, 0, f.registry.Len())
	assert.True(t, f.driver.Browsers()[0].Closed())
	assert.Equal(t, 0.0, f.activeSessions(t))

	_, err = f.registry.Status(ctx, id.SessionID)
	assert.ErrorIs(t, err, ErrSessionNotFound)

	again, err := f.registry.Create(ctx, "mia")
	require.NoError(t, err)
	assert.NotEqual(t, id.SessionID, again.SessionID)
}

func TestRegistry_CloseIdle(t *testing.T) {
	f := newRegistryFixture(t, nil)
	ctx := context.Background()

	stale, err := f.registry.Create(ctx, "ned")
	require.NoError(t, err)
	f.clock.Advance(20 * time.Minute)
	fresh, err := f.registry.Create(ctx, "olga")
	require.NoError(t, err)
	f.clock.Advance(5 * time.Minute)

	busy, err := f.registry.Create(ctx, "pete")
	require.NoError(t, err)
	f.clock.Advance(20 * time.Minute)
	held, err := f.registry.Acquire(ctx, busy.SessionID)
	require.NoError(t, err)

	closed := f.registry.CloseIdle(15 * time.Minute)
	assert.Equal(t, 2, closed)

	_, ok := f.registry.Lookup(stale.SessionID)
	assert.False(t, ok)
	_, ok = f.registry.Lookup(fresh.SessionID)
	assert.False(t, ok)
	_, ok = f.registry.Lookup(busy.SessionID)
	assert.True(t, ok, "a leased session is never reaped")

	held.Release()
	assert.Equal(t, 0, f.registry.CloseIdle(15*time.Minute), "release refreshes last use")
}

func TestRegistry_ReaperStopsWithContext(t *testing.T) {
	f := newRegistryFixture(t, nil)

	_, err := f.registry.Create(context.Background(), "quinn")
	require.NoError(t, err)
	f.clock.Advance(time.Hour)

	ctx, cancel := context.WithCancel(context.Background())
	done := f.registry.StartReaper(ctx, time.Millisecond, time.Minute)

	require.Eventually(t, func() bool { return f.registry.Len() == 0 }, 2*time.Second, 5*time.Millisecond)

	cancel()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("reaper did not stop")
	}
}

func TestRegistry_ShutdownClosesEverySession(t *testing.T) {
	pages := make(chan *automationtest.Page, 3)
	n := 0
	f := newRegistryFixture(t, func() *automationtest.Page {
		p := automationtest.NewPage()
		if n == 0 {
			p.CloseErr = errors.New("target crashed")
		}
		n++
		pages <- p
		return p
	})
	ctx := context.Background()

	for _, user := range []string{"rita", "sam", "tom"} {
		_, err := f.registry.Create(ctx, user)
		require.NoError(t, err)
	}
	browsers := f.driver.Browsers()
	browsers[1].CloseErr = errors.New("already gone")

	require.NoError(t, f.registry.Shutdown(ctx))
	close(pages)

	assert.Equal(t, 0, f.registry.Len())
	for p := range pages {
		assert.True(t, p.Closed())
	}
	for _, b := range browsers {
		assert.True(t, b.Closed())
		assert.True(t, b.Contexts()[0].Closed())
	}
	assert.True(t, f.driver.Engine().Stopped())
	assert.Equal(t, 0.0, f.activeSessions(t))

	_, err := f.registry.Create(ctx, "uma")
	assert.ErrorIs(t, err, ErrRegistryClosed)

	assert.NoError(t, f.registry.Shutdown(ctx), "second shutdown is a no-op")
}

func TestRegistry_ShutdownWaitsForLease(t *testing.T) {
	f := newRegistryFixture(t, nil)
	ctx := context.Background()

	id, err := f.registry.Create(ctx, "vera")
	require.NoError(t, err)
	page := pageOf(t, f.driver.Browsers()[0])

	held, err := f.registry.Acquire(ctx, id.SessionID)
	require.NoError(t, err)

	done := make(chan error, 1)
	go func() { done <- f.registry.Shutdown(ctx) }()

	time.Sleep(30 * time.Millisecond)
	assert.False(t, page.Closed(), "handle closed while still leased")

	held.Release()
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("shutdown did not finish after release")
	}
	assert.True(t, page.Closed())
}

func TestRegistry_ShutdownDeadlineClosesBusySessions(t *testing.T) {
	f := newRegistryFixture(t, nil)

	id, err := f.registry.Create(context.Background(), "walt")
	require.NoError(t, err)
	page := pageOf(t, f.driver.Browsers()[0])

	held, err := f.registry.Acquire(context.Background(), id.SessionID)
	require.NoError(t, err)
	defer held.Release()

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	require.NoError(t, f.registry.Shutdown(ctx))
	assert.True(t, page.Closed())
}

func TestRegistry_CloseRacingShutdownClosesOnce(t *testing.T) {
	f := newRegistryFixture(t, nil)
	ctx := context.Background()

	id, err := f.registry.Create(ctx, "wendy")
	require.NoError(t, err)
	browser := f.driver.Browsers()[0]

	held, err := f.registry.Acquire(ctx, id.SessionID)
	require.NoError(t, err)

	closeDone := make(chan error, 1)
	go func() { closeDone <- f.registry.Close(ctx, id.SessionID) }()
	time.Sleep(20 * time.Millisecond)

	shutdownDone := make(chan error, 1)
	go func() { shutdownDone <- f.registry.Shutdown(ctx) }()
	time.Sleep(20 * time.Millisecond)

	held.Release()
	for _, done := range []chan error{closeDone, shutdownDone} {
		select {
		case err := <-done:
			require.NoError(t, err)
		case <-time.After(2 * time.Second):
			t.Fatal("close or shutdown never finished")
		}
	}

	assert.Equal(t, 1, browser.CloseCount())
	assert.Equal(t, 0.0, f.activeSessions(t))
}

func TestRegistry_AcquireAfterCloseReportsNotFound(t *testing.T) {
	f := newRegistryFixture(t, nil)
	ctx := context.Background()

	id, err := f.registry.Create(ctx, "xena")
	require.NoError(t, err)

	held, err := f.registry.Acquire(ctx, id.SessionID)
	require.NoError(t, err)

	waiting := make(chan error, 1)
	go func() {
		_, err := f.registry.Acquire(ctx, id.SessionID)
		waiting <- err
	}()

	time.Sleep(10 * time.Millisecond)
	f.registry.remove(held.Session())
	held.Release()

	select {
	case err := <-waiting:
		assert.ErrorIs(t, err, ErrSessionNotFound)
	case <-time.After(2 * time.Second):
		t.Fatal("waiter never woke up")
	}
}
