package apppool_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/yuku/apppool"
	"github.com/yuku/apppool/internal/pooltest"
)

// newTestPool builds an initialized pool and destroys it on cleanup.
func newTestPool(t *testing.T, factory apppool.SpawnerFactory, mutate func(*apppool.Config)) *apppool.Pool {
	t.Helper()
	config := apppool.Config{SpawnerFactory: factory}
	if mutate != nil {
		mutate(&config)
	}
	pool, err := apppool.New(config)
	require.NoError(t, err, "New should not return an error")
	pool.Initialize()
	t.Cleanup(func() {
		if pool.LifeStatus() == apppool.StatusShutDown {
			return
		}
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		require.NoError(t, pool.Destroy(ctx))
	})
	return pool
}

type getResult struct {
	session *apppool.Session
	err     error
}

// asyncGet issues an AsyncGet whose outcome can be received from the
// returned channel.
func asyncGet(pool *apppool.Pool, options apppool.Options) chan getResult {
	ch := make(chan getResult, 1)
	pool.AsyncGet(options, func(session *apppool.Session, err error) {
		ch <- getResult{session: session, err: err}
	})
	return ch
}

func receiveResult(t *testing.T, ch chan getResult) getResult {
	t.Helper()
	select {
	case result := <-ch:
		return result
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for a get callback")
		return getResult{}
	}
}

func requireNoResult(t *testing.T, ch chan getResult) {
	t.Helper()
	select {
	case result := <-ch:
		t.Fatalf("expected no callback yet, got session=%v err=%v", result.session, result.err)
	case <-time.After(100 * time.Millisecond):
	}
}

func TestAsyncGetSpawnsNewGroup(t *testing.T) {
	pool := newTestPool(t, &pooltest.InstantFactory{}, nil)

	result := receiveResult(t, asyncGet(pool, apppool.Options{AppGroupName: "A"}))
	require.NoError(t, result.err)
	require.NotNil(t, result.session)
	require.NotNil(t, result.session.Process())
	assert.Equal(t, "A", result.session.GroupName())

	assert.Equal(t, 1, pool.GroupCount())
	assert.Equal(t, 0, pool.GetWaitlistSize())
	assert.Equal(t, 1, pool.CapacityUsed())

	result.session.Close()
}

func TestAsyncGetParksWhenAtFullCapacity(t *testing.T) {
	pool := newTestPool(t, &pooltest.InstantFactory{}, func(c *apppool.Config) {
		c.Max = 1
	})

	// A busy worker in "A" uses the entire pool.
	sessionA, err := pool.Get(context.Background(), apppool.Options{AppGroupName: "A"})
	require.NoError(t, err)
	require.True(t, pool.AtFullCapacity())

	// "B" cannot be created and no worker is idle, so the request parks.
	ch := asyncGet(pool, apppool.Options{AppGroupName: "B"})
	requireNoResult(t, ch)
	assert.Equal(t, 1, pool.GetWaitlistSize())
	assert.True(t, pool.AtFullCapacity())

	// Detaching the busy worker frees capacity and serves the parked
	// request.
	require.True(t, pool.DetachProcess(sessionA.Process()))
	result := receiveResult(t, ch)
	require.NoError(t, result.err)
	require.NotNil(t, result.session)
	assert.Equal(t, "B", result.session.GroupName())
	assert.Equal(t, 0, pool.GetWaitlistSize())

	sessionA.Close()
	result.session.Close()
}

func TestAsyncGetEvictsOldestIdleWorker(t *testing.T) {
	pool := newTestPool(t, &pooltest.InstantFactory{}, func(c *apppool.Config) {
		c.Max = 2
	})

	// An idle worker in "A" and a busy worker in "B" fill the pool.
	sessionA, err := pool.Get(context.Background(), apppool.Options{AppGroupName: "A"})
	require.NoError(t, err)
	sessionA.Close()
	sessionB, err := pool.Get(context.Background(), apppool.Options{AppGroupName: "B"})
	require.NoError(t, err)
	require.True(t, pool.AtFullCapacity())

	// "C" evicts the idle "A" worker instead of parking.
	result := receiveResult(t, asyncGet(pool, apppool.Options{AppGroupName: "C"}))
	require.NoError(t, result.err)
	assert.Equal(t, "C", result.session.GroupName())
	assert.Equal(t, 0, pool.GetWaitlistSize())
	assert.Equal(t, 3, pool.GroupCount(), "the emptied group remains until garbage collection")

	sessionB.Close()
	result.session.Close()
}

func TestDetachGroupAbortsWaiters(t *testing.T) {
	factory := pooltest.NewBlockingFactory()
	pool := newTestPool(t, factory, func(c *apppool.Config) {
		c.Max = 2
	})

	// Two requests pile up on the group's own wait list while the only
	// spawn is still in flight.
	ch1 := asyncGet(pool, apppool.Options{AppGroupName: "A"})
	spawn := factory.Expect(t)
	ch2 := asyncGet(pool, apppool.Options{AppGroupName: "A"})
	requireNoResult(t, ch1)
	requireNoResult(t, ch2)

	existed, err := pool.DetachGroupByName(context.Background(), "A")
	require.NoError(t, err)
	require.True(t, existed)

	for _, ch := range []chan getResult{ch1, ch2} {
		result := receiveResult(t, ch)
		require.Error(t, result.err)
		require.True(t, apppool.IsGetAborted(result.err))
		assert.ErrorContains(t, result.err, "The containing Group was detached.")
		assert.Nil(t, result.session)
	}
	assert.Equal(t, 0, pool.GroupCount())

	// The in-flight spawn completes against the detached group and its
	// worker is discarded.
	spawn.Succeed()
	require.Eventually(t, func() bool { return pool.CapacityUsed() == 0 }, 5*time.Second, 10*time.Millisecond)
	assert.Equal(t, 0, pool.ProcessCount())
}

func TestDetachGroupByNameMissing(t *testing.T) {
	pool := newTestPool(t, &pooltest.InstantFactory{}, nil)
	existed, err := pool.DetachGroupByName(context.Background(), "missing")
	require.NoError(t, err)
	assert.False(t, existed)
}

func TestDetachGroupRecreate(t *testing.T) {
	pool := newTestPool(t, &pooltest.InstantFactory{}, nil)

	session, err := pool.Get(context.Background(), apppool.Options{AppGroupName: "A"})
	require.NoError(t, err)
	session.Close()

	existed, err := pool.DetachGroupByName(context.Background(), "A")
	require.NoError(t, err)
	require.True(t, existed)
	require.Equal(t, 0, pool.GroupCount())

	// The same group name is usable again right away.
	session, err = pool.Get(context.Background(), apppool.Options{AppGroupName: "A"})
	require.NoError(t, err)
	assert.Equal(t, "A", session.GroupName())
	assert.Equal(t, 1, pool.GroupCount())
	session.Close()
}

func TestDetachGroupBySecret(t *testing.T) {
	pool := newTestPool(t, &pooltest.InstantFactory{}, nil)

	group, err := pool.EnsureGroup(apppool.Options{AppGroupName: "A"})
	require.NoError(t, err)
	require.Same(t, group, pool.GroupBySecret(group.Secret()))

	existed, err := pool.DetachGroupBySecret(context.Background(), group.Secret())
	require.NoError(t, err)
	assert.True(t, existed)
	assert.Equal(t, 0, pool.GroupCount())

	existed, err = pool.DetachGroupBySecret(context.Background(), "no-such-secret")
	require.NoError(t, err)
	assert.False(t, existed)
}

func TestSetMaxDrainsPoolWaitlist(t *testing.T) {
	factory := pooltest.NewBlockingFactory()
	pool := newTestPool(t, factory, func(c *apppool.Config) {
		c.Max = 1
	})

	ch := asyncGet(pool, apppool.Options{AppGroupName: "A"})
	factory.Expect(t).Succeed()
	sessionA := receiveResult(t, ch).session
	require.NotNil(t, sessionA)

	ch1 := asyncGet(pool, apppool.Options{AppGroupName: "B"})
	ch2 := asyncGet(pool, apppool.Options{AppGroupName: "B"})
	requireNoResult(t, ch1)
	require.Equal(t, 2, pool.GetWaitlistSize())

	require.NoError(t, pool.SetMax(3))

	// Both waiters moved off the pool wait list onto group "B", whose
	// first worker is now spawning.
	assert.Equal(t, 0, pool.GetWaitlistSize())
	assert.False(t, pool.AtFullCapacity())

	factory.Expect(t).Succeed()
	result1 := receiveResult(t, ch1)
	require.NoError(t, result1.err)
	factory.Expect(t).Succeed()
	result2 := receiveResult(t, ch2)
	require.NoError(t, result2.err)

	sessionA.Close()
	result1.session.Close()
	result2.session.Close()
}

func TestSetMaxIsIdempotent(t *testing.T) {
	pool := newTestPool(t, &pooltest.InstantFactory{}, func(c *apppool.Config) {
		c.Max = 1
	})

	session, err := pool.Get(context.Background(), apppool.Options{AppGroupName: "A"})
	require.NoError(t, err)
	defer session.Close()

	require.NoError(t, pool.SetMax(3))
	groups, processes, capacity := pool.GroupCount(), pool.ProcessCount(), pool.CapacityUsed()

	require.NoError(t, pool.SetMax(3))
	assert.Equal(t, groups, pool.GroupCount())
	assert.Equal(t, processes, pool.ProcessCount())
	assert.Equal(t, capacity, pool.CapacityUsed())
}

func TestSetMaxRejectsZero(t *testing.T) {
	pool := newTestPool(t, &pooltest.InstantFactory{}, nil)
	require.Error(t, pool.SetMax(0))
}

func TestDisableProcessDeferred(t *testing.T) {
	pool := newTestPool(t, &pooltest.InstantFactory{}, nil)

	// Two workers in "A", one of them busy.
	busy, err := pool.Get(context.Background(), apppool.Options{AppGroupName: "A"})
	require.NoError(t, err)
	idle, err := pool.Get(context.Background(), apppool.Options{AppGroupName: "A"})
	require.NoError(t, err)
	idle.Close()
	require.Equal(t, 2, pool.ProcessCount())

	gupid := busy.Process().Gupid()
	resultCh := make(chan apppool.DisableResult, 1)
	go func() {
		result, err := pool.DisableProcess(context.Background(), gupid)
		if err != nil {
			resultCh <- apppool.DisableError
			return
		}
		resultCh <- result
	}()

	// The worker still holds a session, so the disable stays pending.
	select {
	case result := <-resultCh:
		t.Fatalf("disable completed too early with %v", result)
	case <-time.After(100 * time.Millisecond):
	}

	// Draining the session completes the disable.
	busy.Close()
	select {
	case result := <-resultCh:
		assert.Equal(t, apppool.DisableSuccess, result)
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for the disable to complete")
	}
	assert.Equal(t, 2, pool.ProcessCount(), "disabling must not detach the worker")

	// Disabling again reports the worker as already disabled and changes
	// nothing.
	result, err := pool.DisableProcess(context.Background(), gupid)
	require.NoError(t, err)
	assert.Equal(t, apppool.DisableAlreadyDisabled, result)
	assert.Equal(t, 2, pool.ProcessCount())
}

func TestDisableIdleProcessCompletesSynchronously(t *testing.T) {
	pool := newTestPool(t, &pooltest.InstantFactory{}, nil)

	session, err := pool.Get(context.Background(), apppool.Options{AppGroupName: "A"})
	require.NoError(t, err)
	gupid := session.Process().Gupid()
	session.Close()

	result, err := pool.DisableProcess(context.Background(), gupid)
	require.NoError(t, err)
	assert.Equal(t, apppool.DisableSuccess, result)
}

func TestDisableUnknownProcess(t *testing.T) {
	pool := newTestPool(t, &pooltest.InstantFactory{}, nil)
	result, err := pool.DisableProcess(context.Background(), "no-such-gupid")
	require.NoError(t, err)
	assert.Equal(t, apppool.DisableNoop, result)
}

func TestGetNoop(t *testing.T) {
	pool := newTestPool(t, &pooltest.InstantFactory{}, nil)

	session, err := pool.Get(context.Background(), apppool.Options{AppGroupName: "A", Noop: true})
	require.NoError(t, err)
	require.NotNil(t, session)
	assert.Nil(t, session.Process())
	assert.Equal(t, "A", session.GroupName())
	assert.Equal(t, 0, pool.CapacityUsed(), "a noop session consumes no capacity")
	assert.Equal(t, 1, pool.GroupCount())
	session.Close()
}

func TestGetRejectsEmptyOptions(t *testing.T) {
	pool := newTestPool(t, &pooltest.InstantFactory{}, nil)
	_, err := pool.Get(context.Background(), apppool.Options{})
	require.Error(t, err)
}

func TestGetContextCancellation(t *testing.T) {
	factory := pooltest.NewBlockingFactory()
	pool := newTestPool(t, factory, nil)

	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() {
		_, err := pool.Get(ctx, apppool.Options{AppGroupName: "A"})
		errCh <- err
	}()
	spawn := factory.Expect(t)
	cancel()

	select {
	case err := <-errCh:
		require.ErrorIs(t, err, context.Canceled)
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for Get to observe cancellation")
	}

	// The abandoned request's session is handed back to the pool once the
	// spawn finishes, leaving the worker idle and reusable.
	spawn.Succeed()
	require.Eventually(t, func() bool { return pool.ProcessCount() == 1 }, 5*time.Second, 10*time.Millisecond)
	session, err := pool.Get(context.Background(), apppool.Options{AppGroupName: "A"})
	require.NoError(t, err)
	session.Close()
}

func TestEnsureGroup(t *testing.T) {
	pool := newTestPool(t, &pooltest.InstantFactory{}, nil)

	group, err := pool.EnsureGroup(apppool.Options{AppGroupName: "A", MinProcesses: 1})
	require.NoError(t, err)
	require.Equal(t, "A", group.Name())
	require.Equal(t, 1, pool.GroupCount())

	// MinProcesses drives an immediate spawn.
	require.Eventually(t, func() bool { return group.ProcessCount() == 1 }, 5*time.Second, 10*time.Millisecond)

	again, err := pool.EnsureGroup(apppool.Options{AppGroupName: "A"})
	require.NoError(t, err)
	assert.Same(t, group, again)
}

func TestSpawnFailureAbortsGroupWaiters(t *testing.T) {
	pool := newTestPool(t, &pooltest.FailingFactory{}, nil)

	result := receiveResult(t, asyncGet(pool, apppool.Options{AppGroupName: "A"}))
	require.Error(t, result.err)
	assert.ErrorContains(t, result.err, "spawn failed")
	assert.Nil(t, result.session)

	// The failed spawn's capacity is free again.
	assert.Equal(t, 0, pool.CapacityUsed())
	assert.Equal(t, 0, pool.GetWaitlistSize())
}

func TestRestartGroupByName(t *testing.T) {
	pool := newTestPool(t, &pooltest.InstantFactory{}, nil)

	session, err := pool.Get(context.Background(), apppool.Options{AppGroupName: "A", MinProcesses: 1})
	require.NoError(t, err)
	oldPid := session.Process().Pid()
	session.Close()

	require.True(t, pool.RestartGroupByName("A", apppool.RestartDefault))

	// The old worker is gone and MinProcesses respawns a fresh one.
	require.Eventually(t, func() bool {
		processes := pool.Processes()
		return len(processes) == 1 && processes[0].Pid() != oldPid
	}, 5*time.Second, 10*time.Millisecond)
	assert.Equal(t, 1, pool.GroupCount())

	assert.False(t, pool.RestartGroupByName("missing", apppool.RestartDefault))
}

func TestRestartGroupsByAppRoot(t *testing.T) {
	pool := newTestPool(t, &pooltest.InstantFactory{}, nil)

	_, err := pool.EnsureGroup(apppool.Options{AppGroupName: "A", AppRoot: "/srv/app"})
	require.NoError(t, err)
	_, err = pool.EnsureGroup(apppool.Options{AppGroupName: "B", AppRoot: "/srv/app"})
	require.NoError(t, err)
	_, err = pool.EnsureGroup(apppool.Options{AppGroupName: "C", AppRoot: "/srv/other"})
	require.NoError(t, err)

	assert.Equal(t, 2, pool.RestartGroupsByAppRoot("/srv/app", apppool.RestartDefault))
	assert.Equal(t, 0, pool.RestartGroupsByAppRoot("/srv/missing", apppool.RestartDefault))
}

func TestPrepareForShutdown(t *testing.T) {
	pool := newTestPool(t, &pooltest.InstantFactory{}, nil)

	aborted := make(chan *apppool.Process, 1)
	pool.SetAbortLongRunningConnectionsCallback(func(process *apppool.Process) {
		aborted <- process
	})

	session, err := pool.Get(context.Background(), apppool.Options{AppGroupName: "A", MinProcesses: 1})
	require.NoError(t, err)
	gupid := session.Process().Gupid()
	session.Close()

	pool.PrepareForShutdown()
	require.Equal(t, apppool.StatusPreparedForShutdown, pool.LifeStatus())

	select {
	case process := <-aborted:
		assert.Equal(t, gupid, process.Gupid())
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for the abort hook")
	}

	// Restarts are rejected once shutdown has been prepared.
	assert.False(t, pool.RestartGroupByName("A", apppool.RestartDefault))

	// Session requests are still served.
	session, err = pool.Get(context.Background(), apppool.Options{AppGroupName: "A"})
	require.NoError(t, err)
	session.Close()
}

func TestDestroy(t *testing.T) {
	pool := newTestPool(t, &pooltest.InstantFactory{}, func(c *apppool.Config) {
		c.Max = 1
	})

	session, err := pool.Get(context.Background(), apppool.Options{AppGroupName: "A"})
	require.NoError(t, err)

	// A parked request is aborted by the shutdown.
	ch := asyncGet(pool, apppool.Options{AppGroupName: "B"})
	requireNoResult(t, ch)

	require.NoError(t, pool.Destroy(context.Background()))
	require.Equal(t, apppool.StatusShutDown, pool.LifeStatus())
	assert.Equal(t, 0, pool.GroupCount())
	assert.Equal(t, 0, pool.ProcessCount())

	result := receiveResult(t, ch)
	require.Error(t, result.err)
	assert.True(t, apppool.IsGetAborted(result.err))

	// Closing a session after shutdown is harmless.
	session.Close()

	// Using the destroyed pool is a programmer error.
	require.Panics(t, func() {
		pool.AsyncGet(apppool.Options{AppGroupName: "A"}, func(*apppool.Session, error) {})
	})
}

func TestCallbacksRunWithoutPoolLock(t *testing.T) {
	pool, err := apppool.New(apppool.Config{SpawnerFactory: &pooltest.InstantFactory{}})
	require.NoError(t, err)

	// The hook must be installed before any background goroutine can
	// drain a queue.
	drains := make(chan int, 16)
	pool.SetDrainHook(func(queued int) {
		select {
		case drains <- queued:
		default:
		}
	})
	pool.Initialize()
	t.Cleanup(func() {
		require.NoError(t, pool.Destroy(context.Background()))
	})

	done := make(chan struct{})
	pool.AsyncGet(apppool.Options{AppGroupName: "A"}, func(session *apppool.Session, err error) {
		// Re-entering the pool from a callback deadlocks if the callback
		// were invoked under the pool lock.
		pool.CapacityUsed()
		pool.GroupCount()
		if session != nil {
			session.Close()
		}
		close(done)
	})

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for the callback")
	}
	require.NotEmpty(t, drains, "deferred actions must pass through the drain boundary")
}

func TestLifeStatusNeverRegresses(t *testing.T) {
	pool := newTestPool(t, &pooltest.InstantFactory{}, nil)

	require.Equal(t, apppool.StatusAlive, pool.LifeStatus())
	pool.PrepareForShutdown()
	require.Equal(t, apppool.StatusPreparedForShutdown, pool.LifeStatus())
	require.NoError(t, pool.Destroy(context.Background()))
	require.Equal(t, apppool.StatusShutDown, pool.LifeStatus())

	// Preparing or destroying again is a programmer error.
	require.Panics(t, func() { pool.PrepareForShutdown() })
	require.Panics(t, func() { _ = pool.Destroy(context.Background()) })
}

func TestProcessLookups(t *testing.T) {
	pool := newTestPool(t, &pooltest.InstantFactory{}, nil)

	session, err := pool.Get(context.Background(), apppool.Options{AppGroupName: "A"})
	require.NoError(t, err)
	process := session.Process()

	require.Same(t, process, pool.ProcessByGupid(process.Gupid()))
	require.Same(t, process, pool.ProcessByPid(process.Pid()))
	require.Nil(t, pool.ProcessByGupid("no-such-gupid"))
	require.Nil(t, pool.ProcessByPid(99999))
	require.Len(t, pool.Processes(), 1)
	require.Equal(t, 1, pool.ProcessCount())

	require.True(t, pool.DetachProcessByGupid(process.Gupid()))
	require.False(t, pool.DetachProcessByGupid(process.Gupid()), "a detached worker cannot be detached twice")
	require.Equal(t, 0, pool.ProcessCount())

	session.Close()
}

func TestSpawningQuery(t *testing.T) {
	factory := pooltest.NewBlockingFactory()
	pool := newTestPool(t, factory, nil)

	require.False(t, pool.Spawning())
	ch := asyncGet(pool, apppool.Options{AppGroupName: "A"})
	spawn := factory.Expect(t)
	require.True(t, pool.Spawning())

	spawn.Succeed()
	result := receiveResult(t, ch)
	require.NoError(t, result.err)
	require.False(t, pool.Spawning())
	result.session.Close()
}
