// Package apppool implements the admission and placement engine of an
// application-server process pool. It decides, for every incoming session
// request, whether to route to an existing worker, spawn a new one, evict an
// idle worker to free capacity, or park the request until capacity becomes
// available, while enforcing a single capacity ceiling shared across all
// application groups.
//
// The pool serializes all state mutation behind one mutex. Side effects that
// may re-enter the pool, caller callbacks above all, are accumulated on a
// deferred action queue while the lock is held and executed only after it
// is released, so a callback can always call back into the pool safely.
// Spawner invocations block on application boot and run on background
// goroutines, which take the lock only to record the spawn's outcome.
//
// Basic usage:
//
//	pool, err := apppool.New(apppool.Config{
//		SpawnerFactory: factory,
//	})
//	if err != nil {
//		log.Fatal(err)
//	}
//	pool.Initialize()
//	defer pool.Destroy(context.Background())
//
//	session, err := pool.Get(ctx, apppool.Options{
//		AppGroupName: "myapp",
//		AppRoot:      "/srv/myapp",
//	})
//	if err != nil {
//		log.Fatal(err)
//	}
//	defer session.Close()
//
// Administrative operations (detaching groups or workers, disabling a
// worker, restarting a group, resizing the pool) may be called from any
// goroutine at any time.
package apppool
