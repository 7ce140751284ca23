package apppool

import "context"

// SpawnResult describes a worker a Spawner has started.
type SpawnResult struct {
	// Pid is the operating-system process id of the new worker.
	Pid int
}

// Spawner starts workers for one application group. Spawn is called on a
// background goroutine, never under the pool lock, and may block for as long
// as the application takes to boot. The context is cancelled when the pool
// shuts down.
type Spawner interface {
	Spawn(ctx context.Context, options Options) (SpawnResult, error)
}

// SpawnerFactory produces a Spawner per application group. It is the pool's
// construction input; the actual process-launching machinery lives behind
// it.
type SpawnerFactory interface {
	NewSpawner(options Options) Spawner
}
