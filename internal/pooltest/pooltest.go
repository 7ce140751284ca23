// Package pooltest provides controllable spawner implementations for
// exercising the pool in tests.
package pooltest

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/yuku/apppool"
)

// spawnFunc adapts a function to the apppool.Spawner interface.
type spawnFunc func(ctx context.Context, options apppool.Options) (apppool.SpawnResult, error)

func (f spawnFunc) Spawn(ctx context.Context, options apppool.Options) (apppool.SpawnResult, error) {
	return f(ctx, options)
}

// InstantFactory spawns workers immediately, handing out sequential pids.
type InstantFactory struct {
	nextPid atomic.Int64
}

// NewSpawner implements apppool.SpawnerFactory.
func (f *InstantFactory) NewSpawner(apppool.Options) apppool.Spawner {
	return spawnFunc(func(context.Context, apppool.Options) (apppool.SpawnResult, error) {
		return apppool.SpawnResult{Pid: int(f.nextPid.Add(1))}, nil
	})
}

// FailingFactory fails every spawn with Err.
type FailingFactory struct {
	Err error
}

// NewSpawner implements apppool.SpawnerFactory.
func (f *FailingFactory) NewSpawner(apppool.Options) apppool.Spawner {
	return spawnFunc(func(context.Context, apppool.Options) (apppool.SpawnResult, error) {
		err := f.Err
		if err == nil {
			err = errors.New("spawn failed")
		}
		return apppool.SpawnResult{}, err
	})
}

// BlockingFactory parks every spawn until the test completes it, so tests
// can observe the pool mid-spawn.
type BlockingFactory struct {
	nextPid atomic.Int64

	// Requests receives one SpawnRequest per spawn attempt.
	Requests chan *SpawnRequest
}

// NewBlockingFactory returns a BlockingFactory ready for use.
func NewBlockingFactory() *BlockingFactory {
	return &BlockingFactory{Requests: make(chan *SpawnRequest, 64)}
}

// NewSpawner implements apppool.SpawnerFactory.
func (f *BlockingFactory) NewSpawner(apppool.Options) apppool.Spawner {
	return spawnFunc(func(ctx context.Context, options apppool.Options) (apppool.SpawnResult, error) {
		request := &SpawnRequest{
			Options: options,
			pid:     int(f.nextPid.Add(1)),
			reply:   make(chan error, 1),
		}
		f.Requests <- request
		select {
		case err := <-request.reply:
			if err != nil {
				return apppool.SpawnResult{}, err
			}
			return apppool.SpawnResult{Pid: request.pid}, nil
		case <-ctx.Done():
			return apppool.SpawnResult{}, ctx.Err()
		}
	})
}

// Expect returns the next spawn attempt, failing the test after a timeout.
func (f *BlockingFactory) Expect(t *testing.T) *SpawnRequest {
	t.Helper()
	select {
	case request := <-f.Requests:
		return request
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for a spawn request")
		return nil
	}
}

// SpawnRequest is one parked spawn attempt.
type SpawnRequest struct {
	// Options the spawn was requested with.
	Options apppool.Options

	pid   int
	reply chan error
}

// Succeed completes the spawn with a fresh pid.
func (r *SpawnRequest) Succeed() {
	r.reply <- nil
}

// Fail completes the spawn with err.
func (r *SpawnRequest) Fail(err error) {
	r.reply <- err
}
