package services

import (
	"context"
	"sync"
	"time"

	"opmsync/internal/database"
	"opmsync/internal/types"

	logger "github.com/Bparsons0904/goLogger"
	"github.com/valkey-io/valkey-go"
)

const (
	// RunKeyHash namespaces every run-state key in the shared cache.
	RunKeyHash     = "opmsync:run"
	RunLockKey     = "lock"
	runLockTTL     = 30 * time.Minute
	runLockRefresh = 10 * time.Minute
)

func runCache(client valkey.Client, key string) *database.CacheBuilder {
	return database.NewCacheBuilder(client, key).WithHash(RunKeyHash)
}

var ErrRunInProgress = types.KindError(types.ErrConfiguration, "run already in progress")

// RunLock guarantees a single active run. Release must be called exactly once
// after a successful Acquire.
type RunLock interface {
	Acquire(ctx context.Context, runID string) (release func(), err error)
	Holder(ctx context.Context) (string, bool)
}

type localRunLock struct {
	mu     sync.Mutex
	holder string
}

func NewLocalRunLock() RunLock {
	return &localRunLock{}
}

func (l *localRunLock) Acquire(_ context.Context, runID string) (func(), error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.holder != "" {
		return nil, ErrRunInProgress
	}
	l.holder = runID

	var once sync.Once
	return func() {
		once.Do(func() {
			l.mu.Lock()
			l.holder = ""
			l.mu.Unlock()
		})
	}, nil
}

func (l *localRunLock) Holder(_ context.Context) (string, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.holder, l.holder != ""
}

// valkeyRunLock holds the lock key with a TTL that is refreshed while the run
// is alive, so a crashed process cannot block later runs for long.
type valkeyRunLock struct {
	client valkey.Client
	log    logger.Logger
}

func NewValkeyRunLock(client valkey.Client) RunLock {
	return &valkeyRunLock{
		client: client,
		log:    logger.New("runLock"),
	}
}

func (l *valkeyRunLock) Acquire(ctx context.Context, runID string) (func(), error) {
	log := l.log.TraceFromContext(ctx).Function("Acquire")

	acquired, err := runCache(l.client, RunLockKey).
		WithContext(ctx).
		WithValue(runID).
		WithTTL(runLockTTL).
		SetNX()
	if err != nil {
		return nil, log.Err("failed to acquire run lock", err, "runID", runID)
	}
	if !acquired {
		return nil, ErrRunInProgress
	}

	refreshCtx, stopRefresh := context.WithCancel(context.Background())
	go l.refresh(refreshCtx, runID)

	var once sync.Once
	return func() {
		once.Do(func() {
			stopRefresh()
			released, err := runCache(l.client, RunLockKey).
				WithValue(runID).
				DeleteIfValue()
			if err != nil {
				log.Er("failed to release run lock", err, "runID", runID)
				return
			}
			if !released {
				log.Warn("Run lock was no longer held at release", "runID", runID)
			}
		})
	}, nil
}

func (l *valkeyRunLock) refresh(ctx context.Context, runID string) {
	log := l.log.Function("refresh")

	ticker := time.NewTicker(runLockRefresh)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			extended, err := runCache(l.client, RunLockKey).
				WithValue(runID).
				WithTTL(runLockTTL).
				ExtendIfValue()
			if err != nil {
				log.Warn("Failed to extend run lock", "runID", runID, "error", err)
				continue
			}
			if !extended {
				log.Warn("Run lock lost", "runID", runID)
				return
			}
		}
	}
}

func (l *valkeyRunLock) Holder(ctx context.Context) (string, bool) {
	holder, found, err := runCache(l.client, RunLockKey).
		WithContext(ctx).
		GetString()
	if err != nil {
		l.log.Function("Holder").Warn("Failed to read run lock", "error", err)
		return "", false
	}
	return holder, found && holder != ""
}
