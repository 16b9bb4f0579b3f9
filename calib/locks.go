package calib

import (
	"fmt"
	"sort"
	"sync"

	"github.com/gofrs/flock"
)

// DefaultNonReentrant lists operations that must never run concurrently with
// another instance of themselves.
var DefaultNonReentrant = []string{
	OpCalculateDiffCal,
	OpConvertDiffCal,
	OpCombineDiffCal,
	OpPDCalibration,
}

// DefaultNonConcurrent lists operations serialized process-wide because they
// touch shared on-disk resources.
var DefaultNonConcurrent = []string{
	OpSaveDiffCal,
}

// LockRegistry hands out the per-operation mutexes and the global lock used
// by every Queue that shares it.
type LockRegistry struct {
	mu            sync.Mutex
	named         map[string]*sync.Mutex
	nonReentrant  map[string]bool
	nonConcurrent map[string]bool

	global   sync.Mutex
	fileLock *flock.Flock
}

var (
	defaultLocks     *LockRegistry
	defaultLocksOnce sync.Once
)

// DefaultLockRegistry returns the process-wide registry with the default sets.
func DefaultLockRegistry() *LockRegistry {
	defaultLocksOnce.Do(func() {
		defaultLocks = NewLockRegistry(QueueConfig{})
	})
	return defaultLocks
}

// NewLockRegistry builds a registry from the defaults plus the configured
// extra names. A configured lock file extends the global lock across processes.
func NewLockRegistry(cfg QueueConfig) *LockRegistry {
	r := &LockRegistry{
		named:         make(map[string]*sync.Mutex),
		nonReentrant:  make(map[string]bool),
		nonConcurrent: make(map[string]bool),
	}
	for _, name := range append(append([]string(nil), DefaultNonReentrant...), cfg.NonReentrant...) {
		r.nonReentrant[name] = true
	}
	for _, name := range append(append([]string(nil), DefaultNonConcurrent...), cfg.NonConcurrent...) {
		r.nonConcurrent[name] = true
	}
	if cfg.LockFile != "" {
		r.fileLock = flock.New(cfg.LockFile)
	}
	return r
}

// IsNonReentrant reports whether an operation gets its own named mutex.
func (r *LockRegistry) IsNonReentrant(op string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.nonReentrant[op]
}

// IsNonConcurrent reports whether an operation takes the global lock.
func (r *LockRegistry) IsNonConcurrent(op string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.nonConcurrent[op]
}

// NonReentrant lists the non-reentrant operation names, sorted.
func (r *LockRegistry) NonReentrant() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return sortedKeys(r.nonReentrant)
}

// NonConcurrent lists the globally serialized operation names, sorted.
func (r *LockRegistry) NonConcurrent() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return sortedKeys(r.nonConcurrent)
}

func (r *LockRegistry) mutexFor(op string) *sync.Mutex {
	r.mu.Lock()
	defer r.mu.Unlock()
	m, ok := r.named[op]
	if !ok {
		m = &sync.Mutex{}
		r.named[op] = m
	}
	return m
}

// Acquire takes every lock the operation needs and returns the function that
// releases them in reverse order.
func (r *LockRegistry) Acquire(op string) (func(), error) {
	var releases []func()
	release := func() {
		for i := len(releases) - 1; i >= 0; i-- {
			releases[i]()
		}
	}

	if r.IsNonReentrant(op) {
		m := r.mutexFor(op)
		m.Lock()
		releases = append(releases, m.Unlock)
	}

	if r.IsNonConcurrent(op) {
		r.global.Lock()
		releases = append(releases, r.global.Unlock)
		if r.fileLock != nil {
			if err := r.fileLock.Lock(); err != nil {
				release()
				return nil, fmt.Errorf("locking %s: %w", r.fileLock.Path(), err)
			}
			fl := r.fileLock
			releases = append(releases, func() { _ = fl.Unlock() })
		}
	}

	return release, nil
}

func sortedKeys(m map[string]bool) []string {
	keys := make([]string, 0, len(m))
	for k, v := range m {
		if v {
			keys = append(keys, k)
		}
	}
	sort.Strings(keys)
	return keys
}
