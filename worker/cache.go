package worker

import (
	"sync"

	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/taskmill/corerunner/core"
)

// compiledTask is the cached, ready-to-invoke form of a task: its
// precompiled goja program plus compiled input/output schemas.
type compiledTask struct {
	ref          core.TaskRef
	program      *compiledProgram
	inputSchema  *compiledSchema
	outputSchema *compiledSchema
}

// DefaultCacheSize is the worker's default LRU capacity.
const DefaultCacheSize = 100

// taskCache is the worker's bounded fingerprint -> compiledTask LRU.
// Since a fingerprint's
// content_hash is only known after resolving a task_ref, refIndex
// remembers the last fingerprint seen for a ref so a repeat dispatch for
// the same ref can skip straight to the LRU without re-resolving, unless
// that fingerprint has since been evicted.
type taskCache struct {
	lru *lru.Cache[core.Fingerprint, *compiledTask]

	mu       sync.Mutex
	refIndex map[core.TaskRef]core.Fingerprint
}

func newTaskCache(size int) (*taskCache, error) {
	if size <= 0 {
		size = DefaultCacheSize
	}
	c, err := lru.New[core.Fingerprint, *compiledTask](size)
	if err != nil {
		return nil, err
	}
	return &taskCache{lru: c, refIndex: make(map[core.TaskRef]core.Fingerprint)}, nil
}

func (c *taskCache) get(fp core.Fingerprint) (*compiledTask, bool) {
	return c.lru.Get(fp)
}

func (c *taskCache) put(fp core.Fingerprint, t *compiledTask) {
	c.lru.Add(fp, t)
}

// lookupByRef returns the cached compiledTask for ref's last-known
// fingerprint, if that fingerprint is still resident in the LRU.
func (c *taskCache) lookupByRef(ref core.TaskRef) (*compiledTask, bool) {
	c.mu.Lock()
	fp, ok := c.refIndex[ref]
	c.mu.Unlock()
	if !ok {
		return nil, false
	}
	return c.get(fp)
}

func (c *taskCache) rememberRef(ref core.TaskRef, fp core.Fingerprint) {
	c.mu.Lock()
	c.refIndex[ref] = fp
	c.mu.Unlock()
}
