package rsdb

import (
	"sync"
	"sync/atomic"

	"github.com/eigerco/rsdb/pkg/db"
	"github.com/eigerco/rsdb/pkg/db/memory"
)

// countingEngine wraps the memory engine, counts frees and can hold Get
// calls until released.
type countingEngine struct {
	*memory.Engine

	configFrees atomic.Int32
	treeFrees   atomic.Int32
	iterFrees   atomic.Int32

	// When set, Get signals entered and waits on proceed.
	entered chan struct{}
	proceed chan struct{}

	failConfig bool
	failFree   error

	// When set, Get and CompareAndSwap fail but still hand back a buffer
	// counted by bufFrees.
	failReads error
	bufFrees  atomic.Int32

	mu    sync.Mutex
	order []string
}

func (e *countingEngine) record(what string) {
	e.mu.Lock()
	defer e.mu.Unlock()

	e.order = append(e.order, what)
}

func (e *countingEngine) freed() []string {
	e.mu.Lock()
	defer e.mu.Unlock()

	return append([]string(nil), e.order...)
}

func (e *countingEngine) failedRead() db.Buffer {
	return db.NewBuffer([]byte("stale"), func() error {
		e.bufFrees.Add(1)
		return nil
	})
}

func newCountingEngine() *countingEngine {
	return &countingEngine{Engine: memory.NewEngine()}
}

func (e *countingEngine) CreateConfig() db.ConfigRef {
	if e.failConfig {
		return 0
	}
	return e.Engine.CreateConfig()
}

func (e *countingEngine) FreeConfig(cfg db.ConfigRef) error {
	e.configFrees.Add(1)
	return e.Engine.FreeConfig(cfg)
}

func (e *countingEngine) FreeTree(tree db.TreeRef) error {
	e.treeFrees.Add(1)
	e.record("tree")
	if err := e.Engine.FreeTree(tree); err != nil {
		return err
	}
	return e.failFree
}

func (e *countingEngine) FreeIter(it db.IterRef) error {
	e.iterFrees.Add(1)
	e.record("iterator")
	return e.Engine.FreeIter(it)
}

func (e *countingEngine) Get(tree db.TreeRef, key []byte) (db.Buffer, error) {
	if e.entered != nil {
		e.entered <- struct{}{}
		<-e.proceed
	}
	if e.failReads != nil {
		return e.failedRead(), e.failReads
	}
	return e.Engine.Get(tree, key)
}

func (e *countingEngine) CompareAndSwap(tree db.TreeRef, key []byte, expected, newValue db.Value) (bool, db.Buffer, error) {
	if e.failReads != nil {
		return false, e.failedRead(), e.failReads
	}
	return e.Engine.CompareAndSwap(tree, key, expected, newValue)
}
