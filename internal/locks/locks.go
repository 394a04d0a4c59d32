// Package locks implements the lazily-created, never-removed per-key
// mutex table used for the admission controller's StartLocks: a map
// {key -> mutex} with insertion guarded by its own mutex; entries are not
// removed. No DownloadLock table is built from it: the launcher takes no
// per-repo lock around GGUF weight listing or download.
package locks

import "sync"

// Table is a map of string key to *sync.Mutex, created lazily under a
// private guard mutex. The only Table in the gateway is the admission
// controller's StartLock table.
type Table struct {
	guard sync.Mutex
	locks map[string]*sync.Mutex
}

func NewTable() *Table {
	return &Table{locks: map[string]*sync.Mutex{}}
}

// Get returns the mutex for key, creating it if this is the first
// observation of that key. It is never removed afterward.
func (t *Table) Get(key string) *sync.Mutex {
	t.guard.Lock()
	defer t.guard.Unlock()
	m, ok := t.locks[key]
	if !ok {
		m = &sync.Mutex{}
		t.locks[key] = m
	}
	return m
}
