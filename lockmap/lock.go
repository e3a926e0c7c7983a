// lockmap is a sharded map of per-inode reader/writer locks.
//
// The API is as if LockMap held a lock for every possible inode number;
// Acquire(inum) takes inum's lock exclusively and Release(inum) drops it,
// while RAcquire/RRelease take it shared.
//
// The implementation doesn't actually maintain all of these locks; it
// instead maintains a fixed collection of shards so that shard i is
// responsible for the lock state of all inum such that inum % NSHARD = i.
// A lock's state exists only while it is held or waited for.
package lockmap

import (
	"sync"

	"github.com/mit-pdos/go-ufs/common"
)

type lockState struct {
	writer  bool
	readers uint64
	cond    *sync.Cond
	waiters uint64
}

type lockShard struct {
	mu    *sync.Mutex
	state map[common.Inum]*lockState
}

func mkLockShard() *lockShard {
	mu := new(sync.Mutex)
	a := &lockShard{
		mu:    mu,
		state: make(map[common.Inum]*lockState),
	}
	return a
}

func (lmap *lockShard) get(inum common.Inum) *lockState {
	state, ok := lmap.state[inum]
	if !ok {
		state = &lockState{cond: sync.NewCond(lmap.mu)}
		lmap.state[inum] = state
	}
	return state
}

func (lmap *lockShard) acquire(inum common.Inum, shared bool) {
	lmap.mu.Lock()
	state := lmap.get(inum)
	for state.writer || (!shared && state.readers > 0) {
		state.waiters += 1
		state.cond.Wait()
		state.waiters -= 1
	}
	if shared {
		state.readers += 1
	} else {
		state.writer = true
	}
	lmap.mu.Unlock()
}

func (lmap *lockShard) release(inum common.Inum, shared bool) {
	lmap.mu.Lock()
	defer lmap.mu.Unlock()
	state, ok := lmap.state[inum]
	if !ok {
		panic("release of unheld lock")
	}
	if shared {
		if state.readers == 0 {
			panic("RRelease without readers")
		}
		state.readers -= 1
	} else {
		if !state.writer {
			panic("Release without writer")
		}
		state.writer = false
	}
	if state.waiters > 0 {
		state.cond.Broadcast()
	} else if state.readers == 0 && !state.writer {
		delete(lmap.state, inum)
	}
}

func (lmap *lockShard) size() int {
	lmap.mu.Lock()
	defer lmap.mu.Unlock()
	return len(lmap.state)
}

const NSHARD uint64 = 43

type LockMap struct {
	shards []*lockShard
}

func MkLockMap() *LockMap {
	var shards []*lockShard
	for i := uint64(0); i < NSHARD; i++ {
		shards = append(shards, mkLockShard())
	}
	a := &LockMap{
		shards: shards,
	}
	return a
}

func (lmap *LockMap) shard(inum common.Inum) *lockShard {
	return lmap.shards[uint64(inum)%NSHARD]
}

func (lmap *LockMap) Acquire(inum common.Inum) {
	lmap.shard(inum).acquire(inum, false)
}

func (lmap *LockMap) Release(inum common.Inum) {
	lmap.shard(inum).release(inum, false)
}

func (lmap *LockMap) RAcquire(inum common.Inum) {
	lmap.shard(inum).acquire(inum, true)
}

func (lmap *LockMap) RRelease(inum common.Inum) {
	lmap.shard(inum).release(inum, true)
}

// NLocked is the number of inodes whose lock is held or awaited.
func (lmap *LockMap) NLocked() int {
	n := 0
	for _, s := range lmap.shards {
		n += s.size()
	}
	return n
}
