// twophase acquires the inode locks an operation needs and holds them until
// the operation finishes.
//
// Locks are always taken in ascending inode order. When an operation learns
// it needs an inode below one it already holds, the whole set is released
// and retaken in order; the caller is told so it can re-check whatever it
// looked up under the old locks.
package twophase

import (
	"sort"

	"github.com/mit-pdos/go-ufs/common"
	"github.com/mit-pdos/go-ufs/lockmap"
	"github.com/mit-pdos/go-ufs/util"
)

type TwoPhase struct {
	locks    *lockmap.LockMap
	acquired []common.Inum // ascending
}

func Begin(l *lockmap.LockMap) *TwoPhase {
	trans := &TwoPhase{
		locks:    l,
		acquired: make([]common.Inum, 0),
	}
	util.DPrintf(10, "tp Begin: %p\n", trans)
	return trans
}

func (twophase *TwoPhase) isAcquired(inum common.Inum) bool {
	i := sort.Search(len(twophase.acquired), func(i int) bool {
		return twophase.acquired[i] >= inum
	})
	return i < len(twophase.acquired) && twophase.acquired[i] == inum
}

func (twophase *TwoPhase) max() common.Inum {
	if len(twophase.acquired) == 0 {
		return common.NULLINUM
	}
	return twophase.acquired[len(twophase.acquired)-1]
}

// Acquire locks every inum not already held. It reports true if it had to
// drop the locks already held to respect the ordering.
func (twophase *TwoPhase) Acquire(inums ...common.Inum) bool {
	var want []common.Inum
	for _, inum := range inums {
		if inum != common.NULLINUM && !twophase.isAcquired(inum) {
			want = append(want, inum)
		}
	}
	if len(want) == 0 {
		return false
	}
	sort.Slice(want, func(i, j int) bool { return want[i] < want[j] })
	dropped := false
	if want[0] < twophase.max() {
		want = append(want, twophase.acquired...)
		sort.Slice(want, func(i, j int) bool { return want[i] < want[j] })
		twophase.ReleaseAll()
		dropped = true
		util.DPrintf(10, "tp %p: reacquire %v\n", twophase, want)
	}
	for i, inum := range want {
		if i > 0 && want[i-1] == inum {
			continue
		}
		twophase.locks.Acquire(inum)
		twophase.acquired = append(twophase.acquired, inum)
	}
	return dropped
}

// Holds reports whether inum's lock is held.
func (twophase *TwoPhase) Holds(inum common.Inum) bool {
	return twophase.isAcquired(inum)
}

// Release drops the most recently ordered lock.
func (twophase *TwoPhase) Release() {
	last_index := len(twophase.acquired) - 1
	twophase.locks.Release(twophase.acquired[last_index])
	twophase.acquired = twophase.acquired[:last_index]
}

func (twophase *TwoPhase) ReleaseAll() {
	for len(twophase.acquired) != 0 {
		twophase.Release()
	}
}
