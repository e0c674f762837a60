package vault

import (
	"bytes"
	"fmt"
	"sort"
	"sync"

	"github.com/ethereum/go-ethereum/common"
)

type accountLock struct {
	mu   sync.Mutex
	refs int
	// calling is set while the holder runs collaborator calls. The holder is
	// parked inside a token call at that point, so a new acquirer is refused
	// rather than queued behind it.
	calling bool
}

// accountLocks serialises operations per account. Locks are always taken in
// ascending address order so multi-account operations cannot deadlock.
type accountLocks struct {
	mu    sync.Mutex
	locks map[common.Address]*accountLock
}

func newAccountLocks() *accountLocks {
	return &accountLocks{locks: make(map[common.Address]*accountLock)}
}

// heldLocks is the set of account locks owned by one operation.
type heldLocks struct {
	table  *accountLocks
	owners []common.Address
	locks  []*accountLock
}

func (l *accountLocks) acquire(owners ...common.Address) (*heldLocks, error) {
	ordered := make([]common.Address, 0, len(owners))
	seen := make(map[common.Address]struct{}, len(owners))
	for _, owner := range owners {
		if _, ok := seen[owner]; ok {
			continue
		}
		seen[owner] = struct{}{}
		ordered = append(ordered, owner)
	}
	sort.Slice(ordered, func(i, j int) bool {
		return bytes.Compare(ordered[i][:], ordered[j][:]) < 0
	})

	held := &heldLocks{
		table:  l,
		owners: make([]common.Address, 0, len(ordered)),
		locks:  make([]*accountLock, 0, len(ordered)),
	}
	for _, owner := range ordered {
		lock, err := l.ref(owner)
		if err != nil {
			held.release()
			return nil, err
		}
		lock.mu.Lock()
		held.owners = append(held.owners, owner)
		held.locks = append(held.locks, lock)
	}
	return held, nil
}

func (l *accountLocks) ref(owner common.Address) (*accountLock, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	lock, ok := l.locks[owner]
	if !ok {
		lock = &accountLock{}
		l.locks[owner] = lock
	}
	if lock.calling {
		return nil, fmt.Errorf("%w: %s", ErrAccountBusy, owner.Hex())
	}
	lock.refs++
	return lock, nil
}

func (l *accountLocks) unref(owner common.Address) {
	l.mu.Lock()
	defer l.mu.Unlock()
	lock, ok := l.locks[owner]
	if !ok {
		return
	}
	lock.refs--
	if lock.refs == 0 {
		delete(l.locks, owner)
	}
}

// calling flags every held account as inside its collaborator phase.
func (h *heldLocks) calling(on bool) {
	if h == nil {
		return
	}
	h.table.mu.Lock()
	defer h.table.mu.Unlock()
	for _, lock := range h.locks {
		lock.calling = on
	}
}

func (h *heldLocks) release() {
	if h == nil {
		return
	}
	h.calling(false)
	for i := len(h.locks) - 1; i >= 0; i-- {
		h.locks[i].mu.Unlock()
		h.table.unref(h.owners[i])
	}
}
