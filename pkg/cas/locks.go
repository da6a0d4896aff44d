package cas

import (
	"sync"

	"github.com/cascached/cascached/pkg/digest"
)

// keyedMutex provides per-digest mutual exclusion: operations on the
// same digest serialize, operations on different digests proceed in
// parallel. Lock state for a digest exists only while someone holds or
// waits for it.
type keyedMutex struct {
	mu   sync.Mutex
	held map[digest.Digest]*lockState
}

type lockState struct {
	refs int
	sem  chan struct{}
}

func newKeyedMutex() *keyedMutex {
	return &keyedMutex{held: make(map[digest.Digest]*lockState)}
}

func (k *keyedMutex) lock(d digest.Digest) {
	k.mu.Lock()
	st, ok := k.held[d]
	if !ok {
		st = &lockState{sem: make(chan struct{}, 1)}
		k.held[d] = st
	}
	st.refs++
	k.mu.Unlock()

	st.sem <- struct{}{}
}

func (k *keyedMutex) unlock(d digest.Digest) {
	k.mu.Lock()
	defer k.mu.Unlock()
	st, ok := k.held[d]
	if !ok {
		panic("unlock of unheld digest lock: " + d.String())
	}
	<-st.sem
	st.refs--
	if st.refs == 0 {
		delete(k.held, d)
	}
}
