package eventloop

import (
	"time"

	"github.com/libp2p/go-libp2p/core/peer"
)

// fetchState is the Pending Fetch state machine of spec.md §4.D.
type fetchState int

const (
	stateLookingUpProviders fetchState = iota
	stateDialingProvider
	stateAwaitingBytes
	stateResolved
	stateFailed
)

func (s fetchState) String() string {
	switch s {
	case stateLookingUpProviders:
		return "looking_up_providers"
	case stateDialingProvider:
		return "dialing_provider"
	case stateAwaitingBytes:
		return "awaiting_bytes"
	case stateResolved:
		return "resolved"
	case stateFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// defaultFetchDeadline bounds how long a Pending Fetch may stay
// unresolved before the sweep fails it outright, counted from its
// creation and restarted each time it moves on to another provider.
// Advisory per spec.md
// §4.D — the only hard requirement is that a fetch always terminates
// with exactly one reply.
const defaultFetchDeadline = 30 * time.Second

// pendingFetch tracks one in-flight Fetch IPC request. Replies always
// go to the well-known client.sock path (spec.md §4.B) — there is no
// per-request return address in the Instruction schema.
type pendingFetch struct {
	hash      string
	state     fetchState
	providers []peer.AddrInfo
	tried     int
	deadline  time.Time
}

func newPendingFetch(hash string) *pendingFetch {
	return &pendingFetch{
		hash:     hash,
		state:    stateLookingUpProviders,
		deadline: time.Now().Add(defaultFetchDeadline),
	}
}

// currentProvider returns the provider currently being tried, if any.
func (f *pendingFetch) currentProvider() (peer.AddrInfo, bool) {
	if f.tried < len(f.providers) {
		return f.providers[f.tried], true
	}
	return peer.AddrInfo{}, false
}

// advanceToNextProvider moves to the next candidate, or fails the fetch
// if the provider list is exhausted (the "every contacted provider
// fails" terminal case).
func (f *pendingFetch) advanceToNextProvider() bool {
	f.tried++
	if f.tried >= len(f.providers) {
		f.state = stateFailed
		return false
	}
	f.state = stateDialingProvider
	f.deadline = time.Now().Add(defaultFetchDeadline)
	return true
}

// expired reports whether this fetch has sat past its advisory deadline
// in a non-terminal state.
func (f *pendingFetch) expired(now time.Time) bool {
	return f.state != stateResolved && f.state != stateFailed && now.After(f.deadline)
}
