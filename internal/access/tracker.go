package access

import (
	"sync"

	"github.com/pkg/errors"
)

// ErrTooManyConnections is returned when a user is already at the concurrent
// session limit. The SSH layer turns this into an authentication refusal,
// before any handle tables are built.
var ErrTooManyConnections = errors.New("too many concurrent connections")

// Tracker enforces the per-user concurrent session limit.
type Tracker struct {
	maxPerUser int

	mu   sync.Mutex
	live map[string]int
}

// NewTracker builds a tracker allowing up to maxPerUser live sessions per
// user identity. Zero or negative means unlimited.
func NewTracker(maxPerUser int) *Tracker {
	return &Tracker{
		maxPerUser: maxPerUser,
		live:       make(map[string]int),
	}
}

// Acquire registers a session for user and returns its release function. The
// release is idempotent: however many times the session's exit paths invoke
// it, the slot is given back exactly once.
func (tr *Tracker) Acquire(user string) (release func(), err error) {
	tr.mu.Lock()
	defer tr.mu.Unlock()

	if tr.maxPerUser > 0 && tr.live[user] >= tr.maxPerUser {
		return nil, ErrTooManyConnections
	}
	tr.live[user]++

	var once sync.Once
	return func() {
		once.Do(func() {
			tr.mu.Lock()
			defer tr.mu.Unlock()
			if tr.live[user] <= 1 {
				delete(tr.live, user)
			} else {
				tr.live[user]--
			}
		})
	}, nil
}

// Live reports the current live-session count for user.
func (tr *Tracker) Live(user string) int {
	tr.mu.Lock()
	defer tr.mu.Unlock()
	return tr.live[user]
}
