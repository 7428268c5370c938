package store

import (
	"github.com/puzpuzpuz/xsync/v3"

	"streamgate/work/types"
)

// SessionStore holds live access sessions in a concurrent keyed map with
// atomic per-key operations. Every mutation goes through Compute, which
// serializes writers per key while leaving readers lock-free; sessions are
// replaced copy-on-write so a loaded pointer is always a consistent
// snapshot.
//
// This is the single-instance realization of the keyed-store contract: a
// multi-instance deployment can swap in any backend offering the same
// get/range/compute semantics (one compare-and-set per key) without touching
// the issuer's invariants.
type SessionStore struct {
	sessions *xsync.MapOf[string, *types.AccessSession]
}

// NewSessionStore creates an empty session store ready for use.
func NewSessionStore() *SessionStore {
	return &SessionStore{
		sessions: xsync.NewMapOf[string, *types.AccessSession](),
	}
}

// Get returns the session for the given id, if present.
func (ss *SessionStore) Get(sessionID string) (*types.AccessSession, bool) {
	return ss.sessions.Load(sessionID)
}

// Put stores a newly created session. Session ids are cryptographically
// random, so collisions are not handled beyond last-write-wins.
func (ss *SessionStore) Put(s *types.AccessSession) {
	ss.sessions.Store(s.SessionID, s)
}

// Compute runs fn atomically for the session key. fn receives the current
// session (nil when absent) and returns the replacement plus whether the
// entry should be deleted. All refresh-token rotation and revocation flows
// go through here so racing writers serialize on the key.
func (ss *SessionStore) Compute(sessionID string, fn func(cur *types.AccessSession, loaded bool) (*types.AccessSession, bool)) (*types.AccessSession, bool) {
	return ss.sessions.Compute(sessionID, fn)
}

// Delete removes a session outright. Sweeps prefer marking sessions revoked
// over deleting; this exists for stream teardown style cleanup and tests.
func (ss *SessionStore) Delete(sessionID string) {
	ss.sessions.Delete(sessionID)
}

// Range iterates all sessions. The callback must not mutate the session it
// receives; mutation goes through Compute.
func (ss *SessionStore) Range(fn func(sessionID string, s *types.AccessSession) bool) {
	ss.sessions.Range(fn)
}

// Size returns the number of sessions currently held, including revoked
// sessions not yet dropped by retention.
func (ss *SessionStore) Size() int {
	return ss.sessions.Size()
}
