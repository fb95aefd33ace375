package core

import "sync"

// registry is the leader-held set of instance identifiers known to be
// alive for a stream identity. Exactly one leader owns it at a time; it
// is rebuilt from scratch on every election, seeded with the leader's own
// identifier, and discarded when leadership ends. Membership is
// best-effort: followers that joined under a previous leader are unknown
// until they announce again, which is safe because the owner's own entry
// keeps the set non-empty for as long as the leader lives.
type registry struct {
	mu      sync.Mutex
	members map[string]struct{}
}

func newRegistry(ownerID string) *registry {
	return &registry{
		members: map[string]struct{}{ownerID: {}},
	}
}

// Add records an instance; adding a known id is a no-op.
func (r *registry) Add(id string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.members[id]; ok {
		return false
	}
	r.members[id] = struct{}{}
	return true
}

// Remove forgets an instance; removing an unknown id is a no-op.
func (r *registry) Remove(id string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.members[id]; !ok {
		return false
	}
	delete(r.members, id)
	return true
}

func (r *registry) Empty() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.members) == 0
}

func (r *registry) Size() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.members)
}
