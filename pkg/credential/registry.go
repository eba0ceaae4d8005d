// pkg/credential/registry.go

package credential

import (
	"sync"

	cerr "github.com/cockroachdb/errors"
)

// Registry owns the set of managed credentials and provides per-credential
// locking. Operations on one credential (renew, rotate, revoke) serialize
// against each other; operations on different credentials run concurrently.
// There is deliberately no global lock around credential work.
type Registry struct {
	mu      sync.RWMutex // guards the map only, never held across operations
	entries map[string]*entry
}

type entry struct {
	opMu sync.Mutex
	cred *Credential
}

func NewRegistry() *Registry {
	return &Registry{entries: make(map[string]*entry)}
}

// Add registers a credential with the registry. The caller transfers
// ownership; further mutation goes through WithLock.
func (r *Registry) Add(c *Credential) error {
	if err := c.Validate(); err != nil {
		return cerr.Wrap(err, "refusing to manage invalid credential")
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.entries[c.ID]; ok {
		return cerr.Newf("credential %s already managed", c.Accessor)
	}
	r.entries[c.ID] = &entry{cred: c}
	return nil
}

// Remove drops a credential from management.
func (r *Registry) Remove(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.entries, id)
}

// IDs snapshots the managed credential ids. Sweeps iterate over this
// snapshot so a concurrent Add/Remove never invalidates iteration.
func (r *Registry) IDs() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	ids := make([]string, 0, len(r.entries))
	for id := range r.entries {
		ids = append(ids, id)
	}
	return ids
}

// Get returns a copy of the credential record (without the secret) for
// status reporting.
func (r *Registry) Get(id string) (Credential, bool) {
	r.mu.RLock()
	e, ok := r.entries[id]
	r.mu.RUnlock()
	if !ok {
		return Credential{}, false
	}
	e.opMu.Lock()
	defer e.opMu.Unlock()
	c := *e.cred
	c.SecretValue = ""
	return c, true
}

// WithLock runs fn with exclusive access to the credential. A rotation in
// progress on credential X blocks a concurrent renewal of X here, and
// nowhere else.
func (r *Registry) WithLock(id string, fn func(c *Credential) error) error {
	r.mu.RLock()
	e, ok := r.entries[id]
	r.mu.RUnlock()
	if !ok {
		return cerr.Newf("credential %s not managed", id)
	}
	e.opMu.Lock()
	defer e.opMu.Unlock()
	return fn(e.cred)
}

// Replace swaps the managed credential under oldID for a new one while the
// per-credential lock is held by the caller via WithLock on oldID. Used at
// the commit point of a rotation.
func (r *Registry) Replace(oldID string, c *Credential) error {
	if err := c.Validate(); err != nil {
		return cerr.Wrap(err, "refusing to manage invalid credential")
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.entries[oldID]; !ok {
		return cerr.Newf("credential %s not managed", oldID)
	}
	delete(r.entries, oldID)
	r.entries[c.ID] = &entry{cred: c}
	return nil
}

// Len reports the number of managed credentials.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.entries)
}
