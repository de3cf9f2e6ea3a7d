// Package registry tracks the live session state: which clients are
// connected and which aliases they have published.
//
// The registry takes no locks of its own. The dispatcher serialises all
// access; see the server package.
package registry

import (
	"slices"
)

// AliasEntry describes one published alias.
type AliasEntry struct {
	Owner string

	// Accepting starts false at bind time and flips true only after
	// the owner confirms it is ready to receive connects.
	Accepting bool

	// Connection marks a server-minted connection alias, as opposed to
	// a client-published bound alias.
	Connection bool
}

// Registry is the client table plus the alias table. T is the transport
// handle stored per client; tables reference each other through id
// strings only, so entries carry no pointers between tables.
type Registry[T any] struct {
	clients map[string]T
	aliases map[string]AliasEntry
}

func New[T any]() *Registry[T] {
	return &Registry[T]{
		clients: make(map[string]T),
		aliases: make(map[string]AliasEntry),
	}
}

func (r *Registry[T]) AddClient(id string, transport T) {
	r.clients[id] = transport
}

func (r *Registry[T]) RemoveClient(id string) {
	delete(r.clients, id)
}

func (r *Registry[T]) Client(id string) (T, bool) {
	t, ok := r.clients[id]
	return t, ok
}

// ClientIDs returns the registered ids sorted ascending, a stable
// snapshot for fan-out iteration.
func (r *Registry[T]) ClientIDs() []string {
	ids := make([]string, 0, len(r.clients))
	for id := range r.clients {
		ids = append(ids, id)
	}
	slices.Sort(ids)
	return ids
}

func (r *Registry[T]) ClientCount() int {
	return len(r.clients)
}

// BindAlias records a client-chosen alias. Fails (returns false) if the
// alias is already present, whoever owns it.
func (r *Registry[T]) BindAlias(alias, owner string) bool {
	if _, ok := r.aliases[alias]; ok {
		return false
	}
	r.aliases[alias] = AliasEntry{Owner: owner}
	return true
}

// SetAccepting flips the accepting flag. Fails if the alias is absent
// or owned by someone else; the caller logs, nothing is messaged.
func (r *Registry[T]) SetAccepting(alias, owner string) bool {
	entry, ok := r.aliases[alias]
	if !ok || entry.Owner != owner {
		return false
	}
	entry.Accepting = true
	r.aliases[alias] = entry
	return true
}

// UnbindAlias removes an alias, but only for its owner.
func (r *Registry[T]) UnbindAlias(alias, owner string) bool {
	entry, ok := r.aliases[alias]
	if !ok || entry.Owner != owner {
		return false
	}
	delete(r.aliases, alias)
	return true
}

// ConnectionAlias records a server-minted alias naming one side of a
// connect handshake. Unconditional: the alias was just allocated, so it
// cannot collide.
func (r *Registry[T]) ConnectionAlias(alias, owner string) {
	r.aliases[alias] = AliasEntry{Owner: owner, Connection: true}
}

func (r *Registry[T]) LookupAlias(alias string) (AliasEntry, bool) {
	entry, ok := r.aliases[alias]
	return entry, ok
}

// AliasesFor returns every alias owned by owner, sorted ascending.
// Used by the goodbye procedure to tear down a departing client.
func (r *Registry[T]) AliasesFor(owner string) []string {
	var out []string
	for alias, entry := range r.aliases {
		if entry.Owner == owner {
			out = append(out, alias)
		}
	}
	slices.Sort(out)
	return out
}

func (r *Registry[T]) AliasCount() int {
	return len(r.aliases)
}
