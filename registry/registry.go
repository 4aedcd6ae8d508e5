// Package registry maps a domain name and a 1-based integer id to an opaque
// callable instance, for open-ended polymorphic dispatch: the per-lane
// selector of a dispatched call holds these ids, and the dispatch engine
// resolves them back to instances while tracing or evaluating.
//
// Ids are dense-ish: they are reused after removal, so holes may exist
// transiently and callers enumerating 1..IdBound must skip unresolved ids.
// Id 0 always denotes "no instance".
package registry

import (
	"sync"

	"github.com/gomlx/lanes/coreerrors"
)

// Registry holds the instances of any number of domains. The zero value is
// ready to use. It is safe for concurrent use.
type Registry struct {
	mu      sync.Mutex
	domains map[string]*domain
}

type domain struct {
	// instances is indexed by id-1; nil entries are holes left by Remove.
	instances []any
	freeIds   []uint32
}

// Default is the process-wide registry used when a dispatch does not name an
// explicit one.
var Default = &Registry{}

// Put registers an instance under the given domain and returns its 1-based
// id. Ids freed by Remove are reused.
func (r *Registry) Put(domainName string, instance any) uint32 {
	if instance == nil {
		coreerrors.Panicf(coreerrors.KindConfiguration, "registry", domainName,
			"cannot register a nil instance")
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.domains == nil {
		r.domains = make(map[string]*domain)
	}
	d := r.domains[domainName]
	if d == nil {
		d = &domain{}
		r.domains[domainName] = d
	}
	if n := len(d.freeIds); n > 0 {
		var id uint32
		id, d.freeIds = d.freeIds[n-1], d.freeIds[:n-1]
		d.instances[id-1] = instance
		return id
	}
	d.instances = append(d.instances, instance)
	return uint32(len(d.instances))
}

// Remove unregisters the instance with the given id. Removing an unknown id
// is a no-op.
func (r *Registry) Remove(domainName string, id uint32) {
	r.mu.Lock()
	defer r.mu.Unlock()
	d := r.domains[domainName]
	if d == nil || id == 0 || int(id) > len(d.instances) || d.instances[id-1] == nil {
		return
	}
	d.instances[id-1] = nil
	d.freeIds = append(d.freeIds, id)
}

// Get returns the instance registered under (domain, id), or nil when the id
// is 0, out of range, or a hole.
//
// The returned pointer is guaranteed live between this call and the end of
// the dispatch that requested it; it is not guaranteed to remain valid across
// dispatches.
func (r *Registry) Get(domainName string, id uint32) any {
	r.mu.Lock()
	defer r.mu.Unlock()
	d := r.domains[domainName]
	if d == nil || id == 0 || int(id) > len(d.instances) {
		return nil
	}
	return d.instances[id-1]
}

// IdBound returns the smallest n such that every live id of the domain is
// <= n. Enumerating ids 1..IdBound visits every live instance, possibly with
// holes (Get returns nil) in between.
func (r *Registry) IdBound(domainName string) uint32 {
	r.mu.Lock()
	defer r.mu.Unlock()
	d := r.domains[domainName]
	if d == nil {
		return 0
	}
	return uint32(len(d.instances))
}

// Put registers an instance in the Default registry.
func Put(domainName string, instance any) uint32 {
	return Default.Put(domainName, instance)
}

// Remove unregisters an instance from the Default registry.
func Remove(domainName string, id uint32) {
	Default.Remove(domainName, id)
}

// Get resolves (domain, id) in the Default registry.
func Get(domainName string, id uint32) any {
	return Default.Get(domainName, id)
}

// IdBound returns the id bound of a domain of the Default registry.
func IdBound(domainName string) uint32 {
	return Default.IdBound(domainName)
}
