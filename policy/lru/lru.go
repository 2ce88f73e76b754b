// Package lru implements the LRU eviction policy for the query entry table.
package lru

import "github.com/Tchelovb/clinicpro-manager-sub010/policy"

// lru is a classic move-to-front policy. Capacity enforcement happens in
// the shard, which walks from the LRU end past pinned entries.
type lru[K comparable] struct {
	h policy.Hooks[K]
}

type lruPolicy[K comparable] struct{}

// New returns a Policy factory that constructs per-shard LRU instances.
func New[K comparable]() policy.Policy[K] { return lruPolicy[K]{} }

func (lruPolicy[K]) New(h policy.Hooks[K]) policy.ShardPolicy[K] {
	return &lru[K]{h: h}
}

// OnAdd places the new entry at MRU and never proposes an eviction itself.
func (p *lru[K]) OnAdd(n policy.Node[K]) (evict policy.Node[K]) {
	p.h.PushFront(n)
	return nil
}

// OnGet promotes the entry: a cache hit or a subscription counts as use.
func (p *lru[K]) OnGet(n policy.Node[K]) { p.h.MoveToFront(n) }

// OnUpdate promotes the entry: a settled fetch counts as use.
func (p *lru[K]) OnUpdate(n policy.Node[K]) { p.h.MoveToFront(n) }

func (p *lru[K]) OnRemove(_ policy.Node[K]) {}
