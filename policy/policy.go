// Package policy defines the contract between the query entry table and
// its pluggable eviction policies. Policies only decide ordering and
// eviction candidates; the table owns the key->entry map and refuses to
// evict entries that are still in use.
package policy

// Node is the minimal contract an entry must satisfy for a policy.
type Node[K comparable] interface {
	Key() K
}

// Hooks expose O(1) list operations that a policy uses to manipulate the
// shard's intrusive MRU/LRU list. Implementations are provided by the shard.
//
// Concurrency: all hook calls happen under the shard lock.
type Hooks[K comparable] interface {
	// MoveToFront promotes the node to MRU.
	MoveToFront(Node[K])
	// PushFront inserts the node at MRU (used on admission).
	PushFront(Node[K])
	// Remove detaches the node from the list (map bookkeeping is done by the shard).
	Remove(Node[K])
	// Back returns the current LRU node (or nil if empty).
	Back() Node[K]
	// Len returns the number of resident nodes in the shard.
	Len() int
	// Evictable reports whether the node may be removed right now.
	// Entries with subscribers, waiters or an in-flight fetch are pinned.
	Evictable(Node[K]) bool
}

// ShardPolicy is a per-shard eviction policy instance bound to shard hooks.
// All methods are invoked under the shard lock.
//
// Semantics:
//   - OnAdd may return an eviction candidate. The shard evicts it (if it is
//     still evictable) and then calls OnRemove for it.
//   - OnGet/OnUpdate typically promote the node.
//   - OnRemove notifies the policy; the shard performs the actual deletion.
type ShardPolicy[K comparable] interface {
	OnAdd(Node[K]) (evict Node[K])
	OnGet(Node[K])
	OnUpdate(Node[K])
	OnRemove(Node[K])
}

// Policy is a factory that creates shard-local policy instances.
type Policy[K comparable] interface {
	New(Hooks[K]) ShardPolicy[K]
}
