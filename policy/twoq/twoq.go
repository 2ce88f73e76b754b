// Package twoq implements the 2Q eviction policy for the query entry table.
// It keeps one-off lookups (for example a detail page opened once) from
// pushing out entries that are read repeatedly.
package twoq

import (
	"container/list"

	"github.com/Tchelovb/clinicpro-manager-sub010/policy"
)

// twoQ keeps two resident queues and a ghost queue:
//
//   - A1in holds first-time admissions, tracked in its own list.
//   - Am holds entries that were used again; their order lives in the
//     shard list driven through hooks.
//   - A1out remembers keys recently evicted from A1in, so a re-admitted
//     key skips A1in.
//
// Concurrency: all methods are called under the shard lock.
type twoQ[K comparable] struct {
	h policy.Hooks[K]

	capIn    int
	capGhost int

	inList *list.List // MRU at Front
	inIdx  map[policy.Node[K]]*list.Element

	ghostList *list.List // keys only, MRU at Front
	ghostIdx  map[K]*list.Element
}

type twoQPolicy[K comparable] struct {
	capIn    int
	capGhost int
}

// New constructs a 2Q policy factory. Sizes are per shard; a common choice
// is capIn ≈ 25% and capGhost ≈ 50% of the shard capacity.
func New[K comparable](capIn, capGhost int) policy.Policy[K] {
	if capIn < 1 {
		capIn = 1
	}
	if capGhost < 1 {
		capGhost = 1
	}
	return twoQPolicy[K]{capIn: capIn, capGhost: capGhost}
}

func (p twoQPolicy[K]) New(h policy.Hooks[K]) policy.ShardPolicy[K] {
	return &twoQ[K]{
		h:         h,
		capIn:     p.capIn,
		capGhost:  p.capGhost,
		inList:    list.New(),
		inIdx:     make(map[policy.Node[K]]*list.Element),
		ghostList: list.New(),
		ghostIdx:  make(map[K]*list.Element),
	}
}

// OnAdd admits a ghost key straight into Am; anything else enters A1in.
// When A1in overflows, the least recent evictable A1in entry is proposed.
// Pinned entries are skipped, so A1in may stay above capacity while its
// entries are in use.
func (q *twoQ[K]) OnAdd(n policy.Node[K]) (evict policy.Node[K]) {
	k := n.Key()
	if ge, ok := q.ghostIdx[k]; ok {
		q.ghostList.Remove(ge)
		delete(q.ghostIdx, k)
		q.h.PushFront(n)
		return nil
	}

	q.h.PushFront(n)
	q.inIdx[n] = q.inList.PushFront(n)

	if q.inList.Len() <= q.capIn {
		return nil
	}
	for el := q.inList.Back(); el != nil; el = el.Prev() {
		cand := el.Value.(policy.Node[K])
		if cand != n && q.h.Evictable(cand) {
			return cand
		}
	}
	return nil
}

// OnGet promotes an A1in entry to Am and moves it to MRU.
func (q *twoQ[K]) OnGet(n policy.Node[K]) {
	if el, ok := q.inIdx[n]; ok {
		q.inList.Remove(el)
		delete(q.inIdx, n)
	}
	q.h.MoveToFront(n)
}

// OnUpdate promotes Am entries only. A settled refetch is not a second use,
// so A1in entries keep their place.
func (q *twoQ[K]) OnUpdate(n policy.Node[K]) {
	if _, ok := q.inIdx[n]; ok {
		return
	}
	q.h.MoveToFront(n)
}

// OnRemove moves keys leaving A1in into the ghost queue. Removals from Am
// do not create ghosts.
func (q *twoQ[K]) OnRemove(n policy.Node[K]) {
	el, ok := q.inIdx[n]
	if !ok {
		return
	}
	q.inList.Remove(el)
	delete(q.inIdx, n)

	k := n.Key()
	if old := q.ghostIdx[k]; old != nil {
		q.ghostList.Remove(old)
	}
	q.ghostIdx[k] = q.ghostList.PushFront(k)

	for q.ghostList.Len() > q.capGhost {
		tail := q.ghostList.Back()
		delete(q.ghostIdx, tail.Value.(K))
		q.ghostList.Remove(tail)
	}
}
