package cache

// node is an intrusive doubly linked list element owned by an LRU.
type node[K comparable, V any] struct {
	key K
	val V

	// Intrusive list links: head is MRU, tail is LRU.
	prev *node[K, V]
	next *node[K, V]

	// Weight charged when the node was stored. Removal subtracts exactly this
	// amount, so the running total never drifts from the per-node sum.
	weight int64
}

// entry is a detached key/value pair, used to carry evictions out of the
// lock to the listeners.
type entry[K comparable, V any] struct {
	key K
	val V
}
