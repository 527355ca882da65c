// Package chain provides the intrusive request chain used by transfer
// handles to thread in-flight transport requests together without per-link
// allocation. A Node is embedded in the request type; a zero Node acts as
// the chain head.
package chain

// Node is an intrusive doubly-linked list element with a one-bit completion
// flag. Embed it in the tracked type and bind the back-pointer with Init.
type Node[T any] struct {
	next, prev *Node[T]
	value      *T
	completed  bool
}

// Init binds the node to its embedding value. Must be called before the
// node is linked into a chain.
func (n *Node[T]) Init(v *T) {
	n.value = v
	n.next = nil
	n.prev = nil
	n.completed = false
}

// Value returns the embedding value, nil for a head node.
func (n *Node[T]) Value() *T {
	return n.value
}

// Next returns the value of the following element, or nil at the end of
// the chain.
func (n *Node[T]) Next() *T {
	if n.next == nil {
		return nil
	}

	return n.next.value
}

// NextNode returns the following node, or nil at the end of the chain.
func (n *Node[T]) NextNode() *Node[T] {
	return n.next
}

// Link appends other at the tail of the chain that starts at n.
func (n *Node[T]) Link(other *Node[T]) {
	tail := n
	for tail.next != nil {
		tail = tail.next
	}

	tail.next = other
	other.prev = tail
	other.next = nil
}

// Unlink detaches n from its chain and returns the node that followed it.
// The detached node keeps its value and completion flag.
func (n *Node[T]) Unlink() *Node[T] {
	next := n.next

	if n.prev != nil {
		n.prev.next = n.next
	}

	if n.next != nil {
		n.next.prev = n.prev
	}

	n.next = nil
	n.prev = nil

	return next
}

// Empty reports whether the chain starting at n has no elements.
func (n *Node[T]) Empty() bool {
	return n.next == nil
}

// SetComplete marks the node's request complete.
func (n *Node[T]) SetComplete() {
	n.completed = true
}

// IsComplete reports whether the node's request completed.
func (n *Node[T]) IsComplete() bool {
	return n.completed
}
