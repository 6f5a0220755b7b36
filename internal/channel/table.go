package channel

import (
	"fmt"
	"sync"
)

// Table allocates local channel identifiers and tracks the live
// Channels bound to them. A freed id is never reused while any other
// channel is still live, matching the conservative allocation an
// implementation typically uses in place of RFC 4254's silence on
// reuse policy.
type Table struct {
	mu      sync.Mutex
	next    uint32
	entries map[uint32]*Channel
}

// NewTable returns an empty Table whose first allocated id is 0.
func NewTable() *Table {
	return &Table{entries: make(map[uint32]*Channel)}
}

// Alloc reserves the next local id and returns it; the caller is
// expected to construct the Channel and call Bind with the same id
// once it knows the peer's remote id (or immediately, for
// locally-initiated opens where the remote id isn't known yet).
func (t *Table) Alloc() uint32 {
	t.mu.Lock()
	defer t.mu.Unlock()
	for {
		id := t.next
		t.next++
		if _, taken := t.entries[id]; !taken {
			t.entries[id] = nil
			return id
		}
	}
}

// Bind associates a Channel with a previously allocated id.
func (t *Table) Bind(id uint32, c *Channel) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.entries[id] = c
}

// Lookup returns the Channel bound to id, if any.
func (t *Table) Lookup(id uint32) (*Channel, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	c, ok := t.entries[id]
	return c, ok && c != nil
}

// Free removes id from the table, making it eligible for reuse only
// after every other currently-tracked id has been offered first (see
// Alloc's monotonic counter).
func (t *Table) Free(id uint32) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.entries, id)
}

// Release is a convenience for Alloc failing partway through an open:
// it frees the reservation without ever having bound a Channel.
func (t *Table) Release(id uint32) { t.Free(id) }

// Len reports the number of ids currently allocated, bound or not.
func (t *Table) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.entries)
}

// All returns every live, bound Channel. Order is unspecified.
func (t *Table) All() []*Channel {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]*Channel, 0, len(t.entries))
	for _, c := range t.entries {
		if c != nil {
			out = append(out, c)
		}
	}
	return out
}

// ErrUnknownChannel is returned by Lookup-based callers when a message
// references a channel id the table has no record of.
type ErrUnknownChannel uint32

func (e ErrUnknownChannel) Error() string {
	return fmt.Sprintf("channel: unknown local channel id %d", uint32(e))
}
