package tp_layer

import "sync/atomic"

// Mailbox is a single-slot hand-off between the frame receive path and the
// polling task. Put overwrites an unread payload; Take empties the slot.
type Mailbox struct {
	slot atomic.Pointer[Payload]
}

// Put publishes p and reports whether an unread payload was replaced.
func (m *Mailbox) Put(p *Payload) bool {
	return m.slot.Swap(p) != nil
}

// Take returns the pending payload exactly once.
func (m *Mailbox) Take() (*Payload, bool) {
	p := m.slot.Swap(nil)
	return p, p != nil
}
