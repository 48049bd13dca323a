package imapclient

import (
	"fmt"
)

// Largest number of messages we keep an index for. Servers announcing more
// are considered broken or malicious.
const maxIndexSlots = 1 << 28

const indexSlack = 25

// MSNIndex maps message sequence numbers of the selected mailbox to message
// handles. Slot i holds the message with MSN i+1.
//
// Sequence numbers shift down on each expunge, so the index must be updated
// while processing the EXPUNGE response, before any later response that
// refers to sequence numbers.
type MSNIndex struct {
	slots   []*Message
	highest uint32 // Occupied extent: slots beyond are unused capacity.
}

// Reserve grows the capacity to at least n slots, keeping the contents.
//
// A count at which the allocation cannot be represented causes a panic with
// ErrIndexOverflow. The index must never silently diverge from the server's
// numbering.
func (x *MSNIndex) Reserve(n uint32) {
	if uint64(n) > maxIndexSlots {
		panic(fmt.Errorf("%w: reserving %d message slots", ErrIndexOverflow, n))
	}
	if int(n) <= len(x.slots) {
		return
	}
	slots := make([]*Message, int(n)+indexSlack)
	copy(slots, x.slots)
	x.slots = slots
}

// Get returns the message at msn, or nil.
func (x *MSNIndex) Get(msn uint32) *Message {
	if msn == 0 || msn > x.highest {
		return nil
	}
	return x.slots[msn-1]
}

// Set places m at msn, growing the index as needed.
func (x *MSNIndex) Set(msn uint32, m *Message) {
	if msn == 0 {
		panic("msn 0")
	}
	x.Reserve(msn)
	x.slots[msn-1] = m
	if m != nil {
		m.MSN = msn
	}
	if msn > x.highest {
		x.highest = msn
	}
}

// Remove empties the slot at msn without shifting the others.
func (x *MSNIndex) Remove(msn uint32) {
	if msn == 0 || msn > x.highest {
		return
	}
	x.slots[msn-1] = nil
}

// Shrink removes the last k slots of the occupied extent.
func (x *MSNIndex) Shrink(k uint32) {
	if k > x.highest {
		k = x.highest
	}
	for i := x.highest - k; i < x.highest; i++ {
		x.slots[i] = nil
	}
	x.highest -= k
}

// Highest returns the occupied extent, the highest MSN in use.
func (x *MSNIndex) Highest() uint32 {
	return x.highest
}

// Reset clears the index, for a new selected mailbox.
func (x *MSNIndex) Reset() {
	x.slots = nil
	x.highest = 0
}

// expunge removes msn and shifts all messages above it down by one. It
// returns the removed message, which may be nil. Only the untagged response
// handler may call it, in the order of the EXPUNGE responses.
func (x *MSNIndex) expunge(msn uint32) *Message {
	if msn == 0 || msn > x.highest {
		return nil
	}
	m := x.slots[msn-1]
	copy(x.slots[msn-1:x.highest-1], x.slots[msn:x.highest])
	x.slots[x.highest-1] = nil
	x.highest--
	for i := msn - 1; i < x.highest; i++ {
		if e := x.slots[i]; e != nil {
			e.MSN = i + 1
		}
	}
	if m != nil {
		m.MSN = 0
	}
	return m
}
