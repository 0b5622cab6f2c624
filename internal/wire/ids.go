package wire

import (
	"fmt"
	"sync/atomic"
)

// SessionIDAllocator synthesizes Playwright-facing session ids of the form
// "pw-tab-N". Ids are monotonic for the lifetime of the allocator and are
// never reused, even after the tab they named is detached.
type SessionIDAllocator struct {
	next atomic.Int64
}

// Next returns the next synthesized session id.
func (a *SessionIDAllocator) Next() string {
	n := a.next.Add(1)
	return fmt.Sprintf("pw-tab-%d", n)
}

// Sequence synthesizes monotonically increasing CDP command ids, used to
// translate a client-visible id into the id the extension/bridge actually
// sees on the wire.
type Sequence struct {
	next atomic.Int64
}

// Next returns the next id in the sequence, starting at 1.
func (s *Sequence) Next() int64 {
	return s.next.Add(1)
}
