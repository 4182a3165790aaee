package vm

import (
	"fmt"
	"sync"

	"github.com/containerd/errdefs"
)

// portAllocator tracks reserved ports of one family in a bitmap covering the
// whole port space. Ephemeral allocations come from [lo, hi] in next-fit
// order; explicit reservations may name any non-zero port.
type portAllocator struct {
	mu     sync.Mutex
	bits   [65536 / 64]uint64
	lo, hi uint16
	next   uint16
	inUse  int
}

func newPortAllocator(lo, hi uint16) *portAllocator {
	if lo == 0 {
		lo = 1
	}
	if hi < lo {
		hi = lo
	}
	return &portAllocator{lo: lo, hi: hi, next: lo}
}

func (a *portAllocator) isSet(p uint16) bool {
	return a.bits[p/64]&(1<<(p%64)) != 0
}

func (a *portAllocator) set(p uint16) {
	a.bits[p/64] |= 1 << (p % 64)
	a.inUse++
}

func (a *portAllocator) clear(p uint16) {
	a.bits[p/64] &^= 1 << (p % 64)
	a.inUse--
}

// allocate reserves count ports from the ephemeral range, all or nothing.
func (a *portAllocator) allocate(count int) ([]uint16, error) {
	if count <= 0 {
		return nil, nil
	}
	a.mu.Lock()
	defer a.mu.Unlock()

	size := int(a.hi) - int(a.lo) + 1
	ports := make([]uint16, 0, count)
	p := a.next
	for i := 0; i < size && len(ports) < count; i++ {
		if !a.isSet(p) {
			a.set(p)
			ports = append(ports, p)
		}
		if p == a.hi {
			p = a.lo
		} else {
			p++
		}
	}
	if len(ports) < count {
		for _, got := range ports {
			a.clear(got)
		}
		return nil, fmt.Errorf("allocate %d ports in %d-%d: %w", count, a.lo, a.hi, errdefs.ErrResourceExhausted)
	}
	a.next = p
	return ports, nil
}

func (a *portAllocator) reserve(port uint16) error {
	if port == 0 {
		return fmt.Errorf("reserve port 0: %w", errdefs.ErrInvalidArgument)
	}
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.isSet(port) {
		return fmt.Errorf("port %d: %w", port, errdefs.ErrAlreadyExists)
	}
	a.set(port)
	return nil
}

func (a *portAllocator) release(ports []uint16) {
	a.mu.Lock()
	defer a.mu.Unlock()

	for _, p := range ports {
		if p != 0 && a.isSet(p) {
			a.clear(p)
		}
	}
}

func (a *portAllocator) reserved() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.inUse
}
