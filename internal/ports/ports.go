// Package ports implements the Port Allocator: a disjoint pool of TCP
// ports handed out one range per worker so concurrent workers never
// collide on a listening port.
package ports

import (
	"fmt"
	"sync"

	"zerg/internal/errz"
)

// Allocator reserves ports from a configured inclusive range.
type Allocator struct {
	mu        sync.Mutex
	start     int
	end       int
	allocated map[int]bool
	free      []int // ascending free list
}

// New builds an Allocator over the inclusive range [start, end].
func New(start, end int) (*Allocator, error) {
	if start <= 0 || end <= 0 || end < start {
		return nil, errz.New(errz.Configuration, fmt.Sprintf("invalid port range [%d, %d]", start, end))
	}
	a := &Allocator{start: start, end: end, allocated: make(map[int]bool)}
	for p := start; p <= end; p++ {
		a.free = append(a.free, p)
	}
	return a, nil
}

// AllocateOne returns the lowest unallocated port, or an errz error of
// kind Configuration if the range is exhausted.
func (a *Allocator) AllocateOne() (int, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if len(a.free) == 0 {
		return 0, errz.New(errz.Configuration, fmt.Sprintf("port range [%d, %d] exhausted", a.start, a.end))
	}
	p := a.free[0]
	a.free = a.free[1:]
	a.allocated[p] = true
	return p, nil
}

// AllocateRange returns n ports, or fails (releasing any already taken
// in this call) if the range cannot satisfy the request.
func (a *Allocator) AllocateRange(n int) ([]int, error) {
	out := make([]int, 0, n)
	for i := 0; i < n; i++ {
		p, err := a.AllocateOne()
		if err != nil {
			for _, taken := range out {
				a.Release(taken)
			}
			return nil, err
		}
		out = append(out, p)
	}
	return out, nil
}

// Release returns a port to the free pool in sorted position.
func (a *Allocator) Release(port int) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if !a.allocated[port] {
		return
	}
	delete(a.allocated, port)
	i := 0
	for ; i < len(a.free); i++ {
		if a.free[i] > port {
			break
		}
	}
	a.free = append(a.free, 0)
	copy(a.free[i+1:], a.free[i:])
	a.free[i] = port
}

// ReleaseAll returns every allocated port to the free pool.
func (a *Allocator) ReleaseAll() {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.free = nil
	for p := a.start; p <= a.end; p++ {
		a.free = append(a.free, p)
	}
	a.allocated = make(map[int]bool)
}

// Available reports how many ports remain unallocated.
func (a *Allocator) Available() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.free)
}
