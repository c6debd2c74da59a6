package media

import (
	"fmt"
	"sync"

	"github.com/dkeye/Hearth/internal/domain"
)

// portPool hands out transport ports from a fixed range, scanning forward from the
// last allocation and wrapping at the end.
type portPool struct {
	mu   sync.Mutex
	lo   int
	hi   int
	used map[int]bool
	next int
}

func newPortPool(lo, hi int) (*portPool, error) {
	if lo <= 0 || hi <= 0 || lo > hi {
		return nil, fmt.Errorf("%w: invalid port range %d-%d", domain.ErrValidation, lo, hi)
	}
	return &portPool{lo: lo, hi: hi, used: make(map[int]bool), next: lo}, nil
}

func (p *portPool) allocate() (int, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if len(p.used) >= p.hi-p.lo+1 {
		return 0, fmt.Errorf("%w: all ports in %d-%d are in use", domain.ErrResourceExhausted, p.lo, p.hi)
	}
	for {
		port := p.next
		p.next++
		if p.next > p.hi {
			p.next = p.lo
		}
		if !p.used[port] {
			p.used[port] = true
			return port, nil
		}
	}
}

func (p *portPool) release(port int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.used, port)
}

func (p *portPool) inUse() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.used)
}
