package environment

import (
	"fmt"
	"net"
	"strconv"

	"github.com/brianly1003/wsgate/internal/domain"
	"github.com/brianly1003/wsgate/internal/sync"
)

// PortPool hands out host ports from a fixed range. A port is free when no
// environment holds it and nothing else on the host is listening on it.
type PortPool struct {
	start, end int
	used       map[int]bool
	available  func(port int) bool
	mu         sync.Mutex
}

// NewPortPool creates a pool over [start, end].
func NewPortPool(start, end int) *PortPool {
	return &PortPool{
		start:     start,
		end:       end,
		used:      make(map[int]bool),
		available: IsPortAvailable,
	}
}

// Reserve allocates n ports first-fit. Either all n are reserved or none.
func (p *PortPool) Reserve(n int) ([]int, error) {
	if n <= 0 {
		return nil, nil
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	ports := make([]int, 0, n)
	for port := p.start; port <= p.end && len(ports) < n; port++ {
		if p.used[port] || !p.available(port) {
			continue
		}
		ports = append(ports, port)
	}

	if len(ports) < n {
		return nil, fmt.Errorf("no available ports in range %d-%d: %w", p.start, p.end, domain.ErrResourceExhausted)
	}

	for _, port := range ports {
		p.used[port] = true
	}
	return ports, nil
}

// Release returns ports to the pool. Unknown ports are ignored.
func (p *PortPool) Release(ports []int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, port := range ports {
		delete(p.used, port)
	}
}

// InUse returns the number of reserved ports.
func (p *PortPool) InUse() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.used)
}

// IsPortAvailable checks if a port is available for binding.
func IsPortAvailable(port int) bool {
	ln, err := net.Listen("tcp", net.JoinHostPort("", strconv.Itoa(port)))
	if err != nil {
		return false
	}
	ln.Close()
	return true
}
