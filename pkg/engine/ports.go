package engine

import "fmt"

// portAllocator выдает четные RTP порты из диапазона конфигурации.
// Нечетный порт следом за выданным остается за RTCP.
// Вызывается под e.mu.
type portAllocator struct {
	min, max int
	used     map[int]bool
	next     int
}

// newPortAllocator возвращает nil, если диапазон не задан
func newPortAllocator(min, max int) *portAllocator {
	if min <= 0 && max <= 0 {
		return nil
	}
	if min%2 != 0 {
		min++
	}
	return &portAllocator{
		min:  min,
		max:  max,
		used: make(map[int]bool),
		next: min,
	}
}

// allocate ищет свободный порт, начиная с позиции после последнего выданного
func (p *portAllocator) allocate() (int, error) {
	start := p.next
	for {
		port := p.next
		p.advance()
		if !p.used[port] && port+1 <= p.max {
			p.used[port] = true
			return port, nil
		}
		if p.next == start {
			return 0, fmt.Errorf("все порты в диапазоне %d-%d заняты", p.min, p.max)
		}
	}
}

func (p *portAllocator) advance() {
	p.next += 2
	if p.next+1 > p.max {
		p.next = p.min
	}
}

func (p *portAllocator) release(port int) {
	delete(p.used, port)
}

func (p *portAllocator) inUse() int {
	return len(p.used)
}
