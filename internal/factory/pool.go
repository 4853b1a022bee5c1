package factory

import "github.com/signalsfoundry/nodekernel/model"

const minChunk = 16

// pool is a per-thread arena of node storage. Chunks are never moved or
// reallocated, so pointers handed out stay valid until clear.
type pool struct {
	chunks [][]model.Node
	chunk  int // chunk currently being filled
	slot   int // next free slot in that chunk
	live   int
}

func (p *pool) free() int {
	if len(p.chunks) == 0 {
		return 0
	}
	n := len(p.chunks[p.chunk]) - p.slot
	for _, c := range p.chunks[p.chunk+1:] {
		n += len(c)
	}
	return n
}

func (p *pool) capacity() int {
	n := 0
	for _, c := range p.chunks {
		n += len(c)
	}
	return n
}

// reserve makes room for n more nodes without further allocation.
func (p *pool) reserve(n int) {
	if missing := n - p.free(); missing > 0 {
		p.grow(missing)
	}
}

func (p *pool) grow(n int) {
	p.chunks = append(p.chunks, make([]model.Node, n))
}

func (p *pool) alloc() *model.Node {
	for len(p.chunks) == 0 || p.slot == len(p.chunks[p.chunk]) {
		if len(p.chunks) > 0 && p.chunk+1 < len(p.chunks) {
			p.chunk++
			p.slot = 0
			continue
		}
		p.grow(max(minChunk, p.capacity()))
		if len(p.chunks) > 1 {
			p.chunk = len(p.chunks) - 1
			p.slot = 0
		}
	}
	n := &p.chunks[p.chunk][p.slot]
	p.slot++
	p.live++
	return n
}

func (p *pool) clear() {
	*p = pool{}
}
