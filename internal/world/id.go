package world

// ID encodes a 32-bit arena index in the lower bits and a 32-bit
// generation in the upper bits. Generation increments on destroy to
// invalidate stale refs held by the script.
type ID uint64

func NewID(index uint32, generation uint32) ID {
	return ID(uint64(generation)<<32 | uint64(index))
}

func (id ID) Index() uint32      { return uint32(id) }
func (id ID) Generation() uint32 { return uint32(id >> 32) }
func (id ID) IsZero() bool       { return id == 0 }

// pool manages ID allocation with generational indices and a free list.
type pool struct {
	generations []uint32
	freeList    []uint32
	nextIndex   uint32
}

func newPool() *pool {
	p := &pool{
		generations: make([]uint32, 1, 256),
		freeList:    make([]uint32, 0, 64),
		nextIndex:   1,
	}
	// Burn index 0 so the zero ID never resolves.
	p.generations[0] = 1
	return p
}

func (p *pool) create() ID {
	if len(p.freeList) > 0 {
		idx := p.freeList[len(p.freeList)-1]
		p.freeList = p.freeList[:len(p.freeList)-1]
		return NewID(idx, p.generations[idx])
	}
	idx := p.nextIndex
	p.nextIndex++
	if int(idx) >= len(p.generations) {
		p.generations = append(p.generations, 0)
	}
	return NewID(idx, p.generations[idx])
}

func (p *pool) alive(id ID) bool {
	idx := id.Index()
	if idx >= p.nextIndex {
		return false
	}
	return p.generations[idx] == id.Generation()
}

func (p *pool) destroy(id ID) {
	idx := id.Index()
	if idx >= p.nextIndex {
		return
	}
	if p.generations[idx] != id.Generation() {
		return // already destroyed (stale reference)
	}
	p.generations[idx]++
	p.freeList = append(p.freeList, idx)
}
