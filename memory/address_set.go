package memory

// AddressSet is a set of addresses laid out for efficient
// memory use and access. The zero value is an empty set.
//
// It's useful for cheap sanity checks over a whole trace, such as
// spotting allocations that reuse a live address, without building
// full allocation state.
type AddressSet struct {
	// m is a 4-level radix structure.
	//
	// The bottom level is a bitmap, with one bit per byte.
	m [1 << 16]*[1 << 16]*[1 << 16]*[(1 << 16) / 8]uint8
	n int
}

func (a *AddressSet) leaf(addr uint64, create bool) *[(1 << 16) / 8]uint8 {
	l1 := &a.m[addr>>48]
	if *l1 == nil {
		if !create {
			return nil
		}
		*l1 = new([1 << 16]*[1 << 16]*[(1 << 16) / 8]uint8)
	}
	l2 := &((*l1)[(addr>>32)&0xffff])
	if *l2 == nil {
		if !create {
			return nil
		}
		*l2 = new([1 << 16]*[(1 << 16) / 8]uint8)
	}
	l3 := &((*l2)[(addr>>16)&0xffff])
	if *l3 == nil {
		if !create {
			return nil
		}
		*l3 = new([(1 << 16) / 8]uint8)
	}
	return *l3
}

// Add adds a new address to the AddressSet.
//
// Returns true on success. That is, if the address
// was not already present in the set.
func (a *AddressSet) Add(addr uint64) bool {
	c := a.leaf(addr, true)
	i := addr & 0xffff
	mask := uint8(1) << (i % 8)
	if c[i/8]&mask != 0 {
		return false
	}
	c[i/8] |= mask
	a.n++
	return true
}

// Remove removes an address from the AddressSet.
//
// Returns true on success. That is, if the address
// was present in the set.
func (a *AddressSet) Remove(addr uint64) bool {
	c := a.leaf(addr, false)
	if c == nil {
		return false
	}
	i := addr & 0xffff
	mask := uint8(1) << (i % 8)
	if c[i/8]&mask == 0 {
		return false
	}
	c[i/8] &^= mask
	a.n--
	return true
}

// Contains reports whether addr is in the set.
func (a *AddressSet) Contains(addr uint64) bool {
	c := a.leaf(addr, false)
	if c == nil {
		return false
	}
	i := addr & 0xffff
	return c[i/8]&(uint8(1)<<(i%8)) != 0
}

// Len returns the number of addresses in the set.
func (a *AddressSet) Len() int {
	return a.n
}
