// Copyright 2020 The Go Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package main

import "golang.org/x/exp/slices"

// sizeHist counts dynamic allocations by size. Sizes up to smallSizes
// have dense bins.
type sizeHist struct {
	small [smallSizes + 1]uint64
	large map[uint64]uint64
	total uint64
}

const smallSizes = 4 << 10

func newSizeHist() *sizeHist {
	return &sizeHist{
		large: make(map[uint64]uint64),
	}
}

func (s *sizeHist) add(size uint64) {
	s.total++
	if size <= smallSizes {
		s.small[size]++
		return
	}
	s.large[size]++
}

// forEach calls f for every size with a non-zero count, in increasing
// size order.
func (s *sizeHist) forEach(f func(size, count uint64)) {
	for i, n := range s.small {
		if n != 0 {
			f(uint64(i), n)
		}
	}
	sizes := make([]uint64, 0, len(s.large))
	for size := range s.large {
		sizes = append(sizes, size)
	}
	slices.Sort(sizes)
	for _, size := range sizes {
		f(size, s.large[size])
	}
}
