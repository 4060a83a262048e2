package layout

import (
	"encoding/binary"
	"hash/fnv"
	"math"

	"github.com/elastic/go-freelru"
)

const sizeCacheCapacity = 256

type sizeKey struct {
	name    string
	version Version
	ptrSize int
}

func hashSizeKey(k sizeKey) uint32 {
	h := fnv.New32a()
	var b [9]byte
	binary.LittleEndian.PutUint64(b[:8], math.Float64bits(float64(k.version)))
	b[8] = byte(k.ptrSize)
	h.Write([]byte(k.name))
	h.Write(b[:])
	return h.Sum32()
}

// Sizes memoizes record sizes per (layout, version, pointer size). It must
// be purged whenever the version descriptor changes.
type Sizes struct {
	lru *freelru.LRU[sizeKey, int]
}

// NewSizes returns an empty size cache.
func NewSizes() *Sizes {
	lru, err := freelru.New[sizeKey, int](sizeCacheCapacity, hashSizeKey)
	if err != nil {
		// Only a zero capacity or a nil hash fail.
		panic(err)
	}
	return &Sizes{lru: lru}
}

// Of returns the padded size of l at version v.
func (s *Sizes) Of(l *Layout, v Version, ptrSize int) int {
	k := sizeKey{l.Name, v, ptrSize}
	if n, ok := s.lru.Get(k); ok {
		return n
	}
	_, n := l.Place(v, ptrSize)
	s.lru.Add(k, n)
	return n
}

// Len returns the number of cached entries.
func (s *Sizes) Len() int { return s.lru.Len() }

// Purge drops every cached size.
func (s *Sizes) Purge() { s.lru.Purge() }
