package kvclient

import (
	"crypto/md5"
	"fmt"
	"sort"
)

// ketamaMap is the consistent-hash ring used for memcached-style buckets,
// where there are no vbuckets to route by. Like the vbucket map it is
// immutable once built.
type ketamaMap struct {
	ring []ketamaPoint
}

type ketamaPoint struct {
	hash      uint32
	serverIdx int
}

// newKetamaMap places each server on the ring at 160 points (40 hashes,
// 4 points each), keyed by its address string.
func newKetamaMap(addresses []string) *ketamaMap {
	ring := make([]ketamaPoint, 0, len(addresses)*160)

	for serverIdx, address := range addresses {
		for i := 0; i < 40; i++ {
			digest := md5.Sum([]byte(fmt.Sprintf("%s-%d", address, i)))
			for p := 0; p < 4; p++ {
				point := uint32(digest[p*4+3])<<24 |
					uint32(digest[p*4+2])<<16 |
					uint32(digest[p*4+1])<<8 |
					uint32(digest[p*4])
				ring = append(ring, ketamaPoint{hash: point, serverIdx: serverIdx})
			}
		}
	}

	sort.Slice(ring, func(i, j int) bool {
		return ring[i].hash < ring[j].hash
	})

	return &ketamaMap{ring: ring}
}

func ketamaHash(key []byte) uint32 {
	digest := md5.Sum(key)
	return uint32(digest[3])<<24 |
		uint32(digest[2])<<16 |
		uint32(digest[1])<<8 |
		uint32(digest[0])
}

// NodeForKey walks clockwise from the key's hash to the next server point.
func (m *ketamaMap) NodeForKey(key []byte) int {
	if len(m.ring) == 0 {
		return -1
	}

	hash := ketamaHash(key)
	idx := sort.Search(len(m.ring), func(i int) bool {
		return m.ring[i].hash >= hash
	})
	if idx == len(m.ring) {
		idx = 0
	}
	return m.ring[idx].serverIdx
}
