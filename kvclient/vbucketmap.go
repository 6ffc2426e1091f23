package kvclient

import (
	"fmt"
	"hash/crc32"
)

// vbucketMap routes keys for a document bucket. It is immutable once
// built; topology changes swap in a replacement wholesale.
type vbucketMap struct {
	entries     [][]int
	numReplicas int
}

func newVbucketMap(entries [][]int, numReplicas int) (*vbucketMap, error) {
	if len(entries) == 0 {
		return nil, fmt.Errorf("vbucket map has no entries")
	}
	return &vbucketMap{
		entries:     entries,
		numReplicas: numReplicas,
	}, nil
}

func (m *vbucketMap) NumVbuckets() int {
	return len(m.entries)
}

func (m *vbucketMap) NumReplicas() int {
	return m.numReplicas
}

// VbucketForKey hashes a key to its vbucket. This is the server's
// documented hash: CRC32-IEEE folded to 15 bits, modulo the vbucket count.
func (m *vbucketMap) VbucketForKey(key []byte) uint16 {
	crc := crc32.ChecksumIEEE(key)
	return uint16(((crc >> 16) & 0x7fff) % uint32(len(m.entries)))
}

// NodeForVbucket resolves a vbucket to a server index. replicaIdx 0 is the
// primary; i selects replica i-1. Returns -1 when no server holds that
// position.
func (m *vbucketMap) NodeForVbucket(vbID uint16, replicaIdx int) int {
	if int(vbID) >= len(m.entries) {
		return -1
	}
	entry := m.entries[vbID]
	if replicaIdx >= len(entry) {
		return -1
	}
	return entry[replicaIdx]
}

// NodeForKey routes a key directly to a server index along with the
// vbucket id the op must be dispatched against.
func (m *vbucketMap) NodeForKey(key []byte, replicaIdx int) (int, uint16) {
	vbID := m.VbucketForKey(key)
	return m.NodeForVbucket(vbID, replicaIdx), vbID
}
