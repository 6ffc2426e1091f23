package kvclient

import (
	"time"

	"github.com/couchbaselabs/gocbclient/memd"
)

// kvRequest is one key/value operation as it travels through the dispatch
// pipeline. The vbucket id is stamped by routing just before dispatch so
// the server can verify the client's map.
type kvRequest struct {
	Command  memd.OpCode
	Datatype memd.DatatypeFlag
	Vbucket  uint16
	Cas      uint64

	Key    []byte
	Extras []byte
	Value  []byte

	// CollectionID is encoded into the key at send time when the
	// connection negotiated collections.
	CollectionID  uint32
	CollectionRef string

	DurabilityLevel   memd.DurabilityLevel
	DurabilityTimeout time.Duration

	// ReplicaIdx > 0 targets a replica read instead of the primary.
	ReplicaIdx int

	// RoutingKeyOnly marks the key as routing input that must not be
	// written to the wire (Observe carries the key in its value).
	RoutingKeyOnly bool

	// Mutation decides whether a timeout surfaces as ambiguous.
	Mutation bool

	// Timeout overrides the option-derived deadline when set.
	Timeout time.Duration
}

func (r *kvRequest) hasDurability() bool {
	return r.DurabilityLevel != memd.DurabilityLevelNone
}

// kvResponse is the decoded server response for one operation.
type kvResponse struct {
	Status         memd.StatusCode
	Datatype       memd.DatatypeFlag
	Cas            uint64
	Extras         []byte
	Key            []byte
	Value          []byte
	ServerDuration time.Duration
}

// MutationToken identifies a mutation's position in its vbucket's history,
// used for at-plus query consistency.
type MutationToken struct {
	VbID   uint16
	VbUUID uint64
	SeqNo  uint64
}
