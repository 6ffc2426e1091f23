package kvclient

import (
	"context"
	"encoding/binary"
	"time"

	"github.com/couchbaselabs/gocbclient/memd"
)

// GetResult is the outcome of any read returning a document body.
type GetResult struct {
	Value    []byte
	Flags    uint32
	Datatype memd.DatatypeFlag
	Cas      uint64
}

// MutationResult is the outcome of a successful mutation. The mutation
// token is populated when mutation tokens were negotiated.
type MutationResult struct {
	Cas           uint64
	MutationToken *MutationToken
}

// CounterResult is the outcome of an increment or decrement.
type CounterResult struct {
	Value         uint64
	Cas           uint64
	MutationToken *MutationToken
}

// GetOptions tunes a read.
type GetOptions struct {
	CollectionRef string
	ReplicaIdx    int
	Timeout       time.Duration
}

// MutateOptions tunes a write.
type MutateOptions struct {
	CollectionRef     string
	Flags             uint32
	Expiry            uint32
	Cas               uint64
	DurabilityLevel   memd.DurabilityLevel
	DurabilityTimeout time.Duration
	Timeout           time.Duration
}

func (o MutateOptions) applyTo(req *kvRequest) {
	req.CollectionRef = o.CollectionRef
	req.Cas = o.Cas
	req.DurabilityLevel = o.DurabilityLevel
	req.DurabilityTimeout = o.DurabilityTimeout
	req.Timeout = o.Timeout
	req.Mutation = true
}

func decodeGetResult(res *kvResponse) *GetResult {
	result := &GetResult{
		Value:    res.Value,
		Datatype: res.Datatype,
		Cas:      res.Cas,
	}
	if len(res.Extras) >= 4 {
		result.Flags = binary.BigEndian.Uint32(res.Extras)
	}
	return result
}

func decodeMutationResult(res *kvResponse, vbID uint16) *MutationResult {
	result := &MutationResult{Cas: res.Cas}
	if len(res.Extras) >= 16 {
		result.MutationToken = &MutationToken{
			VbID:   vbID,
			VbUUID: binary.BigEndian.Uint64(res.Extras),
			SeqNo:  binary.BigEndian.Uint64(res.Extras[8:]),
		}
	}
	return result
}

// Get fetches a document.
func (b *Bucket) Get(ctx context.Context, key []byte, opts GetOptions) (*GetResult, error) {
	command := memd.CmdGet
	if opts.ReplicaIdx > 0 {
		command = memd.CmdGetReplica
	}

	res, err := b.Send(ctx, &kvRequest{
		Command:       command,
		Key:           key,
		CollectionRef: opts.CollectionRef,
		ReplicaIdx:    opts.ReplicaIdx,
		Timeout:       opts.Timeout,
	})
	if err != nil {
		return nil, err
	}
	return decodeGetResult(res), nil
}

// GetAndTouch fetches a document and updates its expiry in one round trip.
func (b *Bucket) GetAndTouch(ctx context.Context, key []byte, expiry uint32, opts GetOptions) (*GetResult, error) {
	extras := make([]byte, 4)
	binary.BigEndian.PutUint32(extras, expiry)

	res, err := b.Send(ctx, &kvRequest{
		Command:       memd.CmdGAT,
		Key:           key,
		Extras:        extras,
		CollectionRef: opts.CollectionRef,
		Timeout:       opts.Timeout,
		Mutation:      true,
	})
	if err != nil {
		return nil, err
	}
	return decodeGetResult(res), nil
}

// GetAndLock fetches a document and write-locks it for lockTime seconds.
func (b *Bucket) GetAndLock(ctx context.Context, key []byte, lockTime uint32, opts GetOptions) (*GetResult, error) {
	extras := make([]byte, 4)
	binary.BigEndian.PutUint32(extras, lockTime)

	res, err := b.Send(ctx, &kvRequest{
		Command:       memd.CmdGetLocked,
		Key:           key,
		Extras:        extras,
		CollectionRef: opts.CollectionRef,
		Timeout:       opts.Timeout,
	})
	if err != nil {
		return nil, err
	}
	return decodeGetResult(res), nil
}

// Unlock releases a lock taken by GetAndLock; the cas must be the one the
// lock returned.
func (b *Bucket) Unlock(ctx context.Context, key []byte, cas uint64, opts GetOptions) error {
	_, err := b.Send(ctx, &kvRequest{
		Command:       memd.CmdUnlockKey,
		Key:           key,
		Cas:           cas,
		CollectionRef: opts.CollectionRef,
		Timeout:       opts.Timeout,
	})
	return err
}

// Touch updates a document's expiry without fetching it.
func (b *Bucket) Touch(ctx context.Context, key []byte, expiry uint32, opts MutateOptions) (*MutationResult, error) {
	extras := make([]byte, 4)
	binary.BigEndian.PutUint32(extras, expiry)

	req := &kvRequest{Command: memd.CmdTouch, Key: key, Extras: extras}
	opts.applyTo(req)

	res, err := b.Send(ctx, req)
	if err != nil {
		return nil, err
	}
	return decodeMutationResult(res, req.Vbucket), nil
}

func (b *Bucket) store(ctx context.Context, command memd.OpCode, key, value []byte, datatype memd.DatatypeFlag, opts MutateOptions) (*MutationResult, error) {
	extras := make([]byte, 8)
	binary.BigEndian.PutUint32(extras, opts.Flags)
	binary.BigEndian.PutUint32(extras[4:], opts.Expiry)

	req := &kvRequest{
		Command:  command,
		Datatype: datatype,
		Key:      key,
		Extras:   extras,
		Value:    value,
	}
	opts.applyTo(req)

	res, err := b.Send(ctx, req)
	if err != nil {
		return nil, err
	}
	return decodeMutationResult(res, req.Vbucket), nil
}

// Upsert stores a document whether or not it exists.
func (b *Bucket) Upsert(ctx context.Context, key, value []byte, datatype memd.DatatypeFlag, opts MutateOptions) (*MutationResult, error) {
	return b.store(ctx, memd.CmdSet, key, value, datatype, opts)
}

// Insert stores a document only when absent.
func (b *Bucket) Insert(ctx context.Context, key, value []byte, datatype memd.DatatypeFlag, opts MutateOptions) (*MutationResult, error) {
	return b.store(ctx, memd.CmdAdd, key, value, datatype, opts)
}

// Replace stores a document only when present, optionally CAS-guarded.
func (b *Bucket) Replace(ctx context.Context, key, value []byte, datatype memd.DatatypeFlag, opts MutateOptions) (*MutationResult, error) {
	return b.store(ctx, memd.CmdReplace, key, value, datatype, opts)
}

// Remove deletes a document, optionally CAS-guarded.
func (b *Bucket) Remove(ctx context.Context, key []byte, opts MutateOptions) (*MutationResult, error) {
	req := &kvRequest{Command: memd.CmdDelete, Key: key}
	opts.applyTo(req)

	res, err := b.Send(ctx, req)
	if err != nil {
		return nil, err
	}
	return decodeMutationResult(res, req.Vbucket), nil
}

// Append concatenates raw bytes onto the end of a document.
func (b *Bucket) Append(ctx context.Context, key, value []byte, opts MutateOptions) (*MutationResult, error) {
	req := &kvRequest{Command: memd.CmdAppend, Key: key, Value: value}
	opts.applyTo(req)

	res, err := b.Send(ctx, req)
	if err != nil {
		return nil, err
	}
	return decodeMutationResult(res, req.Vbucket), nil
}

// Prepend concatenates raw bytes onto the front of a document.
func (b *Bucket) Prepend(ctx context.Context, key, value []byte, opts MutateOptions) (*MutationResult, error) {
	req := &kvRequest{Command: memd.CmdPrepend, Key: key, Value: value}
	opts.applyTo(req)

	res, err := b.Send(ctx, req)
	if err != nil {
		return nil, err
	}
	return decodeMutationResult(res, req.Vbucket), nil
}

func (b *Bucket) counter(ctx context.Context, command memd.OpCode, key []byte, delta, initial uint64, opts MutateOptions) (*CounterResult, error) {
	extras := make([]byte, 20)
	binary.BigEndian.PutUint64(extras, delta)
	binary.BigEndian.PutUint64(extras[8:], initial)
	binary.BigEndian.PutUint32(extras[16:], opts.Expiry)

	req := &kvRequest{Command: command, Key: key, Extras: extras}
	opts.applyTo(req)

	res, err := b.Send(ctx, req)
	if err != nil {
		return nil, err
	}

	result := &CounterResult{Cas: res.Cas}
	if len(res.Value) >= 8 {
		result.Value = binary.BigEndian.Uint64(res.Value)
	}
	if len(res.Extras) >= 16 {
		result.MutationToken = &MutationToken{
			VbID:   req.Vbucket,
			VbUUID: binary.BigEndian.Uint64(res.Extras),
			SeqNo:  binary.BigEndian.Uint64(res.Extras[8:]),
		}
	}
	return result, nil
}

// Increment adds delta to a numeric document, seeding it with initial when
// absent and an expiry is given.
func (b *Bucket) Increment(ctx context.Context, key []byte, delta, initial uint64, opts MutateOptions) (*CounterResult, error) {
	return b.counter(ctx, memd.CmdIncrement, key, delta, initial, opts)
}

// Decrement subtracts delta from a numeric document.
func (b *Bucket) Decrement(ctx context.Context, key []byte, delta, initial uint64, opts MutateOptions) (*CounterResult, error) {
	return b.counter(ctx, memd.CmdDecrement, key, delta, initial, opts)
}

// ObserveResult reports a key's persistence state on one node.
type ObserveResult struct {
	KeyState uint8
	Cas      uint64
}

// Observe key states.
const (
	KeyStateNotPersisted = uint8(0x00)
	KeyStatePersisted    = uint8(0x01)
	KeyStateNotFound     = uint8(0x80)
	KeyStateDeleted      = uint8(0x81)
)

// Observe asks the key's primary node for its persistence state.
func (b *Bucket) Observe(ctx context.Context, key []byte, opts GetOptions) (*ObserveResult, error) {
	vbMap := b.vbMap.Load()
	if vbMap == nil {
		return nil, ErrServiceMissing
	}
	vbID := vbMap.VbucketForKey(key)

	value := make([]byte, 4+len(key))
	binary.BigEndian.PutUint16(value, vbID)
	binary.BigEndian.PutUint16(value[2:], uint16(len(key)))
	copy(value[4:], key)

	res, err := b.Send(ctx, &kvRequest{
		Command:        memd.CmdObserve,
		Key:            key,
		RoutingKeyOnly: true,
		Value:          value,
		Timeout:        opts.Timeout,
	})
	if err != nil {
		return nil, err
	}

	// response value: vbid(2) keylen(2) key keystate(1) cas(8)
	if len(res.Value) < 4+len(key)+9 {
		return nil, ErrInvalidArgument
	}
	body := res.Value[4+len(key):]
	return &ObserveResult{
		KeyState: body[0],
		Cas:      binary.BigEndian.Uint64(body[1:]),
	}, nil
}

// Noop pings the first node of the bucket's node list round-trip.
func (b *Bucket) Noop(ctx context.Context) error {
	nodes := b.Nodes()
	if len(nodes) == 0 {
		return ErrServiceMissing
	}
	_, err := nodes[0].Send(ctx, &kvRequest{Command: memd.CmdNoop})
	return err
}
