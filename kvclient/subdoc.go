package kvclient

import (
	"context"
	"encoding/binary"
	"fmt"
	"time"

	"github.com/couchbaselabs/gocbclient/memd"
)

// SubDocOp is one path-scoped operation inside a multi lookup/mutation.
type SubDocOp struct {
	Op    memd.OpCode
	Flags memd.SubdocFlag
	Path  string
	Value []byte
}

// SubDocResult is the per-spec outcome. Path errors live here; they do not
// fail the surrounding operation.
type SubDocResult struct {
	Err   error
	Value []byte
}

// SubDocLookupResult is the outcome of a LookupIn.
type SubDocLookupResult struct {
	Cas uint64
	Ops []SubDocResult
}

// ContentAt surfaces the spec's value or its path error.
func (r *SubDocLookupResult) ContentAt(idx int) ([]byte, error) {
	if idx < 0 || idx >= len(r.Ops) {
		return nil, fmt.Errorf("%w: spec index %d out of range", ErrInvalidArgument, idx)
	}
	op := r.Ops[idx]
	if op.Err != nil {
		return nil, op.Err
	}
	return op.Value, nil
}

// SubDocMutateResult is the outcome of a MutateIn.
type SubDocMutateResult struct {
	Cas           uint64
	MutationToken *MutationToken
	Ops           []SubDocResult
}

// ContentAt surfaces a mutation spec's returned value (counters) or its
// path error.
func (r *SubDocMutateResult) ContentAt(idx int) ([]byte, error) {
	if idx < 0 || idx >= len(r.Ops) {
		return nil, fmt.Errorf("%w: spec index %d out of range", ErrInvalidArgument, idx)
	}
	op := r.Ops[idx]
	if op.Err != nil {
		return nil, op.Err
	}
	return op.Value, nil
}

// LookupInOptions tunes a LookupIn.
type LookupInOptions struct {
	CollectionRef string
	DocFlags      memd.SubdocDocFlag
	Timeout       time.Duration
}

// MutateInOptions tunes a MutateIn.
type MutateInOptions struct {
	CollectionRef     string
	DocFlags          memd.SubdocDocFlag
	Expiry            uint32
	Cas               uint64
	DurabilityLevel   memd.DurabilityLevel
	DurabilityTimeout time.Duration
	Timeout           time.Duration
}

func encodeLookupSpecs(ops []SubDocOp) []byte {
	var size int
	for _, op := range ops {
		size += 4 + len(op.Path)
	}

	value := make([]byte, 0, size)
	for _, op := range ops {
		value = append(value, byte(op.Op), byte(op.Flags))
		value = binary.BigEndian.AppendUint16(value, uint16(len(op.Path)))
		value = append(value, op.Path...)
	}
	return value
}

func encodeMutationSpecs(ops []SubDocOp) []byte {
	var size int
	for _, op := range ops {
		size += 8 + len(op.Path) + len(op.Value)
	}

	value := make([]byte, 0, size)
	for _, op := range ops {
		value = append(value, byte(op.Op), byte(op.Flags))
		value = binary.BigEndian.AppendUint16(value, uint16(len(op.Path)))
		value = binary.BigEndian.AppendUint32(value, uint32(len(op.Value)))
		value = append(value, op.Path...)
		value = append(value, op.Value...)
	}
	return value
}

// LookupIn reads multiple paths of one document in a single round trip.
func (b *Bucket) LookupIn(ctx context.Context, key []byte, ops []SubDocOp, opts LookupInOptions) (*SubDocLookupResult, error) {
	if len(ops) == 0 {
		return nil, fmt.Errorf("%w: no lookup specs", ErrInvalidArgument)
	}

	var extras []byte
	if opts.DocFlags != memd.SubdocDocFlagNone {
		extras = []byte{byte(opts.DocFlags)}
	}

	res, err := b.Send(ctx, &kvRequest{
		Command:       memd.CmdSubDocMultiLookup,
		Key:           key,
		Extras:        extras,
		Value:         encodeLookupSpecs(ops),
		CollectionRef: opts.CollectionRef,
		Timeout:       opts.Timeout,
	})
	if err != nil {
		return nil, err
	}

	result := &SubDocLookupResult{
		Cas: res.Cas,
		Ops: make([]SubDocResult, len(ops)),
	}

	// value is a run of (status(2), valuelen(4), value) per spec, in order
	body := res.Value
	for i := range result.Ops {
		if len(body) < 6 {
			return nil, fmt.Errorf("truncated multi-lookup response at spec %d", i)
		}
		status := memd.StatusCode(binary.BigEndian.Uint16(body))
		valueLen := int(binary.BigEndian.Uint32(body[2:]))
		body = body[6:]
		if len(body) < valueLen {
			return nil, fmt.Errorf("truncated multi-lookup value at spec %d", i)
		}

		result.Ops[i] = SubDocResult{
			Err:   subdocStatusToError(status),
			Value: body[:valueLen],
		}
		body = body[valueLen:]
	}

	return result, nil
}

// MutateIn applies multiple path mutations to one document atomically.
func (b *Bucket) MutateIn(ctx context.Context, key []byte, ops []SubDocOp, opts MutateInOptions) (*SubDocMutateResult, error) {
	if len(ops) == 0 {
		return nil, fmt.Errorf("%w: no mutation specs", ErrInvalidArgument)
	}

	var extras []byte
	if opts.Expiry != 0 {
		extras = binary.BigEndian.AppendUint32(extras, opts.Expiry)
	}
	if opts.DocFlags != memd.SubdocDocFlagNone {
		extras = append(extras, byte(opts.DocFlags))
	}

	req := &kvRequest{
		Command:           memd.CmdSubDocMultiMutation,
		Key:               key,
		Extras:            extras,
		Value:             encodeMutationSpecs(ops),
		Cas:               opts.Cas,
		CollectionRef:     opts.CollectionRef,
		DurabilityLevel:   opts.DurabilityLevel,
		DurabilityTimeout: opts.DurabilityTimeout,
		Timeout:           opts.Timeout,
		Mutation:          true,
	}

	res, err := b.Send(ctx, req)
	if err != nil {
		return nil, err
	}

	result := &SubDocMutateResult{
		Cas: res.Cas,
		Ops: make([]SubDocResult, len(ops)),
	}
	if len(res.Extras) >= 16 {
		result.MutationToken = &MutationToken{
			VbID:   req.Vbucket,
			VbUUID: binary.BigEndian.Uint64(res.Extras),
			SeqNo:  binary.BigEndian.Uint64(res.Extras[8:]),
		}
	}

	// mutation responses only carry entries for specs that failed or
	// returned a value: (index(1), status(2), [valuelen(4), value])
	body := res.Value
	for len(body) >= 3 {
		idx := int(body[0])
		status := memd.StatusCode(binary.BigEndian.Uint16(body[1:]))
		body = body[3:]

		if idx >= len(result.Ops) {
			return nil, fmt.Errorf("multi-mutation response references spec %d", idx)
		}

		if status == memd.StatusSuccess {
			if len(body) < 4 {
				return nil, fmt.Errorf("truncated multi-mutation value at spec %d", idx)
			}
			valueLen := int(binary.BigEndian.Uint32(body))
			body = body[4:]
			if len(body) < valueLen {
				return nil, fmt.Errorf("truncated multi-mutation value at spec %d", idx)
			}
			result.Ops[idx].Value = body[:valueLen]
			body = body[valueLen:]
			continue
		}

		result.Ops[idx].Err = subdocStatusToError(status)
	}

	return result, nil
}
