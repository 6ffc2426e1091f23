package kvclient

import (
	"errors"
	"fmt"

	"github.com/couchbaselabs/gocbclient/memd"
)

var (
	ErrNotFound        = errors.New("document not found")
	ErrExists          = errors.New("document exists")
	ErrCasMismatch     = errors.New("cas mismatch")
	ErrValueTooLarge   = errors.New("value too large")
	ErrInvalidArgument = errors.New("invalid argument")
	ErrTemporary       = errors.New("temporary failure")
	ErrLocked          = errors.New("document locked")

	ErrTimeout            = errors.New("operation timed out")
	ErrAmbiguousTimeout   = fmt.Errorf("%w (ambiguous)", ErrTimeout)
	ErrUnambiguousTimeout = fmt.Errorf("%w (unambiguous)", ErrTimeout)
	ErrCancelled          = errors.New("operation cancelled")

	ErrAuthenticationFailure = errors.New("authentication failure")

	ErrDurabilityInvalidLevel = errors.New("invalid durability level")
	ErrDurabilityImpossible   = errors.New("durability impossible")
	ErrSyncWriteInProgress    = errors.New("sync write in progress")
	ErrSyncWriteAmbiguous     = errors.New("sync write ambiguous")

	ErrNotMyVBucket       = errors.New("not my vbucket")
	ErrCollectionOutdated = errors.New("collection id outdated")
	ErrCircuitOpen        = errors.New("circuit breaker open")
	ErrServiceMissing     = errors.New("no node hosts the requested service")
	ErrBucketNotFound     = errors.New("bucket not found")

	ErrConnectionClosed = errors.New("connection closed")
	ErrPoolDisposed     = errors.New("connection pool disposed")
	ErrShutdown         = errors.New("cluster context closed")

	ErrInternalServerError = errors.New("internal server error")
	ErrUnknownStatus       = errors.New("unknown status code")
)

// Sub-document path errors attach to an individual lookup/mutation spec;
// the surrounding operation still succeeds.
var (
	ErrPathNotFound = errors.New("subdoc path not found")
	ErrPathMismatch = errors.New("subdoc path mismatch")
	ErrPathInvalid  = errors.New("subdoc path invalid")
	ErrPathTooBig   = errors.New("subdoc path too big")
	ErrDocTooDeep   = errors.New("subdoc document too deep")
	ErrCannotInsert = errors.New("subdoc cannot insert")
	ErrDocNotJson   = errors.New("subdoc document is not json")
	ErrNumRange     = errors.New("subdoc number out of range")
	ErrDeltaRange   = errors.New("subdoc delta out of range")
	ErrPathExists   = errors.New("subdoc path exists")
	ErrValueTooDeep = errors.New("subdoc value too deep")
	ErrInvalidCombo = errors.New("subdoc invalid spec combination")
)

// KvError decorates a status-mapped error with the context of the request
// that produced it and the server's error-map metadata when available.
type KvError struct {
	InnerError       error
	Status           memd.StatusCode
	Opcode           memd.OpCode
	Opaque           uint32
	ErrorName        string
	ErrorDescription string
	Retriable        bool
}

func (e *KvError) Error() string {
	if e.ErrorName != "" {
		return fmt.Sprintf("%s (status: 0x%04x, server: %s)",
			e.InnerError.Error(), uint16(e.Status), e.ErrorName)
	}
	return fmt.Sprintf("%s (status: 0x%04x)", e.InnerError.Error(), uint16(e.Status))
}

func (e *KvError) Unwrap() error {
	return e.InnerError
}

// statusToError maps a response status to its base error kind. CAS
// mismatch shares a status with Exists and is distinguished by whether the
// request carried a CAS.
func statusToError(status memd.StatusCode, wasCasOp bool) error {
	switch status {
	case memd.StatusKeyNotFound:
		return ErrNotFound
	case memd.StatusKeyExists:
		if wasCasOp {
			return ErrCasMismatch
		}
		return ErrExists
	case memd.StatusTooBig:
		return ErrValueTooLarge
	case memd.StatusInvalidArgs:
		return ErrInvalidArgument
	case memd.StatusTmpFail, memd.StatusBusy, memd.StatusOutOfMemory, memd.StatusNotInitialized:
		return ErrTemporary
	case memd.StatusLocked:
		return ErrLocked
	case memd.StatusNotMyVBucket:
		return ErrNotMyVBucket
	case memd.StatusCollectionUnknown, memd.StatusScopeUnknown:
		return ErrCollectionOutdated
	case memd.StatusAuthError, memd.StatusAuthStale, memd.StatusAuthContinue, memd.StatusAccessError:
		return ErrAuthenticationFailure
	case memd.StatusDurabilityInvalidLevel:
		return ErrDurabilityInvalidLevel
	case memd.StatusDurabilityImpossible:
		return ErrDurabilityImpossible
	case memd.StatusSyncWriteInProgress:
		return ErrSyncWriteInProgress
	case memd.StatusSyncWriteAmbiguous:
		return ErrSyncWriteAmbiguous
	case memd.StatusInternalError:
		return ErrInternalServerError
	default:
		return ErrUnknownStatus
	}
}

// subdocStatusToError maps a per-path sub-document status.
func subdocStatusToError(status memd.StatusCode) error {
	switch status {
	case memd.StatusSuccess:
		return nil
	case memd.StatusSubDocPathNotFound:
		return ErrPathNotFound
	case memd.StatusSubDocPathMismatch:
		return ErrPathMismatch
	case memd.StatusSubDocPathInvalid:
		return ErrPathInvalid
	case memd.StatusSubDocPathTooBig:
		return ErrPathTooBig
	case memd.StatusSubDocDocTooDeep:
		return ErrDocTooDeep
	case memd.StatusSubDocCantInsert:
		return ErrCannotInsert
	case memd.StatusSubDocNotJSON:
		return ErrDocNotJson
	case memd.StatusSubDocBadRange:
		return ErrNumRange
	case memd.StatusSubDocBadDelta:
		return ErrDeltaRange
	case memd.StatusSubDocPathExists:
		return ErrPathExists
	case memd.StatusSubDocValueTooDeep:
		return ErrValueTooDeep
	case memd.StatusSubDocBadCombo:
		return ErrInvalidCombo
	default:
		return statusToError(status, false)
	}
}

// isRetriableStatus holds the fixed client-side retry table; the server
// error map can extend but never shrink it.
func isRetriableStatus(status memd.StatusCode) bool {
	switch status {
	case memd.StatusTmpFail, memd.StatusBusy, memd.StatusOutOfMemory,
		memd.StatusNotMyVBucket, memd.StatusSyncWriteInProgress,
		memd.StatusNotInitialized:
		return true
	default:
		return false
	}
}
