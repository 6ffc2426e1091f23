package memd

import (
	"fmt"

	"github.com/golang/snappy"
)

// DecodeValue undoes the compression layer of a response value based on the
// packet's datatype flags. JSON and xattr flags are left for the caller.
func DecodeValue(datatype DatatypeFlag, value []byte) (DatatypeFlag, []byte, error) {
	if datatype&DatatypeFlagCompressed == 0 {
		return datatype, value, nil
	}

	decoded, err := snappy.Decode(nil, value)
	if err != nil {
		return datatype, nil, fmt.Errorf("failed to decompress value: %w", err)
	}
	return datatype &^ DatatypeFlagCompressed, decoded, nil
}

// EncodeValue compresses the value when compression was negotiated and the
// payload is large enough to benefit.
func EncodeValue(datatype DatatypeFlag, value []byte, allowCompression bool) (DatatypeFlag, []byte) {
	const compressionFloor = 32

	if !allowCompression || len(value) < compressionFloor {
		return datatype, value
	}

	compressed := snappy.Encode(nil, value)
	if len(compressed) >= len(value) {
		return datatype, value
	}
	return datatype | DatatypeFlagCompressed, compressed
}
