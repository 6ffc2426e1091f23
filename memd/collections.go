package memd

import "errors"

var ErrBadCollectionID = errors.New("malformed collection id prefix")

// AppendCollectionID prefixes a document key with its unsigned-LEB128
// encoded collection id, as required once collections are negotiated.
func AppendCollectionID(dst []byte, cid uint32, key []byte) []byte {
	for {
		b := byte(cid & 0x7f)
		cid >>= 7
		if cid != 0 {
			dst = append(dst, b|0x80)
			continue
		}
		dst = append(dst, b)
		break
	}
	return append(dst, key...)
}

// DecodeCollectionID splits a collection-prefixed key back into its id and
// the raw key.
func DecodeCollectionID(key []byte) (uint32, []byte, error) {
	var cid uint32
	for i := 0; i < len(key); i++ {
		if i > 4 {
			return 0, nil, ErrBadCollectionID
		}
		cid |= uint32(key[i]&0x7f) << (7 * i)
		if key[i]&0x80 == 0 {
			return cid, key[i+1:], nil
		}
	}
	return 0, nil, ErrBadCollectionID
}
