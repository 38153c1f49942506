// Package wireformat implements the fixed binary codecs described in
// spec.md §6: the detouring-status record, the environment block, the
// root-mapping block, and the primitives (compact-ints, fixed-width
// integers, bools, nullable strings) that pkg/accessreport builds the
// access-record serialization format from. All integers
// are little-endian; the package leans on encoding/binary throughout,
// matching how every codec-writing repo in the retrieval pack (trace2dataset,
// the various container-runtime process wire formats) does wire I/O —
// explicit field-by-field Write calls, no reflection-based codecs.
package wireformat

import (
	"encoding/binary"
	"fmt"
	"io"
)

// WriteCompactInt writes v using the standard LEB128-style varint encoding
// (the "compact-int" of spec §6): 7 bits of payload per byte, high bit set
// on every byte but the last.
func WriteCompactInt(w io.Writer, v uint64) error {
	var buf [binary.MaxVarintLen64]byte
	n := binary.PutUvarint(buf[:], v)
	_, err := w.Write(buf[:n])
	return err
}

// ReadCompactInt reads a value written by WriteCompactInt.
func ReadCompactInt(r io.ByteReader) (uint64, error) {
	v, err := binary.ReadUvarint(r)
	if err != nil {
		return 0, fmt.Errorf("wireformat: read compact-int: %w", err)
	}
	return v, nil
}
