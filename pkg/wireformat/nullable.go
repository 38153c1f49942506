package wireformat

import (
	"encoding/binary"
	"fmt"
	"io"
)

// WriteNullableString writes s as a "nullstr": a bool marker (1 = present)
// followed, when present, by a compact-int length and the raw UTF-8 bytes.
// An empty-but-present string and an absent string are distinct on the
// wire, matching the AccessRecord.Path / EnumeratePattern fields which are
// optional rather than merely possibly-empty.
func WriteNullableString(w io.Writer, s *string) error {
	if s == nil {
		_, err := w.Write([]byte{0})
		return err
	}
	if _, err := w.Write([]byte{1}); err != nil {
		return err
	}
	if err := WriteCompactInt(w, uint64(len(*s))); err != nil {
		return err
	}
	_, err := io.WriteString(w, *s)
	return err
}

// ReadNullableString is the inverse of WriteNullableString.
func ReadNullableString(r readerByteReader) (*string, error) {
	var marker [1]byte
	if _, err := io.ReadFull(r, marker[:]); err != nil {
		return nil, fmt.Errorf("wireformat: read nullstr marker: %w", err)
	}
	if marker[0] == 0 {
		return nil, nil
	}
	n, err := ReadCompactInt(r)
	if err != nil {
		return nil, fmt.Errorf("wireformat: read nullstr length: %w", err)
	}
	buf := make([]byte, n)
	if _, err := io.ReadFull(r, buf); err != nil {
		return nil, fmt.Errorf("wireformat: read nullstr body: %w", err)
	}
	s := string(buf)
	return &s, nil
}

// readerByteReader is the minimal interface our decoders need: sequential
// byte access (for varints) plus bulk reads.
type readerByteReader interface {
	io.Reader
	io.ByteReader
}

// WriteUint32 / WriteUint64 write fixed-width little-endian integers, used
// for the fields in spec §6 that are not compact-ints (error codes, bit
// sets, the USN).
func WriteUint32(w io.Writer, v uint32) error {
	var buf [4]byte
	binary.LittleEndian.PutUint32(buf[:], v)
	_, err := w.Write(buf[:])
	return err
}

func ReadUint32(r io.Reader) (uint32, error) {
	var buf [4]byte
	if _, err := io.ReadFull(r, buf[:]); err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint32(buf[:]), nil
}

func WriteUint64(w io.Writer, v uint64) error {
	var buf [8]byte
	binary.LittleEndian.PutUint64(buf[:], v)
	_, err := w.Write(buf[:])
	return err
}

func ReadUint64(r io.Reader) (uint64, error) {
	var buf [8]byte
	if _, err := io.ReadFull(r, buf[:]); err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint64(buf[:]), nil
}

func WriteBool(w io.Writer, v bool) error {
	b := byte(0)
	if v {
		b = 1
	}
	_, err := w.Write([]byte{b})
	return err
}

func ReadBool(r io.Reader) (bool, error) {
	var buf [1]byte
	if _, err := io.ReadFull(r, buf[:]); err != nil {
		return false, err
	}
	return buf[0] != 0, nil
}
