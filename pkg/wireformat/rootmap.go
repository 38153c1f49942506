package wireformat

import (
	"bufio"
	"io"
)

// RootMapping describes a single substitute-root entry from the original
// wire format's drive-substitution block (mapping a drive letter to a
// target device/path). This target OS has no drive letters; the block is
// kept as a no-op passthrough codec so a launch-info blob produced on
// another platform round-trips losslessly through a pip that never reads
// the field, rather than being silently dropped.
type RootMapping struct {
	Root   string
	Target string
}

// WriteRootMappingBlock writes mappings as a compact-int count followed by
// paired nullable strings. Always empty in practice on this target, since
// nothing populates RootMapping, but the codec exists so an imported
// launch-info blob from another platform deserializes without error.
func WriteRootMappingBlock(w io.Writer, mappings []RootMapping) error {
	if err := WriteCompactInt(w, uint64(len(mappings))); err != nil {
		return err
	}
	for _, m := range mappings {
		root, target := m.Root, m.Target
		if err := WriteNullableString(w, &root); err != nil {
			return err
		}
		if err := WriteNullableString(w, &target); err != nil {
			return err
		}
	}
	return nil
}

// ReadRootMappingBlock is the inverse of WriteRootMappingBlock.
func ReadRootMappingBlock(r *bufio.Reader) ([]RootMapping, error) {
	n, err := ReadCompactInt(r)
	if err != nil {
		return nil, err
	}
	out := make([]RootMapping, 0, n)
	for i := uint64(0); i < n; i++ {
		root, err := ReadNullableString(r)
		if err != nil {
			return nil, err
		}
		target, err := ReadNullableString(r)
		if err != nil {
			return nil, err
		}
		m := RootMapping{}
		if root != nil {
			m.Root = *root
		}
		if target != nil {
			m.Target = *target
		}
		out = append(out, m)
	}
	return out, nil
}
