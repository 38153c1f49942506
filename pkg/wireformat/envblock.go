package wireformat

import (
	"bufio"
	"fmt"
	"io"
	"sort"
)

// WriteEnvironmentBlock writes env (a set of NAME=VALUE pairs) as a
// compact-int count followed by that many nullable strings. The original
// wire format packs these as a single UTF-16 double-NUL-terminated block;
// this target's interposition layer has no UTF-16 ABI to match, so pairs
// are written as individual UTF-8 "nullstr" entries instead, keeping the
// rest of the framing (count-prefixed, nullable per entry) identical.
// Entries are sorted for a deterministic encoding.
func WriteEnvironmentBlock(w io.Writer, env map[string]string) error {
	keys := make([]string, 0, len(env))
	for k := range env {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	if err := WriteCompactInt(w, uint64(len(keys))); err != nil {
		return fmt.Errorf("wireformat: write env count: %w", err)
	}
	for _, k := range keys {
		entry := k + "=" + env[k]
		if err := WriteNullableString(w, &entry); err != nil {
			return fmt.Errorf("wireformat: write env entry: %w", err)
		}
	}
	return nil
}

// ReadEnvironmentBlock is the inverse of WriteEnvironmentBlock.
func ReadEnvironmentBlock(r *bufio.Reader) (map[string]string, error) {
	n, err := ReadCompactInt(r)
	if err != nil {
		return nil, fmt.Errorf("wireformat: read env count: %w", err)
	}
	env := make(map[string]string, n)
	for i := uint64(0); i < n; i++ {
		entry, err := ReadNullableString(r)
		if err != nil {
			return nil, fmt.Errorf("wireformat: read env entry %d: %w", i, err)
		}
		if entry == nil {
			continue
		}
		for j := 0; j < len(*entry); j++ {
			if (*entry)[j] == '=' {
				env[(*entry)[:j]] = (*entry)[j+1:]
				break
			}
		}
	}
	return env, nil
}
