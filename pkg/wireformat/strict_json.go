package wireformat

import (
	"bytes"
	"encoding/json"
	"errors"
	"io"
	"strings"
)

var (
	// ErrEmptyBody is returned by DecodeStrictJSON when the request body has
	// no non-whitespace content.
	ErrEmptyBody = errors.New("wireformat: empty body")
	// ErrTrailingJSON is returned when the body contains more than one JSON
	// value (a pip configuration submission must be exactly one object).
	ErrTrailingJSON = errors.New("wireformat: trailing data after JSON value")
)

// maxStrictJSONBody caps how much of a body DecodeStrictJSON reads; input
// past this limit is cut off before decoding.
const maxStrictJSONBody = 1 << 20

// DecodeStrictJSON decodes exactly one JSON value from body into dst,
// rejecting empty bodies, unknown fields, type mismatches, and trailing
// data. The internal/diagnostics routes are all GET and take no body, so
// no handler there calls it.
func DecodeStrictJSON[T any](body io.Reader, dst *T) error {
	raw, err := io.ReadAll(io.LimitReader(body, maxStrictJSONBody))
	if err != nil {
		return err
	}
	if len(bytes.TrimSpace(raw)) == 0 {
		return ErrEmptyBody
	}

	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		return err
	}
	if err := dec.Decode(&struct{}{}); err != io.EOF {
		return ErrTrailingJSON
	}
	return nil
}

// NullableField is a tri-state JSON field: absent, explicit null, or a
// value, distinguishing "leave as default" from "clear this" from "set to
// this" for an optional request field.
type NullableField[T any] struct {
	set  bool
	null bool
	val  T
}

func (f NullableField[T]) IsSet() bool      { return f.set }
func (f NullableField[T]) IsNull() bool     { return f.set && f.null }
func (f NullableField[T]) Value() (T, bool) { return f.val, f.set && !f.null }

func (f *NullableField[T]) UnmarshalJSON(b []byte) error {
	if strings.TrimSpace(string(b)) == "null" {
		f.set, f.null = true, true
		var zero T
		f.val = zero
		return nil
	}
	var v T
	if err := json.Unmarshal(b, &v); err != nil {
		return err
	}
	f.set, f.null, f.val = true, false, v
	return nil
}
