// Package fmtt formats error chains for diagnostics logging.
package fmtt

import (
	"errors"
	"fmt"
	"reflect"

	"github.com/davecgh/go-spew/spew"
)

// Chain renders each layer of err's Unwrap chain as "[i] type: message",
// outermost first. Used to attach a readable trail to dev-mode error logs
// without relying on the error's own Error() string having kept the detail.
func Chain(err error) []string {
	if err == nil {
		return nil
	}
	var out []string
	for i, e := 0, err; e != nil; i, e = i+1, errors.Unwrap(e) {
		out = append(out, fmt.Sprintf("[%d] %T: %v", i, e, e))
	}
	return out
}

// Dump spew-dumps the innermost error in err's chain. Struct fields are
// unwrapped one level so the dump shows the concrete error's own fields
// rather than just the pointer/interface wrapper.
func Dump(err error) string {
	var innermost error
	for e := err; e != nil; e = errors.Unwrap(e) {
		innermost = e
	}
	if innermost == nil {
		return "<nil>"
	}

	rv := reflect.ValueOf(innermost)
	rt := reflect.TypeOf(innermost)
	if rt.Kind() == reflect.Ptr && !rv.IsNil() {
		rv = rv.Elem()
		rt = rt.Elem()
	}
	if rt.Kind() != reflect.Struct {
		return spew.Sdump(innermost)
	}
	return spew.Sdump(rv.Interface())
}
