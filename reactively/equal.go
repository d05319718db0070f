package reactively

import (
	"errors"
	"fmt"
	"reflect"
)

var ErrReadonly = errors.New("reactively: write to a computed value")

type TypeError struct {
	Want reflect.Type
	Got  reflect.Type
}

func (e *TypeError) Error() string {
	return fmt.Sprintf("reactively: cannot write %v into a cell of %v", e.Got, e.Want)
}

// Equal compares with == when the dynamic types are comparable scalars or
// pointers and falls back to reflect.DeepEqual for maps, slices, structs and
// arrays. Functions are never equal to each other.
func Equal[T any](a, b T) bool {
	va, vb := any(a), any(b)
	if va == nil || vb == nil {
		return va == nil && vb == nil
	}
	ta := reflect.TypeOf(va)
	if ta != reflect.TypeOf(vb) {
		return false
	}
	switch ta.Kind() {
	case reflect.Func:
		return false
	case reflect.Map, reflect.Slice, reflect.Struct, reflect.Array, reflect.Interface:
		return reflect.DeepEqual(va, vb)
	default:
		return va == vb
	}
}
