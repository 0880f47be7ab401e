package msgport

import (
	"fmt"
	"reflect"
	"strconv"
	"strings"
)

const (
	// MarkerToken is the payload value that stands for the first transferred Port.
	// Any payload leaf equal to it is replaced by that Port on the receiving side.
	MarkerToken = "__msgport:transfer:9f2c61d4-5b7e-4e0a-8c33-d1a7b05e6f48__"

	// ProxyChannelField is the field that carries a sub-channel correlation id in a
	// proxy reference on transports without native transfer
	ProxyChannelField = "__msgport:proxy-channel__"

	// MaxMarkerDepth bounds how deeply a payload is walked for markers
	MaxMarkerDepth = 128

	markerIndexSep = "#"
)

// IndexedMarker returns the marker for transfer[i]. Index 0 is MarkerToken itself.
func IndexedMarker(i int) string {
	if i == 0 {
		return MarkerToken
	}
	return MarkerToken + markerIndexSep + strconv.Itoa(i)
}

// ParseMarker returns the transfer index named by v, if v is a marker
func ParseMarker(v any) (int, bool) {
	s, ok := v.(string)
	if !ok || !strings.HasPrefix(s, MarkerToken) {
		return 0, false
	}
	rest := s[len(MarkerToken):]
	if rest == "" {
		return 0, true
	}
	if !strings.HasPrefix(rest, markerIndexSep) {
		return 0, false
	}
	i, err := strconv.Atoi(rest[len(markerIndexSep):])
	if err != nil || i < 1 {
		return 0, false
	}
	return i, true
}

// IsMarker returns true if v is a marker value
func IsMarker(v any) bool {
	_, ok := ParseMarker(v)
	return ok
}

// SubstitutePorts returns a copy of data in which every leaf marker is replaced by
// the Port it names in ports. Map keys and non-marker values are left alone.
// Containers are copied, so data itself is not modified.
func SubstitutePorts(data any, ports []Port) (any, error) {
	w := &walker{
		leaf: func(v any) (any, bool, error) {
			i, ok := ParseMarker(v)
			if !ok {
				return v, false, nil
			}
			if i >= len(ports) {
				return nil, true, fmt.Errorf("%w: marker for transfer[%d] but only %d ports supplied", ErrMisuse, i, len(ports))
			}
			return ports[i], true, nil
		},
	}
	return w.walk(data, 0)
}

// MarkPorts is the inverse of SubstitutePorts: it returns a copy of data in which
// every Port value is replaced by the marker for its index in transfer. A Port that
// is not listed in transfer is an error.
func MarkPorts(data any, transfer []Port) (any, error) {
	w := &walker{
		leaf: func(v any) (any, bool, error) {
			p, ok := v.(Port)
			if !ok {
				return v, false, nil
			}
			for i, t := range transfer {
				if t == p {
					return IndexedMarker(i), true, nil
				}
			}
			return nil, true, fmt.Errorf("%w: payload holds a port that is not listed for transfer", ErrMisuse)
		},
	}
	return w.walk(data, 0)
}

// ContainsMarker returns true if any leaf of data is a marker
func ContainsMarker(data any) bool {
	found := false
	w := &walker{
		leaf: func(v any) (any, bool, error) {
			if IsMarker(v) {
				found = true
			}
			return v, false, nil
		},
	}
	_, _ = w.walk(data, 0)
	return found
}

// walker copies mapping and sequence nodes while offering every value to leaf.
// It tracks the containers on the current path to reject self-referential payloads.
type walker struct {
	leaf   func(v any) (any, bool, error)
	active map[uintptr]struct{}
}

func (w *walker) enter(ptr uintptr) error {
	if w.active == nil {
		w.active = make(map[uintptr]struct{})
	}
	if _, ok := w.active[ptr]; ok {
		return ErrCyclicPayload
	}
	w.active[ptr] = struct{}{}
	return nil
}

func (w *walker) leave(ptr uintptr) {
	delete(w.active, ptr)
}

func (w *walker) walk(v any, depth int) (any, error) {
	if depth > MaxMarkerDepth {
		return nil, ErrPayloadTooDeep
	}
	nv, handled, err := w.leaf(v)
	if err != nil || handled {
		return nv, err
	}
	switch x := v.(type) {
	case nil, string, bool, float64, float32, int, int64, int32, uint, uint64, uint32:
		return v, nil
	case map[string]any:
		if x == nil {
			return v, nil
		}
		ptr := reflect.ValueOf(x).Pointer()
		if err := w.enter(ptr); err != nil {
			return nil, err
		}
		defer w.leave(ptr)
		out := make(map[string]any, len(x))
		for k, e := range x {
			ne, err := w.walk(e, depth+1)
			if err != nil {
				return nil, err
			}
			out[k] = ne
		}
		return out, nil
	case []any:
		if x == nil {
			return v, nil
		}
		if len(x) > 0 {
			ptr := reflect.ValueOf(x).Pointer()
			if err := w.enter(ptr); err != nil {
				return nil, err
			}
			defer w.leave(ptr)
		}
		out := make([]any, len(x))
		for i, e := range x {
			ne, err := w.walk(e, depth+1)
			if err != nil {
				return nil, err
			}
			out[i] = ne
		}
		return out, nil
	}
	return w.walkReflect(v, depth)
}

// walkReflect handles other maps with string keys, slices and arrays whose elements
// are interfaces. Containers of concrete element types cannot hold a Port and are
// returned unchanged.
func (w *walker) walkReflect(v any, depth int) (any, error) {
	rv := reflect.ValueOf(v)
	t := rv.Type()
	switch t.Kind() {
	case reflect.Map:
		if rv.IsNil() || t.Key().Kind() != reflect.String || t.Elem().Kind() != reflect.Interface {
			return v, nil
		}
		ptr := rv.Pointer()
		if err := w.enter(ptr); err != nil {
			return nil, err
		}
		defer w.leave(ptr)
		out := reflect.MakeMapWithSize(t, rv.Len())
		iter := rv.MapRange()
		for iter.Next() {
			ne, err := w.walkElem(iter.Value(), t.Elem(), depth)
			if err != nil {
				return nil, err
			}
			out.SetMapIndex(iter.Key(), ne)
		}
		return out.Interface(), nil
	case reflect.Slice, reflect.Array:
		if t.Elem().Kind() != reflect.Interface {
			return v, nil
		}
		var out reflect.Value
		if t.Kind() == reflect.Slice {
			if rv.IsNil() {
				return v, nil
			}
			if rv.Len() > 0 {
				ptr := rv.Pointer()
				if err := w.enter(ptr); err != nil {
					return nil, err
				}
				defer w.leave(ptr)
			}
			out = reflect.MakeSlice(t, rv.Len(), rv.Len())
		} else {
			out = reflect.New(t).Elem()
		}
		for i := 0; i < rv.Len(); i++ {
			ne, err := w.walkElem(rv.Index(i), t.Elem(), depth)
			if err != nil {
				return nil, err
			}
			out.Index(i).Set(ne)
		}
		return out.Interface(), nil
	}
	return v, nil
}

func (w *walker) walkElem(ev reflect.Value, elemType reflect.Type, depth int) (reflect.Value, error) {
	var e any
	if !ev.IsNil() {
		e = ev.Interface()
	}
	ne, err := w.walk(e, depth+1)
	if err != nil {
		return reflect.Value{}, err
	}
	if ne == nil {
		return reflect.Zero(elemType), nil
	}
	nv := reflect.ValueOf(ne)
	if !nv.Type().AssignableTo(elemType) {
		return reflect.Value{}, fmt.Errorf("%w: %s cannot hold %s", ErrMisuse, elemType, nv.Type())
	}
	return nv, nil
}
