package remote

import (
	"context"
	"encoding/json"
	"fmt"
	"reflect"
	"unicode"
	"unicode/utf8"

	"github.com/sammck-go/msgport/pkg/msgport"
)

var errorType = reflect.TypeOf((*error)(nil)).Elem()

// step resolves one path element on v: a method, a struct field or a map entry.
// A name starting with a lower case letter also matches its exported form.
func step(v reflect.Value, name string) (reflect.Value, error) {
	names := []string{name}
	if r, n := utf8.DecodeRuneInString(name); unicode.IsLower(r) {
		names = append(names, string(unicode.ToUpper(r))+name[n:])
	}
	for _, nm := range names {
		if out, ok := stepName(v, nm); ok {
			return out, nil
		}
	}
	return reflect.Value{}, fmt.Errorf("%w: no member %q on %s", msgport.ErrMisuse, name, v.Type())
}

func stepName(v reflect.Value, name string) (reflect.Value, bool) {
	for {
		if m := v.MethodByName(name); m.IsValid() {
			return m, true
		}
		if v.CanAddr() {
			if m := v.Addr().MethodByName(name); m.IsValid() {
				return m, true
			}
		}
		if v.Kind() != reflect.Pointer && v.Kind() != reflect.Interface {
			break
		}
		if v.IsNil() {
			return reflect.Value{}, false
		}
		v = v.Elem()
	}
	switch v.Kind() {
	case reflect.Struct:
		f, ok := v.Type().FieldByName(name)
		if !ok || !f.IsExported() {
			return reflect.Value{}, false
		}
		return v.FieldByIndex(f.Index), true
	case reflect.Map:
		if v.Type().Key().Kind() != reflect.String {
			return reflect.Value{}, false
		}
		e := v.MapIndex(reflect.ValueOf(name).Convert(v.Type().Key()))
		return e, e.IsValid()
	}
	return reflect.Value{}, false
}

// resolve walks path from root
func resolve(root any, path []string) (reflect.Value, error) {
	v := reflect.ValueOf(root)
	if !v.IsValid() {
		return v, fmt.Errorf("%w: nothing exposed", msgport.ErrMisuse)
	}
	for _, name := range path {
		var err error
		if v, err = step(v, name); err != nil {
			return v, err
		}
	}
	return v, nil
}

// assign stores value at path[len(path)-1] within root
func assign(root any, path []string, value any) error {
	if len(path) == 0 {
		return fmt.Errorf("%w: cannot assign to the exposed object itself", msgport.ErrMisuse)
	}
	parent, err := resolve(root, path[:len(path)-1])
	if err != nil {
		return err
	}
	name := path[len(path)-1]
	for parent.Kind() == reflect.Pointer || parent.Kind() == reflect.Interface {
		if parent.IsNil() {
			return fmt.Errorf("%w: nil value on path", msgport.ErrMisuse)
		}
		parent = parent.Elem()
	}
	switch parent.Kind() {
	case reflect.Struct:
		f, err := step(parent, name)
		if err != nil {
			return err
		}
		if !f.CanSet() {
			return fmt.Errorf("%w: member %q is not assignable", msgport.ErrMisuse, name)
		}
		nv, err := convert(value, f.Type())
		if err != nil {
			return err
		}
		f.Set(nv)
		return nil
	case reflect.Map:
		if parent.IsNil() || parent.Type().Key().Kind() != reflect.String {
			return fmt.Errorf("%w: map on path is not assignable", msgport.ErrMisuse)
		}
		nv, err := convert(value, parent.Type().Elem())
		if err != nil {
			return err
		}
		parent.SetMapIndex(reflect.ValueOf(name).Convert(parent.Type().Key()), nv)
		return nil
	}
	return fmt.Errorf("%w: cannot assign %q on %s", msgport.ErrMisuse, name, parent.Type())
}

// convert turns a received value into a reflect.Value of type t. A *Remote
// becomes a function when t is a function type.
func convert(v any, t reflect.Type) (reflect.Value, error) {
	if v == nil {
		return reflect.Zero(t), nil
	}
	rv := reflect.ValueOf(v)
	if rv.Type().AssignableTo(t) {
		return rv, nil
	}
	if r, ok := v.(*Remote); ok && t.Kind() == reflect.Func {
		return remoteFunc(r, t), nil
	}
	if isScalar(rv.Kind()) && isScalar(t.Kind()) && rv.Type().ConvertibleTo(t) {
		return rv.Convert(t), nil
	}
	b, err := json.Marshal(v)
	if err != nil {
		return reflect.Value{}, fmt.Errorf("%w: cannot use %T as %s", msgport.ErrMisuse, v, t)
	}
	p := reflect.New(t)
	if err := json.Unmarshal(b, p.Interface()); err != nil {
		return reflect.Value{}, fmt.Errorf("%w: cannot use %T as %s: %v", msgport.ErrMisuse, v, t, err)
	}
	return p.Elem(), nil
}

func isScalar(k reflect.Kind) bool {
	switch k {
	case reflect.Bool, reflect.String,
		reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64,
		reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64,
		reflect.Float32, reflect.Float64:
		return true
	}
	return false
}

// remoteFunc builds a function of type t that calls r. If t returns an error, call
// failures are reported through it; otherwise they are logged.
func remoteFunc(r *Remote, t reflect.Type) reflect.Value {
	return reflect.MakeFunc(t, func(in []reflect.Value) []reflect.Value {
		args := make([]any, len(in))
		for i, a := range in {
			args[i] = a.Interface()
		}
		if t.IsVariadic() && len(in) > 0 {
			last := in[len(in)-1]
			args = args[:len(args)-1]
			for i := 0; i < last.Len(); i++ {
				args = append(args, last.Index(i).Interface())
			}
		}
		res, err := r.Call(context.Background(), args...)
		out := make([]reflect.Value, t.NumOut())
		filled := false
		for i := range out {
			ot := t.Out(i)
			switch {
			case ot == errorType:
				out[i] = reflect.Zero(ot)
				if err != nil {
					out[i] = reflect.ValueOf(&err).Elem()
				}
			case !filled && err == nil:
				filled = true
				v, cerr := convert(res, ot)
				if cerr != nil {
					err = cerr
					v = reflect.Zero(ot)
				}
				out[i] = v
			default:
				out[i] = reflect.Zero(ot)
			}
		}
		if err != nil && (t.NumOut() == 0 || t.Out(t.NumOut()-1) != errorType) {
			r.link.WLogf("Call through %v failed: %s", r, err)
		}
		return out
	})
}

// invoke calls fn with args converted to its parameter types. The results other
// than a trailing error are returned as a single value, a slice, or nil. A panic
// in fn is returned as an error.
func invoke(fn reflect.Value, args []any) (result any, err error) {
	if fn.Kind() != reflect.Func {
		return nil, fmt.Errorf("%w: %s is not callable", msgport.ErrMisuse, fn.Type())
	}
	t := fn.Type()
	nFixed := t.NumIn()
	if t.IsVariadic() {
		nFixed--
		if len(args) < nFixed {
			return nil, fmt.Errorf("%w: %s needs at least %d arguments, got %d", msgport.ErrMisuse, t, nFixed, len(args))
		}
	} else if len(args) != nFixed {
		return nil, fmt.Errorf("%w: %s needs %d arguments, got %d", msgport.ErrMisuse, t, nFixed, len(args))
	}
	in := make([]reflect.Value, len(args))
	for i, a := range args {
		var pt reflect.Type
		if i < nFixed {
			pt = t.In(i)
		} else {
			pt = t.In(t.NumIn() - 1).Elem()
		}
		v, err := convert(a, pt)
		if err != nil {
			return nil, fmt.Errorf("argument %d: %w", i, err)
		}
		in[i] = v
	}
	defer func() {
		if r := recover(); r != nil {
			result, err = nil, fmt.Errorf("%s panicked: %v", t, r)
		}
	}()
	out := fn.Call(in)
	if n := len(out); n > 0 && t.Out(n-1) == errorType {
		if !out[n-1].IsNil() {
			return nil, out[n-1].Interface().(error)
		}
		out = out[:n-1]
	}
	switch len(out) {
	case 0:
		return nil, nil
	case 1:
		return out[0].Interface(), nil
	}
	res := make([]any, len(out))
	for i, o := range out {
		res[i] = o.Interface()
	}
	return res, nil
}
