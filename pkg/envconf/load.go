// Package envconf fills a config struct from environment variables.
//
// Fields are bound with `env:"NAME"`. A field without a `default:"..."` tag
// is required; with one, the default applies when NAME is unset, and an
// empty default keeps the zero value. Untagged struct and pointer-to-struct
// fields are loaded recursively, so services compose their config from the
// shared structs in internal/config. `env:"-"` skips a field.
//
// Every missing required variable is reported, not only the first.
package envconf

import (
	"encoding"
	"errors"
	"fmt"
	"os"
	"reflect"
	"strconv"
	"time"
)

var (
	ErrMissingRequired    = errors.New("missing required environment variable")
	ErrUnsupportedType    = errors.New("unsupported field type")
	ErrInvalidDestination = errors.New("destination must be a non-nil pointer to a struct")
)

// LookupFunc resolves a variable the way os.LookupEnv does.
type LookupFunc func(key string) (string, bool)

// Load fills dst from the process environment.
func Load(dst any) error {
	return LoadFrom(dst, os.LookupEnv)
}

// LoadFrom fills dst using lookup instead of the process environment.
func LoadFrom(dst any, lookup LookupFunc) error {
	v := reflect.ValueOf(dst)
	if dst == nil || v.Kind() != reflect.Pointer || v.IsNil() || v.Elem().Kind() != reflect.Struct {
		return fmt.Errorf("%w, got %T", ErrInvalidDestination, dst)
	}

	l := loader{lookup: lookup}
	l.loadStruct(v.Elem(), "")

	return errors.Join(l.errs...)
}

var (
	durationType      = reflect.TypeFor[time.Duration]()
	textUnmarshalType = reflect.TypeFor[encoding.TextUnmarshaler]()
)

// loader walks one destination and collects every field error.
type loader struct {
	lookup LookupFunc
	errs   []error
}

func (l *loader) loadStruct(v reflect.Value, prefix string) {
	t := v.Type()

	for i := range t.NumField() {
		sf := t.Field(i)
		if !sf.IsExported() {
			continue
		}

		path := prefix + sf.Name
		fv := v.Field(i)

		name, tagged := sf.Tag.Lookup("env")

		switch {
		case name == "-":
			continue
		case !tagged || name == "":
			l.loadNested(fv, path)
		default:
			l.loadField(fv, sf, name, path)
		}
	}
}

// loadNested recurses into untagged struct fields. Other untagged fields are
// left alone.
func (l *loader) loadNested(fv reflect.Value, path string) {
	switch {
	case fv.Kind() == reflect.Struct && fv.Type() != durationType:
		l.loadStruct(fv, path+".")
	case fv.Kind() == reflect.Pointer && fv.Type().Elem().Kind() == reflect.Struct:
		if fv.IsNil() {
			fv.Set(reflect.New(fv.Type().Elem()))
		}

		l.loadStruct(fv.Elem(), path+".")
	}
}

func (l *loader) loadField(fv reflect.Value, sf reflect.StructField, name, path string) {
	raw, ok := l.lookup(name)
	if !ok {
		def, hasDefault := sf.Tag.Lookup("default")
		if !hasDefault {
			l.errs = append(l.errs, fmt.Errorf("%w: %s (%s)", ErrMissingRequired, name, path))
			return
		}

		if def == "" {
			return
		}

		raw = def
	}

	err := assign(fv, raw)
	if err != nil {
		l.errs = append(l.errs, fmt.Errorf("%s (%s): %w", name, path, err))
	}
}

// assign parses raw into fv. TextUnmarshaler wins over the kind, which is
// how slog.Level and similar types are read.
func assign(fv reflect.Value, raw string) error {
	if fv.Kind() == reflect.Pointer {
		if fv.IsNil() {
			fv.Set(reflect.New(fv.Type().Elem()))
		}

		return assign(fv.Elem(), raw)
	}

	if reflect.PointerTo(fv.Type()).Implements(textUnmarshalType) {
		u, _ := fv.Addr().Interface().(encoding.TextUnmarshaler)
		return u.UnmarshalText([]byte(raw))
	}

	if fv.Type() == durationType {
		d, err := time.ParseDuration(raw)
		if err != nil {
			return err
		}

		fv.SetInt(int64(d))

		return nil
	}

	switch fv.Kind() {
	case reflect.String:
		fv.SetString(raw)
	case reflect.Bool:
		b, err := strconv.ParseBool(raw)
		if err != nil {
			return err
		}

		fv.SetBool(b)
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		n, err := strconv.ParseInt(raw, 10, fv.Type().Bits())
		if err != nil {
			return err
		}

		fv.SetInt(n)
	case reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64:
		n, err := strconv.ParseUint(raw, 10, fv.Type().Bits())
		if err != nil {
			return err
		}

		fv.SetUint(n)
	case reflect.Float32, reflect.Float64:
		f, err := strconv.ParseFloat(raw, fv.Type().Bits())
		if err != nil {
			return err
		}

		fv.SetFloat(f)
	default:
		return fmt.Errorf("%w: %s", ErrUnsupportedType, fv.Type())
	}

	return nil
}
