package bencode

import (
	"bytes"
	"errors"
	"fmt"
	"reflect"
	"sort"
	"strconv"
)

//Encode emits the bencoding of v. Structs encode as dictionaries with keys
//taken from the `bencode` tag (field name otherwise); fields tagged
//`empty:"omit"` are skipped when they hold their zero value, matching the
//optional keys of the metainfo and tracker formats. Dictionary keys are
//emitted in sorted order so encodings are canonical.
func Encode(v interface{}) ([]byte, error) {
	var b bytes.Buffer
	if err := encodeValue(&b, reflect.ValueOf(v)); err != nil {
		return nil, err
	}
	return b.Bytes(), nil
}

func encodeValue(b *bytes.Buffer, v reflect.Value) error {
	switch v.Kind() {
	case reflect.Ptr, reflect.Interface:
		if v.IsNil() {
			return errors.New("bencode: cannot encode nil value")
		}
		return encodeValue(b, v.Elem())
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		b.WriteByte('i')
		b.WriteString(strconv.FormatInt(v.Int(), 10))
		b.WriteByte('e')
		return nil
	case reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64:
		b.WriteByte('i')
		b.WriteString(strconv.FormatUint(v.Uint(), 10))
		b.WriteByte('e')
		return nil
	case reflect.Bool:
		if v.Bool() {
			b.WriteString("i1e")
		} else {
			b.WriteString("i0e")
		}
		return nil
	case reflect.String:
		writeString(b, v.String())
		return nil
	case reflect.Slice:
		if v.Type().Elem().Kind() == reflect.Uint8 {
			writeString(b, string(v.Bytes()))
			return nil
		}
		b.WriteByte('l')
		for i := 0; i < v.Len(); i++ {
			if err := encodeValue(b, v.Index(i)); err != nil {
				return err
			}
		}
		b.WriteByte('e')
		return nil
	case reflect.Array:
		if v.Type().Elem().Kind() == reflect.Uint8 {
			raw := make([]byte, v.Len())
			reflect.Copy(reflect.ValueOf(raw), v)
			writeString(b, string(raw))
			return nil
		}
		return fmt.Errorf("bencode: unsupported array type %s", v.Type())
	case reflect.Map:
		return encodeMap(b, v)
	case reflect.Struct:
		return encodeStruct(b, v)
	default:
		return fmt.Errorf("bencode: unsupported type %s", v.Type())
	}
}

func writeString(b *bytes.Buffer, s string) {
	b.WriteString(strconv.Itoa(len(s)))
	b.WriteByte(':')
	b.WriteString(s)
}

func encodeMap(b *bytes.Buffer, v reflect.Value) error {
	if v.Type().Key().Kind() != reflect.String {
		return errors.New("bencode: map keys must be strings")
	}
	keys := make([]string, 0, v.Len())
	for _, k := range v.MapKeys() {
		keys = append(keys, k.String())
	}
	sort.Strings(keys)
	b.WriteByte('d')
	for _, k := range keys {
		writeString(b, k)
		if err := encodeValue(b, v.MapIndex(reflect.ValueOf(k).Convert(v.Type().Key()))); err != nil {
			return err
		}
	}
	b.WriteByte('e')
	return nil
}

type structKey struct {
	key   string
	index int
}

func encodeStruct(b *bytes.Buffer, v reflect.Value) error {
	t := v.Type()
	keys := make([]structKey, 0, t.NumField())
	for i := 0; i < t.NumField(); i++ {
		f := t.Field(i)
		if f.PkgPath != "" {
			continue
		}
		key := f.Tag.Get("bencode")
		if key == "-" {
			continue
		}
		if key == "" {
			key = f.Name
		}
		if f.Tag.Get("empty") == "omit" && v.Field(i).IsZero() {
			continue
		}
		keys = append(keys, structKey{key, i})
	}
	sort.Slice(keys, func(i, j int) bool { return keys[i].key < keys[j].key })
	b.WriteByte('d')
	for _, k := range keys {
		writeString(b, k.key)
		if err := encodeValue(b, v.Field(k.index)); err != nil {
			return fmt.Errorf("bencode: key %q: %w", k.key, err)
		}
	}
	b.WriteByte('e')
	return nil
}
