package bencode

import (
	"errors"
	"fmt"
	"reflect"
)

//Decode fills v (a non-nil pointer) from bencoded data. Dictionaries map to
//structs by the `bencode:"key"` field tag (field name when untagged, "-"
//skips the field); keys with no matching field are ignored. A struct field
//may be filled from either a string or any other value, so a field typed
//[]byte receives raw string payloads (peer lists, piece hashes).
func Decode(data []byte, v interface{}) error {
	val := reflect.ValueOf(v)
	if val.Kind() != reflect.Ptr || val.IsNil() {
		return errors.New("bencode: decode target must be a non-nil pointer")
	}
	s := scanner{data: data}
	if err := decodeValue(&s, val.Elem()); err != nil {
		return err
	}
	if s.off != len(data) {
		return fmt.Errorf("bencode: %d trailing bytes after value", len(data)-s.off)
	}
	return nil
}

func decodeValue(s *scanner, v reflect.Value) error {
	switch v.Kind() {
	case reflect.Ptr:
		if v.IsNil() {
			v.Set(reflect.New(v.Type().Elem()))
		}
		return decodeValue(s, v.Elem())
	case reflect.Interface:
		gen, err := s.parseValue()
		if err != nil {
			return err
		}
		v.Set(reflect.ValueOf(gen))
		return nil
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		n, err := s.readInt()
		if err != nil {
			return err
		}
		v.SetInt(n)
		return nil
	case reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64:
		n, err := s.readInt()
		if err != nil {
			return err
		}
		if n < 0 {
			return errors.New("bencode: negative integer for unsigned field")
		}
		v.SetUint(uint64(n))
		return nil
	case reflect.Bool:
		n, err := s.readInt()
		if err != nil {
			return err
		}
		v.SetBool(n != 0)
		return nil
	case reflect.String:
		str, err := s.readString()
		if err != nil {
			return err
		}
		v.SetString(string(str))
		return nil
	case reflect.Slice:
		if v.Type().Elem().Kind() == reflect.Uint8 {
			str, err := s.readString()
			if err != nil {
				return err
			}
			b := make([]byte, len(str))
			copy(b, str)
			v.SetBytes(b)
			return nil
		}
		return decodeList(s, v)
	case reflect.Array:
		if v.Type().Elem().Kind() == reflect.Uint8 {
			str, err := s.readString()
			if err != nil {
				return err
			}
			if len(str) != v.Len() {
				return fmt.Errorf("bencode: string length %d does not fit array of %d", len(str), v.Len())
			}
			reflect.Copy(v, reflect.ValueOf(str))
			return nil
		}
		return fmt.Errorf("bencode: unsupported array type %s", v.Type())
	case reflect.Map:
		return decodeMap(s, v)
	case reflect.Struct:
		return decodeStruct(s, v)
	default:
		return fmt.Errorf("bencode: unsupported type %s", v.Type())
	}
}

func decodeList(s *scanner, v reflect.Value) error {
	b, err := s.peek()
	if err != nil {
		return err
	}
	if b != 'l' {
		return fmt.Errorf("bencode: expected list at offset %d", s.off)
	}
	s.off++
	v.Set(reflect.MakeSlice(v.Type(), 0, 0))
	for {
		if b, err = s.peek(); err != nil {
			return err
		}
		if b == 'e' {
			s.off++
			return nil
		}
		e := reflect.New(v.Type().Elem()).Elem()
		if err = decodeValue(s, e); err != nil {
			return err
		}
		v.Set(reflect.Append(v, e))
	}
}

func decodeMap(s *scanner, v reflect.Value) error {
	if v.Type().Key().Kind() != reflect.String {
		return errors.New("bencode: map keys must be strings")
	}
	b, err := s.peek()
	if err != nil {
		return err
	}
	if b != 'd' {
		return fmt.Errorf("bencode: expected dictionary at offset %d", s.off)
	}
	s.off++
	if v.IsNil() {
		v.Set(reflect.MakeMap(v.Type()))
	}
	for {
		if b, err = s.peek(); err != nil {
			return err
		}
		if b == 'e' {
			s.off++
			return nil
		}
		key, err := s.readString()
		if err != nil {
			return err
		}
		e := reflect.New(v.Type().Elem()).Elem()
		if err = decodeValue(s, e); err != nil {
			return err
		}
		v.SetMapIndex(reflect.ValueOf(string(key)).Convert(v.Type().Key()), e)
	}
}

func decodeStruct(s *scanner, v reflect.Value) error {
	b, err := s.peek()
	if err != nil {
		return err
	}
	if b != 'd' {
		return fmt.Errorf("bencode: expected dictionary at offset %d", s.off)
	}
	s.off++
	fields := fieldsByKey(v.Type())
	for {
		if b, err = s.peek(); err != nil {
			return err
		}
		if b == 'e' {
			s.off++
			return nil
		}
		key, err := s.readString()
		if err != nil {
			return err
		}
		idx, ok := fields[string(key)]
		if !ok {
			if err = s.skipValue(); err != nil {
				return err
			}
			continue
		}
		if err = decodeValue(s, v.Field(idx)); err != nil {
			return fmt.Errorf("bencode: key %q: %w", key, err)
		}
	}
}

func fieldsByKey(t reflect.Type) map[string]int {
	m := make(map[string]int, t.NumField())
	for i := 0; i < t.NumField(); i++ {
		f := t.Field(i)
		if f.PkgPath != "" { //unexported
			continue
		}
		key := f.Tag.Get("bencode")
		if key == "-" {
			continue
		}
		if key == "" {
			key = f.Name
		}
		m[key] = i
	}
	return m
}
