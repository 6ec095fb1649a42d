package bencode

import (
	"errors"
	"fmt"
	"strconv"
)

var errUnexpectedEnd = errors.New("bencode: unexpected end of data")

//scanner walks raw bencoded bytes without materializing values.
//Strings are skipped by their declared length so binary payloads
//(e.g. the `pieces` field) are never mistaken for delimiters.
type scanner struct {
	data []byte
	off  int
}

func (s *scanner) peek() (byte, error) {
	if s.off >= len(s.data) {
		return 0, errUnexpectedEnd
	}
	return s.data[s.off], nil
}

//skipValue consumes exactly one bencoded value.
func (s *scanner) skipValue() error {
	b, err := s.peek()
	if err != nil {
		return err
	}
	switch {
	case b == 'i':
		return s.skipInt()
	case b == 'l', b == 'd':
		s.off++
		for {
			if b, err = s.peek(); err != nil {
				return err
			}
			if b == 'e' {
				s.off++
				return nil
			}
			if err = s.skipValue(); err != nil {
				return err
			}
		}
	case b >= '0' && b <= '9':
		_, err = s.readString()
		return err
	default:
		return fmt.Errorf("bencode: unknown value prefix %q at offset %d", b, s.off)
	}
}

func (s *scanner) skipInt() error {
	s.off++ //'i'
	start := s.off
	for {
		b, err := s.peek()
		if err != nil {
			return err
		}
		if b == 'e' {
			if s.off == start {
				return errors.New("bencode: empty integer")
			}
			s.off++
			return nil
		}
		s.off++
	}
}

func (s *scanner) readInt() (int64, error) {
	if b, err := s.peek(); err != nil {
		return 0, err
	} else if b != 'i' {
		return 0, fmt.Errorf("bencode: expected integer at offset %d", s.off)
	}
	s.off++
	start := s.off
	for {
		b, err := s.peek()
		if err != nil {
			return 0, err
		}
		if b == 'e' {
			break
		}
		s.off++
	}
	n, err := strconv.ParseInt(string(s.data[start:s.off]), 10, 64)
	if err != nil {
		return 0, fmt.Errorf("bencode: bad integer: %w", err)
	}
	s.off++ //'e'
	return n, nil
}

//readString returns the raw payload of a bencoded string.
//The returned slice aliases the input.
func (s *scanner) readString() ([]byte, error) {
	start := s.off
	for {
		b, err := s.peek()
		if err != nil {
			return nil, err
		}
		if b == ':' {
			break
		}
		if b < '0' || b > '9' {
			return nil, fmt.Errorf("bencode: expected string at offset %d", start)
		}
		s.off++
	}
	n, err := strconv.ParseInt(string(s.data[start:s.off]), 10, 64)
	if err != nil || n < 0 {
		return nil, errors.New("bencode: bad string length")
	}
	s.off++ //':'
	if int64(len(s.data)-s.off) < n {
		return nil, errUnexpectedEnd
	}
	str := s.data[s.off : s.off+int(n)]
	s.off += int(n)
	return str, nil
}

//SkipValue returns the byte position right after the single bencoded value
//that starts at off. It is the primitive the info-hash computation relies on:
//the info dictionary's raw bytes are data[off:SkipValue(data, off)].
func SkipValue(data []byte, off int) (int, error) {
	if off < 0 || off >= len(data) {
		return 0, errUnexpectedEnd
	}
	s := scanner{data: data, off: off}
	if err := s.skipValue(); err != nil {
		return 0, err
	}
	return s.off, nil
}

//Get returns the raw bencoded bytes of the value stored under targetKey in the
//top-level dictionary. ok is false when the key is absent.
func Get(data []byte, targetKey string) (val []byte, ok bool, err error) {
	s := scanner{data: data}
	b, err := s.peek()
	if err != nil {
		return nil, false, err
	}
	if b != 'd' {
		return nil, false, errors.New("bencode: data is not a dictionary")
	}
	s.off++
	for {
		if b, err = s.peek(); err != nil {
			return nil, false, err
		}
		if b == 'e' {
			return nil, false, nil
		}
		key, err := s.readString()
		if err != nil {
			return nil, false, err
		}
		start := s.off
		if err = s.skipValue(); err != nil {
			return nil, false, err
		}
		if string(key) == targetKey {
			return data[start:s.off], true, nil
		}
	}
}

//Parse decodes one bencoded value into its generic Go shape: strings become
//[]byte, integers int64, lists []interface{} and dictionaries
//map[string]interface{}. Trailing bytes after the value are an error.
func Parse(data []byte) (interface{}, error) {
	s := scanner{data: data}
	v, err := s.parseValue()
	if err != nil {
		return nil, err
	}
	if s.off != len(data) {
		return nil, fmt.Errorf("bencode: %d trailing bytes after value", len(data)-s.off)
	}
	return v, nil
}

func (s *scanner) parseValue() (interface{}, error) {
	b, err := s.peek()
	if err != nil {
		return nil, err
	}
	switch {
	case b == 'i':
		return s.readInt()
	case b == 'l':
		s.off++
		l := []interface{}{}
		for {
			if b, err = s.peek(); err != nil {
				return nil, err
			}
			if b == 'e' {
				s.off++
				return l, nil
			}
			v, err := s.parseValue()
			if err != nil {
				return nil, err
			}
			l = append(l, v)
		}
	case b == 'd':
		s.off++
		d := map[string]interface{}{}
		for {
			if b, err = s.peek(); err != nil {
				return nil, err
			}
			if b == 'e' {
				s.off++
				return d, nil
			}
			key, err := s.readString()
			if err != nil {
				return nil, err
			}
			v, err := s.parseValue()
			if err != nil {
				return nil, err
			}
			d[string(key)] = v
		}
	case b >= '0' && b <= '9':
		return s.readString()
	default:
		return nil, fmt.Errorf("bencode: unknown value prefix %q at offset %d", b, s.off)
	}
}
