// Package bencode implements the bencoding format used by BitTorrent
// metainfo files and tracker responses.
package bencode

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"math"
	"sort"
)

// Dict is an ordered string-keyed dictionary. Order of Keys reflects
// insertion order, which must be preserved for info-hash computation to be
// byte-identical to the source encoding.
type Dict struct {
	Keys   []string
	Values map[string]interface{}
}

// NewDict returns an empty ordered dictionary.
func NewDict() *Dict {
	return &Dict{Values: make(map[string]interface{})}
}

// Set inserts or overwrites key, appending it to Keys on first insertion.
func (d *Dict) Set(key string, value interface{}) {
	if _, ok := d.Values[key]; !ok {
		d.Keys = append(d.Keys, key)
	}
	d.Values[key] = value
}

// Get returns the value for key and whether it was present.
func (d *Dict) Get(key string) (interface{}, bool) {
	v, ok := d.Values[key]
	return v, ok
}

var (
	// ErrMalformed is returned for any structurally invalid bencoded input.
	ErrMalformed = errors.New("bencode: malformed input")
	// ErrIntOverflow is returned when an integer literal does not fit in int64.
	ErrIntOverflow = errors.New("bencode: integer overflow")
)

// Decoder decodes bencoded values from a byte stream.
type Decoder struct {
	r   *bufio.Reader
	Warnings []string
}

// NewDecoder returns a Decoder reading from r.
func NewDecoder(r io.Reader) *Decoder {
	return &Decoder{r: bufio.NewReader(r)}
}

// Decode reads exactly one bencoded value from the stream.
//
// On malformed input no partial value is returned; err is non-nil.
func (d *Decoder) Decode() (interface{}, error) {
	b, err := d.r.ReadByte()
	if err != nil {
		return nil, err
	}
	return d.decodeValue(b)
}

func (d *Decoder) decodeValue(first byte) (interface{}, error) {
	switch {
	case first == 'i':
		return d.decodeInt()
	case first == 'l':
		return d.decodeList()
	case first == 'd':
		return d.decodeDict()
	case first >= '0' && first <= '9':
		return d.decodeString(first)
	default:
		return nil, fmt.Errorf("%w: unexpected type byte %q", ErrMalformed, first)
	}
}

// decodeInt reads the body of an 'i...e' integer, the leading 'i' already
// consumed.
func (d *Decoder) decodeInt() (int64, error) {
	digits := make([]byte, 0, 20)
	neg := false
	first := true
	for {
		b, err := d.r.ReadByte()
		if err != nil {
			return 0, err
		}
		if b == 'e' {
			break
		}
		if first && b == '-' {
			neg = true
			first = false
			continue
		}
		if b < '0' || b > '9' {
			return 0, fmt.Errorf("%w: invalid digit %q in integer", ErrMalformed, b)
		}
		digits = append(digits, b)
		first = false
	}
	if len(digits) == 0 {
		return 0, fmt.Errorf("%w: empty integer", ErrMalformed)
	}
	if len(digits) > 1 && digits[0] == '0' {
		return 0, fmt.Errorf("%w: leading zero in integer", ErrMalformed)
	}
	if neg && len(digits) == 1 && digits[0] == '0' {
		return 0, fmt.Errorf("%w: negative zero", ErrMalformed)
	}
	var v int64
	for _, c := range digits {
		d := int64(c - '0')
		if v > (math.MaxInt64-d)/10 {
			return 0, ErrIntOverflow
		}
		v = v*10 + d
	}
	if neg {
		v = -v
	}
	return v, nil
}

// decodeString reads a length-prefixed byte string, the first length digit
// already consumed (passed as first).
func (d *Decoder) decodeString(first byte) (string, error) {
	digits := []byte{first}
	for {
		b, err := d.r.ReadByte()
		if err != nil {
			return "", err
		}
		if b == ':' {
			break
		}
		if b < '0' || b > '9' {
			return "", fmt.Errorf("%w: invalid digit %q in string length", ErrMalformed, b)
		}
		digits = append(digits, b)
	}
	var n uint64
	for _, c := range digits {
		n = n*10 + uint64(c-'0')
	}
	buf := make([]byte, n)
	if _, err := io.ReadFull(d.r, buf); err != nil {
		return "", err
	}
	return string(buf), nil
}

func (d *Decoder) decodeList() ([]interface{}, error) {
	var out []interface{}
	for {
		b, err := d.r.ReadByte()
		if err != nil {
			return nil, err
		}
		if b == 'e' {
			return out, nil
		}
		v, err := d.decodeValue(b)
		if err != nil {
			return nil, err
		}
		out = append(out, v)
	}
}

func (d *Decoder) decodeDict() (*Dict, error) {
	dict := NewDict()
	prevKey := ""
	havePrev := false
	for {
		b, err := d.r.ReadByte()
		if err != nil {
			return nil, err
		}
		if b == 'e' {
			return dict, nil
		}
		if b < '0' || b > '9' {
			return nil, fmt.Errorf("%w: dict key must be a string", ErrMalformed)
		}
		key, err := d.decodeString(b)
		if err != nil {
			return nil, err
		}
		if havePrev && key < prevKey {
			// Real-world trackers violate ascending-key-order; warn, don't fail.
			d.Warnings = append(d.Warnings, fmt.Sprintf("bencode: dict keys out of order: %q after %q", key, prevKey))
		}
		prevKey = key
		havePrev = true
		vb, err := d.r.ReadByte()
		if err != nil {
			return nil, err
		}
		val, err := d.decodeValue(vb)
		if err != nil {
			return nil, err
		}
		dict.Set(key, val)
	}
}

// Encode writes v in canonical bencoded form: dict keys are written in
// ascending byte order regardless of the Dict's insertion order, per the
// bencoding spec. Use EncodeRaw to preserve a Dict's own Keys order (needed
// for info-hash re-encoding of an already-canonical source dict).
func Encode(w io.Writer, v interface{}) error {
	return encode(w, v, true)
}

// EncodeRaw writes v, preserving a Dict's insertion order instead of
// re-sorting keys. Used to reproduce the exact bytes of an input dict (e.g.
// the info dict) for hashing.
func EncodeRaw(w io.Writer, v interface{}) error {
	return encode(w, v, false)
}

func encode(w io.Writer, v interface{}, sortKeys bool) error {
	switch t := v.(type) {
	case int64:
		_, err := fmt.Fprintf(w, "i%de", t)
		return err
	case int:
		_, err := fmt.Fprintf(w, "i%de", t)
		return err
	case string:
		_, err := fmt.Fprintf(w, "%d:%s", len(t), t)
		return err
	case []byte:
		_, err := fmt.Fprintf(w, "%d:%s", len(t), t)
		return err
	case []interface{}:
		if _, err := io.WriteString(w, "l"); err != nil {
			return err
		}
		for _, item := range t {
			if err := encode(w, item, sortKeys); err != nil {
				return err
			}
		}
		_, err := io.WriteString(w, "e")
		return err
	case *Dict:
		if _, err := io.WriteString(w, "d"); err != nil {
			return err
		}
		keys := t.Keys
		if sortKeys {
			keys = append([]string(nil), t.Keys...)
			sort.Strings(keys)
		}
		for _, k := range keys {
			if err := encode(w, k, sortKeys); err != nil {
				return err
			}
			val, _ := t.Get(k)
			if err := encode(w, val, sortKeys); err != nil {
				return err
			}
		}
		_, err := io.WriteString(w, "e")
		return err
	default:
		return fmt.Errorf("bencode: cannot encode type %T", v)
	}
}
