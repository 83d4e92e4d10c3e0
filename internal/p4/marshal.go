package p4

import (
	"bufio"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"sort"
)

// Type codes of the Python marshal format written by `p4 -G` and accepted on
// stdin by `p4 -G ... -i`.
const (
	typeNull      = '0'
	typeNone      = 'N'
	typeFalse     = 'F'
	typeTrue      = 'T'
	typeInt       = 'i'
	typeInt64     = 'I'
	typeLong      = 'l'
	typeString    = 's'
	typeInterned  = 't'
	typeUnicode   = 'u'
	typeASCII     = 'a'
	typeASCIIIntn = 'A'
	typeShortASC  = 'z'
	typeShortIntn = 'Z'
	typeRef       = 'r'
	typeDict      = '{'

	flagRef = 0x80
)

// ErrMalformed is returned when the record stream cannot be decoded.
var ErrMalformed = errors.New("malformed p4 record stream")

// Decoder reads a sequence of marshalled dictionaries.
type Decoder struct {
	r    *bufio.Reader
	refs []any
}

// NewDecoder returns a decoder reading from r.
func NewDecoder(r io.Reader) *Decoder {
	return &Decoder{r: bufio.NewReader(r)}
}

// Decode returns the next record, or io.EOF once the stream is exhausted.
func (d *Decoder) Decode() (Record, error) {
	code, err := d.r.ReadByte()
	if err != nil {
		return nil, err
	}
	v, err := d.value(code)
	if err != nil {
		return nil, err
	}
	rec, ok := v.(Record)
	if !ok {
		return nil, fmt.Errorf("%w: top-level value is %T, not a dictionary", ErrMalformed, v)
	}
	return rec, nil
}

func (d *Decoder) value(code byte) (any, error) {
	ref := code&flagRef != 0
	code &^= flagRef
	slot := -1
	if ref {
		slot = len(d.refs)
		d.refs = append(d.refs, nil)
	}

	v, err := d.plain(code)
	if err != nil {
		return nil, err
	}
	if slot >= 0 {
		d.refs[slot] = v
	}
	return v, nil
}

func (d *Decoder) plain(code byte) (any, error) {
	switch code {
	case typeNone:
		return nil, nil
	case typeFalse:
		return false, nil
	case typeTrue:
		return true, nil
	case typeInt:
		n, err := d.int32()
		return int(n), err
	case typeInt64:
		var buf [8]byte
		if _, err := io.ReadFull(d.r, buf[:]); err != nil {
			return nil, unexpected(err)
		}
		return int(int64(binary.LittleEndian.Uint64(buf[:]))), nil
	case typeLong:
		return d.long()
	case typeString, typeInterned, typeUnicode, typeASCII, typeASCIIIntn:
		n, err := d.int32()
		if err != nil {
			return nil, err
		}
		return d.bytes(int(n))
	case typeShortASC, typeShortIntn:
		n, err := d.r.ReadByte()
		if err != nil {
			return nil, unexpected(err)
		}
		return d.bytes(int(n))
	case typeRef:
		n, err := d.int32()
		if err != nil {
			return nil, err
		}
		if n < 0 || int(n) >= len(d.refs) {
			return nil, fmt.Errorf("%w: bad reference %d", ErrMalformed, n)
		}
		return d.refs[n], nil
	case typeDict:
		return d.dict()
	default:
		return nil, fmt.Errorf("%w: unsupported type code %q", ErrMalformed, code)
	}
}

func (d *Decoder) dict() (Record, error) {
	rec := make(Record)
	for {
		code, err := d.r.ReadByte()
		if err != nil {
			return nil, unexpected(err)
		}
		if code == typeNull {
			return rec, nil
		}
		k, err := d.value(code)
		if err != nil {
			return nil, err
		}
		key, ok := k.(string)
		if !ok {
			return nil, fmt.Errorf("%w: dictionary key is %T", ErrMalformed, k)
		}
		code, err = d.r.ReadByte()
		if err != nil {
			return nil, unexpected(err)
		}
		v, err := d.value(code)
		if err != nil {
			return nil, err
		}
		rec[key] = v
	}
}

func (d *Decoder) int32() (int32, error) {
	var buf [4]byte
	if _, err := io.ReadFull(d.r, buf[:]); err != nil {
		return 0, unexpected(err)
	}
	return int32(binary.LittleEndian.Uint32(buf[:])), nil
}

// long decodes an arbitrary precision integer stored as 15-bit digits. The
// values p4 emits always fit an int.
func (d *Decoder) long() (int, error) {
	n, err := d.int32()
	if err != nil {
		return 0, err
	}
	neg := n < 0
	if neg {
		n = -n
	}
	var v int
	for i := int32(0); i < n; i++ {
		var buf [2]byte
		if _, err := io.ReadFull(d.r, buf[:]); err != nil {
			return 0, unexpected(err)
		}
		v |= int(binary.LittleEndian.Uint16(buf[:])) << (15 * uint(i))
	}
	if neg {
		v = -v
	}
	return v, nil
}

func (d *Decoder) bytes(n int) (string, error) {
	if n < 0 {
		return "", fmt.Errorf("%w: negative length", ErrMalformed)
	}
	buf := make([]byte, n)
	if _, err := io.ReadFull(d.r, buf); err != nil {
		return "", unexpected(err)
	}
	return string(buf), nil
}

func unexpected(err error) error {
	if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
		return fmt.Errorf("%w: %v", ErrMalformed, io.ErrUnexpectedEOF)
	}
	return err
}

// Encode writes rec as a marshalled dictionary with string and int values.
// Keys are written in sorted order so the output is deterministic.
func Encode(w io.Writer, rec Record) error {
	bw := bufio.NewWriter(w)
	if err := bw.WriteByte(typeDict); err != nil {
		return err
	}

	keys := make([]string, 0, len(rec))
	for k := range rec {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	for _, k := range keys {
		writeString(bw, k)
		switch v := rec[k].(type) {
		case string:
			writeString(bw, v)
		case int:
			writeInt(bw, int32(v))
		case int32:
			writeInt(bw, v)
		case int64:
			writeInt(bw, int32(v))
		case bool:
			if v {
				bw.WriteByte(typeTrue)
			} else {
				bw.WriteByte(typeFalse)
			}
		case nil:
			bw.WriteByte(typeNone)
		default:
			return fmt.Errorf("cannot marshal %T for key %q", v, k)
		}
	}
	if err := bw.WriteByte(typeNull); err != nil {
		return err
	}
	return bw.Flush()
}

func writeString(w *bufio.Writer, s string) {
	var buf [4]byte
	w.WriteByte(typeString)
	binary.LittleEndian.PutUint32(buf[:], uint32(len(s)))
	w.Write(buf[:])
	w.WriteString(s)
}

func writeInt(w *bufio.Writer, n int32) {
	var buf [4]byte
	w.WriteByte(typeInt)
	binary.LittleEndian.PutUint32(buf[:], uint32(n))
	w.Write(buf[:])
}
