package protocol

import (
	"fmt"
	"math"
	"strings"

	"golang.org/x/text/encoding/unicode"
)

type ParamType uint8

const (
	TypeByte    ParamType = 0
	TypeUByte   ParamType = 1
	TypeWord    ParamType = 2
	TypeUWord   ParamType = 3
	TypeLong    ParamType = 4
	TypeULong   ParamType = 5
	TypeFloat32 ParamType = 6
	TypeFloat64 ParamType = 7
	TypeBlock   ParamType = 8
	TypeString  ParamType = 9
	TypeLong64  ParamType = 10
	TypeULong64 ParamType = 11
)

var paramTypeNames = [...]string{
	"BYTE", "UBYTE", "WORD", "UWORD", "LONG", "ULONG",
	"FLOAT32", "FLOAT64", "BLOCK", "STRING", "LONG64", "ULONG64",
}

func (t ParamType) String() string {
	if int(t) < len(paramTypeNames) {
		return paramTypeNames[t]
	}
	return fmt.Sprintf("ParamType(%d)", uint8(t))
}

func (t ParamType) Valid() bool {
	return t <= TypeULong64
}

// Parameter is a typed value. Value holds the Go type that matches Type:
//
//   BYTE int8, UBYTE uint8, WORD int16, UWORD uint16, LONG int32,
//   ULONG uint32, FLOAT32 float32, FLOAT64 float64, BLOCK []byte,
//   STRING string, LONG64 int64, ULONG64 uint64
type Parameter struct {
	ID    uint16
	Type  ParamType
	Value interface{}
}

func (p Parameter) String() string {
	return fmt.Sprintf("%04x=%v(%s)", p.ID, p.Value, p.Type)
}

// Int64 returns numeric values widened to int64.
func (p Parameter) Int64() (int64, bool) {
	switch v := p.Value.(type) {
	case int8:
		return int64(v), true
	case uint8:
		return int64(v), true
	case int16:
		return int64(v), true
	case uint16:
		return int64(v), true
	case int32:
		return int64(v), true
	case uint32:
		return int64(v), true
	case int64:
		return v, true
	case uint64:
		return int64(v), true
	case float32:
		return int64(v), true
	case float64:
		return int64(v), true
	}
	return 0, false
}

var utf16be = unicode.UTF16(unicode.BigEndian, unicode.IgnoreBOM)

func encodeString(s string) ([]byte, error) {
	encoded, err := utf16be.NewEncoder().String(s + "\x00")
	if err != nil {
		return nil, encodeErr("string %q: %v", s, err)
	}
	return []byte(encoded), nil
}

func decodeString(b []byte) (string, error) {
	s, err := utf16be.NewDecoder().Bytes(b)
	if err != nil {
		return "", decodeErr("invalid UTF-16 string: %v", err)
	}
	return strings.TrimRight(string(s), "\x00"), nil
}

// putValue writes the value only, without id or type.
func putValue(w *writer, t ParamType, value interface{}) error {
	mismatch := func() error {
		return encodeErr("value %v (%T) does not match datatype %s", value, value, t)
	}

	switch t {
	case TypeByte:
		v, ok := value.(int8)
		if !ok {
			return mismatch()
		}
		w.u8(uint8(v))
	case TypeUByte:
		v, ok := value.(uint8)
		if !ok {
			return mismatch()
		}
		w.u8(v)
	case TypeWord:
		v, ok := value.(int16)
		if !ok {
			return mismatch()
		}
		w.u16(uint16(v))
	case TypeUWord:
		v, ok := value.(uint16)
		if !ok {
			return mismatch()
		}
		w.u16(v)
	case TypeLong:
		v, ok := value.(int32)
		if !ok {
			return mismatch()
		}
		w.u32(uint32(v))
	case TypeULong:
		v, ok := value.(uint32)
		if !ok {
			return mismatch()
		}
		w.u32(v)
	case TypeFloat32:
		v, ok := value.(float32)
		if !ok {
			return mismatch()
		}
		w.u32(math.Float32bits(v))
	case TypeFloat64:
		v, ok := value.(float64)
		if !ok {
			return mismatch()
		}
		w.u64(math.Float64bits(v))
	case TypeBlock:
		v, ok := value.([]byte)
		if !ok {
			return mismatch()
		}
		return w.block(v)
	case TypeString:
		v, ok := value.(string)
		if !ok {
			return mismatch()
		}
		encoded, err := encodeString(v)
		if err != nil {
			return err
		}
		return w.block(encoded)
	case TypeLong64:
		v, ok := value.(int64)
		if !ok {
			return mismatch()
		}
		w.u64(uint64(v))
	case TypeULong64:
		v, ok := value.(uint64)
		if !ok {
			return mismatch()
		}
		w.u64(v)
	default:
		return encodeErr("unknown parameter datatype %d", uint8(t))
	}

	return nil
}

func readValue(r *reader, t ParamType) (interface{}, error) {
	var value interface{}

	switch t {
	case TypeByte:
		value = int8(r.u8())
	case TypeUByte:
		value = r.u8()
	case TypeWord:
		value = int16(r.u16())
	case TypeUWord:
		value = r.u16()
	case TypeLong:
		value = int32(r.u32())
	case TypeULong:
		value = r.u32()
	case TypeFloat32:
		value = math.Float32frombits(r.u32())
	case TypeFloat64:
		value = math.Float64frombits(r.u64())
	case TypeBlock:
		value = r.block()
	case TypeString:
		raw := r.block()
		if r.err != nil {
			return nil, r.err
		}
		s, err := decodeString(raw)
		if err != nil {
			return nil, err
		}
		value = s
	case TypeLong64:
		value = int64(r.u64())
	case TypeULong64:
		value = r.u64()
	default:
		return nil, decodeErr("unknown parameter datatype %d", uint8(t))
	}

	if r.err != nil {
		return nil, r.err
	}

	return value, nil
}

// putParameter writes [id:2][type:1][value]
func putParameter(w *writer, p Parameter) error {
	w.u16(p.ID)
	w.u8(uint8(p.Type))
	return putValue(w, p.Type, p.Value)
}

func readParameter(r *reader) (Parameter, error) {
	id := r.u16()
	t := ParamType(r.u8())
	if r.err != nil {
		return Parameter{}, r.err
	}

	value, err := readValue(r, t)
	if err != nil {
		return Parameter{}, err
	}

	return Parameter{ID: id, Type: t, Value: value}, nil
}
