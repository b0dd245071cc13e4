package packet

import (
	"fmt"
	"math"

	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"

	"github.com/luma/hiqbridge/protocol"
)

// ToJSON renders {"type":"SET","parameter":"0001:03:00011a:0000","value":42}.
// SET_STRING carries its text as the value.
func (p *Packet) ToJSON() ([]byte, error) {
	out, err := sjson.SetBytes([]byte(`{}`), "type", p.Kind.String())
	if err != nil {
		return nil, err
	}

	out, err = sjson.SetBytes(out, "parameter", p.Key())
	if err != nil {
		return nil, err
	}

	if p.Kind == SetString {
		return sjson.SetBytes(out, "value", p.Text)
	}
	return sjson.SetBytes(out, "value", p.Value)
}

func jsonErr(format string, args ...interface{}) error {
	return fmt.Errorf("%w: %s", protocol.ErrDecodeFailed, fmt.Sprintf(format, args...))
}

// FromJSON parses a packet sent by a web client
func FromJSON(data []byte) (*Packet, error) {
	if !gjson.ValidBytes(data) {
		return nil, jsonErr("invalid JSON")
	}

	fields := gjson.GetManyBytes(data, "type", "parameter", "value")
	kindField, keyField, valueField := fields[0], fields[1], fields[2]

	if !kindField.Exists() || !keyField.Exists() || !valueField.Exists() {
		return nil, jsonErr("missing fields")
	}
	if kindField.Type != gjson.String || keyField.Type != gjson.String {
		return nil, jsonErr("field type incorrect")
	}

	kind, err := ParseKind(kindField.Str)
	if err != nil {
		return nil, err
	}

	p, err := ParseKey(kind, keyField.Str)
	if err != nil {
		return nil, err
	}

	if kind == SetString {
		if valueField.Type != gjson.String {
			return nil, jsonErr("SET_STRING value must be a string")
		}
		p.Text = valueField.Str
		return p, nil
	}

	if valueField.Type != gjson.Number || valueField.Num != math.Trunc(valueField.Num) {
		return nil, jsonErr("value must be an integer")
	}
	if valueField.Num > math.MaxInt32 || valueField.Num < math.MinInt32 {
		return nil, jsonErr("value %v is out of range", valueField.Num)
	}
	p.Value = int32(valueField.Int())

	return p, nil
}
