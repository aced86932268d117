package wire

import (
	"fmt"
	"strings"
)

// ParamCode identifies one of the parameter type codes from spec.md 4.D.
type ParamCode string

const (
	ParamU32    ParamCode = "%u"
	ParamI32    ParamCode = "%i"
	ParamU16    ParamCode = "%hu"
	ParamI16    ParamCode = "%hi"
	ParamByte   ParamCode = "%c"
	ParamString ParamCode = "%s"
	ParamBytes  ParamCode = "%*s"
)

// ParamSpec names one positional parameter of a message format string, e.g.
// "oid=%c" decomposes to Name="oid", Code=ParamByte.
type ParamSpec struct {
	Name string
	Code ParamCode
}

// ParseFormat splits a Klipper-style format string ("oid=%c pin=%u") into
// its ordered parameter specs. An empty format string (no-argument
// messages, e.g. "get_clock") yields a nil slice.
func ParseFormat(format string) ([]ParamSpec, error) {
	format = strings.TrimSpace(format)
	if format == "" {
		return nil, nil
	}
	fields := strings.Fields(format)
	specs := make([]ParamSpec, 0, len(fields))
	for _, f := range fields {
		name, code, ok := strings.Cut(f, "=")
		if !ok {
			return nil, fmt.Errorf("wire: malformed format field %q", f)
		}
		pc := ParamCode(code)
		switch pc {
		case ParamU32, ParamI32, ParamU16, ParamI16, ParamByte, ParamString, ParamBytes:
		case "%.*s":
			pc = ParamBytes
		default:
			return nil, fmt.Errorf("wire: unknown parameter code %q in field %q", code, f)
		}
		specs = append(specs, ParamSpec{Name: name, Code: pc})
	}
	return specs, nil
}

// EncodeParams serializes values (keyed by ParamSpec.Name) in schema order.
func EncodeParams(buf []byte, schema []ParamSpec, values map[string]any) ([]byte, error) {
	for _, spec := range schema {
		v, ok := values[spec.Name]
		if !ok {
			return nil, fmt.Errorf("wire: missing value for parameter %q", spec.Name)
		}
		switch spec.Code {
		case ParamU32, ParamU16:
			u, err := toUint32(v)
			if err != nil {
				return nil, fmt.Errorf("parameter %q: %w", spec.Name, err)
			}
			buf = EncodeVLQUint(buf, u)
		case ParamI32, ParamI16:
			i, err := toInt32(v)
			if err != nil {
				return nil, fmt.Errorf("parameter %q: %w", spec.Name, err)
			}
			buf = EncodeVLQInt(buf, i)
		case ParamByte:
			u, err := toUint32(v)
			if err != nil {
				return nil, fmt.Errorf("parameter %q: %w", spec.Name, err)
			}
			buf = append(buf, byte(u))
		case ParamString:
			s, ok := v.(string)
			if !ok {
				return nil, fmt.Errorf("parameter %q: want string, got %T", spec.Name, v)
			}
			buf = EncodeCString(buf, s)
		case ParamBytes:
			b, ok := v.([]byte)
			if !ok {
				return nil, fmt.Errorf("parameter %q: want []byte, got %T", spec.Name, v)
			}
			buf = EncodeVLQBytes(buf, b)
		}
	}
	return buf, nil
}

// DecodeParams parses schema-ordered parameters from the front of *data
// into a name-keyed map.
func DecodeParams(data *[]byte, schema []ParamSpec) (map[string]any, error) {
	out := make(map[string]any, len(schema))
	for _, spec := range schema {
		switch spec.Code {
		case ParamU32, ParamU16:
			u, err := DecodeVLQUint(data)
			if err != nil {
				return nil, fmt.Errorf("parameter %q: %w", spec.Name, err)
			}
			out[spec.Name] = u
		case ParamI32, ParamI16:
			i, err := DecodeVLQInt(data)
			if err != nil {
				return nil, fmt.Errorf("parameter %q: %w", spec.Name, err)
			}
			out[spec.Name] = i
		case ParamByte:
			if len(*data) == 0 {
				return nil, fmt.Errorf("parameter %q: truncated", spec.Name)
			}
			out[spec.Name] = uint32((*data)[0])
			*data = (*data)[1:]
		case ParamString:
			s, err := DecodeCString(data)
			if err != nil {
				return nil, fmt.Errorf("parameter %q: %w", spec.Name, err)
			}
			out[spec.Name] = s
		case ParamBytes:
			b, err := DecodeVLQBytes(data)
			if err != nil {
				return nil, fmt.Errorf("parameter %q: %w", spec.Name, err)
			}
			out[spec.Name] = b
		}
	}
	return out, nil
}

func toUint32(v any) (uint32, error) {
	switch n := v.(type) {
	case uint32:
		return n, nil
	case int:
		return uint32(n), nil
	case uint:
		return uint32(n), nil
	case uint8:
		return uint32(n), nil
	case uint16:
		return uint32(n), nil
	case int32:
		return uint32(n), nil
	case bool:
		if n {
			return 1, nil
		}
		return 0, nil
	default:
		return 0, fmt.Errorf("want an unsigned integer, got %T", v)
	}
}

func toInt32(v any) (int32, error) {
	switch n := v.(type) {
	case int32:
		return n, nil
	case int:
		return int32(n), nil
	case int16:
		return int32(n), nil
	default:
		return 0, fmt.Errorf("want a signed integer, got %T", v)
	}
}
