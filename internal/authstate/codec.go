package authstate

import (
	"encoding"
	"encoding/base64"
	"math"
	"reflect"
	"strconv"
	"strings"

	jsoniter "github.com/json-iterator/go"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

var (
	marshalerType     = reflect.TypeOf((*interface{ MarshalJSON() ([]byte, error) })(nil)).Elem()
	textMarshalerType = reflect.TypeOf((*encoding.TextMarshaler)(nil)).Elem()
)

// bufferTag marks a JSON object that carries binary key material.
const bufferTag = "Buffer"

type taggedBuffer struct {
	Type string `json:"type"`
	Data string `json:"data"`
}

// Buffer is binary key material that serializes as {"type":"Buffer","data":"<base64>"}.
type Buffer []byte

func (b Buffer) MarshalJSON() ([]byte, error) {
	if b == nil {
		return []byte("null"), nil
	}
	return json.Marshal(encodeBuffer(b))
}

func (b *Buffer) UnmarshalJSON(data []byte) error {
	var raw any
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	switch v := raw.(type) {
	case nil:
		*b = nil
		return nil
	case map[string]any:
		if decoded, ok := decodeBuffer(v); ok {
			*b = decoded
			return nil
		}
	case string:
		decoded, err := base64.StdEncoding.DecodeString(v)
		if err != nil {
			return err
		}
		*b = decoded
		return nil
	}
	return &DecodeError{Doc: "buffer", Err: errMalformedBuffer}
}

// Document is a free-form JSON object whose binary leaves survive a round trip.
type Document map[string]any

func (d Document) MarshalJSON() ([]byte, error) {
	if d == nil {
		return []byte("null"), nil
	}
	return json.Marshal(Encode(map[string]any(d)))
}

func (d *Document) UnmarshalJSON(data []byte) error {
	var raw map[string]any
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	if raw == nil {
		*d = nil
		return nil
	}
	if m, ok := Decode(raw).(map[string]any); ok {
		*d = m
		return nil
	}
	*d = raw
	return nil
}

// Encode replaces every byte buffer in v with its tagged JSON form. Byte
// slices and arrays are found at any depth, including inside typed slices,
// string keyed maps and struct fields. Containers come back as []any and
// map[string]any; the input is never modified. A nil byte slice encodes as
// null. Values with their own MarshalJSON are left to it.
func Encode(v any) any {
	switch t := v.(type) {
	case nil:
		return nil
	case []byte:
		return encodeBuffer(t)
	case Buffer:
		return encodeBuffer(t)
	case map[string]any:
		return encodeMap(t)
	case Document:
		return encodeMap(t)
	case []any:
		out := make([]any, len(t))
		for i, e := range t {
			out[i] = Encode(e)
		}
		return out
	case KeySet:
		out := make(map[string]any, len(t))
		for cat, ids := range t {
			out[string(cat)] = encodeMap(ids)
		}
		return out
	case string, bool, float64, float32, int, int32, int64, uint32, uint64:
		return v
	}
	return encodeReflect(reflect.ValueOf(v))
}

// Decode is the inverse of Encode. Values that do not look like a tagged
// buffer are returned as they are.
func Decode(v any) any {
	switch t := v.(type) {
	case map[string]any:
		if b, ok := decodeBuffer(t); ok {
			return b
		}
		out := make(map[string]any, len(t))
		for k, e := range t {
			out[k] = Decode(e)
		}
		return out
	case []any:
		out := make([]any, len(t))
		for i, e := range t {
			out[i] = Decode(e)
		}
		return out
	default:
		return v
	}
}

// Marshal encodes v and renders it as JSON.
func Marshal(v any) ([]byte, error) {
	return json.Marshal(Encode(v))
}

// Unmarshal parses JSON and restores byte slices.
func Unmarshal(data []byte) (any, error) {
	var raw any
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, err
	}
	return Decode(raw), nil
}

func encodeMap(m map[string]any) map[string]any {
	out := make(map[string]any, len(m))
	for k, e := range m {
		out[k] = Encode(e)
	}
	return out
}

func encodeReflect(rv reflect.Value) any {
	if rv.Type().Implements(marshalerType) || rv.Type().Implements(textMarshalerType) {
		return rv.Interface()
	}
	switch rv.Kind() {
	case reflect.Ptr, reflect.Interface:
		if rv.IsNil() {
			return nil
		}
		return Encode(rv.Elem().Interface())
	case reflect.Slice:
		if rv.IsNil() {
			return nil
		}
		if rv.Type().Elem().Kind() == reflect.Uint8 {
			return encodeBuffer(rv.Bytes())
		}
		return encodeList(rv)
	case reflect.Array:
		if rv.Type().Elem().Kind() == reflect.Uint8 {
			b := make([]byte, rv.Len())
			reflect.Copy(reflect.ValueOf(b), rv)
			return encodeBuffer(b)
		}
		return encodeList(rv)
	case reflect.Map:
		if rv.IsNil() {
			return nil
		}
		out := make(map[string]any, rv.Len())
		iter := rv.MapRange()
		for iter.Next() {
			key, ok := mapKey(iter.Key())
			if !ok {
				return rv.Interface()
			}
			out[key] = Encode(iter.Value().Interface())
		}
		return out
	case reflect.Struct:
		return encodeStruct(rv)
	}
	return rv.Interface()
}

func encodeList(rv reflect.Value) []any {
	out := make([]any, rv.Len())
	for i := range out {
		out[i] = Encode(rv.Index(i).Interface())
	}
	return out
}

func mapKey(k reflect.Value) (string, bool) {
	switch k.Kind() {
	case reflect.String:
		return k.String(), true
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		return strconv.FormatInt(k.Int(), 10), true
	case reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64:
		return strconv.FormatUint(k.Uint(), 10), true
	}
	return "", false
}

// encodeStruct follows the json tag rules for names, "-" and omitempty.
// Embedded structs are flattened; outer fields win.
func encodeStruct(rv reflect.Value) map[string]any {
	rt := rv.Type()
	out := make(map[string]any, rt.NumField())
	promoted := make(map[string]any)
	for i := 0; i < rt.NumField(); i++ {
		f := rt.Field(i)
		if !f.IsExported() && !f.Anonymous {
			continue
		}
		fv := rv.Field(i)
		tag := f.Tag.Get("json")
		if tag == "-" {
			continue
		}
		name, opts, _ := strings.Cut(tag, ",")
		if f.Anonymous && name == "" {
			ev := fv
			if ev.Kind() == reflect.Ptr {
				if ev.IsNil() || !f.IsExported() {
					continue
				}
				ev = ev.Elem()
			}
			if ev.Kind() == reflect.Struct && !ev.Type().Implements(marshalerType) {
				for k, v := range encodeStruct(ev) {
					promoted[k] = v
				}
				continue
			}
		}
		if !f.IsExported() {
			continue
		}
		if name == "" {
			name = f.Name
		}
		if hasOption(opts, "omitempty") && isEmptyValue(fv) {
			continue
		}
		out[name] = Encode(fv.Interface())
	}
	for k, v := range promoted {
		if _, ok := out[k]; !ok {
			out[k] = v
		}
	}
	return out
}

func hasOption(opts, name string) bool {
	for opts != "" {
		var opt string
		opt, opts, _ = strings.Cut(opts, ",")
		if opt == name {
			return true
		}
	}
	return false
}

func isEmptyValue(v reflect.Value) bool {
	switch v.Kind() {
	case reflect.Array, reflect.Map, reflect.Slice, reflect.String:
		return v.Len() == 0
	case reflect.Struct:
		return false
	}
	return v.IsZero()
}

func encodeBuffer(b []byte) any {
	if b == nil {
		return nil
	}
	return map[string]any{
		"type": bufferTag,
		"data": base64.StdEncoding.EncodeToString(b),
	}
}

func decodeBuffer(m map[string]any) ([]byte, bool) {
	if len(m) != 2 {
		return nil, false
	}
	if typ, _ := m["type"].(string); typ != bufferTag {
		return nil, false
	}
	switch data := m["data"].(type) {
	case string:
		b, err := base64.StdEncoding.DecodeString(data)
		if err != nil {
			return nil, false
		}
		return b, true
	case []any:
		// Older writers store the bytes as a plain number array.
		b := make([]byte, len(data))
		for i, e := range data {
			n, ok := byteValue(e)
			if !ok {
				return nil, false
			}
			b[i] = n
		}
		return b, true
	}
	return nil, false
}

func byteValue(v any) (byte, bool) {
	var f float64
	switch n := v.(type) {
	case float64:
		f = n
	case int:
		f = float64(n)
	case int64:
		f = float64(n)
	case uint8:
		return n, true
	default:
		return 0, false
	}
	if f < 0 || f > 255 || f != math.Trunc(f) {
		return 0, false
	}
	return byte(f), true
}
