// Package hashutil provides deterministic JSON canonicalization and
// SHA-256 fingerprints for snapshot comparison and cache keys.
package hashutil

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"math"
	"reflect"
	"sort"
	"strconv"
	"strings"
)

// StableStringify renders a value as canonical JSON: object keys are
// emitted in sorted order, array order is preserved, nil/invalid values
// become null. Two deep-equal values always produce the same string
// regardless of map iteration order.
func StableStringify(v interface{}) string {
	var b strings.Builder
	writeStable(&b, reflect.ValueOf(v))
	return b.String()
}

// HashStableObject returns the hex SHA-256 of the canonical form of v.
func HashStableObject(v interface{}) string {
	sum := sha256.Sum256([]byte(StableStringify(v)))
	return hex.EncodeToString(sum[:])
}

// HashString returns the hex SHA-256 of a raw string.
func HashString(s string) string {
	sum := sha256.Sum256([]byte(s))
	return hex.EncodeToString(sum[:])
}

func writeStable(b *strings.Builder, rv reflect.Value) {
	if !rv.IsValid() {
		b.WriteString("null")
		return
	}

	// Unwrap interfaces and pointers before switching on kind.
	for rv.Kind() == reflect.Interface || rv.Kind() == reflect.Ptr {
		if rv.IsNil() {
			b.WriteString("null")
			return
		}
		rv = rv.Elem()
	}

	switch rv.Kind() {
	case reflect.Map:
		keys := make([]string, 0, rv.Len())
		vals := make(map[string]reflect.Value, rv.Len())
		iter := rv.MapRange()
		for iter.Next() {
			k := fmt.Sprintf("%v", iter.Key().Interface())
			keys = append(keys, k)
			vals[k] = iter.Value()
		}
		sort.Strings(keys)
		b.WriteByte('{')
		for i, k := range keys {
			if i > 0 {
				b.WriteByte(',')
			}
			writeJSONString(b, k)
			b.WriteByte(':')
			writeStable(b, vals[k])
		}
		b.WriteByte('}')

	case reflect.Slice, reflect.Array:
		if rv.Kind() == reflect.Slice && rv.IsNil() {
			b.WriteString("null")
			return
		}
		b.WriteByte('[')
		for i := 0; i < rv.Len(); i++ {
			if i > 0 {
				b.WriteByte(',')
			}
			writeStable(b, rv.Index(i))
		}
		b.WriteByte(']')

	case reflect.Struct:
		// Structs go through encoding/json once, then back through the
		// canonical writer so tag handling matches the stdlib.
		raw, err := json.Marshal(rv.Interface())
		if err != nil {
			b.WriteString("null")
			return
		}
		var generic interface{}
		if err := json.Unmarshal(raw, &generic); err != nil {
			b.WriteString("null")
			return
		}
		writeStable(b, reflect.ValueOf(generic))

	case reflect.String:
		writeJSONString(b, rv.String())

	case reflect.Bool:
		b.WriteString(strconv.FormatBool(rv.Bool()))

	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		b.WriteString(strconv.FormatInt(rv.Int(), 10))

	case reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64:
		b.WriteString(strconv.FormatUint(rv.Uint(), 10))

	case reflect.Float32, reflect.Float64:
		f := rv.Float()
		if math.IsNaN(f) || math.IsInf(f, 0) {
			b.WriteString("null")
			return
		}
		// Integral floats render without a fraction so 10 and 10.0 hash equal.
		if f == math.Trunc(f) && math.Abs(f) < 1e15 {
			b.WriteString(strconv.FormatInt(int64(f), 10))
			return
		}
		b.WriteString(strconv.FormatFloat(f, 'g', -1, 64))

	default:
		b.WriteString("null")
	}
}

func writeJSONString(b *strings.Builder, s string) {
	raw, _ := json.Marshal(s)
	b.Write(raw)
}
