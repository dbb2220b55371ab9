// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package odkdata

import (
	"encoding/json"
	"fmt"
	"math"
	"strconv"
	"strings"
)

// Kind discriminates the cell value union.
type Kind uint8

const (
	KindNull Kind = iota
	KindInt
	KindFloat
	KindText
	KindBool
)

// Value is a single cell: Null, Int64, Float64, Text or Bool.
type Value struct {
	kind Kind
	i    int64
	f    float64
	s    string
	b    bool
}

func Null() Value              { return Value{} }
func Int(v int64) Value        { return Value{kind: KindInt, i: v} }
func Float(v float64) Value    { return Value{kind: KindFloat, f: v} }
func Text(v string) Value      { return Value{kind: KindText, s: v} }
func Bool(v bool) Value        { return Value{kind: KindBool, b: v} }
func (v Value) Kind() Kind     { return v.kind }
func (v Value) IsNull() bool   { return v.kind == KindNull }
func (v Value) Int() int64     { return v.i }
func (v Value) Float() float64 { return v.f }
func (v Value) Bool() bool     { return v.b }

// Text returns the text payload, or the canonical raw form for other kinds.
func (v Value) Text() string {
	if v.kind == KindText {
		return v.s
	}
	s, _ := v.Raw()
	return s
}

// Raw returns the canonical string form and false for Null.
func (v Value) Raw() (string, bool) {
	switch v.kind {
	case KindInt:
		return strconv.FormatInt(v.i, 10), true
	case KindFloat:
		return strconv.FormatFloat(v.f, 'f', -1, 64), true
	case KindText:
		return v.s, true
	case KindBool:
		if v.b {
			return "true", true
		}
		return "false", true
	}
	return "", false
}

// Equal compares the canonical raw forms, so Int(3) equals Float(3).
func (v Value) Equal(o Value) bool {
	a, aok := v.Raw()
	b, bok := o.Raw()
	return aok == bok && a == b
}

// SQL returns the value in a form accepted by database/sql drivers.
func (v Value) SQL() any {
	switch v.kind {
	case KindInt:
		return v.i
	case KindFloat:
		return v.f
	case KindText:
		return v.s
	case KindBool:
		if v.b {
			return int64(1)
		}
		return int64(0)
	}
	return nil
}

// Interface returns the natural Go value for JSON encoding.
func (v Value) Interface() any {
	switch v.kind {
	case KindInt:
		return v.i
	case KindFloat:
		return v.f
	case KindText:
		return v.s
	case KindBool:
		return v.b
	}
	return nil
}

func (v Value) MarshalJSON() ([]byte, error) {
	return json.Marshal(v.Interface())
}

func (v Value) String() string {
	if s, ok := v.Raw(); ok {
		return s
	}
	return "<null>"
}

// FromDB converts a value scanned from the driver.
func FromDB(src any) Value {
	switch t := src.(type) {
	case nil:
		return Null()
	case int64:
		return Int(t)
	case int:
		return Int(int64(t))
	case float64:
		return Float(t)
	case bool:
		return Bool(t)
	case []byte:
		return Text(string(t))
	case string:
		return Text(t)
	}
	return Text(fmt.Sprint(src))
}

// FromJSON converts a decoded JSON scalar (decoded with UseNumber) into a Value.
func FromJSON(src any) Value {
	switch t := src.(type) {
	case nil:
		return Null()
	case json.Number:
		if i, err := t.Int64(); err == nil {
			return Int(i)
		}
		f, _ := t.Float64()
		return Float(f)
	case float64:
		if t == math.Trunc(t) && math.Abs(t) < 1<<53 {
			return Int(int64(t))
		}
		return Float(t)
	case bool:
		return Bool(t)
	case string:
		return Text(t)
	}
	b, err := json.Marshal(src)
	if err != nil {
		return Text(fmt.Sprint(src))
	}
	return Text(string(b))
}

// Coerce interprets raw text as a value of the given data type. Empty input is
// Null. Mismatches are reported rather than truncated.
func Coerce(dt ElementDataType, raw string) (Value, error) {
	if raw == "" {
		return Null(), nil
	}
	switch dt {
	case DataTypeInteger:
		i, err := strconv.ParseInt(strings.TrimSpace(raw), 10, 64)
		if err != nil {
			return Null(), fmt.Errorf("value %q is not an integer", raw)
		}
		return Int(i), nil
	case DataTypeNumber:
		f, err := strconv.ParseFloat(strings.TrimSpace(raw), 64)
		if err != nil {
			return Null(), fmt.Errorf("value %q is not a number", raw)
		}
		return Float(f), nil
	case DataTypeBool:
		b, err := parseBool(raw)
		if err != nil {
			return Null(), err
		}
		return Bool(b), nil
	case DataTypeArray, DataTypeObject:
		if !json.Valid([]byte(raw)) {
			return Null(), fmt.Errorf("value %q is not valid JSON for %s", raw, dt)
		}
		return Text(raw), nil
	}
	return Text(raw), nil
}

// CoerceValue converts an already-typed value to the column's data type.
func CoerceValue(dt ElementDataType, v Value) (Value, error) {
	if v.IsNull() {
		return v, nil
	}
	switch {
	case dt == DataTypeInteger && v.kind == KindInt,
		dt == DataTypeNumber && v.kind == KindFloat,
		dt == DataTypeBool && v.kind == KindBool:
		return v, nil
	case dt == DataTypeNumber && v.kind == KindInt:
		return Float(float64(v.i)), nil
	case dt == DataTypeInteger && v.kind == KindFloat:
		if v.f != math.Trunc(v.f) {
			return Null(), fmt.Errorf("value %v would be truncated to an integer", v.f)
		}
		return Int(int64(v.f)), nil
	case dt == DataTypeBool && v.kind == KindInt:
		return Bool(v.i != 0), nil
	}
	raw, _ := v.Raw()
	return Coerce(dt, raw)
}

func parseBool(raw string) (bool, error) {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "true", "1", "t", "yes":
		return true, nil
	case "false", "0", "f", "no":
		return false, nil
	}
	return false, fmt.Errorf("value %q is not a boolean", raw)
}

// Values holds column values keyed by element key.
type Values map[string]Value

// Clone returns a shallow copy.
func (v Values) Clone() Values {
	out := make(Values, len(v))
	for k, x := range v {
		out[k] = x
	}
	return out
}

// Text returns the text form of a column, or "" when absent or null.
func (v Values) Text(key string) string {
	if x, ok := v[key]; ok {
		s, _ := x.Raw()
		return s
	}
	return ""
}
