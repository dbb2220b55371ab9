// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package executor

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/moychal/odkVaccine/odkdata"
)

// Metadata columns a renderer may set directly.
var settableAdminColumns = map[string]bool{
	odkdata.ColFormID:           true,
	odkdata.ColLocale:           true,
	odkdata.ColSavepointCreator: true,
}

// ConvertJSON decodes a JSON object of column values. Keys must be retained
// columns or one of _form_id, _locale and _savepoint_creator. Values must be
// null, numbers, strings or booleans; composite values travel as JSON text.
// Each value is coerced to its column's type.
func ConvertJSON(cols *odkdata.OrderedColumns, js string) (odkdata.Values, error) {
	values := odkdata.Values{}
	if strings.TrimSpace(js) == "" {
		return values, nil
	}

	dec := json.NewDecoder(bytes.NewReader([]byte(js)))
	dec.UseNumber()
	var raw map[string]any
	if err := dec.Decode(&raw); err != nil {
		return nil, fmt.Errorf("%w: values are not a JSON object: %v", ErrInvalidRequest, err)
	}

	for key, rv := range raw {
		v, err := jsonValue(key, rv)
		if err != nil {
			return nil, err
		}
		if settableAdminColumns[key] {
			if !v.IsNull() {
				v = odkdata.Text(v.Text())
			}
			values[key] = v
			continue
		}
		def, err := cols.Find(key)
		if err != nil {
			return nil, fmt.Errorf("%w: key is not a database column name: %s", ErrInvalidRequest, key)
		}
		if !def.IsUnitOfRetention() {
			return nil, fmt.Errorf("%w: key is not a database column name: %s", ErrInvalidRequest, key)
		}
		cv, err := odkdata.CoerceValue(def.ElementType().DataType(), v)
		if err != nil {
			return nil, fmt.Errorf("%w: column %s: %v", ErrInvalidRequest, key, err)
		}
		values[key] = cv
	}
	return values, nil
}

func jsonValue(key string, rv any) (odkdata.Value, error) {
	switch t := rv.(type) {
	case nil:
		return odkdata.Null(), nil
	case json.Number:
		if i, err := t.Int64(); err == nil {
			return odkdata.Int(i), nil
		}
		f, err := t.Float64()
		if err != nil {
			return odkdata.Null(), fmt.Errorf("%w: column %s: %v", ErrInvalidRequest, key, err)
		}
		return odkdata.Float(f), nil
	case string:
		return odkdata.Text(t), nil
	case bool:
		return odkdata.Bool(t), nil
	}
	return odkdata.Null(), fmt.Errorf("%w: column %s: unsupported value of type %T", ErrInvalidRequest, key, rv)
}
