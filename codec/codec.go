// Copyright 2023-2025 Buf Technologies, Inc.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//      http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package codec provides the conn.Codec implementations shipped with kvlb.
package codec

import (
	"encoding/json"
	"fmt"
	"strconv"

	"github.com/bufbuild/kvlb/conn"
	"github.com/pkg/errors"
)

// ErrUnsupported is returned when a value has no encoding.
var ErrUnsupported = errors.New("codec: unsupported type")

var (
	_ conn.Codec = Bytes{}
	_ conn.Codec = String{}
	_ conn.Codec = JSON{}
)

// Bytes passes []byte and string values through as is, and formats numbers
// and booleans in decimal. It decodes into *[]byte and *string.
type Bytes struct{}

func (Bytes) Encode(value any) ([]byte, error) {
	switch v := value.(type) {
	case []byte:
		return v, nil
	case string:
		return []byte(v), nil
	case int:
		return strconv.AppendInt(nil, int64(v), 10), nil
	case int64:
		return strconv.AppendInt(nil, v, 10), nil
	case uint64:
		return strconv.AppendUint(nil, v, 10), nil
	case float64:
		return strconv.AppendFloat(nil, v, 'f', -1, 64), nil
	case bool:
		if v {
			return []byte("1"), nil
		}
		return []byte("0"), nil
	default:
		return nil, errors.WithMessagef(ErrUnsupported, "%T", value)
	}
}

func (Bytes) Decode(data []byte, target any) error {
	switch t := target.(type) {
	case *[]byte:
		*t = append((*t)[:0], data...)
		return nil
	case *string:
		*t = string(data)
		return nil
	default:
		return errors.WithMessagef(ErrUnsupported, "%T", target)
	}
}

// String is like Bytes but also encodes any fmt.Stringer.
type String struct{}

func (String) Encode(value any) ([]byte, error) {
	if s, ok := value.(fmt.Stringer); ok {
		return []byte(s.String()), nil
	}
	return Bytes{}.Encode(value)
}

func (String) Decode(data []byte, target any) error {
	return Bytes{}.Decode(data, target)
}

// JSON encodes every value as a JSON document, so that structured values
// can be stored. []byte is passed through unchanged.
type JSON struct{}

func (JSON) Encode(value any) ([]byte, error) {
	if b, ok := value.([]byte); ok {
		return b, nil
	}
	data, err := json.Marshal(value)
	if err != nil {
		return nil, errors.WithMessage(err, "codec: encoding JSON")
	}
	return data, nil
}

func (JSON) Decode(data []byte, target any) error {
	if err := json.Unmarshal(data, target); err != nil {
		return errors.WithMessage(err, "codec: decoding JSON")
	}
	return nil
}
