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

package codec_test

import (
	"errors"
	"testing"

	"github.com/bufbuild/kvlb/codec"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type point struct {
	X int `json:"x"`
	Y int `json:"y"`
}

type name string

func (n name) String() string {
	return "name:" + string(n)
}

func TestBytes(t *testing.T) {
	t.Parallel()
	for _, tc := range []struct {
		value    any
		expected string
	}{
		{value: []byte("raw"), expected: "raw"},
		{value: "text", expected: "text"},
		{value: 42, expected: "42"},
		{value: int64(-7), expected: "-7"},
		{value: uint64(9), expected: "9"},
		{value: 1.5, expected: "1.5"},
		{value: true, expected: "1"},
	} {
		data, err := codec.Bytes{}.Encode(tc.value)
		require.NoError(t, err)
		assert.Equal(t, tc.expected, string(data))
	}

	_, err := codec.Bytes{}.Encode(point{})
	assert.True(t, errors.Is(err, codec.ErrUnsupported))

	var s string
	require.NoError(t, codec.Bytes{}.Decode([]byte("value"), &s))
	assert.Equal(t, "value", s)
	var n int
	assert.ErrorIs(t, codec.Bytes{}.Decode([]byte("1"), &n), codec.ErrUnsupported)
}

func TestString(t *testing.T) {
	t.Parallel()
	data, err := codec.String{}.Encode(name("x"))
	require.NoError(t, err)
	assert.Equal(t, "name:x", string(data))
	data, err = codec.String{}.Encode("plain")
	require.NoError(t, err)
	assert.Equal(t, "plain", string(data))
}

func TestJSON(t *testing.T) {
	t.Parallel()
	data, err := codec.JSON{}.Encode(point{X: 1, Y: 2})
	require.NoError(t, err)
	assert.JSONEq(t, `{"x":1,"y":2}`, string(data))

	var decoded point
	require.NoError(t, codec.JSON{}.Decode(data, &decoded))
	assert.Equal(t, point{X: 1, Y: 2}, decoded)

	assert.Error(t, codec.JSON{}.Decode([]byte("{"), &decoded))
}
