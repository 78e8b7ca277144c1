package main

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseValue(t *testing.T) {
	tests := []struct {
		name     string
		input    string
		asHex    bool
		expected []byte
	}{
		{name: "simple hex", input: "0102", asHex: true, expected: []byte{0x01, 0x02}},
		{name: "hex with spaces", input: "01 02 03", asHex: true, expected: []byte{0x01, 0x02, 0x03}},
		{name: "hex with colons", input: "01:02:03", asHex: true, expected: []byte{0x01, 0x02, 0x03}},
		{name: "hex with 0x prefix", input: "0x01 0X02", asHex: true, expected: []byte{0x01, 0x02}},
		{name: "mixed separators", input: "0x01:02-03 04", asHex: true, expected: []byte{0x01, 0x02, 0x03, 0x04}},
		{name: "raw keeps nulls", input: "test\x00data", expected: []byte("test\x00data")},
		{name: "raw UTF-8", input: "héllo", expected: []byte("héllo")},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := parseValue(tt.input, tt.asHex)
			require.NoError(t, err, "MUST parse valid input")
			assert.Equal(t, tt.expected, got)
		})
	}

	t.Run("invalid hex", func(t *testing.T) {
		got, err := parseValue("ZZZZ", true)
		assert.ErrorContains(t, err, "invalid hex data")
		assert.Nil(t, got, "result MUST be nil on error")
	})

	t.Run("odd length hex", func(t *testing.T) {
		_, err := parseValue("123", true)
		assert.Error(t, err)
	})
}

func TestWriteValue(t *testing.T) {
	var buf bytes.Buffer

	require.NoError(t, writeValue(&buf, "", []byte{0xde, 0xad}, true))
	require.NoError(t, writeValue(&buf, "2A19: ", []byte{0x32}, true))
	require.NoError(t, writeValue(&buf, "", []byte("raw"), false))

	assert.Equal(t, "dead\n2A19: 32\nraw", buf.String())
}

func TestChunk(t *testing.T) {
	data := []byte{1, 2, 3, 4, 5}

	assert.Equal(t, [][]byte{data}, chunk(data, 0), "size 0 MUST keep the value whole")
	assert.Equal(t, [][]byte{data}, chunk(data, 5))
	assert.Equal(t, [][]byte{{1, 2}, {3, 4}, {5}}, chunk(data, 2))
	assert.Equal(t, [][]byte{{1}, {2}, {3}, {4}, {5}}, chunk(data, 1))
	assert.Equal(t, [][]byte{{}}, chunk([]byte{}, 3), "empty value MUST produce a single empty write")
}
