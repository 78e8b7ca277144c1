package main

import (
	"encoding/hex"
	"fmt"
	"io"
	"strings"
)

// parseValue converts command-line input to bytes. In hex mode spaces, colons,
// dashes and 0x prefixes are ignored.
func parseValue(input string, asHex bool) ([]byte, error) {
	if !asHex {
		return []byte(input), nil
	}

	cleaned := strings.NewReplacer(" ", "", ":", "", "-", "", "0x", "", "0X", "").Replace(input)
	data, err := hex.DecodeString(cleaned)
	if err != nil {
		return nil, fmt.Errorf("invalid hex data: %w", err)
	}
	return data, nil
}

// writeValue prints data as hex followed by a newline, or raw.
// A non-empty prefix is written before the value.
func writeValue(w io.Writer, prefix string, data []byte, asHex bool) error {
	if prefix != "" {
		if _, err := io.WriteString(w, prefix); err != nil {
			return err
		}
	}
	if asHex {
		_, err := fmt.Fprintln(w, hex.EncodeToString(data))
		return err
	}
	_, err := w.Write(data)
	return err
}

// chunk splits data into pieces of at most size bytes. A size <= 0 keeps data whole.
func chunk(data []byte, size int) [][]byte {
	if size <= 0 || len(data) <= size {
		return [][]byte{data}
	}
	out := make([][]byte, 0, (len(data)+size-1)/size)
	for len(data) > size {
		out = append(out, data[:size])
		data = data[size:]
	}
	return append(out, data)
}
