package eventlog

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math/big"
	"strconv"
	"strings"
)

// ErrInexactNumber is returned when a JSON number cannot be held by a payload
// without changing its value.
var ErrInexactNumber = errors.New("number cannot be represented exactly")

// DecodeJSON decodes a single JSON value for use in a payload. Numbers become
// float64. An integer that float64 cannot hold exactly, such as 2^53+1, is
// rejected with ErrInexactNumber instead of being rounded.
func DecodeJSON(data []byte) (interface{}, error) {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()

	var v interface{}
	if err := dec.Decode(&v); err != nil {
		return nil, err
	}
	if _, err := dec.Token(); err != io.EOF {
		return nil, errors.New("unexpected data after top-level value")
	}
	return normalizeNumbers(v, "")
}

// DecodeObject is DecodeJSON for documents that must be a JSON object.
func DecodeObject(data []byte) (map[string]interface{}, error) {
	v, err := DecodeJSON(data)
	if err != nil {
		return nil, err
	}
	fields, ok := v.(map[string]interface{})
	if !ok {
		return nil, errors.New("JSON value must be an object")
	}
	return fields, nil
}

// normalizeNumbers replaces every json.Number in v with its float64 value.
// Maps and slices are rewritten in place.
func normalizeNumbers(v interface{}, path string) (interface{}, error) {
	switch val := v.(type) {
	case json.Number:
		return exactFloat(val, path)
	case map[string]interface{}:
		for k, item := range val {
			n, err := normalizeNumbers(item, path+"/"+k)
			if err != nil {
				return nil, err
			}
			val[k] = n
		}
	case []interface{}:
		for i, item := range val {
			n, err := normalizeNumbers(item, path+"/"+strconv.Itoa(i))
			if err != nil {
				return nil, err
			}
			val[i] = n
		}
	}
	return v, nil
}

func exactFloat(n json.Number, path string) (float64, error) {
	if path == "" {
		path = "/"
	}
	s := n.String()
	f, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return 0, fmt.Errorf("%s: %w: %s", path, ErrInexactNumber, s)
	}
	if strings.ContainsAny(s, ".eE") {
		return f, nil
	}

	i, ok := new(big.Int).SetString(s, 10)
	if !ok {
		return 0, fmt.Errorf("%s: invalid integer %s", path, s)
	}
	back, _ := big.NewFloat(f).Int(nil)
	if back.Cmp(i) != 0 {
		return 0, fmt.Errorf("%s: %w: %s", path, ErrInexactNumber, s)
	}
	return f, nil
}
