package store

import (
	"encoding/json"
	"fmt"
	"sort"

	"github.com/kilupskalvis/kbdump/internal/codec"
	"github.com/kilupskalvis/kbdump/internal/models"
)

// storedValue is one attribute value as kept in a JSON column.
type storedValue struct {
	Name  string `json:"n"`
	Kind  string `json:"k,omitempty"`
	Value string `json:"v,omitempty"`
}

func encodeValues(c *codec.Codec, vals models.Values) (string, error) {
	names := make([]string, 0, len(vals))
	for name := range vals {
		names = append(names, name)
	}
	sort.Strings(names)

	out := make([]storedValue, 0, len(names))
	for _, name := range names {
		k, text, err := c.EncodeValue(vals[name])
		if err != nil {
			return "", fmt.Errorf("attribute %s: %w", name, err)
		}
		out = append(out, storedValue{Name: name, Kind: k.String(), Value: text})
	}
	data, err := json.Marshal(out)
	if err != nil {
		return "", err
	}
	return string(data), nil
}

func decodeValues(c *codec.Codec, data string) (models.Values, error) {
	var stored []storedValue
	if err := json.Unmarshal([]byte(data), &stored); err != nil {
		return nil, fmt.Errorf("failed to parse values: %w", err)
	}
	vals := make(models.Values, len(stored))
	for _, sv := range stored {
		k, err := codec.ParseKind(sv.Kind)
		if err != nil {
			return nil, fmt.Errorf("attribute %s: %w", sv.Name, err)
		}
		v, err := c.Decode(k, sv.Value)
		if err != nil {
			return nil, fmt.Errorf("attribute %s: %w", sv.Name, err)
		}
		vals[sv.Name] = v
	}
	return vals, nil
}
