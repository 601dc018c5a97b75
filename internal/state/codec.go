package state

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
)

// Key joins parts with "/", e.g. Key("hub", "asset", 5) = "hub/asset/5".
func Key(parts ...any) string {
	s := make([]string, len(parts))
	for i, p := range parts {
		s[i] = fmt.Sprint(p)
	}
	return strings.Join(s, "/")
}

// GetJSON loads and decodes the value at key.
func GetJSON[T any](ctx context.Context, r Reader, key string) (T, bool, error) {
	var v T
	data, ok, err := r.Get(ctx, key)
	if err != nil || !ok {
		return v, ok, err
	}
	if err := json.Unmarshal(data, &v); err != nil {
		return v, false, fmt.Errorf("state: decode %s: %w", key, err)
	}
	return v, true, nil
}

// PutJSON encodes v and stages it at key.
func PutJSON(ctx context.Context, w ReadWriter, key string, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("state: encode %s: %w", key, err)
	}
	return w.Put(ctx, key, data)
}
