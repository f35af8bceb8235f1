package upload

import (
	"encoding/base64"
	"fmt"
	"strings"
)

// parseMetadata decodes a tus Upload-Metadata header: comma-separated
// "key base64value" pairs, value optional.
func parseMetadata(header string) (map[string]string, error) {
	meta := make(map[string]string)
	if strings.TrimSpace(header) == "" {
		return meta, nil
	}

	for _, pair := range strings.Split(header, ",") {
		pair = strings.TrimSpace(pair)
		if pair == "" {
			continue
		}

		key, encoded, _ := strings.Cut(pair, " ")
		if key == "" {
			return nil, fmt.Errorf("metadata pair %q has no key", pair)
		}
		if _, dup := meta[key]; dup {
			return nil, fmt.Errorf("duplicate metadata key %q", key)
		}

		if encoded == "" {
			meta[key] = ""
			continue
		}
		value, err := base64.StdEncoding.DecodeString(encoded)
		if err != nil {
			return nil, fmt.Errorf("decoding metadata value for %q: %w", key, err)
		}
		meta[key] = string(value)
	}
	return meta, nil
}
