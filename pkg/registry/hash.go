package registry

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
)

// EmptyToolsetHash is the fixed hash of an empty tool surface.
const EmptyToolsetHash = "sha256:empty"

// ComputeToolsetHash produces a stable fingerprint of the visible tool
// surface: canonical JSON with sorted object keys, SHA-256 truncated to 16
// hex characters, prefixed "sha256:". The hash is order-independent over
// the tool list, so clients can compare surfaces cheaply.
func ComputeToolsetHash(tools []Descriptor) string {
	if len(tools) == 0 {
		return EmptyToolsetHash
	}

	canonical := make([]string, 0, len(tools))
	for _, tool := range tools {
		canonical = append(canonical, canonicalizeDescriptor(tool))
	}
	sort.Strings(canonical)

	sum := sha256.Sum256([]byte(strings.Join(canonical, "\n")))
	return "sha256:" + hex.EncodeToString(sum[:])[:16]
}

func canonicalizeDescriptor(tool Descriptor) string {
	var schema any
	if len(tool.InputSchema) > 0 {
		if err := json.Unmarshal(tool.InputSchema, &schema); err != nil {
			schema = string(tool.InputSchema)
		}
	}
	return canonicalJSON(map[string]any{
		"name":        tool.Name,
		"description": tool.Description,
		"inputSchema": schema,
	})
}

// canonicalJSON renders a decoded JSON value with object keys sorted,
// recursively. Numbers render via encoding/json so the form is consistent
// with the decode above.
func canonicalJSON(value any) string {
	switch v := value.(type) {
	case map[string]any:
		keys := make([]string, 0, len(v))
		for k := range v {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		var b strings.Builder
		b.WriteByte('{')
		for i, k := range keys {
			if i > 0 {
				b.WriteByte(',')
			}
			kj, _ := json.Marshal(k)
			b.Write(kj)
			b.WriteByte(':')
			b.WriteString(canonicalJSON(v[k]))
		}
		b.WriteByte('}')
		return b.String()
	case []any:
		var b strings.Builder
		b.WriteByte('[')
		for i, item := range v {
			if i > 0 {
				b.WriteByte(',')
			}
			b.WriteString(canonicalJSON(item))
		}
		b.WriteByte(']')
		return b.String()
	default:
		raw, err := json.Marshal(v)
		if err != nil {
			return fmt.Sprintf("%q", fmt.Sprint(v))
		}
		return string(raw)
	}
}
