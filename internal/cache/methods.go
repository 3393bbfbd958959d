package cache

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"sort"
	"strings"
)

// blockTags that indicate dynamic/latest data - not cacheable
var dynamicBlockTags = map[string]bool{
	"latest":    true,
	"pending":   true,
	"earliest":  true,
	"safe":      true,
	"finalized": true,
}

// Policy decides which requests may be answered from the cache
type Policy struct {
	methods map[string]bool
}

// NewPolicy creates a policy caching the given methods
func NewPolicy(methods []string) *Policy {
	p := &Policy{methods: make(map[string]bool, len(methods))}
	for _, method := range methods {
		p.methods[method] = true
	}
	return p
}

// IsCacheable checks if a request is cacheable based on method and params.
// A configured method is still skipped when any top-level param is a dynamic
// block tag such as "latest".
func (p *Policy) IsCacheable(method string, params json.RawMessage) bool {
	if p == nil || !p.methods[method] {
		return false
	}
	return !containsDynamicBlockTag(params)
}

// containsDynamicBlockTag checks the top-level params for dynamic block tags
func containsDynamicBlockTag(params json.RawMessage) bool {
	if len(params) == 0 {
		return false
	}

	var paramsArray []json.RawMessage
	if err := json.Unmarshal(params, &paramsArray); err != nil {
		return true // Cannot parse, assume not cacheable
	}

	for _, param := range paramsArray {
		var tag string
		if err := json.Unmarshal(param, &tag); err != nil {
			continue
		}
		if dynamicBlockTags[strings.ToLower(tag)] {
			return true
		}
	}
	return false
}

// GenerateCacheKey creates a unique cache key for a request
func GenerateCacheKey(group, method string, params json.RawMessage) string {
	hash := sha256.Sum256(normalizeParams(params))
	return group + ":" + method + ":" + hex.EncodeToString(hash[:8])
}

// normalizeParams normalizes JSON params for consistent hashing
func normalizeParams(params json.RawMessage) []byte {
	if len(params) == 0 {
		return []byte("[]")
	}

	var data interface{}
	if err := json.Unmarshal(params, &data); err != nil {
		return params // Return as-is if cannot parse
	}

	result, err := json.Marshal(normalizeValue(data))
	if err != nil {
		return params
	}
	return result
}

// normalizeValue recursively normalizes a JSON value
func normalizeValue(v interface{}) interface{} {
	switch val := v.(type) {
	case map[string]interface{}:
		keys := make([]string, 0, len(val))
		for k := range val {
			keys = append(keys, k)
		}
		sort.Strings(keys)

		result := make(map[string]interface{}, len(val))
		for _, k := range keys {
			result[k] = normalizeValue(val[k])
		}
		return result
	case []interface{}:
		result := make([]interface{}, len(val))
		for i, item := range val {
			result[i] = normalizeValue(item)
		}
		return result
	case string:
		return strings.ToLower(val) // Normalize hex addresses/hashes to lowercase
	default:
		return val
	}
}
