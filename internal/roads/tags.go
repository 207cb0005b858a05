package roads

import (
	"fmt"
	"sort"
	"strings"
)

// Tags is the canonical tag form fed to the classifier: lower-cased keys
// mapped to lower-cased, trimmed, semicolon-split values.
type Tags map[string][]string

// keyAliases maps flattened key spellings produced by some exporters to the
// OSM key they stand for.
var keyAliases = map[string]string{
	"access_conditional":        "access:conditional",
	"vehicle_conditional":       "vehicle:conditional",
	"motor_vehicle_conditional": "motor_vehicle:conditional",
	"motorcar_conditional":      "motorcar:conditional",
}

// NormalizeTags converts the loosely typed tag mapping of an OSM way into
// Tags. Values may be strings, string lists, semicolon-joined strings or a
// nested "tags" object. Unknown value types are formatted with %v.
func NormalizeTags(raw map[string]any) Tags {
	out := make(Tags, len(raw))
	merge(out, raw)
	return out
}

// FromStrings builds Tags from a plain string mapping
func FromStrings(raw map[string]string) Tags {
	out := make(Tags, len(raw))
	for k, v := range raw {
		add(out, k, v)
	}
	return out
}

func merge(out Tags, raw map[string]any) {
	keys := make([]string, 0, len(raw))
	for k := range raw {
		if k != "tags" {
			keys = append(keys, k)
		}
	}
	sort.Strings(keys)

	for _, k := range keys {
		switch v := raw[k].(type) {
		case nil:
		case string:
			add(out, k, v)
		case []string:
			for _, s := range v {
				add(out, k, s)
			}
		case []any:
			for _, s := range v {
				if s != nil {
					add(out, k, fmt.Sprint(s))
				}
			}
		default:
			add(out, k, fmt.Sprint(v))
		}
	}

	// Top-level keys win over the same key in a nested tags object.
	nested := Tags{}
	switch n := raw["tags"].(type) {
	case map[string]any:
		merge(nested, n)
	case map[string]string:
		for k, v := range n {
			add(nested, k, v)
		}
	}
	for k, v := range nested {
		if _, ok := out[k]; !ok {
			out[k] = v
		}
	}
}

func add(out Tags, key, value string) {
	key = strings.ToLower(strings.TrimSpace(key))
	if alias, ok := keyAliases[key]; ok {
		key = alias
	}
	if key == "" {
		return
	}
	for _, part := range strings.Split(value, ";") {
		part = strings.ToLower(strings.TrimSpace(part))
		if part != "" {
			out[key] = append(out[key], part)
		}
	}
}

// First returns the first value of key, or "" if absent
func (t Tags) First(key string) string {
	if v := t[key]; len(v) > 0 {
		return v[0]
	}
	return ""
}

// Has reports whether key carries value
func (t Tags) Has(key, value string) bool {
	for _, v := range t[key] {
		if v == value {
			return true
		}
	}
	return false
}

// HasAny reports whether key carries any value from set
func (t Tags) HasAny(key string, set map[string]bool) bool {
	for _, v := range t[key] {
		if set[v] {
			return true
		}
	}
	return false
}
