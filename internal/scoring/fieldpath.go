// internal/scoring/fieldpath.go
package scoring

import (
	"strconv"
	"strings"

	"github.com/solatis/crmrules/internal/types"
)

/*
 * Field path resolution for records.
 *
 * A condition field is either a plain field name ("Budget__c") or a dotted
 * relationship path ("Account.Owner.Name"). Records are decoded JSON objects,
 * so each segment indexes a nested map. A numeric segment indexes an array
 * ("Contacts.0.Email").
 *
 * Lookup tries the exact key first and falls back to a case-insensitive
 * match, since CRM field names are case-insensitive while JSON keys are not.
 * The fallback scans keys in sorted order so ambiguous records resolve
 * deterministically.
 */

// MaxPathDepth bounds relationship traversal.
const MaxPathDepth = 8

// ResolveResult contains the resolved value and whether the path exists.
type ResolveResult struct {
	Value any  // nil if not found or null
	Found bool // false when a segment is missing
}

// SplitPath splits a dotted field path into segments.
func SplitPath(field string) []string {
	return strings.Split(strings.TrimSpace(field), ".")
}

// Resolve traverses record following the dotted path.
// Returns ErrPathTooDeep when the path has more than MaxPathDepth segments.
func Resolve(field string, record map[string]any) (ResolveResult, error) {
	path := SplitPath(field)
	if len(path) > MaxPathDepth {
		return ResolveResult{}, ErrPathTooDeep
	}
	return resolveRecursive(path, record), nil
}

func resolveRecursive(path []string, current any) ResolveResult {
	if len(path) == 0 {
		return ResolveResult{Value: current, Found: true}
	}

	seg := path[0]
	remaining := path[1:]

	switch v := current.(type) {
	case map[string]any:
		val, ok := lookupKey(v, seg)
		if !ok {
			return ResolveResult{}
		}
		return resolveRecursive(remaining, val)

	case []any:
		idx, err := strconv.Atoi(seg)
		if err != nil || idx < 0 || idx >= len(v) {
			return ResolveResult{}
		}
		return resolveRecursive(remaining, v[idx])

	default:
		// Null or scalar at an intermediate position
		return ResolveResult{}
	}
}

func lookupKey(m map[string]any, key string) (any, bool) {
	if val, ok := m[key]; ok {
		return val, true
	}
	var match string
	found := false
	for k := range m {
		if strings.EqualFold(k, key) && (!found || k < match) {
			match, found = k, true
		}
	}
	if !found {
		return nil, false
	}
	return m[match], true
}

// referenceValue unwraps a related record to its Id when a REFERENCE field
// holds the expanded object instead of the id string.
func referenceValue(v any, dt types.DataType) any {
	if dt != types.DataTypeReference {
		return v
	}
	if m, ok := v.(map[string]any); ok {
		if id, ok := lookupKey(m, "Id"); ok {
			return id
		}
	}
	return v
}
