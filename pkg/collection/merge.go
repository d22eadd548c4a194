// Package collection maintains the option lists offered for relationship
// fields: ordered, duplicate-free sequences of referencable entities.
package collection

// Identifiable is any record that can be referenced by a unique identifier.
// Two values with the same identifier are the same entity.
type Identifiable interface {
	Identifier() string
}

// MergeMissing returns existing followed by every candidate whose identifier
// is not already present, in candidate order. Candidates with an empty
// identifier are treated as absent. existing is never modified; when an
// identifier is already present the existing value is kept as is.
func MergeMissing[T Identifiable](existing []T, candidates ...T) []T {
	return MergeMissingFunc(existing, func(v T) string { return v.Identifier() }, candidates...)
}

// MergeMissingFunc is MergeMissing for element types that do not implement
// Identifiable. key must return "" for absent values (nil pointers included).
func MergeMissingFunc[T any](existing []T, key func(T) string, candidates ...T) []T {
	out := make([]T, len(existing), len(existing)+len(candidates))
	copy(out, existing)
	if len(candidates) == 0 {
		return out
	}

	seen := make(map[string]struct{}, len(existing)+len(candidates))
	for _, v := range existing {
		seen[key(v)] = struct{}{}
	}
	for _, c := range candidates {
		id := key(c)
		if id == "" {
			continue
		}
		if _, ok := seen[id]; ok {
			continue
		}
		seen[id] = struct{}{}
		out = append(out, c)
	}
	return out
}

// Identifiers returns the identifiers of items in order.
func Identifiers[T Identifiable](items []T) []string {
	ids := make([]string, 0, len(items))
	for _, v := range items {
		ids = append(ids, v.Identifier())
	}
	return ids
}
