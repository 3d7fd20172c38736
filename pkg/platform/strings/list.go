// Package strings normalizes list-valued configuration.
package strings

import "strings"

// SplitList accepts both YAML lists and comma-joined environment values, so
// ["k1:9092, k2:9092", "k1:9092"] and "k1:9092,k2:9092" both become
// [k1:9092 k2:9092]. It returns nil when no element survives.
func SplitList(values []string) []string {
	var out []string
	for _, v := range values {
		out = appendUnique(out, strings.Split(v, ",")...)
	}
	return out
}

// appendUnique trims each value and appends it unless blank or already
// present. Matching is case sensitive.
func appendUnique(dst []string, values ...string) []string {
	for _, v := range values {
		v = strings.TrimSpace(v)
		if v == "" || contains(dst, v) {
			continue
		}
		dst = append(dst, v)
	}
	return dst
}

func contains(values []string, v string) bool {
	for _, existing := range values {
		if existing == v {
			return true
		}
	}
	return false
}
