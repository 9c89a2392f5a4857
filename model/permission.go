package model

import "strings"

// PermissionSet is the effective set of permission keys held by a user. Keys
// look like "journal:post" and may end in a wildcard ("journal:*", "*").
type PermissionSet map[string]bool

// NewPermissionSet builds a set from a list of keys.
func NewPermissionSet(keys ...string) PermissionSet {
	ps := make(PermissionSet, len(keys))
	for _, k := range keys {
		ps[k] = true
	}
	return ps
}

// Has returns true if the set contains the exact key or a wildcard that
// matches it.
func (ps PermissionSet) Has(key string) bool {
	if ps[key] {
		return true
	}
	for pattern := range ps {
		if matchWildcard(pattern, key) {
			return true
		}
	}
	return false
}

// Merge adds every key of other to the set.
func (ps PermissionSet) Merge(other PermissionSet) {
	for k := range other {
		ps[k] = true
	}
}

// matchWildcard returns true if pattern (which may end in "*") matches key.
//
//	"*"              matches anything
//	"journal:*"      matches "journal:post:approve"
//	"journal:post"   does NOT match "journal:post:approve"
func matchWildcard(pattern, key string) bool {
	if pattern == "*" {
		return true
	}
	if !strings.HasSuffix(pattern, ":*") {
		return false
	}
	return strings.HasPrefix(key, pattern[:len(pattern)-1])
}
