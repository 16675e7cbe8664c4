package bus

import "strings"

// Wildcard is the glob token accepted in type patterns.
const Wildcard = "*"

// IsWildcard reports whether pattern contains a glob token.
func IsWildcard(pattern string) bool {
	return strings.Contains(pattern, Wildcard)
}

// MatchPattern reports whether name matches pattern. A "*" matches any run of
// characters, dots included, so "Config*" matches "ConfigChanged" and
// "Config.*" matches "Config.Changed.Deep". Patterns without "*" match exactly.
func MatchPattern(pattern, name string) bool {
	if !IsWildcard(pattern) {
		return pattern == name
	}
	if pattern == Wildcard {
		return true
	}

	parts := strings.Split(pattern, Wildcard)
	prefix, suffix := parts[0], parts[len(parts)-1]
	if !strings.HasPrefix(name, prefix) {
		return false
	}
	name = name[len(prefix):]
	if len(name) < len(suffix) || !strings.HasSuffix(name, suffix) {
		return false
	}
	name = name[:len(name)-len(suffix)]

	for _, middle := range parts[1 : len(parts)-1] {
		if middle == "" {
			continue
		}
		idx := strings.Index(name, middle)
		if idx < 0 {
			return false
		}
		name = name[idx+len(middle):]
	}
	return true
}
