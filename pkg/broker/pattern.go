package broker

import "strings"

// matchRoutingKey reports whether routingKey satisfies pattern. Direct
// exchanges require an exact match; topic exchanges support the usual
// `*` (exactly one segment) and `#` (zero or more segments) wildcards
// over dot-separated segments.
func matchRoutingKey(pattern, routingKey string, kind ExchangeKind) bool {
	if kind == Direct {
		return pattern == routingKey
	}
	return matchTopicPattern(strings.Split(pattern, "."), strings.Split(routingKey, "."))
}

func matchTopicPattern(pattern, key []string) bool {
	if len(pattern) == 0 {
		return len(key) == 0
	}
	head := pattern[0]
	switch head {
	case "#":
		if len(pattern) == 1 {
			return true
		}
		for i := 0; i <= len(key); i++ {
			if matchTopicPattern(pattern[1:], key[i:]) {
				return true
			}
		}
		return false
	case "*":
		if len(key) == 0 {
			return false
		}
		return matchTopicPattern(pattern[1:], key[1:])
	default:
		if len(key) == 0 || key[0] != head {
			return false
		}
		return matchTopicPattern(pattern[1:], key[1:])
	}
}
