package bus

import "strings"

// matcher tests subjects against a dotted pattern. "*" matches exactly one
// token, ">" matches the rest of the subject. A pattern with no wildcard
// compiles to an exact comparison.
type matcher struct {
	exact  string
	tokens []string
}

func compileMatcher(pattern string) matcher {
	if !strings.ContainsAny(pattern, "*>") {
		return matcher{exact: pattern}
	}
	return matcher{tokens: strings.Split(pattern, ".")}
}

func (m matcher) matches(subject string) bool {
	if m.tokens == nil {
		return subject == m.exact
	}

	parts := strings.Split(subject, ".")
	for i, tok := range m.tokens {
		switch tok {
		case ">":
			return len(parts) > i
		case "*":
			if i >= len(parts) {
				return false
			}
		default:
			if i >= len(parts) || parts[i] != tok {
				return false
			}
		}
	}
	return len(parts) == len(m.tokens)
}
