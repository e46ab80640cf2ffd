package rbac

import (
	"regexp"
	"strings"
	"sync"
)

// pattern is a compiled resource pattern, grounded on spec.md §4.4's
// four matching forms: exact, the bare "*" wildcard, a trailing "/*"
// prefix, and "{name}" placeholders compiled to an anchored regex.
type pattern struct {
	source string
	exact  string         // set for plain literal patterns
	prefix string         // set for trailing "/*" patterns
	re     *regexp.Regexp // set for placeholder/wildcard patterns
}

var placeholderRe = regexp.MustCompile(`\{[^{}]+\}`)

func compilePattern(source string) *pattern {
	if source == "*" {
		return &pattern{source: source, re: regexp.MustCompile(`^.*$`)}
	}
	if strings.HasSuffix(source, "/*") && !strings.Contains(source, "{") {
		return &pattern{source: source, prefix: strings.TrimSuffix(source, "*")}
	}
	if !strings.Contains(source, "{") && !strings.Contains(source, "*") {
		return &pattern{source: source, exact: source}
	}

	// Build ^...$ by escaping literal segments and substituting {name} ->
	// ([^/]+), * -> .* in the gaps between them.
	var b strings.Builder
	b.WriteString("^")
	rest := source
	for {
		loc := placeholderRe.FindStringIndex(rest)
		if loc == nil {
			b.WriteString(escapeLiteralWithStars(rest))
			break
		}
		b.WriteString(escapeLiteralWithStars(rest[:loc[0]]))
		b.WriteString(`([^/]+)`)
		rest = rest[loc[1]:]
	}
	b.WriteString("$")
	return &pattern{source: source, re: regexp.MustCompile(b.String())}
}

// escapeLiteralWithStars escapes regex metacharacters in s except for
// "*", which becomes ".*".
func escapeLiteralWithStars(s string) string {
	parts := strings.Split(s, "*")
	for i, p := range parts {
		parts[i] = regexp.QuoteMeta(p)
	}
	return strings.Join(parts, ".*")
}

func (p *pattern) match(value string) bool {
	switch {
	case p.exact != "":
		return p.exact == value
	case p.prefix != "":
		return strings.HasPrefix(value, p.prefix)
	default:
		return p.re.MatchString(value)
	}
}

// patternCache compiles resource patterns once per source string, per
// spec.md §4.4's "compiled patterns are cached by source string."
type patternCache struct {
	mu    sync.RWMutex
	byKey map[string]*pattern
}

func newPatternCache() *patternCache {
	return &patternCache{byKey: make(map[string]*pattern)}
}

func (c *patternCache) get(source string) *pattern {
	c.mu.RLock()
	p, ok := c.byKey[source]
	c.mu.RUnlock()
	if ok {
		return p
	}

	p = compilePattern(source)
	c.mu.Lock()
	c.byKey[source] = p
	c.mu.Unlock()
	return p
}

func (c *patternCache) clear() {
	c.mu.Lock()
	c.byKey = make(map[string]*pattern)
	c.mu.Unlock()
}
