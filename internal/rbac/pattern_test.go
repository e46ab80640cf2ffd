package rbac

import "testing"

func TestPatternExactMatch(t *testing.T) {
	p := compilePattern("orders/123")
	if !p.match("orders/123") {
		t.Fatal("expected exact match")
	}
	if p.match("orders/124") {
		t.Fatal("expected no match for different literal")
	}
}

func TestPatternWildcardAll(t *testing.T) {
	p := compilePattern("*")
	for _, v := range []string{"", "anything", "a/b/c"} {
		if !p.match(v) {
			t.Fatalf("expected * to match %q", v)
		}
	}
}

func TestPatternTrailingSlashStar(t *testing.T) {
	p := compilePattern("projects/acme/*")
	if !p.match("projects/acme/") {
		t.Fatal("expected prefix match on bare trailing slash")
	}
	if !p.match("projects/acme/resource-1") {
		t.Fatal("expected prefix match on nested resource")
	}
	if p.match("projects/other/resource-1") {
		t.Fatal("expected no match outside prefix")
	}
	if p.match("projects/acme") {
		t.Fatal("pattern requires the trailing slash itself")
	}
}

func TestPatternPlaceholder(t *testing.T) {
	p := compilePattern("users/{id}/profile")
	if !p.match("users/42/profile") {
		t.Fatal("expected placeholder to match a single segment")
	}
	if p.match("users/42/43/profile") {
		t.Fatal("placeholder must not cross a slash")
	}
	if p.match("users//profile") {
		t.Fatal("placeholder requires at least one character")
	}
}

func TestPatternPlaceholderWithTrailingStar(t *testing.T) {
	p := compilePattern("tenants/{tenant}/*")
	if !p.match("tenants/acme/anything/nested") {
		t.Fatal("expected placeholder + trailing wildcard to match nested paths")
	}
	if p.match("tenants//anything") {
		t.Fatal("placeholder segment must be non-empty")
	}
}

func TestPatternRegexMetacharactersEscaped(t *testing.T) {
	p := compilePattern("billing.invoice")
	if p.match("billingXinvoice") {
		t.Fatal("literal dot must not behave as regex any-char")
	}
	if !p.match("billing.invoice") {
		t.Fatal("expected literal dot to match itself")
	}
}

func TestPatternCacheReturnsSameCompiledPattern(t *testing.T) {
	c := newPatternCache()
	a := c.get("foo/{id}")
	b := c.get("foo/{id}")
	if a != b {
		t.Fatal("expected cache to return the same *pattern instance for the same source")
	}
	c.clear()
	afterClear := c.get("foo/{id}")
	if afterClear == a {
		t.Fatal("expected clear to force recompilation")
	}
	if !afterClear.match("foo/1") {
		t.Fatal("recompiled pattern should still match correctly")
	}
}
