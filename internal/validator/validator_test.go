package validator

import (
	"testing"
	"time"

	"github.com/swarmguard/edgecore/config"
)

func newTestValidator() *Validator {
	return New(config.Default().Validator, nil, nil, nil, nil)
}

func TestValidateEmailByExplicitRule(t *testing.T) {
	v := newTestValidator()
	res := v.Validate("contact", "not-an-email", []string{"email"}, true)
	if res.Valid {
		t.Fatalf("expected invalid email to fail validation")
	}
	res = v.Validate("contact", "user@example.com", []string{"email"}, true)
	if !res.Valid {
		t.Fatalf("expected valid email to pass, got issues: %+v", res.Issues)
	}
}

func TestValidateInfersRuleFromFieldName(t *testing.T) {
	v := newTestValidator()
	res := v.Validate("user_email", "user@example.com", nil, true)
	if !res.Valid {
		t.Fatalf("expected field-name heuristic to apply email rule, got issues: %+v", res.Issues)
	}
	res = v.Validate("user_email", "garbage", nil, true)
	if res.Valid {
		t.Fatalf("expected heuristic-applied email rule to reject garbage")
	}
}

func TestCheckSecurityFlagsSQLInjection(t *testing.T) {
	v := newTestValidator()
	result := v.CheckSecurity("1; DROP TABLE users; --")
	if result.Safe {
		t.Fatalf("expected SQL injection pattern to be flagged unsafe")
	}
	if !result.Threats[ThreatSQLInjection] {
		t.Fatalf("expected sql_injection threat to be set")
	}
	if result.Sanitized != "[REDACTED]" {
		t.Fatalf("expected sanitized value to be redacted, got %q", result.Sanitized)
	}
}

func TestCheckSecurityFlagsXSS(t *testing.T) {
	v := newTestValidator()
	result := v.CheckSecurity(`<script>alert(1)</script>`)
	if result.Safe || !result.Threats[ThreatXSS] {
		t.Fatalf("expected xss threat to be flagged")
	}
}

func TestValidateRedactsOnSecurityThreat(t *testing.T) {
	v := newTestValidator()
	res := v.Validate("comment", "'; DROP TABLE users; --", nil, true)
	if res.Valid {
		t.Fatalf("expected malicious input to fail validation")
	}
	if res.Sanitized != "[REDACTED]" {
		t.Fatalf("expected redacted sanitized value, got %q", res.Sanitized)
	}
}

func TestValidateResultIsCached(t *testing.T) {
	v := newTestValidator()
	before := v.CacheSize()
	v.Validate("slug_field", "hello-world", []string{"slug"}, true)
	if v.CacheSize() != before+1 {
		t.Fatalf("expected validation result to populate cache")
	}
	v.Validate("slug_field", "hello-world", []string{"slug"}, true)
	if v.CacheSize() != before+1 {
		t.Fatalf("expected second identical call to hit cache, not grow it")
	}
}

func TestSanitizeDefaultPipeline(t *testing.T) {
	v := newTestValidator()
	out := v.Sanitize("  <b>hi</b>\x00  ", nil)
	if out == "" {
		t.Fatalf("expected non-empty sanitized output")
	}
}

func TestResultCachePrunesOverCapacity(t *testing.T) {
	c := newResultCache(0, 10)
	now := time.Now()
	for i := 0; i < 15; i++ {
		key := cacheKey("f", string(rune('a'+i)), nil)
		c.put(key, Result{Valid: true}, now)
		now = now.Add(time.Millisecond)
	}
	if c.len() > 10 {
		t.Fatalf("expected cache to prune back toward capacity, got size %d", c.len())
	}
}
