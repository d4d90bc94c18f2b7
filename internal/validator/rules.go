// Package validator implements low-latency input validation, sanitization
// and injection-pattern detection, generalized from
// original_source/agent/edge/validation_agent.py's rule registry and
// compiled-pattern security checks into the Go regexp-backed registry of
// §4.5.
package validator

import (
	"fmt"
	"regexp"
	"strings"
	"sync"
)

// Rule describes one field validation rule: an optional pattern, length
// bounds, a required flag, an allowed-value set, and the message surfaced on
// failure.
type Rule struct {
	Name          string
	Pattern       *regexp.Regexp
	MinLength     int
	MaxLength     int
	Required      bool
	AllowedValues map[string]struct{}
	ErrorMessage  string
}

// Registry holds the built-in and any custom rules, plus the field-name
// heuristics used when a caller doesn't specify one explicitly.
type Registry struct {
	mu    sync.RWMutex
	rules map[string]*Rule
}

// NewRegistry constructs a Registry preloaded with the spec's built-in rules.
func NewRegistry() *Registry {
	r := &Registry{rules: make(map[string]*Rule)}
	for _, rule := range builtinRules() {
		r.rules[rule.Name] = rule
	}
	return r
}

// Register adds or replaces a custom rule.
func (r *Registry) Register(rule *Rule) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.rules[rule.Name] = rule
}

// Get returns the named rule, if any.
func (r *Registry) Get(name string) (*Rule, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	rule, ok := r.rules[name]
	return rule, ok
}

// Infer picks a rule by field-name heuristic (e.g. "*email*" -> "email")
// when the caller supplied no explicit rule name.
func (r *Registry) Infer(fieldName string) (*Rule, bool) {
	lower := strings.ToLower(fieldName)
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, candidate := range heuristicOrder {
		if strings.Contains(lower, candidate) {
			if rule, ok := r.rules[candidate]; ok {
				return rule, true
			}
		}
	}
	return nil, false
}

// heuristicOrder is checked in order so more specific substrings (e.g.
// "credit_card") are tried before shorter, looser ones.
var heuristicOrder = []string{
	"credit_card", "phone_intl", "phone_us", "hex_color", "alphanumeric",
	"email", "url", "zip_us", "uuid", "slug", "ipv4",
}

func mustCompile(pattern string) *regexp.Regexp {
	re, err := regexp.Compile(pattern)
	if err != nil {
		panic(fmt.Sprintf("validator: invalid builtin pattern %q: %v", pattern, err))
	}
	return re
}

func builtinRules() []*Rule {
	return []*Rule{
		{Name: "email", Pattern: mustCompile(`^[a-zA-Z0-9._%+\-]+@[a-zA-Z0-9.\-]+\.[a-zA-Z]{2,}$`), MaxLength: 254, ErrorMessage: "invalid email format"},
		{Name: "phone_us", Pattern: mustCompile(`^\+?1?[\s.\-]?\(?\d{3}\)?[\s.\-]?\d{3}[\s.\-]?\d{4}$`), ErrorMessage: "invalid US phone number format"},
		{Name: "phone_intl", Pattern: mustCompile(`^\+[1-9]\d{6,14}$`), ErrorMessage: "invalid international phone number format"},
		{Name: "url", Pattern: mustCompile(`^https?://[^\s/$.?#].[^\s]*$`), MaxLength: 2048, ErrorMessage: "invalid URL format"},
		{Name: "zip_us", Pattern: mustCompile(`^\d{5}(-\d{4})?$`), ErrorMessage: "invalid ZIP code format"},
		{Name: "credit_card", Pattern: mustCompile(`^\d{13,19}$`), ErrorMessage: "invalid credit card number format"},
		{Name: "uuid", Pattern: mustCompile(`^[0-9a-fA-F]{8}-[0-9a-fA-F]{4}-[0-9a-fA-F]{4}-[0-9a-fA-F]{4}-[0-9a-fA-F]{12}$`), ErrorMessage: "invalid UUID format"},
		{Name: "alphanumeric", Pattern: mustCompile(`^[a-zA-Z0-9]+$`), ErrorMessage: "must be alphanumeric"},
		{Name: "slug", Pattern: mustCompile(`^[a-z0-9]+(?:-[a-z0-9]+)*$`), ErrorMessage: "must be a valid slug"},
		{Name: "hex_color", Pattern: mustCompile(`^#(?:[0-9a-fA-F]{3}){1,2}$`), ErrorMessage: "invalid hex color"},
		{Name: "ipv4", Pattern: mustCompile(`^(\d{1,3}\.){3}\d{1,3}$`), ErrorMessage: "invalid IPv4 address"},
	}
}

// Apply checks value against rule, returning every violated constraint's
// message (empty slice means value is valid per this rule).
func (rule *Rule) Apply(value string) []string {
	var issues []string
	if rule.Required && value == "" {
		issues = append(issues, "field is required")
		return issues
	}
	if value == "" {
		return issues
	}
	if rule.MinLength > 0 && len(value) < rule.MinLength {
		issues = append(issues, fmt.Sprintf("must be at least %d characters", rule.MinLength))
	}
	if rule.MaxLength > 0 && len(value) > rule.MaxLength {
		issues = append(issues, fmt.Sprintf("must be at most %d characters", rule.MaxLength))
	}
	if len(rule.AllowedValues) > 0 {
		if _, ok := rule.AllowedValues[value]; !ok {
			issues = append(issues, "value not in allowed set")
		}
	}
	if rule.Pattern != nil && !rule.Pattern.MatchString(value) {
		msg := rule.ErrorMessage
		if msg == "" {
			msg = "value does not match required pattern"
		}
		issues = append(issues, msg)
	}
	return issues
}
