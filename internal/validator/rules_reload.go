package validator

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"time"

	"github.com/fsnotify/fsnotify"
	"gopkg.in/yaml.v3"
)

// customRuleFile is the on-disk shape of a hot-reloadable custom rule set,
// parallel to router.PolicyEngine's *.rego watch but for YAML-defined field
// rules instead of Rego placement policy.
type customRuleFile struct {
	Rules []customRuleSpec `yaml:"rules"`
}

type customRuleSpec struct {
	Name          string   `yaml:"name"`
	Pattern       string   `yaml:"pattern"`
	MinLength     int      `yaml:"min_length"`
	MaxLength     int      `yaml:"max_length"`
	Required      bool     `yaml:"required"`
	AllowedValues []string `yaml:"allowed_values"`
	ErrorMessage  string   `yaml:"error_message"`
}

// LoadRulesFile reads path and registers every custom rule it defines. A
// missing file is not an error: custom rules are optional.
func (v *Validator) LoadRulesFile(path string) error {
	content, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("read validator rules %s: %w", path, err)
	}

	var parsed customRuleFile
	if err := yaml.Unmarshal(content, &parsed); err != nil {
		return fmt.Errorf("parse validator rules %s: %w", path, err)
	}

	for _, spec := range parsed.Rules {
		rule := &Rule{
			Name:         spec.Name,
			MinLength:    spec.MinLength,
			MaxLength:    spec.MaxLength,
			Required:     spec.Required,
			ErrorMessage: spec.ErrorMessage,
		}
		if spec.Pattern != "" {
			re, err := regexp.Compile(spec.Pattern)
			if err != nil {
				return fmt.Errorf("compile custom rule %s pattern: %w", spec.Name, err)
			}
			rule.Pattern = re
		}
		if len(spec.AllowedValues) > 0 {
			rule.AllowedValues = make(map[string]struct{}, len(spec.AllowedValues))
			for _, av := range spec.AllowedValues {
				rule.AllowedValues[av] = struct{}{}
			}
		}
		v.registry.Register(rule)
	}
	return nil
}

// WatchRulesFile debounces filesystem events on path's parent directory and
// reloads custom rules on settle, mirroring router.PolicyEngine.Watch.
func (v *Validator) WatchRulesFile(ctx context.Context, path string, onReload func(error)) {
	dir := filepath.Dir(path)
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		onReload(err)
		return
	}
	defer watcher.Close()
	if err := watcher.Add(dir); err != nil {
		onReload(err)
		return
	}

	debounce := time.NewTimer(time.Hour)
	if !debounce.Stop() {
		<-debounce.C
	}
	for {
		select {
		case <-ctx.Done():
			return
		case ev, open := <-watcher.Events:
			if !open {
				return
			}
			if filepath.Clean(ev.Name) == filepath.Clean(path) {
				debounce.Reset(200 * time.Millisecond)
			}
		case err, open := <-watcher.Errors:
			if !open {
				return
			}
			onReload(err)
		case <-debounce.C:
			onReload(v.LoadRulesFile(path))
		}
	}
}
