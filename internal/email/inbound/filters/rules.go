package filters

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strings"
	"sync"

	"github.com/jmoiron/sqlx"
	"gopkg.in/yaml.v3"
)

// RuleSource supplies the ignore rules for one polling cycle.
type RuleSource interface {
	IgnoreRules(ctx context.Context) ([]IgnoreRule, error)
}

// LoadFilter reads the rules once and builds a filter from them.
func LoadFilter(ctx context.Context, src RuleSource) (*IgnoreFilter, error) {
	if src == nil {
		return NewIgnoreFilter(nil), nil
	}
	rules, err := src.IgnoreRules(ctx)
	if err != nil {
		return nil, fmt.Errorf("load ignore rules: %w", err)
	}
	return NewIgnoreFilter(rules), nil
}

// StaticRuleSource serves a fixed rule list, typically from configuration.
type StaticRuleSource []IgnoreRule

// IgnoreRules implements RuleSource.
func (s StaticRuleSource) IgnoreRules(context.Context) ([]IgnoreRule, error) {
	return append([]IgnoreRule(nil), s...), nil
}

// ChainRuleSource concatenates the rules of several sources. Any failing
// source fails the whole load.
type ChainRuleSource []RuleSource

// IgnoreRules implements RuleSource.
func (c ChainRuleSource) IgnoreRules(ctx context.Context) ([]IgnoreRule, error) {
	var out []IgnoreRule
	for _, src := range c {
		if src == nil {
			continue
		}
		rules, err := src.IgnoreRules(ctx)
		if err != nil {
			return nil, err
		}
		out = append(out, rules...)
	}
	return out, nil
}

// SwitchRuleSource delegates to a source that can be replaced while cycles
// are running, e.g. after a configuration reload.
type SwitchRuleSource struct {
	mu  sync.RWMutex
	src RuleSource
}

// NewSwitchRuleSource starts with src.
func NewSwitchRuleSource(src RuleSource) *SwitchRuleSource {
	return &SwitchRuleSource{src: src}
}

// Set replaces the delegate. Cycles already running keep the rules they loaded.
func (s *SwitchRuleSource) Set(src RuleSource) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.src = src
}

// IgnoreRules implements RuleSource.
func (s *SwitchRuleSource) IgnoreRules(ctx context.Context) ([]IgnoreRule, error) {
	s.mu.RLock()
	src := s.src
	s.mu.RUnlock()
	if src == nil {
		return nil, nil
	}
	return src.IgnoreRules(ctx)
}

// FileRuleSource loads rules from a YAML document and can be reloaded.
type FileRuleSource struct {
	path  string
	mu    sync.RWMutex
	rules []IgnoreRule
}

type ignoreRulesDocument struct {
	Rules []IgnoreRule `yaml:"ignore_rules"`
}

// NewFileRuleSource loads rules from path. A missing file yields an empty source.
func NewFileRuleSource(path string) (*FileRuleSource, error) {
	src := &FileRuleSource{path: strings.TrimSpace(path)}
	if err := src.Reload(); err != nil {
		return nil, err
	}
	return src, nil
}

// Reload re-reads the backing file.
func (s *FileRuleSource) Reload() error {
	if s.path == "" {
		return nil
	}
	data, err := os.ReadFile(s.path) //nolint:gosec // G304 false positive - config file
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			s.swap(nil)
			return nil
		}
		return err
	}
	var doc ignoreRulesDocument
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return fmt.Errorf("parse %s: %w", s.path, err)
	}
	s.swap(doc.Rules)
	return nil
}

func (s *FileRuleSource) swap(rules []IgnoreRule) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.rules = rules
}

// IgnoreRules implements RuleSource.
func (s *FileRuleSource) IgnoreRules(context.Context) ([]IgnoreRule, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]IgnoreRule(nil), s.rules...), nil
}

// SQLRuleSource reads rules from the ignore_rules and ignore_rule_queues tables.
type SQLRuleSource struct {
	db *sqlx.DB
}

// NewSQLRuleSource wraps db.
func NewSQLRuleSource(db *sqlx.DB) *SQLRuleSource {
	return &SQLRuleSource{db: db}
}

type ruleScopeRow struct {
	RuleID  int `db:"rule_id"`
	QueueID int `db:"queue_id"`
}

// IgnoreRules implements RuleSource. Rules come back in position order.
func (s *SQLRuleSource) IgnoreRules(ctx context.Context) ([]IgnoreRule, error) {
	var rules []IgnoreRule
	if err := s.db.SelectContext(ctx, &rules,
		`SELECT id, name, email_address, keep_in_mailbox FROM ignore_rules ORDER BY position, id`); err != nil {
		return nil, fmt.Errorf("select ignore rules: %w", err)
	}
	if len(rules) == 0 {
		return nil, nil
	}
	var scopes []ruleScopeRow
	if err := s.db.SelectContext(ctx, &scopes,
		`SELECT rule_id, queue_id FROM ignore_rule_queues ORDER BY rule_id, queue_id`); err != nil {
		return nil, fmt.Errorf("select ignore rule queues: %w", err)
	}
	byRule := make(map[int][]int, len(scopes))
	for _, row := range scopes {
		byRule[row.RuleID] = append(byRule[row.RuleID], row.QueueID)
	}
	for i := range rules {
		rules[i].ScopeQueues = byRule[rules[i].ID]
	}
	return rules, nil
}
