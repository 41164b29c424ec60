// Package filters decides which inbound senders are dropped before any ticket
// state is touched.
package filters

import (
	"strings"
)

// Wildcard stands for "any" on either side of an ignore pattern.
const Wildcard = "*"

// IgnoreRule drops mail from senders matching Pattern. Patterns take the forms
// user@domain, *@domain, user@* and *@*.
type IgnoreRule struct {
	ID            int    `db:"id" yaml:"id" mapstructure:"id"`
	Name          string `db:"name" yaml:"name" mapstructure:"name"`
	Pattern       string `db:"email_address" yaml:"pattern" mapstructure:"pattern"`
	ScopeQueues   []int  `db:"-" yaml:"queues" mapstructure:"queues"`
	KeepInMailbox bool   `db:"keep_in_mailbox" yaml:"keep_in_mailbox" mapstructure:"keep_in_mailbox"`
}

// AppliesTo reports whether the rule is global or scoped to queueID.
func (r IgnoreRule) AppliesTo(queueID int) bool {
	if len(r.ScopeQueues) == 0 {
		return true
	}
	for _, id := range r.ScopeQueues {
		if id == queueID {
			return true
		}
	}
	return false
}

// Matches compares sender against the pattern, ignoring case.
func (r IgnoreRule) Matches(sender string) bool {
	pattern := strings.ToLower(strings.TrimSpace(r.Pattern))
	sender = strings.ToLower(strings.TrimSpace(sender))
	if pattern == "" || sender == "" {
		return false
	}
	if pattern == sender {
		return true
	}
	ruleUser, ruleDomain, ok := splitAddress(pattern)
	if !ok {
		return false
	}
	if ruleUser == Wildcard && ruleDomain == Wildcard {
		return true
	}
	user, domain, ok := splitAddress(sender)
	if !ok {
		return false
	}
	switch {
	case ruleUser == Wildcard:
		return ruleDomain == domain
	case ruleDomain == Wildcard:
		return ruleUser == user
	}
	return false
}

func splitAddress(addr string) (string, string, bool) {
	at := strings.LastIndexByte(addr, '@')
	if at < 0 {
		return "", "", false
	}
	return addr[:at], addr[at+1:], true
}

// Verdict is the outcome of IgnoreFilter.Check.
type Verdict struct {
	Ignored       bool
	KeepInMailbox bool
	// Rule is the first matching rule, nil when the sender is not ignored.
	Rule *IgnoreRule
}

// IgnoreFilter evaluates senders against an ordered rule list. It is read-only
// after construction and safe for concurrent use.
type IgnoreFilter struct {
	rules []IgnoreRule
}

// NewIgnoreFilter copies rules in declared order, skipping blank patterns.
func NewIgnoreFilter(rules []IgnoreRule) *IgnoreFilter {
	kept := make([]IgnoreRule, 0, len(rules))
	for _, rule := range rules {
		rule.Pattern = strings.TrimSpace(rule.Pattern)
		if rule.Pattern == "" {
			continue
		}
		rule.ScopeQueues = append([]int(nil), rule.ScopeQueues...)
		kept = append(kept, rule)
	}
	return &IgnoreFilter{rules: kept}
}

// Len returns the number of active rules.
func (f *IgnoreFilter) Len() int {
	if f == nil {
		return 0
	}
	return len(f.rules)
}

// Check returns the verdict of the first rule that applies to queueID and
// matches senderEmail.
func (f *IgnoreFilter) Check(senderEmail string, queueID int) Verdict {
	if f == nil {
		return Verdict{}
	}
	for i := range f.rules {
		rule := f.rules[i]
		if !rule.AppliesTo(queueID) || !rule.Matches(senderEmail) {
			continue
		}
		return Verdict{Ignored: true, KeepInMailbox: rule.KeepInMailbox, Rule: &rule}
	}
	return Verdict{}
}
