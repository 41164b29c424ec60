package filters

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"regexp"
	"testing"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/jmoiron/sqlx"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestIgnoreRuleMatches(t *testing.T) {
	cases := []struct {
		pattern string
		sender  string
		want    bool
	}{
		{"spam@spam.com", "spam@spam.com", true},
		{"Spam@Spam.com", "SPAM@spam.COM", true},
		{"*@spam.com", "anyone@spam.com", true},
		{"*@spam.com", "anyone@notspam.com", false},
		{"*@spam.com", "anyone@sub.spam.com", false},
		{"postmaster@*", "postmaster@internal.com", true},
		{"postmaster@*", "postmistress@internal.com", false},
		{"*@*", "whoever@wherever.org", true},
		{"alice@x.com", "bob@x.com", false},
		{"not-an-address", "not-an-address", true},
		{"not-an-address", "someone@x.com", false},
		{"*@x.com", "no-at-sign", false},
		{"", "someone@x.com", false},
		{"*@x.com", "", false},
	}
	for _, tc := range cases {
		rule := IgnoreRule{Pattern: tc.pattern}
		assert.Equal(t, tc.want, rule.Matches(tc.sender), "pattern %q sender %q", tc.pattern, tc.sender)
	}
}

func TestIgnoreFilterScopeAndOrder(t *testing.T) {
	filter := NewIgnoreFilter([]IgnoreRule{
		{Name: "blank", Pattern: "   "},
		{Name: "billing spam", Pattern: "*@spam.com", ScopeQueues: []int{2}, KeepInMailbox: true},
		{Name: "all spam", Pattern: "*@spam.com"},
		{Name: "postmaster", Pattern: "postmaster@*", KeepInMailbox: true},
	})
	require.Equal(t, 3, filter.Len())

	v := filter.Check("x@spam.com", 2)
	require.True(t, v.Ignored)
	assert.True(t, v.KeepInMailbox)
	require.NotNil(t, v.Rule)
	assert.Equal(t, "billing spam", v.Rule.Name)

	v = filter.Check("x@spam.com", 1)
	require.True(t, v.Ignored)
	assert.False(t, v.KeepInMailbox)
	assert.Equal(t, "all spam", v.Rule.Name)

	v = filter.Check("postmaster@internal.com", 7)
	assert.True(t, v.Ignored)
	assert.True(t, v.KeepInMailbox)

	v = filter.Check("customer@example.com", 1)
	assert.False(t, v.Ignored)
	assert.False(t, v.KeepInMailbox)
	assert.Nil(t, v.Rule)
}

func TestIgnoreFilterNilAndEmpty(t *testing.T) {
	var nilFilter *IgnoreFilter
	assert.Equal(t, Verdict{}, nilFilter.Check("a@b.com", 1))
	assert.Equal(t, 0, nilFilter.Len())
	assert.False(t, NewIgnoreFilter(nil).Check("a@b.com", 1).Ignored)
}

func TestIgnoreFilterCopiesRules(t *testing.T) {
	rules := []IgnoreRule{{Name: "r", Pattern: "*@x.com", ScopeQueues: []int{1}}}
	filter := NewIgnoreFilter(rules)
	rules[0].Pattern = "*@y.com"
	rules[0].ScopeQueues[0] = 9

	assert.True(t, filter.Check("a@x.com", 1).Ignored)
	assert.False(t, filter.Check("a@y.com", 1).Ignored)
}

func TestStaticRuleSource(t *testing.T) {
	src := StaticRuleSource{{Name: "a", Pattern: "*@a.com"}}
	filter, err := LoadFilter(context.Background(), src)
	require.NoError(t, err)
	assert.True(t, filter.Check("u@a.com", 3).Ignored)

	filter, err = LoadFilter(context.Background(), nil)
	require.NoError(t, err)
	assert.Equal(t, 0, filter.Len())
}

type failingSource struct{}

func (failingSource) IgnoreRules(context.Context) ([]IgnoreRule, error) {
	return nil, errors.New("boom")
}

func TestLoadFilterPropagatesError(t *testing.T) {
	_, err := LoadFilter(context.Background(), failingSource{})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "load ignore rules")
}

func TestChainRuleSource(t *testing.T) {
	chain := ChainRuleSource{
		StaticRuleSource{{Name: "a", Pattern: "*@a.com"}},
		nil,
		StaticRuleSource{{Name: "b", Pattern: "bot@*", KeepInMailbox: true}},
	}
	rules, err := chain.IgnoreRules(context.Background())
	require.NoError(t, err)
	require.Len(t, rules, 2)
	assert.Equal(t, "b", rules[1].Name)

	_, err = ChainRuleSource{chain, failingSource{}}.IgnoreRules(context.Background())
	assert.EqualError(t, err, "boom")
}

func TestSwitchRuleSource(t *testing.T) {
	src := NewSwitchRuleSource(nil)
	rules, err := src.IgnoreRules(context.Background())
	require.NoError(t, err)
	assert.Empty(t, rules)

	src.Set(StaticRuleSource{{Name: "a", Pattern: "*@a.com"}})
	rules, err = src.IgnoreRules(context.Background())
	require.NoError(t, err)
	require.Len(t, rules, 1)

	src.Set(failingSource{})
	_, err = src.IgnoreRules(context.Background())
	assert.EqualError(t, err, "boom")
}

func TestFileRuleSource(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "ignore.yaml")
	doc := `ignore_rules:
  - name: spam
    pattern: "*@spam.com"
  - name: postmaster
    pattern: "postmaster@*"
    queues: [1, 2]
    keep_in_mailbox: true
`
	require.NoError(t, os.WriteFile(path, []byte(doc), 0o600))

	src, err := NewFileRuleSource(path)
	require.NoError(t, err)
	rules, err := src.IgnoreRules(context.Background())
	require.NoError(t, err)
	require.Len(t, rules, 2)
	assert.Equal(t, "*@spam.com", rules[0].Pattern)
	assert.Equal(t, []int{1, 2}, rules[1].ScopeQueues)
	assert.True(t, rules[1].KeepInMailbox)

	require.NoError(t, os.WriteFile(path, []byte("ignore_rules: []\n"), 0o600))
	require.NoError(t, src.Reload())
	rules, err = src.IgnoreRules(context.Background())
	require.NoError(t, err)
	assert.Empty(t, rules)
}

func TestFileRuleSourceMissingFile(t *testing.T) {
	src, err := NewFileRuleSource(filepath.Join(t.TempDir(), "absent.yaml"))
	require.NoError(t, err)
	rules, err := src.IgnoreRules(context.Background())
	require.NoError(t, err)
	assert.Empty(t, rules)
}

func TestFileRuleSourceInvalidYAML(t *testing.T) {
	path := filepath.Join(t.TempDir(), "bad.yaml")
	require.NoError(t, os.WriteFile(path, []byte("ignore_rules: [\n"), 0o600))
	_, err := NewFileRuleSource(path)
	require.Error(t, err)
}

func TestSQLRuleSource(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer func() {
		if err := db.Close(); err != nil {
			t.Logf("error closing db: %v", err)
		}
	}()

	mock.ExpectQuery(regexp.QuoteMeta(`SELECT id, name, email_address, keep_in_mailbox FROM ignore_rules ORDER BY position, id`)).
		WillReturnRows(sqlmock.NewRows([]string{"id", "name", "email_address", "keep_in_mailbox"}).
			AddRow(4, "spam", "*@spam.com", false).
			AddRow(9, "postmaster", "postmaster@*", true))
	mock.ExpectQuery(regexp.QuoteMeta(`SELECT rule_id, queue_id FROM ignore_rule_queues ORDER BY rule_id, queue_id`)).
		WillReturnRows(sqlmock.NewRows([]string{"rule_id", "queue_id"}).
			AddRow(9, 1).
			AddRow(9, 3))

	src := NewSQLRuleSource(sqlx.NewDb(db, "postgres"))
	rules, err := src.IgnoreRules(context.Background())
	require.NoError(t, err)
	require.Len(t, rules, 2)
	assert.Empty(t, rules[0].ScopeQueues)
	assert.Equal(t, []int{1, 3}, rules[1].ScopeQueues)
	assert.True(t, rules[1].KeepInMailbox)

	filter := NewIgnoreFilter(rules)
	assert.True(t, filter.Check("postmaster@a.com", 3).KeepInMailbox)
	assert.False(t, filter.Check("postmaster@a.com", 2).Ignored)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestSQLRuleSourceQueryError(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	mock.ExpectQuery("SELECT id, name").WillReturnError(errors.New("connection reset"))

	_, err = NewSQLRuleSource(sqlx.NewDb(db, "postgres")).IgnoreRules(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "select ignore rules")
}
