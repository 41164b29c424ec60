package database

import (
	"context"
	"fmt"
	"strings"

	"github.com/jmoiron/sqlx"
)

// migration holds one schema migration with its target version. Statements
// are written once with column type tokens that are replaced per dialect.
type migration struct {
	version int
	sql     string
}

var dialectTypes = map[string]*strings.Replacer{
	"postgres": strings.NewReplacer(
		"{{id}}", "SERIAL PRIMARY KEY",
		"{{bool}}", "BOOLEAN",
		"{{true}}", "TRUE",
		"{{false}}", "FALSE",
		"{{ts}}", "TIMESTAMPTZ",
		"{{blob}}", "BYTEA",
		"{{str}}", "VARCHAR(255)",
		"{{text}}", "TEXT",
	),
	"mysql": strings.NewReplacer(
		"{{id}}", "INT AUTO_INCREMENT PRIMARY KEY",
		"{{bool}}", "TINYINT(1)",
		"{{true}}", "1",
		"{{false}}", "0",
		"{{ts}}", "DATETIME(6)",
		"{{blob}}", "LONGBLOB",
		"{{str}}", "VARCHAR(255)",
		"{{text}}", "LONGTEXT",
	),
	"sqlite": strings.NewReplacer(
		"{{id}}", "INTEGER PRIMARY KEY AUTOINCREMENT",
		"{{bool}}", "BOOLEAN",
		"{{true}}", "1",
		"{{false}}", "0",
		"{{ts}}", "DATETIME",
		"{{blob}}", "BLOB",
		"{{str}}", "TEXT",
		"{{text}}", "TEXT",
	),
}

// migrations is the ordered list of schema migrations. Versions are
// sequential starting from 1.
var migrations = []migration{
	{
		version: 1,
		sql: `
CREATE TABLE IF NOT EXISTS queues (
	id                     {{id}},
	slug                   {{str}} NOT NULL UNIQUE,
	title                  {{str}} NOT NULL DEFAULT '',
	email_address          {{str}} NOT NULL DEFAULT '',
	update_only            {{bool}} NOT NULL DEFAULT {{false}},
	notify_on_email_events {{bool}} NOT NULL DEFAULT {{false}},
	new_ticket_cc          {{str}} NOT NULL DEFAULT '',
	updated_ticket_cc      {{str}} NOT NULL DEFAULT '',
	log_level              {{str}} NOT NULL DEFAULT ''
);

CREATE TABLE IF NOT EXISTS users (
	id        {{id}},
	email     {{str}} NOT NULL,
	is_active {{bool}} NOT NULL DEFAULT {{true}}
);

CREATE TABLE IF NOT EXISTS tickets (
	id              {{id}},
	queue_id        INTEGER NOT NULL REFERENCES queues(id),
	title           {{str}} NOT NULL,
	description     {{text}},
	submitter_email {{str}} NOT NULL DEFAULT '',
	assignee_id     INTEGER REFERENCES users(id),
	status          INTEGER NOT NULL DEFAULT 1,
	priority        INTEGER NOT NULL DEFAULT 3,
	merged_to_id    INTEGER REFERENCES tickets(id),
	created_at      {{ts}} NOT NULL,
	updated_at      {{ts}} NOT NULL
);

CREATE TABLE IF NOT EXISTS followups (
	id         {{id}},
	ticket_id  INTEGER NOT NULL REFERENCES tickets(id),
	queue_id   INTEGER NOT NULL REFERENCES queues(id),
	title      {{str}} NOT NULL,
	comment    {{text}},
	public     {{bool}} NOT NULL DEFAULT {{false}},
	new_status INTEGER,
	message_id {{str}},
	created_at {{ts}} NOT NULL
);

CREATE INDEX idx_followups_message_id ON followups (queue_id, message_id);

CREATE TABLE IF NOT EXISTS attachments (
	id          {{id}},
	followup_id INTEGER NOT NULL REFERENCES followups(id),
	filename    {{str}} NOT NULL,
	mime_type   {{str}} NOT NULL DEFAULT '',
	size        BIGINT NOT NULL DEFAULT 0,
	location    {{str}},
	content     {{blob}}
);

CREATE TABLE IF NOT EXISTS ticket_ccs (
	id         {{id}},
	ticket_id  INTEGER NOT NULL REFERENCES tickets(id),
	user_id    INTEGER REFERENCES users(id),
	email      {{str}},
	can_view   {{bool}} NOT NULL DEFAULT {{true}},
	can_update {{bool}} NOT NULL DEFAULT {{false}}
);

CREATE TABLE IF NOT EXISTS queue_state (
	queue_slug      {{str}} NOT NULL PRIMARY KEY,
	last_checked_at {{ts}} NOT NULL
)`,
	},
	{
		version: 2,
		sql: `
CREATE TABLE IF NOT EXISTS ignore_rules (
	id              {{id}},
	name            {{str}} NOT NULL DEFAULT '',
	email_address   {{str}} NOT NULL,
	keep_in_mailbox {{bool}} NOT NULL DEFAULT {{false}},
	position        INTEGER NOT NULL DEFAULT 0
);

CREATE TABLE IF NOT EXISTS ignore_rule_queues (
	rule_id  INTEGER NOT NULL REFERENCES ignore_rules(id),
	queue_id INTEGER NOT NULL REFERENCES queues(id),
	PRIMARY KEY (rule_id, queue_id)
)`,
	},
	{
		version: 3,
		sql: `
CREATE TABLE IF NOT EXISTS notification_outbox (
	id         {{id}},
	request_id {{str}} NOT NULL,
	event      {{str}} NOT NULL,
	queue_slug {{str}} NOT NULL DEFAULT '',
	ticket_id  INTEGER NOT NULL,
	payload    {{text}} NOT NULL,
	created_at {{ts}} NOT NULL,
	sent_at    {{ts}}
)`,
	},
}

// LatestVersion is the schema version after all migrations ran.
func LatestVersion() int {
	return migrations[len(migrations)-1].version
}

// statements renders a migration for dialect and splits it into single
// statements, since MySQL refuses multi statement Exec by default.
func (m migration) statements(dialect string) []string {
	r, ok := dialectTypes[dialect]
	if !ok {
		r = dialectTypes["postgres"]
	}
	var out []string
	for _, stmt := range strings.Split(r.Replace(m.sql), ";") {
		if s := strings.TrimSpace(stmt); s != "" {
			out = append(out, s)
		}
	}
	return out
}

// Migrate applies all outstanding migrations and returns the resulting
// schema version.
func Migrate(ctx context.Context, db *sqlx.DB) (int, error) {
	return runMigrations(ctx, db, migrations)
}

// CurrentVersion returns the applied schema version, 0 on a fresh database.
func CurrentVersion(ctx context.Context, db *sqlx.DB) (int, error) {
	if _, err := db.ExecContext(ctx, `CREATE TABLE IF NOT EXISTS schema_version (version INTEGER NOT NULL)`); err != nil {
		return 0, fmt.Errorf("creating schema_version table: %w", err)
	}
	var version int
	if err := db.GetContext(ctx, &version, `SELECT COALESCE(MAX(version), 0) FROM schema_version`); err != nil {
		return 0, fmt.Errorf("reading schema version: %w", err)
	}
	return version, nil
}

func runMigrations(ctx context.Context, db *sqlx.DB, list []migration) (int, error) {
	current, err := CurrentVersion(ctx, db)
	if err != nil {
		return 0, err
	}
	dialect := Dialect(db.DriverName())
	for _, m := range list {
		if m.version <= current {
			continue
		}
		tx, err := db.BeginTxx(ctx, nil)
		if err != nil {
			return current, fmt.Errorf("applying migration v%d: %w", m.version, err)
		}
		for _, stmt := range m.statements(dialect) {
			if _, err := tx.ExecContext(ctx, stmt); err != nil {
				_ = tx.Rollback()
				return current, fmt.Errorf("applying migration v%d: %w", m.version, err)
			}
		}
		if _, err := tx.ExecContext(ctx, db.Rebind(`INSERT INTO schema_version (version) VALUES (?)`), m.version); err != nil {
			_ = tx.Rollback()
			return current, fmt.Errorf("recording migration v%d: %w", m.version, err)
		}
		if err := tx.Commit(); err != nil {
			return current, fmt.Errorf("committing migration v%d: %w", m.version, err)
		}
		current = m.version
	}
	return current, nil
}
