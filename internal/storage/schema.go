package storage

import "database/sql"

// currentSchemaVersion tracks the migration list below, following the same
// versioned-migration shape as the example codebase's schema.go.
const currentSchemaVersion = 1

type migration struct {
	version int
	up      []string
}

var migrations = []migration{
	{
		version: 1,
		up: []string{
			`CREATE TABLE state (
				id INTEGER PRIMARY KEY AUTOINCREMENT,
				type TEXT NOT NULL CHECK(type IN ('movie', 'episode')),
				watched INTEGER NOT NULL DEFAULT 0,
				updated INTEGER NOT NULL,
				via TEXT,
				title TEXT,
				year INTEGER,
				season INTEGER,
				episode INTEGER,
				guids TEXT NOT NULL DEFAULT '{}',
				parent TEXT NOT NULL DEFAULT '{}',
				metadata TEXT NOT NULL DEFAULT '{}',
				extra TEXT NOT NULL DEFAULT '{}'
			)`,

			`CREATE INDEX idx_state_type ON state(type)`,
			`CREATE INDEX idx_state_updated ON state(updated)`,
			`CREATE INDEX idx_state_season_episode ON state(season, episode)`,

			// Representative JSON_EXTRACT expression indexes for the
			// highest-cardinality GUID namespaces; findByExternalId can
			// still query any namespace, these just keep the common ones
			// fast (§4.1, §6).
			`CREATE INDEX idx_state_guid_imdb ON state(JSON_EXTRACT(guids, '$.imdb'))`,
			`CREATE INDEX idx_state_guid_tmdb ON state(JSON_EXTRACT(guids, '$.tmdb'))`,
			`CREATE INDEX idx_state_guid_tvdb ON state(JSON_EXTRACT(guids, '$.tvdb'))`,

			`CREATE TABLE schema_version (
				version INTEGER PRIMARY KEY,
				applied_at DATETIME DEFAULT CURRENT_TIMESTAMP
			)`,

			`INSERT INTO schema_version (version) VALUES (1)`,
		},
	},
}

// applyMigrations applies any pending schema migrations inside one
// transaction per migration, mirroring the example codebase's
// applyMigrations.
func applyMigrations(db *sql.DB) error {
	var current int
	err := db.QueryRow("SELECT version FROM schema_version ORDER BY version DESC LIMIT 1").Scan(&current)
	if err != nil {
		current = 0
	}

	for _, m := range migrations {
		if m.version <= current {
			continue
		}

		tx, err := db.Begin()
		if err != nil {
			return err
		}

		for _, stmt := range m.up {
			if _, err := tx.Exec(stmt); err != nil {
				tx.Rollback()
				return err
			}
		}

		if err := tx.Commit(); err != nil {
			return err
		}
	}

	return nil
}
