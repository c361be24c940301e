package store

type migration struct {
	Version int
	Name    string
	SQL     string
}

// migrations are applied in order; never edit one that has shipped.
var migrations = []migration{
	{
		Version: 1,
		Name:    "create exchanges",
		SQL: `
			CREATE TABLE exchanges (
				id          INTEGER PRIMARY KEY AUTOINCREMENT,
				session_id  TEXT NOT NULL,
				client_id   TEXT NOT NULL DEFAULT '',
				kristal_id  TEXT NOT NULL DEFAULT '',
				query       TEXT NOT NULL,
				response    TEXT NOT NULL DEFAULT '',
				status      TEXT NOT NULL,
				error_kind  TEXT NOT NULL DEFAULT '',
				error       TEXT NOT NULL DEFAULT '',
				elapsed_ms  INTEGER NOT NULL DEFAULT 0,
				created_at  TEXT NOT NULL
			);

			CREATE INDEX idx_exchanges_session ON exchanges (session_id, id);
		`,
	},
	{
		Version: 2,
		Name:    "index exchanges by client",
		SQL:     `CREATE INDEX idx_exchanges_client ON exchanges (client_id, created_at);`,
	},
}
