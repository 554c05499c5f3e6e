package storage

// setupFTS5 attempts to create the optional full-text search virtual table
// and its sync triggers. This runs outside the goose-tracked migration chain
// because modernc.org/sqlite builds without FTS5 support must not fail
// startup; search simply degrades to vector-only (external collaborator) in
// that case.
func setupFTS5(s *Store) {
	stmts := []string{
		`CREATE VIRTUAL TABLE IF NOT EXISTS observations_fts USING fts5(
			title, subtitle, narrative, concepts,
			content='observations', content_rowid='id'
		)`,
		`CREATE TRIGGER IF NOT EXISTS observations_fts_ai AFTER INSERT ON observations BEGIN
			INSERT INTO observations_fts(rowid, title, subtitle, narrative, concepts)
			VALUES (new.id, new.title, new.subtitle, new.narrative, new.concepts);
		END`,
		`CREATE TRIGGER IF NOT EXISTS observations_fts_ad AFTER DELETE ON observations BEGIN
			INSERT INTO observations_fts(observations_fts, rowid, title, subtitle, narrative, concepts)
			VALUES ('delete', old.id, old.title, old.subtitle, old.narrative, old.concepts);
		END`,
	}
	for _, stmt := range stmts {
		if _, err := s.conn.Exec(stmt); err != nil {
			// Missing FTS5 support or a prior partial setup; leave search on
			// the vector-only path and move on.
			return
		}
	}
}
