package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"time"

	"github.com/google/uuid"
	"github.com/rotisserie/eris"
	_ "modernc.org/sqlite"

	"github.com/openonco/coverage-watch/internal/model"
	"github.com/openonco/coverage-watch/internal/ontology"
	"github.com/openonco/coverage-watch/internal/resilience"
)

// SQLiteStore implements Store using modernc.org/sqlite.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLite opens a SQLite database at the given DSN and configures WAL
// mode. Use ":memory:" for tests.
func NewSQLite(dsn string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: open")
	}
	// One connection: writes are serialized, and an in-memory database
	// stays a single database instead of one per pooled connection.
	db.SetMaxOpenConns(1)
	for _, pragma := range []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA synchronous=NORMAL",
	} {
		if _, err := db.Exec(pragma); err != nil {
			db.Close()
			return nil, eris.Wrapf(err, "sqlite: exec %s", pragma)
		}
	}
	return &SQLiteStore{db: db}, nil
}

const sqliteMigration = `
CREATE TABLE IF NOT EXISTS sources (
	id                   TEXT PRIMARY KEY,
	kind                 TEXT NOT NULL,
	url                  TEXT NOT NULL,
	etag                 TEXT NOT NULL DEFAULT '',
	last_fingerprint     TEXT NOT NULL DEFAULT '',
	last_checked_at      DATETIME,
	consecutive_failures INTEGER NOT NULL DEFAULT 0,
	backoff_until        DATETIME,
	disabled             INTEGER NOT NULL DEFAULT 0,
	created_at           DATETIME NOT NULL,
	updated_at           DATETIME NOT NULL
);

CREATE TABLE IF NOT EXISTS candidates (
	id                  TEXT PRIMARY KEY,
	source_id           TEXT NOT NULL REFERENCES sources(id),
	url                 TEXT NOT NULL DEFAULT '',
	title               TEXT NOT NULL DEFAULT '',
	raw_text            TEXT NOT NULL,
	normalized_text     TEXT NOT NULL,
	content_fingerprint TEXT NOT NULL,
	sim_fingerprint     INTEGER NOT NULL,
	fetched_at          DATETIME NOT NULL
);

CREATE TABLE IF NOT EXISTS extraction_results (
	id               TEXT PRIMARY KEY,
	candidate_id     TEXT NOT NULL REFERENCES candidates(id),
	supersedes_id    TEXT,
	payload          TEXT NOT NULL,
	extracted_at     DATETIME NOT NULL
);

CREATE TABLE IF NOT EXISTS guidance_items (
	id               TEXT PRIMARY KEY,
	source_type      TEXT NOT NULL,
	source_id        TEXT NOT NULL,
	test_keys        TEXT NOT NULL,
	sim_fingerprint  INTEGER NOT NULL DEFAULT 0,
	payload          TEXT NOT NULL,
	confidence       REAL NOT NULL DEFAULT 0,
	created_at       DATETIME NOT NULL,
	updated_at       DATETIME NOT NULL,
	UNIQUE (source_type, source_id)
);

CREATE TABLE IF NOT EXISTS conflicts (
	id                  TEXT PRIMARY KEY,
	guidance_id         TEXT NOT NULL,
	field               TEXT NOT NULL,
	existing_value      TEXT NOT NULL,
	incoming_value      TEXT NOT NULL,
	existing_confidence REAL NOT NULL,
	incoming_confidence REAL NOT NULL,
	extraction_id       TEXT NOT NULL DEFAULT '',
	created_at          DATETIME NOT NULL
);

CREATE TABLE IF NOT EXISTS queue_items (
	id               TEXT PRIMARY KEY,
	candidate_id     TEXT NOT NULL REFERENCES candidates(id),
	fingerprint      TEXT NOT NULL,
	priority         REAL NOT NULL DEFAULT 0,
	state            TEXT NOT NULL DEFAULT 'pending',
	attempts         INTEGER NOT NULL DEFAULT 0,
	lease_expires_at DATETIME,
	last_error       TEXT NOT NULL DEFAULT '',
	created_at       DATETIME NOT NULL,
	updated_at       DATETIME NOT NULL
);

CREATE TABLE IF NOT EXISTS run_stats (
	run_id      TEXT PRIMARY KEY,
	payload     TEXT NOT NULL,
	started_at  DATETIME NOT NULL,
	finished_at DATETIME NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_candidates_fingerprint ON candidates(content_fingerprint);
CREATE INDEX IF NOT EXISTS idx_candidates_source ON candidates(source_id);
CREATE INDEX IF NOT EXISTS idx_extractions_candidate ON extraction_results(candidate_id);
CREATE INDEX IF NOT EXISTS idx_guidance_source ON guidance_items(source_type, source_id);
CREATE INDEX IF NOT EXISTS idx_queue_state ON queue_items(state);
CREATE INDEX IF NOT EXISTS idx_queue_fingerprint ON queue_items(fingerprint);
`

func (s *SQLiteStore) Migrate(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, sqliteMigration)
	return eris.Wrap(err, "sqlite: migrate")
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

func (s *SQLiteStore) DB() *sql.DB {
	return s.db
}

// Sources

func (s *SQLiteStore) SeedSource(ctx context.Context, src *model.Source) error {
	now := time.Now().UTC()
	if src.CreatedAt.IsZero() {
		src.CreatedAt = now
	}
	src.UpdatedAt = now
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO sources (id, kind, url, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT (id) DO UPDATE SET kind = excluded.kind, url = excluded.url, updated_at = excluded.updated_at`,
		src.ID, string(src.Kind), src.URL, src.CreatedAt, src.UpdatedAt,
	)
	return eris.Wrapf(err, "sqlite: seed source %s", src.ID)
}

func (s *SQLiteStore) UpdateSource(ctx context.Context, src *model.Source) error {
	src.UpdatedAt = time.Now().UTC()
	res, err := s.db.ExecContext(ctx, `
		UPDATE sources SET etag = ?, last_fingerprint = ?, last_checked_at = ?,
			consecutive_failures = ?, backoff_until = ?, disabled = ?, updated_at = ?
		WHERE id = ?`,
		src.ETag, src.LastFingerprint, nullTime(src.LastCheckedAt),
		src.ConsecutiveFailures, nullTime(src.BackoffUntil), boolInt(src.Disabled), src.UpdatedAt,
		src.ID,
	)
	if err != nil {
		return eris.Wrapf(err, "sqlite: update source %s", src.ID)
	}
	return checkRowsAffected(res, "source", src.ID)
}

func (s *SQLiteStore) GetSource(ctx context.Context, id string) (*model.Source, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, kind, url, etag, last_fingerprint, last_checked_at,
			consecutive_failures, backoff_until, disabled, created_at, updated_at
		FROM sources WHERE id = ?`, id)
	src, err := scanSource(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	return src, err
}

func (s *SQLiteStore) ListSources(ctx context.Context) ([]model.Source, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, kind, url, etag, last_fingerprint, last_checked_at,
			consecutive_failures, backoff_until, disabled, created_at, updated_at
		FROM sources ORDER BY id`)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: list sources")
	}
	defer rows.Close()

	var sources []model.Source
	for rows.Next() {
		src, err := scanSource(rows)
		if err != nil {
			return nil, err
		}
		sources = append(sources, *src)
	}
	return sources, eris.Wrap(rows.Err(), "sqlite: list sources iterate")
}

func scanSource(row scannable) (*model.Source, error) {
	var src model.Source
	var kind string
	var lastChecked, backoffUntil sql.NullTime
	var disabled int
	err := row.Scan(&src.ID, &kind, &src.URL, &src.ETag, &src.LastFingerprint, &lastChecked,
		&src.ConsecutiveFailures, &backoffUntil, &disabled, &src.CreatedAt, &src.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, err
	}
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: scan source")
	}
	src.Kind = model.SourceKind(kind)
	src.LastCheckedAt = lastChecked.Time
	src.BackoffUntil = backoffUntil.Time
	src.Disabled = disabled != 0
	return &src, nil
}

// Candidates

func (s *SQLiteStore) InsertCandidate(ctx context.Context, c *model.Candidate) error {
	if c.ID == "" {
		c.ID = uuid.New().String()
	}
	if c.FetchedAt.IsZero() {
		c.FetchedAt = time.Now().UTC()
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO candidates (id, source_id, url, title, raw_text, normalized_text,
			content_fingerprint, sim_fingerprint, fetched_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		c.ID, c.SourceID, c.URL, c.Title, c.RawText, c.NormalizedText,
		c.ContentFingerprint, int64(c.SimFingerprint), c.FetchedAt,
	)
	return eris.Wrapf(err, "sqlite: insert candidate %s", c.ID)
}

func (s *SQLiteStore) GetCandidate(ctx context.Context, id string) (*model.Candidate, error) {
	return s.candidateBy(ctx, "id", id)
}

func (s *SQLiteStore) CandidateByFingerprint(ctx context.Context, exact string) (*model.Candidate, error) {
	return s.candidateBy(ctx, "content_fingerprint", exact)
}

func (s *SQLiteStore) candidateBy(ctx context.Context, column, value string) (*model.Candidate, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, source_id, url, title, raw_text, normalized_text,
			content_fingerprint, sim_fingerprint, fetched_at
		FROM candidates WHERE `+column+` = ? ORDER BY fetched_at DESC LIMIT 1`, value)

	var c model.Candidate
	var sim int64
	err := row.Scan(&c.ID, &c.SourceID, &c.URL, &c.Title, &c.RawText, &c.NormalizedText,
		&c.ContentFingerprint, &sim, &c.FetchedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: scan candidate")
	}
	c.SimFingerprint = uint64(sim)
	return &c, nil
}

// Extraction results

func (s *SQLiteStore) InsertExtraction(ctx context.Context, r *model.ExtractionResult) error {
	if r.ID == "" {
		r.ID = uuid.New().String()
	}
	if r.ExtractedAt.IsZero() {
		r.ExtractedAt = time.Now().UTC()
	}
	payload, err := json.Marshal(r)
	if err != nil {
		return eris.Wrap(err, "sqlite: marshal extraction")
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO extraction_results (id, candidate_id, supersedes_id, payload, extracted_at)
		VALUES (?, ?, ?, ?, ?)`,
		r.ID, r.CandidateID, nullString(r.SupersedesID), string(payload), r.ExtractedAt,
	)
	return eris.Wrapf(err, "sqlite: insert extraction %s", r.ID)
}

func (s *SQLiteStore) ListExtractions(ctx context.Context, candidateID string) ([]model.ExtractionResult, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT payload FROM extraction_results WHERE candidate_id = ? ORDER BY extracted_at`, candidateID)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: list extractions")
	}
	defer rows.Close()

	var results []model.ExtractionResult
	for rows.Next() {
		var payload string
		if err := rows.Scan(&payload); err != nil {
			return nil, eris.Wrap(err, "sqlite: scan extraction")
		}
		var r model.ExtractionResult
		if err := json.Unmarshal([]byte(payload), &r); err != nil {
			return nil, eris.Wrap(err, "sqlite: unmarshal extraction")
		}
		results = append(results, r)
	}
	return results, eris.Wrap(rows.Err(), "sqlite: list extractions iterate")
}

// Guidance items

func (s *SQLiteStore) UpsertGuidance(ctx context.Context, g *model.GuidanceItem) error {
	// Last line of defense: a pubmed row with a non-numeric identifier
	// must never be persisted, whatever produced it.
	if g.IdentifierViolation() {
		return resilience.Validation(eris.Errorf("sqlite: pubmed guidance %s has non-numeric identifier %q", g.ID, g.SourceID))
	}
	now := time.Now().UTC()
	if g.ID == "" {
		g.ID = uuid.New().String()
	}
	if g.CreatedAt.IsZero() {
		g.CreatedAt = now
	}
	g.UpdatedAt = now

	keys := make([]string, 0, len(g.TestIDs))
	for _, id := range g.TestIDs {
		keys = append(keys, ontology.NormalizeName(id))
	}
	keysJSON, err := json.Marshal(keys)
	if err != nil {
		return eris.Wrap(err, "sqlite: marshal test keys")
	}
	payload, err := json.Marshal(g)
	if err != nil {
		return eris.Wrap(err, "sqlite: marshal guidance")
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO guidance_items (id, source_type, source_id, test_keys, sim_fingerprint,
			payload, confidence, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (source_type, source_id) DO UPDATE SET
			test_keys = excluded.test_keys,
			sim_fingerprint = excluded.sim_fingerprint,
			payload = excluded.payload,
			confidence = excluded.confidence,
			updated_at = excluded.updated_at`,
		g.ID, string(g.SourceType), g.SourceID, string(keysJSON), int64(g.SimFingerprint),
		string(payload), g.Confidence, g.CreatedAt, g.UpdatedAt,
	)
	return eris.Wrapf(err, "sqlite: upsert guidance %s", g.ID)
}

func (s *SQLiteStore) GuidanceBySource(ctx context.Context, sourceType model.SourceType, sourceID string) (*model.GuidanceItem, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT payload FROM guidance_items WHERE source_type = ? AND source_id = ?`,
		string(sourceType), sourceID)

	var payload string
	err := row.Scan(&payload)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: get guidance by source")
	}
	return unmarshalGuidance(payload)
}

func (s *SQLiteStore) GuidanceByTestKey(ctx context.Context, testKey string) ([]model.GuidanceItem, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT g.payload FROM guidance_items g, json_each(g.test_keys) t
		WHERE t.value = ? ORDER BY g.updated_at DESC`,
		ontology.NormalizeName(testKey))
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: guidance by test key")
	}
	defer rows.Close()
	return collectGuidance(rows)
}

func (s *SQLiteStore) ListGuidance(ctx context.Context, limit int) ([]model.GuidanceItem, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT payload FROM guidance_items ORDER BY updated_at DESC LIMIT ?`, limit)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: list guidance")
	}
	defer rows.Close()
	return collectGuidance(rows)
}

func collectGuidance(rows *sql.Rows) ([]model.GuidanceItem, error) {
	var items []model.GuidanceItem
	for rows.Next() {
		var payload string
		if err := rows.Scan(&payload); err != nil {
			return nil, eris.Wrap(err, "sqlite: scan guidance")
		}
		g, err := unmarshalGuidance(payload)
		if err != nil {
			return nil, err
		}
		items = append(items, *g)
	}
	return items, eris.Wrap(rows.Err(), "sqlite: guidance iterate")
}

func unmarshalGuidance(payload string) (*model.GuidanceItem, error) {
	var g model.GuidanceItem
	if err := json.Unmarshal([]byte(payload), &g); err != nil {
		return nil, eris.Wrap(err, "sqlite: unmarshal guidance")
	}
	return &g, nil
}

// Conflicts

func (s *SQLiteStore) InsertConflict(ctx context.Context, c *Conflict) error {
	if c.ID == "" {
		c.ID = uuid.New().String()
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO conflicts (id, guidance_id, field, existing_value, incoming_value,
			existing_confidence, incoming_confidence, extraction_id, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		c.ID, c.GuidanceID, c.Field, c.ExistingValue, c.IncomingValue,
		c.ExistingConfidence, c.IncomingConfidence, c.ExtractionID, time.Now().UTC(),
	)
	return eris.Wrap(err, "sqlite: insert conflict")
}

func (s *SQLiteStore) ListConflicts(ctx context.Context, limit int) ([]Conflict, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, guidance_id, field, existing_value, incoming_value,
			existing_confidence, incoming_confidence, extraction_id
		FROM conflicts ORDER BY created_at DESC LIMIT ?`, limit)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: list conflicts")
	}
	defer rows.Close()

	var conflicts []Conflict
	for rows.Next() {
		var c Conflict
		if err := rows.Scan(&c.ID, &c.GuidanceID, &c.Field, &c.ExistingValue, &c.IncomingValue,
			&c.ExistingConfidence, &c.IncomingConfidence, &c.ExtractionID); err != nil {
			return nil, eris.Wrap(err, "sqlite: scan conflict")
		}
		conflicts = append(conflicts, c)
	}
	return conflicts, eris.Wrap(rows.Err(), "sqlite: conflicts iterate")
}

// Run statistics

func (s *SQLiteStore) InsertRunStats(ctx context.Context, stats *model.RunStats) error {
	if stats.RunID == "" {
		stats.RunID = uuid.New().String()
	}
	payload, err := json.Marshal(stats)
	if err != nil {
		return eris.Wrap(err, "sqlite: marshal run stats")
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO run_stats (run_id, payload, started_at, finished_at) VALUES (?, ?, ?, ?)`,
		stats.RunID, string(payload), stats.StartedAt, stats.FinishedAt,
	)
	return eris.Wrapf(err, "sqlite: insert run stats %s", stats.RunID)
}

func (s *SQLiteStore) LastRunStats(ctx context.Context) (*model.RunStats, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT payload FROM run_stats ORDER BY finished_at DESC LIMIT 1`)

	var payload string
	err := row.Scan(&payload)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: last run stats")
	}
	var stats model.RunStats
	if err := json.Unmarshal([]byte(payload), &stats); err != nil {
		return nil, eris.Wrap(err, "sqlite: unmarshal run stats")
	}
	return &stats, nil
}

// helpers

func checkRowsAffected(res sql.Result, entity, id string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return eris.Wrap(err, "rows affected")
	}
	if n == 0 {
		return eris.Errorf("%s not found: %s", entity, id)
	}
	return nil
}

type scannable interface {
	Scan(dest ...any) error
}

func nullTime(t time.Time) any {
	if t.IsZero() {
		return nil
	}
	return t
}

func nullString(s string) any {
	if s == "" {
		return nil
	}
	return s
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
