package storage

import (
	"database/sql"
	"embed"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	_ "modernc.org/sqlite"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// Store wraps a SQLite database holding authors, stories, posts and their
// extracted metadata.
type Store struct {
	db *sql.DB
}

// Open opens (or creates) a SQLite database in dataDir and runs pending migrations.
// Pass ":memory:" as dataDir for an in-memory database (used by tests).
func Open(dataDir string) (*Store, error) {
	var dsn string
	if dataDir == ":memory:" {
		dsn = ":memory:"
	} else {
		if err := os.MkdirAll(dataDir, 0o755); err != nil {
			return nil, fmt.Errorf("creating data directory: %w", err)
		}
		dsn = filepath.Join(dataDir, "castline.db")
	}

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("pinging database: %w", err)
	}

	// Limit to single connection to avoid "database is locked" errors.
	db.SetMaxOpenConns(1)

	// Set busy timeout so concurrent access waits briefly instead of failing immediately.
	if _, err := db.Exec("PRAGMA busy_timeout = 5000"); err != nil {
		db.Close()
		return nil, fmt.Errorf("setting busy timeout: %w", err)
	}

	// Enable WAL mode for better concurrent read performance.
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("setting journal mode: %w", err)
	}

	if _, err := db.Exec("PRAGMA foreign_keys=ON"); err != nil {
		db.Close()
		return nil, fmt.Errorf("enabling foreign keys: %w", err)
	}

	s := &Store{db: db}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("running migrations: %w", err)
	}

	return s, nil
}

// Close closes the underlying database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// migrate reads embedded SQL migration files and applies any that haven't been run yet.
func (s *Store) migrate() error {
	// Ensure schema_version table exists (bootstrap).
	if _, err := s.db.Exec(`CREATE TABLE IF NOT EXISTS schema_version (
		version INTEGER PRIMARY KEY,
		applied_at DATETIME DEFAULT CURRENT_TIMESTAMP
	)`); err != nil {
		return fmt.Errorf("creating schema_version table: %w", err)
	}

	entries, err := migrationsFS.ReadDir("migrations")
	if err != nil {
		return fmt.Errorf("reading migrations directory: %w", err)
	}

	// Sort by filename to guarantee ascending order.
	sort.Slice(entries, func(i, j int) bool {
		return entries[i].Name() < entries[j].Name()
	})

	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".sql") {
			continue
		}

		version, err := parseMigrationVersion(entry.Name())
		if err != nil {
			return err
		}

		// Check if already applied.
		var exists int
		if err := s.db.QueryRow("SELECT COUNT(*) FROM schema_version WHERE version = ?", version).Scan(&exists); err != nil {
			return fmt.Errorf("checking migration %d: %w", version, err)
		}
		if exists > 0 {
			continue
		}

		content, err := migrationsFS.ReadFile("migrations/" + entry.Name())
		if err != nil {
			return fmt.Errorf("reading migration %s: %w", entry.Name(), err)
		}

		tx, err := s.db.Begin()
		if err != nil {
			return fmt.Errorf("beginning transaction for migration %d: %w", version, err)
		}

		if _, err := tx.Exec(string(content)); err != nil {
			tx.Rollback()
			return fmt.Errorf("applying migration %d: %w", version, err)
		}

		if _, err := tx.Exec("INSERT INTO schema_version (version) VALUES (?)", version); err != nil {
			tx.Rollback()
			return fmt.Errorf("recording migration %d: %w", version, err)
		}

		if err := tx.Commit(); err != nil {
			return fmt.Errorf("committing migration %d: %w", version, err)
		}
	}

	return nil
}

func parseMigrationVersion(filename string) (int, error) {
	var version int
	if _, err := fmt.Sscanf(filename, "%d_", &version); err != nil {
		return 0, fmt.Errorf("parsing migration version from %q: %w", filename, err)
	}
	return version, nil
}

// --- Authors ---

// UpsertAuthor creates the author on first sighting or refreshes the handle.
func (s *Store) UpsertAuthor(a Author) error {
	_, err := s.db.Exec(`
		INSERT INTO authors (fid, username) VALUES (?, ?)
		ON CONFLICT(fid) DO UPDATE SET username = excluded.username`,
		a.FID, a.Username,
	)
	if err != nil {
		return fmt.Errorf("upserting author %d: %w", a.FID, err)
	}
	return nil
}

// GetAuthor returns the author with the given platform id.
func (s *Store) GetAuthor(fid int64) (Author, error) {
	var a Author
	err := s.db.QueryRow(`SELECT fid, username FROM authors WHERE fid = ?`, fid).
		Scan(&a.FID, &a.Username)
	if err == sql.ErrNoRows {
		return Author{}, ErrNotFound
	}
	if err != nil {
		return Author{}, err
	}
	return a, nil
}

// --- Stories ---

// UpsertStory creates the story keyed by hash, or — on re-delivery —
// overwrites its text and resets processed so the enrichment cycle runs again.
func (s *Store) UpsertStory(hash, text string, authorFID int64) (Story, error) {
	_, err := s.db.Exec(`
		INSERT INTO stories (hash, text, author_fid, processed) VALUES (?, ?, ?, 0)
		ON CONFLICT(hash) DO UPDATE SET text = excluded.text, processed = 0`,
		hash, text, authorFID,
	)
	if err != nil {
		return Story{}, fmt.Errorf("upserting story %s: %w", hash, err)
	}
	return s.GetStoryByHash(hash)
}

// GetStoryByHash returns the story with the given content hash, or ErrNotFound.
func (s *Store) GetStoryByHash(hash string) (Story, error) {
	var st Story
	var processed int
	err := s.db.QueryRow(`
		SELECT id, hash, text, author_fid, processed FROM stories WHERE hash = ?`, hash,
	).Scan(&st.ID, &st.Hash, &st.Text, &st.AuthorFID, &processed)
	if err == sql.ErrNoRows {
		return Story{}, ErrNotFound
	}
	if err != nil {
		return Story{}, err
	}
	st.Processed = processed != 0
	return st, nil
}

// GetStoryByID returns the story with the given internal id, or ErrNotFound.
func (s *Store) GetStoryByID(id int64) (Story, error) {
	var st Story
	var processed int
	err := s.db.QueryRow(`
		SELECT id, hash, text, author_fid, processed FROM stories WHERE id = ?`, id,
	).Scan(&st.ID, &st.Hash, &st.Text, &st.AuthorFID, &processed)
	if err == sql.ErrNoRows {
		return Story{}, ErrNotFound
	}
	if err != nil {
		return Story{}, err
	}
	st.Processed = processed != 0
	return st, nil
}

// --- Posts ---

// UpsertPost creates the post keyed by hash, linked to its owning story, or —
// on re-delivery — overwrites its text and resets processed. The story link is
// never changed on update and the related flag is left alone.
func (s *Store) UpsertPost(hash, text string, authorFID, storyID int64) (Post, error) {
	_, err := s.db.Exec(`
		INSERT INTO posts (hash, text, author_fid, story_id, processed) VALUES (?, ?, ?, ?, 0)
		ON CONFLICT(hash) DO UPDATE SET text = excluded.text, processed = 0`,
		hash, text, authorFID, storyID,
	)
	if err != nil {
		return Post{}, fmt.Errorf("upserting post %s: %w", hash, err)
	}
	return s.GetPostByHash(hash)
}

// GetPostByHash returns the post with the given content hash, or ErrNotFound.
func (s *Store) GetPostByHash(hash string) (Post, error) {
	var p Post
	var processed, related int
	err := s.db.QueryRow(`
		SELECT id, hash, text, author_fid, story_id, processed, related
		FROM posts WHERE hash = ?`, hash,
	).Scan(&p.ID, &p.Hash, &p.Text, &p.AuthorFID, &p.StoryID, &processed, &related)
	if err == sql.ErrNoRows {
		return Post{}, ErrNotFound
	}
	if err != nil {
		return Post{}, err
	}
	p.Processed = processed != 0
	p.Related = related != 0
	return p, nil
}

// MarkPostRelated sets the post's related flag. The flag is monotonic — there
// is no write path that clears it.
func (s *Store) MarkPostRelated(hash string) error {
	res, err := s.db.Exec(`UPDATE posts SET related = 1 WHERE hash = ?`, hash)
	if err != nil {
		return fmt.Errorf("marking post %s related: %w", hash, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

// --- Extractions ---

// SaveExtraction persists the extraction aggregate in one transaction: the
// extraction row, connect-or-create links for category/tags/entities in the
// shared name dictionaries, and the owning item's processed flag. A prior
// extraction for the same hash (re-delivered event) is replaced, keeping the
// one-to-one relationship intact.
func (s *Store) SaveExtraction(ex Extraction) error {
	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("beginning extraction transaction: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.Exec(`DELETE FROM extractions WHERE content_hash = ?`, ex.ContentHash); err != nil {
		return fmt.Errorf("clearing prior extraction for %s: %w", ex.ContentHash, err)
	}

	var categoryID sql.NullInt64
	if ex.Category != "" {
		id, err := connectOrCreateName(tx, "categories", ex.Category)
		if err != nil {
			return err
		}
		categoryID = sql.NullInt64{Int64: id, Valid: true}
	}

	res, err := tx.Exec(`
		INSERT INTO extractions (content_hash, content_kind, title, description, category_id)
		VALUES (?, ?, ?, ?, ?)`,
		ex.ContentHash, string(ex.ContentKind), ex.Title, ex.Description, categoryID,
	)
	if err != nil {
		return fmt.Errorf("inserting extraction for %s: %w", ex.ContentHash, err)
	}
	extractionID, err := res.LastInsertId()
	if err != nil {
		return err
	}

	for _, name := range ex.Tags {
		tagID, err := connectOrCreateName(tx, "tags", name)
		if err != nil {
			return err
		}
		if _, err := tx.Exec(`
			INSERT INTO extraction_tags (extraction_id, tag_id) VALUES (?, ?)
			ON CONFLICT DO NOTHING`, extractionID, tagID); err != nil {
			return fmt.Errorf("linking tag %q: %w", name, err)
		}
	}

	for _, name := range ex.Entities {
		entityID, err := connectOrCreateName(tx, "entities", name)
		if err != nil {
			return err
		}
		if _, err := tx.Exec(`
			INSERT INTO extraction_entities (extraction_id, entity_id) VALUES (?, ?)
			ON CONFLICT DO NOTHING`, extractionID, entityID); err != nil {
			return fmt.Errorf("linking entity %q: %w", name, err)
		}
	}

	table := "stories"
	if ex.ContentKind == KindPost {
		table = "posts"
	}
	if _, err := tx.Exec(`UPDATE `+table+` SET processed = 1 WHERE hash = ?`, ex.ContentHash); err != nil {
		return fmt.Errorf("marking %s %s processed: %w", ex.ContentKind, ex.ContentHash, err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("committing extraction for %s: %w", ex.ContentHash, err)
	}
	return nil
}

// connectOrCreateName resolves a name to its row id in one of the shared
// dictionaries, creating the row if absent. The unique index on name makes the
// create race-safe under concurrent events referencing the same new name.
func connectOrCreateName(tx *sql.Tx, table, name string) (int64, error) {
	if _, err := tx.Exec(`INSERT INTO `+table+` (name) VALUES (?) ON CONFLICT(name) DO NOTHING`, name); err != nil {
		return 0, fmt.Errorf("creating %s %q: %w", table, name, err)
	}
	var id int64
	if err := tx.QueryRow(`SELECT id FROM `+table+` WHERE name = ?`, name).Scan(&id); err != nil {
		return 0, fmt.Errorf("resolving %s %q: %w", table, name, err)
	}
	return id, nil
}

// GetExtractionByHash returns the extraction for the given content hash with
// its category, tag and entity names resolved.
func (s *Store) GetExtractionByHash(hash string) (Extraction, error) {
	var ex Extraction
	var kind string
	var categoryID sql.NullInt64
	err := s.db.QueryRow(`
		SELECT id, content_hash, content_kind, title, description, category_id
		FROM extractions WHERE content_hash = ?`, hash,
	).Scan(&ex.ID, &ex.ContentHash, &kind, &ex.Title, &ex.Description, &categoryID)
	if err == sql.ErrNoRows {
		return Extraction{}, ErrNotFound
	}
	if err != nil {
		return Extraction{}, err
	}
	ex.ContentKind = Kind(kind)

	if categoryID.Valid {
		if err := s.db.QueryRow(`SELECT name FROM categories WHERE id = ?`, categoryID.Int64).Scan(&ex.Category); err != nil {
			return Extraction{}, fmt.Errorf("resolving category: %w", err)
		}
	}

	ex.Tags, err = s.namesFor("tags", "extraction_tags", "tag_id", ex.ID)
	if err != nil {
		return Extraction{}, err
	}
	ex.Entities, err = s.namesFor("entities", "extraction_entities", "entity_id", ex.ID)
	if err != nil {
		return Extraction{}, err
	}
	return ex, nil
}

func (s *Store) namesFor(dict, join, fk string, extractionID int64) ([]string, error) {
	rows, err := s.db.Query(`
		SELECT d.name FROM `+dict+` d
		JOIN `+join+` j ON j.`+fk+` = d.id
		WHERE j.extraction_id = ?
		ORDER BY d.name`, extractionID)
	if err != nil {
		return nil, fmt.Errorf("listing %s: %w", dict, err)
	}
	defer rows.Close()

	var names []string
	for rows.Next() {
		var n string
		if err := rows.Scan(&n); err != nil {
			return nil, err
		}
		names = append(names, n)
	}
	return names, rows.Err()
}

// CountDictionary returns the number of rows in the named dictionary table
// (tags, entities or categories).
func (s *Store) CountDictionary(table string) (int, error) {
	switch table {
	case "tags", "entities", "categories":
	default:
		return 0, fmt.Errorf("unknown dictionary table %q", table)
	}
	var n int
	if err := s.db.QueryRow(`SELECT COUNT(*) FROM ` + table).Scan(&n); err != nil {
		return 0, err
	}
	return n, nil
}

// --- Backfill ---

// UnprocessedItem identifies a content item whose enrichment cycle has not
// completed.
type UnprocessedItem struct {
	Kind Kind
	Hash string
}

// ListUnprocessed returns up to limit items (stories first) whose processed
// flag is still false, for operator-driven re-enrichment.
func (s *Store) ListUnprocessed(limit int) ([]UnprocessedItem, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.Query(`
		SELECT 'story' AS kind, hash FROM stories WHERE processed = 0
		UNION ALL
		SELECT 'post' AS kind, hash FROM posts WHERE processed = 0
		LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("listing unprocessed items: %w", err)
	}
	defer rows.Close()

	var items []UnprocessedItem
	for rows.Next() {
		var it UnprocessedItem
		var kind string
		if err := rows.Scan(&kind, &it.Hash); err != nil {
			return nil, err
		}
		it.Kind = Kind(kind)
		items = append(items, it)
	}
	return items, rows.Err()
}

// CountUnprocessed returns the number of stories and posts whose processed
// flag is still false.
func (s *Store) CountUnprocessed() (int, error) {
	var n int
	err := s.db.QueryRow(`
		SELECT (SELECT COUNT(*) FROM stories WHERE processed = 0)
		     + (SELECT COUNT(*) FROM posts WHERE processed = 0)`).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("counting unprocessed items: %w", err)
	}
	return n, nil
}

// CountByKind returns (stories, posts) row counts, used by the status command.
func (s *Store) CountByKind() (int, int, error) {
	var stories, posts int
	if err := s.db.QueryRow(`SELECT COUNT(*) FROM stories`).Scan(&stories); err != nil {
		return 0, 0, err
	}
	if err := s.db.QueryRow(`SELECT COUNT(*) FROM posts`).Scan(&posts); err != nil {
		return 0, 0, err
	}
	return stories, posts, nil
}
