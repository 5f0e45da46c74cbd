package export

import (
	"database/sql"
	"fmt"
	"log/slog"

	_ "modernc.org/sqlite"
)

const schema = `
CREATE TABLE IF NOT EXISTS files (
	id INTEGER PRIMARY KEY,
	path TEXT NOT NULL UNIQUE,
	timestamp INTEGER NOT NULL
);
CREATE TABLE IF NOT EXISTS includes (
	file_id INTEGER NOT NULL,
	ord INTEGER NOT NULL,
	name TEXT NOT NULL,
	target TEXT,
	system INTEGER NOT NULL,
	resolved INTEGER NOT NULL,
	start INTEGER NOT NULL,
	length INTEGER NOT NULL,
	PRIMARY KEY (file_id, ord)
) WITHOUT ROWID;
CREATE TABLE IF NOT EXISTS macros (
	file_id INTEGER NOT NULL,
	ord INTEGER NOT NULL,
	name TEXT NOT NULL,
	expansion TEXT NOT NULL,
	start INTEGER NOT NULL,
	length INTEGER NOT NULL,
	PRIMARY KEY (file_id, ord)
) WITHOUT ROWID;
CREATE TABLE IF NOT EXISTS bindings (
	id INTEGER PRIMARY KEY,
	name TEXT NOT NULL,
	kind TEXT NOT NULL
);
CREATE TABLE IF NOT EXISTS names (
	file_id INTEGER NOT NULL,
	binding_id INTEGER NOT NULL,
	role TEXT NOT NULL,
	start INTEGER NOT NULL,
	length INTEGER NOT NULL
);
`

var inserts = map[string]string{
	"files":    `INSERT OR REPLACE INTO files (id, path, timestamp) VALUES (?, ?, ?)`,
	"includes": `INSERT OR REPLACE INTO includes (file_id, ord, name, target, system, resolved, start, length) VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
	"macros":   `INSERT OR REPLACE INTO macros (file_id, ord, name, expansion, start, length) VALUES (?, ?, ?, ?, ?, ?)`,
	"bindings": `INSERT OR REPLACE INTO bindings (id, name, kind) VALUES (?, ?, ?)`,
	"names":    `INSERT INTO names (file_id, binding_id, role, start, length) VALUES (?, ?, ?, ?, ?)`,
}

// SQLiteWriter bulk-loads documents into a SQLite database, committing every
// batchSize rows.
type SQLiteWriter struct {
	db        *sql.DB
	tx        *sql.Tx
	stmts     map[string]*sql.Stmt
	batchSize int
	count     int
	logger    *slog.Logger
}

// NewSQLiteWriter opens dbPath and creates the schema.
func NewSQLiteWriter(dbPath string, logger *slog.Logger) (*SQLiteWriter, error) {
	if logger == nil {
		logger = slog.Default()
	}
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open sqlite %s: %w", dbPath, err)
	}

	for _, pragma := range []string{"PRAGMA synchronous = OFF", "PRAGMA journal_mode = MEMORY"} {
		if _, err := db.Exec(pragma); err != nil {
			_ = db.Close()
			return nil, err
		}
	}
	if _, err := db.Exec(schema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("create schema: %w", err)
	}

	w := &SQLiteWriter{db: db, batchSize: 10000, logger: logger}
	if err := w.beginTx(); err != nil {
		_ = db.Close()
		return nil, err
	}
	return w, nil
}

func (w *SQLiteWriter) beginTx() error {
	var err error
	w.tx, err = w.db.Begin()
	if err != nil {
		return err
	}
	w.stmts = make(map[string]*sql.Stmt, len(inserts))
	for table, q := range inserts {
		if w.stmts[table], err = w.tx.Prepare(q); err != nil {
			return fmt.Errorf("prepare %s insert: %w", table, err)
		}
	}
	return nil
}

func (w *SQLiteWriter) commitTx() error {
	for _, s := range w.stmts {
		_ = s.Close()
	}
	w.stmts = nil
	return w.tx.Commit()
}

func (w *SQLiteWriter) insert(table string, args ...any) error {
	if _, err := w.stmts[table].Exec(args...); err != nil {
		return fmt.Errorf("insert into %s: %w", table, err)
	}
	w.count++
	if w.count < w.batchSize {
		return nil
	}
	w.count = 0
	if err := w.commitTx(); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	return w.beginTx()
}

// Write replaces the database contents with doc.
func (w *SQLiteWriter) Write(doc *Document) error {
	for _, table := range []string{"files", "includes", "macros", "bindings", "names"} {
		if _, err := w.tx.Exec("DELETE FROM " + table); err != nil {
			return fmt.Errorf("clear %s: %w", table, err)
		}
	}
	for _, f := range doc.Files {
		if err := w.insert("files", f.ID, f.Path, f.Timestamp); err != nil {
			return err
		}
		for i, inc := range f.Includes {
			var target any
			if inc.Target != "" {
				target = inc.Target
			}
			if err := w.insert("includes", f.ID, i, inc.Name, target, inc.System, inc.Resolved, inc.Offset, inc.Length); err != nil {
				return err
			}
		}
		for i, m := range f.Macros {
			if err := w.insert("macros", f.ID, i, m.Name, m.Expansion, m.Offset, m.Length); err != nil {
				return err
			}
		}
		for _, n := range f.Names {
			if err := w.insert("names", f.ID, n.Binding, n.Role, n.Offset, n.Length); err != nil {
				return err
			}
		}
	}
	for _, b := range doc.Bindings {
		if err := w.insert("bindings", b.ID, b.Name, b.Kind); err != nil {
			return err
		}
	}
	w.logger.Debug("exported fragment", "files", len(doc.Files), "bindings", len(doc.Bindings))
	return nil
}

// Close commits pending rows, builds the lookup indexes and closes the
// database.
func (w *SQLiteWriter) Close() error {
	if err := w.commitTx(); err != nil {
		_ = w.db.Close()
		return err
	}

	// Indexes after bulk load.
	for _, idx := range []string{
		`CREATE INDEX IF NOT EXISTS idx_names_binding ON names(binding_id)`,
		`CREATE INDEX IF NOT EXISTS idx_names_file ON names(file_id)`,
		`CREATE INDEX IF NOT EXISTS idx_bindings_name ON bindings(name)`,
		`CREATE INDEX IF NOT EXISTS idx_includes_target ON includes(target)`,
	} {
		if _, err := w.db.Exec(idx); err != nil {
			w.logger.Warn("index creation failed", "error", err)
		}
	}
	return w.db.Close()
}

// ToSQLite snapshots doc into a new or existing SQLite file at dbPath.
func ToSQLite(doc *Document, dbPath string, logger *slog.Logger) error {
	w, err := NewSQLiteWriter(dbPath, logger)
	if err != nil {
		return err
	}
	if err := w.Write(doc); err != nil {
		_ = w.Close()
		return err
	}
	return w.Close()
}
