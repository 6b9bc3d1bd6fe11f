// Package indexdb maintains a queryable SQLite index over the frame and
// audit logs. The JSONL logs remain the source of truth; the index is a
// secondary view and may drop writes under load.
package indexdb

import (
	"context"
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	_ "modernc.org/sqlite"

	"snapforge/internal/sim/catalogs"
	"snapforge/internal/sim/session"
	"snapforge/internal/sim/tuning"
)

type SQLiteIndex struct {
	db *sql.DB

	ch   chan req
	wg   sync.WaitGroup
	once sync.Once

	closed atomic.Bool
}

type reqKind int

const (
	reqFrame reqKind = iota + 1
	reqAudit
)

type req struct {
	kind reqKind

	frame session.FrameLogEntry
	audit session.AuditEntry
}

func OpenSQLite(path string) (*SQLiteIndex, error) {
	if path == "" {
		return nil, fmt.Errorf("empty db path")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, err
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)

	if err := initPragmas(db); err != nil {
		_ = db.Close()
		return nil, err
	}
	if err := initSchema(db); err != nil {
		_ = db.Close()
		return nil, err
	}

	s := &SQLiteIndex{
		db: db,
		// High buffer: absorb bursty audit writes without stalling the sim.
		ch: make(chan req, 65536),
	}
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.loop()
	}()
	return s, nil
}

func initPragmas(db *sql.DB) error {
	// WAL is much faster for append-style workloads.
	// NORMAL is a decent durability/perf tradeoff for a secondary index.
	pragmas := []string{
		"PRAGMA journal_mode=WAL;",
		"PRAGMA synchronous=NORMAL;",
		"PRAGMA foreign_keys=ON;",
		"PRAGMA busy_timeout=5000;",
		"PRAGMA temp_store=MEMORY;",
	}
	for _, p := range pragmas {
		if _, err := db.Exec(p); err != nil {
			return err
		}
	}
	return nil
}

func initSchema(db *sql.DB) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS meta (
			key TEXT PRIMARY KEY,
			value TEXT NOT NULL
		);`,
		`CREATE TABLE IF NOT EXISTS catalogs (
			name TEXT PRIMARY KEY,
			digest TEXT NOT NULL,
			json TEXT NOT NULL,
			updated_at TEXT NOT NULL
		);`,
		`CREATE TABLE IF NOT EXISTS frames (
			frame INTEGER PRIMARY KEY,
			digest TEXT NOT NULL,
			joins INTEGER NOT NULL,
			leaves INTEGER NOT NULL,
			inputs INTEGER NOT NULL,
			raw_json TEXT NOT NULL
		);`,
		`CREATE TABLE IF NOT EXISTS joins (
			frame INTEGER NOT NULL,
			builder_id TEXT NOT NULL,
			name TEXT NOT NULL,
			PRIMARY KEY (frame, builder_id)
		);`,
		`CREATE TABLE IF NOT EXISTS leaves (
			frame INTEGER NOT NULL,
			builder_id TEXT NOT NULL,
			PRIMARY KEY (frame, builder_id)
		);`,
		`CREATE TABLE IF NOT EXISTS inputs (
			frame INTEGER NOT NULL,
			seq INTEGER NOT NULL,
			builder_id TEXT NOT NULL,
			input_json TEXT NOT NULL,
			PRIMARY KEY (frame, seq)
		);`,
		`CREATE INDEX IF NOT EXISTS idx_inputs_builder_frame ON inputs(builder_id, frame);`,
		`CREATE TABLE IF NOT EXISTS audits (
			frame INTEGER NOT NULL,
			seq INTEGER NOT NULL,
			builder_id TEXT NOT NULL,
			action TEXT NOT NULL,
			prefab TEXT,
			target_id INTEGER NOT NULL,
			code TEXT,
			raw_json TEXT NOT NULL,
			PRIMARY KEY (frame, seq)
		);`,
		`CREATE INDEX IF NOT EXISTS idx_audits_builder_frame ON audits(builder_id, frame);`,
		`CREATE INDEX IF NOT EXISTS idx_audits_prefab_frame ON audits(prefab, frame);`,
	}
	for _, s := range stmts {
		if _, err := db.Exec(s); err != nil {
			return err
		}
	}
	return nil
}

func (s *SQLiteIndex) Close() error {
	var err error
	s.once.Do(func() {
		s.closed.Store(true)
		close(s.ch)
		s.wg.Wait()
		err = s.db.Close()
	})
	return err
}

func (s *SQLiteIndex) WriteFrame(entry session.FrameLogEntry) error {
	if s == nil || s.closed.Load() {
		return nil
	}
	select {
	case s.ch <- req{kind: reqFrame, frame: entry}:
	default:
		// Drop if the indexer falls behind; JSONL logs remain the source of truth.
	}
	return nil
}

func (s *SQLiteIndex) WriteAudit(entry session.AuditEntry) error {
	if s == nil || s.closed.Load() {
		return nil
	}
	select {
	case s.ch <- req{kind: reqAudit, audit: entry}:
	default:
	}
	return nil
}

// UpsertCatalogs records the content digests the session runs against so a
// recorded log can be matched back to its exact authored content.
func (s *SQLiteIndex) UpsertCatalogs(configDir string, cats *catalogs.Catalogs, tune tuning.Tuning) error {
	if s == nil {
		return nil
	}

	now := time.Now().UTC().Format(time.RFC3339Nano)

	raw := map[string][]byte{}
	read := func(name, path string) {
		b, err := os.ReadFile(path)
		if err != nil {
			return
		}
		raw[name] = b
	}
	if configDir != "" {
		read("resources_defs", filepath.Join(configDir, "resources.json"))
	}

	type kv struct {
		name   string
		digest string
		json   []byte
	}
	var rows []kv
	if b := raw["resources_defs"]; len(b) > 0 {
		rows = append(rows, kv{name: "resources_defs", digest: cats.Resources.Digest, json: b})
	}
	if b, _ := json.Marshal(cats.Resources.Palette); len(b) > 0 {
		rows = append(rows, kv{name: "resources_palette", digest: cats.Resources.Digest, json: b})
	}
	if b, _ := json.Marshal(cats.Identities.Palette); len(b) > 0 {
		rows = append(rows, kv{name: "identities_palette", digest: cats.Identities.Digest, json: b})
	}
	{
		// Canonicalize placeables to stable JSON for easier querying.
		defs := make([]catalogs.PlaceableDef, 0, len(cats.Placeables.Order))
		for _, id := range cats.Placeables.Order {
			defs = append(defs, cats.Placeables.ByID[id])
		}
		if b, _ := json.Marshal(defs); len(b) > 0 {
			rows = append(rows, kv{name: "placeables", digest: cats.Placeables.Digest, json: b})
		}
	}
	{
		// Tuning: store the values we actually apply (canonical JSON).
		b, _ := json.Marshal(tune)
		sum := sha256.Sum256(b)
		rows = append(rows, kv{name: "tuning", digest: hex.EncodeToString(sum[:]), json: b})
	}

	tx, err := s.db.BeginTx(context.Background(), nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.Exec(`INSERT OR REPLACE INTO meta(key,value) VALUES('schema_version','1')`); err != nil {
		return err
	}
	stmt, err := tx.Prepare(`INSERT OR REPLACE INTO catalogs(name,digest,json,updated_at) VALUES(?,?,?,?)`)
	if err != nil {
		return err
	}
	defer stmt.Close()
	for _, r := range rows {
		if r.name == "" || r.digest == "" || len(r.json) == 0 {
			continue
		}
		if _, err := stmt.Exec(r.name, r.digest, string(r.json), now); err != nil {
			return err
		}
	}
	return tx.Commit()
}

func (s *SQLiteIndex) loop() {
	ctx := context.Background()

	insertFrame, _ := s.db.Prepare(`INSERT OR REPLACE INTO frames(frame,digest,joins,leaves,inputs,raw_json) VALUES(?,?,?,?,?,?)`)
	insertJoin, _ := s.db.Prepare(`INSERT OR REPLACE INTO joins(frame,builder_id,name) VALUES(?,?,?)`)
	insertLeave, _ := s.db.Prepare(`INSERT OR REPLACE INTO leaves(frame,builder_id) VALUES(?,?)`)
	insertInput, _ := s.db.Prepare(`INSERT OR REPLACE INTO inputs(frame,seq,builder_id,input_json) VALUES(?,?,?,?)`)
	insertAudit, _ := s.db.Prepare(`INSERT OR REPLACE INTO audits(frame,seq,builder_id,action,prefab,target_id,code,raw_json) VALUES(?,?,?,?,?,?,?,?)`)
	defer func() {
		for _, st := range []*sql.Stmt{insertFrame, insertJoin, insertLeave, insertInput, insertAudit} {
			if st != nil {
				_ = st.Close()
			}
		}
	}()

	var (
		tx            *sql.Tx
		opCount       int
		lastCommit    = time.Now()
		commitEvery   = 2000
		commitMaxWait = 2 * time.Second

		lastAuditFrame uint64
		auditSeq       int
	)

	begin := func() {
		if tx != nil {
			return
		}
		txx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			// If we can't start a tx, we can't do much; sleep a bit.
			time.Sleep(50 * time.Millisecond)
			return
		}
		tx = txx
		opCount = 0
		lastCommit = time.Now()
	}
	commit := func() {
		if tx == nil {
			return
		}
		_ = tx.Commit()
		tx = nil
		opCount = 0
		lastCommit = time.Now()
	}
	rollback := func() {
		if tx == nil {
			return
		}
		_ = tx.Rollback()
		tx = nil
		opCount = 0
		lastCommit = time.Now()
	}

	flushIfNeeded := func() {
		if tx == nil {
			return
		}
		if opCount >= commitEvery || time.Since(lastCommit) >= commitMaxWait {
			commit()
		}
	}

	for r := range s.ch {
		begin()
		if tx == nil {
			continue
		}
		switch r.kind {
		case reqFrame:
			e := r.frame
			b, _ := json.Marshal(e)
			if insertFrame != nil {
				if _, err := tx.Stmt(insertFrame).Exec(
					int64(e.Frame),
					e.Digest,
					len(e.Joins),
					len(e.Leaves),
					len(e.Inputs),
					string(b),
				); err != nil {
					rollback()
					continue
				}
				opCount++
			}
			for _, j := range e.Joins {
				if insertJoin == nil {
					break
				}
				if _, err := tx.Stmt(insertJoin).Exec(int64(e.Frame), j.BuilderID, j.Name); err != nil {
					rollback()
					break
				}
				opCount++
			}
			for _, id := range e.Leaves {
				if insertLeave == nil {
					break
				}
				if _, err := tx.Stmt(insertLeave).Exec(int64(e.Frame), id); err != nil {
					rollback()
					break
				}
				opCount++
			}
			for i, in := range e.Inputs {
				if insertInput == nil {
					break
				}
				inJSON, _ := json.Marshal(in.Input)
				if _, err := tx.Stmt(insertInput).Exec(int64(e.Frame), i, in.BuilderID, string(inJSON)); err != nil {
					rollback()
					break
				}
				opCount++
			}

		case reqAudit:
			a := r.audit
			if a.Frame != lastAuditFrame {
				lastAuditFrame = a.Frame
				auditSeq = 0
			}
			seq := auditSeq
			auditSeq++
			raw, _ := json.Marshal(a)
			if insertAudit != nil {
				if _, err := tx.Stmt(insertAudit).Exec(
					int64(a.Frame),
					seq,
					a.BuilderID,
					a.Action,
					a.Prefab,
					int64(a.TargetID),
					a.Code,
					string(raw),
				); err != nil {
					rollback()
					continue
				}
				opCount++
			}
		}
		flushIfNeeded()
	}

	commit()
}
