package db

import (
	"database/sql"
	"errors"
	"fmt"
	"os"
	"time"

	_ "github.com/mattn/go-sqlite3" // driver
	"github.com/rs/zerolog/log"
)

func NewSQLLite(dbpath string) (*SQLLiteDB, error) {
	rawDB, err := sql.Open("sqlite3", fmt.Sprintf("file:%s?_foreign_keys=on&_busy_timeout=5000&_journal_mode=WAL", dbpath))
	if err != nil {
		return nil, err
	}
	// one writer, sqlite serializes anyway and this avoids SQLITE_BUSY between our own conns
	rawDB.SetMaxOpenConns(1)
	return &SQLLiteDB{rawDB: rawDB, path: dbpath}, nil
}

type SQLLiteDB struct {
	rawDB *sql.DB
	path  string
}

func (db *SQLLiteDB) runStatement(sql string) (sql.Result, error) {
	statement, err := db.rawDB.Prepare(sql)
	if err != nil {
		return nil, err
	}
	defer statement.Close()
	return statement.Exec()
}

func (db *SQLLiteDB) Init() (err error) {
	statements := []string{
		"CREATE TABLE IF NOT EXISTS generations (" +
			"id INTEGER PRIMARY KEY AUTOINCREMENT, " +
			"blocksize INTEGER NOT NULL, " +
			"algorithm TEXT NOT NULL, " +
			"created INTEGER NOT NULL, " +
			"state TEXT NOT NULL" +
			")",
		"CREATE TABLE IF NOT EXISTS fsobjects (" +
			"id INTEGER PRIMARY KEY AUTOINCREMENT, " +
			"generationid INTEGER NOT NULL, " +
			"path TEXT NOT NULL, " +
			"size INTEGER NOT NULL, " +
			"mtime INTEGER NOT NULL, " +
			"hash BLOB, " +
			"updated INTEGER NOT NULL, " +
			"UNIQUE(generationid, path), " +
			"FOREIGN KEY(generationid) REFERENCES generations(id) ON DELETE CASCADE" +
			")",
		"CREATE TABLE IF NOT EXISTS fileblocks (" +
			"fsobjectid INTEGER NOT NULL, " +
			"ordernumber INTEGER NOT NULL, " +
			"hash BLOB, " +
			"originalhash BLOB, " +
			"PRIMARY KEY(fsobjectid, ordernumber), " +
			"FOREIGN KEY(fsobjectid) REFERENCES fsobjects(id) ON DELETE CASCADE" +
			")",
		"CREATE TABLE IF NOT EXISTS blocks (" +
			"id INTEGER PRIMARY KEY AUTOINCREMENT, " +
			"hash BLOB NOT NULL UNIQUE, " +
			"name BLOB NOT NULL, " +
			"size INTEGER NOT NULL" +
			")",
		"CREATE TABLE IF NOT EXISTS incidents (" +
			"id TEXT PRIMARY KEY, " +
			"opened INTEGER NOT NULL, " +
			"windowstart INTEGER NOT NULL, " +
			"status TEXT NOT NULL, " +
			"updated INTEGER NOT NULL" +
			")",
		"CREATE TABLE IF NOT EXISTS incidentfiles (" +
			"incidentid TEXT NOT NULL, " +
			"ordernumber INTEGER NOT NULL, " +
			"path TEXT NOT NULL, " +
			"PRIMARY KEY(incidentid, ordernumber), " +
			"FOREIGN KEY(incidentid) REFERENCES incidents(id) ON DELETE CASCADE" +
			")",
		"CREATE TABLE IF NOT EXISTS quarantine (" +
			"id TEXT PRIMARY KEY, " +
			"originalpath TEXT NOT NULL, " +
			"quarantinepath TEXT NOT NULL, " +
			"restorepath TEXT NOT NULL, " +
			"incidentid TEXT NOT NULL, " +
			"expectedhash BLOB, " +
			"size INTEGER NOT NULL, " +
			"filemode INTEGER NOT NULL, " +
			"state TEXT NOT NULL, " +
			"created INTEGER NOT NULL, " +
			"updated INTEGER NOT NULL" +
			")",
		"CREATE TABLE IF NOT EXISTS quarantineblocks (" +
			"entryid TEXT NOT NULL, " +
			"ordernumber INTEGER NOT NULL, " +
			"hash BLOB NOT NULL, " +
			"PRIMARY KEY(entryid, ordernumber), " +
			"FOREIGN KEY(entryid) REFERENCES quarantine(id) ON DELETE CASCADE" +
			")",
	}
	for _, s := range statements {
		if _, err = db.runStatement(s); err != nil {
			return err
		}
	}
	log.Debug().Str("path", db.path).Msg("database schema ready")

	if _, statErr := os.Stat(db.path); statErr == nil {
		return os.Chmod(db.path, 0600)
	}
	return nil
}

func (db *SQLLiteDB) Close() error {
	return db.rawDB.Close()
}

func (db *SQLLiteDB) IntegrityCheck() (result string, err error) {
	err = db.rawDB.QueryRow("PRAGMA integrity_check").Scan(&result)
	return
}

// inTx runs fn in a transaction, rolling back on error.
func (db *SQLLiteDB) inTx(fn func(tx *sql.Tx) error) error {
	tx, err := db.rawDB.Begin()
	if err != nil {
		return err
	}
	if err := fn(tx); err != nil {
		tx.Rollback()
		return err
	}
	return tx.Commit()
}

func (db *SQLLiteDB) BeginGeneration(blockSize int, algorithm string) (int64, error) {
	result, err := db.rawDB.Exec("INSERT INTO generations (blocksize, algorithm, created, state) VALUES(?, ?, ?, ?)",
		blockSize, algorithm, time.Now().UnixNano(), GenerationBuilding)
	if err != nil {
		return -1, err
	}
	return result.LastInsertId()
}

// ActivateGeneration swaps the active generation in one transaction and drops the old one.
func (db *SQLLiteDB) ActivateGeneration(id int64) error {
	return db.inTx(func(tx *sql.Tx) error {
		var state string
		err := tx.QueryRow("SELECT state FROM generations WHERE id=?", id).Scan(&state)
		if errors.Is(err, sql.ErrNoRows) {
			return fmt.Errorf("generation %d: %w", id, ErrNotFound)
		}
		if err != nil {
			return err
		}
		if state != GenerationBuilding {
			return fmt.Errorf("generation %d is %s, not %s", id, state, GenerationBuilding)
		}
		if _, err := tx.Exec("UPDATE generations SET state=? WHERE state=?", GenerationRetired, GenerationActive); err != nil {
			return err
		}
		if _, err := tx.Exec("UPDATE generations SET state=? WHERE id=?", GenerationActive, id); err != nil {
			return err
		}
		_, err = tx.Exec("DELETE FROM generations WHERE state=?", GenerationRetired)
		return err
	})
}

func (db *SQLLiteDB) AbortGeneration(id int64) error {
	_, err := db.rawDB.Exec("DELETE FROM generations WHERE id=? AND state=?", id, GenerationBuilding)
	return err
}

func (db *SQLLiteDB) ActiveGeneration() (*Generation, error) {
	g := &Generation{}
	var created int64
	err := db.rawDB.QueryRow("SELECT id, blocksize, algorithm, created, state FROM generations WHERE state=?", GenerationActive).
		Scan(&g.ID, &g.BlockSize, &g.Algorithm, &created, &g.State)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	g.Created = time.Unix(0, created)
	return g, nil
}

func (db *SQLLiteDB) PurgeBuildingGenerations() (int64, error) {
	result, err := db.rawDB.Exec("DELETE FROM generations WHERE state=?", GenerationBuilding)
	if err != nil {
		return 0, err
	}
	return result.RowsAffected()
}

func (db *SQLLiteDB) GetFile(generation int64, path string) (*FileRecord, error) {
	file := &FileRecord{GenerationID: generation, Path: path}
	var mtime, updated int64
	err := db.rawDB.QueryRow("SELECT id, size, mtime, hash, updated FROM fsobjects WHERE generationid=? AND path=?", generation, path).
		Scan(&file.ID, &file.Size, &mtime, &file.FullHash, &updated)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	file.ModTime = time.Unix(0, mtime)
	file.Updated = time.Unix(0, updated)

	rows, err := db.rawDB.Query("SELECT hash, originalhash FROM fileblocks WHERE fsobjectid=? ORDER BY ordernumber", file.ID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	// both columns are contiguous prefixes, NULLs only trail
	for rows.Next() {
		var hash, original []byte
		if err := rows.Scan(&hash, &original); err != nil {
			return nil, err
		}
		if hash != nil {
			file.Blocks = append(file.Blocks, hash)
		}
		if original != nil {
			file.OriginalBlocks = append(file.OriginalBlocks, original)
		}
	}
	return file, rows.Err()
}

func nullable(blocks [][]byte, i int) interface{} {
	if i < len(blocks) {
		return blocks[i]
	}
	return nil
}

// PutFile replaces the whole record of file.Path in file.GenerationID.
func (db *SQLLiteDB) PutFile(file *FileRecord) error {
	return db.inTx(func(tx *sql.Tx) error {
		if _, err := tx.Exec("DELETE FROM fsobjects WHERE generationid=? AND path=?", file.GenerationID, file.Path); err != nil {
			return err
		}
		result, err := tx.Exec("INSERT INTO fsobjects (generationid, path, size, mtime, hash, updated) VALUES(?, ?, ?, ?, ?, ?)",
			file.GenerationID, file.Path, file.Size, file.ModTime.UnixNano(), file.FullHash, time.Now().UnixNano())
		if err != nil {
			return err
		}
		if file.ID, err = result.LastInsertId(); err != nil {
			return err
		}

		statement, err := tx.Prepare("INSERT INTO fileblocks (fsobjectid, ordernumber, hash, originalhash) VALUES(?, ?, ?, ?)")
		if err != nil {
			return err
		}
		defer statement.Close()

		count := len(file.Blocks)
		if len(file.OriginalBlocks) > count {
			count = len(file.OriginalBlocks)
		}
		for i := 0; i < count; i++ {
			if _, err := statement.Exec(file.ID, i, nullable(file.Blocks, i), nullable(file.OriginalBlocks, i)); err != nil {
				return err
			}
		}
		return nil
	})
}

// UpdateFileBlocks writes the changed accepted hashes and the new metadata of
// file. file.Blocks must hold the complete new accepted sequence; indices at or
// beyond its length lose their accepted hash. Original hashes are untouched.
func (db *SQLLiteDB) UpdateFileBlocks(file *FileRecord, changed map[int][]byte) error {
	for index := range changed {
		if index < 0 || index >= len(file.Blocks) {
			return fmt.Errorf("block index %d outside of %d blocks", index, len(file.Blocks))
		}
	}

	return db.inTx(func(tx *sql.Tx) error {
		err := tx.QueryRow("SELECT id FROM fsobjects WHERE generationid=? AND path=?", file.GenerationID, file.Path).Scan(&file.ID)
		if errors.Is(err, sql.ErrNoRows) {
			return fmt.Errorf("%s: %w", file.Path, ErrNotFound)
		}
		if err != nil {
			return err
		}

		_, err = tx.Exec("UPDATE fsobjects SET size=?, mtime=?, hash=?, updated=? WHERE id=?",
			file.Size, file.ModTime.UnixNano(), file.FullHash, time.Now().UnixNano(), file.ID)
		if err != nil {
			return err
		}

		statement, err := tx.Prepare("INSERT INTO fileblocks (fsobjectid, ordernumber, hash, originalhash) VALUES(?, ?, ?, NULL) " +
			"ON CONFLICT(fsobjectid, ordernumber) DO UPDATE SET hash=excluded.hash")
		if err != nil {
			return err
		}
		defer statement.Close()

		for index, hash := range changed {
			if _, err := statement.Exec(file.ID, index, hash); err != nil {
				return err
			}
		}

		if _, err := tx.Exec("UPDATE fileblocks SET hash=NULL WHERE fsobjectid=? AND ordernumber>=?", file.ID, len(file.Blocks)); err != nil {
			return err
		}
		_, err = tx.Exec("DELETE FROM fileblocks WHERE fsobjectid=? AND hash IS NULL AND originalhash IS NULL", file.ID)
		return err
	})
}

func (db *SQLLiteDB) DeleteFile(generation int64, path string) (bool, error) {
	result, err := db.rawDB.Exec("DELETE FROM fsobjects WHERE generationid=? AND path=?", generation, path)
	if err != nil {
		return false, err
	}
	n, err := result.RowsAffected()
	return n > 0, err
}

func (db *SQLLiteDB) ListFiles(generation int64) (paths []string, err error) {
	rows, err := db.rawDB.Query("SELECT path FROM fsobjects WHERE generationid=? ORDER BY path", generation)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	for rows.Next() {
		var path string
		if err := rows.Scan(&path); err != nil {
			return nil, err
		}
		paths = append(paths, path)
	}
	return paths, rows.Err()
}

func (db *SQLLiteDB) Stats(generation int64) (*Stats, error) {
	s := &Stats{}
	err := db.rawDB.QueryRow("SELECT COUNT(*), COALESCE(SUM(size), 0) FROM fsobjects WHERE generationid=?", generation).
		Scan(&s.Files, &s.TotalBytes)
	if err != nil {
		return nil, err
	}
	err = db.rawDB.QueryRow("SELECT COUNT(*) FROM fileblocks AS b JOIN fsobjects AS f ON b.fsobjectid=f.id "+
		"WHERE f.generationid=? AND b.hash IS NOT NULL", generation).Scan(&s.Blocks)
	if err != nil {
		return nil, err
	}
	err = db.rawDB.QueryRow("SELECT COUNT(*) FROM blocks").Scan(&s.BackupRefs)
	return s, err
}

func (db *SQLLiteDB) AddBlockToIndex(block *BlockMeta) error {
	result, err := db.rawDB.Exec("INSERT OR IGNORE INTO blocks (hash, name, size) VALUES(?, ?, ?)",
		block.Hash, block.Name, block.Size)
	if err != nil {
		return err
	}
	block.ID, err = result.LastInsertId()
	return err
}

func (db *SQLLiteDB) GetBlockMeta(hash []byte) (*BlockMeta, error) {
	bm := &BlockMeta{}
	err := db.rawDB.QueryRow("SELECT id, hash, name, size FROM blocks WHERE hash=?", hash).
		Scan(&bm.ID, &bm.Hash, &bm.Name, &bm.Size)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return bm, nil
}

func (db *SQLLiteDB) SaveIncident(incident *Incident) error {
	return db.inTx(func(tx *sql.Tx) error {
		_, err := tx.Exec("INSERT INTO incidents (id, opened, windowstart, status, updated) VALUES(?, ?, ?, ?, ?) "+
			"ON CONFLICT(id) DO UPDATE SET windowstart=excluded.windowstart, status=excluded.status, updated=excluded.updated",
			incident.ID, incident.OpenedAt.UnixNano(), incident.WindowStart.UnixNano(), incident.Status, incident.Updated.UnixNano())
		if err != nil {
			return err
		}
		if _, err := tx.Exec("DELETE FROM incidentfiles WHERE incidentid=?", incident.ID); err != nil {
			return err
		}
		for i, path := range incident.Paths {
			if _, err := tx.Exec("INSERT INTO incidentfiles (incidentid, ordernumber, path) VALUES(?, ?, ?)", incident.ID, i, path); err != nil {
				return err
			}
		}
		return nil
	})
}

func (db *SQLLiteDB) ListIncidents() ([]*Incident, error) {
	rows, err := db.rawDB.Query("SELECT id, opened, windowstart, status, updated FROM incidents ORDER BY opened")
	if err != nil {
		return nil, err
	}

	var incidents []*Incident
	for rows.Next() {
		inc := &Incident{}
		var opened, windowStart, updated int64
		if err := rows.Scan(&inc.ID, &opened, &windowStart, &inc.Status, &updated); err != nil {
			rows.Close()
			return nil, err
		}
		inc.OpenedAt = time.Unix(0, opened)
		inc.WindowStart = time.Unix(0, windowStart)
		inc.Updated = time.Unix(0, updated)
		incidents = append(incidents, inc)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, err
	}

	for _, inc := range incidents {
		paths, err := db.rawDB.Query("SELECT path FROM incidentfiles WHERE incidentid=? ORDER BY ordernumber", inc.ID)
		if err != nil {
			return nil, err
		}
		for paths.Next() {
			var p string
			if err := paths.Scan(&p); err != nil {
				paths.Close()
				return nil, err
			}
			inc.Paths = append(inc.Paths, p)
		}
		paths.Close()
	}
	return incidents, nil
}

func (db *SQLLiteDB) SaveQuarantineEntry(entry *QuarantineEntry) error {
	return db.inTx(func(tx *sql.Tx) error {
		_, err := tx.Exec("INSERT INTO quarantine (id, originalpath, quarantinepath, restorepath, incidentid, expectedhash, size, filemode, state, created, updated) "+
			"VALUES(?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?) "+
			"ON CONFLICT(id) DO UPDATE SET state=excluded.state, updated=excluded.updated",
			entry.ID, entry.OriginalPath, entry.QuarantinePath, entry.RestorePath, entry.IncidentID, entry.ExpectedHash,
			entry.Size, uint32(entry.FileMode), entry.State, entry.Created.UnixNano(), entry.Updated.UnixNano())
		if err != nil {
			return err
		}
		if _, err := tx.Exec("DELETE FROM quarantineblocks WHERE entryid=?", entry.ID); err != nil {
			return err
		}
		for i, hash := range entry.Blocks {
			if _, err := tx.Exec("INSERT INTO quarantineblocks (entryid, ordernumber, hash) VALUES(?, ?, ?)", entry.ID, i, hash); err != nil {
				return err
			}
		}
		return nil
	})
}

func (db *SQLLiteDB) scanQuarantineEntry(scan func(dest ...interface{}) error) (*QuarantineEntry, error) {
	e := &QuarantineEntry{}
	var mode uint32
	var created, updated int64
	err := scan(&e.ID, &e.OriginalPath, &e.QuarantinePath, &e.RestorePath, &e.IncidentID, &e.ExpectedHash,
		&e.Size, &mode, &e.State, &created, &updated)
	if err != nil {
		return nil, err
	}
	e.FileMode = os.FileMode(mode)
	e.Created = time.Unix(0, created)
	e.Updated = time.Unix(0, updated)
	return e, nil
}

func (db *SQLLiteDB) loadQuarantineBlocks(e *QuarantineEntry) error {
	rows, err := db.rawDB.Query("SELECT hash FROM quarantineblocks WHERE entryid=? ORDER BY ordernumber", e.ID)
	if err != nil {
		return err
	}
	defer rows.Close()
	for rows.Next() {
		var hash []byte
		if err := rows.Scan(&hash); err != nil {
			return err
		}
		e.Blocks = append(e.Blocks, hash)
	}
	return rows.Err()
}

const quarantineColumns = "id, originalpath, quarantinepath, restorepath, incidentid, expectedhash, size, filemode, state, created, updated"

func (db *SQLLiteDB) GetQuarantineEntry(id string) (*QuarantineEntry, error) {
	row := db.rawDB.QueryRow("SELECT "+quarantineColumns+" FROM quarantine WHERE id=?", id)
	e, err := db.scanQuarantineEntry(row.Scan)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return e, db.loadQuarantineBlocks(e)
}

func (db *SQLLiteDB) ListQuarantineEntries() ([]*QuarantineEntry, error) {
	rows, err := db.rawDB.Query("SELECT " + quarantineColumns + " FROM quarantine ORDER BY created")
	if err != nil {
		return nil, err
	}
	var entries []*QuarantineEntry
	for rows.Next() {
		e, err := db.scanQuarantineEntry(rows.Scan)
		if err != nil {
			rows.Close()
			return nil, err
		}
		entries = append(entries, e)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, err
	}
	for _, e := range entries {
		if err := db.loadQuarantineBlocks(e); err != nil {
			return nil, err
		}
	}
	return entries, nil
}
