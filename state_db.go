package main

import (
	"database/sql"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"
)

// foundBlockRecord is an operator audit row: a parent or auxiliary block
// this server produced. Shares are never stored.
type foundBlockRecord struct {
	Kind   string
	Chain  string
	Hash   string
	Height int64
	Miner  string
	Time   time.Time
}

// auditStore appends found-block records to a sqlite database. Writes run
// on a dedicated goroutine; the submit path never waits on the disk.
type auditStore struct {
	db    *sql.DB
	queue chan foundBlockRecord
	done  chan struct{}
}

func openAuditStore(dataDir string) (*auditStore, error) {
	db, err := sql.Open("sqlite", filepath.Join(dataDir, "stratum.db"))
	if err != nil {
		return nil, err
	}
	_, err = db.Exec(`CREATE TABLE IF NOT EXISTS found_blocks (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		kind TEXT NOT NULL,
		chain TEXT NOT NULL DEFAULT '',
		hash TEXT NOT NULL,
		height INTEGER NOT NULL DEFAULT 0,
		miner TEXT NOT NULL DEFAULT '',
		found_at TEXT NOT NULL
	)`)
	if err != nil {
		_ = db.Close()
		return nil, err
	}
	s := &auditStore{
		db:    db,
		queue: make(chan foundBlockRecord, 64),
		done:  make(chan struct{}),
	}
	go s.run()
	return s, nil
}

func (s *auditStore) run() {
	defer close(s.done)
	for rec := range s.queue {
		_, err := s.db.Exec(
			`INSERT INTO found_blocks (kind, chain, hash, height, miner, found_at) VALUES (?, ?, ?, ?, ?, ?)`,
			rec.Kind, rec.Chain, rec.Hash, rec.Height, rec.Miner, rec.Time.Format(time.RFC3339),
		)
		if err != nil {
			logger.Warn("audit store insert failed", "error", err)
		}
	}
}

// recordFoundBlock enqueues a row; if the queue is full the record is
// dropped rather than stalling the caller.
func (s *auditStore) recordFoundBlock(rec foundBlockRecord) {
	select {
	case s.queue <- rec:
	default:
		logger.Warn("audit store queue full; dropping record", "hash", rec.Hash)
	}
}

func (s *auditStore) Close() {
	close(s.queue)
	<-s.done
	_ = s.db.Close()
}
