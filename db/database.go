package db

import (
	"database/sql"
	"errors"

	//sqlite3 driver
	_ "github.com/mattn/go-sqlite3"

	"wormholed/log"
)

//ErrNotOpen is returned when operating on a closed store
var ErrNotOpen = errors.New("database connection is not open")

//Store wraps the SQLite connection with typed, transactional
//operations over the rendezvous tables. It carries no business
//rules; crowding, summarization, and pruning policy live with
//the callers.
type Store struct {
	db *sql.DB
}

//Open opens (or creates) the SQLite database at the given
//path and returns the Store for it. An empty path, or the
//special value ":memory:", runs fully in memory which is
//what the tests use.
func Open(filename string) (*Store, error) {
	if filename == "" {
		filename = ":memory:"
	}

	log.Infof("opening database %s", filename)

	conn, err := sql.Open("sqlite3", filename)
	if err != nil {
		return nil, err
	}

	if filename == ":memory:" {
		//Each pool connection would otherwise get its own empty
		//in-memory database
		conn.SetMaxOpenConns(1)
	}

	s := &Store{db: conn}

	var cur int
	row := conn.QueryRow(`SELECT version FROM version`)
	if err := row.Scan(&cur); err != nil {
		//No version table yet, fresh database
		if err := s.createSchema(); err != nil {
			conn.Close()
			return nil, err
		}
		return s, nil
	}

	if err := checkMigration(cur); err != nil {
		conn.Close()
		return nil, err
	}
	return s, nil
}

//Close terminates the database connection
func (s *Store) Close() error {
	if s.db == nil {
		return nil
	}
	log.Info("closing database connection")
	err := s.db.Close()
	s.db = nil
	return err
}

//createSchema sets up a new database schema for use
func (s *Store) createSchema() error {
	if s.db == nil {
		return ErrNotOpen
	}

	log.Info("setting up database schema")

	_, err := s.db.Exec(relaySchema)
	if err != nil {
		return err
	}

	//Set the schema version
	_, err = s.db.Exec(`INSERT INTO version (version) VALUES ($1)`, schemaVersion)
	if err != nil {
		return err
	}

	log.Infof("set schema version to %d", schemaVersion)
	return nil
}

//checkMigration compares the stored schema version against the
//current version in this binary
func checkMigration(cur int) error {
	if cur > schemaVersion {
		return errors.New("database schema version is higher then the binaries target")
	} else if cur < schemaVersion {
		return errors.New("database schema is from an older release, migrate it first")
	}
	return nil
}

//inTx runs fn inside a single transaction, rolling back on
//any error. Multi-row teardowns go through here so partial
//deletes never land.
func (s *Store) inTx(fn func(tx *sql.Tx) error) error {
	if s.db == nil {
		return ErrNotOpen
	}

	tx, err := s.db.Begin()
	if err != nil {
		return err
	}

	if err := fn(tx); err != nil {
		tx.Rollback()
		return err
	}
	return tx.Commit()
}
