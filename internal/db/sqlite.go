package db

import (
	"database/sql"
	"strings"
	"time"

	"github.com/google/uuid"
	sqlite3 "github.com/mattn/go-sqlite3"
	"github.com/pkg/errors"

	"github.com/AndreevSemen/twofactor/internal/config"
	"github.com/AndreevSemen/twofactor/internal/structures"
)

var (
	ErrDeviceExists   = errors.New("device with such credential id already exists")
	ErrDeviceNotFound = errors.New("device not found")
	ErrTokenNotFound  = errors.New("backup token not found")
)

const schema = `
CREATE TABLE IF NOT EXISTS logins (
	login    TEXT PRIMARY KEY,
	password BLOB NOT NULL
);
CREATE TABLE IF NOT EXISTS webauthn_devices (
	id           TEXT PRIMARY KEY,
	login        TEXT NOT NULL REFERENCES logins(login),
	name         TEXT NOT NULL,
	key_handle   TEXT NOT NULL UNIQUE,
	public_key   BLOB NOT NULL,
	sign_count   INTEGER NOT NULL DEFAULT 0,
	created_at   INTEGER NOT NULL,
	last_used_at INTEGER
);
CREATE INDEX IF NOT EXISTS webauthn_devices_login ON webauthn_devices(login);
CREATE TABLE IF NOT EXISTS backup_tokens (
	id         INTEGER PRIMARY KEY AUTOINCREMENT,
	login      TEXT NOT NULL REFERENCES logins(login),
	token_hash BLOB NOT NULL,
	created_at INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS backup_tokens_login ON backup_tokens(login);
`

type SQLiteDB struct {
	db *sql.DB
}

func NewSQLiteDB(cfg config.Config) (*SQLiteDB, error) {
	return Open(cfg.Database.SQLiteDB)
}

func Open(dsn string) (*SQLiteDB, error) {
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, err
	}
	// in-memory databases live per connection
	db.SetMaxOpenConns(1)

	if _, err := db.Exec(schema); err != nil {
		db.Close()
		err = errors.Wrap(err, "create schema")
		return nil, err
	}

	sqliteDB := &SQLiteDB{
		db: db,
	}

	return sqliteDB, nil
}

func (db *SQLiteDB) Close() error {
	return db.db.Close()
}

func (db *SQLiteDB) IsLoginExists(login string) (bool, error) {
	var count int
	if err := db.db.QueryRow(`SELECT count(login) FROM logins WHERE login=?`, login).Scan(&count); err != nil {
		return false, err
	}

	exists := count != 0
	return exists, nil
}

func (db *SQLiteDB) SetPassword(login string, hash []byte) error {
	_, err := db.db.Exec(`INSERT INTO logins (login, password) VALUES (?, ?)`, login, hash)
	return err
}

func (db *SQLiteDB) GetPasswordHash(login string) (hash []byte, ok bool, err error) {
	err = db.db.QueryRow(`SELECT password FROM logins WHERE login=?`, login).Scan(&hash)
	if err == sql.ErrNoRows {
		return nil, false, nil
	} else if err != nil {
		return nil, false, err
	}

	return hash, true, nil
}

// NormalizeKeyHandle strips base64 padding some authenticators leave on credential ids.
func NormalizeKeyHandle(keyHandle string) string {
	return strings.TrimRight(keyHandle, "=")
}

func (db *SQLiteDB) AddDevice(d structures.Device) (structures.Device, error) {
	d.ID = uuid.NewString()
	d.KeyHandle = NormalizeKeyHandle(d.KeyHandle)
	if d.CreatedAt.IsZero() {
		d.CreatedAt = time.Now()
	}

	_, err := db.db.Exec(
		`INSERT INTO webauthn_devices (id, login, name, key_handle, public_key, sign_count, created_at) VALUES (?, ?, ?, ?, ?, ?, ?)`,
		d.ID, d.Login, d.Name, d.KeyHandle, d.PublicKey, d.SignCount, d.CreatedAt.Unix(),
	)
	var sqliteErr sqlite3.Error
	if errors.As(err, &sqliteErr) && sqliteErr.ExtendedCode == sqlite3.ErrConstraintUnique {
		return structures.Device{}, ErrDeviceExists
	} else if err != nil {
		err = errors.Wrap(err, "insert device")
		return structures.Device{}, err
	}

	return d, nil
}

func (db *SQLiteDB) ListDevices(login string) ([]structures.Device, error) {
	rows, err := db.db.Query(
		`SELECT id, login, name, key_handle, public_key, sign_count, created_at, last_used_at FROM webauthn_devices WHERE login=? ORDER BY created_at, id`,
		login,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	devices := make([]structures.Device, 0)
	for rows.Next() {
		d, err := scanDevice(rows)
		if err != nil {
			return nil, err
		}
		devices = append(devices, d)
	}

	return devices, rows.Err()
}

func (db *SQLiteDB) GetDevice(login, keyHandle string) (structures.Device, error) {
	row := db.db.QueryRow(
		`SELECT id, login, name, key_handle, public_key, sign_count, created_at, last_used_at FROM webauthn_devices WHERE login=? AND key_handle=?`,
		login, NormalizeKeyHandle(keyHandle),
	)

	d, err := scanDevice(row)
	if err == sql.ErrNoRows {
		return structures.Device{}, ErrDeviceNotFound
	} else if err != nil {
		err = errors.Wrap(err, "get device")
		return structures.Device{}, err
	}

	return d, nil
}

func (db *SQLiteDB) CountDevices(login string) (int, error) {
	var count int
	if err := db.db.QueryRow(`SELECT count(id) FROM webauthn_devices WHERE login=?`, login).Scan(&count); err != nil {
		return 0, err
	}
	return count, nil
}

func (db *SQLiteDB) UpdateSignCount(id string, count uint32, usedAt time.Time) error {
	res, err := db.db.Exec(`UPDATE webauthn_devices SET sign_count=?, last_used_at=? WHERE id=?`, count, usedAt.Unix(), id)
	if err != nil {
		err = errors.Wrap(err, "update sign count")
		return err
	}

	return expectAffected(res, ErrDeviceNotFound)
}

func (db *SQLiteDB) DeleteDevice(login, id string) error {
	res, err := db.db.Exec(`DELETE FROM webauthn_devices WHERE login=? AND id=?`, login, id)
	if err != nil {
		err = errors.Wrap(err, "delete device")
		return err
	}

	return expectAffected(res, ErrDeviceNotFound)
}

func expectAffected(res sql.Result, notFound error) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return notFound
	}
	return nil
}

type BackupToken struct {
	ID   int64
	Hash []byte
}

// ReplaceBackupTokens drops every unused token of login and stores hashes
// as the new set.
func (db *SQLiteDB) ReplaceBackupTokens(login string, hashes [][]byte) error {
	tx, err := db.db.Begin()
	if err != nil {
		err = errors.Wrap(err, "begin transaction")
		return err
	}
	defer tx.Rollback()

	if _, err := tx.Exec(`DELETE FROM backup_tokens WHERE login=?`, login); err != nil {
		err = errors.Wrap(err, "delete backup tokens")
		return err
	}

	now := time.Now().Unix()
	for _, hash := range hashes {
		if _, err := tx.Exec(`INSERT INTO backup_tokens (login, token_hash, created_at) VALUES (?, ?, ?)`, login, hash, now); err != nil {
			err = errors.Wrap(err, "insert backup token")
			return err
		}
	}

	if err := tx.Commit(); err != nil {
		err = errors.Wrap(err, "commit backup tokens")
		return err
	}

	return nil
}

func (db *SQLiteDB) ListBackupTokens(login string) ([]BackupToken, error) {
	rows, err := db.db.Query(`SELECT id, token_hash FROM backup_tokens WHERE login=? ORDER BY id`, login)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	tokens := make([]BackupToken, 0)
	for rows.Next() {
		var t BackupToken
		if err := rows.Scan(&t.ID, &t.Hash); err != nil {
			return nil, err
		}
		tokens = append(tokens, t)
	}

	return tokens, rows.Err()
}

// DeleteBackupToken consumes a token. Only one caller can delete a given
// id; the rest get ErrTokenNotFound.
func (db *SQLiteDB) DeleteBackupToken(login string, id int64) error {
	res, err := db.db.Exec(`DELETE FROM backup_tokens WHERE login=? AND id=?`, login, id)
	if err != nil {
		err = errors.Wrap(err, "delete backup token")
		return err
	}

	return expectAffected(res, ErrTokenNotFound)
}

type scanner interface {
	Scan(dest ...interface{}) error
}

func scanDevice(s scanner) (structures.Device, error) {
	var (
		d          structures.Device
		createdAt  int64
		lastUsedAt sql.NullInt64
	)
	if err := s.Scan(&d.ID, &d.Login, &d.Name, &d.KeyHandle, &d.PublicKey, &d.SignCount, &createdAt, &lastUsedAt); err != nil {
		return structures.Device{}, err
	}

	d.CreatedAt = time.Unix(createdAt, 0)
	if lastUsedAt.Valid {
		t := time.Unix(lastUsedAt.Int64, 0)
		d.LastUsedAt = &t
	}

	return d, nil
}
