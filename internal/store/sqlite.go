package store

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"noteguard/internal/config"
)

// Store wraps the SQLite database holding noteguard state.
type Store struct {
	db     *sql.DB
	path   string
	memory bool
	macKey []byte
}

// Open opens the database described by cfg, creating it and applying
// pending migrations as needed. File-backed databases are created under
// a 0700 directory and restricted to 0600.
func Open(cfg config.StorageConfig) (*Store, error) {
	var dsn, path string
	memory := false

	switch cfg.Type {
	case "memory":
		dsn = ":memory:?_foreign_keys=on"
		memory = true
	case "", "sqlite":
		path = cfg.Path
		if path == "" {
			return nil, errors.New("storage path not configured")
		}
		if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
			return nil, fmt.Errorf("create data directory: %w", err)
		}
		busyTimeout := cfg.BusyTimeoutMs
		if busyTimeout <= 0 {
			busyTimeout = 5000
		}
		dsn = fmt.Sprintf("%s?_foreign_keys=on&_journal_mode=WAL&_busy_timeout=%d", path, busyTimeout)
	default:
		return nil, fmt.Errorf("unknown storage type %q", cfg.Type)
	}

	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	if memory {
		// Each connection to :memory: is a distinct database.
		db.SetMaxOpenConns(1)
	} else if cfg.MaxConnections > 0 {
		db.SetMaxOpenConns(cfg.MaxConnections)
	}

	if err := MigrateDB(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate database: %w", err)
	}

	if !memory {
		if err := os.Chmod(path, 0600); err != nil {
			db.Close()
			return nil, fmt.Errorf("restrict database permissions: %w", err)
		}
	}

	return &Store{db: db, path: path, memory: memory}, nil
}

// Close closes the database.
func (s *Store) Close() error {
	if s.db == nil {
		return nil
	}
	return s.db.Close()
}

// Path returns the database file path, empty for in-memory stores.
func (s *Store) Path() string {
	return s.path
}

// SaveCredential stores the enrolled credential. The store keeps at
// most one; saving while a credential exists is an error. CreatedAt and
// UpdatedAt are stamped on the record.
func (s *Store) SaveCredential(rec *CredentialRecord) error {
	var count int
	if err := s.db.QueryRow("SELECT COUNT(*) FROM credential").Scan(&count); err != nil {
		return fmt.Errorf("check existing credential: %w", err)
	}
	if count > 0 {
		return errors.New("credential already enrolled")
	}

	digests, err := json.Marshal(rec.FieldDigests)
	if err != nil {
		return fmt.Errorf("marshal field digests: %w", err)
	}

	now := time.Unix(time.Now().Unix(), 0)
	rec.CreatedAt = now
	rec.UpdatedAt = now
	mac := s.stampCredential(rec, digests)

	_, err = s.db.Exec(`
		INSERT INTO credential (
			id, install_id, verifier, salt,
			kdf_tier, kdf_time, kdf_memory_kib, kdf_threads, kdf_iterations,
			fingerprint, field_digests, pepper_alias,
			failed_attempts, row_mac, created_at, updated_at
		) VALUES (1, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		rec.InstallID, rec.Verifier, rec.Salt,
		rec.KDFTier, rec.KDFTime, rec.KDFMemoryKiB, rec.KDFThreads, rec.KDFIterations,
		rec.Fingerprint, string(digests), rec.PepperAlias,
		rec.FailedAttempts, mac, now.Unix(), now.Unix())
	if err != nil {
		return fmt.Errorf("insert credential: %w", err)
	}
	return nil
}

// GetCredential returns the enrolled credential, or (nil, nil) when no
// credential has been set up. When an integrity key is configured the
// row's keyed digest is verified before the record is returned.
func (s *Store) GetCredential() (*CredentialRecord, error) {
	row := s.db.QueryRow(`
		SELECT install_id, verifier, salt,
		       kdf_tier, kdf_time, kdf_memory_kib, kdf_threads, kdf_iterations,
		       fingerprint, field_digests, pepper_alias,
		       failed_attempts, row_mac, created_at, updated_at
		FROM credential WHERE id = 1`)

	rec, mac, digests, err := scanCredential(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	if err := s.checkCredential(rec, digests, mac); err != nil {
		return nil, err
	}
	return rec, nil
}

// UpdateFingerprint replaces the stored fingerprint digest and
// per-field digests, restamping the row's keyed digest.
func (s *Store) UpdateFingerprint(digest []byte, fieldDigests map[string]string) error {
	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback()

	row := tx.QueryRow(`
		SELECT install_id, verifier, salt,
		       kdf_tier, kdf_time, kdf_memory_kib, kdf_threads, kdf_iterations,
		       fingerprint, field_digests, pepper_alias,
		       failed_attempts, row_mac, created_at, updated_at
		FROM credential WHERE id = 1`)

	rec, _, _, err := scanCredential(row)
	if errors.Is(err, sql.ErrNoRows) {
		return errors.New("no credential enrolled")
	}
	if err != nil {
		return err
	}

	rec.Fingerprint = digest
	rec.FieldDigests = fieldDigests
	digests, err := json.Marshal(fieldDigests)
	if err != nil {
		return fmt.Errorf("marshal field digests: %w", err)
	}
	mac := s.stampCredential(rec, digests)

	_, err = tx.Exec(`
		UPDATE credential
		SET fingerprint = ?, field_digests = ?, row_mac = ?, updated_at = ?
		WHERE id = 1`,
		digest, string(digests), mac, time.Now().Unix())
	if err != nil {
		return fmt.Errorf("update fingerprint: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit fingerprint update: %w", err)
	}
	return nil
}

// SetFailedAttempts persists the consecutive failure counter. The
// counter sits outside the row's keyed digest, so no restamp is needed.
func (s *Store) SetFailedAttempts(n int) error {
	res, err := s.db.Exec(
		"UPDATE credential SET failed_attempts = ?, updated_at = ? WHERE id = 1",
		n, time.Now().Unix())
	if err != nil {
		return fmt.Errorf("update failed attempts: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("update failed attempts: %w", err)
	}
	if affected == 0 {
		return errors.New("no credential enrolled")
	}
	return nil
}

// PutWrappedSecret stores a wrapped secret, replacing any previous
// secret under the same alias.
func (s *Store) PutWrappedSecret(rec *WrappedSecretRecord) error {
	now := time.Now().Unix()
	_, err := s.db.Exec(`
		INSERT OR REPLACE INTO wrapped_secrets (alias, version, nonce, ciphertext, created_at)
		VALUES (?, ?, ?, ?, ?)`,
		rec.Alias, rec.Version, rec.Nonce, rec.Ciphertext, now)
	if err != nil {
		return fmt.Errorf("store wrapped secret %s: %w", rec.Alias, err)
	}
	rec.CreatedAt = time.Unix(now, 0)
	return nil
}

// GetWrappedSecret returns the wrapped secret under alias, or
// (nil, nil) when none is stored.
func (s *Store) GetWrappedSecret(alias string) (*WrappedSecretRecord, error) {
	rec := &WrappedSecretRecord{Alias: alias}
	var createdAt int64
	err := s.db.QueryRow(
		"SELECT version, nonce, ciphertext, created_at FROM wrapped_secrets WHERE alias = ?",
		alias,
	).Scan(&rec.Version, &rec.Nonce, &rec.Ciphertext, &createdAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get wrapped secret %s: %w", alias, err)
	}
	rec.CreatedAt = time.Unix(createdAt, 0)
	return rec, nil
}

// DeleteWrappedSecret removes the wrapped secret under alias. Deleting
// an absent alias is not an error.
func (s *Store) DeleteWrappedSecret(alias string) error {
	if _, err := s.db.Exec("DELETE FROM wrapped_secrets WHERE alias = ?", alias); err != nil {
		return fmt.Errorf("delete wrapped secret %s: %w", alias, err)
	}
	return nil
}

// ListWrappedAliases returns all stored aliases in sorted order.
func (s *Store) ListWrappedAliases() ([]string, error) {
	rows, err := s.db.Query("SELECT alias FROM wrapped_secrets ORDER BY alias")
	if err != nil {
		return nil, fmt.Errorf("list wrapped secrets: %w", err)
	}
	defer rows.Close()

	var aliases []string
	for rows.Next() {
		var alias string
		if err := rows.Scan(&alias); err != nil {
			return nil, fmt.Errorf("scan alias: %w", err)
		}
		aliases = append(aliases, alias)
	}
	return aliases, rows.Err()
}

// SaveVerdict persists the remote integrity verdict, replacing any
// previous one.
func (s *Store) SaveVerdict(rec *VerdictRecord) error {
	ok := 0
	if rec.OK {
		ok = 1
	}
	_, err := s.db.Exec(`
		INSERT OR REPLACE INTO verdict_cache (id, ok, document, expires_at)
		VALUES (1, ?, ?, ?)`,
		ok, rec.Document, rec.ExpiresAt.Unix())
	if err != nil {
		return fmt.Errorf("save verdict: %w", err)
	}
	return nil
}

// GetVerdict returns the persisted verdict, or (nil, nil) when none is
// cached. Expiry is the caller's concern.
func (s *Store) GetVerdict() (*VerdictRecord, error) {
	rec := &VerdictRecord{}
	var ok int
	var expiresAt int64
	err := s.db.QueryRow("SELECT ok, document, expires_at FROM verdict_cache WHERE id = 1").
		Scan(&ok, &rec.Document, &expiresAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get verdict: %w", err)
	}
	rec.OK = ok != 0
	rec.ExpiresAt = time.Unix(expiresAt, 0)
	return rec, nil
}

// ClearVerdict drops the cached verdict.
func (s *Store) ClearVerdict() error {
	if _, err := s.db.Exec("DELETE FROM verdict_cache"); err != nil {
		return fmt.Errorf("clear verdict: %w", err)
	}
	return nil
}

// WipeAll deletes the credential, all wrapped secrets, and the cached
// verdict in a single transaction, then compacts the database so the
// deleted pages do not linger in the file.
func (s *Store) WipeAll() error {
	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("begin wipe transaction: %w", err)
	}
	defer tx.Rollback()

	for _, table := range []string{"verdict_cache", "wrapped_secrets", "credential"} {
		if _, err := tx.Exec("DELETE FROM " + table); err != nil {
			return fmt.Errorf("wipe %s: %w", table, err)
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit wipe: %w", err)
	}

	if _, err := s.db.Exec("VACUUM"); err != nil {
		return fmt.Errorf("vacuum after wipe: %w", err)
	}
	return nil
}

// scanner covers both *sql.Row and *sql.Rows.
type scanner interface {
	Scan(dest ...any) error
}

func scanCredential(row scanner) (*CredentialRecord, []byte, []byte, error) {
	rec := &CredentialRecord{}
	var digestsJSON string
	var mac []byte
	var createdAt, updatedAt int64

	err := row.Scan(
		&rec.InstallID, &rec.Verifier, &rec.Salt,
		&rec.KDFTier, &rec.KDFTime, &rec.KDFMemoryKiB, &rec.KDFThreads, &rec.KDFIterations,
		&rec.Fingerprint, &digestsJSON, &rec.PepperAlias,
		&rec.FailedAttempts, &mac, &createdAt, &updatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil, nil, err
		}
		return nil, nil, nil, fmt.Errorf("scan credential: %w", err)
	}

	if err := json.Unmarshal([]byte(digestsJSON), &rec.FieldDigests); err != nil {
		return nil, nil, nil, fmt.Errorf("unmarshal field digests: %w", err)
	}
	rec.CreatedAt = time.Unix(createdAt, 0)
	rec.UpdatedAt = time.Unix(updatedAt, 0)
	return rec, mac, []byte(digestsJSON), nil
}
