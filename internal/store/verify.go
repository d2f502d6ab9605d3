package store

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/binary"
	"fmt"
)

// ErrCredentialTampered reports that the credential row no longer
// matches its keyed digest.
var ErrCredentialTampered = fmt.Errorf("credential row tampered")

// SetIntegrityKey installs the key used to stamp and verify the
// credential row. Call it before any credential operation; opening the
// store without a key skips stamping and verification entirely.
func (s *Store) SetIntegrityKey(key []byte) {
	s.macKey = append([]byte(nil), key...)
}

// stampCredential computes the row digest for rec, or nil when no
// integrity key is set. The digest covers the fields that gate key
// derivation: install id, verifier, salt, derivation parameters,
// fingerprint digests, pepper alias, and created_at. The failure
// counter and updated_at stay outside it.
func (s *Store) stampCredential(rec *CredentialRecord, digestsJSON []byte) []byte {
	if len(s.macKey) == 0 {
		return nil
	}
	return computeCredentialMAC(s.macKey, rec, digestsJSON)
}

// checkCredential verifies the stored row digest when an integrity key
// is set. A missing digest counts as tampering: every write path stamps
// the row once a key is configured.
func (s *Store) checkCredential(rec *CredentialRecord, digestsJSON, mac []byte) error {
	if len(s.macKey) == 0 {
		return nil
	}
	if len(mac) == 0 {
		return fmt.Errorf("%w: row digest missing", ErrCredentialTampered)
	}
	want := computeCredentialMAC(s.macKey, rec, digestsJSON)
	if !hmac.Equal(mac, want) {
		return fmt.Errorf("%w: row digest mismatch", ErrCredentialTampered)
	}
	return nil
}

// computeCredentialMAC digests the credential's security-critical
// fields under key. Variable-length fields are length-prefixed so no
// two field layouts collide.
func computeCredentialMAC(key []byte, rec *CredentialRecord, digestsJSON []byte) []byte {
	h := hmac.New(sha256.New, key)
	var buf [8]byte

	writeField := func(b []byte) {
		binary.BigEndian.PutUint64(buf[:], uint64(len(b)))
		h.Write(buf[:])
		h.Write(b)
	}

	writeField([]byte(rec.InstallID))
	writeField([]byte(rec.Verifier))
	writeField(rec.Salt)
	writeField([]byte(rec.KDFTier))

	binary.BigEndian.PutUint64(buf[:], uint64(rec.KDFTime))
	h.Write(buf[:])
	binary.BigEndian.PutUint64(buf[:], uint64(rec.KDFMemoryKiB))
	h.Write(buf[:])
	binary.BigEndian.PutUint64(buf[:], uint64(rec.KDFThreads))
	h.Write(buf[:])
	binary.BigEndian.PutUint64(buf[:], uint64(rec.KDFIterations))
	h.Write(buf[:])

	writeField(rec.Fingerprint)
	writeField(digestsJSON)
	writeField([]byte(rec.PepperAlias))

	binary.BigEndian.PutUint64(buf[:], uint64(rec.CreatedAt.Unix()))
	h.Write(buf[:])

	return h.Sum(nil)
}

// CheckIntegrity runs SQLite's quick_check and verifies the credential
// row digest. It returns a finding per problem; an empty slice means
// the store looks intact.
func (s *Store) CheckIntegrity() ([]string, error) {
	var findings []string

	rows, err := s.db.Query("PRAGMA quick_check")
	if err != nil {
		return nil, fmt.Errorf("quick_check: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var msg string
		if err := rows.Scan(&msg); err != nil {
			return nil, fmt.Errorf("scan quick_check: %w", err)
		}
		if msg != "ok" {
			findings = append(findings, "database: "+msg)
		}
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("quick_check: %w", err)
	}

	if _, err := s.GetCredential(); err != nil {
		findings = append(findings, err.Error())
	}

	return findings, nil
}
