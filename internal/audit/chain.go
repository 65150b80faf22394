// Package audit implements the tamper-evident, hash-chained audit log.
//
// Every privileged action is recorded as an Entry whose details are
// encrypted at rest. Each entry's hash is computed as
// SHA-256(canonical JSON of user_id, action, details, previous_hash),
// and previous_hash is the hash of the entry before it (GenesisHash for
// the first), so altering any stored field is detected by recomputation.
//
// Entries are never updated or deleted. The store rejects a second entry
// with the same previous_hash, so the chain cannot fork.
package audit

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
)

// GenesisHash is the previous_hash of the first entry in the chain.
const GenesisHash = "0"

// canonicalEntry fixes the field order of the hashed form.
type canonicalEntry struct {
	UserID       string `json:"user_id"`
	Action       string `json:"action"`
	Details      string `json:"details"`
	PreviousHash string `json:"previous_hash"`
}

// ComputeHash returns the lowercase hex SHA-256 of the canonical form of
// an entry's pre-digest fields. details is the encrypted envelope, never
// the plaintext. The result does not depend on time.
func ComputeHash(userID, action, details, previousHash string) string {
	data, err := json.Marshal(canonicalEntry{
		UserID:       userID,
		Action:       action,
		Details:      details,
		PreviousHash: previousHash,
	})
	if err != nil {
		// Strings always marshal.
		panic("audit: marshaling canonical entry: " + err.Error())
	}
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

func hashOf(e *Entry) string {
	return ComputeHash(e.UserID, string(e.Action), e.Details, e.PreviousHash)
}

// verifyEntry reports whether the stored hash matches the entry's fields.
func verifyEntry(e *Entry) bool {
	return e.CurrentHash == hashOf(e)
}
