package chain

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"time"
)

// GenesisHash is the well-known hash of the genesis entry. Every chain starts
// from it; it is a constant, not computed.
const GenesisHash = "0000000000000000000000000000000000000000000000000000000000000000"

// GenesisSubmitter is the submitter recorded on the genesis entry.
const GenesisSubmitter = "genesis"

var (
	// ErrNotFound is returned when no entry matches a lookup.
	ErrNotFound = errors.New("chain: entry not found")

	// ErrInvalidDigest is returned when a digest is not 64 lowercase hex chars.
	ErrInvalidDigest = errors.New("invalid hash format")

	// ErrInvalidKey is returned for an empty idempotency key.
	ErrInvalidKey = errors.New("invalid idempotency key")

	// ErrKeyConflict is returned when a key was already appended with a
	// different digest.
	ErrKeyConflict = errors.New("idempotency key already bound to a different digest")
)

// Entry is one anchored digest in the chain. TxRef is the entry's hash and is
// what submitters receive as their transaction reference.
type Entry struct {
	Index     int       `json:"index"`
	Timestamp time.Time `json:"timestamp"`
	TxRef     string    `json:"tx_ref"`
	Key       string    `json:"key"`
	Digest    string    `json:"digest"`
	Submitter string    `json:"submitter"`
	PrevHash  string    `json:"prev_hash"`
	Hash      string    `json:"hash"`
}

func genesisEntry() *Entry {
	return &Entry{
		Index:     0,
		Timestamp: time.Unix(0, 0).UTC(),
		TxRef:     GenesisHash,
		Digest:    GenesisHash,
		Submitter: GenesisSubmitter,
		PrevHash:  GenesisHash,
		Hash:      GenesisHash,
	}
}

// newEntry builds and seals the entry following prev.
func newEntry(prev *Entry, ts time.Time, key, digest, submitter string) *Entry {
	e := &Entry{
		Index:     prev.Index + 1,
		Timestamp: ts.UTC().Truncate(time.Microsecond),
		Key:       key,
		Digest:    digest,
		Submitter: submitter,
		PrevHash:  prev.Hash,
	}
	e.Hash = hashEntry(e)
	e.TxRef = e.Hash
	return e
}

// hashEntry computes the SHA-256 over an entry's fields. It must never be
// called on the genesis entry.
func hashEntry(e *Entry) string {
	h := sha256.New()
	fmt.Fprintf(h, "%d|%s|%s|%s|%s|%s",
		e.Index, e.Timestamp.UTC().Format(time.RFC3339Nano),
		e.Key, e.Digest, e.Submitter, e.PrevHash,
	)
	return hex.EncodeToString(h.Sum(nil))
}

// ValidateDigest checks that d is a 64 character lowercase hex string.
func ValidateDigest(d string) error {
	if len(d) != 64 {
		return ErrInvalidDigest
	}
	for i := 0; i < len(d); i++ {
		c := d[i]
		if (c < '0' || c > '9') && (c < 'a' || c > 'f') {
			return ErrInvalidDigest
		}
	}
	return nil
}

func validateAppend(key, digest string) error {
	if key == "" {
		return ErrInvalidKey
	}
	return ValidateDigest(digest)
}

// checkLink verifies curr against its predecessor.
func checkLink(prev, curr *Entry) error {
	if curr.Index != prev.Index+1 {
		return fmt.Errorf("entry %d follows entry %d", curr.Index, prev.Index)
	}
	if curr.PrevHash != prev.Hash {
		return fmt.Errorf("hash chain broken at index %d", curr.Index)
	}
	if curr.Hash != hashEntry(curr) || curr.TxRef != curr.Hash {
		return fmt.Errorf("entry %d has invalid hash", curr.Index)
	}
	return nil
}

func checkGenesis(e *Entry) error {
	if e.Index != 0 || e.Hash != GenesisHash {
		return fmt.Errorf("genesis entry has wrong hash: got %q", e.Hash)
	}
	return nil
}
