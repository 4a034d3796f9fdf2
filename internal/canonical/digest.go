package canonical

import (
	"crypto/sha256"
	"encoding/hex"
	"hash"

	"golang.org/x/crypto/blake2b"
	"golang.org/x/crypto/sha3"
)

// RecordDomain separates record digests from any other use of the same hash
// function. The version suffix leaves room for a future encoding change.
const RecordDomain = "auditledger/record/v1"

// Algorithm names a digest function.
type Algorithm string

const (
	SHA256     Algorithm = "sha256"
	SHA3_256   Algorithm = "sha3-256"
	BLAKE2b256 Algorithm = "blake2b-256"
)

// DefaultAlgorithm is used when a record does not name one.
const DefaultAlgorithm = SHA256

// ParseAlgorithm validates a configured algorithm name. The empty string
// selects DefaultAlgorithm.
func ParseAlgorithm(name string) (Algorithm, error) {
	switch a := Algorithm(name); a {
	case "":
		return DefaultAlgorithm, nil
	case SHA256, SHA3_256, BLAKE2b256:
		return a, nil
	}
	return "", encodingErr("", "unknown digest algorithm %q", name)
}

func (a Algorithm) newHash() (hash.Hash, error) {
	switch a {
	case SHA256, "":
		return sha256.New(), nil
	case SHA3_256:
		return sha3.New256(), nil
	case BLAKE2b256:
		return blake2b.New256(nil)
	}
	return nil, encodingErr("", "unknown digest algorithm %q", string(a))
}

// Document is the value that a record digest covers. The classification
// fields sit next to the payload so none of them can be swapped between
// records without changing the digest.
func Document(source, eventType string, payload Value) Map {
	if payload == nil {
		payload = Null{}
	}
	return Map{
		"source":     String(source),
		"event_type": String(eventType),
		"payload":    payload,
	}
}

// Digest returns the lowercase hex digest of the canonical Document for the
// given fields.
func Digest(alg Algorithm, source, eventType string, payload Value) (string, error) {
	data, err := Encode(Document(source, eventType, payload))
	if err != nil {
		return "", err
	}
	return HashWithDomain(alg, RecordDomain, data)
}

// HashWithDomain computes alg(domain || 0x00 || data). The null separator
// keeps the domain and data boundary unambiguous.
func HashWithDomain(alg Algorithm, domain string, data []byte) (string, error) {
	h, err := alg.newHash()
	if err != nil {
		return "", err
	}
	h.Write([]byte(domain))
	h.Write([]byte{0x00})
	h.Write(data)
	return hex.EncodeToString(h.Sum(nil)), nil
}
