package model

import (
	"time"

	"github.com/google/uuid"
)

// VerificationReason explains a verdict. It is empty for a valid record.
type VerificationReason string

const (
	ReasonNone                 VerificationReason = ""
	ReasonNotAnchored          VerificationReason = "not_anchored"
	ReasonAnchorFailed         VerificationReason = "anchor_failed"
	ReasonPayloadCorrupt       VerificationReason = "payload_corrupt"
	ReasonStoredDigestMismatch VerificationReason = "stored_digest_mismatch"
	ReasonLedgerDigestMismatch VerificationReason = "ledger_digest_mismatch"
	ReasonTxNotFound           VerificationReason = "tx_not_found"
	ReasonProvidedMismatch     VerificationReason = "provided_digest_mismatch"
)

// VerificationResult is the outcome of a three-way integrity check. It is
// computed on demand and never persisted.
type VerificationResult struct {
	RecordID       uuid.UUID          `json:"record_id"`
	Status         Status             `json:"status"`
	TxRef          *string            `json:"tx_ref"`
	DigestStored   string             `json:"digest_stored"`
	DigestOffchain string             `json:"digest_offchain"`
	DigestOnchain  string             `json:"digest_onchain"`
	IsValid        bool               `json:"is_valid"`
	Reason         VerificationReason `json:"reason,omitempty"`
	Detail         string             `json:"detail,omitempty"`
	VerifiedAt     time.Time          `json:"verified_at"`

	// Set only when a caller supplies a digest to compare against.
	DigestProvided  string `json:"digest_provided,omitempty"`
	MatchesProvided *bool  `json:"matches_provided,omitempty"`
}

// VerifyDigestRequest is the body of POST /api/v1/verify/:id.
type VerifyDigestRequest struct {
	Digest string `json:"digest" binding:"required"`
}
