package model

import (
	"time"

	"github.com/google/uuid"
)

// MaxSampleTextLen caps the stored raw SQL sample for a fingerprint.
const MaxSampleTextLen = 4000

// Fingerprint is the stable identity of "the same query modulo literals".
// (Hash, DatabaseName) is unique; LastSeenUtc >= FirstSeenUtc.
type Fingerprint struct {
	ID               uuid.UUID
	Hash             QueryHash
	SampleText       string
	NormalizedText   string
	InstanceName     string
	DatabaseName     string
	FirstSeenUtc     time.Time
	LastSeenUtc      time.Time
	IsFromServerHash bool
}

// FingerprintResult is the output of normalizing and hashing raw SQL,
// before the fingerprint has been resolved against the store.
type FingerprintResult struct {
	Hash             QueryHash
	SampleText       string
	NormalizedText   string
	IsFromServerHash bool
}
