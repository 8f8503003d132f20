// Package idempotency derives deterministic keys for units of work. The job
// queue deduplicates submissions by key and workers use the key to recognize
// phases they already executed before a crash or redelivery.
package idempotency

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
)

// Domain prefixes for key derivation. The version suffix allows the
// algorithm to change without colliding with old keys.
const (
	DomainJob     = "warden/job/v1"
	DomainPayload = "warden/payload/v1"
)

// KeyPrefix marks strings produced by GenerateKey
const KeyPrefix = "idem-"

// hashWithDomain computes SHA256(domain + 0x00 + data)
func hashWithDomain(domain string, data []byte) string {
	h := sha256.New()
	h.Write([]byte(domain))
	h.Write([]byte{0x00})
	h.Write(data)
	return hex.EncodeToString(h.Sum(nil))
}

// GenerateKey returns the idempotency key for one unit of work. Equal inputs
// produce the same key; payloads are compared by content, not identity, so
// two maps with the same entries in any order yield the same key. A nil
// payload is distinct from an empty object.
func GenerateKey(workID, state string, attempt int, payload interface{}) (string, error) {
	obj := map[string]interface{}{
		"work_id": workID,
		"state":   state,
		"attempt": attempt,
	}
	if payload != nil {
		obj["payload"] = payload
	}

	canonical, err := marshalCanonical(obj)
	if err != nil {
		return "", fmt.Errorf("failed to generate idempotency key for %s/%s/%d: %w", workID, state, attempt, err)
	}
	return KeyPrefix + hashWithDomain(DomainJob, canonical), nil
}

// MustGenerateKey is GenerateKey for inputs known to be serializable
func MustGenerateKey(workID, state string, attempt int, payload interface{}) string {
	key, err := GenerateKey(workID, state, attempt, payload)
	if err != nil {
		panic(err)
	}
	return key
}

// Fingerprint returns the content hash of a payload alone
func Fingerprint(payload interface{}) (string, error) {
	canonical, err := marshalCanonical(payload)
	if err != nil {
		return "", fmt.Errorf("failed to fingerprint payload: %w", err)
	}
	return hashWithDomain(DomainPayload, canonical), nil
}
