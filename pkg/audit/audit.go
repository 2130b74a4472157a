// Package audit appends a tamper-evident JSONL trail of every invocation,
// refusal, and autonomy decision. Entries are hash-chained: each carries the
// hash of its predecessor, so truncation or edits are detectable by walking
// the file. With a configured secret the hash is an HMAC under an
// HKDF-derived key, so a tamperer without the secret cannot re-chain.
package audit

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"time"

	"github.com/google/uuid"
	"golang.org/x/crypto/hkdf"

	"github.com/ippoc-labs/ippoc/pkg/canonicalize"
)

// EventType categorizes an audit entry.
type EventType string

const (
	EventInvocation EventType = "INVOCATION"
	EventRefusal    EventType = "REFUSAL"
	EventCycle      EventType = "CYCLE"
	EventSystem     EventType = "SYSTEM"
)

// GenesisHash seeds the chain before any entry exists.
const GenesisHash = "genesis"

// Entry is one chained line of the audit log.
type Entry struct {
	EntryID      string                 `json:"entry_id"`
	Sequence     uint64                 `json:"sequence"`
	Timestamp    time.Time              `json:"timestamp"`
	EventType    EventType              `json:"event_type"`
	Actor        string                 `json:"actor"`
	Action       string                 `json:"action"`
	Metadata     map[string]interface{} `json:"metadata,omitempty"`
	PreviousHash string                 `json:"previous_hash"`
	EntryHash    string                 `json:"entry_hash"`
}

// newEntry stamps identity and chain position; the hash is filled by seal.
func newEntry(seq uint64, at time.Time, typ EventType, actor, action string, metadata map[string]interface{}, prev string) *Entry {
	return &Entry{
		EntryID:      uuid.New().String(),
		Sequence:     seq,
		Timestamp:    at,
		EventType:    typ,
		Actor:        actor,
		Action:       action,
		Metadata:     metadata,
		PreviousHash: prev,
	}
}

// seal computes and stores the entry hash.
func (e *Entry) seal(key []byte) error {
	h, err := hashEntry(e, key)
	if err != nil {
		return err
	}
	e.EntryHash = h
	return nil
}

// hashEntry digests the canonical form of the entry minus its own hash.
// Plain entries hash as "sha256:<hex>"; keyed entries as "hmac:<hex>".
func hashEntry(e *Entry, key []byte) (string, error) {
	unsealed := *e
	unsealed.EntryHash = ""

	data, err := canonicalize.JCS(unsealed)
	if err != nil {
		return "", fmt.Errorf("audit: canonicalize entry: %w", err)
	}

	if len(key) > 0 {
		mac := hmac.New(sha256.New, key)
		mac.Write(data)
		return "hmac:" + hex.EncodeToString(mac.Sum(nil)), nil
	}
	sum := sha256.Sum256(data)
	return "sha256:" + hex.EncodeToString(sum[:]), nil
}

// DeriveKey stretches the configured audit secret into a 32-byte MAC key
// with HKDF-SHA256. The info string separates this use from any other
// derivation of the same secret.
func DeriveKey(secret string) ([]byte, error) {
	if secret == "" {
		return nil, nil
	}
	r := hkdf.New(sha256.New, []byte(secret), nil, []byte("ippoc-audit-chain"))
	key := make([]byte, 32)
	if _, err := io.ReadFull(r, key); err != nil {
		return nil, fmt.Errorf("audit: derive mac key: %w", err)
	}
	return key, nil
}
