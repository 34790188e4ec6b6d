// Package audit keeps the append-only change log. Every mutation of an
// auditable entity produces one LogEntry holding a canonical JSON change-set;
// values of sensitive fields are encrypted with the subject's key before the
// entry is persisted.
package audit

import (
	"time"

	"github.com/google/uuid"
)

// LogEntry maps to the log_entry table. Blob is the serialized change-set.
type LogEntry struct {
	ID              uuid.UUID  `db:"id" json:"id"`
	AddedOn         time.Time  `db:"added_on" json:"added_on"`
	AddedBy         uuid.UUID  `db:"added_by" json:"added_by"`
	EncryptionKeyID *uuid.UUID `db:"encryption_key_id" json:"encryption_key_id,omitempty"`
	Blob            []byte     `db:"blob" json:"blob"`
}

// ChangeSet is the structure serialized into LogEntry.Blob. Go's JSON encoder
// writes map keys in sorted order without whitespace, which gives the
// canonical form the log relies on.
type ChangeSet struct {
	Module    string                 `json:"module"`
	ModelName string                 `json:"model_name"`
	ModelID   string                 `json:"model_id"`
	Changes   map[string]interface{} `json:"changes"`
}

// Ref identifies the entity an entry belongs to.
type Ref struct {
	Module    string
	ModelName string
	ModelID   uuid.UUID
}

// Subject is implemented by every auditable entity.
type Subject interface {
	AuditRef() Ref
	// AuditKeyID returns the handle of the key protecting this subject's
	// sensitive fields, or nil when the subject has none.
	AuditKeyID() *uuid.UUID
	// SensitiveFields lists the field names whose values must never be
	// persisted in plaintext.
	SensitiveFields() []string
}

// Undecryptable is the placeholder surfaced for values that cannot be
// decrypted during replay.
const Undecryptable = "<undecryptable>"

// Entry is a replayed LogEntry with its change-set decoded and, where
// possible, decrypted.
type Entry struct {
	ID      uuid.UUID
	AddedOn time.Time
	AddedBy uuid.UUID
	Changes ChangeSet
}
