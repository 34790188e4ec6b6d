package audit

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"reflect"
	"time"

	"github.com/google/uuid"

	"github.com/remotecare/remotecare/internal/platform/crypto"
)

// ErrWriteFailed means the log entry could not be written. The mutation that
// produced the change must be rolled back; we never mutate silently.
var ErrWriteFailed = errors.New("audit: write failed")

// Recorder computes field-level diffs and appends them to the log.
type Recorder struct {
	repo             Repository
	keys             KeyLookup
	encryptSensitive bool
}

func NewRecorder(repo Repository, keys KeyLookup, encryptSensitive bool) *Recorder {
	return &Recorder{repo: repo, keys: keys, encryptSensitive: encryptSensitive}
}

// Record diffs before against after and appends one LogEntry describing the
// changed fields. The diff is additive: fields dropped from after do not
// appear, so deletions must be expressed explicitly (see diff). Fields listed
// by the subject as sensitive are encrypted with the subject's key. A diff
// with no changed fields writes nothing. Any failure returns ErrWriteFailed
// so callers abort the mutation.
func (r *Recorder) Record(ctx context.Context, actor uuid.UUID, subject Subject, before, after map[string]interface{}) error {
	changes := diff(before, after)
	if len(changes) == 0 {
		return nil
	}

	ref := subject.AuditRef()
	keyID := subject.AuditKeyID()

	if keyID != nil && r.encryptSensitive {
		key, err := r.keys.Get(ctx, *keyID)
		if err != nil {
			return fmt.Errorf("%w: load key: %v", ErrWriteFailed, err)
		}
		for _, field := range subject.SensitiveFields() {
			v, ok := changes[field]
			if !ok {
				continue
			}
			ct, err := crypto.Encrypt(stringify(v), key)
			if err != nil {
				return fmt.Errorf("%w: encrypt %s: %v", ErrWriteFailed, field, err)
			}
			changes[field] = ct
		}
	}

	blob, err := json.Marshal(ChangeSet{
		Module:    ref.Module,
		ModelName: ref.ModelName,
		ModelID:   ref.ModelID.String(),
		Changes:   changes,
	})
	if err != nil {
		return fmt.Errorf("%w: marshal change-set: %v", ErrWriteFailed, err)
	}

	entry := &LogEntry{
		AddedOn:         time.Now().UTC(),
		AddedBy:         actor,
		EncryptionKeyID: keyID,
		Blob:            blob,
	}
	if err := r.repo.Append(ctx, entry); err != nil {
		return fmt.Errorf("%w: %v", ErrWriteFailed, err)
	}
	return nil
}

// Replay returns the subject's entries in insertion order with sensitive
// values decrypted. Values that fail to decrypt are replaced by the
// Undecryptable sentinel; decryption failures never abort the replay.
func (r *Recorder) Replay(ctx context.Context, subject Subject) ([]*Entry, error) {
	ref := subject.AuditRef()
	raw, err := r.repo.ListBySubject(ctx, ref.ModelName, ref.ModelID)
	if err != nil {
		return nil, fmt.Errorf("audit: replay %s/%s: %w", ref.ModelName, ref.ModelID, err)
	}

	var out []*Entry
	for _, le := range raw {
		e := &Entry{ID: le.ID, AddedOn: le.AddedOn, AddedBy: le.AddedBy}
		if err := json.Unmarshal(le.Blob, &e.Changes); err != nil {
			e.Changes = ChangeSet{ModelName: ref.ModelName, ModelID: ref.ModelID.String()}
		}

		if le.EncryptionKeyID != nil {
			key, keyErr := r.keys.Get(ctx, *le.EncryptionKeyID)
			for field, v := range e.Changes.Changes {
				s, ok := v.(string)
				if !ok || !crypto.IsEncrypted(s) {
					continue
				}
				if keyErr != nil {
					e.Changes.Changes[field] = Undecryptable
					continue
				}
				plain, decErr := crypto.Decrypt(s, key)
				if decErr != nil {
					e.Changes.Changes[field] = Undecryptable
					continue
				}
				e.Changes.Changes[field] = plain
			}
		}
		out = append(out, e)
	}
	return out, nil
}

// diff returns the fields of after that differ from before, keyed by field
// name with their new values. Fields present in before but absent from after
// are not reported: entity deletion is recorded by passing a sentinel map
// such as {"deleted": true} as after, not by omitting fields.
func diff(before, after map[string]interface{}) map[string]interface{} {
	changes := make(map[string]interface{})
	for field, v := range after {
		old, existed := before[field]
		if !existed || !reflect.DeepEqual(old, v) {
			changes[field] = v
		}
	}
	return changes
}

func stringify(v interface{}) string {
	if s, ok := v.(string); ok {
		return s
	}
	b, err := json.Marshal(v)
	if err != nil {
		return fmt.Sprintf("%v", v)
	}
	return string(b)
}
