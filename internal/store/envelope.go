package store

import (
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"
)

const (
	// CurrentFormatVersion is written by every Save.
	CurrentFormatVersion = 2

	// formatVersionV1 predates lastActivity and organizationId.
	formatVersionV1 = 1
)

// ErrCorrupt is returned when a decrypted payload cannot be understood.
var ErrCorrupt = errors.New("session store payload corrupt")

// StateData is the serialized conversation state of a record.
type StateData struct {
	CurrentAction string          `json:"currentAction"`
	Data          json.RawMessage `json:"data,omitempty"`
}

// RecordData is the serialized form of one session record.
type RecordData struct {
	PrincipalID       int64      `json:"principalId"`
	Credential        string     `json:"credential"`
	CredentialExpiry  time.Time  `json:"credentialExpiry"`
	OrganizationID    string     `json:"organizationId"`
	ConversationState *StateData `json:"conversationState,omitempty"`
	LastActivity      time.Time  `json:"lastActivity"`
}

// Envelope is the top-level document persisted by the store.
type Envelope struct {
	FormatVersion int                   `json:"formatVersion"`
	Sessions      map[string]RecordData `json:"sessions"`

	resave bool
}

// NewEnvelope returns an empty envelope at the current format version.
func NewEnvelope() *Envelope {
	return &Envelope{
		FormatVersion: CurrentFormatVersion,
		Sessions:      make(map[string]RecordData),
	}
}

// NeedsResave reports whether the envelope was migrated or restored and
// should be written back in the current format.
func (e *Envelope) NeedsResave() bool {
	return e != nil && e.resave
}

// Key formats a principal ID as an envelope key.
func Key(principalID int64) string {
	return strconv.FormatInt(principalID, 10)
}

// decodeEnvelope parses a decrypted payload, migrating older layouts.
func decodeEnvelope(data []byte, now time.Time) (*Envelope, error) {
	var top map[string]json.RawMessage
	if err := json.Unmarshal(data, &top); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrCorrupt, err)
	}

	env := &Envelope{Sessions: make(map[string]RecordData)}

	rawSessions, versioned := top["sessions"]
	if !versioned {
		if err := decodeLegacy(env, top); err != nil {
			return nil, err
		}
		migrate(env, now)
		return env, nil
	}

	if rawVersion, ok := top["formatVersion"]; ok {
		if err := json.Unmarshal(rawVersion, &env.FormatVersion); err != nil {
			return nil, fmt.Errorf("%w: formatVersion: %v", ErrCorrupt, err)
		}
	}
	if env.FormatVersion > CurrentFormatVersion {
		return nil, fmt.Errorf("%w: unsupported format version %d", ErrCorrupt, env.FormatVersion)
	}

	if string(rawSessions) != "null" {
		if err := json.Unmarshal(rawSessions, &env.Sessions); err != nil {
			return nil, fmt.Errorf("%w: sessions: %v", ErrCorrupt, err)
		}
	}

	if env.FormatVersion < CurrentFormatVersion {
		migrate(env, now)
	}

	return env, nil
}

// decodeLegacy reads the unversioned layout, a flat principalId -> record map.
func decodeLegacy(env *Envelope, top map[string]json.RawMessage) error {
	for key, raw := range top {
		if key == "formatVersion" {
			continue
		}
		var rec RecordData
		if err := json.Unmarshal(raw, &rec); err != nil {
			return fmt.Errorf("%w: legacy record %q: %v", ErrCorrupt, key, err)
		}
		env.Sessions[key] = rec
	}
	return nil
}

// migrate fills fields introduced after the envelope's version.
func migrate(env *Envelope, now time.Time) {
	for key, rec := range env.Sessions {
		if rec.PrincipalID == 0 {
			if id, err := strconv.ParseInt(key, 10, 64); err == nil {
				rec.PrincipalID = id
			}
		}
		if env.FormatVersion <= formatVersionV1 && rec.LastActivity.IsZero() {
			rec.LastActivity = now
		}
		env.Sessions[key] = rec
	}

	env.FormatVersion = CurrentFormatVersion
	env.resave = true
}
