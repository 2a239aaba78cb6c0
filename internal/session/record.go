package session

import (
	"strconv"
	"time"

	"github.com/wolfeidau/paychat/internal/store"
)

// PrincipalID identifies the chat or user a session belongs to.
type PrincipalID int64

func (id PrincipalID) String() string {
	return strconv.FormatInt(int64(id), 10)
}

// Record is the session held for one principal.
type Record struct {
	PrincipalID      PrincipalID
	Credential       string
	CredentialExpiry time.Time
	OrganizationID   string
	State            ConversationState
	LastActivity     time.Time
}

// Expired reports whether the credential is unusable at now.
func (r Record) Expired(now time.Time) bool {
	return !now.Before(r.CredentialExpiry)
}

// Idle reports whether the record has been inactive for longer than timeout.
func (r Record) Idle(now time.Time, timeout time.Duration) bool {
	return now.Sub(r.LastActivity) > timeout
}

func (r Record) toData() (store.RecordData, error) {
	state, err := encodeState(r.State)
	if err != nil {
		return store.RecordData{}, err
	}

	return store.RecordData{
		PrincipalID:       int64(r.PrincipalID),
		Credential:        r.Credential,
		CredentialExpiry:  r.CredentialExpiry.UTC(),
		OrganizationID:    r.OrganizationID,
		ConversationState: state,
		LastActivity:      r.LastActivity.UTC(),
	}, nil
}

// recordFromData converts a stored record. The envelope key names the
// principal; the record's own ID is used only when the key is not numeric.
// ok is false when neither identifies the principal. A state that cannot be
// decoded is dropped and reported through the returned error alongside a
// usable record.
func recordFromData(key string, d store.RecordData) (rec Record, ok bool, err error) {
	id, parseErr := strconv.ParseInt(key, 10, 64)
	switch {
	case parseErr == nil:
	case d.PrincipalID != 0:
		id = d.PrincipalID
	default:
		return Record{}, false, nil
	}

	rec = Record{
		PrincipalID:      PrincipalID(id),
		Credential:       d.Credential,
		CredentialExpiry: d.CredentialExpiry,
		OrganizationID:   d.OrganizationID,
		LastActivity:     d.LastActivity,
	}

	rec.State, err = decodeState(d.ConversationState)

	return rec, true, err
}
