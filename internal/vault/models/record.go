package models

import (
	"encoding/json"
	"math/big"
	"strings"

	"github.com/google/uuid"

	dErrors "identity-vault/pkg/domain-errors"
)

// ProfileRecord is the persisted vault entity. Profile holds the full document
// as an opaque JSON blob; the remaining fields are projections of it.
type ProfileRecord struct {
	ID              string `json:"id"`
	UUID            string `json:"uuid"`
	PrimaryEmail    string `json:"primary_email"`
	PrimaryUsername string `json:"primary_username"`
	SequenceNumber  string `json:"sequence_number"`
	Profile         string `json:"profile"`
}

// Projection is the set of fields derived from a profile document.
type Projection struct {
	ID              string
	UUID            string
	PrimaryEmail    string
	PrimaryUsername string
}

type attribute struct {
	Value *string `json:"value"`
}

type projectedDocument struct {
	UserID          *attribute `json:"user_id"`
	PrimaryEmail    *attribute `json:"primary_email"`
	UUID            *attribute `json:"uuid"`
	PrimaryUsername *attribute `json:"primary_username"`
}

// Project parses a profile document and derives the projected fields.
// user_id, primary_email and uuid are required; primary_username is optional.
// The id and email are lower-cased.
func Project(blob []byte) (Projection, error) {
	var doc projectedDocument
	if err := json.Unmarshal(blob, &doc); err != nil {
		return Projection{}, dErrors.Wrap(err, dErrors.CodeMalformedDocument, "profile is not valid JSON")
	}
	userID, ok := doc.UserID.value()
	if !ok {
		return Projection{}, dErrors.New(dErrors.CodeMalformedDocument, "profile is missing user_id")
	}
	email, ok := doc.PrimaryEmail.value()
	if !ok {
		return Projection{}, dErrors.New(dErrors.CodeMalformedDocument, "profile is missing primary_email")
	}
	id, ok := doc.UUID.value()
	if !ok {
		return Projection{}, dErrors.New(dErrors.CodeMalformedDocument, "profile is missing uuid")
	}
	username, _ := doc.PrimaryUsername.value()

	return Projection{
		ID:              strings.ToLower(userID),
		UUID:            id,
		PrimaryEmail:    strings.ToLower(email),
		PrimaryUsername: username,
	}, nil
}

// UserIDOf returns the lower-cased user_id of blob, or "" when it has none.
// Unlike Project it tolerates documents missing other required fields.
func UserIDOf(blob []byte) string {
	var doc projectedDocument
	if err := json.Unmarshal(blob, &doc); err != nil {
		return ""
	}
	id, _ := doc.UserID.value()
	return strings.ToLower(id)
}

func (a *attribute) value() (string, bool) {
	if a == nil || a.Value == nil {
		return "", false
	}
	v := strings.TrimSpace(*a.Value)
	return v, v != ""
}

// NewRecord projects blob into a record carrying sequenceNumber.
func NewRecord(blob []byte, sequenceNumber string) (ProfileRecord, error) {
	p, err := Project(blob)
	if err != nil {
		return ProfileRecord{}, err
	}
	rec := ProfileRecord{Profile: string(blob), SequenceNumber: sequenceNumber}
	rec.apply(p)
	return rec, nil
}

// Normalize re-derives the projected fields from the embedded profile,
// discarding whatever the caller put there.
func (r ProfileRecord) Normalize() (ProfileRecord, error) {
	p, err := Project([]byte(r.Profile))
	if err != nil {
		return ProfileRecord{}, err
	}
	r.apply(p)
	return r, nil
}

func (r *ProfileRecord) apply(p Projection) {
	r.ID = p.ID
	r.UUID = p.UUID
	r.PrimaryEmail = p.PrimaryEmail
	r.PrimaryUsername = p.PrimaryUsername
}

// NewSequenceNumber returns a random 128-bit integer in decimal form.
func NewSequenceNumber() string {
	id := uuid.New()
	return new(big.Int).SetBytes(id[:]).String()
}

// RecordPage is one page of a listing. NextPage is empty on the last page.
type RecordPage struct {
	Records  []ProfileRecord `json:"items"`
	NextPage string          `json:"nextPage,omitempty"`
}
