package model

import "time"

// CreateSessionRequest is the body of POST /sessions.
type CreateSessionRequest struct {
	DocumentType    *string       `json:"documentType,omitempty"`
	Fingerprint     *Fingerprint  `json:"fingerprint,omitempty"`
	FingerprintHash string        `json:"fingerprintHash,omitempty"`
	Device          *Device       `json:"device,omitempty"`
	Referral        *ReferralData `json:"referral,omitempty"`
}

// CreateSessionResponse is returned by POST /sessions.
type CreateSessionResponse struct {
	ID          string `json:"id"`
	IsReturning bool   `json:"isReturning"`
}

// FieldLogInput is one queued field change.
type FieldLogInput struct {
	FieldName string `json:"fieldName"`
	Value     string `json:"value"`
	// LoggedAt is the client-side time of the change; the server stamps
	// the receive time when absent.
	LoggedAt *time.Time `json:"loggedAt,omitempty"`
}

// FieldLogBatch is the body of POST /sessions/:id/fields.
type FieldLogBatch struct {
	Fields []FieldLogInput `json:"fields"`
}

// SessionPatch is a partial update. Nil members are left untouched.
type SessionPatch struct {
	DocumentType *string             `json:"documentType,omitempty"`
	FormSnapshot *FormSnapshot       `json:"formSnapshot,omitempty"`
	Behavioral   *BehavioralSnapshot `json:"behavioral,omitempty"`
	MouseHeatmap []MousePoint        `json:"mouseHeatmap,omitempty"`
	ClickMap     []ClickPoint        `json:"clickMap,omitempty"`
	Completed    *bool               `json:"completed,omitempty"`
	DocumentID   *string             `json:"documentId,omitempty"`
}

// Empty reports whether the patch changes nothing.
func (p SessionPatch) Empty() bool {
	return p.DocumentType == nil && p.FormSnapshot == nil && p.Behavioral == nil &&
		p.MouseHeatmap == nil && p.ClickMap == nil && p.Completed == nil && p.DocumentID == nil
}

// BeaconPayload is the teardown flush body of POST /sessions/:id/beacon.
type BeaconPayload struct {
	Fields       []FieldLogInput     `json:"fields,omitempty"`
	Behavioral   *BehavioralSnapshot `json:"behavioral,omitempty"`
	MouseHeatmap []MousePoint        `json:"mouseHeatmap,omitempty"`
	ClickMap     []ClickPoint        `json:"clickMap,omitempty"`
}
