// Package model holds the wire and storage types shared by the client SDK
// (fingerprint, tracker, sessionlog) and the ingestion/analytics server.
package model

import (
	"time"
)

// Session is one visit / form-fill attempt.
type Session struct {
	ID              string              `json:"id"`
	DocumentType    *string             `json:"documentType,omitempty"`
	Device          Device              `json:"device"`
	UserAgent       string              `json:"userAgent,omitempty"`
	Referral        ReferralData        `json:"referral"`
	Network         Network             `json:"network"`
	Fingerprint     *Fingerprint        `json:"fingerprint,omitempty"`
	FingerprintHash string              `json:"fingerprintHash,omitempty"`
	IsReturning     bool                `json:"isReturning"`
	StartedAt       time.Time           `json:"startedAt"`
	LastActivityAt  time.Time           `json:"lastActivityAt"`
	CompletedAt     *time.Time          `json:"completedAt,omitempty"`
	Completed       bool                `json:"completed"`
	DocumentID      *string             `json:"documentId,omitempty"`
	FormSnapshot    *FormSnapshot       `json:"formSnapshot,omitempty"`
	Behavioral      *BehavioralSnapshot `json:"behavioral,omitempty"`
	MouseHeatmap    []MousePoint        `json:"mouseHeatmap,omitempty"`
	ClickMap        []ClickPoint        `json:"clickMap,omitempty"`
}

// Status is the derived lifecycle state of a session. It is computed at read
// time and never stored.
type Status string

const (
	StatusActive    Status = "active"
	StatusAbandoned Status = "abandoned"
	StatusCompleted Status = "completed"
)

// StatusAt classifies the session relative to now. A session that is not
// completed and has been idle longer than idle is abandoned.
func (s *Session) StatusAt(now time.Time, idle time.Duration) Status {
	if s.Completed {
		return StatusCompleted
	}
	if now.Sub(s.LastActivityAt) > idle {
		return StatusAbandoned
	}
	return StatusActive
}

// Device describes the client hardware/software coarsely.
type Device struct {
	Type    string `json:"type,omitempty"` // mobile | tablet | desktop
	OS      string `json:"os,omitempty"`
	Browser string `json:"browser,omitempty"`
	Screen  string `json:"screen,omitempty"` // WxH
}

// Network is the server-observed network descriptor.
type Network struct {
	IP  string   `json:"ip,omitempty"`
	Geo *GeoInfo `json:"geo,omitempty"`
}

// GeoInfo is the IP-derived geolocation. Every field is best effort.
type GeoInfo struct {
	Country   string   `json:"country,omitempty"`
	Region    string   `json:"region,omitempty"`
	City      string   `json:"city,omitempty"`
	ISP       string   `json:"isp,omitempty"`
	Org       string   `json:"org,omitempty"`
	Timezone  string   `json:"timezone,omitempty"`
	Latitude  *float64 `json:"lat,omitempty"`
	Longitude *float64 `json:"lon,omitempty"`
}

// ReferralData is the referral chain captured on the landing page.
type ReferralData struct {
	Referrer       string `json:"referrer,omitempty"` // referrer host
	FullReferrer   string `json:"fullReferrer,omitempty"`
	UTMSource      string `json:"utmSource,omitempty"`
	UTMMedium      string `json:"utmMedium,omitempty"`
	UTMCampaign    string `json:"utmCampaign,omitempty"`
	UTMTerm        string `json:"utmTerm,omitempty"`
	UTMContent     string `json:"utmContent,omitempty"`
	LandingPage    string `json:"landingPage,omitempty"`
	SearchQuery    string `json:"searchQuery,omitempty"`
	TrafficSource  string `json:"trafficSource,omitempty"`
	SocialPlatform string `json:"socialPlatform,omitempty"`
}

// FieldLogEntry is one recorded field value. Rows are append-only.
type FieldLogEntry struct {
	ID         int64     `json:"id"`
	SessionID  string    `json:"sessionId"`
	FieldName  string    `json:"fieldName"`
	FieldValue string    `json:"fieldValue"`
	LoggedAt   time.Time `json:"loggedAt"`
}

// FormSnapshotVersion is the only FormSnapshot layout the server accepts.
const FormSnapshotVersion = 1

// FormSnapshot is the latest state of the invoice form.
type FormSnapshot struct {
	V      int               `json:"v"`
	Step   int               `json:"step"`
	Values map[string]string `json:"values,omitempty"`
}
