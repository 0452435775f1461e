package model

import "time"

// BehavioralVersion is the current BehavioralSnapshot layout.
const BehavioralVersion = 1

// BehavioralSnapshot is the cumulative interaction summary of one session.
// Each upload replaces the previous one on the server.
type BehavioralSnapshot struct {
	V                int               `json:"v"`
	FieldTimings     []FieldTiming     `json:"fieldTimings"`
	EditCounts       map[string]int    `json:"editCounts"`
	FieldOrder       []string          `json:"fieldOrder"`
	PasteEvents      []string          `json:"pasteEvents"`
	TypingSpeeds     []TypingSpeed     `json:"typingSpeeds"`
	ScrollDepth      int               `json:"scrollDepth"`
	TabSwitches      int               `json:"tabSwitches"`
	RageClicks       int               `json:"rageClicks"`
	CopyEvents       []CopyEvent       `json:"copyEvents"`
	RightClicks      []ClickPoint      `json:"rightClicks"`
	ValidationErrors []ValidationError `json:"validationErrors"`
	DurationMs       int64             `json:"duration"`
	PageLoadMs       int64             `json:"pageLoadTime"`
}

// LastVisitedField returns the final entry of the visitation order.
func (b *BehavioralSnapshot) LastVisitedField() (string, bool) {
	if b == nil || len(b.FieldOrder) == 0 {
		return "", false
	}
	return b.FieldOrder[len(b.FieldOrder)-1], true
}

// FieldTiming is one focus->blur interval.
type FieldTiming struct {
	FieldName  string `json:"fieldName"`
	DurationMs int64  `json:"duration"`
}

// TypingSpeed is edits per second over one focus interval.
type TypingSpeed struct {
	FieldName      string  `json:"fieldName"`
	EditsPerSecond float64 `json:"editsPerSecond"`
}

// CopyEvent records a copy, with the focused field if any.
type CopyEvent struct {
	FieldName string    `json:"fieldName,omitempty"`
	At        time.Time `json:"at"`
}

// ValidationError records a validation message surfaced to the user.
type ValidationError struct {
	FieldName string    `json:"fieldName"`
	Message   string    `json:"message,omitempty"`
	At        time.Time `json:"at"`
}

// MousePoint is one coarse mouse position sample.
type MousePoint struct {
	X  int   `json:"x"`
	Y  int   `json:"y"`
	Ts int64 `json:"t"` // ms since tracker start
}

// ClickPoint is one click sample.
type ClickPoint struct {
	X      int    `json:"x"`
	Y      int    `json:"y"`
	Target string `json:"target,omitempty"`
	Ts     int64  `json:"t"`
}
