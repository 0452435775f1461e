// Package analytics computes cross-session statistics. Every reducer is a
// pure function over the corpus; records missing the data a reducer needs
// are skipped, never fatal.
package analytics

import (
	"sort"
	"time"

	"github.com/samber/lo"

	"formpulse/pkg/humanize"
	"formpulse/pkg/model"
)

// DefaultTopN truncates ranked field reports.
const DefaultTopN = 20

// Ranked is one histogram bucket.
type Ranked struct {
	Key   string `json:"key"`
	Count int    `json:"count"`
}

// rank orders counts descending, ties by key, keeping at most topN
// (all when topN <= 0).
func rank(counts map[string]int, topN int) []Ranked {
	out := make([]Ranked, 0, len(counts))
	for k, n := range counts {
		out = append(out, Ranked{Key: k, Count: n})
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Count != out[j].Count {
			return out[i].Count > out[j].Count
		}
		return out[i].Key < out[j].Key
	})
	if topN > 0 && len(out) > topN {
		out = out[:topN]
	}
	return out
}

// FieldTiming is the mean dwell time of one field.
type FieldTiming struct {
	Field  string  `json:"field"`
	AvgMs  float64 `json:"avgMs"`
	Count  int     `json:"count"`
	Pretty string  `json:"pretty"`
}

// FieldTimings averages focus durations per field. Durations <= 0 are
// invalid measurements and excluded from both sum and count.
func FieldTimings(sessions []model.Session, topN int) []FieldTiming {
	type acc struct {
		sum int64
		n   int
	}
	by := map[string]*acc{}
	for _, s := range sessions {
		if s.Behavioral == nil {
			continue
		}
		for _, ft := range s.Behavioral.FieldTimings {
			if ft.DurationMs <= 0 || ft.FieldName == "" {
				continue
			}
			a := by[ft.FieldName]
			if a == nil {
				a = &acc{}
				by[ft.FieldName] = a
			}
			a.sum += ft.DurationMs
			a.n++
		}
	}
	out := make([]FieldTiming, 0, len(by))
	for field, a := range by {
		avg := float64(a.sum) / float64(a.n)
		out = append(out, FieldTiming{Field: field, AvgMs: avg, Count: a.n, Pretty: humanize.Millis(avg)})
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].AvgMs != out[j].AvgMs {
			return out[i].AvgMs > out[j].AvgMs
		}
		return out[i].Field < out[j].Field
	})
	if topN > 0 && len(out) > topN {
		out = out[:topN]
	}
	return out
}

// DropOffs counts the last visited field of every incomplete session.
func DropOffs(sessions []model.Session, topN int) []Ranked {
	counts := map[string]int{}
	for _, s := range sessions {
		if s.Completed {
			continue
		}
		if f, ok := s.Behavioral.LastVisitedField(); ok {
			counts[f]++
		}
	}
	return rank(counts, topN)
}

// EditFrequency sums per-field edit counts across sessions.
func EditFrequency(sessions []model.Session, topN int) []Ranked {
	counts := map[string]int{}
	for _, s := range sessions {
		if s.Behavioral == nil {
			continue
		}
		for f, n := range s.Behavioral.EditCounts {
			if n > 0 {
				counts[f] += n
			}
		}
	}
	return rank(counts, topN)
}

// PasteFrequency counts paste events per field across sessions.
func PasteFrequency(sessions []model.Session, topN int) []Ranked {
	counts := map[string]int{}
	for _, s := range sessions {
		if s.Behavioral == nil {
			continue
		}
		for _, f := range s.Behavioral.PasteEvents {
			if f != "" {
				counts[f]++
			}
		}
	}
	return rank(counts, topN)
}

// Mean is an average with its sample size.
type Mean struct {
	AvgMs  float64 `json:"avgMs"`
	Count  int     `json:"count"`
	Pretty string  `json:"pretty"`
}

type meanAcc struct {
	sum int64
	n   int
}

func (a *meanAcc) add(v int64) { a.sum += v; a.n++ }

func (a meanAcc) mean() Mean {
	if a.n == 0 {
		return Mean{Pretty: humanize.Millis(0)}
	}
	avg := float64(a.sum) / float64(a.n)
	return Mean{AvgMs: avg, Count: a.n, Pretty: humanize.Millis(avg)}
}

// DurationStats are session durations as recorded by the tracker.
type DurationStats struct {
	Overall    Mean `json:"overall"`
	Completed  Mean `json:"completed"`
	Incomplete Mean `json:"incomplete"`
}

// Durations averages recorded snapshot durations. Only positive durations
// contribute.
func Durations(sessions []model.Session) DurationStats {
	var all, done, open meanAcc
	for _, s := range sessions {
		if s.Behavioral == nil || s.Behavioral.DurationMs <= 0 {
			continue
		}
		d := s.Behavioral.DurationMs
		all.add(d)
		if s.Completed {
			done.add(d)
		} else {
			open.add(d)
		}
	}
	return DurationStats{Overall: all.mean(), Completed: done.mean(), Incomplete: open.mean()}
}

// StatusCounts splits sessions by derived lifecycle status.
type StatusCounts struct {
	Active    int `json:"active"`
	Abandoned int `json:"abandoned"`
	Completed int `json:"completed"`
}

// Statuses classifies every session at now. Abandonment is derived from
// idle time and never stored.
func Statuses(sessions []model.Session, now time.Time, idle time.Duration) StatusCounts {
	var c StatusCounts
	for i := range sessions {
		switch sessions[i].StatusAt(now, idle) {
		case model.StatusCompleted:
			c.Completed++
		case model.StatusAbandoned:
			c.Abandoned++
		default:
			c.Active++
		}
	}
	return c
}

// Interaction averages the session-wide behavioral counters.
type Interaction struct {
	Sessions       int     `json:"sessions"`
	AvgTabSwitches float64 `json:"avgTabSwitches"`
	AvgRageClicks  float64 `json:"avgRageClicks"`
	AvgScrollDepth float64 `json:"avgScrollDepth"`
	AvgPageLoadMs  float64 `json:"avgPageLoadMs"`
	WithRageClicks int     `json:"withRageClicks"`
	WithValidation int     `json:"withValidationErrors"`
}

func Interactions(sessions []model.Session) Interaction {
	var out Interaction
	var tabs, rage, scroll, load, loads int
	for _, s := range sessions {
		b := s.Behavioral
		if b == nil {
			continue
		}
		out.Sessions++
		tabs += b.TabSwitches
		rage += b.RageClicks
		scroll += b.ScrollDepth
		if b.PageLoadMs > 0 {
			load += int(b.PageLoadMs)
			loads++
		}
		if b.RageClicks > 0 {
			out.WithRageClicks++
		}
		if len(b.ValidationErrors) > 0 {
			out.WithValidation++
		}
	}
	if out.Sessions > 0 {
		n := float64(out.Sessions)
		out.AvgTabSwitches = float64(tabs) / n
		out.AvgRageClicks = float64(rage) / n
		out.AvgScrollDepth = float64(scroll) / n
	}
	if loads > 0 {
		out.AvgPageLoadMs = float64(load) / float64(loads)
	}
	return out
}

// Traffic breaks sessions down by acquisition channel.
type Traffic struct {
	Sources   []Ranked `json:"sources"`
	Referrers []Ranked `json:"referrers"`
	Campaigns []Ranked `json:"campaigns"`
	Social    []Ranked `json:"social"`
}

func TrafficSources(sessions []model.Session, topN int) Traffic {
	src, ref, camp, social := map[string]int{}, map[string]int{}, map[string]int{}, map[string]int{}
	for _, s := range sessions {
		r := s.Referral
		src[lo.Ternary(r.TrafficSource == "", "direct", r.TrafficSource)]++
		count(ref, r.Referrer)
		count(camp, r.UTMCampaign)
		count(social, r.SocialPlatform)
	}
	return Traffic{
		Sources:   rank(src, 0),
		Referrers: rank(ref, topN),
		Campaigns: rank(camp, topN),
		Social:    rank(social, 0),
	}
}

// DeviceMix breaks sessions down by client software.
type DeviceMix struct {
	Types    []Ranked `json:"types"`
	OS       []Ranked `json:"os"`
	Browsers []Ranked `json:"browsers"`
}

func Devices(sessions []model.Session) DeviceMix {
	types, oses, browsers := map[string]int{}, map[string]int{}, map[string]int{}
	for _, s := range sessions {
		count(types, s.Device.Type)
		count(oses, s.Device.OS)
		count(browsers, s.Device.Browser)
	}
	return DeviceMix{Types: rank(types, 0), OS: rank(oses, 0), Browsers: rank(browsers, 0)}
}

// count skips empty keys so missing attributes never show up as a bucket.
func count(m map[string]int, key string) {
	if key != "" {
		m[key]++
	}
}
