// Package tracker accumulates the behavioral signals of one form session in
// memory: per-field focus timings, edit counts, visitation order and the
// passive page signals (paste, scroll, tab switches, rage clicks, copy,
// context menu, validation errors, mouse heatmap).
package tracker

import (
	"math"
	"sync"
	"time"

	"github.com/samber/lo"
	"go.uber.org/zap"

	"formpulse/pkg/model"
)

// RageConfig tunes the rage-click heuristic: Clicks clicks on the same target
// within Window, each within Radius pixels of the latest one.
type RageConfig struct {
	Clicks int
	Window time.Duration
	Radius float64
}

// DefaultRageConfig is 3 clicks in one second within 30px.
var DefaultRageConfig = RageConfig{Clicks: 3, Window: time.Second, Radius: 30}

const (
	defaultSampleCap      = 500
	defaultSampleInterval = 100 * time.Millisecond
)

type clickRec struct {
	x, y   int
	target string
	at     time.Time
}

// Tracker is safe for concurrent use.
type Tracker struct {
	mu sync.Mutex

	now            func() time.Time
	log            *zap.Logger
	rage           RageConfig
	sampleInterval time.Duration
	pageLoad       time.Duration

	startedAt   time.Time
	lastEventAt time.Time

	focused      string
	focusStart   map[string]time.Time
	focusEdits   map[string]int
	timings      []model.FieldTiming
	editCounts   map[string]int
	order        []string
	pastes       []string
	typingSpeeds []model.TypingSpeed

	scrollDepth int
	tabSwitches int
	hidden      bool
	rageClicks  int
	recent      []clickRec
	copies      []model.CopyEvent
	rightClicks []model.ClickPoint
	validation  []model.ValidationError

	heatmap    *ring[model.MousePoint]
	clicks     *ring[model.ClickPoint]
	lastSample time.Time

	sources     []EventSource
	unsubscribe []func()
	destroyed   bool
}

// Option configures a Tracker.
type Option func(*Tracker)

// WithClock replaces time.Now.
func WithClock(now func() time.Time) Option { return func(t *Tracker) { t.now = now } }

// WithLogger sets the logger used for swallowed handler failures.
func WithLogger(l *zap.Logger) Option { return func(t *Tracker) { t.log = l } }

// WithRageConfig overrides DefaultRageConfig.
func WithRageConfig(c RageConfig) Option { return func(t *Tracker) { t.rage = c } }

// WithSampleCap bounds the heatmap and click map buffers.
func WithSampleCap(n int) Option {
	return func(t *Tracker) {
		t.heatmap = newRing[model.MousePoint](n)
		t.clicks = newRing[model.ClickPoint](n)
	}
}

// WithMouseSampleInterval sets the minimum spacing of heatmap samples.
func WithMouseSampleInterval(d time.Duration) Option {
	return func(t *Tracker) { t.sampleInterval = d }
}

// WithPageLoad records the page load time reported by the host.
func WithPageLoad(d time.Duration) Option { return func(t *Tracker) { t.pageLoad = d } }

// WithSources installs passive listeners on the given sources.
func WithSources(src ...EventSource) Option {
	return func(t *Tracker) { t.sources = append(t.sources, src...) }
}

// New starts tracking. Listeners on every source are installed immediately
// and stay installed until Destroy.
func New(opts ...Option) *Tracker {
	t := &Tracker{
		now:            time.Now,
		log:            zap.NewNop(),
		rage:           DefaultRageConfig,
		sampleInterval: defaultSampleInterval,
		focusStart:     map[string]time.Time{},
		focusEdits:     map[string]int{},
		editCounts:     map[string]int{},
		heatmap:        newRing[model.MousePoint](defaultSampleCap),
		clicks:         newRing[model.ClickPoint](defaultSampleCap),
	}
	for _, o := range opts {
		o(t)
	}
	t.startedAt = t.now()
	t.lastEventAt = t.startedAt
	for _, src := range t.sources {
		if src == nil {
			continue
		}
		t.unsubscribe = append(t.unsubscribe, src.Subscribe(t.handle))
	}
	return t
}

// OnFieldFocus records the focus start of name.
func (t *Tracker) OnFieldFocus(name string) {
	if name == "" {
		return
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	now := t.touch()
	t.focusStart[name] = now
	t.focusEdits[name] = 0
	t.focused = name
	if n := len(t.order); n == 0 || t.order[n-1] != name {
		t.order = append(t.order, name)
	}
}

// OnFieldBlur closes the focus interval of name. A blur without a matching
// focus is ignored.
func (t *Tracker) OnFieldBlur(name string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	start, ok := t.focusStart[name]
	if !ok {
		return
	}
	now := t.touch()
	delete(t.focusStart, name)
	edits := t.focusEdits[name]
	delete(t.focusEdits, name)
	if t.focused == name {
		t.focused = ""
	}

	d := now.Sub(start)
	if d < 0 {
		d = 0
	}
	t.timings = append(t.timings, model.FieldTiming{FieldName: name, DurationMs: d.Milliseconds()})
	if edits > 0 && d > 0 {
		eps := float64(edits) / d.Seconds()
		t.typingSpeeds = append(t.typingSpeeds, model.TypingSpeed{
			FieldName:      name,
			EditsPerSecond: math.Round(eps*100) / 100,
		})
	}
}

// OnFieldEdit counts one value change of name.
func (t *Tracker) OnFieldEdit(name string) {
	if name == "" {
		return
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	t.touch()
	t.editCounts[name]++
	if _, ok := t.focusStart[name]; ok {
		t.focusEdits[name]++
	}
}

// Snapshot returns the accumulated state. It never resets anything, so
// successive snapshots only grow. DurationMs spans from construction to the
// last observed interaction.
func (t *Tracker) Snapshot() model.BehavioralSnapshot {
	t.mu.Lock()
	defer t.mu.Unlock()
	return model.BehavioralSnapshot{
		V:                model.BehavioralVersion,
		FieldTimings:     append([]model.FieldTiming{}, t.timings...),
		EditCounts:       lo.Assign(t.editCounts),
		FieldOrder:       append([]string{}, t.order...),
		PasteEvents:      append([]string{}, t.pastes...),
		TypingSpeeds:     append([]model.TypingSpeed{}, t.typingSpeeds...),
		ScrollDepth:      t.scrollDepth,
		TabSwitches:      t.tabSwitches,
		RageClicks:       t.rageClicks,
		CopyEvents:       append([]model.CopyEvent{}, t.copies...),
		RightClicks:      append([]model.ClickPoint{}, t.rightClicks...),
		ValidationErrors: append([]model.ValidationError{}, t.validation...),
		DurationMs:       t.lastEventAt.Sub(t.startedAt).Milliseconds(),
		PageLoadMs:       t.pageLoad.Milliseconds(),
	}
}

// Heatmap returns the sampled mouse positions, oldest first.
func (t *Tracker) Heatmap() []model.MousePoint {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.heatmap.items()
}

// ClickMap returns the sampled clicks, oldest first.
func (t *Tracker) ClickMap() []model.ClickPoint {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.clicks.items()
}

// Destroy removes every passive listener. Safe to call more than once.
func (t *Tracker) Destroy() {
	t.mu.Lock()
	if t.destroyed {
		t.mu.Unlock()
		return
	}
	t.destroyed = true
	unsub := t.unsubscribe
	t.unsubscribe = nil
	t.mu.Unlock()
	for _, u := range unsub {
		u()
	}
}

func (t *Tracker) touch() time.Time {
	now := t.now()
	if now.After(t.lastEventAt) {
		t.lastEventAt = now
	}
	return now
}

func (t *Tracker) sinceStart(now time.Time) int64 {
	return now.Sub(t.startedAt).Milliseconds()
}
