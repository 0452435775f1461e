package tracker

import (
	"math"

	"go.uber.org/zap"

	"formpulse/pkg/model"
)

// handle is the listener installed on every EventSource. It must never
// panic into the host.
func (t *Tracker) handle(e Event) {
	defer func() {
		if r := recover(); r != nil {
			t.log.Warn("tracker: event handler recovered", zap.String("kind", string(e.Kind)), zap.Any("panic", r))
		}
	}()

	t.mu.Lock()
	defer t.mu.Unlock()
	if t.destroyed {
		return
	}

	switch e.Kind {
	case EventPaste:
		if f := t.fieldOf(e); f != "" {
			t.touch()
			t.pastes = append(t.pastes, f)
		}
	case EventScroll:
		depth := int(math.Round(math.Max(0, math.Min(100, e.ScrollPercent))))
		if depth > t.scrollDepth {
			t.scrollDepth = depth
		}
	case EventVisibility:
		if e.Hidden {
			t.hidden = true
			return
		}
		if t.hidden {
			t.hidden = false
			t.tabSwitches++
			t.touch()
		}
	case EventClick:
		t.onClick(e)
	case EventCopy:
		now := t.touch()
		t.copies = append(t.copies, model.CopyEvent{FieldName: t.fieldOf(e), At: now})
	case EventContextMenu:
		now := t.touch()
		t.rightClicks = append(t.rightClicks, model.ClickPoint{X: e.X, Y: e.Y, Target: e.Target, Ts: t.sinceStart(now)})
	case EventValidationError:
		if e.Target == "" {
			return
		}
		now := t.touch()
		t.validation = append(t.validation, model.ValidationError{FieldName: e.Target, Message: e.Message, At: now})
	case EventMouseMove:
		now := t.now()
		if !t.lastSample.IsZero() && now.Sub(t.lastSample) < t.sampleInterval {
			return
		}
		t.lastSample = now
		t.heatmap.push(model.MousePoint{X: e.X, Y: e.Y, Ts: t.sinceStart(now)})
	}
}

func (t *Tracker) onClick(e Event) {
	now := t.touch()
	t.clicks.push(model.ClickPoint{X: e.X, Y: e.Y, Target: e.Target, Ts: t.sinceStart(now)})

	kept := t.recent[:0]
	for _, c := range t.recent {
		if now.Sub(c.at) > t.rage.Window || c.target != e.Target {
			continue
		}
		if math.Hypot(float64(c.x-e.X), float64(c.y-e.Y)) > t.rage.Radius {
			continue
		}
		kept = append(kept, c)
	}
	t.recent = append(kept, clickRec{x: e.X, y: e.Y, target: e.Target, at: now})
	if t.rage.Clicks > 0 && len(t.recent) >= t.rage.Clicks {
		t.rageClicks++
		t.recent = t.recent[:0]
	}
}

// fieldOf falls back to the focused field when the event has no target.
func (t *Tracker) fieldOf(e Event) string {
	if e.Target != "" {
		return e.Target
	}
	return t.focused
}
