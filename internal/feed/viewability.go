package feed

import (
	"slices"
	"sync"
)

// DefaultVisibilityThreshold is the fraction of an item's area that must be
// on screen for the item to count as visible.
const DefaultVisibilityThreshold = 0.25

// ViewabilityTracker holds the set of feed items currently on screen. The
// render layer reads it to decide which videos autoplay.
//
// While the screen is blurred every item reads as not visible; visibility
// reports received meanwhile replace the remembered set, which Focus restores.
type ViewabilityTracker struct {
	threshold float64

	mu       sync.RWMutex
	visible  map[string]struct{}
	blurred  bool
	onChange func()
}

// NewViewabilityTracker creates a tracker. A threshold outside (0, 1] selects
// DefaultVisibilityThreshold.
func NewViewabilityTracker(threshold float64) *ViewabilityTracker {
	if threshold <= 0 || threshold > 1 {
		threshold = DefaultVisibilityThreshold
	}
	return &ViewabilityTracker{
		threshold: threshold,
		visible:   make(map[string]struct{}),
	}
}

// Threshold returns the configured visibility threshold.
func (t *ViewabilityTracker) Threshold() float64 { return t.threshold }

// OnChange registers fn to run after every change of the visible set.
func (t *ViewabilityTracker) OnChange(fn func()) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.onChange = fn
}

// OnVisibilityChanged replaces the visible set wholesale.
func (t *ViewabilityTracker) OnVisibilityChanged(keys []string) {
	next := make(map[string]struct{}, len(keys))
	for _, k := range keys {
		next[k] = struct{}{}
	}
	t.replace(next)
}

// ReportAreas replaces the visible set with the keys whose on-screen area
// fraction meets the threshold.
func (t *ViewabilityTracker) ReportAreas(areas map[string]float64) {
	next := make(map[string]struct{}, len(areas))
	for k, frac := range areas {
		if frac >= t.threshold {
			next[k] = struct{}{}
		}
	}
	t.replace(next)
}

func (t *ViewabilityTracker) replace(next map[string]struct{}) {
	t.mu.Lock()
	t.visible = next
	blurred := t.blurred
	fn := t.onChange
	t.mu.Unlock()

	if fn != nil && !blurred {
		fn()
	}
}

// IsVisible reports whether key is on screen and the screen has focus.
func (t *ViewabilityTracker) IsVisible(key string) bool {
	t.mu.RLock()
	defer t.mu.RUnlock()
	if t.blurred {
		return false
	}
	_, ok := t.visible[key]
	return ok
}

// Visible returns the visible keys in sorted order. It is empty while blurred.
func (t *ViewabilityTracker) Visible() []string {
	t.mu.RLock()
	defer t.mu.RUnlock()
	if t.blurred {
		return nil
	}
	keys := make([]string, 0, len(t.visible))
	for k := range t.visible {
		keys = append(keys, k)
	}
	slices.Sort(keys)
	return keys
}

// Blur forces every item to not visible, remembering the current set.
func (t *ViewabilityTracker) Blur() {
	t.setBlurred(true)
}

// Focus restores the set remembered by Blur.
func (t *ViewabilityTracker) Focus() {
	t.setBlurred(false)
}

// Focused reports whether the screen currently has focus.
func (t *ViewabilityTracker) Focused() bool {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return !t.blurred
}

func (t *ViewabilityTracker) setBlurred(blurred bool) {
	t.mu.Lock()
	changed := t.blurred != blurred
	t.blurred = blurred
	fn := t.onChange
	t.mu.Unlock()

	if changed && fn != nil {
		fn()
	}
}
