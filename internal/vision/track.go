package vision

import (
	"sort"
	"sync"
)

// Track is a face followed across frames. Slot is stable for the life of
// the track and keys per-face state downstream.
type Track struct {
	Slot            int
	BBox            [4]float32
	Confidence      float32
	Hits            int // consecutive matched frames
	TimeSinceUpdate int // frames since last match
}

type TrackUpdate struct {
	Track     Track
	Detection Detection
	IsNew     bool
	// Confirmed is false until the track has MinHits matches.
	Confirmed bool
}

type TrackerConfig struct {
	MaxAge       int
	MinHits      int
	IoUThreshold float32
}

// Tracker is a SORT-like IoU tracker over one camera's detections.
type Tracker struct {
	mu       sync.Mutex
	cfg      TrackerConfig
	tracks   map[int]*Track
	nextSlot int
}

func NewTracker(cfg TrackerConfig) *Tracker {
	if cfg.MinHits <= 0 {
		cfg.MinHits = 1
	}
	if cfg.IoUThreshold <= 0 {
		cfg.IoUThreshold = 0.3
	}
	return &Tracker{cfg: cfg, tracks: make(map[int]*Track)}
}

// Update assigns detections to tracks greedily by IoU, opens tracks for
// unmatched detections and drops tracks older than MaxAge. It returns the
// updates in detection order and the slots that were dropped.
func (t *Tracker) Update(detections []Detection) ([]TrackUpdate, []int) {
	t.mu.Lock()
	defer t.mu.Unlock()

	for _, tr := range t.tracks {
		tr.TimeSinceUpdate++
	}

	// Iterate slots in order so assignment does not depend on map order.
	slots := make([]int, 0, len(t.tracks))
	for s := range t.tracks {
		slots = append(slots, s)
	}
	sort.Ints(slots)

	updates := make([]TrackUpdate, len(detections))
	matched := make(map[int]bool)
	for di, det := range detections {
		best := t.cfg.IoUThreshold
		bestSlot := -1
		for _, s := range slots {
			if matched[s] {
				continue
			}
			if v := iou(det.BBox, t.tracks[s].BBox); v > best {
				best = v
				bestSlot = s
			}
		}

		var tr *Track
		isNew := bestSlot < 0
		if isNew {
			t.nextSlot++
			tr = &Track{Slot: t.nextSlot}
			t.tracks[tr.Slot] = tr
		} else {
			tr = t.tracks[bestSlot]
			tr.Hits++
		}
		matched[tr.Slot] = true
		tr.BBox = det.BBox
		tr.Confidence = det.Confidence
		tr.TimeSinceUpdate = 0
		if isNew {
			tr.Hits = 1
		}

		updates[di] = TrackUpdate{
			Track:     *tr,
			Detection: det,
			IsNew:     isNew,
			Confirmed: tr.Hits >= t.cfg.MinHits,
		}
	}

	var dropped []int
	for _, s := range slots {
		if t.tracks[s].TimeSinceUpdate > t.cfg.MaxAge {
			delete(t.tracks, s)
			dropped = append(dropped, s)
		}
	}
	return updates, dropped
}

// TrackCount returns the number of live tracks.
func (t *Tracker) TrackCount() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.tracks)
}
