package model

import "time"

// ImageType describes what kind of image, if any, an event carries.
type ImageType string

const (
	// ImageNone means the event has no image assigned yet.
	ImageNone ImageType = "none"
	// ImageGradient is the deterministic fallback: the UI derives a color
	// gradient from the event id. No asset exists in object storage and
	// ImageURL is empty.
	ImageGradient ImageType = "gradient"
	// ImageAsset means ImageURL points at a copy held in our own object
	// storage (never a third-party hot-link).
	ImageAsset ImageType = "image"
)

// RawEvent is what a source adapter yields before canonicalization.
// Recurrence expansion has already happened; each RawEvent is one concrete
// occurrence.
type RawEvent struct {
	Title       string
	Description string
	Location    string
	Address     string
	Category    string
	Source      string

	Start  time.Time
	End    time.Time
	AllDay bool
}

// Event is the canonical persisted record.
type Event struct {
	// ID is a deterministic function of (Source, normalized Title, Date).
	// Re-ingesting identical source content always yields the same ID.
	ID string `json:"id"`

	Title       string `json:"title"`
	Description string `json:"description,omitempty"`
	Location    string `json:"location,omitempty"`
	Address     string `json:"address,omitempty"`
	Category    string `json:"category"`
	Source      string `json:"source"`

	// Date identifies the event's UTC calendar day. Adapters populate it
	// with the full start instant; storage persists the day only, with the
	// clock kept in Time.
	Date time.Time `json:"date"`
	// Time is an optional 24-hour clock time ("17:30"); empty means all-day
	// or unknown.
	Time string `json:"time,omitempty"`

	ImageURL  string    `json:"image_url,omitempty"`
	ImageType ImageType `json:"image_type"`

	// Upvotes/Downvotes are community counters owned by other parts of the
	// system; ingestion preserves them and never recomputes them.
	Upvotes   int `json:"upvotes"`
	Downvotes int `json:"downvotes"`

	CreatedAt time.Time `json:"created_at"`
}

// SourceReport summarizes one source's contribution to an ingestion run.
type SourceReport struct {
	Source  string `json:"source"`
	Fetched int    `json:"fetched"`
	Error   string `json:"error,omitempty"`
}

// RunResult is the structured outcome of a single ingestion invocation.
// It is returned even under partial failure; only a total storage outage
// aborts a run.
type RunResult struct {
	StartedAt time.Time      `json:"started_at"`
	Duration  time.Duration  `json:"duration"`
	Sources   []SourceReport `json:"sources"`

	Fetched      int `json:"fetched"`
	Filtered     int `json:"filtered"`
	Deduped      int `json:"deduped"`
	Written      int `json:"written"`
	FailedChunks int `json:"failed_chunks"`
}

// Errored reports whether any source or storage chunk failed during the run.
func (r *RunResult) Errored() bool {
	for _, s := range r.Sources {
		if s.Error != "" {
			return true
		}
	}
	return r.FailedChunks > 0
}
