package storage

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"
)

// Logical keys of the persisted state.
const (
	KeyDownloads   = "downloads"
	KeyQueue       = "download_queue"
	KeyPreferences = "preferences"
)

// ErrUnavailable is returned when the underlying blob store faults.
var ErrUnavailable = errors.New("storage unavailable")

// UnavailableError wraps an I/O fault of the blob store for a single key.
type UnavailableError struct {
	Operation string
	Key       string
	Err       error
}

func (e *UnavailableError) Error() string {
	return fmt.Sprintf("storage unavailable during %s of %q: %v", e.Operation, e.Key, e.Err)
}

func (e *UnavailableError) Unwrap() error {
	return e.Err
}

func (e *UnavailableError) Is(target error) bool {
	return target == ErrUnavailable
}

// KV is an opaque key to blob store. Every call is atomic for its key.
type KV interface {
	Get(ctx context.Context, key string) ([]byte, bool, error)
	Set(ctx context.Context, key string, value []byte) error
	Close() error
}

// Status is the lifecycle state of a download record.
type Status int

const (
	StatusNotDownloaded Status = iota
	StatusQueued
	StatusDownloading
	StatusPaused
	StatusCompleted
	StatusFailed
)

var statusNames = map[Status]string{
	StatusNotDownloaded: "not_downloaded",
	StatusQueued:        "queued",
	StatusDownloading:   "downloading",
	StatusPaused:        "paused",
	StatusCompleted:     "completed",
	StatusFailed:        "failed",
}

func (s Status) String() string {
	if name, ok := statusNames[s]; ok {
		return name
	}

	return "unknown"
}

// ParseStatus maps the persisted name back to a Status.
func ParseStatus(name string) (Status, error) {
	for s, n := range statusNames {
		if n == strings.ToLower(name) {
			return s, nil
		}
	}

	return StatusNotDownloaded, fmt.Errorf("unknown download status %q", name)
}

func (s Status) MarshalText() ([]byte, error) {
	if _, ok := statusNames[s]; !ok {
		return nil, fmt.Errorf("unknown download status %d", int(s))
	}

	return []byte(s.String()), nil
}

func (s *Status) UnmarshalText(text []byte) error {
	parsed, err := ParseStatus(string(text))
	if err != nil {
		return err
	}

	*s = parsed

	return nil
}

// Quality is a bitrate tier.
type Quality string

const (
	QualityLow    Quality = "low"
	QualityMedium Quality = "medium"
	QualityHigh   Quality = "high"
)

func (q Quality) Valid() bool {
	switch q {
	case QualityLow, QualityMedium, QualityHigh:
		return true
	}

	return false
}

// Item is one downloadable unit (a chapter) of a group (a reciter), together
// with what is needed to resolve it against its upstream source.
type Item struct {
	GroupID         string `json:"groupId"`
	GroupName       string `json:"groupName,omitempty"`
	ItemID          int    `json:"itemId"`
	ItemName        string `json:"itemName,omitempty"`
	SourceID        string `json:"sourceId"`
	BaseURL         string `json:"baseUrl"`
	DurationSeconds int    `json:"durationSeconds,omitempty"`
	FragmentCount   int    `json:"fragmentCount,omitempty"`
}

// RecordID derives the idempotency key of a (group item, quality) pair.
func RecordID(groupID string, itemID int, quality Quality) string {
	return fmt.Sprintf("%s_%d_%s", groupID, itemID, quality)
}

// Record is the persisted state of one (group item, quality) download.
type Record struct {
	ID           string    `json:"id"`
	GroupID      string    `json:"groupId"`
	ItemID       int       `json:"itemId"`
	SourceID     string    `json:"sourceId"`
	Quality      Quality   `json:"quality"`
	FileSize     int64     `json:"fileSize"`
	LocalPath    string    `json:"localPath"`
	UpdatedAt    time.Time `json:"updatedAt"`
	Status       Status    `json:"status"`
	Progress     int       `json:"progress"`
	ResolvedURLs []string  `json:"resolvedUrls,omitempty"`
	GroupName    string    `json:"groupName,omitempty"`
	ItemName     string    `json:"itemName,omitempty"`
	LastError    string    `json:"lastError,omitempty"`
}

// Clone returns a deep copy so callers never alias persisted slices.
func (r *Record) Clone() *Record {
	if r == nil {
		return nil
	}

	c := *r
	c.ResolvedURLs = append([]string(nil), r.ResolvedURLs...)

	return &c
}

type Theme string

const (
	ThemeLight Theme = "light"
	ThemeDark  Theme = "dark"
	ThemeAuto  Theme = "auto"
)

// Preferences is the single persisted user preference record.
type Preferences struct {
	DefaultQuality    Quality `json:"defaultQuality"`
	WifiOnlyDownloads bool    `json:"wifiOnlyDownloads"`
	AutoPlay          bool    `json:"autoPlay"`
	Theme             Theme   `json:"theme"`
	Language          string  `json:"language"`
}

// DefaultPreferences returns the preferences used until the user changes them.
func DefaultPreferences() Preferences {
	return Preferences{
		DefaultQuality:    QualityMedium,
		WifiOnlyDownloads: true,
		AutoPlay:          false,
		Theme:             ThemeAuto,
		Language:          "ar",
	}
}

// PreferencesUpdate carries a partial update; nil fields are left unchanged.
type PreferencesUpdate struct {
	DefaultQuality    *Quality `json:"defaultQuality,omitempty"`
	WifiOnlyDownloads *bool    `json:"wifiOnlyDownloads,omitempty"`
	AutoPlay          *bool    `json:"autoPlay,omitempty"`
	Theme             *Theme   `json:"theme,omitempty"`
	Language          *string  `json:"language,omitempty"`
}

// Apply merges the update into p.
func (u PreferencesUpdate) Apply(p Preferences) Preferences {
	if u.DefaultQuality != nil {
		p.DefaultQuality = *u.DefaultQuality
	}

	if u.WifiOnlyDownloads != nil {
		p.WifiOnlyDownloads = *u.WifiOnlyDownloads
	}

	if u.AutoPlay != nil {
		p.AutoPlay = *u.AutoPlay
	}

	if u.Theme != nil {
		p.Theme = *u.Theme
	}

	if u.Language != nil {
		p.Language = *u.Language
	}

	return p
}
