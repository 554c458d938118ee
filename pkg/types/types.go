package types

import "time"

// Timelapse types understood by the manager
const (
	TypeOff     = "off"
	TypeZChange = "zchange"
	TypeTimed   = "timed"
)

const (
	DefaultFPS      = 25
	DefaultPostRoll = 0
	DefaultInterval = 10
)

// TimelapseOptions holds type specific settings
type TimelapseOptions struct {
	Interval int `json:"interval,omitempty"`
}

// TimelapseConfig describes how timelapses are captured and rendered
type TimelapseConfig struct {
	Type     string           `json:"type"`
	PostRoll int              `json:"postRoll"`
	FPS      int              `json:"fps"`
	Options  TimelapseOptions `json:"options"`
}

// DefaultTimelapseConfig returns a disabled timelapse configuration
func DefaultTimelapseConfig() TimelapseConfig {
	return TimelapseConfig{
		Type:     TypeOff,
		PostRoll: DefaultPostRoll,
		FPS:      DefaultFPS,
	}
}

// Enabled reports whether timelapses are recorded at all
func (c TimelapseConfig) Enabled() bool {
	return c.Type != "" && c.Type != TypeOff
}

// TimelapseFile represents a rendered timelapse movie
type TimelapseFile struct {
	Name      string `json:"name"`
	Size      string `json:"size"`
	Bytes     int64  `json:"bytes"`
	Date      string `json:"date"`
	Timestamp int64  `json:"timestamp"`
	URL       string `json:"url,omitempty"`
}

// UnrenderedTimelapse represents a set of captured frames sharing a prefix
type UnrenderedTimelapse struct {
	Name       string `json:"name"`
	Count      int    `json:"count"`
	Size       string `json:"size"`
	Bytes      int64  `json:"bytes"`
	Date       string `json:"date"`
	Timestamp  int64  `json:"timestamp"`
	Processing bool   `json:"processing"`
}

// CachedResponse is a rendered response kept by the response cache
type CachedResponse struct {
	Key          string
	StatusCode   int
	Header       map[string][]string
	Body         []byte
	ETag         string
	LastModified time.Time
	CachedAt     time.Time
}
