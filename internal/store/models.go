package store

import "time"

// Kind identifies one of the fixed logical keys managed by the store.
type Kind string

const (
	KindTerminal   Kind = "terminal-state"
	KindBrowser    Kind = "file-browser-state"
	KindSettings   Kind = "connection-settings"
	KindNavigation Kind = "navigation-timestamp"
)

// ManagedKinds lists every key the store owns, for quota accounting and ClearAll.
func ManagedKinds() []Kind {
	return []Kind{KindTerminal, KindBrowser, KindSettings, KindNavigation}
}

// TTLBounded reports whether entries under this kind expire. Connection
// settings are long-lived (credentials survive restarts); session snapshots
// are only meaningful across a short navigation gap.
func (k Kind) TTLBounded() bool {
	return k != KindSettings
}

// Snapshot is one persisted entry: a JSON document stored under a fixed key.
// The expiry timestamp lives inside the JSON, not in a column, so the wire
// shape of a snapshot is self-describing.
type Snapshot struct {
	Key   string `gorm:"primaryKey"`
	Value string
}

// Setting is an internal key/value row (encryption key material and other
// store-private state). Settings never expire and are not quota-managed.
type Setting struct {
	Key   string `gorm:"primaryKey"`
	Value string
}

// Record is implemented by every snapshot type the store persists.
type Record interface {
	stamp(t time.Time)
	stamped() time.Time
}

// TerminalSnapshot captures the terminal view's buffer and cursor so the
// session can resume where the user left off after navigation.
type TerminalSnapshot struct {
	Lines     []string  `json:"lines"`
	CursorRow int       `json:"cursor_row"`
	CursorCol int       `json:"cursor_col"`
	Cols      int       `json:"cols"`
	Rows      int       `json:"rows"`
	Timestamp time.Time `json:"timestamp"`
}

func (s *TerminalSnapshot) stamp(t time.Time)  { s.Timestamp = t }
func (s *TerminalSnapshot) stamped() time.Time { return s.Timestamp }

// BrowserSnapshot captures the file-browser view's position.
type BrowserSnapshot struct {
	Path         string    `json:"path"`
	Selected     string    `json:"selected,omitempty"`
	ScrollOffset int       `json:"scroll_offset"`
	Timestamp    time.Time `json:"timestamp"`
}

func (s *BrowserSnapshot) stamp(t time.Time)  { s.Timestamp = t }
func (s *BrowserSnapshot) stamped() time.Time { return s.Timestamp }

// ConnectionSettings holds the credentials and upstream configuration needed
// to (re)establish a tunnel. Persisted encrypted; never expires.
type ConnectionSettings struct {
	Host            string    `json:"host"`
	Port            int       `json:"port"`
	Username        string    `json:"username"`
	Password        string    `json:"password"`
	UpstreamToken   string    `json:"upstream_token,omitempty"`
	UpstreamBaseURL string    `json:"upstream_base_url,omitempty"`
	Timestamp       time.Time `json:"timestamp"`
}

func (s *ConnectionSettings) stamp(t time.Time)  { s.Timestamp = t }
func (s *ConnectionSettings) stamped() time.Time { return s.Timestamp }

// NavigationMark records when the consumer signalled "navigating away",
// letting a later mount classify the absence as short or long.
type NavigationMark struct {
	StartedAt time.Time `json:"started_at"`
	SessionID string    `json:"session_id,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

func (s *NavigationMark) stamp(t time.Time)  { s.Timestamp = t }
func (s *NavigationMark) stamped() time.Time { return s.Timestamp }
