// Package crawler defines core types shared across subsystems.
package crawler

import (
	"sort"
	"time"
)

// TargetState represents the allocation state of a crawl target in the frontier.
type TargetState string

// Target states persisted in the frontier.
const (
	StatePending  TargetState = "pending"
	StateReserved TargetState = "reserved"
	StateCrawled  TargetState = "crawled"
	StateFailed   TargetState = "failed"
)

// Valid reports whether s is one of the known states.
func (s TargetState) Valid() bool {
	switch s {
	case StatePending, StateReserved, StateCrawled, StateFailed:
		return true
	default:
		return false
	}
}

// CrawlTarget is a single unit of crawl work, identified by the target site's profile id.
type CrawlTarget struct {
	ID          string      `json:"id"`
	State       TargetState `json:"state"`
	FirstSeenAt time.Time   `json:"first_seen_at"`
}

// StateCounts tallies frontier targets per state.
type StateCounts struct {
	Pending  int `json:"pending"`
	Reserved int `json:"reserved"`
	Crawled  int `json:"crawled"`
	Failed   int `json:"failed"`
}

// Total returns the number of known targets.
func (c StateCounts) Total() int {
	return c.Pending + c.Reserved + c.Crawled + c.Failed
}

// Payload maps a logical resource key (a page variant such as "timeline" or "about") to the
// raw captured content.
type Payload map[string][]byte

// Keys returns the payload keys in lexical order.
func (p Payload) Keys() []string {
	keys := make([]string, 0, len(p))
	for k := range p {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// Size returns the total number of content bytes.
func (p Payload) Size() int {
	n := 0
	for _, v := range p {
		n += len(v)
	}
	return n
}

// CaptureRecord is the raw result of one successful fetch.
type CaptureRecord struct {
	TargetID   string    `json:"target_id"`
	CapturedAt time.Time `json:"captured_at"`
	Payload    Payload   `json:"payload"`
	Processed  bool      `json:"processed"`
}

// CaptureHandle identifies a stored capture record.
type CaptureHandle struct {
	TargetID    string    `json:"target_id"`
	BlobURI     string    `json:"blob_uri"`
	ContentHash string    `json:"content_hash"`
	CapturedAt  time.Time `json:"captured_at"`
}

// IndexEntry is the durable index row that tracks a capture and its processed sentinel.
type IndexEntry struct {
	TargetID    string
	Bucket      string
	BlobURI     string
	ContentHash string
	CapturedAt  time.Time
	Processed   bool
}

// Handle converts the entry into a CaptureHandle.
func (e IndexEntry) Handle() CaptureHandle {
	return CaptureHandle{
		TargetID:    e.TargetID,
		BlobURI:     e.BlobURI,
		ContentHash: e.ContentHash,
		CapturedAt:  e.CapturedAt,
	}
}

// ProfileRef points at another profile referenced from a capture.
type ProfileRef struct {
	ID   string `json:"id"`
	Name string `json:"name,omitempty"`
}

// Profile is the structured entity extracted from a capture.
type Profile struct {
	ID         string            `json:"id"`
	Name       string            `json:"name"`
	Language   string            `json:"language,omitempty"`
	Fields     map[string]string `json:"fields,omitempty"`
	Friends    []ProfileRef      `json:"friends,omitempty"`
	CapturedAt time.Time         `json:"captured_at"`
}

// FriendIDs returns the ids of all referenced friends, skipping blanks and duplicates.
func (p Profile) FriendIDs() []string {
	seen := make(map[string]struct{}, len(p.Friends))
	ids := make([]string, 0, len(p.Friends))
	for _, f := range p.Friends {
		if f.ID == "" || f.ID == p.ID {
			continue
		}
		if _, ok := seen[f.ID]; ok {
			continue
		}
		seen[f.ID] = struct{}{}
		ids = append(ids, f.ID)
	}
	return ids
}

// IngestEvent is published after a capture has been processed.
type IngestEvent struct {
	EventID         string    `json:"event_id"`
	TargetID        string    `json:"target_id"`
	Language        string    `json:"language,omitempty"`
	FriendsFound    int       `json:"friends_found"`
	FriendsEnqueued int       `json:"friends_enqueued"`
	ProcessedAt     time.Time `json:"processed_at"`
}

// PartitionKey keeps events for one target on one partition.
func (e IngestEvent) PartitionKey() string {
	return e.TargetID
}

// ClientStatistics tracks activity of one remote fetch client, keyed by network origin.
type ClientStatistics struct {
	LastRequestAt time.Time `json:"last_request_at"`
	NumCompleted  int       `json:"num_completed"`
	NumFailed     int       `json:"num_failed"`
}

// ServerStatistics is the process-wide statistics snapshot served to clients.
type ServerStatistics struct {
	StartedAt        time.Time                   `json:"started_at"`
	PendingWorkCount int                         `json:"pending_work_count"`
	Frontier         StateCounts                 `json:"frontier"`
	Clients          map[string]ClientStatistics `json:"clients"`
}
