package models

import (
	"fmt"
	"time"
)

// Status enumerates shout lifecycle states. The ordinal doubles as a
// priority: the status log is queried in descending priority order, so the
// highest-priority event for a shout is the authoritative one even when
// events arrive out of order.
type Status int

const (
	StatusNew Status = iota
	StatusShouting
	StatusError
	StatusFatal
	StatusSuccess
)

var statusNames = [...]string{
	StatusNew:      "new",
	StatusShouting: "shouting",
	StatusError:    "error",
	StatusFatal:    "fatal",
	StatusSuccess:  "success",
}

func (s Status) String() string {
	if s < StatusNew || s > StatusSuccess {
		return fmt.Sprintf("status(%d)", int(s))
	}
	return statusNames[s]
}

// Priority returns the rank used by LatestEvent queries.
func (s Status) Priority() int {
	return int(s)
}

// Terminal reports whether no further events are expected for the shout.
func (s Status) Terminal() bool {
	return s == StatusFatal || s == StatusSuccess
}

// ParseStatus maps a wire name ("new", "shouting", ...) back to a Status.
func ParseStatus(name string) (Status, error) {
	for i, n := range statusNames {
		if n == name {
			return Status(i), nil
		}
	}
	return 0, fmt.Errorf("unknown status %q", name)
}

// Event is one immutable row of the shout status log. Rows are only ever
// inserted or purged by age, never updated.
type Event struct {
	Key       string    `json:"key"`
	Status    Status    `json:"status"`
	Timestamp time.Time `json:"timestamp"`
	Error     string    `json:"error,omitempty"`  // set for error/fatal
	Result    string    `json:"result,omitempty"` // set for success
	Host      string    `json:"host,omitempty"`   // reporting machine, debugging only
}

// CombineIDs joins the secret browser id and the browser-chosen shout id
// into the single opaque key the status log is indexed by.
func CombineIDs(browserID, shoutID string) string {
	return browserID + "-" + shoutID
}

// Link is one entry of the REST action menu returned to clients: where to
// send the next request and the token that must ride in its payload.
type Link struct {
	Target string `json:"target"`
	Method string `json:"method"`
	Token  string `json:"token"`
}
