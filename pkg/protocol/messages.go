package protocol

// Hello is sent once a renderer connects and carries the child ID the
// daemon assigned to it.
type Hello struct {
	ChildID int32 `json:"child_id"`
}

// Error represents an error message in the protocol.
type Error struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// Route names one client (tab or frame tree) of the sending renderer. It is
// the payload of client_created, client_deleted, navigate and
// will_insert_body.
type Route struct {
	RouteID int32 `json:"route_id"`
}

// Fetch asks the daemon to load url on behalf of a route. Priority is a
// level name such as "lowest" or "highest".
type Fetch struct {
	RequestID    string `json:"request_id"`
	RouteID      int32  `json:"route_id"`
	URL          string `json:"url"`
	Priority     string `json:"priority"`
	Sync         bool   `json:"sync,omitempty"`
	IgnoreLimits bool   `json:"ignore_limits,omitempty"`
}

// Reprioritize changes the priority of an outstanding fetch.
type Reprioritize struct {
	RequestID string `json:"request_id"`
	Priority  string `json:"priority"`
}

// Cancel aborts an outstanding fetch.
type Cancel struct {
	RequestID string `json:"request_id"`
}

// FetchStarted reports that the scheduler admitted a fetch.
type FetchStarted struct {
	RequestID string `json:"request_id"`
	// Deferred is true when the fetch waited in the pending queue.
	Deferred bool `json:"deferred,omitempty"`
}

// FetchCompleted reports the outcome of a fetch. Error is set when the
// fetch failed or was canceled; the other fields are then zero.
type FetchCompleted struct {
	RequestID  string `json:"request_id"`
	Status     int    `json:"status,omitempty"`
	Proto      string `json:"proto,omitempty"`
	Bytes      int64  `json:"bytes,omitempty"`
	DurationMS int64  `json:"duration_ms,omitempty"`
	Error      string `json:"error,omitempty"`
}
