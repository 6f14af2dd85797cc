package scheduler

import (
	"container/list"
	"net"
	"net/url"
)

// Fetch is the network operation a Request gates. The scheduler reads its
// URL and flags, mutates its priority and resumes it once admitted.
type Fetch interface {
	URL() *url.URL
	Priority() Priority
	SetPriority(p Priority)
	// Synchronous fetches block their caller and are never delayed.
	Synchronous() bool
	// IgnoreLimits fetches bypass admission control entirely.
	IgnoreLimits() bool
	// Resume lets a deferred fetch proceed over the network.
	Resume()
	// Canceled reports whether the fetch has already failed or been aborted.
	Canceled() bool
}

type location int

const (
	locNone location = iota
	locPending
	locInFlight
	locUnowned
)

func (l location) String() string {
	switch l {
	case locPending:
		return "pending"
	case locInFlight:
		return "in_flight"
	case locUnowned:
		return "unowned"
	default:
		return "detached"
	}
}

// Request is the scheduler's handle on one fetch. It is created by
// ResourceScheduler.ScheduleRequest and must be released exactly once when
// the fetch completes or is canceled.
type Request struct {
	id        uint64
	clientID  ClientID
	fetch     Fetch
	scheduler *ResourceScheduler

	owner    *client
	loc      location
	ready    bool
	deferred bool
	released bool

	// queue bookkeeping, owned by RequestQueue
	queue    *RequestQueue
	elem     *list.Element
	queuedAt Priority

	// Accounting class and host, fixed when the request enters a client's
	// in-flight set. Later priority or host-property changes do not move it
	// between classes.
	kind      requestKind
	countHost string
}

func (r *Request) ID() uint64 { return r.id }

func (r *Request) ClientID() ClientID { return r.clientID }

func (r *Request) Fetch() Fetch { return r.fetch }

func (r *Request) Priority() Priority { return r.fetch.Priority() }

// Ready reports whether the scheduler has admitted the request.
func (r *Request) Ready() bool { return r.ready }

// Deferred reports whether the fetch is held waiting for admission.
func (r *Request) Deferred() bool { return r.deferred }

func (r *Request) Released() bool { return r.released }

// Location names the container currently holding r: pending, in_flight,
// unowned or detached.
func (r *Request) Location() string { return r.loc.String() }

// WillStart is asked before the fetch goes out over the network. It returns
// true when the caller must hold off until Fetch.Resume is called.
func (r *Request) WillStart() (deferred bool) {
	r.deferred = !r.ready
	return r.deferred
}

// Release forgets the request wherever the scheduler currently holds it.
// Releasing twice is a no-op.
func (r *Request) Release() {
	if r.released {
		return
	}
	r.released = true
	r.scheduler.RemoveRequest(r)
}

func (r *Request) start() {
	r.ready = true
	if r.deferred && !r.fetch.Canceled() {
		r.deferred = false
		r.fetch.Resume()
	}
}

// host is the per-host accounting key.
func (r *Request) host() string {
	if u := r.fetch.URL(); u != nil {
		return u.Hostname()
	}
	return ""
}

// hostPort is the key for multiplexing lookups.
func (r *Request) hostPort() string {
	return HostPort(r.fetch.URL())
}

// HostPort returns u's host with the scheme's default port filled in.
func HostPort(u *url.URL) string {
	if u == nil {
		return ""
	}
	if port := u.Port(); port != "" {
		return u.Host
	}
	switch u.Scheme {
	case "https":
		return net.JoinHostPort(u.Hostname(), "443")
	case "http":
		return net.JoinHostPort(u.Hostname(), "80")
	}
	return u.Host
}

func (r *Request) isHTTP() bool {
	u := r.fetch.URL()
	return u != nil && (u.Scheme == "http" || u.Scheme == "https")
}
