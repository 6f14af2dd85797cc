package scheduler

import (
	"fmt"
	"log/slog"
	"sort"
)

// ServerProperties answers whether a host:port is known, from earlier
// protocol negotiation, to speak a multiplexing transport.
type ServerProperties interface {
	SupportsMultiplexing(hostPort string) bool
}

// Policy configures admission limits for delayable requests.
type Policy struct {
	// MaxDelayablePerClient caps delayable requests in flight per client.
	MaxDelayablePerClient int
	// MaxDelayablePerHost caps delayable requests in flight per client and host.
	MaxDelayablePerHost int
	// DelayableThreshold is the lowest priority that is never delayed. The
	// zero value selects DefaultDelayableThreshold.
	DelayableThreshold Priority
}

const (
	DefaultMaxDelayablePerClient = 10
	DefaultMaxDelayablePerHost   = 6
	DefaultDelayableThreshold    = Low
)

// DefaultPolicy returns the 10 per client / 6 per host policy.
func DefaultPolicy() Policy {
	return Policy{
		MaxDelayablePerClient: DefaultMaxDelayablePerClient,
		MaxDelayablePerHost:   DefaultMaxDelayablePerHost,
		DelayableThreshold:    DefaultDelayableThreshold,
	}
}

func (p Policy) withDefaults() Policy {
	if p.MaxDelayablePerClient < 1 {
		p.MaxDelayablePerClient = DefaultMaxDelayablePerClient
	}
	if p.MaxDelayablePerHost < 1 {
		p.MaxDelayablePerHost = DefaultMaxDelayablePerHost
	}
	if p.MaxDelayablePerHost > p.MaxDelayablePerClient {
		p.MaxDelayablePerHost = p.MaxDelayablePerClient
	}
	if !p.DelayableThreshold.Valid() || p.DelayableThreshold == MinimumPriority {
		p.DelayableThreshold = DefaultDelayableThreshold
	}
	return p
}

type startDecision int

const (
	startRequest startDecision = iota
	doNotStartKeepSearching
	doNotStartStopSearching
)

func (d startDecision) String() string {
	switch d {
	case startRequest:
		return "start"
	case doNotStartKeepSearching:
		return "keep_searching"
	default:
		return "stop_searching"
	}
}

// Option configures a ResourceScheduler.
type Option func(*ResourceScheduler)

func WithPolicy(p Policy) Option {
	return func(s *ResourceScheduler) { s.policy = p.withDefaults() }
}

func WithLogger(logger *slog.Logger) Option {
	return func(s *ResourceScheduler) {
		if logger != nil {
			s.logger = logger
		}
	}
}

// WithSequenceCheck installs a hook run on every public entry point. The
// hook is expected to panic when the call is not sequenced with the owner,
// for example ioloop.Loop.AssertOnLoop.
func WithSequenceCheck(check func()) Option {
	return func(s *ResourceScheduler) { s.checkSequence = check }
}

// ResourceScheduler decides, per client, which fetches may go out now and
// which wait. It is not safe for concurrent use: drive it from a single
// goroutine (see package ioloop).
type ResourceScheduler struct {
	props         ServerProperties
	policy        Policy
	logger        *slog.Logger
	checkSequence func()

	clients map[ClientID]*client
	unowned map[*Request]struct{}
	nextID  uint64
}

// New creates a scheduler. props may be nil, in which case no host is
// treated as multiplexed.
func New(props ServerProperties, opts ...Option) *ResourceScheduler {
	s := &ResourceScheduler{
		props:   props,
		policy:  DefaultPolicy(),
		logger:  slog.New(slog.DiscardHandler),
		clients: make(map[ClientID]*client),
		unowned: make(map[*Request]struct{}),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *ResourceScheduler) Policy() Policy { return s.policy }

func (s *ResourceScheduler) onSequence() {
	if s.checkSequence != nil {
		s.checkSequence()
	}
}

// ScheduleRequest wraps fetch in a Request for the given client. Requests
// for clients that are not registered are tracked as unowned and start
// immediately.
func (s *ResourceScheduler) ScheduleRequest(id ClientID, fetch Fetch) *Request {
	s.onSequence()
	if fetch.IgnoreLimits() && fetch.Priority() != MaximumPriority {
		panic(fmt.Errorf("limit-exempt fetch %s scheduled at %s, want %s", fetch.URL(), fetch.Priority(), MaximumPriority))
	}
	s.nextID++
	r := &Request{
		id:        s.nextID,
		clientID:  id,
		fetch:     fetch,
		scheduler: s,
	}

	c, ok := s.clients[id]
	if !ok {
		// Pings carry no route, and a tab may close while its fetch signal
		// is still in transit.
		s.unowned[r] = struct{}{}
		r.loc = locUnowned
		s.logger.Debug("unowned request started", "request", r.id, "client", id, "url", fetch.URL())
		r.start()
		return r
	}

	if d := s.shouldStartRequest(r, c); d == startRequest {
		s.startRequest(c, r)
	} else {
		c.pending.Insert(r, fetch.Priority())
		r.owner = c
		r.loc = locPending
		s.logger.Debug("request queued", "request", r.id, "client", id, "priority", fetch.Priority(), "reason", d)
	}
	return r
}

// OnClientCreated registers an empty client. Registering the same identity
// twice panics.
func (s *ResourceScheduler) OnClientCreated(id ClientID) {
	s.onSequence()
	if _, ok := s.clients[id]; ok {
		panic(fmt.Errorf("client %s already registered", id))
	}
	s.clients[id] = newClient(id)
}

// OnClientDeleted forgets the client. Its in-flight requests move to the
// unowned set so their release is still tracked; its pending requests are
// detached and never start.
func (s *ResourceScheduler) OnClientDeleted(id ClientID) {
	s.onSequence()
	c, ok := s.clients[id]
	if !ok {
		s.logger.Debug("delete for unknown client", "client", id)
		return
	}
	for r := range c.inFlight {
		s.unowned[r] = struct{}{}
		r.loc = locUnowned
		r.owner = nil
	}
	clear(c.inFlight)
	for r := c.pending.FirstMax(); r != nil; r = c.pending.FirstMax() {
		c.pending.Erase(r)
		r.loc = locNone
		r.owner = nil
	}
	delete(s.clients, id)
}

// OnNavigate marks the start of a new top-level navigation.
func (s *ResourceScheduler) OnNavigate(id ClientID) {
	s.onSequence()
	c, ok := s.clients[id]
	if !ok {
		s.logger.Debug("navigate for unknown client", "client", id)
		return
	}
	c.hasBody = false
}

// OnWillInsertBody records that the client's page body is about to be
// inserted, which lifts the one-delayable-at-a-time limit.
func (s *ResourceScheduler) OnWillInsertBody(id ClientID) {
	s.onSequence()
	c, ok := s.clients[id]
	if !ok {
		s.logger.Debug("body insertion for unknown client", "client", id)
		return
	}
	c.hasBody = true
	s.loadAnyStartablePendingRequests(c)
}

// RemoveRequest forgets r. Freeing an in-flight slot re-evaluates the
// owning client's pending queue. Use Request.Release rather than calling
// this directly.
func (s *ResourceScheduler) RemoveRequest(r *Request) {
	s.onSequence()
	switch r.loc {
	case locUnowned:
		delete(s.unowned, r)
	case locPending:
		r.owner.pending.Erase(r)
	case locInFlight:
		c := r.owner
		delete(c.inFlight, r)
		r.loc = locNone
		r.owner = nil
		if s.clients[c.id] == c {
			s.loadAnyStartablePendingRequests(c)
		}
		return
	default:
		return
	}
	r.loc = locNone
	r.owner = nil
}

// ReprioritizeRequest changes r's priority. A request still waiting is
// re-queued at the back of its new level, and a raise re-evaluates the
// client's queue. A started request keeps the accounting class it was
// admitted with. Reprioritizing a limit-exempt request panics.
func (s *ResourceScheduler) ReprioritizeRequest(r *Request, p Priority) {
	s.onSequence()
	if r.fetch.IgnoreLimits() {
		panic(fmt.Errorf("request %d ignores limits and cannot be reprioritized", r.id))
	}
	if !p.Valid() {
		panic(fmt.Errorf("request %d reprioritized to invalid %s", r.id, p))
	}
	old := r.fetch.Priority()
	r.fetch.SetPriority(p)

	if r.loc != locPending {
		// Already started, unowned, or the client went away.
		return
	}
	c := r.owner
	c.pending.Erase(r)
	c.pending.Insert(r, p)
	if p > old {
		s.loadAnyStartablePendingRequests(c)
	}
}

// HasClient reports whether id is registered.
func (s *ResourceScheduler) HasClient(id ClientID) bool {
	s.onSequence()
	_, ok := s.clients[id]
	return ok
}

func (s *ResourceScheduler) startRequest(c *client, r *Request) {
	r.kind = s.classify(r)
	r.countHost = r.host()
	c.inFlight[r] = struct{}{}
	r.owner = c
	r.loc = locInFlight
	r.start()
}

func (s *ResourceScheduler) loadAnyStartablePendingRequests(c *client) {
	r := c.pending.FirstMax()
	for r != nil {
		switch s.shouldStartRequest(r, c) {
		case startRequest:
			c.pending.Erase(r)
			s.startRequest(c, r)
			// Starting may change what else is startable.
			r = c.pending.FirstMax()
		case doNotStartKeepSearching:
			r = c.pending.Next(r)
		default:
			return
		}
	}
}

type requestKind int

const (
	kindOther requestKind = iota
	kindDelayable
	kindImmediate
)

// classify sorts a request for in-flight accounting. The result is recorded
// on the request when it starts.
func (s *ResourceScheduler) classify(r *Request) requestKind {
	if r.fetch.IgnoreLimits() || r.fetch.Synchronous() || r.fetch.Priority() >= s.policy.DelayableThreshold {
		return kindImmediate
	}
	if !r.isHTTP() || s.multiplexed(r) {
		return kindOther
	}
	return kindDelayable
}

func (s *ResourceScheduler) multiplexed(r *Request) bool {
	return s.props != nil && s.props.SupportsMultiplexing(r.hostPort())
}

func (s *ResourceScheduler) shouldStartRequest(r *Request, c *client) startDecision {
	if r.fetch.IgnoreLimits() {
		return startRequest
	}
	if !r.isHTTP() {
		return startRequest
	}
	if r.fetch.Priority() >= s.policy.DelayableThreshold || r.fetch.Synchronous() {
		return startRequest
	}
	if s.multiplexed(r) {
		return startRequest
	}

	host := r.host()
	delayable, sameHost := 0, 0
	haveImmediate := false
	for f := range c.inFlight {
		switch f.kind {
		case kindDelayable:
			delayable++
			if f.countHost == host {
				sameHost++
			}
		case kindImmediate:
			haveImmediate = true
		}
	}

	if delayable >= s.policy.MaxDelayablePerClient {
		return doNotStartStopSearching
	}
	if sameHost >= s.policy.MaxDelayablePerHost {
		return doNotStartKeepSearching
	}
	// Before the body arrives, allow one delayable request at a time while
	// critical resources load.
	if haveImmediate && !c.hasBody && delayable > 0 {
		return doNotStartStopSearching
	}
	return startRequest
}

// ClientStats summarises one client.
type ClientStats struct {
	Client            ClientID `json:"client"`
	HasBody           bool     `json:"has_body"`
	Pending           int      `json:"pending"`
	InFlight          int      `json:"in_flight"`
	DelayableInFlight int      `json:"delayable_in_flight"`
}

// Stats is a point-in-time snapshot of the scheduler.
type Stats struct {
	Clients  []ClientStats `json:"clients"`
	Pending  int           `json:"pending"`
	InFlight int           `json:"in_flight"`
	Unowned  int           `json:"unowned"`
}

func (s *ResourceScheduler) Stats() Stats {
	s.onSequence()
	st := Stats{
		Clients: make([]ClientStats, 0, len(s.clients)),
		Unowned: len(s.unowned),
	}
	for id, c := range s.clients {
		cs := ClientStats{
			Client:   id,
			HasBody:  c.hasBody,
			Pending:  c.pending.Len(),
			InFlight: len(c.inFlight),
		}
		for r := range c.inFlight {
			if r.kind == kindDelayable {
				cs.DelayableInFlight++
			}
		}
		st.Pending += cs.Pending
		st.InFlight += cs.InFlight
		st.Clients = append(st.Clients, cs)
	}
	sort.Slice(st.Clients, func(i, j int) bool {
		a, b := st.Clients[i].Client, st.Clients[j].Client
		if a.ChildID != b.ChildID {
			return a.ChildID < b.ChildID
		}
		return a.RouteID < b.RouteID
	})
	return st
}
