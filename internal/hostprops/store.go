package hostprops

import (
	"net"
	"sort"
	"strings"
	"sync"
	"time"
)

// Protocol names a multiplexing transport a host has negotiated.
type Protocol string

const (
	ProtocolHTTP2 Protocol = "h2"
	ProtocolHTTP3 Protocol = "h3"
)

// Record is what the store knows about one host:port.
type Record struct {
	HostPort   string    `json:"host_port"`
	Protocol   Protocol  `json:"protocol"`
	Source     string    `json:"source"`
	ObservedAt time.Time `json:"observed_at"`
}

// Store remembers which hosts speak a multiplexing transport. It is safe for
// concurrent use and satisfies scheduler.ServerProperties.
type Store struct {
	mu    sync.RWMutex
	hosts map[string]Record
	now   func() time.Time
}

func NewStore() *Store {
	return &Store{
		hosts: make(map[string]Record),
		now:   time.Now,
	}
}

// SetMultiplexed records that hostPort negotiated protocol. source is free
// text describing where the knowledge came from (config, response, probe).
func (s *Store) SetMultiplexed(hostPort string, protocol Protocol, source string) {
	key := normalize(hostPort)
	if key == "" {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.hosts[key] = Record{
		HostPort:   key,
		Protocol:   protocol,
		Source:     source,
		ObservedAt: s.now(),
	}
}

// Forget drops whatever is known about hostPort.
func (s *Store) Forget(hostPort string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.hosts, normalize(hostPort))
}

// Protocol returns the recorded transport for hostPort.
func (s *Store) Protocol(hostPort string) (Protocol, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rec, ok := s.hosts[normalize(hostPort)]
	return rec.Protocol, ok
}

func (s *Store) SupportsMultiplexing(hostPort string) bool {
	_, ok := s.Protocol(hostPort)
	return ok
}

// Hosts returns all records sorted by host:port.
func (s *Store) Hosts() []Record {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]Record, 0, len(s.hosts))
	for _, rec := range s.hosts {
		out = append(out, rec)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].HostPort < out[j].HostPort })
	return out
}

// ObserveResponse learns from a completed HTTP exchange with hostPort: an
// HTTP/2 or HTTP/3 response marks the host directly, and an Alt-Svc header
// advertising h3 on the same port marks it as well.
func (s *Store) ObserveResponse(hostPort string, protoMajor int, altSvc string) {
	switch {
	case protoMajor >= 3:
		s.SetMultiplexed(hostPort, ProtocolHTTP3, "response")
		return
	case protoMajor == 2:
		s.SetMultiplexed(hostPort, ProtocolHTTP2, "response")
		return
	}
	if advertisesH3(hostPort, altSvc) {
		s.SetMultiplexed(hostPort, ProtocolHTTP3, "alt-svc")
	}
}

// advertisesH3 parses an Alt-Svc value such as `h3=":443"; ma=86400,
// h3-29=":443"` and reports whether h3 is offered on hostPort's port.
func advertisesH3(hostPort, altSvc string) bool {
	if altSvc == "" || strings.EqualFold(strings.TrimSpace(altSvc), "clear") {
		return false
	}
	_, port, err := net.SplitHostPort(hostPort)
	if err != nil {
		return false
	}
	for _, entry := range strings.Split(altSvc, ",") {
		alt, _, _ := strings.Cut(entry, ";")
		proto, authority, ok := strings.Cut(strings.TrimSpace(alt), "=")
		if !ok || proto != string(ProtocolHTTP3) {
			continue
		}
		authority = strings.Trim(strings.TrimSpace(authority), `"`)
		host, altPort, err := net.SplitHostPort(authority)
		if err != nil {
			continue
		}
		if host == "" && altPort == port {
			return true
		}
	}
	return false
}

func normalize(hostPort string) string {
	return strings.ToLower(strings.TrimSpace(hostPort))
}
