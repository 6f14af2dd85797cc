package quicprobe

import (
	"context"
	"crypto/tls"
	"fmt"
	"log/slog"
	"net"
	"time"

	"github.com/quic-go/quic-go"
	"golang.org/x/sync/errgroup"

	"github.com/sheerbytes/resched/internal/hostprops"
)

// ALPNHTTP3 is the Application-Layer Protocol Negotiation identifier for HTTP/3.
const ALPNHTTP3 = "h3"

const (
	defaultTimeout     = 3 * time.Second
	defaultConcurrency = 8
)

// ClientConfig returns the TLS configuration used to probe serverName.
// insecure skips certificate verification and is meant for tests and lab
// hosts with self-signed certificates.
func ClientConfig(serverName string, insecure bool) *tls.Config {
	return &tls.Config{
		ServerName:         serverName,
		InsecureSkipVerify: insecure,
		NextProtos:         []string{ALPNHTTP3},
	}
}

// DefaultQUICConfig returns the QUIC config for short-lived probes.
func DefaultQUICConfig(timeout time.Duration) *quic.Config {
	return &quic.Config{
		HandshakeIdleTimeout: timeout,
		MaxIdleTimeout:       timeout,
	}
}

// Probe performs a QUIC handshake with hostPort and returns the negotiated
// ALPN protocol.
func Probe(ctx context.Context, hostPort string, insecure bool, logger *slog.Logger) (string, error) {
	host, _, err := net.SplitHostPort(hostPort)
	if err != nil {
		return "", fmt.Errorf("parse host: %w", err)
	}
	timeout := defaultTimeout
	if deadline, ok := ctx.Deadline(); ok {
		timeout = time.Until(deadline)
	}

	logger.Debug("QUIC probe starting", "host", hostPort)
	conn, err := quic.DialAddr(ctx, hostPort, ClientConfig(host, insecure), DefaultQUICConfig(timeout))
	if err != nil {
		logger.Debug("QUIC probe failed", "host", hostPort, "error", err)
		return "", fmt.Errorf("dial %s: %w", hostPort, err)
	}
	defer conn.CloseWithError(0, "probe done")

	proto := conn.ConnectionState().TLS.NegotiatedProtocol
	logger.Info("QUIC probe succeeded", "host", hostPort, "alpn", proto)
	return proto, nil
}

// Prober checks a set of hosts for HTTP/3 support and records the ones that
// answer in a host properties store.
type Prober struct {
	Store       *hostprops.Store
	Logger      *slog.Logger
	Timeout     time.Duration
	Concurrency int
	Insecure    bool
}

// ProbeAll probes hosts concurrently. Unreachable hosts are logged and
// skipped; the returned count is the number of hosts recorded.
func (p *Prober) ProbeAll(ctx context.Context, hosts []string) (int, error) {
	logger := p.Logger
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	timeout := p.Timeout
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	limit := p.Concurrency
	if limit < 1 {
		limit = defaultConcurrency
	}

	results := make([]bool, len(hosts))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(limit)
	for i, hostPort := range hosts {
		g.Go(func() error {
			probeCtx, cancel := context.WithTimeout(gctx, timeout)
			defer cancel()
			proto, err := Probe(probeCtx, hostPort, p.Insecure, logger)
			if err != nil {
				if ctx.Err() != nil {
					return ctx.Err()
				}
				logger.Warn("host does not answer HTTP/3", "host", hostPort, "error", err)
				return nil
			}
			if proto != ALPNHTTP3 {
				return nil
			}
			p.Store.SetMultiplexed(hostPort, hostprops.ProtocolHTTP3, "probe")
			results[i] = true
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return 0, fmt.Errorf("probe hosts: %w", err)
	}

	recorded := 0
	for _, ok := range results {
		if ok {
			recorded++
		}
	}
	return recorded, nil
}
