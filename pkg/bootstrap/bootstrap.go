// Package bootstrap assembles a runnable server.Server from a flat Config,
// the way the teacher's pkg/bootstrap assembles a cluster.Cluster: resolve
// peer discovery, wire observability, and hand the result to the caller to
// Start.
package bootstrap

import (
	"context"
	"fmt"
	"log"
	"time"

	"github.com/paxosrun/paxosd/pkg/consensus"
	"github.com/paxosrun/paxosd/pkg/discovery"
	dDNS "github.com/paxosrun/paxosd/pkg/discovery/dns"
	dFile "github.com/paxosrun/paxosd/pkg/discovery/file"
	dStatic "github.com/paxosrun/paxosd/pkg/discovery/static"
	"github.com/paxosrun/paxosd/pkg/observability/metrics"
	"github.com/paxosrun/paxosd/pkg/observability/tracing"
	"github.com/paxosrun/paxosd/pkg/server"
)

// Config defines the high-level inputs to assemble a paxosd node with
// sensible defaults. Applications embed the node by providing this
// structure and calling Build or Run.
type Config struct {
	// Identity and bind address.
	BindHost string
	BindPort int

	// WorkloadFn is the deterministic callback every accepted client
	// request is run through, on the leader and on every follower. Required.
	WorkloadFn func([]byte) []byte

	// Peer discovery settings. Exactly one of SeedsCSV, DNSNamesCSV, or
	// FilePath/FileEnv is consulted, selected by DiscoveryKind.
	DiscoveryKind string // "static" (default), "dns", or "file"
	SeedsCSV      string
	DNSNamesCSV   string
	DNSPort       int
	DiscRefresh   time.Duration
	FilePath      string
	FileEnv       string

	// Timeouts and frame limits, passed through to server.Options.
	HandshakeTimeout    time.Duration
	HealthCheckInterval time.Duration
	RequestTimeout      time.Duration
	MaxFrameSize        uint32
	AcceptancePolicy    consensus.AcceptancePolicy
	CompareResponses    bool

	// Admin/status surface, consumed by cmd/paxosd, not by Build itself.
	AdminAddr  string
	AdminProto string // "http" (default) or "grpc"

	// TLS for the admin surface only; the Paxos wire protocol is always
	// plaintext TCP per spec.
	TLSEnable     bool
	TLSCA         string
	TLSCert       string
	TLSKey        string
	TLSServerName string
	TLSSkipVerify bool

	// TracingEnable turns on the stdout span exporter wrapping each
	// consensus phase and handshake step.
	TracingEnable bool

	Logger *log.Logger
}

// Validate performs non-network-touching sanity checks.
func (c Config) Validate() error {
	if c.WorkloadFn == nil {
		return fmt.Errorf("bootstrap: nil WorkloadFn")
	}
	if c.BindPort <= 0 {
		return fmt.Errorf("bootstrap: invalid BindPort %d", c.BindPort)
	}
	return nil
}

func (c Config) resolveDiscovery() discovery.Discovery {
	switch c.DiscoveryKind {
	case "dns":
		names := dStatic.Parse(c.DNSNamesCSV)
		opts := dDNS.Options{Names: names, Port: c.DNSPort}
		if c.DiscRefresh > 0 {
			opts.Refresh = c.DiscRefresh
		}
		return dDNS.New(opts)
	case "file":
		opts := dFile.Options{Path: c.FilePath, Env: c.FileEnv}
		if c.DiscRefresh > 0 {
			opts.Refresh = c.DiscRefresh
		}
		return dFile.New(opts)
	default:
		return dStatic.New(dStatic.Parse(c.SeedsCSV)...)
	}
}

// Build assembles a server.Server from cfg without starting it. Peer
// endpoints resolved through discovery are fed through Add before the
// caller calls Start; discovery only supplies the set of endpoints, all
// handshake and liveness tracking remains entirely pkg/handshake's domain.
func Build(cfg Config) (*server.Server, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	logger := cfg.Logger
	if logger == nil {
		logger = log.Default()
	}

	metrics.Register()

	s, err := server.NewServer(cfg.BindHost, cfg.BindPort, cfg.WorkloadFn, server.Options{
		HandshakeTimeout:    cfg.HandshakeTimeout,
		HealthCheckInterval: cfg.HealthCheckInterval,
		RequestTimeout:      cfg.RequestTimeout,
		MaxFrameSize:        cfg.MaxFrameSize,
		AcceptancePolicy:    cfg.AcceptancePolicy,
		CompareResponses:    cfg.CompareResponses,
		Logger:              logger,
	})
	if err != nil {
		return nil, err
	}

	disc := cfg.resolveDiscovery()
	selfEndpoint := fmt.Sprintf("%s:%d", cfg.BindHost, cfg.BindPort)
	for _, ep := range disc.Seeds() {
		if ep == selfEndpoint {
			continue
		}
		host, port, err := splitHostPort(ep)
		if err != nil {
			logger.Printf("bootstrap: skipping malformed seed %q: %v", ep, err)
			continue
		}
		if err := s.Add(host, port); err != nil {
			logger.Printf("bootstrap: skipping seed %q: %v", ep, err)
		}
	}

	return s, nil
}

// Run builds and starts a node, returning it for lifecycle control. The
// caller is responsible for cancelling ctx (or otherwise stopping the node)
// when finished; Run also sets up tracing if requested and returns its
// shutdown func alongside the node.
func Run(ctx context.Context, cfg Config) (*server.Server, func(context.Context) error, error) {
	shutdown, err := tracing.Setup(cfg.TracingEnable)
	if err != nil {
		return nil, nil, err
	}
	s, err := Build(cfg)
	if err != nil {
		return nil, shutdown, err
	}
	if err := s.Start(ctx); err != nil {
		return nil, shutdown, err
	}
	return s, shutdown, nil
}

func splitHostPort(ep string) (string, int, error) {
	for i := len(ep) - 1; i >= 0; i-- {
		if ep[i] == ':' {
			port := 0
			for _, r := range ep[i+1:] {
				if r < '0' || r > '9' {
					return "", 0, fmt.Errorf("non-numeric port in %q", ep)
				}
				port = port*10 + int(r-'0')
			}
			return ep[:i], port, nil
		}
	}
	return "", 0, fmt.Errorf("no colon in %q", ep)
}
