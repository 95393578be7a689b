// Command paxosd runs a standalone cluster node from flags. Its workload
// callback simply echoes whatever it is given — a real embedder links
// pkg/server directly and supplies its own workload_fn; this binary exists so the node-runner half of the stack can be exercised
// and administered without writing Go.
package main

import (
	"context"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	adminGRPC "github.com/paxosrun/paxosd/pkg/admin/grpc"
	adminHTTP "github.com/paxosrun/paxosd/pkg/admin/httpjson"
	"github.com/paxosrun/paxosd/pkg/admin"
	"github.com/paxosrun/paxosd/pkg/bootstrap"
	"github.com/paxosrun/paxosd/pkg/consensus"
	"github.com/paxosrun/paxosd/pkg/security/tlsconfig"
)

func main() {
	if err := newRoot().Execute(); err != nil {
		log.Fatal(err)
	}
}

func newRoot() *cobra.Command {
	root := &cobra.Command{
		Use:           "paxosd",
		Short:         "paxosd cluster node",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.AddCommand(newRunCmd())
	return root
}

func newRunCmd() *cobra.Command {
	var (
		bindHost, seedsCSV, discoveryKind, dnsNames, filePath, fileEnv string
		adminAddr, adminProto                                         string
		bindPort, dnsPort                                             int
		maxFrame                                                      uint32
		handshakeTimeout, healthCheckInterval, requestTimeout         time.Duration
		discRefresh                                                   time.Duration
		majorityPolicy, compareResponses, traceEnable                 bool
		tlsEnable, tlsSkipVerify                                      bool
		tlsCA, tlsCert, tlsKey, tlsServerName                         string
	)

	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run a paxosd node",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := signalContext()
			defer cancel()

			policy := consensus.PolicyUnanimous
			if majorityPolicy {
				policy = consensus.PolicyMajority
			}

			cfg := bootstrap.Config{
				BindHost:            bindHost,
				BindPort:            bindPort,
				WorkloadFn:          echoWorkload,
				DiscoveryKind:       discoveryKind,
				SeedsCSV:            seedsCSV,
				DNSNamesCSV:         dnsNames,
				DNSPort:             dnsPort,
				DiscRefresh:         discRefresh,
				FilePath:            filePath,
				FileEnv:             fileEnv,
				HandshakeTimeout:    handshakeTimeout,
				HealthCheckInterval: healthCheckInterval,
				RequestTimeout:      requestTimeout,
				MaxFrameSize:        maxFrame,
				AcceptancePolicy:    policy,
				CompareResponses:    compareResponses,
				AdminAddr:           adminAddr,
				AdminProto:          adminProto,
				TLSEnable:           tlsEnable,
				TLSCA:               tlsCA,
				TLSCert:             tlsCert,
				TLSKey:              tlsKey,
				TLSServerName:       tlsServerName,
				TLSSkipVerify:       tlsSkipVerify,
				TracingEnable:       traceEnable,
				Logger:              log.Default(),
			}

			s, shutdown, err := bootstrap.Run(ctx, cfg)
			if err != nil {
				return err
			}
			if shutdown != nil {
				defer func() { _ = shutdown(context.Background()) }()
			}

			if adminAddr != "" {
				statusFn := admin.BuildStatusFunc(s.Quorum())
				topts := tlsconfig.Options{
					Enable: tlsEnable, CAFile: tlsCA, CertFile: tlsCert, KeyFile: tlsKey,
					InsecureSkipVerify: tlsSkipVerify, ServerName: tlsServerName,
				}
				srvTLS, err := topts.ServerHotReload()
				if err != nil {
					return fmt.Errorf("paxosd: admin tls: %w", err)
				}
				switch adminProto {
				case "grpc":
					as := adminGRPC.NewServer(adminAddr)
					if srvTLS != nil {
						as.UseTLS(srvTLS)
					}
					if err := as.Start(ctx, statusFn); err != nil {
						return fmt.Errorf("paxosd: admin grpc: %w", err)
					}
				default:
					as := adminHTTP.NewServer(adminAddr, log.Default())
					if srvTLS != nil {
						as.UseTLS(srvTLS)
					}
					if err := as.Start(ctx, statusFn); err != nil {
						return fmt.Errorf("paxosd: admin http: %w", err)
					}
				}
			}

			fmt.Println("paxosd running. Press Ctrl+C to exit.")
			<-ctx.Done()
			return nil
		},
	}

	cmd.Flags().StringVar(&bindHost, "bind-host", "127.0.0.1", "bind host")
	cmd.Flags().IntVar(&bindPort, "bind-port", 1337, "bind port")
	cmd.Flags().StringVar(&seedsCSV, "peers", "", "comma-separated peer endpoints (host:port) — used by discovery=static")
	cmd.Flags().StringVar(&discoveryKind, "discovery", "static", "discovery backend: static|dns|file")
	cmd.Flags().StringVar(&dnsNames, "dns-names", "", "comma-separated DNS names or SRV records")
	cmd.Flags().IntVar(&dnsPort, "dns-port", 1337, "port used for A/AAAA lookups")
	cmd.Flags().DurationVar(&discRefresh, "disc-refresh", 5*time.Second, "discovery refresh/cache duration")
	cmd.Flags().StringVar(&filePath, "file-path", "", "path or glob to a file with peer seeds")
	cmd.Flags().StringVar(&fileEnv, "file-env", "", "ENV var name containing CSV peer seeds")
	cmd.Flags().DurationVar(&handshakeTimeout, "handshake-timeout", 3000*time.Millisecond, "handshake dial/response timeout")
	cmd.Flags().DurationVar(&healthCheckInterval, "health-check-interval", 1000*time.Millisecond, "health-check tick interval")
	cmd.Flags().DurationVar(&requestTimeout, "request-timeout", 3000*time.Millisecond, "per-peer prepare/accept round trip timeout")
	cmd.Flags().Uint32Var(&maxFrame, "max-frame-size", 0, "max wire frame size in bytes (0 = default)")
	cmd.Flags().BoolVar(&majorityPolicy, "majority-policy", false, "accept proposals on simple majority instead of unanimous ack")
	cmd.Flags().BoolVar(&compareResponses, "compare-responses", false, "fail a proposal if peer responses diverge instead of forwarding the last one")
	cmd.Flags().StringVar(&adminAddr, "admin-addr", "", "admin/status bind address (empty disables the admin surface)")
	cmd.Flags().StringVar(&adminProto, "admin-proto", "http", "admin surface protocol: http|grpc")
	cmd.Flags().BoolVar(&traceEnable, "trace", false, "enable OpenTelemetry stdout tracing (dev)")
	cmd.Flags().BoolVar(&tlsEnable, "tls-enable", false, "enable TLS for the admin surface")
	cmd.Flags().StringVar(&tlsCA, "tls-ca", "", "path to CA cert (PEM)")
	cmd.Flags().StringVar(&tlsCert, "tls-cert", "", "path to admin surface certificate (PEM)")
	cmd.Flags().StringVar(&tlsKey, "tls-key", "", "path to admin surface private key (PEM)")
	cmd.Flags().BoolVar(&tlsSkipVerify, "tls-skip-verify", false, "skip admin surface cert verification (DEV ONLY)")
	cmd.Flags().StringVar(&tlsServerName, "tls-server-name", "", "expected admin surface server name")
	return cmd
}

func echoWorkload(in []byte) []byte {
	out := make([]byte, len(in))
	copy(out, in)
	return out
}

func signalContext() (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		ch := make(chan os.Signal, 1)
		signal.Notify(ch, syscall.SIGINT, syscall.SIGTERM)
		<-ch
		cancel()
	}()
	return ctx, cancel
}
