// Command broker runs one rank of the Flux-style TBON overlay: its router,
// module host, local client socket, and (optionally) its overlay listener
// and parent link. Grounded on the teacher's cmd/warren/main.go structure
// (cobra root + "start" subcommand, persistent log flags, signal-driven
// shutdown), trimmed to this repository's own collaborators.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/flux-framework/flux-broker-core/internal/attrs"
	"github.com/flux-framework/flux-broker-core/internal/config"
	"github.com/flux-framework/flux-broker-core/internal/log"
	"github.com/flux-framework/flux-broker-core/internal/message"
	"github.com/flux-framework/flux-broker-core/internal/metrics"
	"github.com/flux-framework/flux-broker-core/internal/modhost"
	"github.com/flux-framework/flux-broker-core/internal/router"
	"github.com/flux-framework/flux-broker-core/internal/security"
	"github.com/flux-framework/flux-broker-core/internal/transport"
	"github.com/spf13/cobra"
)

var (
	Version = "dev"
	Commit  = "unknown"
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:     "broker",
	Short:   "Per-node Flux broker: router, module host, and TBON overlay link",
	Version: Version,
}

func init() {
	rootCmd.SetVersionTemplate(fmt.Sprintf("broker version %s (%s)\n", Version, Commit))
	rootCmd.AddCommand(startCmd)

	f := startCmd.Flags()
	f.String("log-level", "info", "log level (debug, info, warn, error)")
	f.Bool("log-json", false, "output logs in JSON")
	f.Uint32("rank", 0, "this node's TBON rank")
	f.Uint32("size", 1, "cluster size (total rank count)")
	f.String("config", "", "path to the broker's TOML config file (empty disables config-reload)")
	f.String("attrs-db", "broker-attrs.db", "path to the attribute store's bbolt file")
	f.String("local-socket", "/tmp/flux-broker.sock", "path to the local client UNIX domain socket")
	f.String("overlay-listen", "", "address to accept child/sibling overlay connections on (empty disables)")
	f.String("parent-addr", "", "this rank's TBON parent address (empty for rank 0, the root)")
	f.Bool("overlay-tls", false, "require mTLS on overlay connections")
	f.String("metrics-addr", "127.0.0.1:9090", "address for the /metrics and /healthz HTTP endpoints")
	f.Int("hello-hwm", 64, "hello collective high-water mark before an early flush")
	f.Duration("hello-timeout", 2*time.Second, "hello collective flush timeout")
}

var startCmd = &cobra.Command{
	Use:   "start",
	Short: "Start this rank's broker",
	RunE:  runStart,
}

func runStart(cmd *cobra.Command, args []string) error {
	f := cmd.Flags()
	logLevel, _ := f.GetString("log-level")
	logJSON, _ := f.GetBool("log-json")
	log.Init(log.Config{Level: log.Level(logLevel), JSONOutput: logJSON})

	rank, _ := f.GetUint32("rank")
	size, _ := f.GetUint32("size")
	configPath, _ := f.GetString("config")
	attrsDBPath, _ := f.GetString("attrs-db")
	localSocket, _ := f.GetString("local-socket")
	overlayListen, _ := f.GetString("overlay-listen")
	parentAddr, _ := f.GetString("parent-addr")
	overlayTLS, _ := f.GetBool("overlay-tls")
	metricsAddr, _ := f.GetString("metrics-addr")
	helloHWM, _ := f.GetInt("hello-hwm")
	helloTimeout, _ := f.GetDuration("hello-timeout")

	rankLog := log.WithRank(rank)

	attrStore, err := attrs.Open(attrsDBPath)
	if err != nil {
		return fmt.Errorf("open attribute store: %w", err)
	}
	defer attrStore.Close()

	var confSource *config.Source
	if configPath != "" {
		confSource = config.NewSource(configPath)
		if err := confSource.Load(); err != nil {
			return fmt.Errorf("load config: %w", err)
		}
	}

	var ca *security.CA
	if overlayTLS {
		ca, err = security.NewCA(fmt.Sprintf("flux-broker-rank-%d", rank))
		if err != nil {
			return fmt.Errorf("create overlay CA: %w", err)
		}
	}

	bootstrap, err := wireUpstream(wireUpstreamArgs{
		rank:       rank,
		parentAddr: parentAddr,
		ca:         ca,
	})
	if err != nil {
		return err
	}

	r := router.NewRouter(bootstrap.upstream)
	bootstrap.bindRouter(r)

	host := modhost.NewHost(r,
		func() map[string]string {
			snap, err := attrStore.All()
			if err != nil {
				rankLog.Error().Err(err).Msg("attribute snapshot failed")
				return nil
			}
			return snap
		},
		func() json.RawMessage {
			if confSource == nil {
				return nil
			}
			return confSource.Snapshot()
		},
	)

	registerHello(r, helloRegistration{
		size:     size,
		rank:     rank,
		hwm:      helloHWM,
		timeout:  helloTimeout,
		upstream: bootstrap.helloUpstream,
	})
	rankLog.Info().Uint32("rank", rank).Uint32("size", size).Msg("hello collective registered")

	registerConfig(r, configRegistration{source: confSource, host: host})
	rankLog.Info().Msg("config service registered")

	if overlayListen != "" {
		ln, err := transport.ListenOverlay(overlayListen, bootstrap.serverTLSConfig)
		if err != nil {
			return fmt.Errorf("listen overlay %s: %w", overlayListen, err)
		}
		defer ln.Close()
		go serveOverlayChildren(ln, r)
		rankLog.Info().Str("addr", ln.Addr().String()).Msg("overlay listener started")
	}

	localLn, err := transport.ListenLocal(localSocket)
	if err != nil {
		return fmt.Errorf("listen local socket %s: %w", localSocket, err)
	}
	defer localLn.Close()
	go serveLocalClients(localLn, r)
	rankLog.Info().Str("path", localSocket).Msg("local client socket started")

	metrics.RegisterComponent("router", true, "serving")
	metrics.RegisterComponent("modhost", true, fmt.Sprintf("%d modules loaded", len(host.Names())))

	metricsServer := &http.Server{Addr: metricsAddr, Handler: metricsMux()}
	go func() {
		if err := metricsServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			rankLog.Error().Err(err).Msg("metrics server error")
		}
	}()
	rankLog.Info().Str("addr", metricsAddr).Msg("metrics endpoint started")

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	<-sigCh
	rankLog.Info().Msg("shutting down")

	r.Mute()
	for _, name := range host.Names() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		_ = host.Unload(ctx, name, 2*time.Second)
		cancel()
	}
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	_ = metricsServer.Shutdown(shutdownCtx)
	cancel()
	return nil
}

func metricsMux() *http.ServeMux {
	mux := http.NewServeMux()
	mux.Handle("/metrics", metrics.Handler())
	mux.Handle("/healthz", metrics.HealthHandler())
	return mux
}

func serveOverlayChildren(ln *transport.OverlayListener, r *router.Router) {
	componentLog := log.WithComponent("overlay-listener")
	_ = ln.Serve(func(conn *transport.Conn) {
		uuid := router.NewUUID()
		entry, err := r.AddEntry(uuid, func(msg *message.Message) error {
			return conn.Send(msg)
		})
		if err != nil {
			componentLog.Error().Err(err).Msg("add overlay child entry failed")
			return
		}
		defer entry.Delete()
		for {
			msg, err := conn.Recv()
			if err != nil {
				return
			}
			entry.Recv(msg)
		}
	})
}

func serveLocalClients(ln *transport.LocalListener, r *router.Router) {
	componentLog := log.WithComponent("local-listener")
	_ = ln.Serve(func(conn *transport.Conn) {
		uuid := router.NewUUID()
		entry, err := r.AddEntry(uuid, func(msg *message.Message) error {
			return conn.Send(msg)
		})
		if err != nil {
			componentLog.Error().Err(err).Msg("add local client entry failed")
			return
		}
		defer entry.Delete()
		for {
			msg, err := conn.Recv()
			if err != nil {
				return
			}
			entry.Recv(msg)
		}
	})
}
