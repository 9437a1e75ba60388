// Command node runs a simulated monitoring agent for one node, for exercising
// a coordinator without a real fleet.
//
// The agent is the node-side half of the zonekeeper protocol, responsible for:
//   - Pre-registering its node with the coordinator (optional)
//   - Opening an agent session by registering
//   - Applying the commands the coordinator posts to /control
//   - Acknowledging role assignments with a ready signal
//   - Reporting itself as aggregator after an election (optional)
//   - Answering the coordinator's health checks
//   - Unregistering on shutdown
//
// Architecture:
//
//	┌──────────────────────────────────────────┐
//	│                 Agent                    │
//	├──────────────────────────────────────────┤
//	│  HTTP API:                               │
//	│    /health   - Health check              │
//	│    /control  - Coordinator commands      │
//	│    /info     - Agent state               │
//	├──────────────────────────────────────────┤
//	│  Coordinator calls:                      │
//	│    /preregister /register /unregister    │
//	│    /ready /input                         │
//	└──────────────────────────────────────────┘
//
// Configuration (flags, falling back to the environment):
//   - --id / NODE_ID: session id (required)
//   - --listen / NODE_LISTEN: listen address (default ":8081")
//   - --addr / NODE_ADDR: public URL for the coordinator (default "http://127.0.0.1:8081")
//   - --ip / NODE_IP: node address (default: the host of --addr)
//   - --coordinator / COORDINATOR_ADDR: coordinator URL (required)
//   - --zone / NODE_ZONE: zone reported at pre-registration
//   - --broker-url / NODE_BROKER_URL: broker the node runs, if any
//
// Example usage:
//
//	node run --id node-1 --zone eu-1 --listen :8081 \
//	  --addr http://localhost:8081 --coordinator http://localhost:8080
package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/url"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/dreamware/zonekeeper/internal/cluster"
	"github.com/dreamware/zonekeeper/internal/logging"
)

var version = "dev"

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:          "node",
		Short:        "Simulated zonekeeper monitoring agent",
		Version:      version,
		SilenceUsage: true,
	}
	root.AddCommand(newRunCmd())
	return root
}

// runFlags holds the values of the run command's flags.
type runFlags struct {
	id, listen, addr, ip  string
	coordinator, zone     string
	brokerURL, logLevel   string
	preregister, reporter bool
}

// fromEnv fills the flags left unset on the command line from the
// environment.
func (f *runFlags) fromEnv(cmd *cobra.Command, lookup func(string) (string, bool)) {
	bind := func(flag, env string, dst *string) {
		if cmd.Flags().Changed(flag) {
			return
		}
		if v, ok := lookup(env); ok && v != "" {
			*dst = v
		}
	}
	bind("id", "NODE_ID", &f.id)
	bind("listen", "NODE_LISTEN", &f.listen)
	bind("addr", "NODE_ADDR", &f.addr)
	bind("ip", "NODE_IP", &f.ip)
	bind("coordinator", "COORDINATOR_ADDR", &f.coordinator)
	bind("zone", "NODE_ZONE", &f.zone)
	bind("broker-url", "NODE_BROKER_URL", &f.brokerURL)
}

// options validates the flags and turns them into agent options.
func (f *runFlags) options(logger *zap.Logger) (Options, error) {
	if f.id == "" {
		return Options{}, errors.New("missing node id (--id or NODE_ID)")
	}
	if f.coordinator == "" {
		return Options{}, errors.New("missing coordinator address (--coordinator or COORDINATOR_ADDR)")
	}
	ip := f.ip
	if ip == "" {
		u, err := url.Parse(f.addr)
		if err != nil || u.Hostname() == "" {
			return Options{}, fmt.Errorf("cannot derive the node address from %q", f.addr)
		}
		ip = u.Hostname()
	}
	return Options{
		Info: cluster.NodeInfo{
			ID:        f.id,
			Addr:      f.addr,
			IPAddress: ip,
			BrokerURL: f.brokerURL,
		},
		Coordinator:      f.coordinator,
		Zone:             f.zone,
		Preregister:      f.preregister,
		ReportAggregator: f.reporter,
		Logger:           logger,
	}, nil
}

func newRunCmd() *cobra.Command {
	f := &runFlags{}
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Register with a coordinator and serve its commands",
		RunE: func(cmd *cobra.Command, _ []string) error {
			f.fromEnv(cmd, os.LookupEnv)
			logger, err := logging.New(f.logLevel, "console")
			if err != nil {
				return err
			}
			defer func() { _ = logger.Sync() }()

			opts, err := f.options(logger)
			if err != nil {
				return err
			}
			ln, err := net.Listen("tcp", f.listen)
			if err != nil {
				return err
			}
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return run(ctx, NewAgent(opts), ln, logger)
		},
	}
	fl := cmd.Flags()
	fl.StringVar(&f.id, "id", "", "session id of the agent")
	fl.StringVar(&f.listen, "listen", ":8081", "listen address")
	fl.StringVar(&f.addr, "addr", "http://127.0.0.1:8081", "public URL the coordinator reaches the agent on")
	fl.StringVar(&f.ip, "ip", "", "node address; defaults to the host of --addr")
	fl.StringVar(&f.coordinator, "coordinator", "", "coordinator URL")
	fl.StringVar(&f.zone, "zone", "", "zone reported at pre-registration")
	fl.StringVar(&f.brokerURL, "broker-url", "", "URL of the broker the node runs")
	fl.StringVar(&f.logLevel, "log-level", "info", "log level")
	fl.BoolVar(&f.preregister, "preregister", true, "pre-register the node before registering")
	fl.BoolVar(&f.reporter, "report-aggregator", false, "report this agent as aggregator after an election")
	return cmd
}

// run serves the agent API on ln, registers, and unregisters once ctx is
// done. The listener is open before registering since the coordinator calls
// back during registration.
func run(ctx context.Context, a *Agent, ln net.Listener, logger *zap.Logger) error {
	srv := &http.Server{
		Handler:           a.Routes(),
		ReadHeaderTimeout: 5 * time.Second,
	}
	errc := make(chan error, 1)
	go func() {
		logger.Info("Agent listening", zap.String("listen", ln.Addr().String()), zap.String("public", a.opts.Info.Addr))
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errc <- err
		}
	}()

	err := join(ctx, a)
	if err == nil {
		select {
		case <-ctx.Done():
		case err = <-errc:
		}
		uctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		if uerr := a.Unregister(uctx); uerr != nil {
			logger.Warn("Unregister failed", zap.Error(uerr))
		}
		cancel()
	}

	sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_ = srv.Shutdown(sctx)
	a.Wait()
	logger.Info("Agent stopped")
	return err
}

func join(ctx context.Context, a *Agent) error {
	if a.opts.Preregister {
		if err := a.Preregister(ctx); err != nil {
			return fmt.Errorf("pre-register: %w", err)
		}
	}
	return a.Register(ctx)
}
