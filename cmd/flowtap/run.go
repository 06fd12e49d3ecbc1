package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"

	"github.com/flowtap/flowtap/capture"
	"github.com/flowtap/flowtap/config"
	"github.com/flowtap/flowtap/conntrack"
	"github.com/flowtap/flowtap/filter"
	"github.com/flowtap/flowtap/ingress"
	"github.com/flowtap/flowtap/metrics"
	"github.com/flowtap/flowtap/printer"
	"github.com/flowtap/flowtap/protocols"
	protodns "github.com/flowtap/flowtap/protocols/dns"
	protohttp "github.com/flowtap/flowtap/protocols/http"
	protoquic "github.com/flowtap/flowtap/protocols/quic"
	protossh "github.com/flowtap/flowtap/protocols/ssh"
	prototls "github.com/flowtap/flowtap/protocols/tls"
	"github.com/flowtap/flowtap/subscription"
	"github.com/flowtap/flowtap/util"
)

// coreAssignment binds one core to the engine it polls.
type coreAssignment struct {
	coreID int
	engine capture.RXEngine
}

func newProtocolRegistry() *protocols.Registry {
	r := protocols.NewRegistry()
	r.Register(prototls.NewParser().Protocol(), prototls.Factory)
	r.Register(protodns.NewParser().Protocol(), protodns.Factory)
	r.Register(protohttp.NewParser().Protocol(), protohttp.Factory)
	r.Register(protoquic.NewParser().Protocol(), protoquic.Factory)
	r.Register(protossh.NewParser().Protocol(), protossh.Factory)
	return r
}

// openAssignments opens the capture engine(s) the config calls for and
// maps them onto cores. Online config may assign several cores to one
// port; in that case the port's single receive queue is fanned out with
// an ingress.ShardedEngine standing in for hardware RSS.
func openAssignments(ctx context.Context, cfg *config.Config) ([]coreAssignment, []capture.RXEngine, error) {
	if cfg.Offline != nil {
		engine, err := capture.OpenOffline(cfg.Offline.Pcap, "")
		if err != nil {
			return nil, nil, errors.Wrapf(err, "flowtap: failed to open pcap %s", cfg.Offline.Pcap)
		}
		return []coreAssignment{{coreID: int(cfg.MainCore), engine: engine}}, []capture.RXEngine{engine}, nil
	}

	var assignments []coreAssignment
	var closers []capture.RXEngine
	for _, port := range cfg.Online.Ports {
		engine, err := capture.OpenLive(port.Device, "")
		if err != nil {
			return nil, closers, errors.Wrapf(err, "flowtap: failed to open interface %s", port.Device)
		}
		closers = append(closers, engine)

		if len(port.Cores) == 1 {
			assignments = append(assignments, coreAssignment{coreID: port.Cores[0], engine: engine})
			continue
		}

		shard := ingress.NewShardedEngine(engine, len(port.Cores))
		go func(device string) {
			if err := shard.Run(ctx, 64); err != nil {
				printer.Stderr.Errorln(errors.Wrapf(err, "flowtap: port %s shard reader", device))
			}
		}(port.Device)
		for i, core := range port.Cores {
			assignments = append(assignments, coreAssignment{coreID: core, engine: shard.Shard(i)})
		}
	}
	return assignments, closers, nil
}

func runFlowtap(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return util.ExitError{ExitCode: 2, Err: err}
	}

	compiled, err := filter.Compile(filterExpr, filter.StagePacket)
	if err != nil {
		return util.ExitError{ExitCode: 2, Err: errors.Wrapf(err, "flowtap: failed to compile filter %q", filterExpr)}
	}

	subs := subscription.NewRegistry()
	if err := subs.Register(&subscription.Subscription{
		Filter: filterExpr,
		Level:  subscription.Connection,
		Callback: func(v interface{}) error {
			printer.V(6).Infoln("delivered connection:", v)
			return nil
		},
	}); err != nil {
		return util.ExitError{ExitCode: 2, Err: errors.Wrapf(err, "flowtap: failed to register delivery subscription")}
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()
	if cfg.Online != nil && cfg.Online.DurationS > 0 {
		var runCancel context.CancelFunc
		ctx, runCancel = context.WithTimeout(ctx, time.Duration(cfg.Online.DurationS)*time.Second)
		defer runCancel()
	}

	assignments, closers, err := openAssignments(ctx, cfg)
	if err != nil {
		return util.ExitError{ExitCode: 3, Err: err}
	}
	defer func() {
		for _, c := range closers {
			_ = c.Close()
		}
	}()
	if err := compiled.ApplyFlowRules(ingress.NoopFlowRuleInstaller{}); err != nil {
		return util.ExitError{ExitCode: 3, Err: err}
	}

	coreIDs := make([]int, len(assignments))
	for i, a := range assignments {
		coreIDs[i] = a.coreID
	}
	metricsRegistry := metrics.NewRegistry(coreIDs)

	stopMetricsServer := startMetricsServer(metricsRegistry)
	defer stopMetricsServer()

	trackerCfg := conntrack.Config{
		MaxConnections:    int(cfg.Conntrack.MaxConnections),
		MaxOutOfOrder:     int(cfg.Conntrack.MaxOutOfOrder),
		TCPInactivity:     cfg.Conntrack.TCPInactivity(),
		UDPInactivity:     cfg.Conntrack.UDPInactivity(),
		TimeoutResolution: cfg.Conntrack.TimeoutResolution(),
	}

	errCh := make(chan error, len(assignments))
	trackers := make([]*conntrack.Tracker, 0, len(assignments))
	for _, a := range assignments {
		registry := newProtocolRegistry()
		tracker := conntrack.NewTracker(trackerCfg, registry, compiled, func(*conntrack.Entry) {})
		tracker.UseSubscriptions(subs)
		trackers = append(trackers, tracker)
		worker := &ingress.Worker{
			CoreID:  a.coreID,
			RX:      a.engine,
			Tracker: tracker,
			Metrics: metricsRegistry.Core(a.coreID),
		}
		go func() { errCh <- worker.Run(ctx) }()
	}

	monitor := &ingress.Monitor{
		Interval: pollInterval(cfg),
		Display:  true,
		Metrics:  metricsRegistry,
		CSV:      openCSVDump(csvPath),
	}
	monitor.Run(ctx, cancel)

	for range assignments {
		if werr := <-errCh; werr != nil {
			printer.Stderr.Errorln(errors.Wrap(werr, "flowtap: worker stopped"))
		}
	}
	// Every worker has returned; drain each table so in-flight
	// connections get their final delivery.
	for _, tracker := range trackers {
		tracker.Drain()
	}
	return nil
}

func pollInterval(cfg *config.Config) time.Duration {
	if cfg.Online != nil && cfg.Online.Monitor != nil && cfg.Online.Monitor.PollIntervalMS > 0 {
		return time.Duration(cfg.Online.Monitor.PollIntervalMS) * time.Millisecond
	}
	return time.Second
}

func openCSVDump(path string) *metrics.CSVDump {
	if path == "" {
		return nil
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		printer.Stderr.Errorln(errors.Wrapf(err, "flowtap: failed to open stats csv %s, continuing without it", path))
		return nil
	}
	return metrics.NewCSVDump(f)
}

func startMetricsServer(registry *metrics.Registry) func() {
	if metricsAddr == "" {
		return func() {}
	}
	prometheus.MustRegister(registry)
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	server := &http.Server{Addr: metricsAddr, Handler: mux}
	go func() {
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			printer.Stderr.Errorln(errors.Wrap(err, "flowtap: metrics server"))
		}
	}()
	return func() { _ = server.Close() }
}
