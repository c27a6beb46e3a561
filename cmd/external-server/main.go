// Command external-server is the fleet-bridge daemon: it loads a YAML
// configuration document, brings up one carserver.Server + mqttadapter.Adapter
// pair per configured car under a single supervisor.Supervisor, and serves
// Prometheus metrics and an optional operator-console event stream alongside
// them.
//
// Usage:
//
//	external-server [flags] <config.yaml>
//
//	external-server -tls -ca ca.crt -cert server.crt -key server.key config.yaml
package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"sort"
	"strconv"
	"strings"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/wheelos/fleet-bridge/internal/audit"
	"github.com/wheelos/fleet-bridge/internal/config"
	"github.com/wheelos/fleet-bridge/internal/metrics"
	"github.com/wheelos/fleet-bridge/internal/opsstream"
	"github.com/wheelos/fleet-bridge/pkg/carserver"
	"github.com/wheelos/fleet-bridge/pkg/eventqueue"
	"github.com/wheelos/fleet-bridge/pkg/modulehost"
	"github.com/wheelos/fleet-bridge/pkg/mqttadapter"
	"github.com/wheelos/fleet-bridge/pkg/plugin"
	"github.com/wheelos/fleet-bridge/pkg/security"
	"github.com/wheelos/fleet-bridge/pkg/supervisor"
)

// defaultCarName is used when a configuration declares no per-car overrides
// at all -- the whole fleet is then a single car by this name.
const defaultCarName = "default"

// shutdownGrace bounds how long the metrics and ops-stream HTTP servers are
// given to drain in-flight requests on exit.
const shutdownGrace = 5 * time.Second

func main() {
	os.Exit(run())
}

func run() int {
	useTLS := flag.Bool("tls", false, "require mTLS on the MQTT connection")
	caFile := flag.String("ca", "", "path to CA certificate (required with -tls)")
	certFile := flag.String("cert", "", "path to this server's TLS certificate (required with -tls)")
	keyFile := flag.String("key", "", "path to this server's TLS private key (required with -tls)")
	metricsAddr := flag.String("metrics-addr", ":9090", "address to serve /metrics on")
	opsAddr := flag.String("ops-stream-addr", ":9091", "address to serve the operator-console event stream on (empty disables it)")
	printConfig := flag.Bool("print-config", false, "print the decoded configuration (after environment overrides) as YAML and exit")
	flag.Parse()

	if flag.NArg() != 1 {
		fmt.Fprintln(os.Stderr, "usage: external-server [flags] <config.yaml>")
		return 1
	}
	if *useTLS && (*caFile == "" || *certFile == "" || *keyFile == "") {
		fmt.Fprintln(os.Stderr, "external-server: -tls requires -ca, -cert, and -key")
		return 1
	}

	logger, err := zap.NewProduction()
	if err != nil {
		fmt.Fprintf(os.Stderr, "external-server: build logger: %v\n", err)
		return 1
	}
	defer logger.Sync()

	cfg, err := config.Load(flag.Arg(0))
	if err != nil {
		logger.Error("invalid configuration", zap.Error(err))
		return 1
	}

	if *printConfig {
		out, err := cfg.Dump()
		if err != nil {
			logger.Error("dump configuration", zap.Error(err))
			return 1
		}
		fmt.Print(string(out))
		return 0
	}

	ops := opsstream.NewHub(logger)

	var auditSink *audit.Sink
	if cfg.AuditDSN != "" {
		ctx, cancel := context.WithTimeout(context.Background(), shutdownGrace)
		auditSink, err = audit.Open(ctx, cfg.AuditDSN, logger)
		cancel()
		if err != nil {
			logger.Error("failed to open audit sink", zap.Error(err))
			return 1
		}
		defer auditSink.Close()
	}

	cars, hosts, err := buildCars(cfg, ops, auditSink, logger)
	if err != nil {
		logger.Error("failed to build car servers", zap.Error(err))
		return 1
	}
	defer closeHosts(hosts, logger)

	sv := supervisor.New(logger, cars)

	if *useTLS {
		if err := security.RequirePaths(*certFile, *keyFile, *caFile); err != nil {
			logger.Error("tls material missing", zap.Error(err))
			return 1
		}
		tlsCfg, err := security.ClientTLSConfig(*certFile, *keyFile, *caFile)
		if err != nil {
			logger.Error("build tls config", zap.Error(err))
			return 1
		}
		if err := sv.TLSSet(tlsCfg); err != nil {
			logger.Error("apply tls config", zap.Error(err))
			return 1
		}
	}

	stopMetrics := serveBackground(*metricsAddr, metrics.Handler(), "metrics", logger)
	defer stopMetrics()

	if *opsAddr != "" {
		stopOps := serveBackground(*opsAddr, ops, "ops-stream", logger)
		defer stopOps()
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	done := make(chan error, 1)
	go func() { done <- sv.Start(true) }()

	logger.Info("fleet-bridge started", zap.Int("cars", len(cars)))

	select {
	case <-ctx.Done():
	case err := <-done:
		if err != nil {
			logger.Error("supervisor exited unexpectedly", zap.Error(err))
		}
		return 1
	}

	if err := sv.Stop("signal received"); err != nil {
		logger.Error("supervisor stop", zap.Error(err))
	}
	logger.Info("fleet-bridge stopped")
	return 0
}

func serveBackground(addr string, handler http.Handler, name string, logger *zap.Logger) func() {
	srv := &http.Server{Addr: addr, Handler: handler}
	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("background http server failed", zap.String("server", name), zap.Error(err))
		}
	}()
	return func() {
		ctx, cancel := context.WithTimeout(context.Background(), shutdownGrace)
		defer cancel()
		_ = srv.Shutdown(ctx)
	}
}

// buildCars constructs one carserver.Server, its mqttadapter.Adapter, and
// its configured module hosts per car named in cfg.Cars (or a single
// defaultCarName car when no overrides are configured at all).
func buildCars(cfg *config.Config, ops *opsstream.Hub, auditSink *audit.Sink, logger *zap.Logger) ([]*supervisor.Car, []*modulehost.Host, error) {
	names := cfg.CarNames()
	sort.Strings(names)
	if len(names) == 0 {
		names = []string{defaultCarName}
	}

	var cars []*supervisor.Car
	var allHosts []*modulehost.Host
	for _, name := range names {
		cc := cfg.Resolve(name)

		events := eventqueue.New()
		adapter := mqttadapter.New(mqttadapter.Config{
			BrokerURL: fmt.Sprintf("tcp://%s:%d", cc.MqttAddress, cc.MqttPort),
			Company:   cfg.CompanyName,
			Car:       name,
		}, events)

		hostsByModule := map[uint32]*modulehost.Host{}
		srv := carserver.New(carserver.Config{
			Company:                     cfg.CompanyName,
			Car:                         name,
			SessionTimeout:              cc.MqttTimeout,
			StatusTimeout:               cc.Timeout,
			CommandTimeout:              cc.Timeout,
			MqttTimeout:                 cc.MqttTimeout,
			SleepAfterConnectionRefused: cc.SleepDurationAfterConnectionRefused,
			SendInvalidCommand:          cc.SendInvalidCommand,
			Transport:                   adapter,
			Modules:                     hostsByModule,
			Events:                      events,
			Logger:                      logger,
			Ops:                         ops,
			Audit:                       auditSink,
		})

		for moduleID, modCfg := range cc.Modules {
			h, err := buildModuleHost(moduleID, modCfg, cfg.CompanyName, name, events, srv.ModuleConnected, logger)
			if err != nil {
				return cars, allHosts, fmt.Errorf("car %s: %w", name, err)
			}
			h.Start()
			hostsByModule[moduleID] = h
			allHosts = append(allHosts, h)
		}

		cars = append(cars, &supervisor.Car{Name: name, Server: srv, Adapter: adapter})
	}
	return cars, allHosts, nil
}

func closeHosts(hosts []*modulehost.Host, logger *zap.Logger) {
	for _, h := range hosts {
		if err := h.Close(); err != nil {
			logger.Warn("module host close failed", zap.Uint32("module", h.ModuleID()), zap.Error(err))
		}
	}
}

// buildModuleHost constructs the plugin instance for one configured module.
// No cgo/FFI bridge into a native module library exists in this repo (see
// pkg/plugin.Fake's doc comment); lib_path is therefore not read -- every
// module is backed by an in-process plugin.Fake -- and "supported_types" in the
// module's config map (a comma-separated list of device type numbers)
// selects which device types the stand-in reports as supported.
func buildModuleHost(moduleID uint32, mod config.Module, company, car string, events *eventqueue.Queue, connected modulehost.ConnectedFunc, logger *zap.Logger) (*modulehost.Host, error) {
	types, err := parseSupportedTypes(mod.Config["supported_types"])
	if err != nil {
		return nil, fmt.Errorf("module %d: %w", moduleID, err)
	}
	p := plugin.NewFake(int32(moduleID), types...)

	entries := []plugin.ConfigEntry{
		{Key: "company_name", Value: []byte(company)},
		{Key: "car_name", Value: []byte(car)},
	}
	for k, v := range mod.Config {
		entries = append(entries, plugin.ConfigEntry{Key: k, Value: []byte(v)})
	}

	return modulehost.New(moduleID, p, entries, events, connected, logger)
}

func parseSupportedTypes(raw string) ([]uint32, error) {
	if strings.TrimSpace(raw) == "" {
		return nil, nil
	}
	parts := strings.Split(raw, ",")
	out := make([]uint32, 0, len(parts))
	for _, p := range parts {
		n, err := strconv.ParseUint(strings.TrimSpace(p), 10, 32)
		if err != nil {
			return nil, fmt.Errorf("supported_types %q: %w", raw, err)
		}
		out = append(out, uint32(n))
	}
	return out, nil
}
