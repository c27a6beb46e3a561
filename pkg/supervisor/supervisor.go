// Package supervisor implements the multi-car supervisor (spec §4.10): it
// runs a fixed set of carserver.Server instances, one per car, over
// independent tasks. The cars are built by the caller (cmd/external-server's
// buildCars gives each its own event queue, checkers, adapter, and module
// hosts) and handed to New.
//
// Grounded on the teacher's pkg/controlcenter/server.go for the
// fan-out/join shape, generalized from "one control-center server" to "N
// independent car servers" using golang.org/x/sync/errgroup (already an
// indirect dependency of the teacher's go.mod) in place of a hand-rolled
// sync.WaitGroup.
package supervisor

import (
	"context"
	"crypto/tls"
	"fmt"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/wheelos/fleet-bridge/pkg/carserver"
	"github.com/wheelos/fleet-bridge/pkg/mqttadapter"
)

// Car bundles one car's server with the adapter backing it, so TLSSet can
// reach into the transport layer without the supervisor knowing
// mqttadapter internals beyond its Config.
type Car struct {
	Name    string
	Server  *carserver.Server
	Adapter *mqttadapter.Adapter
}

// Supervisor owns a fixed set of cars, started and stopped together.
type Supervisor struct {
	logger *zap.Logger
	cars   []*Car
	group  *errgroup.Group
}

// New creates a Supervisor over the given cars.
func New(logger *zap.Logger, cars []*Car) *Supervisor {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Supervisor{logger: logger, cars: cars}
}

// Start spawns one task per car running that car's Start. If waitForJoin is
// true, Start blocks until every car task returns (normally only after
// Stop); otherwise it returns immediately and the tasks run in the
// background.
func (sv *Supervisor) Start(waitForJoin bool) error {
	g, _ := errgroup.WithContext(context.Background())
	sv.group = g
	for _, c := range sv.cars {
		c := c
		g.Go(func() error {
			sv.logger.Info("starting car", zap.String("car", c.Name))
			c.Server.Start()
			return nil
		})
	}
	if waitForJoin {
		return g.Wait()
	}
	return nil
}

// Stop calls Stop on every car's server and joins their tasks, logging
// reason for the shutdown.
func (sv *Supervisor) Stop(reason string) error {
	sv.logger.Info("stopping supervisor", zap.String("reason", reason))
	for _, c := range sv.cars {
		c.Server.Stop()
	}
	if sv.group != nil {
		return sv.group.Wait()
	}
	return nil
}

// TLSSet fans out a single (ca, cert, key) TLS configuration to every car's
// adapter (spec §4.10: "a single tls_set(ca, cert, key) call fans out to
// each car's adapter"). Must be called before Start.
func (sv *Supervisor) TLSSet(cfg *tls.Config) error {
	for _, c := range sv.cars {
		if c.Adapter == nil {
			return fmt.Errorf("supervisor: car %q has no adapter to configure TLS on", c.Name)
		}
		c.Adapter.SetTLSConfig(cfg)
	}
	return nil
}
