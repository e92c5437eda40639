package app

import (
	"context"
	"fmt"
	"log/slog"
	"os"

	kitlog "github.com/go-kit/log"
	"github.com/grafana/dskit/modules"
	"github.com/grafana/dskit/server"
	"github.com/grafana/dskit/services"
	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/rix-audio/relaynode/modules/archiver"
	"github.com/rix-audio/relaynode/modules/relay"
	"github.com/rix-audio/relaynode/pkg/clientsubsystem"
)

const (
	Server string = "server"

	Relay string = "relay"

	Clients string = "clients"

	Archiver string = "archiver"

	All string = "all"
)

func (a *App) setupModuleManager() error {
	mm := modules.NewManager(kitlog.NewLogfmtLogger(os.Stderr))
	mm.RegisterModule(Server, a.initServer, modules.UserInvisibleModule)

	mm.RegisterModule(Relay, a.initRelay)
	mm.RegisterModule(Clients, a.initClients)
	mm.RegisterModule(Archiver, a.initArchiver)

	mm.RegisterModule(All, nil)

	deps := map[string][]string{
		// Server:       nil,
		Relay:    {Server},
		Clients:  {Server, Relay},
		Archiver: {Relay},

		All: {Clients, Archiver},
	}

	for mod, targets := range deps {
		if err := mm.AddDependency(mod, targets...); err != nil {
			return err
		}
	}

	a.ModuleManager = mm

	return nil
}

func (a *App) initRelay() (services.Service, error) {
	a.metrics = relay.NewMetrics(prometheus.DefaultRegisterer)

	r, err := relay.New(a.cfg.Relay, a.logger, a.registry, a.metrics)
	if err != nil {
		return nil, errors.Wrap(err, "unable to init relay")
	}
	a.relay = r

	return r, nil
}

// initClients wires the listener-facing handler onto the server's HTTP
// router: every path not claimed by the server's own endpoints is treated
// as a mountpoint request.
func (a *App) initClients() (services.Service, error) {
	maxListeners := func(mount string) int {
		for _, mc := range a.cfg.Relay.Mounts {
			if mc.Mount == mount {
				return mc.MaxListeners
			}
		}
		return 0
	}

	h := clientsubsystem.New(&a.logger, a.registry, a.relay.Slaves(), a.metrics, maxListeners, a.relay.Rescan)
	a.Server.HTTP.PathPrefix("/").Handler(h)

	return services.NewIdleService(nil, nil), nil
}

func (a *App) initArchiver() (services.Service, error) {
	if a.cfg.Archiver.Mount == "" && a.cfg.Archiver.URL == "" {
		return nil, nil
	}

	ar, err := archiver.New(a.cfg.Archiver, a.logger, a.registry)
	if err != nil {
		return nil, errors.Wrap(err, "unable to init archiver")
	}

	return ar, nil
}

func (a *App) initServer() (services.Service, error) {
	a.cfg.Server.MetricsNamespace = metricsNamespace
	a.cfg.Server.ExcludeRequestInLog = true
	a.cfg.Server.RegisterInstrumentation = true
	a.cfg.Server.Log = kitlog.NewLogfmtLogger(os.Stderr)

	server, err := server.New(a.cfg.Server)
	if err != nil {
		return nil, errors.Wrap(err, "failed to create server")
	}

	servicesToWaitFor := func() []services.Service {
		svs := []services.Service(nil)
		for m, s := range a.serviceMap {
			// Server should not wait for itself.
			if m != Server {
				svs = append(svs, s)
			}
		}

		return svs
	}

	a.Server = server

	serverDone := make(chan error, 1)

	runFn := func(ctx context.Context) error {
		go func() {
			defer close(serverDone)
			serverDone <- server.Run()
		}()

		select {
		case <-ctx.Done():
			return nil
		case err := <-serverDone:
			if err != nil {
				return err
			}

			return fmt.Errorf("server stopped unexpectedly")
		}
	}

	stoppingFn := func(_ error) error {
		// wait until all modules are done, and then shutdown server.
		for _, s := range servicesToWaitFor() {
			_ = s.AwaitTerminated(context.Background())
		}

		// shutdown HTTP and gRPC servers (this also unblocks Run)
		server.Shutdown()

		// if not closed yet, wait until server stops.
		<-serverDone
		slog.Info("server stopped")
		return nil
	}

	return services.NewBasicService(nil, runFn, stoppingFn), nil
}
