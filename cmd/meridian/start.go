// Meridian - Distributed Multi-Agent Runtime
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/meridian

package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/tomtom215/meridian/internal/api"
	"github.com/tomtom215/meridian/internal/breaker"
	"github.com/tomtom215/meridian/internal/config"
	"github.com/tomtom215/meridian/internal/coordinator"
	"github.com/tomtom215/meridian/internal/errbus"
	"github.com/tomtom215/meridian/internal/health"
	"github.com/tomtom215/meridian/internal/hub"
	"github.com/tomtom215/meridian/internal/logging"
	"github.com/tomtom215/meridian/internal/modelmanager"
	"github.com/tomtom215/meridian/internal/registry"
	"github.com/tomtom215/meridian/internal/router"
	"github.com/tomtom215/meridian/internal/supervisor"
	"github.com/tomtom215/meridian/internal/supervisor/services"
	"github.com/tomtom215/meridian/internal/topology"
	"github.com/tomtom215/meridian/internal/transport"
	"github.com/tomtom215/meridian/internal/vram"
)

func newStartCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "start [topology]",
		Short: "Start the runtime with the given topology",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			path, err := resolveTopologyPath(args)
			if err != nil {
				return err
			}
			return runStart(cmd.Context(), path)
		},
	}
}

// registryResolver adapts the in-process registry service to the router.
type registryResolver struct{ svc *registry.Service }

func (r registryResolver) Resolve(_ context.Context, name string) (registry.Entry, error) {
	return r.svc.Resolve(name)
}

// registryDirectory adapts the registry service to the coordinator.
type registryDirectory struct{ svc *registry.Service }

func (d registryDirectory) Resolve(name string) (registry.Entry, error) { return d.svc.Resolve(name) }
func (d registryDirectory) List(f registry.Filter) ([]registry.Entry, error) {
	return d.svc.List(f)
}

// peerRole returns the other node's role name.
func peerRole(role string) string {
	if role == config.RolePrimary {
		return config.RoleSecondary
	}
	return config.RolePrimary
}

//nolint:gocyclo // assembly of the whole runtime is inherently sequential
func runStart(ctx context.Context, topologyPath string) error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}
	logging.Init(logging.Config{
		Level:  cfg.Logging.Level,
		Format: cfg.Logging.Format,
		Caller: cfg.Logging.Caller,
	})

	doc, err := topology.LoadFile(topologyPath)
	if err != nil {
		return err
	}
	logging.Info().Str("topology", topologyPath).Int("agents", len(doc.Agents)).
		Str("node", cfg.Network.NodeRole).Msg("topology loaded")

	// Fabric: embedded broker on the primary, TCP client either way.
	natsURL := cfg.Network.NATSURL
	var embedded *transport.EmbeddedServer
	if cfg.Network.EmbeddedNATS {
		embedded, err = transport.NewEmbeddedServer(transport.DefaultServerConfig(cfg.Network.NATSStoreDir))
		if err != nil {
			return err
		}
		natsURL = embedded.ClientURL()
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()
			_ = embedded.Shutdown(shutdownCtx)
		}()
		logging.Info().Str("url", natsURL).Msg("embedded NATS server started")
	}

	tr, err := transport.NewNATS(transport.DefaultNATSConfig(natsURL))
	if err != nil {
		return err
	}
	defer tr.Close()

	// Registry with its configured backend.
	var store registry.Store
	if cfg.Registry.Backend == "badger" {
		badgerStore, err := registry.NewBadgerStore(cfg.Registry.Path)
		if err != nil {
			return err
		}
		store = badgerStore
	} else {
		store = registry.NewMemoryStore()
	}
	defer store.Close()

	regSvc := registry.NewService(store, registry.Config{
		HeartbeatTTL:   cfg.Registry.HeartbeatTTL,
		RetainDuration: cfg.Registry.RetainDuration,
	})
	regServer, err := registry.NewServer(tr, regSvc)
	if err != nil {
		return err
	}
	defer regServer.Close()

	breakers := breaker.NewRegistry(breaker.DefaultConfig())
	bus := errbus.New(tr, "supervisor-"+cfg.Network.NodeRole)
	prober := health.NewProber(health.Config{
		ProbeInterval: cfg.Health.ProbeInterval,
		ProbeTimeout:  cfg.Health.ProbeTimeout,
		SoftThreshold: cfg.Health.SoftThreshold,
		HardThreshold: cfg.Health.HardThreshold,
	}, tr, breakers)

	// Model manager with every serving backend wired.
	acct := vram.New(cfg.VRAM.BudgetMB)
	mgr := modelmanager.New(modelmanager.Config{
		LoadTimeout: cfg.Models.LoadTimeout,
		UnloadGrace: cfg.Models.UnloadGrace,
		IdleTimeout: cfg.Models.IdleTimeout,
	}, acct, bus)
	mgr.RegisterBackend(modelmanager.NewInprocBackend(nil))
	mgr.RegisterBackend(modelmanager.NewSubprocessBackend(11500))
	mgr.RegisterBackend(modelmanager.NewHTTPBackend())
	if cfg.Network.PeerHost != "" {
		mgr.RegisterBackend(modelmanager.NewRemoteBackend(
			tr, modelmanager.PeerSubject(peerRole(cfg.Network.NodeRole)), cfg.Network.NodeRole))
	}
	for _, ms := range cfg.Models.Specs {
		err := mgr.AddModel(modelmanager.ModelSpec{
			ModelID:         ms.ModelID,
			ServingMethod:   ms.ServingMethod,
			EstimatedVRAMMB: ms.EstimatedVRAMMB,
			Priority:        ms.Priority,
			Params:          ms.Params,
			Command:         ms.Command,
			URL:             ms.URL,
		})
		if err != nil {
			return err
		}
	}

	usageLog, err := modelmanager.OpenUsageLog(cfg.Models.UsageLogPath, cfg.Preload.Window)
	if err != nil {
		return err
	}
	defer usageLog.Close()
	mgr.SetUsageRecorder(usageLog)
	preloader := modelmanager.NewPreloader(modelmanager.PreloadConfig{
		TopK:            cfg.Preload.TopK,
		Window:          cfg.Preload.Window,
		Interval:        cfg.Preload.Interval,
		FrequencyWeight: cfg.Preload.FrequencyWeight,
		RecencyWeight:   cfg.Preload.RecencyWeight,
	}, mgr, usageLog)

	mmServer, err := modelmanager.NewServer(tr, mgr, cfg.Network.NodeRole)
	if err != nil {
		return err
	}
	defer mmServer.Close()

	rtr, err := router.New(tr, registryResolver{regSvc}, cfg.Network.NodeRole)
	if err != nil {
		return err
	}
	defer rtr.Close()

	coord := coordinator.New(coordinator.Config{
		QueueCapacity: cfg.Coordinator.QueueCapacity,
		Workers:       cfg.Coordinator.Workers,
	}, registryDirectory{regSvc}, rtr, breakers)

	peer := ""
	if cfg.Network.PeerHost != "" {
		peer = peerRole(cfg.Network.NodeRole)
	}
	h := hub.New(hub.Config{
		LocalHost: cfg.Network.NodeRole,
		PeerHost:  peer,
	}, tr, acct)

	sup := supervisor.New(supervisor.Config{
		NodeRole:        cfg.Network.NodeRole,
		StartGrace:      cfg.Health.StartPeriod(),
		ShutdownGrace:   cfg.Supervisor.ShutdownGrace,
		RestartInitial:  cfg.Supervisor.RestartInitial,
		RestartCap:      cfg.Supervisor.RestartCap,
		RestartAttempts: cfg.Supervisor.RestartAttempts,
		FailFast:        cfg.Supervisor.FailFast,
	}, doc, supervisor.ExecRunner{}, regSvc, prober, bus)

	// The supervisor answers its own health probes.
	responder, err := health.NewResponder(tr, "supervisor-"+cfg.Network.NodeRole, nil)
	if err != nil {
		return err
	}
	defer responder.Close()

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	ctrl, err := supervisor.NewControlServer(tr, sup, prober, cancel)
	if err != nil {
		return err
	}
	defer ctrl.Close()

	apiServer := api.New(api.Config{
		Host:  cfg.Server.Host,
		Port:  cfg.Server.Port,
		Token: cfg.Server.Token,
	}, api.Sources{Supervisor: sup, Models: mgr, VRAM: acct, Hub: h})

	// Supervision tree: fabric servers, control loops, then the agents.
	tree := supervisor.NewTree(logging.NewSlogLogger(), supervisor.DefaultTreeConfig())
	tree.AddFabricService(services.NewHTTPServerService(apiServer.HTTPServer(), 10*time.Second))
	tree.AddFabricService(services.NewRunnerService("observability-hub", h.Run))
	tree.AddControlService(services.NewRunnerService("health-prober", prober.Run))
	tree.AddControlService(services.NewRunnerService("registry-janitor", regSvc.Janitor))
	tree.AddControlService(services.NewRunnerService("request-coordinator", coord.Run))
	tree.AddControlService(services.NewRunnerService("model-idle-sweeper", mgr.RunIdleSweeper))
	tree.AddControlService(services.NewRunnerService("agent-heartbeats", func(ctx context.Context) error {
		return sup.RunHeartbeats(ctx, cfg.Registry.HeartbeatTTL/3)
	}))
	if cfg.Preload.Enabled {
		tree.AddControlService(services.NewRunnerService("model-preloader", preloader.Run))
	}

	treeErr := tree.ServeBackground(runCtx)

	// Launch the topology in the foreground so start failures map to the
	// documented exit codes.
	if err := sup.StartAll(runCtx); err != nil {
		cancel()
		<-treeErr
		return err
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-sigCh:
		logging.Info().Str("signal", sig.String()).Msg("shutdown signal received")
	case <-sup.ShutdownRequested():
		logging.Error().Msg("fail_fast shutdown requested")
	case <-runCtx.Done():
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 60*time.Second)
	defer shutdownCancel()
	if err := sup.Shutdown(shutdownCtx); err != nil {
		logging.Err(err).Msg("agent shutdown incomplete")
	}
	cancel()
	if err := <-treeErr; err != nil && err != context.Canceled {
		logging.Err(err).Msg("supervision tree exited with error")
	}
	fmt.Println("meridian stopped")
	return nil
}
