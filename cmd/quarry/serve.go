package main

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/quarrylabs/quarry/pkg/api"
	"github.com/quarrylabs/quarry/pkg/controlplane"
	"github.com/quarrylabs/quarry/pkg/driver"
	"github.com/quarrylabs/quarry/pkg/events"
	"github.com/quarrylabs/quarry/pkg/flow"
	"github.com/quarrylabs/quarry/pkg/image"
	"github.com/quarrylabs/quarry/pkg/keys"
	"github.com/quarrylabs/quarry/pkg/log"
	"github.com/quarrylabs/quarry/pkg/manager"
	"github.com/quarrylabs/quarry/pkg/quota"
	"github.com/quarrylabs/quarry/pkg/reconciler"
	"github.com/quarrylabs/quarry/pkg/scheduler"
	"github.com/quarrylabs/quarry/pkg/storage"
	"github.com/quarrylabs/quarry/pkg/types"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run a quarry node",
	Long: `Run a quarry node: the HTTP API, the placement scheduler, the
creation workflow workers, and the background reconciler.

Standalone mode keeps state in a local BoltDB file. Cluster mode
replicates every state change over Raft; point join_addr at any
existing member's API to join.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		configPath, _ := cmd.Flags().GetString("config")
		cfg, err := LoadServerConfig(configPath)
		if err != nil {
			return err
		}
		return serve(cfg)
	},
}

func init() {
	serveCmd.Flags().String("config", "", "Path to YAML configuration file")
}

func serve(cfg *ServerConfig) error {
	log.Init(log.Config{
		Level:      log.Level(cfg.Log.Level),
		JSONOutput: cfg.Log.JSON,
	})
	logger := log.WithComponent("serve")

	store, cluster, cleanup, err := openStore(cfg)
	if err != nil {
		return err
	}
	defer cleanup()

	drivers := driver.NewRegistry()
	local, err := driver.NewLocalDriver(cfg.Storage.BasePath)
	if err != nil {
		return fmt.Errorf("failed to init local driver: %v", err)
	}
	drivers.Register("local", local)

	broker := events.NewBroker()
	broker.Start()
	defer broker.Stop()
	go logEvents(broker.Subscribe())

	catalog := image.NewHTTPClient(
		cfg.Images.Endpoints,
		cfg.Images.Retries,
		time.Duration(cfg.Images.TimeoutSeconds)*time.Second,
	)

	ledger := quota.NewLedger(store, cfg.QuotaLimits())
	keyMgr := keys.NewMemoryManager()

	validator := flow.NewValidator(store, catalog, keyMgr, flow.ValidatorConfig{
		DefaultZone: cfg.Scheduler.DefaultZone,
		CloneSameAZ: cfg.Scheduler.CloneSameAZ,
	})
	fl := flow.New(store, ledger, drivers, catalog, keyMgr, broker, validator)

	// Scheduled creations run detached from the API request that started
	// them; the request context is long gone by the time a backend finishes.
	dispatch := scheduler.DispatchFunc(func(_ context.Context, host, volumeID string, req *types.VolumeRequest) {
		go func() {
			if err := fl.Run(context.Background(), volumeID, req); err != nil {
				logger.Error().Err(err).
					Str("volume_id", volumeID).
					Str("host", host).
					Msg("Volume creation failed")
			}
		}()
	})
	sched := scheduler.NewScheduler(store, dispatch, broker)
	fl.SetRescheduler(sched)

	mgr := manager.New(manager.Config{
		Store:     store,
		Ledger:    ledger,
		Drivers:   drivers,
		Broker:    broker,
		Keys:      keyMgr,
		Flow:      fl,
		Scheduler: sched,
	})

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if cfg.Host.Name != "" {
		if err := registerHost(store, cfg); err != nil {
			return err
		}
		if err := mgr.InitHost(ctx, cfg.Host.Name); err != nil {
			logger.Warn().Err(err).Str("host", cfg.Host.Name).Msg("Host init sweep failed")
		}
		go heartbeat(ctx, store, cfg.Host.Name, logger)
	}

	recon := reconciler.New(store, cfg.ReconcilerInterval())
	recon.Start()
	defer recon.Stop()

	srv := api.NewServer(store, mgr, cluster)
	logger.Info().
		Str("node_id", cfg.Node.ID).
		Bool("cluster", cfg.Node.Cluster).
		Msg("Node started")
	if err := srv.Serve(ctx, cfg.API.ListenAddr); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	logger.Info().Msg("Shutdown complete")
	return nil
}

// openStore builds the state store for the configured mode. In cluster mode
// the returned api.Cluster is the Raft node; standalone returns nil.
func openStore(cfg *ServerConfig) (storage.Store, api.Cluster, func(), error) {
	if !cfg.Node.Cluster {
		store, err := storage.NewBoltStore(cfg.Node.DataDir)
		if err != nil {
			return nil, nil, nil, fmt.Errorf("failed to open store: %v", err)
		}
		return store, nil, func() { store.Close() }, nil
	}

	node, err := controlplane.NewNode(&controlplane.Config{
		NodeID:   cfg.Node.ID,
		BindAddr: cfg.Node.BindAddr,
		DataDir:  cfg.Node.DataDir,
	})
	if err != nil {
		return nil, nil, nil, fmt.Errorf("failed to create node: %v", err)
	}

	if cfg.Node.JoinAddr == "" {
		err = node.Bootstrap()
	} else {
		err = node.Join()
		if err == nil {
			err = requestJoin(cfg.Node.JoinAddr, cfg.Node.ID, cfg.Node.BindAddr)
		}
	}
	if err != nil {
		node.Close()
		return nil, nil, nil, err
	}

	return node, node, func() { node.Close() }, nil
}

// requestJoin asks an existing cluster member to add this node as a voter
func requestJoin(apiAddr, nodeID, raftAddr string) error {
	body, err := json.Marshal(map[string]string{
		"node_id": nodeID,
		"address": raftAddr,
	})
	if err != nil {
		return err
	}

	url := fmt.Sprintf("http://%s/v1/cluster/join", apiAddr)
	resp, err := http.Post(url, "application/json", bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("failed to contact cluster at %s: %v", apiAddr, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusNoContent {
		return fmt.Errorf("cluster join rejected with status %d", resp.StatusCode)
	}
	return nil
}

// registerHost upserts this node's storage host record. Re-registration
// keeps the existing allocation counter so restarts do not leak capacity.
func registerHost(store storage.Store, cfg *ServerConfig) error {
	zone := cfg.Host.AvailabilityZone
	if zone == "" {
		zone = cfg.Scheduler.DefaultZone
	}

	existing, err := store.GetHost(cfg.Host.Name)
	if err != nil && !errors.Is(err, storage.ErrHostNotFound) {
		return err
	}

	host := &types.Host{
		ID:               cfg.Host.Name,
		Name:             cfg.Host.Name,
		Driver:           "local",
		AvailabilityZone: zone,
		Status:           types.HostStatusReady,
		CapacityGB:       cfg.Host.CapacityGB,
		LastHeartbeat:    time.Now(),
		CreatedAt:        time.Now(),
	}
	if existing != nil {
		host.AllocatedGB = existing.AllocatedGB
		host.CreatedAt = existing.CreatedAt
		return store.UpdateHost(host)
	}
	return store.CreateHost(host)
}

// heartbeat keeps the host record fresh so the reconciler does not mark
// this node down while it is serving
func heartbeat(ctx context.Context, store storage.Store, hostID string, logger zerolog.Logger) {
	ticker := time.NewTicker(10 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			host, err := store.GetHost(hostID)
			if err != nil {
				logger.Warn().Err(err).Str("host", hostID).Msg("Heartbeat lookup failed")
				continue
			}
			host.LastHeartbeat = time.Now()
			host.Status = types.HostStatusReady
			if err := store.UpdateHost(host); err != nil {
				logger.Warn().Err(err).Str("host", hostID).Msg("Heartbeat update failed")
			}
		}
	}
}

func logEvents(sub events.Subscriber) {
	for ev := range sub {
		log.Logger.Info().
			Str("event", string(ev.Type)).
			Str("project_id", ev.ProjectID).
			Str("volume_id", ev.VolumeID).
			Msg(ev.Message)
	}
}
