package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	vm "github.com/VictoriaMetrics/metrics"
	"github.com/lni/dragonboat/v4/logger"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"vsr-engine/internal/pubsub"
	"vsr-engine/internal/vsr"
	"vsr-engine/internal/vsr/metrics"
	"vsr-engine/internal/vsr/replica"
	"vsr-engine/internal/vsr/server"
)

var (
	plog = logger.GetLogger("vsrd")

	ServeCmd = &cobra.Command{
		Use:     "serve",
		Short:   "Run a replica",
		Long:    `Run a replica of the cluster. Every flag can also be set through an environment variable VSR_<FLAG> (e.g. VSR_REPLICA_ID=1, VSR_DATA_DIR=/var/lib/vsr).`,
		PreRunE: bindFlags,
		RunE:    runServe,
	}
)

func init() {
	key := "replica-id"
	ServeCmd.Flags().Uint32(key, 0, WrapString("ID of the local replica, it must appear in --members"))

	key = "members"
	ServeCmd.Flags().String(key, "0=localhost:7000,1=localhost:7001,2=localhost:7002", WrapString("Comma-separated id=address list of every replica the node may talk to"))

	key = "cluster"
	ServeCmd.Flags().String(key, "", WrapString("Comma-separated replica ids of the genesis configuration, every member when empty"))

	key = "join"
	ServeCmd.Flags().Bool(key, false, WrapString("Start as a new member that waits to be added by a reconfiguration"))

	key = "data-dir"
	ServeCmd.Flags().String(key, "", WrapString("Directory of the bbolt log. An in-memory log is used when empty"))

	key = "listen"
	ServeCmd.Flags().String(key, "", WrapString("Address the gRPC server binds, the member address of the replica when empty"))

	key = "metrics-listen"
	ServeCmd.Flags().String(key, "", WrapString("Address of the Prometheus /metrics endpoint, disabled when empty"))

	key = "tick"
	ServeCmd.Flags().Duration(key, replica.DefaultTickInterval, WrapString("Wall clock period of one protocol tick"))

	key = "version"
	ServeCmd.Flags().String(key, vsr.CurrentVersion.String(), WrapString("Protocol version the replica announces"))
}

func serveConfig() (server.Config, error) {
	peers, err := server.ParsePeers(viper.GetString("members"))
	if err != nil {
		return server.Config{}, err
	}
	cfg := server.DefaultConfig(vsr.ReplicaID(viper.GetUint32("replica-id")), peers)
	if ids := viper.GetString("cluster"); ids != "" {
		if cfg.Cluster, err = server.ParseReplicaIDs(ids); err != nil {
			return server.Config{}, err
		}
	}
	if listen := viper.GetString("listen"); listen != "" {
		cfg.ListenAddr = listen
	}
	if cfg.Version, err = vsr.ParseVersion(viper.GetString("version")); err != nil {
		return server.Config{}, err
	}
	cfg.Join = viper.GetBool("join")
	cfg.DataDir = viper.GetString("data-dir")
	cfg.TickInterval = viper.GetDuration("tick")
	return cfg, nil
}

func runServe(_ *cobra.Command, _ []string) error {
	cfg, err := serveConfig()
	if err != nil {
		return err
	}
	if cfg.DataDir != "" {
		if err := os.MkdirAll(cfg.DataDir, 0o755); err != nil {
			return fmt.Errorf("create data directory: %w", err)
		}
	}

	node, err := server.NewNode(cfg)
	if err != nil {
		return err
	}
	if err := node.Start(); err != nil {
		node.Stop()
		return err
	}

	halted := make(chan *pubsub.Event[error], 1)
	pubsub.Subscribe(node.Broker(), server.Halted, halted, pubsub.SubscriptionOptions{})

	var metricsServer *http.Server
	if addr := viper.GetString("metrics-listen"); addr != "" {
		metricsServer = serveMetrics(addr, node.Metrics())
	}

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)

	var runErr error
	select {
	case s := <-sig:
		plog.Infof("[%s] received %s", cfg.ReplicaID, s)
	case ev, ok := <-halted:
		if ok {
			runErr = ev.Payload
		}
	case <-node.Done():
	}

	if metricsServer != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		_ = metricsServer.Shutdown(ctx)
		cancel()
	}
	node.Stop()

	report := node.Metrics().GetReport()
	report.PrintReport(os.Stdout)
	return runErr
}

// serveMetrics exposes the replica and process metrics in the Prometheus text format
func serveMetrics(addr string, m *metrics.Metrics) *http.Server {
	mux := http.NewServeMux()
	mux.HandleFunc("/metrics", func(w http.ResponseWriter, _ *http.Request) {
		m.WritePrometheus(w)
		vm.WriteProcessMetrics(w)
	})
	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			plog.Errorf("metrics endpoint on %s: %v", addr, err)
		}
	}()
	plog.Infof("metrics available on http://%s/metrics", addr)
	return srv
}
