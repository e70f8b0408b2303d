package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/garrettbslone/flux-core/pkg/broker/httpbroker"
	"github.com/garrettbslone/flux-core/pkg/contentstore/boltstore"
	"github.com/garrettbslone/flux-core/pkg/kvslog"
	"github.com/garrettbslone/flux-core/pkg/kvsmetrics"
	"github.com/garrettbslone/flux-core/pkg/kvsnode"
)

var (
	Version   = "dev"
	Commit    = "unknown"
	BuildTime = "unknown"
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:     "kvsd",
	Short:   "kvsd runs one node instance of the distributed key-value store",
	Long:    `kvsd hosts the cache, commit, root, and watch state for one rank of a cluster and serves it over HTTP.`,
	Version: Version,
}

func init() {
	rootCmd.SetVersionTemplate(fmt.Sprintf("kvsd version %s\nCommit: %s\nBuilt: %s\n", Version, Commit, BuildTime))
	rootCmd.PersistentFlags().String("log-level", "info", "Log level (debug, info, warn, error)")
	rootCmd.PersistentFlags().Bool("log-json", false, "Output logs in JSON format")
	rootCmd.PersistentFlags().String("config", "", "path to a YAML config file (flags and KVSD_* environment variables take precedence)")
	cobra.OnInitialize(initConfig, initLogging)
	rootCmd.AddCommand(runCmd)
}

// initConfig wires viper as the config-file and environment-variable layer
// underneath cobra's flags: a KVSD_* environment variable or a key in
// --config overrides a flag's default but never a value the operator set
// explicitly on the command line, since BindPFlag consults the flag first.
func initConfig() {
	viper.SetEnvPrefix("kvsd")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()

	if cfgFile, _ := rootCmd.PersistentFlags().GetString("config"); cfgFile != "" {
		viper.SetConfigFile(cfgFile)
		if err := viper.ReadInConfig(); err != nil {
			fmt.Fprintf(os.Stderr, "kvsd: reading --config %s: %v\n", cfgFile, err)
		}
	}
}

func initLogging() {
	logLevel, _ := rootCmd.PersistentFlags().GetString("log-level")
	logJSON, _ := rootCmd.PersistentFlags().GetBool("log-json")
	kvslog.Init(kvslog.Config{
		Level:      kvslog.Level(logLevel),
		JSONOutput: logJSON,
	})
}

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run this node instance",
	Long: `Run starts the node's content store, HTTP broker, and reactor loop.
Rank 0 is the leader and owns the commit pipeline and root pointer; every
other rank is a caching follower.`,
	RunE: runNode,
}

func init() {
	runCmd.Flags().String("self", "", "this node as name:rank:addr, e.g. node0:0:127.0.0.1:7000 (required)")
	runCmd.Flags().StringArray("peer", nil, "another cluster member as name:rank:addr (repeatable)")
	runCmd.Flags().String("data-dir", "./data", "directory for the content store's bbolt database")
	runCmd.Flags().String("namespace", "", "root namespace served by this node (default: primary)")
	runCmd.Flags().Int("commit-merge", 8, "max fences merged into a single commit; <=1 disables merging")
	runCmd.Flags().Int64("max-cache-age", 64, "epochs an inactive cache entry survives before eviction")
	runCmd.Flags().Duration("heartbeat-interval", 2*time.Second, "interval between hb events driving cache aging")
	runCmd.Flags().String("metrics-addr", "127.0.0.1:9090", "address reported in the startup log; /metrics and /healthz are served on the --self address")
	_ = viper.BindPFlags(runCmd.Flags())
}

func runNode(_ *cobra.Command, _ []string) error {
	selfSpec := viper.GetString("self")
	peerSpecs := viper.GetStringSlice("peer")
	dataDir := viper.GetString("data-dir")
	namespace := viper.GetString("namespace")
	commitMerge := viper.GetInt("commit-merge")
	maxCacheAge := viper.GetInt64("max-cache-age")
	heartbeatInterval := viper.GetDuration("heartbeat-interval")
	metricsAddr := viper.GetString("metrics-addr")

	if selfSpec == "" {
		return fmt.Errorf("--self (or KVSD_SELF / config key \"self\") is required")
	}

	self, err := parsePeer(selfSpec)
	if err != nil {
		return fmt.Errorf("--self: %w", err)
	}
	peers := make([]httpbroker.Peer, 0, len(peerSpecs))
	for _, spec := range peerSpecs {
		p, err := parsePeer(spec)
		if err != nil {
			return fmt.Errorf("--peer %q: %w", spec, err)
		}
		peers = append(peers, p)
	}

	if err := os.MkdirAll(dataDir, 0o755); err != nil {
		return fmt.Errorf("create data dir: %w", err)
	}
	cstore, err := boltstore.Open(dataDir)
	if err != nil {
		return fmt.Errorf("open content store: %w", err)
	}
	defer cstore.Close()

	brk := httpbroker.New(httpbroker.Config{
		Self:   self,
		Peers:  peers,
		Logger: kvslog.Logger,
	})

	node := kvsnode.New(kvsnode.Config{
		Rank:              self.Rank,
		Namespace:         namespace,
		CommitMerge:       commitMerge,
		MaxCacheAge:       maxCacheAge,
		HeartbeatInterval: heartbeatInterval,
	}, cstore, brk)

	mux := http.NewServeMux()
	mux.Handle("/rpc/", brk)
	mux.Handle("/events/", brk)
	mux.Handle("/metrics", kvsmetrics.Handler())
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})

	srv := &http.Server{Addr: self.Addr, Handler: mux}
	errCh := make(chan error, 1)
	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- fmt.Errorf("http server: %w", err)
		}
	}()
	kvslog.WithRank(self.Rank).Info().Str("addr", self.Addr).Str("metrics", metricsAddr).Msg("listening")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	stopHeartbeat := make(chan struct{})
	go heartbeatLoop(brk, heartbeatInterval, stopHeartbeat)

	reactorErrCh := make(chan error, 1)
	go func() {
		if err := node.Start(ctx); err != nil {
			reactorErrCh <- err
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)

	select {
	case <-sigCh:
		kvslog.Logger.Info().Msg("shutting down")
	case err := <-errCh:
		kvslog.Logger.Error().Err(err).Msg("http server failed")
	case err := <-reactorErrCh:
		kvslog.Logger.Error().Err(err).Msg("reactor stopped")
	}

	close(stopHeartbeat)
	cancel()
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()
	return srv.Shutdown(shutdownCtx)
}

// heartbeatLoop publishes the hb event that drives cache epoch advance and
// cache expiry across every node, since nothing else in the
// broker abstraction originates it.
func heartbeatLoop(brk interface{ Publish(topic string, payload []byte) }, interval time.Duration, stop <-chan struct{}) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			brk.Publish("hb", []byte("{}"))
		case <-stop:
			return
		}
	}
}

// parsePeer parses "name:rank:host:port" into a Peer; the address itself
// may contain colons, so rank is read from the second field and the
// remainder after it is taken whole as the address.
func parsePeer(spec string) (httpbroker.Peer, error) {
	parts := strings.SplitN(spec, ":", 3)
	if len(parts) != 3 {
		return httpbroker.Peer{}, fmt.Errorf("expected name:rank:addr, got %q", spec)
	}
	rank, err := strconv.Atoi(parts[1])
	if err != nil {
		return httpbroker.Peer{}, fmt.Errorf("rank %q: %w", parts[1], err)
	}
	return httpbroker.Peer{Name: parts[0], Rank: rank, Addr: parts[2]}, nil
}
