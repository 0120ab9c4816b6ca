package serve

import (
	"context"
	"fmt"
	"net/http"
	"net/http/pprof"
	"os"
	"os/signal"
	"strings"
	"syscall"

	cmdUtil "github.com/hlogdb/hlogdb/cmd/util"
	"github.com/hlogdb/hlogdb/lib/codec"
	"github.com/hlogdb/hlogdb/lib/config"
	"github.com/hlogdb/hlogdb/lib/device"
	"github.com/hlogdb/hlogdb/lib/logging"
	"github.com/hlogdb/hlogdb/lib/metrics"
	"github.com/hlogdb/hlogdb/lib/store"
	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

var (
	serveCmdConfig = config.Default()

	// ServeCmd starts a single-node store and its admin HTTP surface.
	ServeCmd = &cobra.Command{
		Use:     "serve",
		Short:   "Start a hlogdb store",
		Long:    `Start a single-node hlogdb store with the specified configuration. The configuration can be set via command line flags or environment variables. The format of the environment variables is HLOG_<flag> (e.g. HLOG_LOG_LEVEL=debug)`,
		PreRunE: processConfig,
		RunE:    run,
	}
)

func init() {
	cobra.OnInitialize(initConfig)

	key := "num-buckets"
	ServeCmd.PersistentFlags().Uint64(key, serveCmdConfig.NumBuckets, cmdUtil.WrapString("Number of primary buckets in the hash index"))

	key = "page-bits"
	ServeCmd.PersistentFlags().Uint(key, serveCmdConfig.PageBits, cmdUtil.WrapString("log2 of the hybrid log page size in bytes"))

	key = "memory-bits"
	ServeCmd.PersistentFlags().Uint(key, serveCmdConfig.MemoryBits, cmdUtil.WrapString("log2 of the resident hybrid log window in bytes"))

	key = "segment-bits"
	ServeCmd.PersistentFlags().Uint(key, serveCmdConfig.SegmentBits, cmdUtil.WrapString("log2 of the on-device segment file size in bytes"))

	key = "mutable-fraction"
	ServeCmd.PersistentFlags().Float64(key, serveCmdConfig.MutableFraction, cmdUtil.WrapString("Fraction (0,1] of the resident window kept mutable"))

	key = "checkpoint-kind"
	ServeCmd.PersistentFlags().String(key, string(serveCmdConfig.CheckpointKind), cmdUtil.WrapString("Default checkpoint kind: fuzzy, snapshot, or index-only"))

	key = "device-dir"
	ServeCmd.PersistentFlags().String(key, serveCmdConfig.DeviceDir, cmdUtil.WrapString("Directory to store hybrid log segments in. Empty uses an in-memory device"))

	key = "preallocate-log"
	ServeCmd.PersistentFlags().Bool(key, serveCmdConfig.PreallocateLog, cmdUtil.WrapString("Recorded in the config banner only; log segment files always grow lazily"))

	key = "copy-reads-to-tail"
	ServeCmd.PersistentFlags().Bool(key, serveCmdConfig.CopyReadsToTail, cmdUtil.WrapString("Copy values found on device back to the mutable tail on read"))

	key = "affinitized-sessions"
	ServeCmd.PersistentFlags().Bool(key, serveCmdConfig.AffinitizedSessions, cmdUtil.WrapString("Document that callers pin one session to one goroutine"))

	key = "gc-interval-seconds"
	ServeCmd.PersistentFlags().Int(key, serveCmdConfig.GCIntervalSeconds, cmdUtil.WrapString("Interval between background GC sweeps, in seconds"))

	key = "checkpoint-dir"
	ServeCmd.PersistentFlags().String(key, serveCmdConfig.CheckpointDir, cmdUtil.WrapString("Directory to persist checkpoint metadata and snapshots in"))

	key = "log-level"
	ServeCmd.PersistentFlags().String(key, serveCmdConfig.LogLevel, cmdUtil.WrapString("Log level: debug, info, warn, error"))

	key = "endpoint"
	ServeCmd.PersistentFlags().String(key, "0.0.0.0:8080", cmdUtil.WrapString("The address the admin/metrics HTTP surface listens on"))
}

// processConfig reads the configuration from the command line flags
// and environment variables into serveCmdConfig.
func processConfig(cmd *cobra.Command, _ []string) error {
	if err := viper.BindPFlags(cmd.Flags()); err != nil {
		return err
	}

	serveCmdConfig.NumBuckets = viper.GetUint64("num-buckets")
	serveCmdConfig.PageBits = uint(viper.GetUint32("page-bits"))
	serveCmdConfig.MemoryBits = uint(viper.GetUint32("memory-bits"))
	serveCmdConfig.SegmentBits = uint(viper.GetUint32("segment-bits"))
	serveCmdConfig.MutableFraction = viper.GetFloat64("mutable-fraction")
	serveCmdConfig.CheckpointKind = config.CheckpointKind(viper.GetString("checkpoint-kind"))
	serveCmdConfig.DeviceDir = viper.GetString("device-dir")
	serveCmdConfig.PreallocateLog = viper.GetBool("preallocate-log")
	serveCmdConfig.CopyReadsToTail = viper.GetBool("copy-reads-to-tail")
	serveCmdConfig.AffinitizedSessions = viper.GetBool("affinitized-sessions")
	serveCmdConfig.GCIntervalSeconds = viper.GetInt("gc-interval-seconds")
	serveCmdConfig.CheckpointDir = viper.GetString("checkpoint-dir")
	serveCmdConfig.LogLevel = viper.GetString("log-level")

	return serveCmdConfig.Validate()
}

// newDevice builds the device.Device a store uses: a file-backed
// device under DeviceDir, or an in-memory device if DeviceDir is
// empty, useful for local development and one-off runs.
func newDevice(cfg config.StoreConfig) (device.Device, error) {
	pageSize := 1 << cfg.PageBits
	if cfg.DeviceDir == "" {
		return device.NewMemDevice(pageSize), nil
	}
	if err := os.MkdirAll(cfg.DeviceDir, 0o755); err != nil {
		return nil, fmt.Errorf("creating device dir: %w", err)
	}
	segmentPages := uint64(1) << (cfg.SegmentBits - cfg.PageBits)
	return device.NewFileDevice(cfg.DeviceDir, "hlog", pageSize, segmentPages)
}

// lastWriterFunctions is the default codec.Functions for the serve
// subcommand: opaque byte values, last writer wins on both Upsert and
// RMW. A host embedding the store for a richer value type supplies
// its own codec.Functions instead of using this CLI at all.
func lastWriterFunctions() *codec.BytesFunctions {
	return &codec.BytesFunctions{
		Update: func(_, input []byte) []byte { return append([]byte(nil), input...) },
	}
}

// run starts the store and serves the admin/metrics HTTP surface
// until interrupted.
func run(cmd *cobra.Command, _ []string) error {
	log := logging.NewSubsystem("serve", serveCmdConfig.LogLevelParsed())

	dev, err := newDevice(serveCmdConfig)
	if err != nil {
		return fmt.Errorf("constructing device: %w", err)
	}

	s, err := store.NewStore(serveCmdConfig, dev, lastWriterFunctions())
	if err != nil {
		return fmt.Errorf("constructing store: %w", err)
	}
	defer s.Close()

	fmt.Println(serveCmdConfig.String())
	log.Infof("store ready")

	mux := http.NewServeMux()
	mux.Handle("/metrics", metrics.Handler())
	mux.HandleFunc("/debug/pprof/", pprof.Index)
	mux.HandleFunc("/debug/pprof/cmdline", pprof.Cmdline)
	mux.HandleFunc("/debug/pprof/profile", pprof.Profile)
	mux.HandleFunc("/debug/pprof/symbol", pprof.Symbol)
	mux.HandleFunc("/debug/pprof/trace", pprof.Trace)

	endpoint, _ := cmd.Flags().GetString("endpoint")
	srv := &http.Server{Addr: endpoint, Handler: mux}

	serverErr := make(chan error, 1)
	go func() { serverErr <- srv.ListenAndServe() }()
	log.Infof("admin surface listening on %s", endpoint)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)

	select {
	case err := <-serverErr:
		if err != nil && err != http.ErrServerClosed {
			return fmt.Errorf("admin server: %w", err)
		}
	case sig := <-sigCh:
		log.Infof("received %s, shutting down", sig)
		_ = srv.Shutdown(context.Background())
	}

	return nil
}

// initConfig reads in configuration from a .env file and HLOG_*
// environment variables, the same split the teacher's cmd/serve used
// for its DKV_* variables.
func initConfig() {
	_ = godotenv.Load(".env")
	_ = godotenv.Load(".env.local")

	viper.SetEnvPrefix("hlog")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()
}
