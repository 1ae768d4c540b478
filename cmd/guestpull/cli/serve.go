package cli

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/majorcontext/guestpull/internal/agent"
	"github.com/majorcontext/guestpull/internal/attestation"
	"github.com/majorcontext/guestpull/internal/audit"
	"github.com/majorcontext/guestpull/internal/config"
	"github.com/majorcontext/guestpull/internal/image"
	"github.com/majorcontext/guestpull/internal/imageclient"
	"github.com/majorcontext/guestpull/internal/log"
	"github.com/majorcontext/guestpull/internal/pull"
	"github.com/majorcontext/guestpull/internal/sandbox"
	"github.com/majorcontext/guestpull/internal/secrets"
	"github.com/majorcontext/guestpull/internal/staging"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the image pull agent",
	Long: `Run the image pull agent in the foreground.

On startup the agent sweeps staging directories left behind by interrupted
pulls, checks free space in the image work directory and picks a pull
backend: the external registry tool when it is installed and executable,
the embedded pulling library otherwise. It then serves the API on the
configured Unix socket until SIGINT or SIGTERM.`,
	Args: cobra.NoArgs,
	RunE: runServe,
}

var serveShutdownTimeout time.Duration

func init() {
	rootCmd.AddCommand(serveCmd)
	serveCmd.Flags().DurationVar(&serveShutdownTimeout, "shutdown-timeout", 30*time.Second,
		"How long in-flight pulls may run after a shutdown signal")
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	if err := log.Init(log.Options{
		Verbose:       verbose || cfg.Log.Verbose,
		JSONFormat:    jsonOut || cfg.Log.JSON,
		DebugDir:      cfg.Log.DebugDir,
		RetentionDays: cfg.Log.RetentionDays,
	}); err != nil {
		return fmt.Errorf("initializing logging: %w", err)
	}
	defer log.Close()

	var recorder *audit.Recorder
	if cfg.Audit.DBPath != "" {
		store, err := audit.OpenStore(cfg.Audit.DBPath)
		if err != nil {
			return fmt.Errorf("opening audit store: %w", err)
		}
		defer store.Close()
		recorder = audit.NewRecorder(store)
	}

	secrets.Register(secrets.NewSecretsManagerResolver())

	if n, err := staging.Sweep(cfg.Paths.StagingRoot, cfg.Staging.SweepAge); err != nil {
		log.Warn("sweeping staging directories", "root", cfg.Paths.StagingRoot, "error", err)
	} else if n > 0 {
		log.Info("removed stale staging directories", "count", n)
	}
	staging.CheckSpace(cfg.Paths.ImageWorkDir, staging.MinFreeBytes)

	backend, err := newBackend(cfg)
	if err != nil {
		return err
	}
	log.Info("selected pull backend", "backend", backend.Name())

	side := attestation.NewManager(attestation.Options{
		Binary:            cfg.Paths.AttestationAgent,
		KeyProviderAddr:   cfg.Attestation.KeyProviderAddr,
		GetResourceAddr:   cfg.Attestation.GetResourceAddr,
		KeyProviderConfig: cfg.Paths.OcicryptConfig,
		LogFile:           cfg.Attestation.LogFile,
		ReadyTimeout:      cfg.Attestation.ReadyTimeout,
		OnStartup:         recorder.RecordSideService,
	})

	images := sandbox.NewImages()
	svc, err := image.NewService(image.Options{
		Config:      config.NewStore(cfg.Agent),
		Paths:       cfg.Paths,
		Backend:     backend,
		SideService: side,
		Images:      images,
		Auditor:     recorder,
	})
	if err != nil {
		return err
	}

	server := agent.NewServer(agent.Options{
		SocketPath: cfg.Server.SocketPath,
		Puller:     svc,
		Images:     images,
		Backend:    backend.Name(),
		SideServiceState: func() string {
			return side.State().String()
		},
	})
	if err := server.Start(); err != nil {
		return fmt.Errorf("starting API server: %w", err)
	}
	log.Info("guestpull agent listening", "socket", cfg.Server.SocketPath, "pid", os.Getpid())

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigCh
	log.Info("shutting down", "signal", sig.String())

	ctx, cancel := context.WithTimeout(context.Background(), serveShutdownTimeout)
	defer cancel()
	return server.Stop(ctx)
}

func newBackend(cfg *config.Config) (pull.Backend, error) {
	switch pull.DetectBackend(cfg.Paths.Skopeo) {
	case pull.ExternalTool:
		return &pull.RegistryTool{
			Skopeo:            cfg.Paths.Skopeo,
			Umoci:             cfg.Paths.Umoci,
			StagingRoot:       cfg.Paths.StagingRoot,
			BundleBase:        cfg.Paths.ContainerBase,
			KeyProviderConfig: cfg.Paths.OcicryptConfig,
			Runner:            pull.ExecRunner{},
		}, nil
	default:
		client, err := imageclient.New(imageclient.Options{AuthFile: cfg.Embedded.AuthFile})
		if err != nil {
			return nil, err
		}
		return pull.NewEmbedded(client, cfg.Paths.ContainerBase, cfg.Embedded.MaxConcurrentPulls), nil
	}
}
