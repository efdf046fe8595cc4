package main

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"runtime/debug"
	"strings"
	"syscall"
	"time"

	"github.com/juju/clock"

	"github.com/mattjoyce/depositd/internal/api"
	"github.com/mattjoyce/depositd/internal/approval"
	"github.com/mattjoyce/depositd/internal/backend"
	"github.com/mattjoyce/depositd/internal/config"
	"github.com/mattjoyce/depositd/internal/deposit"
	"github.com/mattjoyce/depositd/internal/download"
	"github.com/mattjoyce/depositd/internal/location"
	"github.com/mattjoyce/depositd/internal/lock"
	"github.com/mattjoyce/depositd/internal/log"
	"github.com/mattjoyce/depositd/internal/space"
	"github.com/mattjoyce/depositd/internal/storage"
	"github.com/mattjoyce/depositd/internal/workspace"
)

const staleScratchAge = time.Minute

var (
	version   = "0.1.0-dev"
	gitCommit = "unknown"
	buildDate = "unknown"
)

func main() {
	os.Exit(runCLI(os.Args[1:]))
}

func runCLI(cliArgs []string) int {
	if len(cliArgs) < 1 {
		printUsage()
		return 1
	}

	cmd := cliArgs[0]
	args := cliArgs[1:]

	switch cmd {
	case "system":
		return runSystemNoun(args)
	case "space":
		return runSpaceNoun(args)
	case "deposit":
		return runDepositNoun(args)
	case "config":
		return runConfigNoun(args)
	case "start":
		return runStart(args)
	case "version", "--version":
		return runVersion(args)
	case "help", "--help", "-h":
		printUsage()
		return 0
	default:
		fmt.Fprintf(os.Stderr, "Unknown command: %s\n\n", cmd)
		printUsage()
		return 1
	}
}

type versionInfo struct {
	Version   string `json:"version"`
	Commit    string `json:"commit"`
	BuildTime string `json:"build_time"`
}

func runVersion(args []string) int {
	fs := flag.NewFlagSet("version", flag.ContinueOnError)
	jsonOut := fs.Bool("json", false, "Output version metadata as JSON")
	if err := fs.Parse(args); err != nil {
		fmt.Fprintf(os.Stderr, "Flag error: %v\n", err)
		return 1
	}
	if fs.NArg() > 0 {
		fmt.Fprintln(os.Stderr, "Usage: depositd version [--json]")
		return 1
	}

	info := currentVersionInfo()
	if *jsonOut {
		data, err := json.MarshalIndent(info, "", "  ")
		if err != nil {
			fmt.Fprintf(os.Stderr, "Failed to render version JSON: %v\n", err)
			return 1
		}
		fmt.Println(string(data))
		return 0
	}

	fmt.Printf("depositd %s\n", info.Version)
	fmt.Printf("commit: %s\n", info.Commit)
	fmt.Printf("built_at: %s\n", info.BuildTime)
	return 0
}

func currentVersionInfo() versionInfo {
	info := versionInfo{
		Version:   strings.TrimSpace(version),
		Commit:    "unknown",
		BuildTime: "unknown",
	}
	if info.Version == "" {
		info.Version = "0.0.0-dev"
	}

	commit := strings.TrimSpace(gitCommit)
	if commit == "" || commit == "unknown" {
		commit = strings.TrimSpace(readBuildSetting("vcs.revision"))
	}
	if commit != "" {
		info.Commit = shortenCommit(commit)
	}

	built := strings.TrimSpace(buildDate)
	if built == "" || built == "unknown" {
		built = strings.TrimSpace(readBuildSetting("vcs.time"))
	}
	if t, err := time.Parse(time.RFC3339Nano, built); err == nil {
		info.BuildTime = t.UTC().Format(time.RFC3339)
	}
	return info
}

func shortenCommit(commit string) string {
	if len(commit) <= 12 {
		return commit
	}
	return commit[:12]
}

func readBuildSetting(key string) string {
	info, ok := debug.ReadBuildInfo()
	if !ok {
		return ""
	}
	for _, setting := range info.Settings {
		if setting.Key == key {
			return setting.Value
		}
	}
	return ""
}

func printUsage() {
	fmt.Print(`depositd - SWORD v2 deposit service for archival storage

Usage:
  depositd <noun> <action> [flags]

Core Resources (Nouns):
  system    Service lifecycle
  space     Storage spaces
  deposit   Deposits outside the SWORD API
  config    Configuration and integrity

System Commands:
  system start      Start the deposit service in foreground

Space Commands:
  space verify      Probe every configured space and record the outcome

Deposit Commands:
  deposit import    Copy a directory from a location into a new deposit and submit it

Config Commands:
  config check      Validate syntax, inventory references and integrity
  config lock       Record BLAKE3 hashes of the config files

General:
  version           Show version information
  help              Show this help message

Every command takes --config; without it $DEPOSITD_CONFIG, ./config.yaml,
~/.config/depositd/config.yaml and /etc/depositd/config.yaml are tried.
`)
}

func isHelpToken(token string) bool {
	return token == "help" || token == "--help" || token == "-h"
}

// dispatch runs the action named by args[0] from actions.
func dispatch(noun string, args []string, actions map[string]func([]string) int) int {
	if len(args) < 1 {
		fmt.Fprintf(os.Stderr, "Usage: depositd %s <action> [flags]\n", noun)
		return 1
	}
	if isHelpToken(args[0]) {
		printUsage()
		return 0
	}
	run, ok := actions[args[0]]
	if !ok {
		fmt.Fprintf(os.Stderr, "Unknown %s action: %s\n", noun, args[0])
		return 1
	}
	return run(args[1:])
}

func runSystemNoun(args []string) int {
	return dispatch("system", args, map[string]func([]string) int{"start": runStart})
}

func runSpaceNoun(args []string) int {
	return dispatch("space", args, map[string]func([]string) int{"verify": runSpaceVerify})
}

func runDepositNoun(args []string) int {
	return dispatch("deposit", args, map[string]func([]string) int{"import": runDepositImport})
}

func runConfigNoun(args []string) int {
	return dispatch("config", args, map[string]func([]string) int{
		"check": runConfigCheck,
		"lock":  runConfigLock,
	})
}

// loadConfig resolves --config (or discovers a file) and loads it.
func loadConfig(configPath string) (*config.Config, string, error) {
	if configPath == "" {
		discovered, err := config.DiscoverConfigPath()
		if err != nil {
			return nil, "", err
		}
		configPath = discovered
	}
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, configPath, err
	}
	return cfg, configPath, nil
}

// app is the wired service graph shared by the commands that touch deposits.
type app struct {
	db          *sql.DB
	locations   *location.Store
	verifier    *space.Verifier
	files       *space.FileService
	workspaces  workspace.Manager
	coordinator *download.Coordinator
	deposits    *deposit.Service
}

func (a *app) Close() {
	if a.coordinator != nil {
		_ = a.coordinator.Stop()
	}
	if a.db != nil {
		_ = a.db.Close()
	}
}

func buildApp(ctx context.Context, cfg *config.Config) (*app, error) {
	db, err := storage.OpenSQLite(ctx, cfg.State.Path)
	if err != nil {
		return nil, fmt.Errorf("open database %s: %w", cfg.State.Path, err)
	}
	a := &app{db: db, locations: location.NewStore(db)}

	syncer, err := backend.NewSyncer(cfg.Storage.SyncMode, cfg.Storage.RsyncPath)
	if err != nil {
		a.Close()
		return nil, err
	}
	registry := backend.NewRegistry(backend.Options{Syncer: syncer, Logger: log.WithComponent("backend")})
	a.verifier = space.NewVerifier(a.locations, registry, cfg.Storage.VerifyCacheTTL, log.WithComponent("verifier"))
	a.files = space.NewFileService(a.locations, registry, log.WithComponent("files"))

	if err := cfg.Inventory.Seed(ctx, a.verifier, a.locations); err != nil {
		a.Close()
		return nil, fmt.Errorf("seed inventory: %w", err)
	}

	ws, err := workspace.NewFSManager(cfg.State.ScratchDir)
	if err != nil {
		a.Close()
		return nil, fmt.Errorf("scratch directory: %w", err)
	}
	a.workspaces = ws

	resolver := location.NewResolver(a.locations)
	store := deposit.NewStore(db)
	approver := approval.New(a.locations, resolver, store, clock.WallClock, approval.Config{
		WatchDelay: cfg.Approval.WatchDelay,
		Timeout:    cfg.Approval.Timeout,
		Scheme:     cfg.Approval.Scheme,
	}, log.WithComponent("approval"))

	a.coordinator = download.New(download.Config{
		MaxBatches:     cfg.Downloads.MaxBatches,
		URLConcurrency: cfg.Downloads.URLConcurrency,
		Attempts:       cfg.Downloads.Attempts,
		RetryDelay:     cfg.Downloads.RetryDelay,
	}, download.HTTPFetcher{Client: &http.Client{Timeout: cfg.Downloads.Timeout}}, ws, clock.WallClock, log.WithComponent("download"))

	a.deposits = deposit.NewService(deposit.Deps{
		Store:      store,
		Locations:  a.locations,
		Resolver:   resolver,
		Approver:   approver,
		Downloads:  a.coordinator,
		Workspaces: ws,
		Logger:     log.WithComponent("deposit"),
	})
	return a, nil
}

func runStart(args []string) int {
	fs := flag.NewFlagSet("start", flag.ContinueOnError)
	configPath := fs.String("config", "", "Path to configuration file")
	if err := fs.Parse(args); err != nil {
		return 1
	}

	cfg, path, err := loadConfig(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		return 1
	}

	log.Setup(cfg.Service.LogLevel, cfg.Service.LogFormat)
	logger := log.WithComponent("main")
	logger.Info("depositd starting", "version", version, "config", path)

	pidLockPath := lock.PathFor(cfg.State.Path)
	pidLock, err := lock.Acquire(pidLockPath)
	if err != nil {
		logger.Error("failed to acquire PID lock (another instance may be running)", "path", pidLockPath, "error", err)
		return 1
	}
	defer pidLock.Release()

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	a, err := buildApp(ctx, cfg)
	if err != nil {
		logger.Error("startup failed", "error", err)
		return 1
	}
	defer a.Close()

	if _, err := a.deposits.Recover(ctx); err != nil {
		logger.Error("failed to recover interrupted downloads", "error", err)
		return 1
	}
	// Scratch left behind by a previous process belongs to batches Recover just failed.
	if rep, err := a.workspaces.Cleanup(ctx, staleScratchAge); err != nil {
		logger.Warn("scratch cleanup failed", "error", err)
	} else if rep.DeletedDirs > 0 {
		logger.Info("removed stale scratch directories", "count", rep.DeletedDirs)
	}
	if err := a.verifier.MountAll(ctx); err != nil {
		logger.Error("failed to mount spaces", "error", err)
		return 1
	}
	defer func() {
		// Batches write into mounted spaces; stop them first.
		_ = a.coordinator.Stop()
		if err := a.verifier.UnmountAll(context.WithoutCancel(ctx)); err != nil {
			logger.Warn("failed to unmount spaces", "error", err)
		}
	}()
	if results, err := a.verifier.VerifyAll(ctx); err != nil {
		logger.Warn("initial space verification failed", "error", err)
	} else {
		logger.Info("spaces verified", "count", len(results))
	}

	errCh := make(chan error, 2)
	go func() {
		if err := a.verifier.Run(ctx, cfg.Storage.VerifyInterval); err != nil && !errors.Is(err, context.Canceled) {
			errCh <- fmt.Errorf("verifier: %w", err)
		}
	}()

	server := api.New(api.Config{
		Listen:         cfg.API.Listen,
		BaseURL:        cfg.API.BaseURL,
		ServiceTitle:   cfg.API.ServiceTitle,
		MaxUploadBytes: cfg.API.MaxUploadBytes,
		MaxMETSBytes:   cfg.API.MaxMETSBytes,
	}, a.deposits, a.locations, a.verifier, a.files, log.WithComponent("api"))
	go func() {
		if err := server.Start(ctx); err != nil && !errors.Is(err, context.Canceled) {
			errCh <- fmt.Errorf("api: %w", err)
		}
	}()

	logger.Info("depositd running (press Ctrl+C to stop)", "listen", cfg.API.Listen)

	select {
	case <-ctx.Done():
		logger.Info("received shutdown signal")
	case err := <-errCh:
		logger.Error("component failed", "error", err)
		return 1
	}

	logger.Info("depositd stopped")
	return 0
}

func runSpaceVerify(args []string) int {
	fs := flag.NewFlagSet("space verify", flag.ContinueOnError)
	configPath := fs.String("config", "", "Path to configuration file")
	if err := fs.Parse(args); err != nil {
		return 1
	}
	cfg, _, err := loadConfig(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		return 1
	}
	log.Setup(cfg.Service.LogLevel, cfg.Service.LogFormat)

	ctx := context.Background()
	a, err := buildApp(ctx, cfg)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return 1
	}
	defer a.Close()

	results, err := a.verifier.VerifyAll(ctx)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return 1
	}

	code := 0
	for _, r := range results {
		status := "verified"
		switch {
		case !r.Probed():
			status = "not probed"
		case !r.Verified:
			status = "FAILED"
			code = 1
		}
		fmt.Printf("%-40s %s\n", r.SpaceUUID, status)
	}
	return code
}

func runDepositImport(args []string) int {
	fs := flag.NewFlagSet("deposit import", flag.ContinueOnError)
	configPath := fs.String("config", "", "Path to configuration file")
	pipelineUUID := fs.String("pipeline", "", "Pipeline whose SWORD space receives the deposit")
	spaceUUID := fs.String("space", "", "SWORD space to deposit into (instead of --pipeline)")
	source := fs.String("location", "", "Location holding the content")
	relPath := fs.String("path", "", "Directory relative to the location")
	if err := fs.Parse(args); err != nil {
		return 1
	}
	if *source == "" || *relPath == "" || (*pipelineUUID == "") == (*spaceUUID == "") {
		fmt.Fprintln(os.Stderr, "Usage: depositd deposit import (--pipeline <uuid> | --space <uuid>) --location <uuid> --path <dir>")
		return 1
	}

	cfg, _, err := loadConfig(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		return 1
	}
	log.Setup(cfg.Service.LogLevel, cfg.Service.LogFormat)

	ctx := context.Background()
	a, err := buildApp(ctx, cfg)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return 1
	}
	defer a.Close()

	d, err := a.deposits.ImportFromLocation(ctx, deposit.ImportRequest{
		SpaceUUID:      *spaceUUID,
		PipelineUUID:   *pipelineUUID,
		SourceLocation: *source,
		RelativePath:   *relPath,
	})
	if err != nil {
		var de *deposit.Error
		if errors.As(err, &de) {
			fmt.Fprintf(os.Stderr, "Error (%s): %s\n", de.Kind, de.Message)
		} else {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		}
		return 1
	}
	fmt.Printf("deposit %s submitted from %s\n", d.UUID, d.Source)
	return 0
}

func runConfigCheck(args []string) int {
	fs := flag.NewFlagSet("config check", flag.ContinueOnError)
	configPath := fs.String("config", "", "Path to configuration file")
	if err := fs.Parse(args); err != nil {
		return 1
	}
	cfg, path, err := loadConfig(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Configuration invalid: %v\n", err)
		return 1
	}
	inv := cfg.Inventory
	fmt.Printf("Configuration valid: %s\n", path)
	fmt.Printf("  spaces: %d, locations: %d, pipelines: %d, sword servers: %d\n",
		len(inv.Spaces), len(inv.Locations), len(inv.Pipelines), len(inv.SwordServers))
	return 0
}

func runConfigLock(args []string) int {
	fs := flag.NewFlagSet("config lock", flag.ContinueOnError)
	configPath := fs.String("config", "", "Path to configuration file")
	if err := fs.Parse(args); err != nil {
		return 1
	}
	path := *configPath
	if path == "" {
		discovered, err := config.DiscoverConfigPath()
		if err != nil {
			fmt.Fprintf(os.Stderr, "Failed to discover config: %v\n", err)
			return 1
		}
		path = discovered
	}
	locked, err := config.Lock(path)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to lock config: %v\n", err)
		return 1
	}
	for _, f := range locked {
		fmt.Printf("%s  %s\n", f.Hash, f.Path)
	}
	return 0
}
