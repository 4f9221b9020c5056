// Command rapidcopyd runs the RapidCopy daemon: the scanners, the
// downloader engine driver, the validation worker and the controller
// that reconciles them, supervised as one service tree.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/thejerf/suture/v4"
	_ "go.uber.org/automaxprocs"

	"github.com/rccypher/rapidcopy/internal/checksum"
	"github.com/rccypher/rapidcopy/internal/config"
	"github.com/rccypher/rapidcopy/internal/controller"
	"github.com/rccypher/rapidcopy/internal/downloader"
	"github.com/rccypher/rapidcopy/internal/events"
	"github.com/rccypher/rapidcopy/internal/extractor"
	"github.com/rccypher/rapidcopy/internal/logging"
	"github.com/rccypher/rapidcopy/internal/model"
	"github.com/rccypher/rapidcopy/internal/persist"
	"github.com/rccypher/rapidcopy/internal/remotescan"
	"github.com/rccypher/rapidcopy/internal/supervisor"
	"github.com/rccypher/rapidcopy/internal/sysscan"
	"github.com/rccypher/rapidcopy/internal/transport"
	"github.com/rccypher/rapidcopy/internal/validation"
)

var (
	Version = "unknown-dev"
)

// tempFileSuffix is the downloader's in-progress file suffix; the
// local scanner strips it so in-flight files appear under their final
// names.
const tempFileSuffix = ".rcpart"

func main() {
	var (
		homeDir     = flag.String("home", "", "Set configuration directory")
		engineBin   = flag.String("engine", "rapidcopy-engine", "Path to the transfer engine binary")
		showVersion = flag.Bool("version", false, "Show version")
	)
	flag.Parse()

	if *showVersion {
		fmt.Println(Version)
		return
	}

	if *homeDir != "" {
		baseDirs["config"] = *homeDir
	}
	if err := expandLocations(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}

	log := logging.For("main")
	if err := run(log, *engineBin); err != nil && !errors.Is(err, context.Canceled) {
		log.Error("daemon exited", "error", err)
		os.Exit(1)
	}
}

func run(log *slog.Logger, engineBin string) error {
	cfg, err := loadOrCreateConfig()
	if err != nil {
		return err
	}
	if cfg.General.Debug {
		logging.SetDefaultLevel(slog.LevelDebug)
	}

	pairStore, err := persist.LoadPathPairs(locations[locPathPairs])
	if err != nil {
		return err
	}
	pairs := enabledPairs(cfg, pairStore)

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	// One SSH client is shared by the remote scanner, the remote
	// checksummer, the remote deleter and the chunk-repair fetcher.
	remote := transport.NewClient(transport.Config{
		Address:  cfg.Transfer.RemoteAddress,
		Port:     cfg.Transfer.RemotePort,
		Username: cfg.Transfer.RemoteUsername,
		Password: cfg.Transfer.RemotePassword,
		UseKey:   cfg.Transfer.UseSSHKey,
		KeyFile:  defaultKeyFile(),
	})
	defer remote.Close()

	engine, err := downloader.StartProcessEngine(ctx, engineBin)
	if err != nil {
		return err
	}
	defer engine.Exit()

	driver := downloader.NewDriver(engine, downloader.Config{
		MaxParallelJobs:        cfg.Transfer.NumMaxParallelDownloads,
		MaxParallelFilesPerJob: cfg.Transfer.NumMaxParallelFilesPerDownload,
		ConnectionsPerRootFile: cfg.Transfer.NumMaxConnectionsPerRootFile,
		ConnectionsPerDirFile:  cfg.Transfer.NumMaxConnectionsPerDirFile,
		MaxTotalConnections:    cfg.Transfer.NumMaxTotalConnections,
		RemotePath:             cfg.Transfer.RemotePath,
		LocalPath:              cfg.Transfer.LocalPath,
		TempSuffix:             tempFileSuffix,
		RateLimit:              cfg.Transfer.RateLimit,
		Verbose:                cfg.General.Verbose,
	})
	if err := driver.Start(ctx); err != nil {
		return err
	}

	remoteScan, localScan, activeScan := buildScanners(cfg, pairs, remote)

	algorithm := checksum.Algorithm(cfg.Validation.Algorithm)
	dispatch := validation.NewDispatch(cfg.Validation, "", "",
		checksum.NewLocal(algorithm), checksum.NewRemote(remote, algorithm))
	validator := validation.NewWorker(dispatch)

	extractClient := extractor.NewClient()

	ctrl, err := controller.New(controller.Deps{
		Config:      cfg,
		Pairs:       pairs,
		RemoteScan:  remoteScan,
		LocalScan:   localScan,
		ActiveScan:  activeScan,
		Downloader:  driver,
		Validator:   validator,
		Extractor:   extractClient,
		Fetcher:     remote,
		Remover:     remote,
		RemoveAll:   os.RemoveAll,
		PersistPath: locations[locControllerDB],
		Events:      events.Default,
		Metrics:     prometheus.DefaultRegisterer,
	})
	if err != nil {
		return err
	}
	if err := ctrl.Start(); err != nil {
		// An incomplete config is reported on the status surface for
		// the web collaborator; the daemon itself has nothing to run.
		return err
	}

	root := suture.New("rapidcopyd", suture.Spec{
		EventHook: func(e suture.Event) {
			log.Warn("supervision event", "event", e.String())
		},
	})
	root.Add(remoteScan)
	root.Add(localScan)
	root.Add(activeScan)
	root.Add(validator)
	root.Add(ctrl)

	log.Info("rapidcopyd starting", "version", Version, "pairs", len(pairs))
	events.Default.Log(events.Starting, Version)
	return root.Serve(ctx)
}

func loadOrCreateConfig() (*config.Config, error) {
	path := locations[locConfigFile]
	cfg, err := config.LoadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		// First run: write a template the user completes.
		if mkErr := os.MkdirAll(baseDirs["config"], 0o700); mkErr != nil {
			return nil, mkErr
		}
		cfg = config.New()
		fd, createErr := os.Create(path)
		if createErr != nil {
			return nil, createErr
		}
		defer fd.Close()
		if saveErr := cfg.Save(fd); saveErr != nil {
			return nil, saveErr
		}
		return cfg, nil
	}
	return cfg, err
}

// enabledPairs returns the configured path pairs, or a single implicit
// pair built from the transfer section when the store is empty.
func enabledPairs(cfg *config.Config, store *persist.PathPairStore) []model.PathPair {
	var pairs []model.PathPair
	for _, p := range store.PathPairs {
		if p.Enabled {
			pairs = append(pairs, p)
		}
	}
	if len(pairs) == 0 {
		pairs = append(pairs, model.PathPair{
			ID:         "default",
			Name:       "default",
			RemotePath: cfg.Transfer.RemotePath,
			LocalPath:  cfg.Transfer.LocalPath,
			Enabled:    true,
		})
	}
	return pairs
}

// activeScanSupervisor pairs the supervisor with the scanner it hosts
// so the controller can push the active file set.
type activeScanSupervisor struct {
	*supervisor.Supervisor
	scanner *sysscan.ActiveScanner
}

func (s *activeScanSupervisor) SetActiveFiles(files []sysscan.ActiveFile) {
	s.scanner.SetActiveFiles(files)
	if len(files) > 0 {
		s.ForceScan()
	}
}

func buildScanners(cfg *config.Config, pairs []model.PathPair, remote *transport.Client) (*supervisor.Supervisor, *supervisor.Supervisor, *activeScanSupervisor) {
	var remoteScanners []*remotescan.Scanner
	var walkers []*sysscan.Walker
	for _, p := range pairs {
		remoteScanners = append(remoteScanners, remotescan.New(remote, remotescan.Options{
			RemotePath:       p.RemotePath,
			LocalScriptPath:  locations[locScanScript],
			RemoteScriptPath: cfg.Transfer.RemotePathToScanScript,
			PairID:           p.ID,
			PairName:         p.Name,
		}))
		walkers = append(walkers, &sysscan.Walker{
			Root:       p.LocalPath,
			TempSuffix: tempFileSuffix,
			PairID:     p.ID,
			PairName:   p.Name,
		})
	}

	remoteScan := supervisor.New("remote",
		supervisor.ScannerFunc(func(ctx context.Context) ([]model.SystemFile, error) {
			var all []model.SystemFile
			for _, s := range remoteScanners {
				files, err := s.Scan(ctx)
				if err != nil {
					return nil, err
				}
				all = append(all, files...)
			}
			return all, nil
		}),
		time.Duration(cfg.Controller.IntervalMsRemoteScan)*time.Millisecond,
		cfg.General.Verbose)

	localScan := supervisor.New("local",
		supervisor.ScannerFunc(func(ctx context.Context) ([]model.SystemFile, error) {
			var all []model.SystemFile
			for _, w := range walkers {
				files, err := w.Walk()
				if err != nil {
					return nil, err
				}
				all = append(all, files...)
			}
			return all, nil
		}),
		time.Duration(cfg.Controller.IntervalMsLocalScan)*time.Millisecond,
		cfg.General.Verbose)

	active := sysscan.NewActiveScanner(walkers)
	activeScan := &activeScanSupervisor{
		Supervisor: supervisor.New("active",
			supervisor.ScannerFunc(func(ctx context.Context) ([]model.SystemFile, error) {
				return active.Scan()
			}),
			time.Duration(cfg.Controller.IntervalMsDownloadingScan)*time.Millisecond,
			cfg.General.Verbose),
		scanner: active,
	}
	return remoteScan, localScan, activeScan
}

func defaultKeyFile() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ""
	}
	return home + "/.ssh/id_rsa"
}
