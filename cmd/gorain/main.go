// Command gorain is a minimal CLI driving the engine package: it reads a
// .torrent file and a data directory, starts one download, and logs
// progress until the torrent reaches Seeding. It carries no core logic —
// proving the library is wireable is its only job.
package main

import (
	"flag"
	"fmt"
	"os"
	"time"

	homedir "github.com/mitchellh/go-homedir"

	"github.com/cenkalti/gorain"
	"github.com/cenkalti/gorain/internal/engine"
	"github.com/cenkalti/gorain/internal/logger"
	"github.com/cenkalti/gorain/internal/metainfo"
)

var (
	torrentPath = flag.String("torrent", "", "path to a .torrent file")
	dataDir     = flag.String("data", ".", "directory to download into")
	configPath  = flag.String("config", "", "optional YAML config file")
	logLevel    = flag.String("log-level", "info", "debug, info, warning, or error")
)

func main() {
	flag.Parse()
	if err := logger.SetLevel(*logLevel); err != nil {
		fmt.Fprintln(os.Stderr, "gorain:", err)
		os.Exit(1)
	}
	if *torrentPath == "" {
		fmt.Fprintln(os.Stderr, "gorain: -torrent is required")
		os.Exit(1)
	}

	if err := run(); err != nil {
		fmt.Fprintln(os.Stderr, "gorain:", err)
		os.Exit(1)
	}
}

func run() error {
	log := logger.New("cmd")

	cfg, err := gorain.LoadConfig(*configPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	dir, err := homedir.Expand(*dataDir)
	if err != nil {
		return fmt.Errorf("expand data dir: %w", err)
	}
	dataDir = &dir

	f, err := os.Open(*torrentPath)
	if err != nil {
		return fmt.Errorf("open torrent: %w", err)
	}
	mi, err := metainfo.New(f)
	f.Close()
	if err != nil {
		return fmt.Errorf("parse torrent: %w", err)
	}

	e, err := engine.New(*cfg)
	if err != nil {
		return fmt.Errorf("start engine: %w", err)
	}
	defer e.Shutdown()

	if err := e.AddTorrent(mi, *dataDir); err != nil {
		return fmt.Errorf("add torrent: %w", err)
	}
	if err := e.StartTorrent(mi.InfoHash); err != nil {
		return fmt.Errorf("start torrent: %w", err)
	}

	log.Infoln("downloading", mi.Info.Name, "into", *dataDir)

	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()
	for range ticker.C {
		snaps := e.Snapshots()
		for _, s := range snaps {
			if s.InfoHash != mi.InfoHash {
				continue
			}
			log.Infof("%s: %.1f%% (%d peers) down=%.0fB/s up=%.0fB/s",
				s.State, s.Progress, len(s.Peers), s.DownloadSpeed, s.UploadSpeed)
			if s.State == engine.StateSeeding.String() {
				log.Infoln("download complete, seeding")
				return nil
			}
		}
	}
	return nil
}
