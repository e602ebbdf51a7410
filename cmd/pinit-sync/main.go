package main

import (
	"context"
	"flag"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/TomPython98/pinit-backend-sub005/config"
	"github.com/TomPython98/pinit-backend-sub005/store"
	syncer "github.com/TomPython98/pinit-backend-sub005/sync"
)

func main() {
	cfgPath := flag.String("config", "pinit-sync.yaml", "path to the YAML config")
	user := flag.String("user", "", "username to sync events for")
	flag.Parse()

	if *user == "" {
		log.Fatal("-user is required")
	}

	cfg, err := config.Load(*cfgPath)
	if err != nil {
		log.Fatalf("loading config: %v", err)
	}

	deps := syncer.Deps{}
	if cfg.SnapshotPath != "" {
		snaps, err := store.NewSnapshotStore(cfg.SnapshotPath)
		if err != nil {
			log.Fatalf("opening snapshot store: %v", err)
		}
		defer snaps.Close()
		deps.Snapshots = snaps
	}

	manager := syncer.NewManager(cfg, deps)
	session := manager.Login(context.Background(), *user)

	updates, cancel := session.Subscribe()
	defer cancel()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)

	printEvents(session)
	for {
		select {
		case <-updates:
			printEvents(session)
		case <-stop:
			slog.Info("shutting down")
			manager.Logout()
			return
		}
	}
}

func printEvents(session *syncer.Session) {
	status := session.Status()
	slog.Info("visible events",
		"count", len(session.Events()),
		"channel", status.ChannelState,
		"last_refresh", status.LastRefreshTime)
	for _, e := range session.Events() {
		slog.Info("event", "id", e.ID, "title", e.Title, "time", e.Time, "host", e.Host)
	}
}
