// quilld is the Quill sync daemon: a local-first ledger backend that
// serves all reads from a SQLite cache and reconciles writes against a
// shared Postgres store in the background. The UI talks to it over
// localhost HTTP and a WebSocket event stream.
package main

import (
	"context"
	"flag"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/quillfin/quill/internal/config"
	"github.com/quillfin/quill/internal/ledger"
	"github.com/quillfin/quill/internal/listener"
	"github.com/quillfin/quill/internal/logging"
	"github.com/quillfin/quill/internal/models"
	"github.com/quillfin/quill/internal/monitor"
	"github.com/quillfin/quill/internal/queue"
	"github.com/quillfin/quill/internal/remote"
	"github.com/quillfin/quill/internal/store"
	"github.com/quillfin/quill/internal/syncer"
)

func main() {
	configPath := flag.String("config", "quill.yaml", "path to configuration file")
	flag.Parse()

	// The zap globals are not wired yet, so startup failures go to stderr.
	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("Invalid configuration: %v", err)
	}
	if err := logging.Init(cfg.LogLevel); err != nil {
		log.Fatalf("Failed to initialize logging: %v", err)
	}
	defer logging.Sync()

	if err := run(cfg); err != nil {
		zap.S().Fatalf("quilld exited: %v", err)
	}
}

func run(cfg config.Config) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	st, err := store.Open(cfg.DataDir)
	if err != nil {
		return err
	}
	defer st.Close()

	q, err := queue.Open(cfg.DataDir)
	if err != nil {
		return err
	}
	defer q.Close()

	var rem remote.Store
	switch cfg.Remote.Mode {
	case config.ModePostgres:
		rem, err = remote.NewPostgres(ctx, cfg.Remote.DSN)
		if err != nil {
			return err
		}
	default:
		mem := remote.NewMemory()
		if err := seedStandalone(st, q, mem); err != nil {
			return err
		}
		rem = mem
	}
	defer rem.Close()

	mon := monitor.New(rem)
	mon.SetIntervals(cfg.Sync.HealthInterval.Std(), cfg.Sync.RecoveryInterval.Std())
	disp := syncer.New(st, q, rem, mon)
	disp.SetTimers(cfg.Sync.Debounce.Std(), cfg.Sync.SafetyInterval.Std())
	lst := listener.New(st, q, rem, mon, disp.Resolutions())
	led := ledger.New(st, q, mon)

	hub := NewHub(mon.ReconnectNow)
	go bridgeEvents(ctx, hub, disp, lst, mon)

	go lst.Run(ctx)
	go disp.Run(ctx)
	go mon.Start(ctx)

	mux := http.NewServeMux()
	api := &API{ledger: led, hub: hub}
	api.Routes(mux)

	srv := &http.Server{
		Addr:         cfg.ListenAddr,
		Handler:      mux,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 0, // WebSocket connections stay open
	}

	errc := make(chan error, 1)
	go func() {
		zap.S().Infof("quilld listening on %s (remote mode: %s)", cfg.ListenAddr, cfg.Remote.Mode)
		errc <- srv.ListenAndServe()
	}()

	select {
	case err := <-errc:
		return err
	case <-ctx.Done():
		zap.S().Info("Shutting down")
		shutCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return srv.Shutdown(shutCtx)
	}
}

// seedStandalone primes the in-process remote with the confirmed local
// state. The standalone backend lives only as long as the process, so
// without seeding the reconnect reconciliation would treat every cached
// row as remotely deleted after a restart.
func seedStandalone(st *store.Store, q *queue.Queue, mem *remote.Memory) error {
	for _, typ := range models.EntityTypes {
		rows, err := st.List(typ, store.Query{IncludeDeleted: true})
		if err != nil {
			return err
		}
		for _, row := range rows {
			pending, err := q.PendingForEntity(typ, row.ID)
			if err != nil {
				return err
			}
			if pending != nil {
				// A pending create reaches the remote through the queue.
				// A pending update is seeded at its last confirmed version
				// so the dispatch version check succeeds.
				if pending.Operation != models.OpUpdate {
					continue
				}
				cp := *row
				cp.Version = pending.ExpectedVersion
				mem.Seed(&cp)
				continue
			}
			mem.Seed(row)
		}
	}
	return nil
}

// bridgeEvents forwards internal events to the WebSocket hub.
func bridgeEvents(ctx context.Context, hub *Hub, disp *syncer.Syncer, lst *listener.Listener, mon *monitor.Monitor) {
	states := mon.Subscribe()
	for {
		select {
		case <-ctx.Done():
			return
		case e := <-disp.Events():
			hub.BroadcastSyncEvent(e)
		case key := <-lst.Changes():
			hub.BroadcastEntityChanged(key)
		case st := <-states:
			hub.BroadcastConnectionState(st)
		}
	}
}
