// Command rsqld is the RSQL daemon: it opens (or creates) a database
// directory, replays WAL recovery, starts the checkpoint ticker, and serves
// the §6.2 WebSocket protocol on /ws. Configuration is entirely through the
// §6.3 environment variables — no flags, no config file — following the
// teacher's cmd/server in spirit (a small main wiring a DB/engine to an HTTP
// listener) while trading its flag-based config for env vars end to end.
package main

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"syscall"
	"time"

	"github.com/gorilla/websocket"

	"rsql.dev/rsql/internal/catalog"
	"rsql.dev/rsql/internal/engine"
	"rsql.dev/rsql/internal/session"
	"rsql.dev/rsql/internal/storage/pager"
	"rsql.dev/rsql/internal/txn"
)

var mainLog = log.New(os.Stderr, "[rsqld] ", log.LstdFlags)

// config holds the §6.3 environment-variable configuration, resolved once
// at startup.
type config struct {
	dataDir            string
	pageSize           int
	bufferFrames       int
	walFsync           string
	computeThreads     int
	checkpointInterval time.Duration
	port               int
}

func loadConfig() config {
	cfg := config{
		dataDir:            getEnvDefault("RSQL_DATA_DIR", "./rsql-data"),
		pageSize:           getEnvIntDefault("RSQL_PAGE_SIZE", 4096),
		bufferFrames:       getEnvIntDefault("RSQL_BUFFER_FRAMES", 4096),
		walFsync:           getEnvDefault("RSQL_WAL_FSYNC", "group"),
		computeThreads:     getEnvIntDefault("RSQL_COMPUTE_THREADS", 0),
		checkpointInterval: time.Duration(getEnvIntDefault("RSQL_CHECKPOINT_INTERVAL_S", 60)) * time.Second,
		port:               getEnvIntDefault("RSQL_PORT", 4456),
	}
	return cfg
}

func getEnvDefault(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func getEnvIntDefault(key string, def int) int {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		mainLog.Printf("invalid %s=%q, using default %d", key, v, def)
		return def
	}
	return n
}

func main() {
	cfg := loadConfig()

	if cfg.walFsync != "always" {
		mainLog.Printf("RSQL_WAL_FSYNC=%q requested, but this build only fsyncs on every commit (group-commit batching not implemented)", cfg.walFsync)
	}
	if cfg.computeThreads > 0 {
		mainLog.Printf("RSQL_COMPUTE_THREADS=%d requested; the compute pool currently sizes itself off GOMAXPROCS", cfg.computeThreads)
	}

	if err := os.MkdirAll(cfg.dataDir, 0o755); err != nil {
		mainLog.Fatalf("create data dir %q: %v", cfg.dataDir, err)
	}

	pgr, err := pager.OpenPager(pager.PagerConfig{
		DBPath:        filepath.Join(cfg.dataDir, "rsql.db"),
		WALPath:       filepath.Join(cfg.dataDir, "rsql.wal"),
		PageSize:      cfg.pageSize,
		MaxCachePages: cfg.bufferFrames,
	})
	if err != nil {
		mainLog.Fatalf("open pager: %v", err)
	}
	defer pgr.Close()

	cat, err := bootstrapCatalog(pgr)
	if err != nil {
		mainLog.Fatalf("bootstrap catalog: %v", err)
	}

	txns := txn.NewManager(pgr)
	eng := engine.NewEngine(pgr, cat, txns)
	hub := session.NewHub()

	ckpt := session.NewCheckpointer(pgr, txns, hub, cfg.checkpointInterval)
	if err := ckpt.Start(); err != nil {
		mainLog.Fatalf("start checkpoint ticker: %v", err)
	}
	defer ckpt.Stop()

	upgrader := websocket.Upgrader{
		ReadBufferSize:  4096,
		WriteBufferSize: 4096,
		CheckOrigin:     func(r *http.Request) bool { return true },
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/ws", func(w http.ResponseWriter, r *http.Request) {
		handleWS(w, r, &upgrader, cat, eng, txns, hub)
	})

	srv := &http.Server{
		Addr:    fmt.Sprintf(":%d", cfg.port),
		Handler: mux,
	}

	go func() {
		mainLog.Printf("listening on %s (data dir %s)", srv.Addr, cfg.dataDir)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			mainLog.Fatalf("serve: %v", err)
		}
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)
	<-stop

	mainLog.Printf("shutting down")
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(ctx); err != nil {
		mainLog.Printf("shutdown: %v", err)
	}
}

// handleWS authenticates the §6.2 username/password query parameters,
// closing with code 4401 on failure, then hands the upgraded connection to
// a new Session.
func handleWS(w http.ResponseWriter, r *http.Request, upgrader *websocket.Upgrader, cat *catalog.Catalog, eng *engine.Engine, txns *txn.Manager, hub *session.Hub) {
	user := r.URL.Query().Get("username")
	password := r.URL.Query().Get("password")

	if err := session.Authenticate(cat, user, password); err != nil {
		conn, upErr := upgrader.Upgrade(w, r, nil)
		if upErr != nil {
			return
		}
		closeMsg := websocket.FormatCloseMessage(session.CloseAuthFailed, "authentication failed")
		_ = conn.WriteControl(websocket.CloseMessage, closeMsg, time.Now().Add(time.Second))
		_ = conn.Close()
		return
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		mainLog.Printf("upgrade failed: %v", err)
		return
	}

	s := session.NewSession(conn, eng, txns, user)
	s.Run(r.Context(), hub)
}

// bootstrapCatalog opens the catalog from the superblock's single
// CatalogRoot slot (see catalog.OpenFromSuperblockRoot), persisting the
// newly allocated meta root and creating a default administrator account
// on a fresh database so there is always at least one user able to connect
// and grant further accounts.
func bootstrapCatalog(pgr *pager.Pager) (*catalog.Catalog, error) {
	sb := pgr.Superblock()

	txID, err := pgr.BeginTx()
	if err != nil {
		return nil, err
	}

	cat, metaRoot, err := catalog.OpenFromSuperblockRoot(pgr, sb.CatalogRoot, txID)
	if err != nil {
		_ = pgr.RollbackTx(txID)
		return nil, err
	}

	fresh := sb.CatalogRoot == pager.InvalidPageID
	if fresh {
		if _, err := cat.CreateUser(txID, "admin", "admin"); err != nil {
			_ = pgr.RollbackTx(txID)
			return nil, fmt.Errorf("create default admin user: %w", err)
		}
		if err := cat.Grant(txID, "admin", catalog.PermRead|catalog.PermWrite, ""); err != nil {
			_ = pgr.RollbackTx(txID)
			return nil, fmt.Errorf("grant default admin permissions: %w", err)
		}
		mainLog.Printf("fresh database: created default user \"admin\" (password \"admin\") — change it immediately")
	}

	if err := pgr.CommitTx(txID); err != nil {
		return nil, fmt.Errorf("commit catalog bootstrap: %w", err)
	}

	pgr.UpdateSuperblock(func(sb *pager.Superblock) {
		sb.CatalogRoot = metaRoot
	})

	return cat, nil
}
