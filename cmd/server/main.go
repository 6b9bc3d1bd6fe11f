package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"sort"
	"strings"
	"syscall"
	"time"

	"snapforge/internal/persistence/indexdb"
	persistlog "snapforge/internal/persistence/log"
	"snapforge/internal/sim/catalogs"
	"snapforge/internal/sim/session"
	"snapforge/internal/sim/tuning"
	"snapforge/internal/transport/ws"
)

func main() {
	var (
		addr       = flag.String("addr", ":8080", "http listen address")
		sessionID  = flag.String("session", "session_1", "session id")
		configDir  = flag.String("configs", "./configs", "config directory")
		dataDir    = flag.String("data", "./data", "runtime data directory")
		tuningPath = flag.String("tuning", "", "path to tuning.yaml (default: <configs>/tuning.yaml)")
		disableDB  = flag.Bool("disable_db", false, "disable the sqlite frame/audit index")
	)
	flag.Parse()

	logger := log.New(os.Stdout, "[server] ", log.LstdFlags|log.Lmicroseconds)

	cats, err := catalogs.Load(*configDir)
	if err != nil {
		logger.Fatalf("load catalogs: %v", err)
	}

	tp := strings.TrimSpace(*tuningPath)
	if tp == "" {
		tp = filepath.Join(*configDir, "tuning.yaml")
	}
	tune, err := tuning.Load(tp)
	if err != nil {
		if os.IsNotExist(err) {
			logger.Printf("tuning not found (%s); using defaults", tp)
			tune = tuning.Defaults()
		} else {
			logger.Fatalf("load tuning: %v", err)
		}
	}

	sessionDir := filepath.Join(*dataDir, "sessions", *sessionID)
	_ = os.MkdirAll(sessionDir, 0o755)

	s, err := session.New(session.Config{
		ID:               *sessionID,
		Tuning:           tune,
		StartResources:   startResources(tune, cats),
		GroundHalfExtent: tune.GroundHalfExtent,
	}, cats, logger)
	if err != nil {
		logger.Fatalf("session: %v", err)
	}

	// Optional: read-model index backend (does not affect sim determinism).
	var idx *indexdb.SQLiteIndex
	if !*disableDB {
		idx, err = indexdb.OpenSQLite(filepath.Join(sessionDir, "index.db"))
		if err != nil {
			logger.Fatalf("open index backend: %v", err)
		}
		defer idx.Close()
		if err := idx.UpsertCatalogs(*configDir, cats, tune); err != nil {
			logger.Printf("index backend: upsert catalogs: %v", err)
		}
	}

	frameLog := persistlog.NewFrameLogger(sessionDir)
	auditLog := persistlog.NewAuditLogger(sessionDir)
	defer frameLog.Close()
	defer auditLog.Close()
	s.SetFrameLogger(multiFrameLogger{a: frameLog, b: idx})
	s.SetAuditLogger(multiAuditLogger{a: auditLog, b: idx})

	ctx, cancel := signalContext()
	defer cancel()

	go func() {
		if err := s.Run(ctx); err != nil && err != context.Canceled {
			logger.Printf("session stopped: %v", err)
		}
	}()

	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", func(rw http.ResponseWriter, r *http.Request) {
		rw.WriteHeader(200)
		_, _ = rw.Write([]byte("ok"))
	})
	mux.HandleFunc("/metrics", func(rw http.ResponseWriter, r *http.Request) {
		rw.Header().Set("Content-Type", "text/plain; version=0.0.4")

		// Minimal Prometheus exposition format.
		fmt.Fprintf(rw, "# HELP snapforge_session_frame Current session frame.\n")
		fmt.Fprintf(rw, "# TYPE snapforge_session_frame gauge\n")
		fmt.Fprintf(rw, "snapforge_session_frame{session=%q} %d\n", *sessionID, s.CurrentFrame())
	})
	mux.HandleFunc("/v1/ws", ws.NewServer(s, logger).Handler())

	srv := &http.Server{
		Addr:              *addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		<-ctx.Done()
		ctx2, cancel2 := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel2()
		_ = srv.Shutdown(ctx2)
	}()

	logger.Printf("listening on %s", *addr)
	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		logger.Fatalf("ListenAndServe: %v", err)
	}
}

// startResources flattens the tuning grant map into the deterministic sorted
// form the session expects.
func startResources(tune tuning.Tuning, cats *catalogs.Catalogs) []catalogs.ResourceCount {
	ids := make([]string, 0, len(tune.StartResources))
	for id := range tune.StartResources {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	out := make([]catalogs.ResourceCount, 0, len(ids))
	for _, id := range ids {
		if _, ok := cats.Resources.Defs[id]; !ok {
			continue
		}
		out = append(out, catalogs.ResourceCount{Resource: id, Count: tune.StartResources[id]})
	}
	return out
}

func signalContext() (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(context.Background())
	ch := make(chan os.Signal, 2)
	signal.Notify(ch, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-ch
		cancel()
	}()
	return ctx, cancel
}

type multiFrameLogger struct {
	a session.FrameLogger
	b *indexdb.SQLiteIndex
}

func (m multiFrameLogger) WriteFrame(entry session.FrameLogEntry) error {
	if m.a != nil {
		_ = m.a.WriteFrame(entry)
	}
	if m.b != nil {
		_ = m.b.WriteFrame(entry)
	}
	return nil
}

type multiAuditLogger struct {
	a session.AuditLogger
	b *indexdb.SQLiteIndex
}

func (m multiAuditLogger) WriteAudit(entry session.AuditEntry) error {
	if m.a != nil {
		_ = m.a.WriteAudit(entry)
	}
	if m.b != nil {
		_ = m.b.WriteAudit(entry)
	}
	return nil
}
