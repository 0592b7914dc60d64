package main

import (
	"context"
	"errors"
	"flag"
	"log"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"isocity/internal/persistence/citydb"
	"isocity/internal/sim/authority"
	"isocity/internal/sim/catalog"
	"isocity/internal/sim/tuning"
	"isocity/internal/transport/ws"
)

func main() {
	var (
		addr       = flag.String("addr", ":8080", "http listen address")
		configDir  = flag.String("configs", "./configs", "config directory")
		dataDir    = flag.String("data", "./data", "runtime data directory")
		tuningPath = flag.String("tuning", "", "path to tuning.yaml (default: <configs>/tuning.yaml)")
	)
	flag.Parse()

	logger := log.New(os.Stdout, "[server] ", log.LstdFlags|log.Lmicroseconds)

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

	cat, err := catalog.Load(filepath.Join(*configDir, "buildings.json"))
	if err != nil {
		logger.Fatalf("load building catalog: %v", err)
	}
	logger.Printf("catalog loaded: %d buildings digest=%s", len(cat.IDs), cat.Digest[:12])

	store, err := citydb.Open(filepath.Join(*dataDir, "city.db"), logger)
	if err != nil {
		logger.Fatalf("open city db: %v", err)
	}
	defer store.Close()

	auth := authority.New(tune, cat, store, authority.NewRegistry(), logger)
	ctx, cancel := context.WithCancel(context.Background())
	go auth.Run(ctx)

	mux := http.NewServeMux()
	mux.HandleFunc("/v1/ws", ws.NewServer(auth, ws.IdentityFunc(devIdentity), logger).Handler())
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok\n"))
	})

	srv := &http.Server{Addr: *addr, Handler: mux}

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-stop
		logger.Printf("shutting down")
		cancel()
		shutdownCtx, done := context.WithTimeout(context.Background(), 5*time.Second)
		defer done()
		_ = srv.Shutdown(shutdownCtx)
	}()

	logger.Printf("listening on %s (tick every %s)", *addr, tune.TickInterval())
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		logger.Fatalf("ListenAndServe: %v", err)
	}
}

// devIdentity accepts "user_id:username" tokens. A real deployment swaps this
// for a verifier backed by the account service.
func devIdentity(token, clientName string) (string, string, error) {
	user, name, ok := strings.Cut(strings.TrimSpace(token), ":")
	if !ok || user == "" || name == "" {
		return "", "", errors.New("token must be user_id:username")
	}
	return user, name, nil
}
