package app

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net"
	"net/http"
	"strconv"

	"github.com/petervdpas/callcore/internal/signaling"
	"github.com/petervdpas/callcore/internal/storage"
	"github.com/petervdpas/callcore/internal/util"
)

// RunRelay serves the signaling relay plus a small read-only API until ctx
// is done.
func RunRelay(ctx context.Context, opt Options) error {
	cfg := opt.Cfg
	logBanner("relay", opt.Dir, opt.CfgPath)

	m, metricsHandler := newMetrics(cfg)

	var db *storage.DB
	if cfg.Relay.DBPath != "" {
		var err error
		db, err = storage.Open(util.ResolvePath(opt.Dir, cfg.Relay.DBPath))
		if err != nil {
			return err
		}
		defer db.Close()
		log.Printf("STORAGE: relay call log at %s", db.Path())
	}

	var calllog signaling.CallLog
	if db != nil {
		calllog = db
	}
	relay := signaling.NewRelay(cfg.Relay.Path, calllog, m)

	addr := net.JoinHostPort(cfg.Relay.Bind, strconv.Itoa(cfg.Relay.Port))
	srv := &http.Server{
		Addr:              addr,
		Handler:           relayMux(relay, db, metricsHandler, cfg.Relay.Path),
		ReadHeaderTimeout: util.DefaultDialTimeout,
	}

	errCh := make(chan error, 1)
	go func() {
		log.Printf("RELAY: listening on ws://%s%s/<user id>", addr, cfg.Relay.Path)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), util.ShortTimeout)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
		log.Println("RELAY: shutting down")
		return nil
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return fmt.Errorf("relay listen %s: %w", addr, err)
	}
}

// relayMux mounts the websocket relay under path plus:
//
//	GET /call/active?user_id=...
//	GET /call/history?user_id=...&limit=&offset=
//	GET /metrics
func relayMux(relay *signaling.Relay, db *storage.DB, metricsHandler http.Handler, path string) *http.ServeMux {
	mux := http.NewServeMux()
	mux.Handle(path+"/", relay)

	mux.HandleFunc("/call/active", func(w http.ResponseWriter, r *http.Request) {
		userID := r.URL.Query().Get("user_id")
		if userID == "" {
			http.Error(w, "missing user_id", http.StatusBadRequest)
			return
		}
		ac, ok := relay.ActiveCall(userID)
		writeJSON(w, map[string]any{
			"user_id": userID,
			"online":  relay.Online(userID),
			"in_call": ok,
			"call":    ac,
		})
	})

	mux.HandleFunc("/call/history", func(w http.ResponseWriter, r *http.Request) {
		if db == nil {
			http.Error(w, "call log disabled", http.StatusNotFound)
			return
		}
		q := r.URL.Query()
		userID := q.Get("user_id")
		if userID == "" {
			http.Error(w, "missing user_id", http.StatusBadRequest)
			return
		}
		limit, _ := strconv.Atoi(q.Get("limit"))
		offset, _ := strconv.Atoi(q.Get("offset"))
		if limit <= 0 {
			limit = 20
		}
		recs, err := db.CallHistory(userID, limit, offset)
		if err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		if recs == nil {
			recs = []storage.CallRecord{}
		}
		writeJSON(w, recs)
	})

	if metricsHandler != nil {
		mux.Handle("/metrics", metricsHandler)
	}
	return mux
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	_ = json.NewEncoder(w).Encode(v)
}
