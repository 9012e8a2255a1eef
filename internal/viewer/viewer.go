// Package viewer serves the local HTTP API of an agent: call control, the
// signaling status, call history, logs and metrics.
package viewer

import (
	"context"
	"errors"
	"log"
	"net/http"

	"github.com/petervdpas/callcore/internal/util"
	"github.com/petervdpas/callcore/internal/viewer/routes"
)

type Viewer struct {
	Calls   routes.Calls
	Signal  routes.Signal
	History routes.History // nil disables /api/call/history
	Logs    *LogBuffer
	Metrics http.Handler // nil disables /metrics
}

// Handler builds the viewer's routes.
func (v Viewer) Handler() http.Handler {
	deps := routes.Deps{
		Calls:   v.Calls,
		Signal:  v.Signal,
		History: v.History,
		Metrics: v.Metrics,
	}
	if v.Logs != nil {
		deps.Logs = v.Logs
	}

	mux := http.NewServeMux()
	routes.Register(mux, deps)
	return noCache(mux)
}

// Start serves v on addr until ctx is done.
func Start(ctx context.Context, addr string, v Viewer) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           v.Handler(),
		ReadHeaderTimeout: util.DefaultDialTimeout,
	}

	go func() {
		<-ctx.Done()
		sctx, cancel := context.WithTimeout(context.Background(), util.ShortTimeout)
		defer cancel()
		// Event streams never finish on their own.
		if err := srv.Shutdown(sctx); err != nil {
			_ = srv.Close()
		}
	}()

	log.Printf("VIEWER: listening on http://%s", addr)
	if err := srv.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}
