// internal/viewer/routes/register.go
package routes

import (
	"context"
	"net/http"

	"github.com/petervdpas/callcore/internal/call"
	"github.com/petervdpas/callcore/internal/proto"
	"github.com/petervdpas/callcore/internal/signaling"
	"github.com/petervdpas/callcore/internal/storage"
)

type Logs interface {
	ServeLogsJSON(w http.ResponseWriter, r *http.Request)
	ServeLogsSSE(w http.ResponseWriter, r *http.Request)
}

// Calls is the controller surface the HTTP API drives. *call.Controller
// implements it.
type Calls interface {
	StartCall(ctx context.Context, otherUserID string, t proto.CallType) error
	AcceptCall(ctx context.Context) error
	RejectCall()
	EndCall()
	ToggleAudio() bool
	ToggleVideo() bool
	Snapshot() call.Snapshot
	Subscribe() (<-chan call.Event, func())
}

// Signal is the signaling channel surface. *signaling.Channel implements it.
type Signal interface {
	Status() signaling.Status
	UserID() string
	Connect(ctx context.Context, userID string) error
}

type History interface {
	CallHistory(userID string, limit, offset int) ([]storage.CallRecord, error)
}

type Deps struct {
	Calls   Calls
	Signal  Signal
	History History // may be nil
	Logs    Logs    // may be nil
	Metrics http.Handler
}

func Register(mux *http.ServeMux, d Deps) {
	if d.Logs != nil {
		mux.HandleFunc("/api/logs", d.Logs.ServeLogsJSON)
		mux.HandleFunc("/api/logs/stream", d.Logs.ServeLogsSSE)
	}
	registerSignalRoutes(mux, d)
	registerHistoryRoutes(mux, d)

	if d.Calls != nil {
		RegisterCall(mux, d.Calls)
	}
	if d.Metrics != nil {
		mux.Handle("/metrics", d.Metrics)
	}
}
