package routes

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"

	"github.com/petervdpas/callcore/internal/call"
	"github.com/petervdpas/callcore/internal/proto"
)

// RegisterCall registers the call control endpoints.
//
//	GET  /api/call/state         current snapshot
//	GET  /api/call/events        SSE: state and lifecycle events
//	POST /api/call/start         {"callee_id","call_type"}
//	POST /api/call/accept
//	POST /api/call/reject
//	POST /api/call/end           (alias /api/call/hangup)
//	POST /api/call/toggle-audio  -> {"muted":bool}
//	POST /api/call/toggle-video  -> {"disabled":bool}
func RegisterCall(mux *http.ServeMux, calls Calls) {
	handleGet(mux, "/api/call/state", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, calls.Snapshot())
	})

	handlePost(mux, "/api/call/start", func(w http.ResponseWriter, r *http.Request, req struct {
		CalleeID string         `json:"callee_id"`
		CallType proto.CallType `json:"call_type"`
	}) {
		if req.CalleeID == "" {
			http.Error(w, "missing callee_id", http.StatusBadRequest)
			return
		}
		if req.CallType == "" {
			req.CallType = proto.CallVideo
		}
		if !req.CallType.Valid() {
			http.Error(w, "call_type must be audio or video", http.StatusBadRequest)
			return
		}
		// A client disconnect does not abort capture; hangup does.
		if err := calls.StartCall(context.WithoutCancel(r.Context()), req.CalleeID, req.CallType); err != nil {
			callError(w, "start call", err)
			return
		}
		writeJSON(w, calls.Snapshot())
	})

	handlePost(mux, "/api/call/accept", func(w http.ResponseWriter, r *http.Request, _ struct{}) {
		if err := calls.AcceptCall(context.WithoutCancel(r.Context())); err != nil {
			callError(w, "accept call", err)
			return
		}
		writeJSON(w, calls.Snapshot())
	})

	handlePost(mux, "/api/call/reject", func(w http.ResponseWriter, r *http.Request, _ struct{}) {
		calls.RejectCall()
		writeJSON(w, calls.Snapshot())
	})

	for _, path := range []string{"/api/call/end", "/api/call/hangup"} {
		handlePost(mux, path, func(w http.ResponseWriter, r *http.Request, _ struct{}) {
			calls.EndCall()
			writeJSON(w, calls.Snapshot())
		})
	}

	handlePost(mux, "/api/call/toggle-audio", func(w http.ResponseWriter, r *http.Request, _ struct{}) {
		writeJSON(w, map[string]bool{"muted": calls.ToggleAudio()})
	})

	handlePost(mux, "/api/call/toggle-video", func(w http.ResponseWriter, r *http.Request, _ struct{}) {
		writeJSON(w, map[string]bool{"disabled": calls.ToggleVideo()})
	})

	// Each connection gets its own subscription, cancelled on disconnect.
	handleGet(mux, "/api/call/events", func(w http.ResponseWriter, r *http.Request) {
		flusher, ok := w.(http.Flusher)
		if !ok {
			http.Error(w, "streaming not supported", http.StatusInternalServerError)
			return
		}
		sseHeaders(w)

		events, cancel := calls.Subscribe()
		defer cancel()

		// Start from the current state so a fresh page can render at once.
		writeEvent(w, call.Event{Kind: call.EventState, Snapshot: calls.Snapshot()})
		flusher.Flush()

		for {
			select {
			case <-r.Context().Done():
				return
			case ev, ok := <-events:
				if !ok {
					return
				}
				writeEvent(w, ev)
				flusher.Flush()
			}
		}
	})
}

func writeEvent(w http.ResponseWriter, ev call.Event) {
	data, err := json.Marshal(ev)
	if err != nil {
		return
	}
	fmt.Fprintf(w, "event: %s\ndata: %s\n\n", ev.Kind, data)
}

func callError(w http.ResponseWriter, op string, err error) {
	var mae *call.MediaAccessError
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, call.ErrNotIdle):
		status = http.StatusConflict
	case errors.Is(err, call.ErrNotConnected), errors.Is(err, call.ErrClosed):
		status = http.StatusServiceUnavailable
	case errors.Is(err, call.ErrCanceled):
		status = http.StatusGone
	case errors.As(err, &mae):
		status = http.StatusForbidden
	}
	http.Error(w, fmt.Sprintf("%s failed: %v", op, err), status)
}
