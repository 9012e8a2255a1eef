package routes

import (
	"fmt"
	"net/http"
)

//	GET  /api/signal/status   {"status","user_id"}
//	POST /api/signal/connect  {"user_id"}
func registerSignalRoutes(mux *http.ServeMux, d Deps) {
	if d.Signal == nil {
		return
	}

	handleGet(mux, "/api/signal/status", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, map[string]string{
			"status":  string(d.Signal.Status()),
			"user_id": d.Signal.UserID(),
		})
	})

	handlePost(mux, "/api/signal/connect", func(w http.ResponseWriter, r *http.Request, req struct {
		UserID string `json:"user_id"`
	}) {
		if req.UserID == "" {
			http.Error(w, "missing user_id", http.StatusBadRequest)
			return
		}
		if err := d.Signal.Connect(r.Context(), req.UserID); err != nil {
			http.Error(w, fmt.Sprintf("connect failed: %v", err), http.StatusBadGateway)
			return
		}
		writeJSON(w, map[string]string{
			"status":  string(d.Signal.Status()),
			"user_id": d.Signal.UserID(),
		})
	})
}

// GET /api/call/history?user_id=X&limit=N&offset=M
func registerHistoryRoutes(mux *http.ServeMux, d Deps) {
	if d.History == nil {
		return
	}
	handleGet(mux, "/api/call/history", func(w http.ResponseWriter, r *http.Request) {
		userID := r.URL.Query().Get("user_id")
		if userID == "" && d.Signal != nil {
			userID = d.Signal.UserID()
		}
		recs, err := d.History.CallHistory(userID, queryInt(r, "limit", 20), queryInt(r, "offset", 0))
		if err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		writeJSON(w, recs)
	})
}
