package main

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/kumomta/kumod-core/internal/admin"
)

// mountAdminAPI wires the admin control plane (internal/admin.Registry) onto
// mux as a small set of JSON endpoints: one POST per entry kind plus a
// shared /admin/cancel, following the same plain-net/http shape
// internal/ingress.InjectHandler uses rather than pulling in a router
// dependency no other component needs.
func mountAdminAPI(mux *http.ServeMux, srv *Server) {
	mux.HandleFunc("/admin/bounce", adminEntryHandler(srv, admin.Bounce))
	mux.HandleFunc("/admin/suspend-schedq", adminEntryHandler(srv, admin.SuspendSchedQ))
	mux.HandleFunc("/admin/suspend-readyq", adminEntryHandler(srv, admin.SuspendReadyQ))
	mux.HandleFunc("/admin/rebind", adminEntryHandler(srv, admin.Rebind))
	mux.HandleFunc("/admin/transfer", adminEntryHandler(srv, admin.Transfer))
	mux.HandleFunc("/admin/cancel", adminCancelHandler(srv))
}

// adminEntryRequest is the JSON body shared by every /admin/* entry
// endpoint; which fields apply depends on kind (e.g. Overrides only makes
// sense for rebind/transfer).
type adminEntryRequest struct {
	Domain    string                 `json:"domain,omitempty"`
	Tenant    string                 `json:"tenant,omitempty"`
	Campaign  string                 `json:"campaign,omitempty"`
	ReadyQueue string                `json:"ready_queue,omitempty"`
	Reason    string                 `json:"reason,omitempty"`
	TTL       string                 `json:"ttl,omitempty"` // e.g. "1h"; empty means no expiry
	Overrides map[string]interface{} `json:"overrides,omitempty"`
	Suppress  bool                   `json:"suppress_log,omitempty"`
}

type adminEntryResponse struct {
	ID string `json:"id"`
}

func adminEntryHandler(srv *Server, kind admin.Kind) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}
		var req adminEntryRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}

		e := &admin.Entry{
			Kind: kind,
			Selector: admin.Selector{
				Domain:     req.Domain,
				Tenant:     req.Tenant,
				Campaign:   req.Campaign,
				ReadyQueue: req.ReadyQueue,
			},
			Reason:      req.Reason,
			Overrides:   req.Overrides,
			SuppressLog: req.Suppress,
		}
		if req.TTL != "" {
			d, err := time.ParseDuration(req.TTL)
			if err != nil {
				http.Error(w, "invalid ttl: "+err.Error(), http.StatusBadRequest)
				return
			}
			e.Expires = time.Now().Add(d)
		}

		id := srv.admin.Add(e)
		writeJSON(w, adminEntryResponse{ID: id})
	}
}

type adminCancelRequest struct {
	ID string `json:"id"`
}

type adminCancelResponse struct {
	Cancelled    bool   `json:"cancelled"`
	RestoredQueue string `json:"restored_queue,omitempty"`
}

func adminCancelHandler(srv *Server) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}
		var req adminCancelRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}

		if restored, ok := srv.admin.CancelTransfer(req.ID); ok {
			writeJSON(w, adminCancelResponse{Cancelled: true, RestoredQueue: restored})
			return
		}

		writeJSON(w, adminCancelResponse{Cancelled: srv.admin.Cancel(req.ID)})
	}
}

func writeJSON(w http.ResponseWriter, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(v)
}
