package main

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/withobsrvr/oip-index-node/internal/accessstore"
	"github.com/withobsrvr/oip-index-node/internal/config"
	"github.com/withobsrvr/oip-index-node/internal/indexer"
	"github.com/withobsrvr/oip-index-node/internal/oiperr"
	"github.com/withobsrvr/oip-index-node/internal/publisher"
	"github.com/withobsrvr/oip-index-node/internal/query"
	syncengine "github.com/withobsrvr/oip-index-node/internal/sync"
	"github.com/withobsrvr/oip-index-node/internal/memmonitor"
)

// newServer wires the §6 HTTP surface: /health, /status (the
// supplemented node health endpoint reporting indexer backlog, sync
// cycle stats, and memory samples), /query, and /publish.
func newServer(cfg *config.Config, qe *query.Engine, pub *publisher.Publisher, ix *indexer.Indexer, se *syncengine.Engine, monitor *memmonitor.Monitor, orgs *accessstore.Store, log *zap.Logger, mux *http.ServeMux) *http.Server {
	mux.HandleFunc("/health", handleHealth)
	mux.HandleFunc("/status", handleStatus(ix, se, monitor))
	mux.HandleFunc("/query", handleQuery(qe, orgs, log))
	mux.HandleFunc("/publish", handlePublish(pub, log))

	return &http.Server{
		Addr:         addrFor(cfg.Service.Port),
		Handler:      mux,
		ReadTimeout:  time.Duration(cfg.Service.ReadTimeoutSeconds) * time.Second,
		WriteTimeout: time.Duration(cfg.Service.WriteTimeoutSeconds) * time.Second,
	}
}

func handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	w.Write([]byte(`{"status":"healthy"}`))
}

type statusResponse struct {
	PendingTemplates int                   `json:"pendingTemplates"`
	QueueDepth       int                   `json:"queueDepth"`
	LastSyncCycle    syncengine.CycleStats `json:"lastSyncCycle"`
	MemorySamples    []memmonitor.Sample   `json:"memorySamples"`
}

func handleStatus(ix *indexer.Indexer, se *syncengine.Engine, monitor *memmonitor.Monitor) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		resp := statusResponse{
			PendingTemplates: ix.PendingCount(),
			QueueDepth:       ix.QueueDepth(),
			LastSyncCycle:    se.Stats(),
			MemorySamples:    monitor.Snapshot(),
		}
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(resp)
	}
}

func handleQuery(qe *query.Engine, orgs *accessstore.Store, log *zap.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		q := r.URL.Query()
		req := query.Request{
			Did:             q.Get("did"),
			RecordType:      q.Get("recordType"),
			Storage:         q.Get("storage"),
			Source:          q.Get("source"),
			Search:          q.Get("search"),
			SearchMatchMode: q.Get("searchMatchMode"),
			Tags:            q.Get("tags"),
			TagsMatchMode:   q.Get("tagsMatchMode"),
			Creator:         q.Get("creator"),
			SortBy:          q.Get("sortBy"),
			Limit:           q.Get("limit"),
			Offset:          q.Get("offset"),
			ResolveDepth:    q.Get("resolveDepth"),
			IncludeSigs:     q.Get("includeSigs") == "true",
		}

		caller := query.Caller{PubKey: r.Header.Get("X-OIP-PubKey"), Domain: r.Header.Get("X-OIP-Domain")}
		if orgs != nil {
			caller.OrgAdmin = func(orgDid string) bool {
				ok, err := orgs.IsAdmin(r.Context(), orgDid, caller.PubKey)
				if err != nil {
					log.Warn("status: org admin lookup failed", zap.Error(err))
					return false
				}
				return ok
			}
			caller.AutoEnroll = func(orgDid string) bool {
				ok, err := orgs.AutoEnrollMatches(r.Context(), orgDid, caller.Domain)
				if err != nil {
					log.Warn("status: auto-enroll lookup failed", zap.Error(err))
					return false
				}
				return ok
			}
		}

		page, err := qe.Query(req, caller)
		if err != nil {
			writeError(w, err)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(page)
	}
}

type publishRequest struct {
	RecordType string                     `json:"recordType"`
	Sections   map[string]map[string]any `json:"sections"`
	Options    publisher.Options         `json:"options"`
}

func handlePublish(pub *publisher.Publisher, log *zap.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}
		var req publishRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			http.Error(w, "invalid request body", http.StatusBadRequest)
			return
		}

		ctx, cancel := context.WithTimeout(r.Context(), 30*time.Second)
		defer cancel()

		receipt, err := pub.Publish(ctx, req.Sections, req.RecordType, req.Options)
		if err != nil {
			writeError(w, err)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(receipt)
	}
}

func writeError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	switch oiperr.KindOf(err) {
	case oiperr.BadRequest, oiperr.TypeMismatch, oiperr.UnknownField, oiperr.UnknownTemplate:
		status = http.StatusBadRequest
	case oiperr.InvalidSignature, oiperr.AccessDenied:
		status = http.StatusForbidden
	case oiperr.TransientIO:
		status = http.StatusServiceUnavailable
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(map[string]string{"error": err.Error()})
}
