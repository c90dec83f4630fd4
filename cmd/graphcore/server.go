package main

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/gorilla/mux"

	"github.com/robosystems/graphcore/infrastructure/logging"
	"github.com/robosystems/graphcore/infrastructure/ratelimit"
	"github.com/robosystems/graphcore/internal/graphdb"
	"github.com/robosystems/graphcore/internal/repository"
)

// queryRequestBody is the wire shape of a query against one graph's
// repository facade. Request and response bodies use the same JSON fields
// as repository.Remote's client (cypher/params in, rows/error out); the
// route differs: this node serves /graphs/{graphID}/query, while Remote
// posts to /databases/{graphID}/query.
type queryRequestBody struct {
	Cypher string         `json:"cypher"`
	Params map[string]any `json:"params"`
}

type queryResponseBody struct {
	Rows  []map[string]any `json:"rows"`
	Error string           `json:"error,omitempty"`
}

// newRouter builds the node's HTTP surface: a liveness probe and a
// per-graph query endpoint backed by repository.Local over the shared
// graphdb.Manager, matching the gateway's mux.Router + JSON-handler idiom.
func newRouter(graphs *graphdb.Manager, logger *logging.Logger) *mux.Router {
	limiter := ratelimit.New(100, 200, logger)

	router := mux.NewRouter()
	router.HandleFunc("/health", healthHandler(graphs)).Methods(http.MethodGet)

	graphsRouter := router.PathPrefix("/graphs").Subrouter()
	graphsRouter.Use(limiter.Handler)
	graphsRouter.HandleFunc("/{graphID}/query", queryHandler(graphs, logger)).Methods(http.MethodPost)

	return router
}

func healthHandler(graphs *graphdb.Manager) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		_ = json.NewEncoder(w).Encode(map[string]string{"status": "ok"})
	}
}

func queryHandler(graphs *graphdb.Manager, logger *logging.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		graphID := mux.Vars(r)["graphID"]

		var body queryRequestBody
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			writeQueryError(w, http.StatusBadRequest, err)
			return
		}

		readOnly := r.URL.Query().Get("read_only") != "false"
		repo := repository.NewLocal(graphs, graphID, readOnly)
		defer repo.Close()

		ctx, cancel := context.WithTimeout(r.Context(), 60*time.Second)
		defer cancel()

		rows, err := repo.ExecuteQuery(ctx, body.Cypher, body.Params)
		if err != nil {
			logger.Error(ctx, "query failed", err, map[string]interface{}{"graph_id": graphID})
			writeQueryError(w, http.StatusBadRequest, err)
			return
		}

		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(queryResponseBody{Rows: rows})
	}
}

func writeQueryError(w http.ResponseWriter, status int, err error) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(queryResponseBody{Error: err.Error()})
}
