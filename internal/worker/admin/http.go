package admin

import (
	"encoding/json"
	"net/http"

	"github.com/gorilla/mux"
)

// NewRouter registers the ad-hoc SQL query route against ds, matching
// the gorilla/mux HTTP route registration style used throughout this codebase.
func NewRouter(ds *Datasource) *mux.Router {
	r := mux.NewRouter()
	r.HandleFunc("/admin/instances/query", queryHandler(ds)).Methods(http.MethodPost)
	return r
}

type queryRequest struct {
	SQL string `json:"sql"`
}

type queryResponse struct {
	Columns []string `json:"columns"`
	Rows    [][]any  `json:"rows"`
}

func queryHandler(ds *Datasource) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req queryRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}

		cols, rows, err := ds.Query(req.SQL)
		if err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}

		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(queryResponse{Columns: cols, Rows: rows})
	}
}
