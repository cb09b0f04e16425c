package httpapi

import "net/http"

func NewMux(opt Options) *http.ServeMux {
	opt = opt.withDefaults()
	h := apiHandler{opt: opt}

	mux := http.NewServeMux()
	mux.HandleFunc("GET /healthz", handleHealthz)
	mux.HandleFunc("GET /metrics", handleMetrics)
	mux.HandleFunc("GET /api/servers", h.handleServers)
	mux.HandleFunc("GET /api/export", h.handleExport)
	mux.HandleFunc("POST /api/import", h.handleImportAll)
	mux.HandleFunc("POST /api/import/{name}", h.handleImportOne)
	return mux
}
