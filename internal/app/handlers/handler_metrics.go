package handlers

import "net/http"

// metricsHandler serves the JSON counter snapshot; ?client=<hash> narrows
// the view to one client's partition.
func (a *Application) metricsHandler(w http.ResponseWriter, r *http.Request) {
	if client := r.URL.Query().Get("client"); client != "" {
		writeJSON(w, http.StatusOK, a.metrics.SnapshotClient(client))
		return
	}
	writeJSON(w, http.StatusOK, a.metrics.Snapshot())
}

// prometheusHandler serves the line-oriented text exposition.
func (a *Application) prometheusHandler(w http.ResponseWriter, r *http.Request) {
	w.Header().Set(ContentTypeHeader, ContentTypeText)
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte(a.metrics.Prometheus()))
}
