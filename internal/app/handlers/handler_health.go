package handlers

import "net/http"

var healthJSON = []byte(`{"status":"ok"}`)

// healthHandler handles liveness probes
func (a *Application) healthHandler(w http.ResponseWriter, r *http.Request) {
	w.Header().Set(ContentTypeHeader, ContentTypeJSON)
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(healthJSON)
}
