package main

import (
	"encoding/json"
	"net/http"
)

// writeJSON writes v as a 200 OK JSON response, the shared shape every
// read-only endpoint uses for a successful result.
func writeJSON(w http.ResponseWriter, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(v)
}
