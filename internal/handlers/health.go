package handlers

import (
	"encoding/json"
	"net/http"
)

// Health reports liveness. Deliberately dependency-free: the gateway stays
// up while Redis or Vault are down, it just rejects requests.
func Health(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_ = json.NewEncoder(w).Encode(map[string]string{"status": "ok"})
}
