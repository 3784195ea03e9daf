package httpapi

import (
	"encoding/json"
	"log/slog"
	"net/http"

	"github.com/iapunto/carousel-api/internal/plc"
)

// Envelope is the canonical response shape shared by every endpoint.
type Envelope struct {
	Success   bool    `json:"success"`
	Data      any     `json:"data"`
	Error     *string `json:"error"`
	Code      *string `json:"code"`
	MachineID string  `json:"machine_id,omitempty"`
}

func writeJSON(w http.ResponseWriter, status int, env Envelope) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(env); err != nil {
		slog.Debug("failed to encode response envelope", "error", err)
	}
}

func writeSuccess(w http.ResponseWriter, data any, machineID string) {
	writeJSON(w, http.StatusOK, Envelope{Success: true, Data: data, MachineID: machineID})
}

func writeError(w http.ResponseWriter, status int, kind plc.Kind, msg, machineID string) {
	code := string(kind)
	writeJSON(w, status, Envelope{Success: false, Error: &msg, Code: &code, MachineID: machineID})
}

// statusFor maps an error kind to its transport status. Unknown machine ids
// arrive as BAD_REQUEST from the fleet lookup and map to 404; malformed
// payloads are rejected before the fleet is involved.
func statusFor(err error) (int, plc.Kind) {
	kind := plc.KindOf(err)
	switch kind {
	case plc.KindBusy:
		return http.StatusConflict, kind
	case plc.KindBadCommand:
		return http.StatusBadRequest, kind
	case plc.KindBadRequest:
		return http.StatusNotFound, kind
	case plc.KindConnError:
		return http.StatusInternalServerError, kind
	default:
		return http.StatusInternalServerError, plc.KindInternal
	}
}
