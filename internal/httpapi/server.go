// Package httpapi is the synchronous request/response surface over the fleet:
// list machines, read status, send commands, move. It is a thin projection of
// the fleet manager; every response uses the canonical envelope.
package httpapi

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"github.com/iapunto/carousel-api/internal/fleet"
	"github.com/iapunto/carousel-api/internal/plc"
)

const defaultMaxBodyBytes = 2 * 1024

type Config struct {
	Logger *slog.Logger
	Fleet  *fleet.Manager
	// MaxBodyBytes caps request payloads; oversize requests fail with 413.
	MaxBodyBytes int64
}

func (c *Config) Validate() error {
	if c.Logger == nil {
		return errors.New("logger is required")
	}
	if c.Fleet == nil {
		return errors.New("fleet is required")
	}
	if c.MaxBodyBytes == 0 {
		c.MaxBodyBytes = defaultMaxBodyBytes
	}
	return nil
}

type Server struct {
	log   *slog.Logger
	cfg   *Config
	fleet *fleet.Manager
}

func New(cfg *Config) (*Server, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &Server{
		log:   cfg.Logger.With("component", "httpapi"),
		cfg:   cfg,
		fleet: cfg.Fleet,
	}, nil
}

// Routes wires every endpoint onto a fresh mux.
func (s *Server) Routes() *http.ServeMux {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /v1/health", s.handleHealth)
	mux.HandleFunc("GET /v1/machines", s.handleListMachines)
	mux.HandleFunc("GET /v1/machines/{id}", s.handleMachineInfo)
	mux.HandleFunc("GET /v1/machines/{id}/status", s.handleMachineStatus)
	mux.HandleFunc("POST /v1/machines/{id}/command", s.handleMachineCommand)
	mux.HandleFunc("POST /v1/machines/{id}/move", s.handleMachineMove)
	mux.HandleFunc("GET /v1/status", s.handleLegacyStatus)
	mux.HandleFunc("POST /v1/command", s.handleLegacyCommand)
	return mux
}

type commandRequest struct {
	Command   *int   `json:"command"`
	Argument  *int   `json:"argument"`
	MachineID string `json:"machine_id"`
}

type moveRequest struct {
	Position *int `json:"position"`
}

// decodeBody parses a JSON payload under the size cap. Oversize payloads are
// a 413; anything unparsable is BAD_REQUEST.
func (s *Server) decodeBody(w http.ResponseWriter, r *http.Request, dst any, machineID string) bool {
	r.Body = http.MaxBytesReader(w, r.Body, s.cfg.MaxBodyBytes)
	if err := json.NewDecoder(r.Body).Decode(dst); err != nil {
		var mbe *http.MaxBytesError
		if errors.As(err, &mbe) {
			writeError(w, http.StatusRequestEntityTooLarge, plc.KindBadRequest, "request payload too large", machineID)
			return false
		}
		writeError(w, http.StatusBadRequest, plc.KindBadRequest, "request body must be valid JSON", machineID)
		return false
	}
	return true
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeSuccess(w, s.fleet.Health(), "")
}

func (s *Server) handleListMachines(w http.ResponseWriter, r *http.Request) {
	s.log.Info("machine list requested", "client", r.RemoteAddr)
	writeSuccess(w, s.fleet.ListMachines(), "")
}

func (s *Server) handleMachineInfo(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	info, err := s.fleet.MachineInfo(id)
	if err != nil {
		s.writeFleetError(w, err, id)
		return
	}
	writeSuccess(w, info, id)
}

func (s *Server) handleMachineStatus(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	snap, err := s.fleet.GetStatus(r.Context(), id, r.RemoteAddr)
	if err != nil {
		s.writeFleetError(w, err, id)
		return
	}
	writeSuccess(w, snap, id)
}

func (s *Server) handleMachineCommand(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	var req commandRequest
	if !s.decodeBody(w, r, &req, id) {
		return
	}
	if req.Command == nil {
		writeError(w, http.StatusBadRequest, plc.KindBadCommand, "the 'command' parameter must be an integer between 0 and 255", id)
		return
	}
	snap, err := s.fleet.SendCommand(r.Context(), id, *req.Command, req.Argument, r.RemoteAddr)
	if err != nil {
		s.writeFleetError(w, err, id)
		return
	}
	writeSuccess(w, snap, id)
}

func (s *Server) handleMachineMove(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	var req moveRequest
	if !s.decodeBody(w, r, &req, id) {
		return
	}
	if req.Position == nil {
		writeError(w, http.StatusBadRequest, plc.KindBadCommand, "the 'position' parameter must be an integer between 0 and 9", id)
		return
	}
	snap, err := s.fleet.MoveTo(r.Context(), id, *req.Position, r.RemoteAddr)
	if err != nil {
		s.writeFleetError(w, err, id)
		return
	}
	writeSuccess(w, snap, id)
}

// handleLegacyStatus serves the single-device compatibility route against the
// first configured machine.
func (s *Server) handleLegacyStatus(w http.ResponseWriter, r *http.Request) {
	id, err := s.fleet.First()
	if err != nil {
		s.writeFleetError(w, err, "")
		return
	}
	snap, err := s.fleet.GetStatus(r.Context(), id, r.RemoteAddr)
	if err != nil {
		s.writeFleetError(w, err, id)
		return
	}
	writeSuccess(w, snap, id)
}

// handleLegacyCommand accepts an optional machine id in the body and falls
// back to the first configured machine.
func (s *Server) handleLegacyCommand(w http.ResponseWriter, r *http.Request) {
	var req commandRequest
	if !s.decodeBody(w, r, &req, "") {
		return
	}
	if req.Command == nil {
		writeError(w, http.StatusBadRequest, plc.KindBadCommand, "the 'command' parameter must be an integer between 0 and 255", "")
		return
	}
	id := req.MachineID
	if id == "" {
		first, err := s.fleet.First()
		if err != nil {
			s.writeFleetError(w, err, "")
			return
		}
		id = first
	}
	snap, err := s.fleet.SendCommand(r.Context(), id, *req.Command, req.Argument, r.RemoteAddr)
	if err != nil {
		s.writeFleetError(w, err, id)
		return
	}
	writeSuccess(w, snap, id)
}

func (s *Server) writeFleetError(w http.ResponseWriter, err error, machineID string) {
	status, kind := statusFor(err)
	if status >= http.StatusInternalServerError {
		s.log.Error("request failed", "machine", machineID, "error", err)
	} else {
		s.log.Warn("request rejected", "machine", machineID, "code", string(kind), "error", err)
	}
	writeError(w, status, kind, err.Error(), machineID)
}
