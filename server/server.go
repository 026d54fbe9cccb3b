package server

import (
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/mux"
	"github.com/pingcap/errors"
	"github.com/siddontang/go-log/log"

	"github.com/pgherd/pgherd/monitor"
	"github.com/pgherd/pgherd/state"
)

// Server exposes the monitor over HTTP. Keepers call node-active and
// register; operators call failover, maintenance and the query endpoints.
type Server struct {
	m    *monitor.Monitor
	http *http.Server
}

func New(addr string, m *monitor.Monitor) *Server {
	s := &Server{m: m}

	r := mux.NewRouter()
	api := r.PathPrefix("/api/v1").Subrouter()

	api.HandleFunc("/register", s.handleRegister).Methods(http.MethodPost)
	api.HandleFunc("/node-active", s.handleNodeActive).Methods(http.MethodPost)
	api.HandleFunc("/health", s.handleHealthReport).Methods(http.MethodPost)
	api.HandleFunc("/node", s.handleRemove).Methods(http.MethodDelete)
	api.HandleFunc("/replication-settings", s.handleReplicationSettings).Methods(http.MethodPut)
	api.HandleFunc("/failover", s.handleFailover).Methods(http.MethodPost)
	api.HandleFunc("/maintenance/start", s.handleStartMaintenance).Methods(http.MethodPost)
	api.HandleFunc("/maintenance/stop", s.handleStopMaintenance).Methods(http.MethodPost)

	api.HandleFunc("/formation/{formation}", s.handleListFormation).Methods(http.MethodGet)
	api.HandleFunc("/formation/{formation}/group/{group}", s.handleListGroup).Methods(http.MethodGet)
	api.HandleFunc("/formation/{formation}/group/{group}/primary", s.handleGetPrimary).Methods(http.MethodGet)
	api.HandleFunc("/events", s.handleEvents).Methods(http.MethodGet)

	s.http = &http.Server{
		Addr:         addr,
		Handler:      r,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
	}
	return s
}

// Handler returns the HTTP handler, for tests.
func (s *Server) Handler() http.Handler {
	return s.http.Handler
}

func (s *Server) Run() error {
	log.Infof("monitor listening on %s", s.http.Addr)
	err := s.http.ListenAndServe()
	if err != nil && err != http.ErrServerClosed {
		return errors.Trace(err)
	}
	return nil
}

func (s *Server) Close() error {
	return s.http.Close()
}

func (s *Server) handleRegister(w http.ResponseWriter, r *http.Request) {
	var req RegisterRequest
	if !decode(w, r, &req) {
		return
	}
	n, err := s.m.Register(req.Formation, req.Name, req.Host, req.Port,
		req.GroupID, req.CandidatePriority, req.ReplicationQuorum)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, RegisterResponse{
		NodeID:            n.ID,
		GroupID:           n.GroupID,
		GoalState:         n.GoalState.String(),
		CandidatePriority: n.CandidatePriority,
		ReplicationQuorum: n.ReplicationQuorum,
	})
}

func (s *Server) handleNodeActive(w http.ResponseWriter, r *http.Request) {
	var req NodeActiveRequest
	if !decode(w, r, &req) {
		return
	}
	reported := state.ParseState(req.ReportedState)
	if reported == state.Unknown {
		writeJSON(w, http.StatusBadRequest,
			ErrorResponse{Error: "unknown reported state " + req.ReportedState})
		return
	}
	syncState := state.ParseSyncState(req.SyncState)
	lsn, err := state.ParseLSN(req.LSN)
	if err != nil {
		// A keeper that cannot read its WAL position still reports.
		log.Warnf("node %d/%s reported unparsable lsn %q", req.NodeID, req.Formation, req.LSN)
		lsn = state.InvalidLSN
	}
	n, err := s.m.NodeActive(req.Formation, req.NodeID, reported, req.PgIsRunning, syncState, lsn)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, NodeActiveResponse{
		NodeID:            n.ID,
		GroupID:           n.GroupID,
		GoalState:         n.GoalState.String(),
		CandidatePriority: n.CandidatePriority,
		ReplicationQuorum: n.ReplicationQuorum,
		SyncStandbyCount:  s.m.SyncStandbys(monitor.Group{Formation: req.Formation, GroupID: n.GroupID}),
	})
}

func (s *Server) handleHealthReport(w http.ResponseWriter, r *http.Request) {
	var req HealthReportRequest
	if !decode(w, r, &req) {
		return
	}
	verdict := state.ParseHealth(req.Verdict)
	checkedAt := req.CheckedAt
	if checkedAt.IsZero() {
		checkedAt = time.Now()
	}
	if err := s.m.ReportHealth(req.Formation, req.NodeID, verdict, checkedAt); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleRemove(w http.ResponseWriter, r *http.Request) {
	var req RemoveRequest
	if !decode(w, r, &req) {
		return
	}
	if err := s.m.Remove(req.Formation, req.NodeID); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleReplicationSettings(w http.ResponseWriter, r *http.Request) {
	var req ReplicationSettingsRequest
	if !decode(w, r, &req) {
		return
	}
	err := s.m.UpdateReplicationSettings(req.Formation, req.NodeID,
		req.CandidatePriority, req.ReplicationQuorum)
	if err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleFailover(w http.ResponseWriter, r *http.Request) {
	var req FailoverRequest
	if !decode(w, r, &req) {
		return
	}
	if err := s.m.PerformFailover(monitor.Group{Formation: req.Formation, GroupID: req.GroupID}); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusAccepted)
}

func (s *Server) handleStartMaintenance(w http.ResponseWriter, r *http.Request) {
	var req MaintenanceRequest
	if !decode(w, r, &req) {
		return
	}
	if err := s.m.StartMaintenance(req.Formation, req.NodeID); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusAccepted)
}

func (s *Server) handleStopMaintenance(w http.ResponseWriter, r *http.Request) {
	var req MaintenanceRequest
	if !decode(w, r, &req) {
		return
	}
	if err := s.m.StopMaintenance(req.Formation, req.NodeID); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusAccepted)
}

func (s *Server) handleListFormation(w http.ResponseWriter, r *http.Request) {
	formation := mux.Vars(r)["formation"]
	nodes := s.m.Registry().ListFormation(formation)
	infos := make([]NodeInfo, 0, len(nodes))
	for _, n := range nodes {
		infos = append(infos, nodeInfo(n))
	}
	writeJSON(w, http.StatusOK, infos)
}

func (s *Server) handleListGroup(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	group, err := strconv.Atoi(vars["group"])
	if err != nil {
		writeJSON(w, http.StatusBadRequest, ErrorResponse{Error: "invalid group id"})
		return
	}
	nodes := s.m.Registry().ListGroup(monitor.Group{Formation: vars["formation"], GroupID: group})
	infos := make([]NodeInfo, 0, len(nodes))
	for _, n := range nodes {
		infos = append(infos, nodeInfo(n))
	}
	writeJSON(w, http.StatusOK, infos)
}

func (s *Server) handleGetPrimary(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	group, err := strconv.Atoi(vars["group"])
	if err != nil {
		writeJSON(w, http.StatusBadRequest, ErrorResponse{Error: "invalid group id"})
		return
	}
	n, err := s.m.GetPrimary(monitor.Group{Formation: vars["formation"], GroupID: group})
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, nodeInfo(n))
}

func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	count := 64
	if v := r.URL.Query().Get("count"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			writeJSON(w, http.StatusBadRequest, ErrorResponse{Error: "invalid count"})
			return
		}
		count = n
	}
	writeJSON(w, http.StatusOK, s.m.Events().Last(count))
}

func decode(w http.ResponseWriter, r *http.Request, v interface{}) bool {
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		writeJSON(w, http.StatusBadRequest, ErrorResponse{Error: err.Error()})
		return false
	}
	return true
}

func writeJSON(w http.ResponseWriter, code int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Errorf("write response: %v", err)
	}
}

func writeError(w http.ResponseWriter, err error) {
	code := http.StatusInternalServerError
	switch errors.Cause(err) {
	case monitor.ErrUnknownNode, monitor.ErrNoPrimary:
		code = http.StatusNotFound
	case monitor.ErrDuplicateNode, monitor.ErrGroupFull, monitor.ErrInvalidTransition:
		code = http.StatusConflict
	case monitor.ErrNoViableCandidate, monitor.ErrBadOperation:
		code = http.StatusPreconditionFailed
	}
	writeJSON(w, code, ErrorResponse{Error: err.Error()})
}
