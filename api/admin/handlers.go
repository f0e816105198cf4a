package admin

import (
	"errors"
	"fmt"
	"net/http"

	"go.uber.org/zap"

	"github.com/sushant-115/physcoord/core/alarm"
	"github.com/sushant-115/physcoord/core/datastore"
	"github.com/sushant-115/physcoord/core/model"
	"github.com/sushant-115/physcoord/core/transaction"
)

type sessionRequest struct {
	SessionID uint32 `json:"session_id"`
	ConfigID  uint32 `json:"config_id"`
}

type startRequest struct {
	sessionRequest
	Mode string `json:"mode"`
}

type driverResultRequest struct {
	Phase       string                         `json:"phase"`
	IsReplay    bool                           `json:"is_replay"`
	Controllers []transaction.ControllerResult `json:"controllers"`
}

type abortRequest struct {
	Phase string `json:"phase"`
}

type endRequest struct {
	sessionRequest
	Mode    string `json:"mode"`
	Success bool   `json:"success"`
	Audit   bool   `json:"audit"`
}

type auditRequest struct {
	Datastore string `json:"datastore"`
	Operation string `json:"operation"`
	Mode      string `json:"mode"`
	Version   uint64 `json:"version"`
}

type stageRequest struct {
	Key    string      `json:"key"`
	Status string      `json:"status"`
	Value  model.Value `json:"value"`
}

// RowView is how rows are listed.
type RowView struct {
	Key    string      `json:"key"`
	Status string      `json:"status"`
	Value  model.Value `json:"value"`
}

// Status describes this node.
type Status struct {
	State       string        `json:"state"`
	Role        string        `json:"role"`
	Controllers []string      `json:"controllers"`
	Alarms      []alarm.Alarm `json:"alarms"`
}

// parseMode defaults to global when empty.
func parseMode(s string) (model.ConfigMode, error) {
	if s == "" {
		return model.ModeGlobal, nil
	}
	return model.ParseConfigMode(s)
}

func parsePhase(s string) (transaction.Phase, error) {
	for _, p := range []transaction.Phase{transaction.PhaseStart, transaction.PhaseVote, transaction.PhaseGlobalCommit, transaction.PhaseEnd} {
		if p.String() == s {
			return p, nil
		}
	}
	return 0, fmt.Errorf("unknown phase %q", s)
}

func parseDatastore(s string) (model.Datastore, error) {
	for _, ds := range model.AllDatastores() {
		if ds.String() == s {
			return ds, nil
		}
	}
	return 0, fmt.Errorf("unknown datastore %q", s)
}

func (s *Server) handleStart(w http.ResponseWriter, r *http.Request) {
	var req startRequest
	if !decode(w, r, &req) {
		return
	}
	mode, err := parseMode(req.Mode)
	if err != nil {
		badRequest(w, err)
		return
	}
	writeResult(w, s.deps.Handler.StartTransaction(r.Context(), req.SessionID, req.ConfigID, mode), nil)
}

func (s *Server) handleVote(w http.ResponseWriter, r *http.Request) {
	var req sessionRequest
	if !decode(w, r, &req) {
		return
	}
	writeResult(w, s.deps.Handler.HandleVoteRequest(r.Context(), req.SessionID, req.ConfigID), nil)
}

func (s *Server) handleDriverResult(w http.ResponseWriter, r *http.Request) {
	var req driverResultRequest
	if !decode(w, r, &req) {
		return
	}
	phase, err := parsePhase(req.Phase)
	if err != nil {
		badRequest(w, err)
		return
	}
	res := transaction.DriverResults{IsReplay: req.IsReplay, Controllers: req.Controllers}
	writeResult(w, s.deps.Handler.HandleDriverResult(r.Context(), phase, res), nil)
}

func (s *Server) handleGlobalCommit(w http.ResponseWriter, r *http.Request) {
	var req sessionRequest
	if !decode(w, r, &req) {
		return
	}
	writeResult(w, s.deps.Handler.HandleGlobalCommitRequest(r.Context(), req.SessionID, req.ConfigID), nil)
}

func (s *Server) handleAbort(w http.ResponseWriter, r *http.Request) {
	var req abortRequest
	if !decode(w, r, &req) {
		return
	}
	phase, err := parsePhase(req.Phase)
	if err != nil {
		badRequest(w, err)
		return
	}
	writeResult(w, s.deps.Handler.AbortTransaction(r.Context(), phase), nil)
}

func (s *Server) handleEnd(w http.ResponseWriter, r *http.Request) {
	var req endRequest
	if !decode(w, r, &req) {
		return
	}
	mode, err := parseMode(req.Mode)
	if err != nil {
		badRequest(w, err)
		return
	}
	code, report := s.deps.Handler.EndTransaction(r.Context(), transaction.EndRequest{
		SessionID: req.SessionID,
		ConfigID:  req.ConfigID,
		Mode:      mode,
		Success:   req.Success,
		IsAudit:   req.Audit,
	})
	writeResult(w, code, &report)
}

func (s *Server) handleAudit(w http.ResponseWriter, r *http.Request) {
	var req auditRequest
	if !decode(w, r, &req) {
		return
	}
	ds, err := parseDatastore(req.Datastore)
	if err != nil {
		badRequest(w, err)
		return
	}
	mode, err := parseMode(req.Mode)
	if err != nil {
		badRequest(w, err)
		return
	}
	op := model.OpUpdate
	if req.Operation != "" {
		if op, err = model.ParseOperation(req.Operation); err != nil {
			badRequest(w, err)
			return
		}
	}
	code, report := s.deps.Handler.HandleAuditConfig(r.Context(), transaction.AuditRequest{
		Datastore: ds,
		Operation: op,
		Mode:      mode,
		Version:   req.Version,
	})
	writeResult(w, code, &report)
}

// handleStage writes a created or updated row into the candidate datastore.
func (s *Server) handleStage(w http.ResponseWriter, r *http.Request) {
	var req stageRequest
	if !decode(w, r, &req) {
		return
	}
	key, err := model.ParseKey(req.Key)
	if err != nil {
		badRequest(w, err)
		return
	}
	status := model.RowCreated
	if req.Status == model.RowUpdated.String() {
		status = model.RowUpdated
	} else if req.Status != "" && req.Status != model.RowCreated.String() {
		badRequest(w, fmt.Errorf("status must be created or updated, got %q", req.Status))
		return
	}
	row := model.Row{Key: key, Value: req.Value, Status: status}
	if err := row.Validate(); err != nil {
		badRequest(w, err)
		return
	}
	if err := s.deps.Store.Write(r.Context(), model.DatastoreCandidate, row); err != nil {
		s.logger.Error("failed to stage row", zap.Stringer("key", key), zap.Error(err))
		writeJSON(w, http.StatusInternalServerError, Response{Result: "failure", Message: err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, Response{Result: "success"})
}

// handleUnstage stages a delete. A row that was created and never applied is
// dropped from the candidate outright.
func (s *Server) handleUnstage(w http.ResponseWriter, r *http.Request) {
	key, err := model.ParseKey(r.URL.Query().Get("key"))
	if err != nil {
		badRequest(w, err)
		return
	}
	ctx := r.Context()
	row, err := s.deps.Store.Read(ctx, model.DatastoreCandidate, key)
	if errors.Is(err, datastore.ErrNotFound) {
		writeJSON(w, http.StatusNotFound, Response{Result: "not_found", Message: key.String()})
		return
	}
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, Response{Result: "failure", Message: err.Error()})
		return
	}
	applied, err := s.deps.Store.Exists(ctx, model.DatastoreRunning, key)
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, Response{Result: "failure", Message: err.Error()})
		return
	}
	if !applied {
		err = s.deps.Store.Delete(ctx, model.DatastoreCandidate, key)
	} else {
		row.Status = model.RowDeleted
		err = s.deps.Store.Write(ctx, model.DatastoreCandidate, row)
	}
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, Response{Result: "failure", Message: err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, Response{Result: "success"})
}

func (s *Server) handleRows(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	dsName := q.Get("datastore")
	if dsName == "" {
		dsName = model.DatastoreRunning.String()
	}
	ds, err := parseDatastore(dsName)
	if err != nil {
		badRequest(w, err)
		return
	}
	kinds := model.Kinds()
	if name := q.Get("kind"); name != "" {
		kind, err := model.ParseEntityKind(name)
		if err != nil {
			badRequest(w, err)
			return
		}
		kinds = []model.EntityKind{kind}
	}
	if l := s.deps.EventLock; l != nil {
		l.RLock()
		defer l.RUnlock()
	}
	views := []RowView{}
	for _, kind := range kinds {
		rows, err := s.deps.Store.ReadAll(r.Context(), ds, kind)
		if err != nil {
			writeJSON(w, http.StatusInternalServerError, Response{Result: "failure", Message: err.Error()})
			return
		}
		for _, row := range rows {
			views = append(views, RowView{Key: row.Key.String(), Status: row.Status.String(), Value: row.Value})
		}
	}
	writeJSON(w, http.StatusOK, views)
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	st := Status{
		State:       s.deps.Handler.Coordinator().State().String(),
		Controllers: []string{},
		Alarms:      []alarm.Alarm{},
	}
	if s.deps.Roles != nil {
		st.Role = s.deps.Roles.Role().String()
	}
	if s.deps.Runtime != nil {
		st.Controllers = append(st.Controllers, s.deps.Runtime.Names()...)
	}
	if s.deps.Alarms != nil {
		st.Alarms = append(st.Alarms, s.deps.Alarms.Active()...)
	}
	writeJSON(w, http.StatusOK, st)
}
