package admin

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/sushant-115/physcoord/core/alarm"
	"github.com/sushant-115/physcoord/core/ctrlstate"
	"github.com/sushant-115/physcoord/core/datastore"
	"github.com/sushant-115/physcoord/core/diff"
	"github.com/sushant-115/physcoord/core/driver"
	"github.com/sushant-115/physcoord/core/driver/drivertest"
	"github.com/sushant-115/physcoord/core/ledger"
	"github.com/sushant-115/physcoord/core/logical"
	"github.com/sushant-115/physcoord/core/model"
	"github.com/sushant-115/physcoord/core/notify"
	"github.com/sushant-115/physcoord/core/switchover"
	"github.com/sushant-115/physcoord/core/transaction"
)

type fixedRole switchover.Role

func (r fixedRole) Role() switchover.Role { return switchover.Role(r) }

type env struct {
	lock    *sync.RWMutex
	srv     *httptest.Server
	store   *datastore.MemStore
	pfc     *drivertest.Fake
	runtime *ctrlstate.Registry
}

func newEnv(t *testing.T) *env {
	t.Helper()
	logger := zap.NewNop()
	store := datastore.NewMemStore()
	layer := logical.NewMemory()
	pfc := drivertest.New(model.ControllerPFC)
	gw := driver.NewGateway(logger, nil)
	gw.Register(pfc)
	runtime := ctrlstate.NewRegistry(logger, 0)
	alarms := alarm.NewRecorder(alarm.NewLogSink(logger), logger, nil)
	lock := &sync.RWMutex{}

	c := transaction.New(transaction.Deps{
		Store:     store,
		Diff:      diff.NewEngine(store, layer, logger),
		Gateway:   gw,
		Ledger:    ledger.New(store, logger),
		Notifier:  notify.NewDispatcher(notify.NewBus(), logger, nil, notify.WithEventLock(lock)),
		Logical:   layer,
		Runtime:   runtime,
		Alarms:    alarms,
		EventLock: lock,
		Logger:    logger,
	})
	s := New(Deps{
		Handler:   transaction.NewHandler(c),
		Store:     store,
		Roles:     fixedRole(switchover.RoleActive),
		Runtime:   runtime,
		Alarms:    alarms,
		Logger:    logger,
		EventLock: lock,
	})
	srv := httptest.NewServer(s)
	t.Cleanup(srv.Close)
	t.Cleanup(runtime.ReleaseAll)
	return &env{lock: lock, srv: srv, store: store, pfc: pfc, runtime: runtime}
}

func (e *env) do(t *testing.T, method, path string, body any) (int, []byte) {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req, err := http.NewRequest(method, e.srv.URL+path, &buf)
	require.NoError(t, err)
	resp, err := e.srv.Client().Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	var out bytes.Buffer
	_, err = out.ReadFrom(resp.Body)
	require.NoError(t, err)
	return resp.StatusCode, out.Bytes()
}

func (e *env) result(t *testing.T, method, path string, body any) (int, Response) {
	t.Helper()
	status, raw := e.do(t, method, path, body)
	var resp Response
	require.NoError(t, json.Unmarshal(raw, &resp))
	return status, resp
}

func TestFullTransactionOverHTTP(t *testing.T) {
	e := newEnv(t)
	session := map[string]any{"session_id": 7, "config_id": 3}

	status, resp := e.result(t, http.MethodPut, "/candidate/rows", map[string]any{
		"key":   "controller/c1",
		"value": model.Value{Controller: &model.ControllerValue{Type: model.ControllerPFC, Version: "7.0", IPAddress: "10.0.0.1"}},
	})
	require.Equal(t, http.StatusOK, status, resp.Message)

	status, resp = e.result(t, http.MethodPost, "/txn/start", map[string]any{"session_id": 7, "config_id": 3, "mode": "global"})
	require.Equal(t, http.StatusOK, status)
	require.Equal(t, "success", resp.Result)

	_, resp = e.result(t, http.MethodPost, "/txn/vote", session)
	require.Equal(t, "success", resp.Result)
	_, resp = e.result(t, http.MethodPost, "/txn/driver_result", map[string]any{"phase": "vote"})
	require.Equal(t, "success", resp.Result)
	_, resp = e.result(t, http.MethodPost, "/txn/global_commit", session)
	require.Equal(t, "success", resp.Result)
	_, resp = e.result(t, http.MethodPost, "/txn/driver_result", map[string]any{
		"phase":       "global_commit",
		"controllers": []map[string]any{{"controller": "c1", "commit": map[string]any{"number": 5}}},
	})
	require.Equal(t, "success", resp.Result)

	status, resp = e.result(t, http.MethodPost, "/txn/end", map[string]any{"session_id": 7, "config_id": 3, "success": true})
	require.Equal(t, http.StatusOK, status)
	require.Equal(t, map[string]string{"c1": "ok"}, resp.Controllers)

	reqs := e.pfc.Requests()
	require.Len(t, reqs, 1)
	require.Equal(t, uint32(7), reqs[0].Header.SessionID)

	status, raw := e.do(t, http.MethodGet, "/rows?datastore=running&kind=controller", nil)
	require.Equal(t, http.StatusOK, status)
	var rows []RowView
	require.NoError(t, json.Unmarshal(raw, &rows))
	require.Len(t, rows, 1)
	require.Equal(t, "controller/c1", rows[0].Key)
	require.Equal(t, "applied", rows[0].Status)
	require.Equal(t, uint64(5), rows[0].Value.Controller.Commit.Number)

	status, raw = e.do(t, http.MethodGet, "/status", nil)
	require.Equal(t, http.StatusOK, status)
	var st Status
	require.NoError(t, json.Unmarshal(raw, &st))
	require.Equal(t, "idle", st.State)
	require.Equal(t, "active", st.Role)
	require.Equal(t, []string{"c1"}, st.Controllers)
}

func TestCallbackErrorsMapToStatus(t *testing.T) {
	e := newEnv(t)

	status, resp := e.result(t, http.MethodPost, "/txn/vote", map[string]any{})
	require.Equal(t, http.StatusConflict, status)
	require.Equal(t, "sequence_error", resp.Result)

	status, resp = e.result(t, http.MethodPost, "/txn/abort", map[string]any{"phase": "sideways"})
	require.Equal(t, http.StatusBadRequest, status)
	require.Contains(t, resp.Message, "sideways")

	status, _ = e.result(t, http.MethodPost, "/txn/start", map[string]any{"mode": "nope"})
	require.Equal(t, http.StatusBadRequest, status)

	status, _ = e.do(t, http.MethodPost, "/txn/start", nil)
	require.Equal(t, http.StatusBadRequest, status)

	status, resp = e.result(t, http.MethodPost, "/audit", map[string]any{"datastore": "running"})
	require.Equal(t, http.StatusInternalServerError, status)
	require.Equal(t, "failure", resp.Result)

	status, resp = e.result(t, http.MethodPost, "/audit", map[string]any{"datastore": "candidate"})
	require.Equal(t, http.StatusOK, status)
	require.Equal(t, "success", resp.Result)

	status, _ = e.do(t, http.MethodGet, "/txn/start", nil)
	require.Equal(t, http.StatusMethodNotAllowed, status)
}

func TestUnstage(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	v := model.ControllerValue{Type: model.ControllerPFC}
	require.NoError(t, e.store.Write(ctx, model.DatastoreCandidate, model.ControllerRow("fresh", v, model.RowCreated)))
	require.NoError(t, e.store.Write(ctx, model.DatastoreCandidate, model.ControllerRow("old", v, model.RowApplied)))
	require.NoError(t, e.store.Write(ctx, model.DatastoreRunning, model.ControllerRow("old", v, model.RowApplied)))

	status, _ := e.result(t, http.MethodDelete, "/candidate/rows?key=controller/fresh", nil)
	require.Equal(t, http.StatusOK, status)
	ok, err := e.store.Exists(ctx, model.DatastoreCandidate, model.ControllerKey("fresh"))
	require.NoError(t, err)
	require.False(t, ok, "a never-applied row is dropped")

	status, _ = e.result(t, http.MethodDelete, "/candidate/rows?key=controller/old", nil)
	require.Equal(t, http.StatusOK, status)
	row, err := e.store.Read(ctx, model.DatastoreCandidate, model.ControllerKey("old"))
	require.NoError(t, err)
	require.Equal(t, model.RowDeleted, row.Status)

	status, _ = e.result(t, http.MethodDelete, "/candidate/rows?key=controller/ghost", nil)
	require.Equal(t, http.StatusNotFound, status)
	status, _ = e.result(t, http.MethodDelete, "/candidate/rows?key=bogus", nil)
	require.Equal(t, http.StatusBadRequest, status)

	status, _ = e.result(t, http.MethodPut, "/candidate/rows", map[string]any{"key": "controller/x", "status": "deleted"})
	require.Equal(t, http.StatusBadRequest, status)
}

func TestLogLevelRoute(t *testing.T) {
	level := zap.NewAtomicLevelAt(zap.InfoLevel)
	srv := httptest.NewServer(New(Deps{LogLevel: level}))
	t.Cleanup(srv.Close)

	req, err := http.NewRequest(http.MethodPut, srv.URL+"/log/level", bytes.NewBufferString(`{"level":"debug"}`))
	require.NoError(t, err)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	_ = resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Equal(t, zap.DebugLevel, level.Level())

	resp, err = http.Get(srv.URL + "/log/level")
	require.NoError(t, err)
	defer resp.Body.Close()
	var body struct{ Level string }
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	require.Equal(t, "debug", body.Level)
}

func TestStageRejectsValueOfWrongKind(t *testing.T) {
	e := newEnv(t)
	for _, body := range []map[string]any{
		{"key": "controller/c9", "status": "updated", "value": map[string]any{}},
		{"key": "controller/c9", "value": model.Value{Domain: &model.DomainValue{Type: "default"}}},
		{"key": "boundary/b1", "value": model.Value{Controller: &model.ControllerValue{Type: model.ControllerPFC}}},
	} {
		status, resp := e.result(t, http.MethodPut, "/candidate/rows", body)
		require.Equal(t, http.StatusBadRequest, status, body)
		require.NotEmpty(t, resp.Message)
	}
	rows, err := e.store.ReadAll(context.Background(), model.DatastoreCandidate, model.KindController)
	require.NoError(t, err)
	require.Empty(t, rows)
}

func TestRowsWaitForCommitLock(t *testing.T) {
	e := newEnv(t)
	v := model.ControllerValue{Type: model.ControllerPFC}
	require.NoError(t, e.store.Write(context.Background(), model.DatastoreRunning, model.ControllerRow("c1", v, model.RowApplied)))

	e.lock.Lock()
	done := make(chan int)
	go func() {
		status, _ := e.do(t, http.MethodGet, "/rows?kind=controller", nil)
		done <- status
	}()
	select {
	case <-done:
		t.Fatal("rows were listed while a commit held the lock")
	case <-time.After(50 * time.Millisecond):
	}
	e.lock.Unlock()
	require.Equal(t, http.StatusOK, <-done)
}
