package transaction

import (
	"context"
	"fmt"
	"sort"

	"go.uber.org/multierr"
	"go.uber.org/zap"

	"github.com/sushant-115/physcoord/core/alarm"
	"github.com/sushant-115/physcoord/core/capability"
	"github.com/sushant-115/physcoord/core/datastore"
	"github.com/sushant-115/physcoord/core/driver"
	"github.com/sushant-115/physcoord/core/logical"
	"github.com/sushant-115/physcoord/core/model"
)

// EndReport carries the per-controller outcome of the End dispatch. A
// controller maps to nil when every request about it succeeded.
type EndReport struct {
	Controllers map[string]error
	Audit       bool
}

// Err combines every per-controller error.
func (r EndReport) Err() error {
	var err error
	for _, name := range r.names() {
		err = multierr.Append(err, r.Controllers[name])
	}
	return err
}

// Failed lists controllers with an error, in order.
func (r EndReport) Failed() []string {
	var out []string
	for _, name := range r.names() {
		if r.Controllers[name] != nil {
			out = append(out, name)
		}
	}
	return out
}

func (r EndReport) names() []string {
	names := make([]string, 0, len(r.Controllers))
	for n := range r.Controllers {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

func (r *EndReport) record(controller string, err error) {
	if r.Controllers == nil {
		r.Controllers = make(map[string]error)
	}
	r.Controllers[controller] = multierr.Append(r.Controllers[controller], err)
}

func (c *Coordinator) end(ctx context.Context, cs *ChangeSet, req EndRequest) (EndReport, error) {
	report := EndReport{Audit: req.IsAudit}
	c.pushToLogical(ctx, cs)

	c.mu.Lock()
	old, oldCommits := cs.old, cs.oldCommits
	c.mu.Unlock()

	// lastCommit is the commit version a controller had before this
	// transaction wrote a new one.
	lastCommit := func(name string, prev *model.ControllerValue) *model.CommitVersion {
		if cv, ok := oldCommits[name]; ok {
			return &cv
		}
		if prev != nil {
			cv := prev.Commit
			return &cv
		}
		return nil
	}

	hdr := func(op model.Operation, name string) driver.RequestHeader {
		return driver.RequestHeader{
			Operation:  op,
			Controller: name,
			Datastore:  model.DatastoreRunning,
			Kind:       model.KindController,
			SessionID:  req.SessionID,
			ConfigID:   req.ConfigID,
		}
	}

	var calls []driver.Call
	var types []model.ControllerType
	var ipChanged []string

	for _, key := range cs.Keys(model.KindController, model.RowDeleted) {
		prev, ok := old[key]
		if !ok || prev.Controller == nil {
			report.record(key.Controller, fmt.Errorf("no committed value for deleted controller %s", key.Controller))
			continue
		}
		calls = append(calls, c.deleteCall(hdr(model.OpDelete, key.Controller), key, prev, lastCommit(key.Controller, prev.Controller)))
		types = append(types, prev.Controller.Type)
	}

	for _, key := range cs.Keys(model.KindController, model.RowCreated) {
		name := key.Controller
		cur, err := c.readRunning(ctx, key)
		if err != nil {
			report.record(name, err)
			continue
		}
		if cs.IsRecreated(name) {
			if prev, ok := old[key]; ok && prev.Controller != nil {
				calls = append(calls, c.deleteCall(hdr(model.OpDelete, name), key, prev, lastCommit(name, prev.Controller)))
				types = append(types, prev.Controller.Type)
			}
		}
		if !c.deps.Capability.IsSupported(cur.Type, cur.Version, model.KindController, model.OpCreate) {
			report.record(name, fmt.Errorf("%w: create %s on %s %s", capability.ErrUnsupported, name, cur.Type, cur.Version))
			continue
		}
		commit := cur.Commit
		h := hdr(model.OpCreate, name)
		h.Reconnect = c.deps.Runtime.IPChanged(name)
		calls = append(calls, driver.Call{
			Type:    cur.Type,
			Header:  h,
			Payload: driver.Payload{Key: key, Value: model.Value{Controller: cur}, NewCommit: &commit},
			Done: func(_ driver.Response, err error) {
				if err == nil && c.deps.Runtime != nil {
					c.deps.Runtime.Provision(name)
				}
			},
		})
		types = append(types, cur.Type)
	}

	for _, key := range cs.Keys(model.KindController, model.RowUpdated) {
		name := key.Controller
		cur, err := c.readRunning(ctx, key)
		if err != nil {
			report.record(name, err)
			continue
		}
		var prev *model.ControllerValue
		if v, ok := old[key]; ok {
			prev = v.Controller
		}
		if prev != nil && prev.IPAddress != cur.IPAddress {
			ipChanged = append(ipChanged, name)
		}
		if !c.deps.Capability.IsSupported(cur.Type, cur.Version, model.KindController, model.OpUpdate) {
			report.record(name, fmt.Errorf("%w: update %s on %s %s", capability.ErrUnsupported, name, cur.Type, cur.Version))
			continue
		}
		payload := driver.Payload{Key: key, Value: model.Value{Controller: cur}}
		newCommit := cur.Commit
		payload.NewCommit = &newCommit
		payload.OldCommit = lastCommit(name, prev)
		h := hdr(model.OpUpdate, name)
		h.Reconnect = c.deps.Runtime.IPChanged(name)
		calls = append(calls, driver.Call{Type: cur.Type, Header: h, Payload: payload, Done: c.reconnected(name)})
		types = append(types, cur.Type)
	}

	if len(calls) > 0 {
		sessions, err := c.deps.Gateway.OpenAll(ctx, types)
		if err != nil {
			c.logger.Error("failed to open driver sessions, nothing dispatched", zap.Error(err))
			for _, call := range calls {
				report.record(call.Header.Controller, err)
			}
			c.afterDispatch(ctx, ipChanged, &report)
			return report, err
		}
		outcomes := driver.Dispatch(ctx, sessions, calls, c.deps.Parallel)
		driver.CloseAll(sessions)
		for _, out := range outcomes {
			name := out.Call.Header.Controller
			if out.Err != nil {
				report.record(name, out.Err)
			} else if _, seen := report.Controllers[name]; !seen {
				report.record(name, nil)
			}
		}
	}

	c.afterDispatch(ctx, ipChanged, &report)
	if failed := report.Failed(); len(failed) > 0 {
		c.logger.Warn("transaction ended with driver failures", zap.Strings("controllers", failed), zap.Error(report.Err()))
	} else {
		c.logger.Info("transaction ended", zap.Int("controllers", len(report.Controllers)))
	}
	return report, nil
}

func (c *Coordinator) deleteCall(hdr driver.RequestHeader, key model.Key, prev model.Value, last *model.CommitVersion) driver.Call {
	return driver.Call{
		Type:    prev.Controller.Type,
		Header:  hdr,
		Payload: driver.Payload{Key: key, Value: prev, OldCommit: last},
	}
}

func (c *Coordinator) readRunning(ctx context.Context, key model.Key) (*model.ControllerValue, error) {
	row, err := c.deps.Store.Read(ctx, model.DatastoreRunning, key)
	if err != nil {
		return nil, fmt.Errorf("read committed %s: %w", key, err)
	}
	if row.Value.Controller == nil {
		return nil, fmt.Errorf("read committed %s: %w", key, datastore.ErrNotFound)
	}
	return row.Value.Controller, nil
}

// afterDispatch marks controllers whose address changed as disconnected and
// raises audit alarms for failed audit dispatches.
func (c *Coordinator) afterDispatch(ctx context.Context, ipChanged []string, report *EndReport) {
	for _, name := range ipChanged {
		if err := c.disconnect(ctx, name); err != nil {
			c.logger.Error("failed to reset controller after address change", zap.String("controller", name), zap.Error(err))
			report.record(name, err)
		}
	}
	if !report.Audit || c.deps.Alarms == nil {
		return
	}
	for _, name := range report.Failed() {
		_, _ = c.deps.Alarms.Raise(ctx, name, alarm.KindAuditFailure, report.Controllers[name].Error())
	}
}

func (c *Coordinator) disconnect(ctx context.Context, name string) error {
	if err := c.deps.Store.ClearController(ctx, model.DatastoreState, name); err != nil {
		return err
	}
	if c.deps.Runtime != nil {
		e, ok := c.deps.Runtime.Get(name)
		if !ok {
			e = c.deps.Runtime.Provision(name)
		}
		e.SetIPChanged(true)
	}
	err := c.deps.Runtime.Update(ctx, name, func() error {
		return datastore.UpdateController(ctx, c.deps.Store, name, func(v *model.ControllerValue) {
			v.OperStatus = model.OperDown
			v.ActualVersion = ""
			v.ActualID = ""
		}, model.DatastoreRunning, model.DatastoreCandidate)
	})
	if err != nil {
		return err
	}
	if c.deps.Alarms != nil {
		_, _ = c.deps.Alarms.Raise(ctx, name, alarm.KindDisconnect, "controller address changed")
	}
	return nil
}

// reconnected clears name's address-changed flag once a driver accepted a
// request that carried it.
func (c *Coordinator) reconnected(name string) func(driver.Response, error) {
	return func(_ driver.Response, err error) {
		if err != nil || c.deps.Runtime == nil {
			return
		}
		if e, ok := c.deps.Runtime.Get(name); ok {
			e.SetIPChanged(false)
		}
	}
}

// pushToLogical hands every committed change to the logical layer.
// Failures are logged.
func (c *Coordinator) pushToLogical(ctx context.Context, cs *ChangeSet) {
	if c.deps.Logical == nil {
		return
	}
	push := func(op model.Operation, key model.Key) {
		p := logical.Push{Datastore: model.DatastoreRunning, Operation: op, Kind: key.Kind, Key: key}
		if op != model.OpDelete {
			row, err := c.deps.Store.Read(ctx, model.DatastoreRunning, key)
			if err != nil {
				c.logger.Warn("failed to read value for logical push", zap.Stringer("key", key), zap.Error(err))
				return
			}
			p.Value = row.Value
		}
		if err := c.deps.Logical.Push(ctx, p); err != nil {
			c.logger.Warn("logical push failed", zap.Stringer("key", key), zap.Stringer("operation", op), zap.Error(err))
		}
	}
	for _, kind := range model.Kinds() {
		for _, key := range cs.Keys(kind, model.RowDeleted) {
			push(model.OpDelete, key)
		}
		for _, key := range cs.Keys(kind, model.RowCreated) {
			push(model.OpCreate, key)
		}
		for _, key := range cs.Keys(kind, model.RowUpdated) {
			push(model.OpUpdate, key)
		}
	}
}
