package driver

import (
	"context"
	"fmt"

	"go.uber.org/multierr"
	"golang.org/x/sync/errgroup"

	"github.com/sushant-115/physcoord/core/model"
)

// Call is one request to send within a phase.
type Call struct {
	Type    model.ControllerType
	Header  RequestHeader
	Payload Payload
	// Done, if set, runs after the send on the goroutine serving Type.
	Done func(Response, error)
}

// Outcome is the result of one Call.
type Outcome struct {
	Call     Call
	Response Response
	Err      error
}

// Outcomes holds per-call results in call order.
type Outcomes []Outcome

// Err combines every per-call error.
func (o Outcomes) Err() error {
	var err error
	for _, out := range o {
		err = multierr.Append(err, out.Err)
	}
	return err
}

// ByController returns the first error per controller, nil for controllers
// whose calls all succeeded.
func (o Outcomes) ByController() map[string]error {
	res := make(map[string]error)
	for _, out := range o {
		name := out.Call.Header.Controller
		if prev, seen := res[name]; seen && prev != nil {
			continue
		}
		res[name] = out.Err
	}
	return res
}

// Dispatch sends every call over the session of its type. Calls for one type
// go out in order; a failed call never stops the rest. With parallel set,
// distinct types are served concurrently.
func Dispatch(ctx context.Context, sessions map[model.ControllerType]Session, calls []Call, parallel bool) Outcomes {
	outcomes := make(Outcomes, len(calls))
	byType := make(map[model.ControllerType][]int)
	var order []model.ControllerType
	for i, c := range calls {
		outcomes[i].Call = c
		if _, ok := byType[c.Type]; !ok {
			order = append(order, c.Type)
		}
		byType[c.Type] = append(byType[c.Type], i)
	}

	serve := func(ct model.ControllerType) {
		s, ok := sessions[ct]
		for _, i := range byType[ct] {
			c := calls[i]
			var resp Response
			var err error
			if !ok {
				err = fmt.Errorf("%w: no session for %s", ErrSessionOpen, ct)
			} else {
				resp, err = s.Send(ctx, c.Header, c.Payload)
			}
			outcomes[i].Response = resp
			outcomes[i].Err = err
			if c.Done != nil {
				c.Done(resp, err)
			}
		}
	}

	if !parallel || len(order) < 2 {
		for _, ct := range order {
			serve(ct)
		}
		return outcomes
	}

	var g errgroup.Group
	for _, ct := range order {
		ct := ct
		g.Go(func() error {
			serve(ct)
			return nil
		})
	}
	_ = g.Wait()
	return outcomes
}
