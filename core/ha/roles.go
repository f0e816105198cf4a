package ha

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/sushant-115/physcoord/core/switchover"
)

// Switcher performs the role transitions.
type Switcher interface {
	ToActive(ctx context.Context) (switchover.Report, error)
	ToStandby(ctx context.Context) (switchover.Report, error)
}

// Failover is a Listener that switches roles and, after becoming active,
// replays the pending configuration to the drivers.
type Failover struct {
	Switcher Switcher
	// Replay runs after a successful switch to active. Optional.
	Replay func(ctx context.Context) error
	// Quiesce runs before switching to standby, e.g. to abort an in-flight
	// transaction. Optional.
	Quiesce func(ctx context.Context)
	Logger  *zap.Logger
}

var _ Listener = (*Failover)(nil)

func (f *Failover) logger() *zap.Logger {
	if f.Logger == nil {
		return zap.NewNop()
	}
	return f.Logger
}

func (f *Failover) BecomeActive(ctx context.Context) error {
	report, err := f.Switcher.ToActive(ctx)
	if err != nil {
		return err
	}
	if failed := report.Failed(); len(failed) > 0 {
		f.logger().Warn("some controllers were not recreated", zap.Strings("controllers", failed))
	}
	if f.Replay == nil {
		return nil
	}
	if err := f.Replay(ctx); err != nil {
		return fmt.Errorf("replay after switchover: %w", err)
	}
	return nil
}

func (f *Failover) BecomeStandby(ctx context.Context) error {
	if f.Quiesce != nil {
		f.Quiesce(ctx)
	}
	report, err := f.Switcher.ToStandby(ctx)
	if err != nil {
		return err
	}
	if failed := report.Failed(); len(failed) > 0 {
		f.logger().Warn("some controllers were not released at their drivers", zap.Strings("controllers", failed))
	}
	return nil
}
