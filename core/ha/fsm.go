package ha

import (
	"encoding/json"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/hashicorp/raft"
)

// Command is a replicated log entry.
type Command struct {
	Op     string    `json:"op"`
	NodeID string    `json:"node_id"`
	At     time.Time `json:"at"`
}

// OpActivate records that a node took over the active role.
const OpActivate = "activate"

// ActiveRecord names the node currently holding the active role. Epoch grows
// by one with every takeover.
type ActiveRecord struct {
	NodeID string    `json:"node_id"`
	Epoch  uint64    `json:"epoch"`
	Since  time.Time `json:"since"`
}

// FSM replicates the active-role record between coordinator nodes.
type FSM struct {
	mu        sync.RWMutex
	active    ActiveRecord
	lastIndex uint64
}

var _ raft.FSM = (*FSM)(nil)

func NewFSM() *FSM { return &FSM{} }

// Apply returns the resulting ActiveRecord or an error.
func (f *FSM) Apply(entry *raft.Log) interface{} {
	var cmd Command
	if err := json.Unmarshal(entry.Data, &cmd); err != nil {
		return fmt.Errorf("ha: decode command at index %d: %w", entry.Index, err)
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	f.lastIndex = entry.Index

	switch cmd.Op {
	case OpActivate:
		if f.active.NodeID != cmd.NodeID || f.active.Epoch == 0 {
			f.active = ActiveRecord{NodeID: cmd.NodeID, Epoch: f.active.Epoch + 1, Since: cmd.At}
		}
		return f.active
	default:
		return fmt.Errorf("ha: unknown command %q at index %d", cmd.Op, entry.Index)
	}
}

// Active returns the replicated active-role record.
func (f *FSM) Active() ActiveRecord {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return f.active
}

// LastIndex is the raft index of the last applied entry.
func (f *FSM) LastIndex() uint64 {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return f.lastIndex
}

func (f *FSM) Snapshot() (raft.FSMSnapshot, error) {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return &snapshot{active: f.active}, nil
}

func (f *FSM) Restore(rc io.ReadCloser) error {
	defer rc.Close()
	var rec ActiveRecord
	if err := json.NewDecoder(rc).Decode(&rec); err != nil {
		return fmt.Errorf("ha: decode snapshot: %w", err)
	}
	f.mu.Lock()
	f.active = rec
	f.mu.Unlock()
	return nil
}

type snapshot struct {
	active ActiveRecord
}

func (s *snapshot) Persist(sink raft.SnapshotSink) error {
	data, err := json.Marshal(s.active)
	if err != nil {
		sink.Cancel()
		return fmt.Errorf("ha: encode snapshot: %w", err)
	}
	if _, err := sink.Write(data); err != nil {
		sink.Cancel()
		return fmt.Errorf("ha: write snapshot: %w", err)
	}
	return sink.Close()
}

func (s *snapshot) Release() {}
