package transaction

import (
	"fmt"

	"github.com/sushant-115/physcoord/core/model"
)

// State is the coordinator's position in the commit protocol.
type State int32

const (
	StateIdle State = iota
	StateStarted
	StateVoteWait
	StateVoteDone
	StateGlobalCommitWait
	StateGlobalCommitDone
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateStarted:
		return "started"
	case StateVoteWait:
		return "vote_wait"
	case StateVoteDone:
		return "vote_done"
	case StateGlobalCommitWait:
		return "global_commit_wait"
	case StateGlobalCommitDone:
		return "global_commit_done"
	default:
		return fmt.Sprintf("state(%d)", int32(s))
	}
}

// Phase names a protocol step, for driver results and aborts.
type Phase int

const (
	PhaseStart Phase = iota
	PhaseVote
	PhaseGlobalCommit
	PhaseEnd
)

func (p Phase) String() string {
	switch p {
	case PhaseStart:
		return "start"
	case PhaseVote:
		return "vote"
	case PhaseGlobalCommit:
		return "global_commit"
	case PhaseEnd:
		return "end"
	default:
		return fmt.Sprintf("phase(%d)", int(p))
	}
}

// StartRequest opens a transaction.
type StartRequest struct {
	SessionID uint32           `json:"session_id"`
	ConfigID  uint32           `json:"config_id"`
	Mode      model.ConfigMode `json:"mode"`
}

// ControllerResult is the commit version a driver reported for a controller.
type ControllerResult struct {
	Controller string              `json:"controller"`
	Commit     model.CommitVersion `json:"commit"`
}

// DriverResults is delivered by the orchestrator after each driver phase.
type DriverResults struct {
	// IsReplay marks a recovery replay: the commit versions of every
	// controller are blanked instead of applying Controllers.
	IsReplay    bool               `json:"is_replay"`
	Controllers []ControllerResult `json:"controllers,omitempty"`
}

// EndRequest closes a transaction.
type EndRequest struct {
	SessionID uint32           `json:"session_id"`
	ConfigID  uint32           `json:"config_id"`
	Mode      model.ConfigMode `json:"mode"`
	Success   bool             `json:"success"`
	IsAudit   bool             `json:"is_audit"`
}
