// Package model holds the vocabulary shared by every coordinator component:
// datastores, entity kinds, row keys and values, and commit versions.
package model

import (
	"fmt"
	"time"
)

// Datastore names one configuration snapshot.
type Datastore int

const (
	DatastoreCandidate Datastore = iota // staging area edited by the northbound
	DatastoreRunning                    // applied configuration
	DatastoreStartup                    // persisted configuration
	DatastoreState                      // live operational rows
	DatastoreImport                     // rows imported from a controller
)

var datastoreNames = map[Datastore]string{
	DatastoreCandidate: "candidate",
	DatastoreRunning:   "running",
	DatastoreStartup:   "startup",
	DatastoreState:     "state",
	DatastoreImport:    "import",
}

func (d Datastore) String() string {
	if n, ok := datastoreNames[d]; ok {
		return n
	}
	return fmt.Sprintf("datastore(%d)", int(d))
}

// AllDatastores lists every datastore in declaration order.
func AllDatastores() []Datastore {
	return []Datastore{DatastoreCandidate, DatastoreRunning, DatastoreStartup, DatastoreState, DatastoreImport}
}

// EntityKind is the type of a configured entity.
type EntityKind int

const (
	KindController EntityKind = iota
	KindDomain
	KindBoundary
)

func (k EntityKind) String() string {
	switch k {
	case KindController:
		return "controller"
	case KindDomain:
		return "domain"
	case KindBoundary:
		return "boundary"
	default:
		return fmt.Sprintf("kind(%d)", int(k))
	}
}

// Kinds returns the entity kinds in the order transactions process them.
func Kinds() []EntityKind {
	return []EntityKind{KindController, KindDomain, KindBoundary}
}

// RowStatus marks how a candidate row differs from running.
type RowStatus int

const (
	RowApplied RowStatus = iota // identical to running
	RowCreated
	RowUpdated
	RowDeleted
)

func (s RowStatus) String() string {
	switch s {
	case RowApplied:
		return "applied"
	case RowCreated:
		return "created"
	case RowUpdated:
		return "updated"
	case RowDeleted:
		return "deleted"
	default:
		return fmt.Sprintf("status(%d)", int(s))
	}
}

// Operation is the verb carried by driver requests, logical pushes and
// northbound notifications.
type Operation int

const (
	OpCreate Operation = iota + 1
	OpUpdate
	OpDelete
	OpRead
)

func (o Operation) String() string {
	switch o {
	case OpCreate:
		return "create"
	case OpUpdate:
		return "update"
	case OpDelete:
		return "delete"
	case OpRead:
		return "read"
	default:
		return fmt.Sprintf("op(%d)", int(o))
	}
}

// ControllerType is the driver family a controller is reached through.
type ControllerType int

const (
	ControllerUnknown ControllerType = iota
	ControllerPFC
	ControllerVNP
	ControllerPolc
	ControllerODC
)

var controllerTypeNames = map[ControllerType]string{
	ControllerUnknown: "unknown",
	ControllerPFC:     "pfc",
	ControllerVNP:     "vnp",
	ControllerPolc:    "polc",
	ControllerODC:     "odc",
}

func (t ControllerType) String() string {
	if n, ok := controllerTypeNames[t]; ok {
		return n
	}
	return fmt.Sprintf("type(%d)", int(t))
}

// ParseControllerType maps a configuration name back to its type.
func ParseControllerType(s string) (ControllerType, error) {
	for t, n := range controllerTypeNames {
		if n == s {
			return t, nil
		}
	}
	return ControllerUnknown, fmt.Errorf("unknown controller type %q", s)
}

// OperStatus is the operational status of a controller, domain or boundary.
type OperStatus int

const (
	OperUnknown OperStatus = iota
	OperUp
	OperDown
)

func (s OperStatus) String() string {
	switch s {
	case OperUp:
		return "up"
	case OperDown:
		return "down"
	default:
		return "unknown"
	}
}

// ConfigMode is the scope a northbound session edits under.
type ConfigMode int

const (
	ModeGlobal ConfigMode = iota
	ModeReal
	ModeVirtual
	ModeVTN
)

func (m ConfigMode) String() string {
	switch m {
	case ModeGlobal:
		return "global"
	case ModeReal:
		return "real"
	case ModeVirtual:
		return "virtual"
	case ModeVTN:
		return "vtn"
	default:
		return fmt.Sprintf("mode(%d)", int(m))
	}
}

// RequiresDriverCoordination reports whether a transaction in this mode
// touches physical configuration at all.
func (m ConfigMode) RequiresDriverCoordination() bool {
	return m == ModeGlobal || m == ModeReal
}

// CommitVersion records the last successful commit applied to a controller.
// The zero value is the blank entry.
type CommitVersion struct {
	Number      uint64    `json:"number"`
	Timestamp   time.Time `json:"timestamp"`
	Application string    `json:"application"`
}

// IsZero reports whether cv is blank.
func (cv CommitVersion) IsZero() bool {
	return cv.Number == 0 && cv.Timestamp.IsZero() && cv.Application == ""
}

// ParseEntityKind maps a configuration name to its kind.
func ParseEntityKind(s string) (EntityKind, error) {
	for _, k := range Kinds() {
		if k.String() == s {
			return k, nil
		}
	}
	return 0, fmt.Errorf("unknown entity kind %q", s)
}

// ParseOperation maps a configuration name to its operation.
func ParseOperation(s string) (Operation, error) {
	for _, o := range []Operation{OpCreate, OpUpdate, OpDelete, OpRead} {
		if o.String() == s {
			return o, nil
		}
	}
	return 0, fmt.Errorf("unknown operation %q", s)
}

// ParseConfigMode maps a name to its configuration mode.
func ParseConfigMode(s string) (ConfigMode, error) {
	for _, m := range []ConfigMode{ModeGlobal, ModeReal, ModeVirtual, ModeVTN} {
		if m.String() == s {
			return m, nil
		}
	}
	return 0, fmt.Errorf("unknown config mode %q", s)
}
