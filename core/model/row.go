package model

import (
	"fmt"
	"strings"
)

// Key identifies one entity row. Controller rows use Controller only, domain
// rows Controller and Domain, boundary rows Boundary only.
type Key struct {
	Kind       EntityKind `json:"kind"`
	Controller string     `json:"controller,omitempty"`
	Domain     string     `json:"domain,omitempty"`
	Boundary   string     `json:"boundary,omitempty"`
}

// ControllerKey builds the key of a controller row.
func ControllerKey(name string) Key {
	return Key{Kind: KindController, Controller: name}
}

// DomainKey builds the key of a domain row.
func DomainKey(controller, domain string) Key {
	return Key{Kind: KindDomain, Controller: controller, Domain: domain}
}

// BoundaryKey builds the key of a boundary row.
func BoundaryKey(id string) Key {
	return Key{Kind: KindBoundary, Boundary: id}
}

// String renders the key as a stable path, also used as the storage key.
func (k Key) String() string {
	switch k.Kind {
	case KindController:
		return "controller/" + k.Controller
	case KindDomain:
		return "domain/" + k.Controller + "/" + k.Domain
	case KindBoundary:
		return "boundary/" + k.Boundary
	default:
		return fmt.Sprintf("%s/%s/%s/%s", k.Kind, k.Controller, k.Domain, k.Boundary)
	}
}

// ParseKey is the inverse of Key.String.
func ParseKey(s string) (Key, error) {
	parts := strings.Split(s, "/")
	switch {
	case len(parts) == 2 && parts[0] == "controller":
		return ControllerKey(parts[1]), nil
	case len(parts) == 3 && parts[0] == "domain":
		return DomainKey(parts[1], parts[2]), nil
	case len(parts) == 2 && parts[0] == "boundary":
		return BoundaryKey(parts[1]), nil
	}
	return Key{}, fmt.Errorf("malformed key %q", s)
}

// OwnedBy reports whether the row belongs to the named controller. Boundaries
// belong to no single controller.
func (k Key) OwnedBy(controller string) bool {
	switch k.Kind {
	case KindController, KindDomain:
		return k.Controller == controller
	}
	return false
}

// ControllerValue is the configured and discovered state of a controller.
type ControllerValue struct {
	Type          ControllerType `json:"type"`
	Version       string         `json:"version"`
	Description   string         `json:"description,omitempty"`
	IPAddress     string         `json:"ip_address"`
	User          string         `json:"user,omitempty"`
	EnableAudit   bool           `json:"enable_audit"`
	OperStatus    OperStatus     `json:"oper_status"`
	ActualVersion string         `json:"actual_version,omitempty"`
	ActualID      string         `json:"actual_id,omitempty"`
	Commit        CommitVersion  `json:"commit"`
}

// DomainValue is the configuration of a controller domain.
type DomainValue struct {
	Type        string     `json:"type"`
	Description string     `json:"description,omitempty"`
	OperStatus  OperStatus `json:"oper_status"`
}

// BoundaryValue connects a logical port of one controller domain with a
// logical port of another.
type BoundaryValue struct {
	Controller1  string     `json:"controller1"`
	Domain1      string     `json:"domain1"`
	LogicalPort1 string     `json:"logical_port1"`
	Controller2  string     `json:"controller2"`
	Domain2      string     `json:"domain2"`
	LogicalPort2 string     `json:"logical_port2"`
	Description  string     `json:"description,omitempty"`
	OperStatus   OperStatus `json:"oper_status"`
}

// References reports whether the boundary touches the named controller.
func (b BoundaryValue) References(controller string) bool {
	return b.Controller1 == controller || b.Controller2 == controller
}

// Value holds exactly one of the kind-specific values.
type Value struct {
	Controller *ControllerValue `json:"controller,omitempty"`
	Domain     *DomainValue     `json:"domain,omitempty"`
	Boundary   *BoundaryValue   `json:"boundary,omitempty"`
}

// Clone returns a deep copy so callers can mutate it freely.
func (v Value) Clone() Value {
	var out Value
	if v.Controller != nil {
		c := *v.Controller
		out.Controller = &c
	}
	if v.Domain != nil {
		d := *v.Domain
		out.Domain = &d
	}
	if v.Boundary != nil {
		b := *v.Boundary
		out.Boundary = &b
	}
	return out
}

// Row is one stored entity with its candidate status.
type Row struct {
	Key    Key       `json:"key"`
	Value  Value     `json:"value"`
	Status RowStatus `json:"status"`
}

// Validate checks that the value set is exactly the one the key's kind
// calls for.
func (r Row) Validate() error {
	set := 0
	for _, ok := range []bool{r.Value.Controller != nil, r.Value.Domain != nil, r.Value.Boundary != nil} {
		if ok {
			set++
		}
	}
	if set != 1 {
		return fmt.Errorf("row %s: want exactly one value, got %d", r.Key, set)
	}
	var ok bool
	switch r.Key.Kind {
	case KindController:
		ok = r.Key.Controller != "" && r.Value.Controller != nil
	case KindDomain:
		ok = r.Key.Controller != "" && r.Key.Domain != "" && r.Value.Domain != nil
	case KindBoundary:
		ok = r.Key.Boundary != "" && r.Value.Boundary != nil
	}
	if !ok {
		return fmt.Errorf("row %s: value does not match key kind %s", r.Key, r.Key.Kind)
	}
	return nil
}

// Clone deep-copies the row.
func (r Row) Clone() Row {
	return Row{Key: r.Key, Value: r.Value.Clone(), Status: r.Status}
}

// ControllerRow is a convenience constructor used by loaders and tests.
func ControllerRow(name string, v ControllerValue, status RowStatus) Row {
	return Row{Key: ControllerKey(name), Value: Value{Controller: &v}, Status: status}
}

// DomainRow builds a domain row.
func DomainRow(controller, domain string, v DomainValue, status RowStatus) Row {
	return Row{Key: DomainKey(controller, domain), Value: Value{Domain: &v}, Status: status}
}

// BoundaryRow builds a boundary row.
func BoundaryRow(id string, v BoundaryValue, status RowStatus) Row {
	return Row{Key: BoundaryKey(id), Value: Value{Boundary: &v}, Status: status}
}
