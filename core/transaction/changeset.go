package transaction

import (
	"github.com/sushant-115/physcoord/core/model"
)

// ChangeSet is what the in-flight transaction applies, per entity kind.
type ChangeSet struct {
	Created map[model.EntityKind][]model.Key
	Updated map[model.EntityKind][]model.Key
	Deleted map[model.EntityKind][]model.Key
	// Recreated holds created controllers that already existed in running.
	Recreated []model.Key

	// old holds running values captured just before the commit.
	old map[model.Key]model.Value
	// oldCommits holds commit versions replaced by driver results.
	oldCommits map[string]model.CommitVersion
}

func newChangeSet() *ChangeSet {
	return &ChangeSet{
		Created: make(map[model.EntityKind][]model.Key),
		Updated: make(map[model.EntityKind][]model.Key),
		Deleted: make(map[model.EntityKind][]model.Key),
	}
}

func (cs *ChangeSet) list(status model.RowStatus) map[model.EntityKind][]model.Key {
	switch status {
	case model.RowCreated:
		return cs.Created
	case model.RowUpdated:
		return cs.Updated
	case model.RowDeleted:
		return cs.Deleted
	}
	return nil
}

// Keys returns the keys of kind staged with status.
func (cs *ChangeSet) Keys(kind model.EntityKind, status model.RowStatus) []model.Key {
	if cs == nil {
		return nil
	}
	return cs.list(status)[kind]
}

func (cs *ChangeSet) add(kind model.EntityKind, status model.RowStatus, keys []model.Key) {
	if len(keys) == 0 {
		return
	}
	m := cs.list(status)
	m[kind] = append(m[kind], keys...)
}

// Len counts every staged key.
func (cs *ChangeSet) Len() int {
	if cs == nil {
		return 0
	}
	n := 0
	for _, m := range []map[model.EntityKind][]model.Key{cs.Created, cs.Updated, cs.Deleted} {
		for _, keys := range m {
			n += len(keys)
		}
	}
	return n
}

// Empty reports whether nothing is staged.
func (cs *ChangeSet) Empty() bool { return cs.Len() == 0 }

// IsCreated reports whether the controller is created by this transaction.
func (cs *ChangeSet) IsCreated(controller string) bool {
	return containsController(cs.Keys(model.KindController, model.RowCreated), controller)
}

// IsRecreated reports whether the controller is deleted and created again.
func (cs *ChangeSet) IsRecreated(controller string) bool {
	if cs == nil {
		return false
	}
	return containsController(cs.Recreated, controller)
}

func containsController(keys []model.Key, controller string) bool {
	for _, k := range keys {
		if k.Controller == controller {
			return true
		}
	}
	return false
}

// Clone returns an independent copy without the commit snapshot.
func (cs *ChangeSet) Clone() *ChangeSet {
	out := newChangeSet()
	if cs == nil {
		return out
	}
	for _, status := range []model.RowStatus{model.RowCreated, model.RowUpdated, model.RowDeleted} {
		for kind, keys := range cs.list(status) {
			out.add(kind, status, keys)
		}
	}
	out.Recreated = append(out.Recreated, cs.Recreated...)
	return out
}
