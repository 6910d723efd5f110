package resolver

import (
	"github.com/zelig-tools/mdimport/internal/normalized"
)

// typeKey names a type within one assembly. Top-level types have no
// enclosing index (-1).
type typeKey struct {
	namespace string
	name      string
	enclosing int32
}

// typeTable is the name index TypeRefs are resolved against.
type typeTable struct {
	byName map[typeKey]int32
}

func newTypeTable(a *normalized.Assembly) *typeTable {
	t := &typeTable{byName: make(map[typeKey]int32, len(a.Types))}
	for i := range a.Types {
		ty := &a.Types[i]
		enclosing := int32(-1)
		if !ty.Enclosing.IsNil() {
			enclosing = ty.Enclosing.Index
		}
		key := typeKey{namespace: ty.Namespace, name: ty.Name, enclosing: enclosing}
		// The first definition wins on duplicate names.
		if _, dup := t.byName[key]; !dup {
			t.byName[key] = int32(i)
		}
	}
	return t
}

func (t *typeTable) lookup(namespace, name string, enclosing int32) (int32, bool) {
	i, ok := t.byName[typeKey{namespace: namespace, name: name, enclosing: enclosing}]
	return i, ok
}

func qualified(namespace, name string) string {
	if namespace == "" {
		return name
	}
	return namespace + "." + name
}
