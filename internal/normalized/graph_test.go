package normalized

import (
	"errors"
	"testing"

	"github.com/zelig-tools/mdimport/internal/metadata"
)

func twoTypes() (*Universe, *Assembly) {
	u := NewUniverse()
	a := &Assembly{Identity: metadata.Identity{Name: "Pair"}}
	u.Add(a)
	a.Types = []Type{
		{Token: metadata.MakeToken(metadata.TableTypeDef, 1), Namespace: "Demo", Name: "TypeA"},
		{Token: metadata.MakeToken(metadata.TableTypeDef, 2), Namespace: "Demo", Name: "TypeB"},
	}
	a.Fields = []Field{
		{Token: metadata.MakeToken(metadata.TableField, 1), Owner: a.Ref(KindType, 0), Name: "b",
			Signature: &TypeSig{Elem: metadata.ElemClass, Type: a.Ref(KindType, 1)}},
		{Token: metadata.MakeToken(metadata.TableField, 2), Owner: a.Ref(KindType, 1), Name: "a",
			Signature: &TypeSig{Elem: metadata.ElemSZArray, Inner: &TypeSig{Elem: metadata.ElemClass, Type: a.Ref(KindType, 0)}}},
	}
	a.Types[0].Fields = []EntityRef{a.Ref(KindField, 0)}
	a.Types[1].Fields = []EntityRef{a.Ref(KindField, 1)}
	return u, a
}

func TestUniverseLookup(t *testing.T) {
	u, a := twoTypes()
	if a.ID != 1 || u.Len() != 1 {
		t.Fatalf("id %d len %d", a.ID, u.Len())
	}
	if u.Lookup(Nil) != nil {
		t.Fatal("nil ref must not resolve")
	}
	ta := u.Type(a.Ref(KindType, 0))
	if ta == nil || ta.FullName() != "Demo.TypeA" {
		t.Fatalf("TypeA = %+v", ta)
	}
	if u.Type(a.Ref(KindType, 5)) != nil || u.Type(EntityRef{Assembly: 9, Kind: KindType}) != nil {
		t.Fatal("dangling refs must not resolve")
	}
	f := u.Field(ta.Fields[0])
	if f == nil || u.Type(f.Signature.Type) == nil || u.Type(f.Signature.Type).Name != "TypeB" {
		t.Fatalf("field b = %+v", f)
	}
	if f.Origin() != metadata.MakeToken(metadata.TableField, 1) {
		t.Fatalf("origin = %s", f.Origin())
	}
	if ref, ok := a.FindType("Demo", "TypeB"); !ok || ref.Index != 1 {
		t.Fatalf("FindType = %v %v", ref, ok)
	}
	if got := a.Fields[1].Signature.Format(u); got != "Demo.TypeA[]" {
		t.Fatalf("Format = %q", got)
	}
}

func TestWalkCounts(t *testing.T) {
	_, a := twoTypes()
	var c Counts
	if err := Walk([]*Assembly{a}, &c); err != nil {
		t.Fatalf("walk: %v", err)
	}
	if c.Assemblies != 1 || c.Types != 2 || c.Fields != 2 || c.Methods != 0 {
		t.Fatalf("counts = %+v", c)
	}
}

type stopAt struct {
	BaseVisitor
	seen int
}

var errStop = errors.New("stop")

func (s *stopAt) VisitType(*Assembly, *Type) error {
	s.seen++
	return errStop
}

func TestWalkStopsOnError(t *testing.T) {
	_, a := twoTypes()
	v := &stopAt{}
	if err := Walk([]*Assembly{a}, v); err != errStop {
		t.Fatalf("err = %v", err)
	}
	if v.seen != 1 {
		t.Fatalf("visited %d types after error", v.seen)
	}
}
