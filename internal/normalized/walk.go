package normalized

// Visitor receives the entities of a Universe in arena order. Returning an
// error stops the walk.
type Visitor interface {
	VisitAssembly(a *Assembly) error
	VisitType(a *Assembly, t *Type) error
	VisitField(a *Assembly, f *Field) error
	VisitMethod(a *Assembly, m *Method) error
	VisitProperty(a *Assembly, p *Property) error
	VisitEvent(a *Assembly, e *Event) error
}

// BaseVisitor implements Visitor with no-ops so that concrete visitors
// only override what they need.
type BaseVisitor struct{}

func (BaseVisitor) VisitAssembly(*Assembly) error            { return nil }
func (BaseVisitor) VisitType(*Assembly, *Type) error         { return nil }
func (BaseVisitor) VisitField(*Assembly, *Field) error       { return nil }
func (BaseVisitor) VisitMethod(*Assembly, *Method) error     { return nil }
func (BaseVisitor) VisitProperty(*Assembly, *Property) error { return nil }
func (BaseVisitor) VisitEvent(*Assembly, *Event) error       { return nil }

// Walker is the read-only traversal contract dump writers build on.
type Walker interface {
	Walk(assemblies []*Assembly, v Visitor) error
}

// TypeOrder walks each type followed by its own members.
type TypeOrder struct{}

// Walk visits assemblies in the given order.
func (TypeOrder) Walk(assemblies []*Assembly, v Visitor) error {
	for _, a := range assemblies {
		if err := v.VisitAssembly(a); err != nil {
			return err
		}
		for i := range a.Types {
			t := &a.Types[i]
			if err := v.VisitType(a, t); err != nil {
				return err
			}
			for _, r := range t.Fields {
				if f, ok := a.Lookup(r).(*Field); ok {
					if err := v.VisitField(a, f); err != nil {
						return err
					}
				}
			}
			for _, r := range t.Methods {
				if m, ok := a.Lookup(r).(*Method); ok {
					if err := v.VisitMethod(a, m); err != nil {
						return err
					}
				}
			}
			for _, r := range t.Properties {
				if p, ok := a.Lookup(r).(*Property); ok {
					if err := v.VisitProperty(a, p); err != nil {
						return err
					}
				}
			}
			for _, r := range t.Events {
				if e, ok := a.Lookup(r).(*Event); ok {
					if err := v.VisitEvent(a, e); err != nil {
						return err
					}
				}
			}
		}
	}
	return nil
}

// Walk traverses assemblies in type order.
func Walk(assemblies []*Assembly, v Visitor) error {
	return TypeOrder{}.Walk(assemblies, v)
}

// Counts tallies entities; it is the visitor behind summary reports.
type Counts struct {
	Assemblies, Types, Fields, Methods, Properties, Events int
	// Bodies counts methods with an extracted body; Debug those with symbols.
	Bodies, Debug int
}

func (c *Counts) VisitAssembly(*Assembly) error {
	c.Assemblies++
	return nil
}

func (c *Counts) VisitType(*Assembly, *Type) error {
	c.Types++
	return nil
}

func (c *Counts) VisitField(*Assembly, *Field) error {
	c.Fields++
	return nil
}

func (c *Counts) VisitProperty(*Assembly, *Property) error {
	c.Properties++
	return nil
}

func (c *Counts) VisitEvent(*Assembly, *Event) error {
	c.Events++
	return nil
}

func (c *Counts) VisitMethod(_ *Assembly, m *Method) error {
	c.Methods++
	if m.Body != nil && !m.Body.Unavailable {
		c.Bodies++
	}
	if m.Debug != nil {
		c.Debug++
	}
	return nil
}
