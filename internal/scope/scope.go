// Package scope implements the lexical scope stack used while resolving a
// single statement. Each WITH clause pushes a frame; its bindings shadow
// every same-named catalog table for the rest of that query.
package scope

// Binding is a name introduced by a WITH clause.
type Binding struct {
	Name string

	// Columns is the optional column list, e.g. WITH a(x, y) AS (...).
	Columns []string

	// Definition is the normalized text of the bound query.
	Definition string

	// Depth is the index of the frame the binding lives in, 0 = outermost.
	Depth int
}

// Frame is one lexical level. Bindings are kept in declaration order.
type Frame struct {
	bindings []*Binding
}

// Bindings returns the frame's bindings in declaration order.
func (f *Frame) Bindings() []*Binding {
	return f.bindings
}

// Stack is a stack of frames. The zero value is an empty stack ready to use.
// A Stack belongs to one resolution and is not safe for concurrent use.
type Stack struct {
	frames []*Frame
}

// New returns an empty stack.
func New() *Stack {
	return &Stack{}
}

// Push opens a new innermost frame and returns it.
func (s *Stack) Push() *Frame {
	f := &Frame{}
	s.frames = append(s.frames, f)
	return f
}

// Pop discards the innermost frame. Popping an empty stack is a no-op.
func (s *Stack) Pop() {
	if len(s.frames) == 0 {
		return
	}
	s.frames[len(s.frames)-1] = nil
	s.frames = s.frames[:len(s.frames)-1]
}

// Depth returns the number of open frames.
func (s *Stack) Depth() int {
	return len(s.frames)
}

// Bind adds a binding to the innermost frame. A binding becomes visible
// only once bound, so a WITH body cannot see itself or later siblings.
func (s *Stack) Bind(b Binding) *Binding {
	if len(s.frames) == 0 {
		s.Push()
	}
	depth := len(s.frames) - 1
	b.Depth = depth
	nb := &b
	s.frames[depth].bindings = append(s.frames[depth].bindings, nb)
	return nb
}

// Lookup returns every binding of name in the innermost frame that has one.
// An empty result means the name is not bound locally; more than one means
// the frame declares it twice.
func (s *Stack) Lookup(name string) []*Binding {
	for i := len(s.frames) - 1; i >= 0; i-- {
		var matches []*Binding
		for _, b := range s.frames[i].bindings {
			if b.Name == name {
				matches = append(matches, b)
			}
		}
		if len(matches) > 0 {
			return matches
		}
	}
	return nil
}
