package scope

import "testing"

func TestLookupInnermostFirst(t *testing.T) {
	s := New()
	s.Push()
	s.Bind(Binding{Name: "a", Definition: "outer"})
	s.Push()
	s.Bind(Binding{Name: "a", Definition: "inner"})

	got := s.Lookup("a")
	if len(got) != 1 || got[0].Definition != "inner" || got[0].Depth != 1 {
		t.Fatalf("Lookup(a) = %+v, want the inner binding", got)
	}

	s.Pop()
	got = s.Lookup("a")
	if len(got) != 1 || got[0].Definition != "outer" {
		t.Fatalf("after Pop, Lookup(a) = %+v, want the outer binding", got)
	}
}

func TestBindingVisibleOnlyAfterBind(t *testing.T) {
	s := New()
	s.Push()
	if got := s.Lookup("a"); got != nil {
		t.Fatalf("unbound name resolved locally: %+v", got)
	}
	s.Bind(Binding{Name: "a"})
	if got := s.Lookup("a"); len(got) != 1 {
		t.Fatalf("bound name not found: %+v", got)
	}
}

func TestDuplicateBindingsInOneFrame(t *testing.T) {
	s := New()
	s.Push()
	s.Bind(Binding{Name: "a", Definition: "first"})
	s.Bind(Binding{Name: "a", Definition: "second"})

	if got := s.Lookup("a"); len(got) != 2 {
		t.Fatalf("expected both duplicates, got %d", len(got))
	}
}

func TestOuterBindingVisibleFromInnerFrame(t *testing.T) {
	s := New()
	s.Push()
	s.Bind(Binding{Name: "outer"})
	s.Push()
	s.Bind(Binding{Name: "inner"})

	if got := s.Lookup("outer"); len(got) != 1 || got[0].Depth != 0 {
		t.Errorf("outer binding not visible from inner frame: %+v", got)
	}
	if s.Depth() != 2 {
		t.Errorf("Depth() = %d, want 2", s.Depth())
	}
}

func TestPopEmptyStack(t *testing.T) {
	var s Stack
	s.Pop()
	if s.Depth() != 0 {
		t.Error("Pop on empty stack changed depth")
	}
	s.Bind(Binding{Name: "x"})
	if s.Depth() != 1 {
		t.Error("Bind on empty stack should open a frame")
	}
}
