package session

import (
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/canonica-labs/querycache/internal/errors"
)

func TestSearchPathIter(t *testing.T) {
	p := MakeSearchPath([]string{"s1", "", "s2", "s1"})

	var got []string
	next := p.Iter()
	for schema, ok := next(); ok; schema, ok = next() {
		got = append(got, schema)
	}
	if len(got) != 2 || got[0] != "s1" || got[1] != "s2" {
		t.Fatalf("Iter() yielded %v, want [s1 s2]", got)
	}
	if p.Index("s2") != 1 || p.Index("nope") != -1 {
		t.Error("Index() mismatch")
	}
	if p.String() != "s1, s2" {
		t.Errorf("String() = %q", p.String())
	}
}

func TestSearchPathIsImmutable(t *testing.T) {
	src := []string{"a", "b"}
	p := MakeSearchPath(src)
	src[0] = "changed"
	if first, _ := p.First(); first != "a" {
		t.Error("SearchPath aliases its input slice")
	}

	out := p.Schemas()
	out[0] = "changed"
	if first, _ := p.First(); first != "a" {
		t.Error("Schemas() exposes internal storage")
	}
}

func TestSearchPathContextSnapshot(t *testing.T) {
	ctx := NewSearchPathContext([]string{"public"})
	before := ctx.Current()

	ctx.Set([]string{"s1", "s2"})
	if !before.Equal(MakeSearchPath([]string{"public"})) {
		t.Error("earlier snapshot changed after Set")
	}
	if ctx.Current().String() != "s1, s2" {
		t.Errorf("Current() = %q", ctx.Current())
	}

	ctx.Reset()
	if ctx.Current().String() != "public" {
		t.Errorf("Reset() did not restore the initial path: %q", ctx.Current())
	}
}

func TestSearchPathJSON(t *testing.T) {
	data, err := json.Marshal(MakeSearchPath([]string{"a", "b"}))
	if err != nil {
		t.Fatalf("Marshal: %v", err)
	}
	if string(data) != `["a","b"]` {
		t.Errorf("Marshal = %s", data)
	}

	var p SearchPath
	if err := json.Unmarshal(data, &p); err != nil {
		t.Fatalf("Unmarshal: %v", err)
	}
	if p.String() != "a, b" {
		t.Errorf("Unmarshal = %q", p)
	}
}

func TestObservedVersionOnlyMovesForward(t *testing.T) {
	s := New("alice", []string{"public"})

	var wg sync.WaitGroup
	for v := uint64(1); v <= 100; v++ {
		wg.Add(1)
		go func(v uint64) {
			defer wg.Done()
			s.ObserveVersion(v)
		}(v)
	}
	wg.Wait()
	s.ObserveVersion(3)

	if s.ObservedVersion() != 100 {
		t.Errorf("ObservedVersion() = %d, want 100", s.ObservedVersion())
	}
}

func TestRegistry(t *testing.T) {
	r := NewRegistry([]string{"public"})
	s := r.Open("alice", nil)

	if s.SearchPath().Current().String() != "public" {
		t.Errorf("expected default path, got %q", s.SearchPath().Current())
	}
	if _, err := r.Get(s.ID); err != nil {
		t.Fatalf("Get: %v", err)
	}
	if err := r.Close(s.ID); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if _, err := r.Get(s.ID); errors.CodeOf(err) != errors.CodeNotFound {
		t.Errorf("expected not found after close, got %v", err)
	}

	idle := r.Open("bob", []string{"x"})
	idle.RecordStatement(StatementInfo{Kind: "select", At: time.Now().Add(-time.Hour)})
	if n := r.CloseIdle(time.Now().Add(-time.Minute)); n != 1 {
		t.Errorf("CloseIdle closed %d sessions, want 1", n)
	}
}

func TestLastStatement(t *testing.T) {
	s := New("alice", nil)
	if _, ok := s.LastStatement(); ok {
		t.Fatal("fresh session has no last statement")
	}
	s.RecordStatement(StatementInfo{Kind: "select", Destination: DestinationCache, At: time.Now()})
	info, ok := s.LastStatement()
	if !ok || info.Destination != DestinationCache {
		t.Errorf("LastStatement() = %+v, %v", info, ok)
	}
}
