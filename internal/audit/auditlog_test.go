package audit

import (
	"sync"
	"testing"
)

func TestChainVerifies(t *testing.T) {
	l := New(0)
	l.Append("vault unlocked")
	l.Appendf("extra auth %s -> %s", "none", "pin")
	l.Append("vault locked")
	if err := l.Verify(); err != nil {
		t.Fatal(err)
	}
	if n := len(l.Entries()); n != 3 {
		t.Fatalf("entries = %d", n)
	}
}

func TestTamperDetected(t *testing.T) {
	l := New(0)
	l.Append("a")
	l.Append("b")
	l.Append("c")
	l.entries[1].What = "x"
	if err := l.Verify(); err == nil {
		t.Fatal("edited entry not detected")
	}
}

func TestBoundedLogStillVerifies(t *testing.T) {
	l := New(2)
	for _, s := range []string{"a", "b", "c", "d"} {
		l.Append(s)
	}
	got := l.Entries()
	if len(got) != 2 || got[0].What != "c" || got[1].What != "d" {
		t.Fatalf("entries = %+v", got)
	}
	if err := l.Verify(); err != nil {
		t.Fatal(err)
	}
}

func TestConcurrentAppend(t *testing.T) {
	l := New(0)
	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			l.Append("event")
		}()
	}
	wg.Wait()
	if err := l.Verify(); err != nil {
		t.Fatal(err)
	}
	if n := len(l.Entries()); n != 20 {
		t.Fatalf("entries = %d", n)
	}
}
