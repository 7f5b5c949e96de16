package engine

import (
	"reflect"
	"sync"
	"testing"
	"time"
)

func TestKeyedLocksSerializePerKey(t *testing.T) {
	l := newKeyedLocks()
	var mu sync.Mutex
	active, maxActive := 0, 0
	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			unlock := l.Lock("story:s1")
			defer unlock()
			mu.Lock()
			active++
			if active > maxActive {
				maxActive = active
			}
			mu.Unlock()
			time.Sleep(time.Millisecond)
			mu.Lock()
			active--
			mu.Unlock()
		}()
	}
	wg.Wait()
	if maxActive != 1 {
		t.Fatalf("expected exclusive access, saw %d holders", maxActive)
	}
	if n := l.size(); n != 0 {
		t.Fatalf("entries should be released, %d left", n)
	}
}

func TestKeyedLocksIndependentKeys(t *testing.T) {
	l := newKeyedLocks()
	unlockA := l.Lock("task:a")
	done := make(chan struct{})
	go func() {
		unlock := l.Lock("task:b")
		unlock()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("a different key should not block")
	}
	unlockA()
}

func TestParseAcceptanceCriteria(t *testing.T) {
	desc := `As a shopper I want to pay by card.

## Acceptance Criteria
- Card payments are accepted
* [ ] Declined cards show an error
1. Receipts are emailed

Notes
- not a criterion
AC: Refunds are possible
ac 2: card payments are accepted`
	got := ParseAcceptanceCriteria(desc)
	want := []string{
		"Card payments are accepted",
		"Declined cards show an error",
		"Receipts are emailed",
		"Refunds are possible",
	}
	if !reflect.DeepEqual(got, want) {
		t.Fatalf("got %q, want %q", got, want)
	}
	if got := ParseAcceptanceCriteria("no structure here"); len(got) != 0 {
		t.Fatalf("expected nothing, got %q", got)
	}
}
