package relay

import (
	"sync"
	"testing"
)

func TestPairKey_OrderIndependent(t *testing.T) {
	if pairKey("demo", "bero") != pairKey("bero", "demo") {
		t.Fatalf("expected symmetric pair key")
	}
	if pairKey("demo", "bero") == pairKey("demo", "cleo") {
		t.Fatalf("expected distinct keys for distinct pairs")
	}
}

func TestPairLocks_SerializesPair(t *testing.T) {
	p := newPairLocks()

	var wg sync.WaitGroup
	counter := 0
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			unlock := p.lock("demo", "bero")
			counter++
			unlock()
		}()
	}
	wg.Wait()

	if counter != 50 {
		t.Fatalf("expected 50 serialized increments, got %d", counter)
	}

	p.mu.Lock()
	remaining := len(p.locks)
	p.mu.Unlock()
	if remaining != 0 {
		t.Fatalf("expected idle locks removed, got %d", remaining)
	}
}
