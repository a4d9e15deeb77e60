package jericho

import (
	"errors"
	"sync"
	"testing"

	jerrors "github.com/pzverkov/jericho/internal/errors"
)

func TestRegistryRegister(t *testing.T) {
	r := NewRegistry()

	b, err := r.Register(5, 2, 8, 0, NewMemberLink(newMockConn(), 0))
	if err != nil {
		t.Fatalf("Register failed: %v", err)
	}
	if got, ok := r.Lookup(5); !ok || got != b {
		t.Fatal("Lookup did not return the registered block")
	}

	b2, err := r.Register(5, 2, 8, 1, NewMemberLink(newMockConn(), 0))
	if err != nil || b2 != b {
		t.Fatalf("second Register = %p, %v", b2, err)
	}
	if !b.Complete() {
		t.Error("block not complete after two members")
	}

	if _, err := r.Register(5, 2, 8, 1, NewMemberLink(newMockConn(), 0)); !errors.Is(err, jerrors.ErrStreamComplete) {
		t.Errorf("Register on complete stream: err = %v", err)
	}
	if _, err := r.Register(5, 3, 8, 1, NewMemberLink(newMockConn(), 0)); !errors.Is(err, jerrors.ErrStreamComplete) {
		t.Errorf("Register with other count on complete stream: err = %v", err)
	}
}

func TestRegistryConflicts(t *testing.T) {
	r := NewRegistry()
	if _, err := r.Register(9, 3, 8, 0, NewMemberLink(newMockConn(), 0)); err != nil {
		t.Fatal(err)
	}

	if _, err := r.Register(9, 4, 8, 1, NewMemberLink(newMockConn(), 0)); !errors.Is(err, jerrors.ErrMemberCountMismatch) {
		t.Errorf("member count mismatch: err = %v", err)
	}
	if _, err := r.Register(9, 3, 16, 1, NewMemberLink(newMockConn(), 0)); !errors.Is(err, jerrors.ErrBlockSizeMismatch) {
		t.Errorf("block size mismatch: err = %v", err)
	}
	if _, err := r.Register(9, 3, 8, 0, NewMemberLink(newMockConn(), 0)); !errors.Is(err, jerrors.ErrIndexOccupied) {
		t.Errorf("index collision: err = %v", err)
	}
	if _, err := r.CreateOrGet(9, 2); !errors.Is(err, jerrors.ErrMemberCountMismatch) {
		t.Errorf("CreateOrGet mismatch: err = %v", err)
	}
}

func TestRegistryFailedCreateIsRemoved(t *testing.T) {
	r := NewRegistry()
	if _, err := r.Register(11, 2, 8, 5, NewMemberLink(newMockConn(), 0)); !errors.Is(err, jerrors.ErrInvalidIndex) {
		t.Fatalf("err = %v", err)
	}
	if r.Len() != 0 {
		t.Errorf("Len() = %d after failed create", r.Len())
	}
}

func TestRegistryReleaseOnDrain(t *testing.T) {
	r := NewRegistry()
	b, err := r.CreateOrGet(12, 1)
	if err != nil {
		t.Fatal(err)
	}
	l := NewMemberLink(newMockConn(), 0)
	if err := b.Add(l, 8, 0); err != nil {
		t.Fatal(err)
	}

	l.Close()
	b.checkDrained()
	if _, ok := r.Lookup(12); ok {
		t.Fatal("drained block still registered")
	}

	// A new stream may reuse the UID.
	if _, err := r.Register(12, 1, 8, 0, NewMemberLink(newMockConn(), 0)); err != nil {
		t.Errorf("reuse of UID: %v", err)
	}
}

func TestRegistryRemoveIfKeepsReplacement(t *testing.T) {
	r := NewRegistry()
	old, _ := r.CreateOrGet(13, 1)
	r.Remove(13)
	fresh, _ := r.CreateOrGet(13, 1)

	r.removeIf(13, old)
	if got, ok := r.Lookup(13); !ok || got != fresh {
		t.Error("removeIf deleted a replacement block")
	}
}

func TestRegistryConcurrentRegister(t *testing.T) {
	r := NewRegistry()
	const n = 16

	var wg sync.WaitGroup
	errs := make([]error, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, errs[i] = r.Register(77, n, 4, i, NewMemberLink(newMockConn(), 0))
		}(i)
	}
	wg.Wait()

	for i, err := range errs {
		if err != nil {
			t.Errorf("member %d: %v", i, err)
		}
	}
	b, ok := r.Lookup(77)
	if !ok || !b.Complete() {
		t.Fatal("block not complete")
	}
	n2 := 0
	r.Range(func(uint64, *Block) bool { n2++; return true })
	if n2 != 1 {
		t.Errorf("Range visited %d blocks", n2)
	}
}
