package core

import "testing"

func TestMemoryAccountGuard_DropsConcurrentAcquire(t *testing.T) {
	guard := NewMemoryAccountGuard()
	handle, ok := guard.TryAcquire("acct-1")
	if !ok {
		t.Fatalf("expected first acquire to succeed")
	}
	if _, ok := guard.TryAcquire("acct-1"); ok {
		t.Fatalf("expected second acquire on same account to be refused")
	}
	other, ok := guard.TryAcquire("acct-2")
	if !ok {
		t.Fatalf("expected a different account to be independent")
	}
	other.Release()

	handle.Release()
	handle.Release()
	if guard.Held("acct-1") {
		t.Fatalf("expected account to be released")
	}
	again, ok := guard.TryAcquire("acct-1")
	if !ok {
		t.Fatalf("expected acquire after release to succeed")
	}
	again.Release()
}

func TestMemoryAccountGuard_RejectsBlankAccount(t *testing.T) {
	guard := NewMemoryAccountGuard()
	if _, ok := guard.TryAcquire("  "); ok {
		t.Fatalf("expected blank account id to be refused")
	}
}
