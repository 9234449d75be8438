package keys

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
)

func TestSignVerifyRoundTrip(t *testing.T) {
	k, err := Generate("alice")
	if err != nil {
		t.Fatalf("generate: %v", err)
	}
	payload := []byte(`{"data":{"args":[],"kwargs":{}},"timestamp":1}`)
	sig := k.Sign(payload)
	if !Verify(payload, sig, k.Address()) {
		t.Fatal("expected signature to verify")
	}
	if Verify([]byte("tampered"), sig, k.Address()) {
		t.Fatal("expected tampered payload to fail")
	}
	other, _ := Generate("bob")
	if Verify(payload, sig, other.Address()) {
		t.Fatal("expected verification against other address to fail")
	}
}

func TestVerifyRejectsMalformedInput(t *testing.T) {
	k, _ := Generate("alice")
	payload := []byte("x")
	if Verify(payload, k.Sign(payload), "not-base58-0OIl") {
		t.Fatal("expected invalid address to fail")
	}
	if Verify(payload, []byte("short"), k.Address()) {
		t.Fatal("expected short signature to fail")
	}
	if _, err := PublicKeyFromAddress("abc"); !errors.Is(err, ErrInvalidAddress) {
		t.Fatalf("expected ErrInvalidAddress, got %v", err)
	}
}

func TestFromSeedIsDeterministic(t *testing.T) {
	seed := make([]byte, 32)
	for i := range seed {
		seed[i] = byte(i)
	}
	a, err := FromSeed("a", seed)
	if err != nil {
		t.Fatalf("from seed: %v", err)
	}
	b, _ := FromSeed("b", seed)
	if a.Address() != b.Address() {
		t.Fatalf("expected same address, got %s and %s", a.Address(), b.Address())
	}
	if _, err := FromSeed("c", []byte{1, 2}); err == nil {
		t.Fatal("expected short seed error")
	}
}

func TestStoreLoadOrCreatePersists(t *testing.T) {
	root := t.TempDir()
	s := NewStore(root)
	k, err := s.LoadOrCreate("module.echo")
	if err != nil {
		t.Fatalf("load or create: %v", err)
	}
	info, err := os.Stat(filepath.Join(root, "module.echo.json"))
	if err != nil {
		t.Fatalf("stat key file: %v", err)
	}
	if info.Mode().Perm() != 0o600 {
		t.Fatalf("expected 0600 key file, got %v", info.Mode().Perm())
	}

	reopened := NewStore(root)
	again, err := reopened.LoadOrCreate("module.echo")
	if err != nil {
		t.Fatalf("reload: %v", err)
	}
	if again.Address() != k.Address() {
		t.Fatalf("expected persisted key, got %s want %s", again.Address(), k.Address())
	}
}

func TestStoreAddressesAndRemove(t *testing.T) {
	s := NewStore(t.TempDir())
	a, _ := s.LoadOrCreate("a")
	b, _ := s.LoadOrCreate("b")
	addrs, err := s.Addresses()
	if err != nil {
		t.Fatalf("addresses: %v", err)
	}
	if _, ok := addrs[a.Address()]; !ok {
		t.Fatal("missing address a")
	}
	if _, ok := addrs[b.Address()]; !ok {
		t.Fatal("missing address b")
	}
	if err := s.Remove("a"); err != nil {
		t.Fatalf("remove: %v", err)
	}
	if _, err := s.Get("a"); !errors.Is(err, ErrKeyNotFound) {
		t.Fatalf("expected ErrKeyNotFound, got %v", err)
	}
}

func TestStoreRejectsPathNames(t *testing.T) {
	s := NewStore(t.TempDir())
	for _, name := range []string{"", "../x", "a/b"} {
		if _, err := s.LoadOrCreate(name); err == nil {
			t.Fatalf("expected error for name %q", name)
		}
	}
}

func TestStoreNamesOnMissingRoot(t *testing.T) {
	s := NewStore(filepath.Join(t.TempDir(), "missing"))
	names, err := s.Names()
	if err != nil || len(names) != 0 {
		t.Fatalf("expected empty names, got %v %v", names, err)
	}
}
