package identity

import (
	"os"
	"path/filepath"
	"testing"
)

func TestLoadOrGenerateRoundTrip(t *testing.T) {
	dir := t.TempDir()

	id1, err := LoadOrGenerate(dir)
	if err != nil {
		t.Fatalf("LoadOrGenerate: %v", err)
	}
	if len(id1.NodeID()) != NodeIDLength {
		t.Fatalf("node id length = %d, want %d", len(id1.NodeID()), NodeIDLength)
	}

	// A second load must return the same identity.
	id2, err := LoadOrGenerate(dir)
	if err != nil {
		t.Fatalf("reload: %v", err)
	}
	if id1.PublicKeyHex() != id2.PublicKeyHex() {
		t.Fatalf("reload produced a different key")
	}
}

func TestSignVerify(t *testing.T) {
	id, err := LoadOrGenerate(t.TempDir())
	if err != nil {
		t.Fatalf("LoadOrGenerate: %v", err)
	}

	payload := []byte(`{"type":"REQUEST","content":"hello"}`)
	sig := id.Sign(payload)

	if !Verify(payload, sig, id.PublicKeyHex()) {
		t.Fatalf("valid signature did not verify")
	}

	// Any mutation of the payload after signing must fail verification.
	tampered := append([]byte(nil), payload...)
	tampered[0] = 'X'
	if Verify(tampered, sig, id.PublicKeyHex()) {
		t.Fatalf("tampered payload verified")
	}

	if Verify(payload, "zz-not-hex", id.PublicKeyHex()) {
		t.Fatalf("garbage signature verified")
	}
	if Verify(payload, sig, "deadbeef") {
		t.Fatalf("short public key verified")
	}
}

func TestCorruptKeyFileRegenerates(t *testing.T) {
	dir := t.TempDir()

	id1, err := LoadOrGenerate(dir)
	if err != nil {
		t.Fatalf("LoadOrGenerate: %v", err)
	}

	if err := os.WriteFile(filepath.Join(dir, keyFileName), []byte("not json"), 0600); err != nil {
		t.Fatalf("corrupt key file: %v", err)
	}

	id2, err := LoadOrGenerate(dir)
	if err != nil {
		t.Fatalf("LoadOrGenerate after corruption: %v", err)
	}
	if id2.PublicKeyHex() == id1.PublicKeyHex() {
		t.Fatalf("corrupt key file was not regenerated")
	}
}
