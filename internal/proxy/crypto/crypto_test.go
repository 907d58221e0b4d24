package crypto

import (
	"bytes"
	"encoding/hex"
	"testing"
)

func mustHex(t *testing.T, s string) []byte {
	t.Helper()
	b, err := hex.DecodeString(s)
	if err != nil {
		t.Fatalf("hex.DecodeString(%q) error = %v", s, err)
	}
	return b
}

// Vectors from the Mesh Profile sample data.

func TestS1(t *testing.T) {
	got, err := S1([]byte("test"))
	if err != nil {
		t.Fatalf("S1() error = %v", err)
	}
	want := mustHex(t, "b73cefbd641ef2ea598c2b6efb62f79c")
	if !bytes.Equal(got, want) {
		t.Errorf("S1(test) = %x, want %x", got, want)
	}
}

func TestK1(t *testing.T) {
	n := mustHex(t, "3216d1509884b533248541792b877f98")
	salt := mustHex(t, "2ba14ffa0df84a2831938d57d276cab4")
	p := mustHex(t, "5a09d60797eeb4478aada59db3352a0d")
	got, err := K1(n, salt, p)
	if err != nil {
		t.Fatalf("K1() error = %v", err)
	}
	want := mustHex(t, "f6ed15a8934afbe7d83e8dcb57fcf5d7")
	if !bytes.Equal(got, want) {
		t.Errorf("K1() = %x, want %x", got, want)
	}
}

func TestK3(t *testing.T) {
	got, err := K3(mustHex(t, "f7a2a44f8e8a8029064f173ddc1e2b00"))
	if err != nil {
		t.Fatalf("K3() error = %v", err)
	}
	want := mustHex(t, "ff046958233db014")
	if !bytes.Equal(got[:], want) {
		t.Errorf("K3() = %x, want %x", got, want)
	}
}

func TestSubnetDerivation(t *testing.T) {
	netKey := mustHex(t, "7dd7364cd842ad18c17c2b820c84c3d6")

	netID, err := NetworkID(netKey)
	if err != nil {
		t.Fatalf("NetworkID() error = %v", err)
	}
	if want := mustHex(t, "3ecaff672f673370"); !bytes.Equal(netID[:], want) {
		t.Errorf("NetworkID() = %x, want %x", netID, want)
	}

	ik, err := IdentityKey(netKey)
	if err != nil {
		t.Fatalf("IdentityKey() error = %v", err)
	}
	if want := mustHex(t, "84396c435ac48560b5965385253e210c"); !bytes.Equal(ik[:], want) {
		t.Errorf("IdentityKey() = %x, want %x", ik, want)
	}
}

func TestNetworkIDRejectsShortKey(t *testing.T) {
	if _, err := NetworkID([]byte{1, 2, 3}); err == nil {
		t.Error("NetworkID(short key) should fail")
	}
	if _, err := IdentityKey(nil); err == nil {
		t.Error("IdentityKey(nil) should fail")
	}
}

func TestIdentityHashesDependOnInputs(t *testing.T) {
	var ik [KeySize]byte
	copy(ik[:], mustHex(t, "84396c435ac48560b5965385253e210c"))
	random := [8]byte{0x34, 0xae, 0x60, 0x8f, 0xbb, 0xc1, 0xf2, 0xc6}

	a, err := NodeIdentityHash(ik, random, 0x1201)
	if err != nil {
		t.Fatalf("NodeIdentityHash() error = %v", err)
	}
	b, _ := NodeIdentityHash(ik, random, 0x1202)
	if HashEqual(a, b) {
		t.Error("node identity hash must depend on the address")
	}
	p, _ := PrivateNodeIdentityHash(ik, random, 0x1201)
	if HashEqual(a, p) {
		t.Error("private node identity must differ from node identity")
	}
	again, _ := NodeIdentityHash(ik, random, 0x1201)
	if !HashEqual(a, again) {
		t.Error("node identity hash must be deterministic")
	}

	netID := [8]byte{0x3e, 0xca, 0xff, 0x67, 0x2f, 0x67, 0x33, 0x70}
	n1, _ := PrivateNetworkIDHash(ik, netID, random)
	other := random
	other[0] ^= 0xff
	n2, _ := PrivateNetworkIDHash(ik, netID, other)
	if HashEqual(n1, n2) {
		t.Error("private network id hash must depend on the random")
	}
}

func TestRandom(t *testing.T) {
	a, err := Random()
	if err != nil {
		t.Fatalf("Random() error = %v", err)
	}
	b, _ := Random()
	if a == b {
		t.Error("two Random() calls returned the same value")
	}
}
