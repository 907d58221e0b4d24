// Package crypto provides the Mesh key derivation and identity hashes used
// by the proxy bearer: s1, k1 and k3 (AES-CMAC), the Identity Key and
// Network ID of a subnet, and the Node Identity, Private Node Identity and
// Private Network Identity advertising hashes.
package crypto

import (
	"crypto/aes"
	"crypto/rand"
	"crypto/subtle"
	"encoding/binary"
	"fmt"
	"io"

	"github.com/aead/cmac"
)

// KeySize is the length of a Mesh NetKey or Identity Key.
const KeySize = 16

// aesCMAC computes AES-CMAC(key, msg) with a full 16-byte tag.
func aesCMAC(key, msg []byte) ([]byte, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("crypto: new cipher: %w", err)
	}
	tag, err := cmac.Sum(msg, block, aes.BlockSize)
	if err != nil {
		return nil, fmt.Errorf("crypto: cmac: %w", err)
	}
	return tag, nil
}

// S1 is the Mesh salt generation function: AES-CMAC with an all-zero key.
func S1(m []byte) ([]byte, error) {
	return aesCMAC(make([]byte, KeySize), m)
}

// K1 derives a key from n, salt and p: CMAC(CMAC(salt, n), p).
func K1(n, salt, p []byte) ([]byte, error) {
	t, err := aesCMAC(salt, n)
	if err != nil {
		return nil, err
	}
	return aesCMAC(t, p)
}

// K3 derives the 64-bit Network ID from a NetKey.
func K3(n []byte) ([8]byte, error) {
	var out [8]byte
	salt, err := S1([]byte("smk3"))
	if err != nil {
		return out, err
	}
	t, err := aesCMAC(salt, n)
	if err != nil {
		return out, err
	}
	full, err := aesCMAC(t, []byte("id64\x01"))
	if err != nil {
		return out, err
	}
	copy(out[:], full[8:])
	return out, nil
}

// NetworkID returns the Network ID of the subnet protected by netKey.
func NetworkID(netKey []byte) ([8]byte, error) {
	if len(netKey) != KeySize {
		return [8]byte{}, fmt.Errorf("crypto: net key must be %d bytes, got %d", KeySize, len(netKey))
	}
	return K3(netKey)
}

// IdentityKey returns the Identity Key of the subnet protected by netKey.
func IdentityKey(netKey []byte) ([KeySize]byte, error) {
	var out [KeySize]byte
	if len(netKey) != KeySize {
		return out, fmt.Errorf("crypto: net key must be %d bytes, got %d", KeySize, len(netKey))
	}
	salt, err := S1([]byte("nkik"))
	if err != nil {
		return out, err
	}
	ik, err := K1(netKey, salt, []byte("id128\x01"))
	if err != nil {
		return out, err
	}
	copy(out[:], ik)
	return out, nil
}

// encryptHash runs one AES-128 block and keeps the last 8 bytes.
func encryptHash(key [KeySize]byte, plain [aes.BlockSize]byte) ([8]byte, error) {
	var out [8]byte
	block, err := aes.NewCipher(key[:])
	if err != nil {
		return out, fmt.Errorf("crypto: new cipher: %w", err)
	}
	var enc [aes.BlockSize]byte
	block.Encrypt(enc[:], plain[:])
	copy(out[:], enc[8:])
	return out, nil
}

// NodeIdentityHash computes e(IK, 0x000000000000 ‖ random ‖ addr)[8:16].
func NodeIdentityHash(identityKey [KeySize]byte, random [8]byte, addr uint16) ([8]byte, error) {
	var plain [aes.BlockSize]byte
	copy(plain[6:14], random[:])
	binary.BigEndian.PutUint16(plain[14:], addr)
	return encryptHash(identityKey, plain)
}

// PrivateNodeIdentityHash computes e(IK, 0x0000000000 ‖ 0x03 ‖ random ‖ addr)[8:16].
func PrivateNodeIdentityHash(identityKey [KeySize]byte, random [8]byte, addr uint16) ([8]byte, error) {
	var plain [aes.BlockSize]byte
	plain[5] = 0x03
	copy(plain[6:14], random[:])
	binary.BigEndian.PutUint16(plain[14:], addr)
	return encryptHash(identityKey, plain)
}

// PrivateNetworkIDHash computes e(IK, NetworkID ‖ random)[8:16].
func PrivateNetworkIDHash(identityKey [KeySize]byte, netID, random [8]byte) ([8]byte, error) {
	var plain [aes.BlockSize]byte
	copy(plain[:8], netID[:])
	copy(plain[8:], random[:])
	return encryptHash(identityKey, plain)
}

// HashEqual compares two advertised hashes in constant time.
func HashEqual(a, b [8]byte) bool {
	return subtle.ConstantTimeCompare(a[:], b[:]) == 1
}

// Random returns 8 random bytes for identity advertising.
func Random() ([8]byte, error) {
	var r [8]byte
	if _, err := io.ReadFull(rand.Reader, r[:]); err != nil {
		return r, fmt.Errorf("crypto: random: %w", err)
	}
	return r, nil
}
