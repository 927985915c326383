// Package identity manages the node's Ed25519 key pair and the signing
// primitives used by the wire protocol. The key pair is created once per
// installation and persisted under the ASIP data directory; every outbound
// payload is signed with it and every inbound payload is verified against
// the claimed sender key before being processed.
package identity

import (
	"crypto/ed25519"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"time"
)

// keyFileName is the identity file stored inside the data directory.
const keyFileName = "identity.json"

// NodeIDLength is the number of hex characters of the public key used as the
// short node id.
const NodeIDLength = 12

// Identity wraps the node's key pair. The private key never leaves this
// package; callers sign through the Sign method.
type Identity struct {
	pub  ed25519.PublicKey
	priv ed25519.PrivateKey
}

// keyFile is the on-disk JSON format, hex-encoded keys plus a creation
// timestamp.
type keyFile struct {
	PublicKey string `json:"publicKey"`
	SecretKey string `json:"secretKey"`
	Created   int64  `json:"created"`
}

// LoadOrGenerate loads the identity from dir, or generates and saves a new
// one if none exists. A corrupt key file is the one fatal-adjacent condition
// in the system: it is logged, regenerated, and the node continues with a
// fresh identity.
func LoadOrGenerate(dir string) (*Identity, error) {
	if err := os.MkdirAll(dir, 0700); err != nil {
		return nil, fmt.Errorf("create identity dir: %w", err)
	}

	path := filepath.Join(dir, keyFileName)
	data, err := os.ReadFile(path)
	if err == nil {
		id, loadErr := parseKeyFile(data)
		if loadErr == nil {
			return id, nil
		}
		log.Printf("[IDENTITY] key file corrupt (%v), regenerating", loadErr)
	} else if !os.IsNotExist(err) {
		return nil, fmt.Errorf("read key file: %w", err)
	}

	return generate(path)
}

func parseKeyFile(data []byte) (*Identity, error) {
	var kf keyFile
	if err := json.Unmarshal(data, &kf); err != nil {
		return nil, fmt.Errorf("unmarshal key file: %w", err)
	}
	pub, err := hex.DecodeString(kf.PublicKey)
	if err != nil || len(pub) != ed25519.PublicKeySize {
		return nil, fmt.Errorf("invalid public key")
	}
	priv, err := hex.DecodeString(kf.SecretKey)
	if err != nil || len(priv) != ed25519.PrivateKeySize {
		return nil, fmt.Errorf("invalid secret key")
	}
	return &Identity{pub: ed25519.PublicKey(pub), priv: ed25519.PrivateKey(priv)}, nil
}

func generate(path string) (*Identity, error) {
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("generate keypair: %w", err)
	}

	kf := keyFile{
		PublicKey: hex.EncodeToString(pub),
		SecretKey: hex.EncodeToString(priv),
		Created:   time.Now().UnixMilli(),
	}
	data, err := json.MarshalIndent(kf, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("marshal key file: %w", err)
	}
	if err := os.WriteFile(path, data, 0600); err != nil {
		return nil, fmt.Errorf("write key file: %w", err)
	}

	id := &Identity{pub: pub, priv: priv}
	log.Printf("[IDENTITY] generated new identity %s", id.NodeID())
	return id, nil
}

// PublicKeyHex returns the hex-encoded public key, the form carried on the
// wire as the sender key.
func (id *Identity) PublicKeyHex() string {
	return hex.EncodeToString(id.pub)
}

// NodeID returns the short node id: the first NodeIDLength hex characters of
// the public key.
func (id *Identity) NodeID() string {
	return id.PublicKeyHex()[:NodeIDLength]
}

// Sign signs payload and returns the hex-encoded detached signature.
func (id *Identity) Sign(payload []byte) string {
	return hex.EncodeToString(ed25519.Sign(id.priv, payload))
}

// Verify checks a hex signature over payload against a hex public key.
// Malformed keys or signatures simply fail verification.
func Verify(payload []byte, sigHex, pubHex string) bool {
	sig, err := hex.DecodeString(sigHex)
	if err != nil {
		return false
	}
	pub, err := hex.DecodeString(pubHex)
	if err != nil || len(pub) != ed25519.PublicKeySize {
		return false
	}
	return ed25519.Verify(ed25519.PublicKey(pub), payload, sig)
}
