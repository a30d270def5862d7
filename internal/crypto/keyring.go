package crypto

import (
	"bufio"
	"crypto/ed25519"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
)

// Keyring maps device ids to their provisioned public keys.
type Keyring struct {
	mu   sync.RWMutex
	keys map[string]ed25519.PublicKey
}

type keyEntry struct {
	DeviceID string `json:"device_id"`
	Pub      string `json:"pub"`
}

func NewKeyring() *Keyring {
	return &Keyring{keys: make(map[string]ed25519.PublicKey)}
}

func (k *Keyring) Add(deviceID string, pub ed25519.PublicKey) error {
	if deviceID == "" || len(pub) != ed25519.PublicKeySize {
		return fmt.Errorf("bad key entry for %q", deviceID)
	}
	k.mu.Lock()
	defer k.mu.Unlock()
	k.keys[deviceID] = append(ed25519.PublicKey(nil), pub...)
	return nil
}

func (k *Keyring) Lookup(deviceID string) (ed25519.PublicKey, bool) {
	if k == nil {
		return nil, false
	}
	k.mu.RLock()
	defer k.mu.RUnlock()
	pub, ok := k.keys[deviceID]
	return pub, ok
}

// Verify treats an unknown device as an invalid signature.
func (k *Keyring) Verify(msg, sig []byte, deviceID string) bool {
	pub, ok := k.Lookup(deviceID)
	if !ok {
		return false
	}
	return Verify(pub, msg, sig)
}

func (k *Keyring) Len() int {
	k.mu.RLock()
	defer k.mu.RUnlock()
	return len(k.keys)
}

// LoadKeyring reads one JSON entry per line. A missing file is an empty ring.
func LoadKeyring(path string) (*Keyring, error) {
	k := NewKeyring()
	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return k, nil
		}
		return nil, err
	}
	defer f.Close()
	sc := bufio.NewScanner(f)
	line := 0
	for sc.Scan() {
		line++
		if len(sc.Bytes()) == 0 {
			continue
		}
		var e keyEntry
		if err := json.Unmarshal(sc.Bytes(), &e); err != nil {
			return nil, fmt.Errorf("keyring line %d: %w", line, err)
		}
		pub, err := hex.DecodeString(e.Pub)
		if err != nil {
			return nil, fmt.Errorf("keyring line %d: bad pub", line)
		}
		if err := k.Add(e.DeviceID, pub); err != nil {
			return nil, fmt.Errorf("keyring line %d: %w", line, err)
		}
	}
	return k, sc.Err()
}

// AppendKeyring adds one entry to the keyring file.
func AppendKeyring(path, deviceID string, pub ed25519.PublicKey) error {
	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return err
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0600)
	if err != nil {
		return err
	}
	defer f.Close()
	if err := json.NewEncoder(f).Encode(keyEntry{DeviceID: deviceID, Pub: hex.EncodeToString(pub)}); err != nil {
		return err
	}
	return f.Sync()
}
