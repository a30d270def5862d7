package main

import (
	"encoding/hex"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"go.uber.org/zap"

	"meshledger/internal/config"
	"meshledger/internal/crypto"
	"meshledger/internal/debuglog"
	"meshledger/internal/ledger"
	"meshledger/internal/metrics"
	"meshledger/internal/proto"
	"meshledger/internal/store"
	"meshledger/internal/trust"
)

const (
	deviceIDFile     = "device_id"
	trustUpdatesFile = "trust_updates.jsonl"
)

// node is everything a command needs to touch the local ledger.
type node struct {
	cfg     *config.Config
	log     *zap.Logger
	metrics *metrics.Metrics
	keys    *crypto.Keyring
	signer  *crypto.Signer
	trust   *trust.Table
	store   *store.Store
	engine  *ledger.Engine
	device  string
	owner   string
}

func (c *cli) loadConfig() (*config.Config, error) {
	cfg, err := config.Load(c.cfgFile)
	if err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, errors.Wrap(err, "invalid config")
	}
	return cfg, nil
}

// newDeviceID derives a short random id that fits the identity field.
func newDeviceID() string {
	return strings.ReplaceAll(uuid.NewString(), "-", "")[:proto.IdentitySize]
}

// deviceID returns the configured id, or the one persisted next to the
// device key, creating it on first use.
func deviceID(cfg *config.Config) (string, error) {
	if cfg.Node.DeviceID != "" {
		return cfg.Node.DeviceID, nil
	}
	path := filepath.Join(cfg.Node.KeyDir, deviceIDFile)
	data, err := os.ReadFile(path)
	if err == nil {
		id := strings.TrimSpace(string(data))
		if !proto.ValidIdentity(id) {
			return "", errors.Errorf("%s holds an invalid device id", path)
		}
		return id, nil
	}
	if !os.IsNotExist(err) {
		return "", err
	}
	id := newDeviceID()
	if err := os.MkdirAll(cfg.Node.KeyDir, 0700); err != nil {
		return "", err
	}
	if err := os.WriteFile(path, []byte(id+"\n"), 0600); err != nil {
		return "", err
	}
	return id, nil
}

// loadIdentity loads or creates the device key and makes sure the keyring
// knows it.
func loadIdentity(cfg *config.Config) (string, *crypto.Signer, *crypto.Keyring, error) {
	device, err := deviceID(cfg)
	if err != nil {
		return "", nil, nil, errors.Wrap(err, "device id")
	}
	pub, priv, err := crypto.LoadOrCreateKeypair(cfg.Node.KeyDir)
	if err != nil {
		return "", nil, nil, errors.Wrap(err, "device key")
	}
	signer, err := crypto.NewSigner(device, priv)
	if err != nil {
		return "", nil, nil, err
	}
	keys, err := crypto.LoadKeyring(cfg.Node.Keyring)
	if err != nil {
		return "", nil, nil, errors.Wrap(err, "keyring")
	}
	if _, ok := keys.Lookup(device); !ok {
		if err := crypto.AppendKeyring(cfg.Node.Keyring, device, pub); err != nil {
			return "", nil, nil, errors.Wrap(err, "add own key to keyring")
		}
		if err := keys.Add(device, pub); err != nil {
			return "", nil, nil, err
		}
	}
	return device, signer, keys, nil
}

func policyFrom(cfg *config.Config) ledger.Policy {
	l := cfg.Ledger
	return ledger.Policy{
		DriftSlack:          l.DriftSlack,
		MaxMissingAncestors: l.MaxMissingAncestors,
		MaxSingleAmount:     l.MaxSingleAmount,
		EpochLength:         l.EpochLength,
		EpochSendCap:        l.EpochSendCap,
		TrustHardFloor:      l.TrustHardFloor,
		TrustSoftFloor:      l.TrustSoftFloor,
		Issuers:             l.Issuers,
	}
}

func (c *cli) openNode() (*node, error) {
	cfg, err := c.loadConfig()
	if err != nil {
		return nil, err
	}
	log, err := debuglog.New(cfg.Node.LogLevel, cfg.Node.Debug)
	if err != nil {
		return nil, err
	}
	device, signer, keys, err := loadIdentity(cfg)
	if err != nil {
		return nil, err
	}
	owner := cfg.Node.Owner
	if owner == "" {
		owner = device
	}
	m := metrics.New()
	table := trust.NewTable(cfg.Trust.Default, cfg.Trust.Capacity, cfg.Trust.Authorities, keys)
	st, err := store.Open(filepath.Join(cfg.Node.DataDir, "ledger"), store.Options{
		Capacity: cfg.Ledger.Capacity,
		Owner:    owner,
		Logger:   log.Named("store"),
	})
	if err != nil {
		return nil, errors.Wrap(err, "open ledger store")
	}
	engine, err := ledger.NewEngine(st, ledger.NewValidator(policyFrom(cfg), keys, table), signer, ledger.Options{
		Owner:              owner,
		DeviceID:           device,
		PendingCapacity:    cfg.Ledger.PendingCapacity,
		DeferredCapacity:   cfg.Ledger.DeferredCapacity,
		CheckpointInterval: cfg.Ledger.CheckpointInterval,
		Logger:             log.Named("ledger"),
		Metrics:            m,
	})
	if err != nil {
		_ = st.Close()
		return nil, err
	}
	return &node{
		cfg:     cfg,
		log:     log,
		metrics: m,
		keys:    keys,
		signer:  signer,
		trust:   table,
		store:   st,
		engine:  engine,
		device:  device,
		owner:   owner,
	}, nil
}

func (n *node) Close() error {
	_ = n.log.Sync()
	return n.store.Close()
}

type trustRecord struct {
	Subject   string `json:"subject"`
	Score     uint8  `json:"score"`
	Issuer    string `json:"issuer"`
	Signature string `json:"signature"`
}

func appendTrustUpdate(dataDir string, u proto.TrustUpdate) error {
	if err := os.MkdirAll(dataDir, 0700); err != nil {
		return err
	}
	f, err := os.OpenFile(filepath.Join(dataDir, trustUpdatesFile), os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0600)
	if err != nil {
		return err
	}
	defer f.Close()
	return json.NewEncoder(f).Encode(trustRecord{
		Subject:   u.Subject,
		Score:     u.Score,
		Issuer:    u.Issuer,
		Signature: hex.EncodeToString(u.Signature[:]),
	})
}

// takeTrustUpdates reads and clears the updates queued by the trust command.
func takeTrustUpdates(dataDir string) ([]proto.TrustUpdate, error) {
	path := filepath.Join(dataDir, trustUpdatesFile)
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	var out []proto.TrustUpdate
	for i, line := range strings.Split(string(data), "\n") {
		if strings.TrimSpace(line) == "" {
			continue
		}
		var rec trustRecord
		if err := json.Unmarshal([]byte(line), &rec); err != nil {
			return nil, errors.Wrapf(err, "%s line %d", trustUpdatesFile, i+1)
		}
		sig, err := hex.DecodeString(rec.Signature)
		if err != nil || len(sig) != proto.SignatureSize {
			return nil, errors.Errorf("%s line %d: bad signature", trustUpdatesFile, i+1)
		}
		u := proto.TrustUpdate{Subject: rec.Subject, Score: rec.Score, Issuer: rec.Issuer}
		copy(u.Signature[:], sig)
		out = append(out, u)
	}
	return out, os.Remove(path)
}
