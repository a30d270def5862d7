package ledger

import (
	"meshledger/internal/proto"
)

type Status uint8

const (
	StatusValid Status = iota
	StatusPending
	StatusSuspicious
	StatusRejected
)

func (s Status) String() string {
	switch s {
	case StatusValid:
		return "VALID"
	case StatusPending:
		return "PENDING"
	case StatusSuspicious:
		return "SUSPICIOUS"
	default:
		return "REJECTED"
	}
}

type Reason uint8

const (
	ReasonOK Reason = iota
	ReasonBadFormat
	ReasonDuplicate
	ReasonSignatureInvalid
	ReasonClockDrift
	ReasonMissingAncestor
	ReasonInsufficientFunds
	ReasonLimitExceeded
	ReasonTrustLow
)

var reasonNames = [...]string{
	ReasonOK:                "OK",
	ReasonBadFormat:         "BAD_FORMAT",
	ReasonDuplicate:         "DUPLICATE",
	ReasonSignatureInvalid:  "SIGNATURE_INVALID",
	ReasonClockDrift:        "CLOCK_DRIFT",
	ReasonMissingAncestor:   "MISSING_ANCESTOR",
	ReasonInsufficientFunds: "INSUFFICIENT_FUNDS",
	ReasonLimitExceeded:     "LIMIT_EXCEEDED",
	ReasonTrustLow:          "TRUST_LOW",
}

func (r Reason) String() string {
	if int(r) < len(reasonNames) {
		return reasonNames[r]
	}
	return "UNKNOWN"
}

type Result struct {
	Status Status
	Reason Reason
}

func (r Result) Accepted() bool {
	return r.Status == StatusValid || r.Status == StatusSuspicious
}

func (r Result) String() string {
	return r.Status.String() + "/" + r.Reason.String()
}

// Flag is the stored flag for an accepted result.
func (r Result) Flag() proto.Flag {
	switch r.Status {
	case StatusValid:
		return proto.FlagValid
	case StatusSuspicious:
		return proto.FlagSuspicious
	case StatusPending:
		return proto.FlagPending
	default:
		return proto.FlagInvalid
	}
}

func rejected(r Reason) Result { return Result{Status: StatusRejected, Reason: r} }

// Snapshot is the read-only ledger view a transaction is validated against.
type Snapshot interface {
	Exists(id proto.TxID) bool
	BalanceOf(identity string) int64
	SentInEpoch(identity string, epoch uint32) uint64
	MaxSeen() uint32
}

type KeyVerifier interface {
	Verify(msg, sig []byte, deviceID string) bool
}

type TrustScorer interface {
	Score(identity string) uint8
}

type Policy struct {
	DriftSlack          uint32
	MaxMissingAncestors int
	MaxSingleAmount     uint64
	EpochLength         uint32
	EpochSendCap        uint64
	TrustHardFloor      uint8
	TrustSoftFloor      uint8
	// Issuers may send without holding funds (kiosk or cooperative treasury).
	Issuers []string
}

func DefaultPolicy() Policy {
	return Policy{
		DriftSlack:          100000,
		MaxMissingAncestors: 1,
		MaxSingleAmount:     50000,
		EpochLength:         1000,
		EpochSendCap:        100000,
		TrustHardFloor:      20,
		TrustSoftFloor:      50,
	}
}

// Epoch is the logical window the send cap applies to.
func (p Policy) Epoch(lamport uint32) uint32 {
	if p.EpochLength == 0 {
		return 0
	}
	return lamport / p.EpochLength
}

type Validator struct {
	policy  Policy
	keys    KeyVerifier
	trust   TrustScorer
	issuers map[string]struct{}
}

func NewValidator(p Policy, keys KeyVerifier, trust TrustScorer) *Validator {
	iss := make(map[string]struct{}, len(p.Issuers))
	for _, id := range p.Issuers {
		iss[id] = struct{}{}
	}
	return &Validator{policy: p, keys: keys, trust: trust, issuers: iss}
}

func (v *Validator) Policy() Policy {
	return v.policy
}

// Authentic checks what a record proves about itself, whatever ledger it
// lands in: a sound encoding, an id matching the content and a valid
// signature.
func (v *Validator) Authentic(tx proto.Transaction) Result {
	if proto.WellFormed(tx) != nil || proto.ComputeTxID(tx) != tx.ID {
		return rejected(ReasonBadFormat)
	}
	if v.keys == nil || !v.keys.Verify(proto.SigningBytes(tx), tx.Signature[:], tx.DeviceID) {
		return rejected(ReasonSignatureInvalid)
	}
	return Result{Status: StatusValid, Reason: ReasonOK}
}

// Retryable reports whether r depends on which other records the ledger
// holds, so tx may pass once more history arrives.
func (v *Validator) Retryable(tx proto.Transaction, r Result) bool {
	if r.Status != StatusRejected {
		return false
	}
	switch r.Reason {
	case ReasonClockDrift, ReasonMissingAncestor, ReasonInsufficientFunds:
		return true
	case ReasonLimitExceeded:
		// over the single-transfer cap fails everywhere
		return v.policy.MaxSingleAmount == 0 || tx.Amount <= v.policy.MaxSingleAmount
	}
	return false
}

// Validate classifies tx against snap. Checks run in a fixed order and the
// first failure wins.
func (v *Validator) Validate(snap Snapshot, tx proto.Transaction) Result {
	if proto.WellFormed(tx) != nil || proto.ComputeTxID(tx) != tx.ID {
		return rejected(ReasonBadFormat)
	}
	if snap.Exists(tx.ID) {
		return rejected(ReasonDuplicate)
	}
	if v.keys == nil || !v.keys.Verify(proto.SigningBytes(tx), tx.Signature[:], tx.DeviceID) {
		return rejected(ReasonSignatureInvalid)
	}
	if uint64(tx.Lamport) > uint64(snap.MaxSeen())+uint64(v.policy.DriftSlack) {
		return rejected(ReasonClockDrift)
	}
	missing := 0
	for _, p := range tx.ParentIDs() {
		if !snap.Exists(p) {
			missing++
		}
	}
	if missing > 0 {
		if missing <= v.policy.MaxMissingAncestors {
			return Result{Status: StatusPending, Reason: ReasonMissingAncestor}
		}
		return rejected(ReasonMissingAncestor)
	}
	if _, issuer := v.issuers[tx.Sender]; !issuer {
		if snap.BalanceOf(tx.Sender) < int64(tx.Amount) {
			return rejected(ReasonInsufficientFunds)
		}
	}
	if v.policy.MaxSingleAmount > 0 && tx.Amount > v.policy.MaxSingleAmount {
		return rejected(ReasonLimitExceeded)
	}
	if v.policy.EpochSendCap > 0 {
		sent := snap.SentInEpoch(tx.Sender, v.policy.Epoch(tx.Lamport))
		if sent+tx.Amount > v.policy.EpochSendCap {
			return rejected(ReasonLimitExceeded)
		}
	}
	score := uint8(100)
	if v.trust != nil {
		score = v.trust.Score(tx.Sender)
	}
	if score < v.policy.TrustHardFloor {
		return rejected(ReasonTrustLow)
	}
	if score < v.policy.TrustSoftFloor {
		return Result{Status: StatusSuspicious, Reason: ReasonTrustLow}
	}
	return Result{Status: StatusValid, Reason: ReasonOK}
}
