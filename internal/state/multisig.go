package state

import (
	"bytes"
	"crypto/sha256"

	"perpcore/internal/perperr"
)

// MaxSigners bounds the admin set of the multisig.
const MaxSigners = 6

// Multisig collects admin signatures for privileged commands. Signatures are
// keyed by the hash of the serialised payload: signing a different payload
// supersedes the pending one. An executed payload cannot be re-signed until a
// new payload starts a fresh round.
type Multisig struct {
	MinSignatures   uint8
	Signers         []string
	InstructionHash []byte
	Signed          []bool
	Executed        bool
}

// NewMultisig validates and builds the admin set.
func NewMultisig(signers []string, minSignatures uint8) (*Multisig, error) {
	m := &Multisig{}
	if err := m.SetSigners(signers, minSignatures); err != nil {
		return nil, err
	}
	return m, nil
}

// SetSigners replaces the admin set and voids any pending round.
func (m *Multisig) SetSigners(signers []string, minSignatures uint8) error {
	if minSignatures == 0 || len(signers) == 0 ||
		len(signers) > MaxSigners || int(minSignatures) > len(signers) {
		return perperr.ErrInvalidPerpetualsConfig
	}
	seen := make(map[string]struct{}, len(signers))
	for _, s := range signers {
		if s == "" {
			return perperr.ErrInvalidPerpetualsConfig
		}
		if _, dup := seen[s]; dup {
			return perperr.ErrInvalidPerpetualsConfig
		}
		seen[s] = struct{}{}
	}
	m.MinSignatures = minSignatures
	m.Signers = append([]string(nil), signers...)
	m.reset(nil)
	return nil
}

// SignerIndex resolves an admin principal to its slot.
func (m *Multisig) SignerIndex(admin string) (int, error) {
	for i, s := range m.Signers {
		if s == admin {
			return i, nil
		}
	}
	return 0, perperr.ErrMultisigAccountNotAuthorized
}

// PayloadHash derives the signature key of an admin payload.
func PayloadHash(payload []byte) []byte {
	h := sha256.Sum256(payload)
	return h[:]
}

// Sign records one admin signature over the payload hash. It returns the
// number of signatures still missing; zero means the caller executes the
// payload now and marks the round executed.
func (m *Multisig) Sign(admin string, payloadHash []byte) (int, error) {
	idx, err := m.SignerIndex(admin)
	if err != nil {
		return 0, err
	}

	if !bytes.Equal(payloadHash, m.InstructionHash) {
		// A new payload supersedes the pending round.
		m.reset(payloadHash)
	}
	if m.Executed {
		return 0, perperr.ErrMultisigAlreadyExecuted
	}
	if m.Signed[idx] {
		return 0, perperr.ErrMultisigAlreadySigned
	}
	m.Signed[idx] = true

	signed := 0
	for _, s := range m.Signed {
		if s {
			signed++
		}
	}
	if left := int(m.MinSignatures) - signed; left > 0 {
		return left, nil
	}
	return 0, nil
}

// MarkExecuted closes the round; further signatures over the same payload
// report MultisigAlreadyExecuted.
func (m *Multisig) MarkExecuted() {
	m.Executed = true
}

func (m *Multisig) reset(payloadHash []byte) {
	m.InstructionHash = append([]byte(nil), payloadHash...)
	m.Signed = make([]bool, len(m.Signers))
	m.Executed = false
}
