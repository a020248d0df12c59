package vlc

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"

	"github.com/NagaraTech/chronos/protocol"
)

const DigestSize = sha256.Size
const SigSize = 65 // secp256k1 recoverable: r, s, v

type Digest [DigestSize]byte

// ZeroDigest is the chain genesis: the predecessor of an issuer's
// first step.
var ZeroDigest = Digest{}

func (d Digest) String() string {
	return hex.EncodeToString(d[:8])
}

var (
	ErrProofInvalid = errors.New("proof invalid")
	ErrBadProofTLV  = errors.New("bad proof TLV record")
)

// ProofStep is one link of an issuer's attestation chain. The step's
// digest is sha256(Pred || State); the signature is the issuer's over
// that digest. Editing, dropping or reordering any earlier step
// changes every later digest, so the chain is append-only by
// construction.
type ProofStep struct {
	Pred  Digest // digest of the previous step, ZeroDigest at genesis
	State []byte // canonical clock TLV at this step
	Sig   []byte
}

func StepDigest(pred Digest, state []byte) Digest {
	h := sha256.New()
	h.Write(pred[:])
	h.Write(state)
	var d Digest
	h.Sum(d[:0])
	return d
}

func (s *ProofStep) Digest() Digest {
	return StepDigest(s.Pred, s.State)
}

// NewStep builds a signed step chained to an arbitrary predecessor.
// An issuer rebuilding its chain tip after a restart starts here
// rather than from an in-memory Proof.
func NewStep(pred Digest, state ClockState, id *Identity) (ProofStep, error) {
	step := ProofStep{Pred: pred, State: state.TLV()}
	sig, err := id.Sign(step.Digest())
	if err != nil {
		return ProofStep{}, err
	}
	step.Sig = sig
	return step, nil
}

// Proof is a chain suffix attesting to an issuer's clock history.
// A full chain starts at ZeroDigest; a truncated one starts at a
// digest the verifier has already accepted.
type Proof struct {
	Issuer NodeID
	Steps  []ProofStep
}

// Tip returns the digest of the last step, or ZeroDigest for an
// empty proof.
func (p *Proof) Tip() Digest {
	if len(p.Steps) == 0 {
		return ZeroDigest
	}
	return p.Steps[len(p.Steps)-1].Digest()
}

// Base returns the predecessor digest the chain starts from.
func (p *Proof) Base() Digest {
	if len(p.Steps) == 0 {
		return ZeroDigest
	}
	return p.Steps[0].Pred
}

// Append extends the proof with a step attesting to the given clock
// snapshot, signed by the issuer.
func (p *Proof) Append(state ClockState, id *Identity) error {
	if id.Node != p.Issuer {
		return errors.Join(ErrProofInvalid, errors.New("signing key is not the issuer's"))
	}
	step := ProofStep{Pred: p.Tip(), State: state.TLV()}
	sig, err := id.Sign(step.Digest())
	if err != nil {
		return err
	}
	step.Sig = sig
	p.Steps = append(p.Steps, step)
	return nil
}

// TLV encodes the proof as S records: H predecessor digest, V clock
// entries, G signature.
func (p *Proof) TLV() (ret []byte) {
	for i := range p.Steps {
		s := &p.Steps[i]
		ret = protocol.Append(ret, 'S',
			protocol.Record('H', s.Pred[:]),
			protocol.Record('V', s.State),
			protocol.Record('G', s.Sig),
		)
	}
	return
}

func ProofFromTLV(issuer NodeID, rec []byte) (*Proof, error) {
	p := &Proof{Issuer: issuer}
	rest := rec
	for len(rest) > 0 {
		body, r, err := protocol.TakeWary('S', rest)
		if err != nil {
			return nil, errors.Join(ErrBadProofTLV, err)
		}
		rest = r

		var step ProofStep
		pred, body := protocol.Take('H', body)
		if len(pred) != DigestSize {
			return nil, ErrBadProofTLV
		}
		copy(step.Pred[:], pred)
		state, body := protocol.Take('V', body)
		if state == nil {
			return nil, ErrBadProofTLV
		}
		step.State = state
		sig, _ := protocol.Take('G', body)
		if len(sig) != SigSize {
			return nil, ErrBadProofTLV
		}
		step.Sig = sig
		p.Steps = append(p.Steps, step)
	}
	if len(p.Steps) == 0 {
		return nil, ErrBadProofTLV
	}
	return p, nil
}
