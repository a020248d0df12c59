package vlc

import (
	"errors"
	"fmt"
	"sync"

	"github.com/ethereum/go-ethereum/crypto"
	lru "github.com/hashicorp/golang-lru/v2"
)

// How many accepted chain tips to remember for fast replay rejection.
const tipCacheSize = 8192

// Acceptance is what a verifier remembers per issuer: the digest of
// the last accepted proof step and the clock state it attested.
// Persisting it is what makes replay/regression detection survive
// restarts.
type Acceptance struct {
	Tip   Digest
	State ClockState
}

type SaveFunc func(src NodeID, acc Acceptance) error

// VerifyChain checks a proof chain against a known predecessor
// digest: digests must link up, every signature must verify under the
// issuer's key, counters must never decrease along the chain, and the
// final attested state must equal the claimed one. Pure; the caller
// supplies everything.
func VerifyChain(pub []byte, pred Digest, p *Proof, claimed ClockState) error {
	if p.Base() != pred {
		return fmt.Errorf("%w: chain does not extend the known digest", ErrProofInvalid)
	}
	if err := verifySteps(pub, p, claimed); err != nil {
		return err
	}
	return nil
}

// verifySteps runs every check that needs no verifier state: internal
// digest linkage, signatures, counter monotonicity along the chain,
// and the claimed-state match at the tip.
func verifySteps(pub []byte, p *Proof, claimed ClockState) error {
	if len(p.Steps) == 0 {
		return fmt.Errorf("%w: empty chain", ErrProofInvalid)
	}
	var prevDigest Digest
	var prevState ClockState
	for i := range p.Steps {
		step := &p.Steps[i]
		if i > 0 && step.Pred != prevDigest {
			return fmt.Errorf("%w: broken digest chain at step %d", ErrProofInvalid, i)
		}
		d := step.Digest()
		if len(step.Sig) != SigSize || !crypto.VerifySignature(pub, d[:], step.Sig[:SigSize-1]) {
			return fmt.Errorf("%w: bad signature at step %d", ErrProofInvalid, i)
		}
		state, err := ClockFromTLV(step.State)
		if err != nil {
			return fmt.Errorf("%w: unparseable state at step %d", ErrProofInvalid, i)
		}
		if prevState != nil {
			if !state.Dominates(prevState) {
				return fmt.Errorf("%w: counter regression at step %d", ErrProofInvalid, i)
			}
			if state.Get(p.Issuer) != prevState.Get(p.Issuer)+1 {
				return fmt.Errorf("%w: issuer counter skip at step %d", ErrProofInvalid, i)
			}
		}
		prevDigest = d
		prevState = state
	}
	if claimed.Compare(prevState) != Equal {
		return fmt.Errorf("%w: claimed state disagrees with the chain tip", ErrProofInvalid)
	}
	return nil
}

// Verifier checks incoming proofs. The chain checks themselves are
// stateless; what the verifier keeps per issuer is the last accepted
// tip and counters, so replays and regressions are rejected across
// calls and restarts (via the save hook).
type Verifier struct {
	mu   sync.Mutex
	keys *Keyring
	last map[NodeID]Acceptance
	save SaveFunc
	tips *lru.Cache[Digest, NodeID]
}

func NewVerifier(keys *Keyring, save SaveFunc) *Verifier {
	tips, _ := lru.New[Digest, NodeID](tipCacheSize)
	return &Verifier{
		keys: keys,
		last: make(map[NodeID]Acceptance),
		save: save,
		tips: tips,
	}
}

// Restore pre-loads an issuer's acceptance record, e.g. from the
// database at startup.
func (v *Verifier) Restore(src NodeID, acc Acceptance) {
	v.mu.Lock()
	v.last[src] = acc
	v.tips.Add(acc.Tip, src)
	v.mu.Unlock()
}

func (v *Verifier) Accepted(src NodeID) Acceptance {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.last[src]
}

// Check validates a proof without advancing any state. It rejects
// forged or corrupted chains and anything at or below the issuer's
// last accepted counter. It does NOT require the chain to start at
// the accepted tip: a chain reaching further ahead may be waiting on
// undelivered predecessors, which is the dependency gate's business,
// not a forgery. Advance closes that gap at commit time.
func (v *Verifier) Check(p *Proof, claimed ClockState) error {
	pub, ok := v.keys.Lookup(p.Issuer)
	if !ok {
		return ErrSrcUnknown
	}

	v.mu.Lock()
	acc := v.last[p.Issuer]
	replayed := v.tips.Contains(p.Tip())
	v.mu.Unlock()

	if replayed {
		return fmt.Errorf("%w: replayed proof %s", ErrProofInvalid, p.Tip())
	}
	if own := claimed.Get(p.Issuer); own <= acc.State.Get(p.Issuer) {
		return fmt.Errorf("%w: issuer counter regressed (%d <= %d)",
			ErrProofInvalid, own, acc.State.Get(p.Issuer))
	}
	return verifySteps(pub, p, claimed)
}

// Advance moves the issuer's acceptance to the proof's tip. Called
// under the committing node's writer section, in causal order, so the
// chain must extend the accepted tip exactly; a mismatch here means
// the issuer forked its own history. Acceptance state is untouched on
// any failure.
func (v *Verifier) Advance(p *Proof, claimed ClockState) error {
	if len(p.Steps) == 0 {
		return fmt.Errorf("%w: empty chain", ErrProofInvalid)
	}
	v.mu.Lock()
	defer v.mu.Unlock()

	acc := v.last[p.Issuer]
	if p.Base() != acc.Tip {
		return fmt.Errorf("%w: chain fork (base %s, accepted tip %s)",
			ErrProofInvalid, p.Base(), acc.Tip)
	}
	first, err := ClockFromTLV(p.Steps[0].State)
	if err != nil {
		return errors.Join(ErrProofInvalid, err)
	}
	if first.Get(p.Issuer) != acc.State.Get(p.Issuer)+1 {
		return fmt.Errorf("%w: issuer counter skip at the accepted baseline", ErrProofInvalid)
	}
	if !claimed.Dominates(acc.State) {
		return fmt.Errorf("%w: accepted counters regressed", ErrProofInvalid)
	}

	next := Acceptance{Tip: p.Tip(), State: claimed.Clone()}
	if v.save != nil {
		if err := v.save(p.Issuer, next); err != nil {
			return err
		}
	}
	v.last[p.Issuer] = next
	v.tips.Add(next.Tip, p.Issuer)
	return nil
}
