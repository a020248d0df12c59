package vlc

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testVerifier(t *testing.T, ids ...*Identity) *Verifier {
	t.Helper()
	keys := NewKeyring()
	for _, id := range ids {
		_, err := keys.Register(id.PubKey())
		require.Nil(t, err)
	}
	return NewVerifier(keys, nil)
}

func TestVerifierAdvance(t *testing.T) {
	alice, err := NewIdentity()
	require.Nil(t, err)
	v := testVerifier(t, alice)

	p, states := chain(t, alice, 2)
	first := &Proof{Issuer: alice.Node, Steps: p.Steps[:1]}

	assert.Nil(t, v.Check(first, states[0]))
	assert.Nil(t, v.Advance(first, states[0]))
	acc := v.Accepted(alice.Node)
	assert.Equal(t, first.Tip(), acc.Tip)
	assert.Equal(t, uint64(1), acc.State.Get(alice.Node))

	second := &Proof{Issuer: alice.Node, Steps: p.Steps[1:]}
	assert.Nil(t, v.Check(second, states[1]))
	assert.Nil(t, v.Advance(second, states[1]))
	assert.Equal(t, p.Tip(), v.Accepted(alice.Node).Tip)
}

func TestVerifierReplay(t *testing.T) {
	alice, err := NewIdentity()
	require.Nil(t, err)
	v := testVerifier(t, alice)

	p, states := chain(t, alice, 1)
	require.Nil(t, v.Check(p, states[0]))
	require.Nil(t, v.Advance(p, states[0]))

	// the same proof again: replayed tip, regressed counter
	err = v.Check(p, states[0])
	assert.ErrorIs(t, err, ErrProofInvalid)
	err = v.Advance(p, states[0])
	assert.ErrorIs(t, err, ErrProofInvalid)
}

func TestVerifierUnknownIssuer(t *testing.T) {
	alice, err := NewIdentity()
	require.Nil(t, err)
	v := testVerifier(t) // empty ring

	p, states := chain(t, alice, 1)
	assert.ErrorIs(t, v.Check(p, states[0]), ErrSrcUnknown)
}

func TestVerifierFork(t *testing.T) {
	alice, err := NewIdentity()
	require.Nil(t, err)
	v := testVerifier(t, alice)

	p, states := chain(t, alice, 1)
	require.Nil(t, v.Advance(p, states[0]))

	// a second "first step" not extending the accepted tip
	forkState := ClockState{alice.Node: 2, 0xdead: 9}
	fork := &Proof{Issuer: alice.Node}
	require.Nil(t, fork.Append(forkState, alice))
	assert.ErrorIs(t, v.Advance(fork, forkState), ErrProofInvalid)
}

func TestVerifierCheckAheadOfTip(t *testing.T) {
	alice, err := NewIdentity()
	require.Nil(t, err)
	v := testVerifier(t, alice)

	p, states := chain(t, alice, 3)
	require.Nil(t, v.Advance(&Proof{Issuer: alice.Node, Steps: p.Steps[:1]}, states[0]))

	// step 3 delivered before step 2: Check passes (gap is the
	// dependency gate's business), Advance refuses
	third := &Proof{Issuer: alice.Node, Steps: p.Steps[2:]}
	assert.Nil(t, v.Check(third, states[2]))
	assert.ErrorIs(t, v.Advance(third, states[2]), ErrProofInvalid)

	// the missing step arrives, the chain catches up in order
	second := &Proof{Issuer: alice.Node, Steps: p.Steps[1:2]}
	assert.Nil(t, v.Advance(second, states[1]))
	assert.Nil(t, v.Advance(third, states[2]))
}

func TestVerifierRestore(t *testing.T) {
	alice, err := NewIdentity()
	require.Nil(t, err)

	var saved Acceptance
	keys := NewKeyring()
	_, err = keys.Register(alice.PubKey())
	require.Nil(t, err)
	v := NewVerifier(keys, func(src NodeID, acc Acceptance) error {
		saved = acc
		return nil
	})

	p, states := chain(t, alice, 1)
	require.Nil(t, v.Advance(p, states[0]))
	assert.Equal(t, p.Tip(), saved.Tip)

	// a fresh verifier restored from the persisted acceptance still
	// rejects the replay
	v2 := NewVerifier(keys, nil)
	v2.Restore(alice.Node, saved)
	assert.ErrorIs(t, v2.Check(p, states[0]), ErrProofInvalid)
}
