package chronos

import (
	"errors"

	"github.com/NagaraTech/chronos/protocol"
	"github.com/NagaraTech/chronos/vlc"
)

// Packet types:
//
//	'M' message: I id, K key, D value, C causal context, P proof
//	'H' handshake: I node id, V clock, K* known public keys
//	'Q' want: V* ids whose packets the sender asks to be resent
var (
	ErrBadMPacket = errors.New("bad M packet")
	ErrBadHPacket = errors.New("bad H packet")
	ErrBadQPacket = errors.New("bad Q packet")
)

// VersionedValue is one committed write: immutable once created,
// uniquely identified by (issuer, seq) since an issuer's counter
// strictly increases. Context is the issuer's clock right before the
// tick that produced it.
type VersionedValue struct {
	Key     []byte
	Value   []byte
	Context vlc.ClockState
	Issuer  vlc.NodeID
	Seq     uint64
	Proof   *vlc.Proof
}

func (v *VersionedValue) ID() vlc.ID {
	return vlc.ID{Src: v.Issuer, Seq: v.Seq}
}

// Effective returns the value's context extended with its own
// coordinate: everything that is visible once the value is.
func (v *VersionedValue) Effective() vlc.ClockState {
	ec := v.Context.Clone()
	ec.PutMax(v.Issuer, v.Seq)
	return ec
}

// Packet encodes the value as an M packet.
func (v *VersionedValue) Packet() []byte {
	return protocol.Record('M',
		protocol.Record('I', v.ID().ZipBytes()),
		protocol.Record('K', v.Key),
		protocol.Record('D', v.Value),
		protocol.Record('C', v.Context.TLV()),
		protocol.Record('P', v.Proof.TLV()),
	)
}

// ParseMessage decodes an M packet body.
func ParseMessage(body []byte) (*VersionedValue, error) {
	idb, rest, err := protocol.TakeWary('I', body)
	if err != nil {
		return nil, errors.Join(ErrBadMPacket, err)
	}
	id := vlc.IDFromZipBytes(idb)
	if id.Src == 0 || id.Seq == 0 {
		return nil, ErrBadMPacket
	}

	key, rest, err := protocol.TakeWary('K', rest)
	if err != nil {
		return nil, errors.Join(ErrBadMPacket, err)
	}
	value, rest, err := protocol.TakeWary('D', rest)
	if err != nil {
		return nil, errors.Join(ErrBadMPacket, err)
	}
	ctxb, rest, err := protocol.TakeWary('C', rest)
	if err != nil {
		return nil, errors.Join(ErrBadMPacket, err)
	}
	ctx, err := vlc.ClockFromTLV(ctxb)
	if err != nil {
		return nil, errors.Join(ErrBadMPacket, err)
	}
	proofb, _, err := protocol.TakeWary('P', rest)
	if err != nil {
		return nil, errors.Join(ErrBadMPacket, err)
	}
	proof, err := vlc.ProofFromTLV(id.Src, proofb)
	if err != nil {
		return nil, errors.Join(ErrBadMPacket, err)
	}

	return &VersionedValue{
		Key:     key,
		Value:   value,
		Context: ctx,
		Issuer:  id.Src,
		Seq:     id.Seq,
		Proof:   proof,
	}, nil
}

// HandshakePacket advertises who we are, what we have seen and which
// public keys we know.
func HandshakePacket(src vlc.NodeID, clock vlc.ClockState, keys *vlc.Keyring) []byte {
	return protocol.Record('H',
		protocol.Record('I', vlc.ZipUint64(uint64(src))),
		protocol.Record('V', clock.TLV()),
		keys.TLV(),
	)
}

// ParseHandshake decodes an H packet body; keys go straight into the
// ring.
func ParseHandshake(body []byte, keys *vlc.Keyring) (src vlc.NodeID, clock vlc.ClockState, err error) {
	idb, rest, err := protocol.TakeWary('I', body)
	if err != nil {
		return 0, nil, errors.Join(ErrBadHPacket, err)
	}
	src = vlc.NodeID(vlc.UnzipUint64(idb))

	clockb, rest, err := protocol.TakeWary('V', rest)
	if err != nil {
		return 0, nil, errors.Join(ErrBadHPacket, err)
	}
	clock, err = vlc.ClockFromTLV(clockb)
	if err != nil {
		return 0, nil, errors.Join(ErrBadHPacket, err)
	}

	keys.PutTLV(rest)
	return src, clock, nil
}

// WantPacket asks for retransmission of the listed events.
func WantPacket(ids []vlc.ID) []byte {
	body := make([]byte, 0, len(ids)*8)
	for _, id := range ids {
		body = protocol.Append(body, 'V', id.ZipBytes())
	}
	return protocol.Record('Q', body)
}

func ParseWant(body []byte) (ids []vlc.ID, err error) {
	rest := body
	for len(rest) > 0 {
		var idb []byte
		idb, rest, err = protocol.TakeWary('V', rest)
		if err != nil {
			return nil, errors.Join(ErrBadQPacket, err)
		}
		ids = append(ids, vlc.IDFromZipBytes(idb))
	}
	return
}
