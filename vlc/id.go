package vlc

import (
	"encoding/binary"
	"strconv"
	"strings"
)

// NodeID identifies a replica. It is derived from the replica's
// public key (see Keyring.Register), so knowing an id does not grant
// the right to issue events under it.
type NodeID uint64

func (n NodeID) String() string {
	return strconv.FormatUint(uint64(n), 16)
}

func NodeIDFromString(s string) (NodeID, error) {
	v, err := strconv.ParseUint(s, 16, 64)
	return NodeID(v), err
}

// ID is an event coordinate: the issuer and the issuer's counter
// value at the event. An issuer's counter strictly increases, so the
// pair uniquely names one event network-wide.
type ID struct {
	Src NodeID
	Seq uint64
}

var ZeroID = ID{}

func (id ID) Less(other ID) bool {
	if id.Src != other.Src {
		return id.Src < other.Src
	}
	return id.Seq < other.Seq
}

func (id ID) String() string {
	return id.Src.String() + "-" + strconv.FormatUint(id.Seq, 16)
}

func IDFromString(s string) (ID, error) {
	srcs, seqs, ok := strings.Cut(s, "-")
	if !ok {
		return ZeroID, ErrBadID
	}
	src, err := NodeIDFromString(srcs)
	if err != nil {
		return ZeroID, ErrBadID
	}
	seq, err := strconv.ParseUint(seqs, 16, 64)
	if err != nil {
		return ZeroID, ErrBadID
	}
	return ID{Src: src, Seq: seq}, nil
}

// ZipBytes is the compact wire form.
func (id ID) ZipBytes() []byte {
	return ZipUint64Pair(uint64(id.Src), id.Seq)
}

func IDFromZipBytes(zip []byte) ID {
	big, lil := UnzipUint64Pair(zip)
	return ID{Src: NodeID(big), Seq: lil}
}

// Bytes is the fixed-width big-endian form, used in database keys
// so ids sort by (src, seq).
func (id ID) Bytes() []byte {
	var ret [16]byte
	binary.BigEndian.PutUint64(ret[:8], uint64(id.Src))
	binary.BigEndian.PutUint64(ret[8:], id.Seq)
	return ret[:]
}

func IDFromBytes(b []byte) ID {
	if len(b) != 16 {
		return ZeroID
	}
	return ID{
		Src: NodeID(binary.BigEndian.Uint64(b[:8])),
		Seq: binary.BigEndian.Uint64(b[8:]),
	}
}
