package protocol

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestTLVAppend(t *testing.T) {
	buf := []byte{}
	buf = Append(buf, 'A', []byte{'A'})
	buf = Append(buf, 'b', []byte{'B', 'B'})
	correct := []byte{'a', 1, 'A', '2', 'B', 'B'}
	assert.Equal(t, correct, buf)

	var c256 [256]byte
	for n := range c256 {
		c256[n] = 'c'
	}
	buf = Append(buf, 'C', c256[:])
	assert.Equal(t, len(correct)+1+4+len(c256), len(buf))

	lit, body, buf, err := TakeAnyWary(buf)
	assert.Nil(t, err)
	assert.Equal(t, uint8('A'), lit)
	assert.Equal(t, []byte{'A'}, body)

	body2, buf, err := TakeWary('B', buf)
	assert.Nil(t, err)
	assert.Equal(t, []byte{'B', 'B'}, body2)

	body3, _, err := TakeWary('C', buf)
	assert.Nil(t, err)
	assert.Equal(t, c256[:], body3)
}

func TestTLVWary(t *testing.T) {
	_, _, err := TakeWary('A', []byte{'b', 1, 'B'})
	assert.ErrorIs(t, err, ErrBadRecord)

	// truncated long record
	_, _, err = TakeWary('C', []byte{'C', 10, 0, 0, 0, 'c'})
	assert.ErrorIs(t, err, ErrIncomplete)
}

func TestTLVOpenHeader(t *testing.T) {
	buf := []byte{}
	l, buf := OpenHeader(buf, 'A')
	text := "some text"
	buf = append(buf, text...)
	CloseHeader(buf, l)
	lit, body, rest, err := TakeAnyWary(buf)
	assert.Nil(t, err)
	assert.Equal(t, uint8('A'), lit)
	assert.Equal(t, text, string(body))
	assert.Equal(t, 0, len(rest))
}

func TestTinyRecord(t *testing.T) {
	tiny := TinyRecord('X', []byte("12"))
	assert.Equal(t, "212", string(tiny))
}

func TestTLVSplit(t *testing.T) {
	packets := Concat(
		Record('M', Record('I', []byte{1})),
		Record('H', []byte("hello")),
	)
	buf := bytes.NewBuffer(packets)
	recs, err := Split(buf)
	assert.Nil(t, err)
	assert.Equal(t, 0, buf.Len())
	assert.Equal(t, 2, len(recs))
	assert.Equal(t, Record('H', []byte("hello")), recs[1])

	// a partial tail stays buffered for the next read
	buf = bytes.NewBuffer(packets[:len(packets)-2])
	recs, err = Split(buf)
	assert.ErrorIs(t, err, ErrIncomplete)
	assert.Equal(t, 1, len(recs))
	assert.Equal(t, 5, buf.Len())
}
