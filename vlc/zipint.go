package vlc

import "encoding/binary"

func zipLen(n uint64) int {
	l := 0
	for n != 0 {
		n >>= 8
		l++
	}
	return l
}

// ZipUint64 encodes n as trimmed little-endian bytes; zero becomes
// the empty string. The record length carries the byte count.
func ZipUint64(n uint64) []byte {
	var buf [8]byte
	binary.LittleEndian.PutUint64(buf[:], n)
	return buf[:zipLen(n)]
}

func UnzipUint64(b []byte) (n uint64) {
	for i := len(b) - 1; i >= 0; i-- {
		n = n<<8 | uint64(b[i])
	}
	return
}

// ZipUint64Pair packs two uint64s: a split byte with both lengths,
// then the trimmed little-endian bytes of each.
func ZipUint64Pair(big, lil uint64) []byte {
	lb, ll := zipLen(big), zipLen(lil)
	ret := make([]byte, 0, 1+lb+ll)
	ret = append(ret, byte(lb<<4|ll))
	ret = append(ret, ZipUint64(big)...)
	ret = append(ret, ZipUint64(lil)...)
	return ret
}

func UnzipUint64Pair(buf []byte) (big, lil uint64) {
	if len(buf) == 0 {
		return 0, 0
	}
	lb, ll := int(buf[0]>>4), int(buf[0]&0xf)
	if 1+lb+ll > len(buf) {
		return 0, 0
	}
	big = UnzipUint64(buf[1 : 1+lb])
	lil = UnzipUint64(buf[1+lb : 1+lb+ll])
	return
}
