package protocol

// Records is a batch of TLV records. Batching keeps the database and
// the network paths symmetric: one record is one packet is one write.
// Converts to net.Buffers for writev.
type Records [][]byte

func (recs Records) TotalLen() (total int64) {
	for _, r := range recs {
		total += int64(len(r))
	}
	return
}
