package timeline

import "encoding/binary"

// PduCount is the signed 64-bit timeline position described in spec
// §4.7: Normal(n>0) ids are allocated from the global counter on local
// append, Backfilled(n<=0) ids are allocated from a per-room counter
// moving downward as historical events arrive out of band.
type PduCount int64

// IsBackfilled reports whether c names a backfilled (historical) position.
func (c PduCount) IsBackfilled() bool { return c <= 0 }

// signFlip maps a signed int64's two's-complement bit pattern onto the
// unsigned ordering bbolt/memory compare keys with, by flipping the sign
// bit: negative numbers (high bit set) become small unsigned values,
// positive numbers (high bit clear) become large ones, preserving signed
// numeric order under big-endian byte comparison.
const signFlip = uint64(1) << 63

func (c PduCount) encode() uint64 {
	return uint64(c) ^ signFlip
}

func decodePduCount(u uint64) PduCount {
	return PduCount(u ^ signFlip)
}

// DecodePduCount is decodePduCount exported for C11's searchapi package,
// which decodes the same big-endian sign-flipped suffix out of tokenids
// keys rather than the pduid_pdu keys this file otherwise deals in.
func DecodePduCount(u uint64) PduCount {
	return decodePduCount(u)
}

// EncodePduCount is the inverse of DecodePduCount, exported for C12's
// eduserver package, which embeds pdu_counts in its own composite keys
// (thread root ids, receipt stream positions) using this package's
// sign-flip big-endian convention so all three components sort PduCount
// values identically.
func EncodePduCount(c PduCount) uint64 {
	return c.encode()
}

// encodeKey builds the 16-byte (short_room_id_be, pdu_count_be) key.
func encodeKey(roomNID uint64, count PduCount) []byte {
	buf := make([]byte, 16)
	binary.BigEndian.PutUint64(buf[0:8], roomNID)
	binary.BigEndian.PutUint64(buf[8:16], count.encode())
	return buf
}

func decodeKey(buf []byte) (roomNID uint64, count PduCount) {
	roomNID = binary.BigEndian.Uint64(buf[0:8])
	count = decodePduCount(binary.BigEndian.Uint64(buf[8:16]))
	return
}

func roomPrefix(roomNID uint64) []byte {
	buf := make([]byte, 8)
	binary.BigEndian.PutUint64(buf, roomNID)
	return buf
}
