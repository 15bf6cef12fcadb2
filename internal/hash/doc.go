// Package hash provides the checksum used for on-disk integrity.
//
// Journal records and checkpoint files carry a CRC32-Castagnoli (CRC32C)
// checksum. Go's crc32 package uses the SSE4.2 and ARM CRC instructions
// when available.
//
// One-shot:
//
//	sum := hash.CRC32C(data)
//
// Piecewise:
//
//	sum := hash.Update(0, header)
//	sum = hash.Update(sum, payload)
//
// Streaming:
//
//	h := hash.NewCRC32C()
//	io.Copy(h, r)
//	sum := h.Sum32()
package hash
