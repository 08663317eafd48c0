package commandlog

import (
	"hash/crc32"
	"strconv"
)

var crc32Table = crc32.MakeTable(crc32.IEEE)

// checksum covers every field of an entry except the timestamp
func checksum(e *Entry) uint32 {
	h := crc32.New(crc32Table)
	buf := make([]byte, 0, 48)
	buf = strconv.AppendInt(buf, e.Sequence, 10)
	buf = append(buf, ':')
	buf = strconv.AppendUint(buf, e.Batch, 10)
	buf = append(buf, ':')
	buf = append(buf, e.Type...)
	buf = append(buf, ':')
	_, _ = h.Write(buf)
	_, _ = h.Write(e.Payload)
	return h.Sum32()
}

func validChecksum(e *Entry) bool {
	return checksum(e) == e.Checksum
}
