package hybridstore

import (
	"bytes"
	"encoding/binary"
	"io"

	"github.com/riffle-io/riffle-worker/internal/worker/workererr"
)

// IndexRecord is one fixed-size entry in a partition's index sidecar
// file, letting a client seek within the bulk data file (spec §6
// "On-disk layout").
type IndexRecord struct {
	BlockID             int64
	Offset              int64
	Length              int32
	UncompressedLength  int32
	CRC                 int64
	TaskAttemptID       int64
}

// indexRecordSize is the encoded size of one IndexRecord: two int64 +
// two int32 + two int64, all network byte order.
const indexRecordSize = 8 + 8 + 4 + 4 + 8 + 8

// EncodeIndexRecords serializes records in network byte order, one
// fixed-size entry after another.
func EncodeIndexRecords(records []IndexRecord) []byte {
	buf := make([]byte, 0, len(records)*indexRecordSize)
	for _, r := range records {
		var entry [indexRecordSize]byte
		binary.BigEndian.PutUint64(entry[0:8], uint64(r.BlockID))
		binary.BigEndian.PutUint64(entry[8:16], uint64(r.Offset))
		binary.BigEndian.PutUint32(entry[16:20], uint32(r.Length))
		binary.BigEndian.PutUint32(entry[20:24], uint32(r.UncompressedLength))
		binary.BigEndian.PutUint64(entry[24:32], uint64(r.CRC))
		binary.BigEndian.PutUint64(entry[32:40], uint64(r.TaskAttemptID))
		buf = append(buf, entry[:]...)
	}
	return buf
}

// DecodeIndexRecords parses a whole index sidecar file, failing with
// workererr.Internal if data is not a multiple of the fixed record
// size.
func DecodeIndexRecords(data []byte) ([]IndexRecord, error) {
	if len(data)%indexRecordSize != 0 {
		return nil, workererr.Wrapf(workererr.Internal, "index file length %d is not a multiple of record size %d", len(data), indexRecordSize)
	}
	r := bytes.NewReader(data)
	var records []IndexRecord
	for r.Len() > 0 {
		var entry [indexRecordSize]byte
		if _, err := io.ReadFull(r, entry[:]); err != nil {
			return nil, workererr.Wrap(workererr.Internal, "short index record")
		}
		records = append(records, IndexRecord{
			BlockID:            int64(binary.BigEndian.Uint64(entry[0:8])),
			Offset:             int64(binary.BigEndian.Uint64(entry[8:16])),
			Length:             int32(binary.BigEndian.Uint32(entry[16:20])),
			UncompressedLength: int32(binary.BigEndian.Uint32(entry[20:24])),
			CRC:                int64(binary.BigEndian.Uint64(entry[24:32])),
			TaskAttemptID:      int64(binary.BigEndian.Uint64(entry[32:40])),
		})
	}
	return records, nil
}
