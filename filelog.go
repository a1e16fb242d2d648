package bucketpool

import (
	"bufio"
	"encoding/binary"
	"errors"
	"fmt"
	"hash/crc32"
	"io"
	"os"
)

// Log layout (per bucket file bucket-<id>.log):
// Repeated records of: | uint32 payloadLen | uint32 crc32c(payloadLen) | uint32 crc32c(payload) | payload |
// payload: | uint64 seq | uint8 op | uvarint keyLen | key | value |
// All integers are little endian. The length has its own checksum, so a damaged length
// is never mistaken for a record running past the end of the file.

const (
	frameHeaderSize = 12
	minPayloadSize  = 8 + 1 + 1
	maxPayloadSize  = 64 << 20
	logOpPut        = 1
	logOpDelete     = 2
)

var castagnoli = crc32.MakeTable(crc32.Castagnoli)

// logEntry is one decoded log record.
type logEntry struct {
	Seq   uint64
	Op    byte
	Key   string
	Value []byte
}

// encodeLogEntry returns the framed bytes for e.
func encodeLogEntry(e logEntry) []byte {
	payloadLen := 8 + 1 + binary.MaxVarintLen64 + len(e.Key) + len(e.Value)
	buf := make([]byte, frameHeaderSize, frameHeaderSize+payloadLen)
	buf = binary.LittleEndian.AppendUint64(buf, e.Seq)
	buf = append(buf, e.Op)
	buf = binary.AppendUvarint(buf, uint64(len(e.Key)))
	buf = append(buf, e.Key...)
	buf = append(buf, e.Value...)

	payload := buf[frameHeaderSize:]
	binary.LittleEndian.PutUint32(buf[0:4], uint32(len(payload)))
	binary.LittleEndian.PutUint32(buf[4:8], crc32.Checksum(buf[0:4], castagnoli))
	binary.LittleEndian.PutUint32(buf[8:12], crc32.Checksum(payload, castagnoli))
	return buf
}

// logPayloadSize returns the payload length encodeLogEntry produces for key and value.
func logPayloadSize(key string, value []byte) int {
	var scratch [binary.MaxVarintLen64]byte
	return 8 + 1 + binary.PutUvarint(scratch[:], uint64(len(key))) + len(key) + len(value)
}

func decodeLogPayload(payload []byte) (logEntry, error) {
	if len(payload) < minPayloadSize {
		return logEntry{}, fmt.Errorf("payload too short: %d bytes", len(payload))
	}
	e := logEntry{
		Seq: binary.LittleEndian.Uint64(payload[0:8]),
		Op:  payload[8],
	}
	if e.Op != logOpPut && e.Op != logOpDelete {
		return logEntry{}, fmt.Errorf("unknown op %d", e.Op)
	}
	rest := payload[9:]
	keyLen, n := binary.Uvarint(rest)
	if n <= 0 || keyLen > uint64(len(rest)-n) {
		return logEntry{}, fmt.Errorf("bad key length")
	}
	rest = rest[n:]
	e.Key = string(rest[:keyLen])
	if e.Op == logOpPut {
		e.Value = cloneBytes(rest[keyLen:])
		if e.Value == nil {
			e.Value = []byte{}
		}
	}
	return e, nil
}

// logScan is the outcome of reading a log file from the start.
type logScan struct {
	ValidSize int64 // offset just past the last good record
	Torn      bool  // a partial or checksum-failing final record was dropped
}

// readLog decodes every record in path and hands it to apply in file order.
// A short final record, or a final record whose payload checksum fails, is reported as torn.
// A bad length checksum anywhere, or damage followed by more data, is corruption.
func readLog(bucket BucketID, path string, apply func(logEntry, int64) error) (logScan, error) {
	f, err := os.Open(path)
	if errors.Is(err, os.ErrNotExist) {
		return logScan{}, nil
	}
	if err != nil {
		return logScan{}, ioError(bucket, "open log", err)
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return logScan{}, ioError(bucket, "stat log", err)
	}
	size := info.Size()

	reader := bufio.NewReaderSize(f, 64*1024)
	var offset int64
	header := make([]byte, frameHeaderSize)
	for {
		if _, err := io.ReadFull(reader, header); err != nil {
			if errors.Is(err, io.EOF) {
				return logScan{ValidSize: offset}, nil
			}
			if errors.Is(err, io.ErrUnexpectedEOF) {
				return logScan{ValidSize: offset, Torn: true}, nil
			}
			return logScan{}, ioError(bucket, "read log", err)
		}
		if crc32.Checksum(header[0:4], castagnoli) != binary.LittleEndian.Uint32(header[4:8]) {
			return logScan{}, &CorruptionError{Bucket: bucket, File: path, Offset: offset, Reason: "length checksum mismatch"}
		}
		ln := int64(binary.LittleEndian.Uint32(header[0:4]))
		crc := binary.LittleEndian.Uint32(header[8:12])
		end := offset + frameHeaderSize + ln
		trailing := end >= size

		if ln < minPayloadSize || ln > maxPayloadSize {
			return logScan{}, &CorruptionError{Bucket: bucket, File: path, Offset: offset, Reason: fmt.Sprintf("invalid record length %d", ln)}
		}

		payload := make([]byte, ln)
		if _, err := io.ReadFull(reader, payload); err != nil {
			if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
				return logScan{ValidSize: offset, Torn: true}, nil
			}
			return logScan{}, ioError(bucket, "read log", err)
		}
		if crc32.Checksum(payload, castagnoli) != crc {
			if trailing {
				return logScan{ValidSize: offset, Torn: true}, nil
			}
			return logScan{}, &CorruptionError{Bucket: bucket, File: path, Offset: offset, Reason: "checksum mismatch"}
		}
		entry, err := decodeLogPayload(payload)
		if err != nil {
			return logScan{}, &CorruptionError{Bucket: bucket, File: path, Offset: offset, Reason: err.Error()}
		}
		if err := apply(entry, offset); err != nil {
			return logScan{}, err
		}
		offset = end
	}
}
