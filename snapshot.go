package bucketpool

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"hash/crc32"
	"io"
	"os"
	"path/filepath"
	"sort"

	"github.com/klauspost/compress/zstd"
)

// Snapshot layout (per bucket file bucket-<id>.snap):
// | magic "BPSNAP01" | uint64 seq | uint64 count | uint64 bodyLen | uint32 crc32c(seq..bodyLen, body) | body |
// body is zstd-compressed: repeated | uvarint keyLen | key | uvarint seq | uvarint valueLen | value |

var snapshotMagic = [8]byte{'B', 'P', 'S', 'N', 'A', 'P', '0', '1'}

const snapshotHeaderSize = 8 + 8 + 8 + 8 + 4

var (
	snapshotEncoder, _ = zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedFastest))
	snapshotDecoder, _ = zstd.NewReader(nil)
)

// writeSnapshot atomically replaces path with a dump of records as of seq.
func writeSnapshot(path string, seq uint64, records []Record) error {
	sort.Slice(records, func(i, j int) bool { return records[i].Key < records[j].Key })

	var raw []byte
	for _, rec := range records {
		raw = binary.AppendUvarint(raw, uint64(len(rec.Key)))
		raw = append(raw, rec.Key...)
		raw = binary.AppendUvarint(raw, rec.Seq)
		raw = binary.AppendUvarint(raw, uint64(len(rec.Value)))
		raw = append(raw, rec.Value...)
	}
	body := snapshotEncoder.EncodeAll(raw, nil)

	header := make([]byte, 0, snapshotHeaderSize)
	header = append(header, snapshotMagic[:]...)
	header = binary.LittleEndian.AppendUint64(header, seq)
	header = binary.LittleEndian.AppendUint64(header, uint64(len(records)))
	header = binary.LittleEndian.AppendUint64(header, uint64(len(body)))
	header = binary.LittleEndian.AppendUint32(header, snapshotChecksum(header[8:32], body))

	tmp := path + ".tmp"
	f, err := os.OpenFile(tmp, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("create snapshot: %w", err)
	}
	if _, err := f.Write(header); err != nil {
		f.Close()
		return fmt.Errorf("write snapshot header: %w", err)
	}
	if _, err := f.Write(body); err != nil {
		f.Close()
		return fmt.Errorf("write snapshot body: %w", err)
	}
	if err := f.Sync(); err != nil {
		f.Close()
		return fmt.Errorf("fsync snapshot: %w", err)
	}
	if err := f.Close(); err != nil {
		return fmt.Errorf("close snapshot: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		return fmt.Errorf("install snapshot: %w", err)
	}
	return syncDir(filepath.Dir(path))
}

// readSnapshot loads path. A missing snapshot is an empty state at seq 0.
func readSnapshot(bucket BucketID, path string) (uint64, map[string]Record, error) {
	data, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return 0, map[string]Record{}, nil
	}
	if err != nil {
		return 0, nil, ioError(bucket, "read snapshot", err)
	}
	corrupt := func(offset int64, reason string) error {
		return &CorruptionError{Bucket: bucket, File: path, Offset: offset, Reason: reason}
	}
	if len(data) < snapshotHeaderSize {
		return 0, nil, corrupt(0, "truncated header")
	}
	if !bytes.Equal(data[0:8], snapshotMagic[:]) {
		return 0, nil, corrupt(0, "bad magic")
	}
	seq := binary.LittleEndian.Uint64(data[8:16])
	count := binary.LittleEndian.Uint64(data[16:24])
	bodyLen := binary.LittleEndian.Uint64(data[24:32])
	crc := binary.LittleEndian.Uint32(data[32:36])
	body := data[snapshotHeaderSize:]
	if uint64(len(body)) != bodyLen {
		return 0, nil, corrupt(snapshotHeaderSize, fmt.Sprintf("body length %d, header says %d", len(body), bodyLen))
	}
	if snapshotChecksum(data[8:32], body) != crc {
		return 0, nil, corrupt(snapshotHeaderSize, "checksum mismatch")
	}
	raw, err := snapshotDecoder.DecodeAll(body, nil)
	if err != nil {
		return 0, nil, corrupt(snapshotHeaderSize, "decompress: "+err.Error())
	}

	records := make(map[string]Record, count)
	r := bytes.NewReader(raw)
	for i := uint64(0); i < count; i++ {
		rec, err := readSnapshotEntry(r)
		if err != nil {
			return 0, nil, corrupt(snapshotHeaderSize, fmt.Sprintf("entry %d: %v", i, err))
		}
		records[rec.Key] = rec
	}
	if r.Len() != 0 {
		return 0, nil, corrupt(snapshotHeaderSize, "trailing bytes after entries")
	}
	return seq, records, nil
}

// snapshotChecksum covers the header fields after the magic and the compressed body.
func snapshotChecksum(fields, body []byte) uint32 {
	return crc32.Update(crc32.Checksum(fields, castagnoli), castagnoli, body)
}

func readSnapshotEntry(r *bytes.Reader) (Record, error) {
	keyLen, err := binary.ReadUvarint(r)
	if err != nil {
		return Record{}, err
	}
	if keyLen > uint64(r.Len()) {
		return Record{}, io.ErrUnexpectedEOF
	}
	key := make([]byte, keyLen)
	if _, err := io.ReadFull(r, key); err != nil {
		return Record{}, err
	}
	seq, err := binary.ReadUvarint(r)
	if err != nil {
		return Record{}, err
	}
	valueLen, err := binary.ReadUvarint(r)
	if err != nil {
		return Record{}, err
	}
	if valueLen > uint64(r.Len()) {
		return Record{}, io.ErrUnexpectedEOF
	}
	value := make([]byte, valueLen)
	if _, err := io.ReadFull(r, value); err != nil {
		return Record{}, err
	}
	return Record{Key: string(key), Value: value, Seq: seq}, nil
}

func syncDir(dir string) error {
	d, err := os.Open(dir)
	if err != nil {
		return fmt.Errorf("open dir: %w", err)
	}
	defer d.Close()
	if err := d.Sync(); err != nil {
		return fmt.Errorf("fsync dir: %w", err)
	}
	return nil
}
