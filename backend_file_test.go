package bucketpool_test

import (
	"encoding/binary"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/VsevolodSauta/bucketpool"
	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
)

func openFileBackend(dir string, bucket bucketpool.BucketID, minRecords int) (*bucketpool.FileBackend, error) {
	return bucketpool.OpenFileBackend(bucketpool.FileOptions{
		Dir:                  dir,
		Bucket:               bucket,
		Durability:           bucketpool.DurabilitySync,
		CompactionMinRecords: minRecords,
	}, testLogger())
}

func mustOpenFileBackend(dir string, bucket bucketpool.BucketID, minRecords int) *bucketpool.FileBackend {
	backend, err := openFileBackend(dir, bucket, minRecords)
	Expect(err).NotTo(HaveOccurred())
	return backend
}

func putN(backend bucketpool.Backend, n int) {
	for i := 0; i < n; i++ {
		_, _, err := backend.Put(fmt.Sprintf("client-%d", i), []byte(fmt.Sprintf("session-%d", i)))
		Expect(err).NotTo(HaveOccurred())
	}
}

func fileSize(path string) int64 {
	info, err := os.Stat(path)
	Expect(err).NotTo(HaveOccurred())
	return info.Size()
}

var _ = Describe("FileBackend", func() {
	BackendTestSuite(func() (bucketpool.Backend, func()) {
		tmpDir, err := os.MkdirTemp("", "bucketpool_file_*")
		Expect(err).NotTo(HaveOccurred())

		backend := mustOpenFileBackend(tmpDir, 0, 1000)
		return backend, func() {
			_ = backend.Close()
			_ = os.RemoveAll(tmpDir)
		}
	})

	var (
		dir      string
		logPath  string
		snapPath string
	)

	BeforeEach(func() {
		dir = GinkgoT().TempDir()
		logPath = filepath.Join(dir, "bucket-0005.log")
		snapPath = filepath.Join(dir, "bucket-0005.snap")
	})

	Describe("recovery", func() {
		It("should not create files before the first write", func() {
			backend := mustOpenFileBackend(dir, 5, 1000)
			Expect(backend.Close()).To(Succeed())
			Expect(logPath).NotTo(BeAnExistingFile())
			Expect(snapPath).NotTo(BeAnExistingFile())
		})

		It("should restore records and sequence after reopen", func() {
			backend := mustOpenFileBackend(dir, 5, 1000)
			putN(backend, 3)
			_, err := backend.Delete("client-1")
			Expect(err).NotTo(HaveOccurred())
			Expect(backend.Close()).To(Succeed())

			reopened := mustOpenFileBackend(dir, 5, 1000)
			defer reopened.Close()
			Expect(reopened.LastSeq()).To(Equal(uint64(4)))
			Expect(keysOf(collect(reopened, nil))).To(Equal([]string{"client-0", "client-2"}))
			rec, ok, err := reopened.Get("client-2")
			Expect(err).NotTo(HaveOccurred())
			Expect(ok).To(BeTrue())
			Expect(rec.Value).To(Equal([]byte("session-2")))
			Expect(rec.Seq).To(Equal(uint64(3)))
		})

		It("should discard trailing garbage and keep appending after it", func() {
			backend := mustOpenFileBackend(dir, 5, 1000)
			putN(backend, 2)
			Expect(backend.Close()).To(Succeed())
			good := fileSize(logPath)

			f, err := os.OpenFile(logPath, os.O_WRONLY|os.O_APPEND, 0o644)
			Expect(err).NotTo(HaveOccurred())
			_, err = f.Write([]byte{0x2a, 0x00, 0x00})
			Expect(err).NotTo(HaveOccurred())
			Expect(f.Close()).To(Succeed())

			reopened := mustOpenFileBackend(dir, 5, 1000)
			Expect(fileSize(logPath)).To(Equal(good))
			Expect(reopened.LastSeq()).To(Equal(uint64(2)))

			_, _, err = reopened.Put("client-9", []byte("late"))
			Expect(err).NotTo(HaveOccurred())
			Expect(reopened.Close()).To(Succeed())

			again := mustOpenFileBackend(dir, 5, 1000)
			defer again.Close()
			Expect(again.LastSeq()).To(Equal(uint64(3)))
			Expect(collect(again, nil)).To(HaveLen(3))
		})

		It("should drop a partially written final record", func() {
			backend := mustOpenFileBackend(dir, 5, 1000)
			putN(backend, 3)
			Expect(backend.Close()).To(Succeed())
			Expect(os.Truncate(logPath, fileSize(logPath)-3)).To(Succeed())

			reopened := mustOpenFileBackend(dir, 5, 1000)
			defer reopened.Close()
			Expect(reopened.LastSeq()).To(Equal(uint64(2)))
			Expect(keysOf(collect(reopened, nil))).To(Equal([]string{"client-0", "client-1"}))
		})

		It("should reject a damaged record followed by valid ones", func() {
			backend := mustOpenFileBackend(dir, 5, 1000)
			putN(backend, 3)
			Expect(backend.Close()).To(Succeed())

			data, err := os.ReadFile(logPath)
			Expect(err).NotTo(HaveOccurred())
			data[12] ^= 0xff // first payload byte of the first record
			Expect(os.WriteFile(logPath, data, 0o644)).To(Succeed())

			_, err = openFileBackend(dir, 5, 1000)
			Expect(err).To(HaveOccurred())
			Expect(errors.Is(err, bucketpool.ErrRecoveryCorruption)).To(BeTrue())
			var corruption *bucketpool.CorruptionError
			Expect(errors.As(err, &corruption)).To(BeTrue())
			Expect(corruption.Bucket).To(Equal(bucketpool.BucketID(5)))
			Expect(corruption.Offset).To(BeZero())
			Expect(corruption.File).To(Equal(logPath))
		})

		It("should reject a damaged record length instead of truncating the log", func() {
			backend := mustOpenFileBackend(dir, 5, 1000)
			putN(backend, 100)
			Expect(backend.Close()).To(Succeed())
			size := fileSize(logPath)

			data, err := os.ReadFile(logPath)
			Expect(err).NotTo(HaveOccurred())
			binary.LittleEndian.PutUint32(data[0:4], 1<<20)
			Expect(os.WriteFile(logPath, data, 0o644)).To(Succeed())

			_, err = openFileBackend(dir, 5, 1000)
			var corruption *bucketpool.CorruptionError
			Expect(errors.As(err, &corruption)).To(BeTrue())
			Expect(corruption.Offset).To(BeZero())
			Expect(corruption.Bucket).To(Equal(bucketpool.BucketID(5)))
			Expect(fileSize(logPath)).To(Equal(size))
		})

		It("should reject a snapshot whose sequence number was damaged", func() {
			backend := mustOpenFileBackend(dir, 5, 1000)
			putN(backend, 3)
			Expect(backend.MaybeCompact(true)).To(Succeed())
			Expect(backend.Close()).To(Succeed())

			data, err := os.ReadFile(snapPath)
			Expect(err).NotTo(HaveOccurred())
			data[8] ^= 0x01 // low byte of the snapshot sequence
			Expect(os.WriteFile(snapPath, data, 0o644)).To(Succeed())

			_, err = openFileBackend(dir, 5, 1000)
			Expect(errors.Is(err, bucketpool.ErrRecoveryCorruption)).To(BeTrue())
		})

		It("should reject a damaged snapshot", func() {
			backend := mustOpenFileBackend(dir, 5, 1000)
			putN(backend, 3)
			Expect(backend.MaybeCompact(true)).To(Succeed())
			Expect(backend.Close()).To(Succeed())

			data, err := os.ReadFile(snapPath)
			Expect(err).NotTo(HaveOccurred())
			data[len(data)-1] ^= 0xff
			Expect(os.WriteFile(snapPath, data, 0o644)).To(Succeed())

			_, err = openFileBackend(dir, 5, 1000)
			Expect(errors.Is(err, bucketpool.ErrRecoveryCorruption)).To(BeTrue())
		})
	})

	Describe("compaction", func() {
		It("should not compact below the record threshold", func() {
			backend := mustOpenFileBackend(dir, 5, 10)
			putN(backend, 9)
			Expect(backend.MaybeCompact(false)).To(Succeed())
			Expect(backend.Close()).To(Succeed())
			Expect(snapPath).NotTo(BeAnExistingFile())
			Expect(logPath).To(BeAnExistingFile())
		})

		It("should replace the log with a snapshot once the threshold is reached", func() {
			backend := mustOpenFileBackend(dir, 5, 10)
			putN(backend, 10)
			Expect(backend.MaybeCompact(false)).To(Succeed())
			Expect(backend.Close()).To(Succeed())

			Expect(snapPath).To(BeAnExistingFile())
			Expect(logPath).NotTo(BeAnExistingFile())
			Expect(logPath + ".old").NotTo(BeAnExistingFile())

			reopened := mustOpenFileBackend(dir, 5, 10)
			defer reopened.Close()
			Expect(reopened.LastSeq()).To(Equal(uint64(10)))
			Expect(collect(reopened, nil)).To(HaveLen(10))
		})

		It("should combine the snapshot with later log records", func() {
			backend := mustOpenFileBackend(dir, 5, 1000)
			putN(backend, 4)
			Expect(backend.MaybeCompact(true)).To(Succeed())

			_, _, err := backend.Put("client-0", []byte("updated"))
			Expect(err).NotTo(HaveOccurred())
			_, err = backend.Delete("client-3")
			Expect(err).NotTo(HaveOccurred())
			// two records in the new log stay below the threshold
			Expect(backend.MaybeCompact(false)).To(Succeed())
			Expect(backend.Close()).To(Succeed())

			reopened := mustOpenFileBackend(dir, 5, 1000)
			defer reopened.Close()
			Expect(reopened.LastSeq()).To(Equal(uint64(6)))
			Expect(keysOf(collect(reopened, nil))).To(Equal([]string{"client-0", "client-1", "client-2"}))
			rec, _, err := reopened.Get("client-0")
			Expect(err).NotTo(HaveOccurred())
			Expect(rec.Value).To(Equal([]byte("updated")))
			Expect(rec.Seq).To(Equal(uint64(5)))
		})

		It("should finish a compaction interrupted before its snapshot landed", func() {
			backend := mustOpenFileBackend(dir, 5, 1000)
			putN(backend, 5)
			Expect(backend.Close()).To(Succeed())
			Expect(os.Rename(logPath, logPath+".old")).To(Succeed())

			reopened := mustOpenFileBackend(dir, 5, 1000)
			defer reopened.Close()
			Expect(reopened.LastSeq()).To(Equal(uint64(5)))
			Expect(collect(reopened, nil)).To(HaveLen(5))
			Expect(snapPath).To(BeAnExistingFile())
			Expect(logPath + ".old").NotTo(BeAnExistingFile())
		})

		It("should be a no-op on an empty log", func() {
			backend := mustOpenFileBackend(dir, 5, 0)
			Expect(backend.MaybeCompact(true)).To(Succeed())
			Expect(backend.Close()).To(Succeed())
			Expect(snapPath).NotTo(BeAnExistingFile())
		})
	})

	Describe("record size", func() {
		It("should refuse a record too large to recover and keep appending", func() {
			backend := mustOpenFileBackend(dir, 5, 1000)
			putN(backend, 2)
			size := fileSize(logPath)

			_, _, err := backend.Put("big", make([]byte, 64<<20))
			Expect(errors.Is(err, bucketpool.ErrValueTooLarge)).To(BeTrue())
			Expect(errors.Is(err, bucketpool.ErrOperationFailed)).To(BeTrue())
			Expect(backend.LastSeq()).To(Equal(uint64(2)))
			Expect(fileSize(logPath)).To(Equal(size))

			_, _, err = backend.Put("client-9", []byte("after"))
			Expect(err).NotTo(HaveOccurred())
			Expect(backend.Close()).To(Succeed())

			reopened := mustOpenFileBackend(dir, 5, 1000)
			defer reopened.Close()
			Expect(reopened.LastSeq()).To(Equal(uint64(3)))
			Expect(keysOf(collect(reopened, nil))).To(Equal([]string{"client-0", "client-1", "client-9"}))
		})
	})

	Describe("batched durability", func() {
		It("should persist records after Flush", func() {
			backend, err := bucketpool.OpenFileBackend(bucketpool.FileOptions{
				Dir:        dir,
				Bucket:     5,
				Durability: bucketpool.DurabilityBatched,
			}, testLogger())
			Expect(err).NotTo(HaveOccurred())
			putN(backend, 3)
			Expect(backend.Flush()).To(Succeed())
			Expect(backend.Close()).To(Succeed())

			reopened := mustOpenFileBackend(dir, 5, 1000)
			defer reopened.Close()
			Expect(reopened.LastSeq()).To(Equal(uint64(3)))
		})
	})
})
