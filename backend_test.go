package bucketpool_test

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"slices"

	"github.com/VsevolodSauta/bucketpool"
	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
)

// testLogger creates a logger for tests (discards output)
func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
		Level: slog.LevelError, // Only show errors in tests
	}))
}

// collect drains a Scan result into a slice.
func collect(b bucketpool.Backend, match func(bucketpool.Record) bool) []bucketpool.Record {
	seq, err := b.Scan(match)
	Expect(err).NotTo(HaveOccurred())
	var out []bucketpool.Record
	for rec := range seq {
		out = append(out, rec)
	}
	return out
}

func keysOf(records []bucketpool.Record) []string {
	keys := make([]string, 0, len(records))
	for _, rec := range records {
		keys = append(keys, rec.Key)
	}
	return keys
}

// BackendTestSuite runs a comprehensive test suite against a Backend implementation
func BackendTestSuite(backendFactory func() (bucketpool.Backend, func())) {
	var backend bucketpool.Backend
	var cleanup func()

	BeforeEach(func() {
		backend, cleanup = backendFactory()
	})

	AfterEach(func() {
		if cleanup != nil {
			cleanup()
		}
	})

	Describe("Put and Get", func() {
		It("should return a stored value", func() {
			_, existed, err := backend.Put("session/client-1", []byte(`{"clean":false}`))
			Expect(err).NotTo(HaveOccurred())
			Expect(existed).To(BeFalse())

			rec, ok, err := backend.Get("session/client-1")
			Expect(err).NotTo(HaveOccurred())
			Expect(ok).To(BeTrue())
			Expect(rec.Key).To(Equal("session/client-1"))
			Expect(rec.Value).To(Equal([]byte(`{"clean":false}`)))
			Expect(rec.Seq).To(BeNumerically(">", 0))
		})

		It("should report a missing key without error", func() {
			_, ok, err := backend.Get("missing")
			Expect(err).NotTo(HaveOccurred())
			Expect(ok).To(BeFalse())
		})

		It("should return the replaced record on overwrite", func() {
			_, _, err := backend.Put("k", []byte("v1"))
			Expect(err).NotTo(HaveOccurred())

			prev, existed, err := backend.Put("k", []byte("v2"))
			Expect(err).NotTo(HaveOccurred())
			Expect(existed).To(BeTrue())
			Expect(prev.Value).To(Equal([]byte("v1")))

			rec, ok, err := backend.Get("k")
			Expect(err).NotTo(HaveOccurred())
			Expect(ok).To(BeTrue())
			Expect(rec.Value).To(Equal([]byte("v2")))
			Expect(rec.Seq).To(BeNumerically(">", prev.Seq))
		})

		It("should store an empty value", func() {
			_, _, err := backend.Put("empty", nil)
			Expect(err).NotTo(HaveOccurred())

			rec, ok, err := backend.Get("empty")
			Expect(err).NotTo(HaveOccurred())
			Expect(ok).To(BeTrue())
			Expect(rec.Value).To(BeEmpty())
		})

		It("should not alias the caller's buffer", func() {
			buf := []byte("original")
			_, _, err := backend.Put("alias", buf)
			Expect(err).NotTo(HaveOccurred())
			copy(buf, "mutated!")

			rec, _, err := backend.Get("alias")
			Expect(err).NotTo(HaveOccurred())
			Expect(rec.Value).To(Equal([]byte("original")))
		})

		It("should assign increasing sequence numbers", func() {
			var last uint64
			for i := 0; i < 10; i++ {
				key := fmt.Sprintf("k-%d", i)
				_, _, err := backend.Put(key, []byte("v"))
				Expect(err).NotTo(HaveOccurred())
				rec, _, err := backend.Get(key)
				Expect(err).NotTo(HaveOccurred())
				Expect(rec.Seq).To(BeNumerically(">", last))
				last = rec.Seq
			}
			if seq, ok := backend.(bucketpool.Sequenced); ok {
				Expect(seq.LastSeq()).To(Equal(last))
			}
		})
	})

	Describe("Delete", func() {
		It("should remove an existing key", func() {
			_, _, err := backend.Put("k", []byte("v"))
			Expect(err).NotTo(HaveOccurred())

			existed, err := backend.Delete("k")
			Expect(err).NotTo(HaveOccurred())
			Expect(existed).To(BeTrue())

			_, ok, err := backend.Get("k")
			Expect(err).NotTo(HaveOccurred())
			Expect(ok).To(BeFalse())
		})

		It("should report false for a missing key", func() {
			existed, err := backend.Delete("missing")
			Expect(err).NotTo(HaveOccurred())
			Expect(existed).To(BeFalse())
		})

		It("should not advance the sequence for a missing key", func() {
			seq, ok := backend.(bucketpool.Sequenced)
			if !ok {
				Skip("backend does not expose sequence numbers")
			}
			_, _, err := backend.Put("k", []byte("v"))
			Expect(err).NotTo(HaveOccurred())
			before := seq.LastSeq()

			_, err = backend.Delete("missing")
			Expect(err).NotTo(HaveOccurred())
			Expect(seq.LastSeq()).To(Equal(before))
		})
	})

	Describe("Scan", func() {
		BeforeEach(func() {
			for _, key := range []string{"retained/b", "session/c", "retained/a", "session/a"} {
				_, _, err := backend.Put(key, []byte(key))
				Expect(err).NotTo(HaveOccurred())
			}
		})

		It("should return all records ordered by key", func() {
			records := collect(backend, nil)
			Expect(keysOf(records)).To(Equal([]string{"retained/a", "retained/b", "session/a", "session/c"}))
		})

		It("should apply the predicate", func() {
			records := collect(backend, func(rec bucketpool.Record) bool {
				return rec.Key[0] == 's'
			})
			Expect(keysOf(records)).To(Equal([]string{"session/a", "session/c"}))
		})

		It("should reflect the state at call time", func() {
			seq, err := backend.Scan(nil)
			Expect(err).NotTo(HaveOccurred())

			_, _, err = backend.Put("session/z", []byte("late"))
			Expect(err).NotTo(HaveOccurred())
			_, err = backend.Delete("retained/a")
			Expect(err).NotTo(HaveOccurred())

			var keys []string
			for rec := range seq {
				keys = append(keys, rec.Key)
			}
			Expect(keys).To(Equal([]string{"retained/a", "retained/b", "session/a", "session/c"}))
		})

		It("should support early termination", func() {
			seq, err := backend.Scan(nil)
			Expect(err).NotTo(HaveOccurred())
			var first []string
			for rec := range seq {
				first = append(first, rec.Key)
				if len(first) == 2 {
					break
				}
			}
			Expect(first).To(HaveLen(2))
			Expect(slices.IsSorted(first)).To(BeTrue())
		})
	})

	Describe("Flush and Close", func() {
		It("should flush without error", func() {
			_, _, err := backend.Put("k", []byte("v"))
			Expect(err).NotTo(HaveOccurred())
			Expect(backend.Flush()).To(Succeed())
		})

		It("should be safe to close twice", func() {
			Expect(backend.Close()).To(Succeed())
			Expect(backend.Close()).To(Succeed())
		})

		It("should reject operations after close", func() {
			Expect(backend.Close()).To(Succeed())

			_, _, err := backend.Put("k", []byte("v"))
			Expect(errors.Is(err, bucketpool.ErrClosed)).To(BeTrue())
			_, _, err = backend.Get("k")
			Expect(errors.Is(err, bucketpool.ErrClosed)).To(BeTrue())
			_, err = backend.Delete("k")
			Expect(errors.Is(err, bucketpool.ErrClosed)).To(BeTrue())
			_, err = backend.Scan(nil)
			Expect(errors.Is(err, bucketpool.ErrClosed)).To(BeTrue())
		})
	})
}

var _ = Describe("InMemoryBackend", func() {
	BackendTestSuite(func() (bucketpool.Backend, func()) {
		backend := bucketpool.NewInMemoryBackend()
		return backend, func() {
			_ = backend.Close()
		}
	})
})

var _ = Describe("SelectBackend", func() {
	It("should choose memory when persistence is not durable", func() {
		cfg := bucketpool.DefaultConfig()
		cfg.Durable = false
		cfg.Engine = bucketpool.BackendBadger
		Expect(bucketpool.SelectBackend(cfg)).To(Equal(bucketpool.BackendMemory))
	})

	It("should choose memory for a nil config", func() {
		Expect(bucketpool.SelectBackend(nil)).To(Equal(bucketpool.BackendMemory))
	})

	It("should default durable persistence to the file backend", func() {
		cfg := bucketpool.DefaultConfig()
		cfg.Durable = true
		cfg.Engine = ""
		Expect(bucketpool.SelectBackend(cfg)).To(Equal(bucketpool.BackendFile))
	})

	It("should honor the configured engine", func() {
		cfg := bucketpool.DefaultConfig()
		cfg.Durable = true
		cfg.Engine = bucketpool.BackendBadger
		Expect(bucketpool.SelectBackend(cfg)).To(Equal(bucketpool.BackendBadger))
		Expect(bucketpool.SelectBackend(cfg).Durable()).To(BeTrue())
	})
})
