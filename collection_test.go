package bucketpool_test

import (
	"context"
	"fmt"
	"time"

	"github.com/VsevolodSauta/bucketpool"
	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
)

type session struct {
	ClientID      string   `json:"client_id"`
	CleanStart    bool     `json:"clean_start"`
	Subscriptions []string `json:"subscriptions"`
}

type retained struct {
	Payload []byte `json:"payload"`
	QoS     byte   `json:"qos"`
}

var _ = Describe("Collection", func() {
	var (
		ctx      context.Context
		dir      string
		s        *bucketpool.Scheduler
		sessions *bucketpool.Collection[session]
	)

	BeforeEach(func() {
		ctx = context.Background()
		dir = GinkgoT().TempDir()
		s = startScheduler(fileConfig(dir, 8))
		sessions = bucketpool.NewCollection[session](s, "session")
	})

	AfterEach(func() {
		Expect(s.Shutdown(5 * time.Second)).To(Succeed())
	})

	It("should round-trip a value", func() {
		in := session{ClientID: "client-42", Subscriptions: []string{"sensors/#"}}
		Expect(sessions.Put(ctx, "client-42", in)).To(Succeed())

		out, ok, err := sessions.Get(ctx, "client-42")
		Expect(err).NotTo(HaveOccurred())
		Expect(ok).To(BeTrue())
		Expect(out).To(Equal(in))
	})

	It("should route by the namespaced key", func() {
		Expect(sessions.Key("client-42")).To(Equal("session/client-42"))
		fut, err := sessions.PutAsync("client-42", session{ClientID: "client-42"})
		Expect(err).NotTo(HaveOccurred())
		Expect(fut.Bucket()).To(Equal(s.BucketFor("session/client-42")))
		_, err = fut.Wait(ctx)
		Expect(err).NotTo(HaveOccurred())
	})

	It("should report a missing entity", func() {
		_, ok, err := sessions.Get(ctx, "nobody")
		Expect(err).NotTo(HaveOccurred())
		Expect(ok).To(BeFalse())
	})

	It("should delete an entity", func() {
		Expect(sessions.Put(ctx, "client-1", session{ClientID: "client-1"})).To(Succeed())
		existed, err := sessions.Delete(ctx, "client-1")
		Expect(err).NotTo(HaveOccurred())
		Expect(existed).To(BeTrue())

		existed, err = sessions.Delete(ctx, "client-1")
		Expect(err).NotTo(HaveOccurred())
		Expect(existed).To(BeFalse())
	})

	It("should list only its own namespace across every bucket", func() {
		messages := bucketpool.NewCollection[retained](s, "retained")
		for i := 0; i < 40; i++ {
			id := fmt.Sprintf("client-%d", i)
			Expect(sessions.Put(ctx, id, session{ClientID: id})).To(Succeed())
		}
		Expect(messages.Put(ctx, "sensors/temp", retained{Payload: []byte("21.5"), QoS: 1})).To(Succeed())

		all, err := sessions.List(ctx)
		Expect(err).NotTo(HaveOccurred())
		Expect(all).To(HaveLen(40))
		Expect(all["client-7"].ClientID).To(Equal("client-7"))

		topics, err := messages.List(ctx)
		Expect(err).NotTo(HaveOccurred())
		Expect(topics).To(HaveKeyWithValue("sensors/temp", retained{Payload: []byte("21.5"), QoS: 1}))
	})

	It("should fail decoding a value of another shape", func() {
		_, err := bucketpool.SubmitSync(ctx, s, "session/broken", putOp("session/broken", []byte("not json")))
		Expect(err).NotTo(HaveOccurred())

		_, _, err = sessions.Get(ctx, "broken")
		Expect(err).To(MatchError(ContainSubstring("failed to decode session/broken")))
		_, err = sessions.List(ctx)
		Expect(err).To(HaveOccurred())
	})

	It("should survive a restart", func() {
		in := session{ClientID: "client-42", CleanStart: true}
		Expect(sessions.Put(ctx, "client-42", in)).To(Succeed())
		Expect(s.Shutdown(5 * time.Second)).To(Succeed())

		s = startScheduler(fileConfig(dir, 8))
		sessions = bucketpool.NewCollection[session](s, "session")
		out, ok, err := sessions.Get(ctx, "client-42")
		Expect(err).NotTo(HaveOccurred())
		Expect(ok).To(BeTrue())
		Expect(out).To(Equal(in))
	})
})

var _ = Describe("SubmitToBucket", func() {
	It("should reject a bucket outside the range", func() {
		s := startScheduler(memoryConfig(4, 16))
		defer s.Shutdown(time.Second)
		_, err := bucketpool.SubmitToBucket(context.Background(), s, 4, func(context.Context, bucketpool.Backend) (int, error) {
			return 0, nil
		})
		Expect(err).To(MatchError(ContainSubstring("out of range")))
	})
})
