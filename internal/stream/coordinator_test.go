package stream_test

import (
	"context"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"planloom.app/agent/internal/kv"
	"planloom.app/agent/internal/stream"
)

type published struct {
	channel string
	event   string
	payload stream.Event
}

type capturePublisher struct {
	events []published
}

func (p *capturePublisher) Publish(ctx context.Context, channel, event string, payload any) error {
	p.events = append(p.events, published{
		channel: channel,
		event:   event,
		payload: payload.(stream.Event),
	})
	return nil
}

var _ = Describe("Coordinator", func() {
	var (
		ctx   context.Context
		pub   *capturePublisher
		coord *stream.Coordinator
	)

	const (
		threadID = int64(11)
		runID    = int64(9001)
	)

	BeforeEach(func() {
		ctx = context.Background()
		pub = &capturePublisher{}
		coord = stream.NewCoordinator(kv.NewMemoryStore(), pub)
	})

	Describe("Start", func() {
		It("announces the stream on the thread channel", func() {
			s, err := coord.Start(ctx, threadID, runID)
			Expect(err).NotTo(HaveOccurred())

			Expect(s.ID).To(MatchRegexp(`^stream_9001_[0-9a-f]{12}$`))
			Expect(s.Channel()).To(Equal("agent.thread.11"))

			Expect(pub.events).To(HaveLen(1))
			Expect(pub.events[0].channel).To(Equal("agent.thread.11"))
			Expect(pub.events[0].event).To(Equal(stream.EventStarted))
			Expect(pub.events[0].payload.StreamID).To(Equal(s.ID))
			Expect(pub.events[0].payload.RunID).To(Equal(runID))
		})

		It("mints a distinct id per stream", func() {
			a, err := coord.Start(ctx, threadID, runID)
			Expect(err).NotTo(HaveOccurred())
			b, err := coord.Start(ctx, threadID, runID)
			Expect(err).NotTo(HaveOccurred())
			Expect(a.ID).NotTo(Equal(b.ID))
		})
	})

	Describe("StreamToken", func() {
		It("assigns strictly increasing gapless sequence numbers", func() {
			s, err := coord.Start(ctx, threadID, runID)
			Expect(err).NotTo(HaveOccurred())

			for _, token := range []string{"Hello", ", ", "world"} {
				Expect(coord.StreamToken(ctx, s, token)).To(Succeed())
			}

			tokenEvents := pub.events[1:]
			Expect(tokenEvents).To(HaveLen(3))
			for i, e := range tokenEvents {
				Expect(e.event).To(Equal(stream.EventToken))
				Expect(e.payload.Seq).To(Equal(int64(i + 1)))
				Expect(e.payload.Done).To(BeFalse())
			}
			Expect(*tokenEvents[2].payload.Token).To(Equal("world"))
		})
	})

	Describe("EndStream", func() {
		It("publishes one terminal event carrying the full response", func() {
			s, err := coord.Start(ctx, threadID, runID)
			Expect(err).NotTo(HaveOccurred())
			Expect(coord.StreamToken(ctx, s, "Hi")).To(Succeed())

			won, err := coord.EndStream(ctx, s, "Hi")
			Expect(err).NotTo(HaveOccurred())
			Expect(won).To(BeTrue())

			final := pub.events[len(pub.events)-1]
			Expect(final.event).To(Equal(stream.EventCompleted))
			Expect(final.payload.Done).To(BeTrue())
			Expect(final.payload.FullResponse).To(Equal("Hi"))
			Expect(final.payload.Seq).To(Equal(int64(2)))
		})

		It("is idempotent: only the first caller publishes", func() {
			s, err := coord.Start(ctx, threadID, runID)
			Expect(err).NotTo(HaveOccurred())

			won, err := coord.EndStream(ctx, s, "done")
			Expect(err).NotTo(HaveOccurred())
			Expect(won).To(BeTrue())

			count := len(pub.events)
			won, err = coord.EndStream(ctx, s, "done")
			Expect(err).NotTo(HaveOccurred())
			Expect(won).To(BeFalse())
			Expect(pub.events).To(HaveLen(count))
		})
	})

	Describe("CancelStream", func() {
		It("publishes a terminal cancellation with a reason", func() {
			s, err := coord.Start(ctx, threadID, runID)
			Expect(err).NotTo(HaveOccurred())

			won, err := coord.CancelStream(ctx, s, "user requested")
			Expect(err).NotTo(HaveOccurred())
			Expect(won).To(BeTrue())

			final := pub.events[len(pub.events)-1]
			Expect(final.event).To(Equal(stream.EventCancelled))
			Expect(final.payload.Done).To(BeTrue())
			Expect(final.payload.Reason).To(Equal("user requested"))
		})

		It("defaults the reason when empty", func() {
			s, err := coord.Start(ctx, threadID, runID)
			Expect(err).NotTo(HaveOccurred())

			won, err := coord.CancelStream(ctx, s, "")
			Expect(err).NotTo(HaveOccurred())
			Expect(won).To(BeTrue())
			Expect(pub.events[len(pub.events)-1].payload.Reason).To(Equal("cancelled"))
		})

		It("loses to a completion that committed first", func() {
			s, err := coord.Start(ctx, threadID, runID)
			Expect(err).NotTo(HaveOccurred())

			won, err := coord.EndStream(ctx, s, "done")
			Expect(err).NotTo(HaveOccurred())
			Expect(won).To(BeTrue())

			won, err = coord.CancelStream(ctx, s, "too late")
			Expect(err).NotTo(HaveOccurred())
			Expect(won).To(BeFalse())

			// no cancellation event went out
			for _, e := range pub.events {
				Expect(e.event).NotTo(Equal(stream.EventCancelled))
			}
		})

		It("blocks a completion that arrives after cancellation", func() {
			s, err := coord.Start(ctx, threadID, runID)
			Expect(err).NotTo(HaveOccurred())

			won, err := coord.CancelStream(ctx, s, "user requested")
			Expect(err).NotTo(HaveOccurred())
			Expect(won).To(BeTrue())

			won, err = coord.EndStream(ctx, s, "done anyway")
			Expect(err).NotTo(HaveOccurred())
			Expect(won).To(BeFalse())
		})
	})

	Describe("StreamError", func() {
		It("publishes a terminal error under the same exclusivity", func() {
			s, err := coord.Start(ctx, threadID, runID)
			Expect(err).NotTo(HaveOccurred())

			won, err := coord.StreamError(ctx, s, "provider request failed")
			Expect(err).NotTo(HaveOccurred())
			Expect(won).To(BeTrue())

			final := pub.events[len(pub.events)-1]
			Expect(final.event).To(Equal(stream.EventError))
			Expect(final.payload.Reason).To(Equal("provider request failed"))

			won, err = coord.StreamError(ctx, s, "again")
			Expect(err).NotTo(HaveOccurred())
			Expect(won).To(BeFalse())
		})
	})

	It("numbers independent streams independently", func() {
		a, err := coord.Start(ctx, threadID, runID)
		Expect(err).NotTo(HaveOccurred())
		b, err := coord.Start(ctx, threadID, runID+1)
		Expect(err).NotTo(HaveOccurred())

		Expect(coord.StreamToken(ctx, a, "x")).To(Succeed())
		Expect(coord.StreamToken(ctx, a, "y")).To(Succeed())
		Expect(coord.StreamToken(ctx, b, "z")).To(Succeed())

		var bSeq int64
		for _, e := range pub.events {
			if e.event == stream.EventToken && e.payload.StreamID == b.ID {
				bSeq = e.payload.Seq
			}
		}
		Expect(bSeq).To(Equal(int64(1)))
	})
})
