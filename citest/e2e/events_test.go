package e2e_test

import (
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/opencode-ai/sessioncore/internal/event"
)

var _ = Describe("Events", func() {
	It("should stream turn and response events of one session", func() {
		session, err := client.CreateSession(ctx, "")
		Expect(err).NotTo(HaveOccurred())

		sse := testServer.SSEClient()
		Expect(sse.Connect(ctx, "/event?sessionID="+session.SessionID)).To(Succeed())
		defer sse.Close()

		_, err = sse.WaitForEvent("server.connected", 2*time.Second)
		Expect(err).NotTo(HaveOccurred())

		other, err := client.CreateSession(ctx, "")
		Expect(err).NotTo(HaveOccurred())
		_, err = client.SendMessage(ctx, other.SessionID, "2+2")
		Expect(err).NotTo(HaveOccurred())

		resp, err := client.SendMessage(ctx, session.SessionID, "hello, world")
		Expect(err).NotTo(HaveOccurred())

		added, err := sse.WaitForEvent(string(event.TurnAdded), 2*time.Second)
		Expect(err).NotTo(HaveOccurred())
		Expect(added.SessionID).To(Equal(session.SessionID))

		completed, err := sse.WaitForEvent(string(event.ResponseCompleted), 2*time.Second)
		Expect(err).NotTo(HaveOccurred())
		Expect(completed.SessionID).To(Equal(session.SessionID))

		for _, ev := range sse.GetAllEvents() {
			if ev.SessionID != "" {
				Expect(ev.SessionID).To(Equal(session.SessionID))
			}
		}
		Expect(resp.TurnID).NotTo(BeEmpty())
	})

	It("should report computed titles", func() {
		sse := testServer.SSEClient()
		Expect(sse.Connect(ctx, "/event")).To(Succeed())
		defer sse.Close()

		session, err := client.CreateSession(ctx, "")
		Expect(err).NotTo(HaveOccurred())
		_, err = client.SendMessage(ctx, session.SessionID, "hello")
		Expect(err).NotTo(HaveOccurred())

		Eventually(func() bool {
			for _, ev := range sse.GetAllEvents() {
				if ev.Type == string(event.SessionTitle) && ev.SessionID == session.SessionID {
					return true
				}
			}
			return false
		}, 5*time.Second, 50*time.Millisecond).Should(BeTrue())
	})
})
