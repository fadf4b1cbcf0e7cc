package e2e_test

import (
	"os"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/opencode-ai/sessioncore/citest/testutil"
)

var _ = Describe("Persistence", func() {
	for _, backend := range []string{"file", "sqlite"} {
		It("should restore sessions after a restart with the "+backend+" backend", func() {
			dataDir, err := os.MkdirTemp("", "sessioncore-e2e-*")
			Expect(err).NotTo(HaveOccurred())
			DeferCleanup(os.RemoveAll, dataDir)

			first, err := testutil.StartTestServer(
				testutil.WithMockLLM(mockLLM.URL()),
				testutil.WithDataDir(dataDir),
				testutil.WithBackend(backend),
			)
			Expect(err).NotTo(HaveOccurred())

			c := first.Client()
			session, err := c.CreateSession(ctx, "Kept across restarts")
			Expect(err).NotTo(HaveOccurred())
			sent, err := c.SendMessage(ctx, session.SessionID, "hello, world")
			Expect(err).NotTo(HaveOccurred())

			empty, err := c.CreateSession(ctx, "")
			Expect(err).NotTo(HaveOccurred())

			Expect(first.Stop()).To(Succeed())

			second, err := testutil.StartTestServer(
				testutil.WithMockLLM(mockLLM.URL()),
				testutil.WithDataDir(dataDir),
				testutil.WithBackend(backend),
			)
			Expect(err).NotTo(HaveOccurred())
			defer second.Stop()

			c = second.Client()
			entries, err := c.ListSessions(ctx)
			Expect(err).NotTo(HaveOccurred())

			byID := map[string]bool{}
			for _, e := range entries {
				byID[e.SessionID] = true
				Expect(e.Live).To(BeFalse())
				switch e.SessionID {
				case session.SessionID:
					Expect(e.Title).To(Equal("Kept across restarts"))
					Expect(e.IsEmpty).To(BeFalse())
				case empty.SessionID:
					Expect(e.IsEmpty).To(BeTrue())
				}
			}
			Expect(byID).To(HaveKey(session.SessionID))
			Expect(byID).To(HaveKey(empty.SessionID))

			restored, err := c.GetSession(ctx, session.SessionID)
			Expect(err).NotTo(HaveOccurred())
			Expect(restored.Turns).To(HaveLen(1))
			Expect(restored.Turns[0].ID).To(Equal(sent.TurnID))
			Expect(markdown(restored.Turns[0].Response)).To(ContainSubstring("Hello, World!"))

			// a stored session accepts new messages once restored
			next, err := c.SendMessage(ctx, session.SessionID, "2+2")
			Expect(err).NotTo(HaveOccurred())
			Expect(markdown(next.Response)).To(ContainSubstring("4"))
		})
	}
})
