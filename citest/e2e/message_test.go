package e2e_test

import (
	"errors"
	"net/http"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/opencode-ai/sessioncore/citest/testutil"
	"github.com/opencode-ai/sessioncore/pkg/types"
)

var _ = Describe("Messages", func() {
	var sessionID string

	BeforeEach(func() {
		session, err := client.CreateSession(ctx, "")
		Expect(err).NotTo(HaveOccurred())
		sessionID = session.SessionID
	})

	It("should stream the model answer into a completed response", func() {
		resp, err := client.SendMessage(ctx, sessionID, "Say hello, world")
		Expect(err).NotTo(HaveOccurred())
		Expect(resp.State).To(Equal("complete"))
		Expect(resp.Response).NotTo(BeNil())
		Expect(resp.Response.Result).NotTo(BeNil())
		Expect(resp.Response.Result.ErrorDetails).To(BeNil())
		Expect(markdown(resp.Response)).To(ContainSubstring("Hello, World!"))
	})

	It("should name the session and suggest followups in the background", func() {
		_, err := client.SendMessage(ctx, sessionID, "hello there")
		Expect(err).NotTo(HaveOccurred())

		Eventually(func() string {
			s, err := client.GetSession(ctx, sessionID)
			if err != nil {
				return ""
			}
			return s.ComputedTitle
		}, 5*time.Second, 50*time.Millisecond).Should(Equal("Greeting the assistant"))

		Eventually(func() []types.Followup {
			s, err := client.GetSession(ctx, sessionID)
			if err != nil || len(s.Turns) == 0 || s.Turns[0].Response == nil {
				return nil
			}
			return s.Turns[0].Response.Followups
		}, 5*time.Second, 50*time.Millisecond).Should(ContainElement(HaveField("Message", "Tell me more")))
	})

	It("should send earlier turns as history", func() {
		_, err := client.SendMessage(ctx, sessionID, "hello, world")
		Expect(err).NotTo(HaveOccurred())
		second, err := client.SendMessage(ctx, sessionID, "what is 2+2?")
		Expect(err).NotTo(HaveOccurred())
		Expect(markdown(second.Response)).To(ContainSubstring("4"))

		var last testutil.MockRequest
		for _, r := range mockLLM.Requests() {
			if r.LastPrompt == "what is 2+2?" {
				last = r
			}
		}
		Expect(last.Stream).To(BeTrue())
		messages, ok := last.Body["messages"].([]any)
		Expect(ok).To(BeTrue())
		Expect(len(messages)).To(BeNumerically(">=", 3))
	})

	It("should reject an empty message", func() {
		_, err := client.SendMessage(ctx, sessionID, "   ")
		var apiErr *testutil.APIError
		Expect(errors.As(err, &apiErr)).To(BeTrue())
		Expect(apiErr.StatusCode).To(Equal(http.StatusBadRequest))
	})

	It("should block turns behind a checkpoint and remove turns", func() {
		first, err := client.SendMessage(ctx, sessionID, "hello, world")
		Expect(err).NotTo(HaveOccurred())
		second, err := client.SendMessage(ctx, sessionID, "2 + 2")
		Expect(err).NotTo(HaveOccurred())

		cp, err := client.SetCheckpoint(ctx, sessionID, second.TurnID)
		Expect(err).NotTo(HaveOccurred())
		Expect(cp.Checkpoint).To(Equal(second.TurnID))
		Expect(cp.TurnIDs).To(ConsistOf(second.TurnID))

		cp, err = client.SetCheckpoint(ctx, sessionID, "")
		Expect(err).NotTo(HaveOccurred())
		Expect(cp.TurnIDs).To(BeEmpty())

		Expect(client.RemoveTurn(ctx, sessionID, first.TurnID)).To(Succeed())
		s, err := client.GetSession(ctx, sessionID)
		Expect(err).NotTo(HaveOccurred())
		Expect(s.Turns).To(HaveLen(1))
		Expect(s.Turns[0].ID).To(Equal(second.TurnID))
	})

	It("should resend a turn as the next attempt", func() {
		first, err := client.SendMessage(ctx, sessionID, "2+2")
		Expect(err).NotTo(HaveOccurred())

		again, err := client.Resend(ctx, sessionID, first.TurnID)
		Expect(err).NotTo(HaveOccurred())
		Expect(again.TurnID).NotTo(Equal(first.TurnID))
		Expect(markdown(again.Response)).To(ContainSubstring("4"))

		s, err := client.GetSession(ctx, sessionID)
		Expect(err).NotTo(HaveOccurred())
		Expect(s.Turns).To(HaveLen(1))
		Expect(s.Turns[0].Attempt).To(Equal(1))
	})
})

var _ = Describe("Cancellation", func() {
	var (
		slowLLM    *testutil.MockLLMServer
		slowServer *testutil.TestServer
		slow       *testutil.TestClient
	)

	BeforeEach(func() {
		config := testutil.DefaultMockLLMConfig()
		config.Settings.ChunkDelayMS = 200
		slowLLM = testutil.NewMockLLMServerWithConfig(config)

		var err error
		slowServer, err = testutil.StartTestServer(testutil.WithMockLLM(slowLLM.URL()))
		Expect(err).NotTo(HaveOccurred())
		slow = slowServer.Client()
	})

	AfterEach(func() {
		slowServer.Stop()
		slowLLM.Close()
	})

	It("should cancel a pending response and refuse a second request meanwhile", func() {
		session, err := slow.CreateSession(ctx, "")
		Expect(err).NotTo(HaveOccurred())

		started, err := slow.StartMessage(ctx, session.SessionID, "count slowly to ten")
		Expect(err).NotTo(HaveOccurred())
		Expect(started.State).To(Equal("pending"))

		_, err = slow.StartMessage(ctx, session.SessionID, "hello")
		var apiErr *testutil.APIError
		Expect(errors.As(err, &apiErr)).To(BeTrue())
		Expect(apiErr.StatusCode).To(Equal(http.StatusConflict))

		cancelled, err := slow.Abort(ctx, session.SessionID)
		Expect(err).NotTo(HaveOccurred())
		Expect(cancelled).To(BeTrue())

		Eventually(func() types.ResponseState {
			s, err := slow.GetSession(ctx, session.SessionID)
			if err != nil || len(s.Turns) != 1 || s.Turns[0].Response == nil {
				return types.ResponsePending
			}
			return s.Turns[0].Response.State
		}, 2*time.Second, 20*time.Millisecond).Should(Equal(types.ResponseCancelled))

		cancelled, err = slow.Abort(ctx, session.SessionID)
		Expect(err).NotTo(HaveOccurred())
		Expect(cancelled).To(BeFalse())
	})
})
