package e2e_test

import (
	"errors"
	"net/http"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/opencode-ai/sessioncore/citest/testutil"
)

var _ = Describe("Session Management", func() {
	Describe("POST /session", func() {
		It("should start a live, empty session", func() {
			session, err := client.CreateSession(ctx, "")
			Expect(err).NotTo(HaveOccurred())
			Expect(session.SessionID).NotTo(BeEmpty())
			Expect(session.Turns).To(BeEmpty())

			entries, err := client.ListSessions(ctx)
			Expect(err).NotTo(HaveOccurred())
			var found bool
			for _, e := range entries {
				if e.SessionID == session.SessionID {
					found = true
					Expect(e.Live).To(BeTrue())
					Expect(e.IsEmpty).To(BeTrue())
				}
			}
			Expect(found).To(BeTrue())
		})

		It("should keep a title given at creation", func() {
			session, err := client.CreateSession(ctx, "Named up front")
			Expect(err).NotTo(HaveOccurred())
			Expect(session.CustomTitle).NotTo(BeNil())
			Expect(*session.CustomTitle).To(Equal("Named up front"))
		})
	})

	Describe("GET /session/{id}", func() {
		It("should return 404 for an unknown session", func() {
			_, err := client.GetSession(ctx, "no-such-session")
			var apiErr *testutil.APIError
			Expect(errors.As(err, &apiErr)).To(BeTrue())
			Expect(apiErr.StatusCode).To(Equal(http.StatusNotFound))
			Expect(apiErr.Code).To(Equal("NOT_FOUND"))
		})
	})

	Describe("PATCH /session/{id}", func() {
		It("should rename a session", func() {
			session, err := client.CreateSession(ctx, "")
			Expect(err).NotTo(HaveOccurred())

			Expect(client.RenameSession(ctx, session.SessionID, "Renamed")).To(Succeed())

			got, err := client.GetSession(ctx, session.SessionID)
			Expect(err).NotTo(HaveOccurred())
			Expect(got.CustomTitle).NotTo(BeNil())
			Expect(*got.CustomTitle).To(Equal("Renamed"))
		})
	})

	Describe("DELETE /session/{id}", func() {
		It("should drop an empty live session", func() {
			session, err := client.CreateSession(ctx, "")
			Expect(err).NotTo(HaveOccurred())

			Expect(client.DeleteSession(ctx, session.SessionID)).To(Succeed())

			_, err = client.GetSession(ctx, session.SessionID)
			Expect(err).To(HaveOccurred())
		})

		It("should store a session with turns and then delete it", func() {
			session, err := client.CreateSession(ctx, "")
			Expect(err).NotTo(HaveOccurred())
			_, err = client.SendMessage(ctx, session.SessionID, "hello, world")
			Expect(err).NotTo(HaveOccurred())

			// the first delete stores and disposes the live session
			Expect(client.DeleteSession(ctx, session.SessionID)).To(Succeed())
			stored, err := client.GetSession(ctx, session.SessionID)
			Expect(err).NotTo(HaveOccurred())
			Expect(stored.Turns).To(HaveLen(1))

			// the second removes it from the store
			Expect(client.DeleteSession(ctx, session.SessionID)).To(Succeed())
			_, err = client.GetSession(ctx, session.SessionID)
			Expect(err).To(HaveOccurred())
		})
	})
})
