package server_test

import (
	"fmt"
	"time"

	. "github.com/onsi/ginkgo"
	. "github.com/onsi/gomega"
	"github.com/tidwall/sjson"

	"github.com/luma/hiqbridge/server"
)

const secret = "a_test_secret_that_is_at_least_32_characters"

// signed returns the auth message for data
func signed(auth *server.Authenticator, data string) []byte {
	msg, err := sjson.SetBytes([]byte(`{}`), "data", data)
	Expect(err).To(Succeed())
	msg, err = sjson.SetBytes(msg, "hash", auth.Sign(data))
	Expect(err).To(Succeed())
	return msg
}

func tokenData(user string, at time.Time, extra string) string {
	return fmt.Sprintf(`{"username":%q,"time":%d%s}`, user, at.UnixMilli(), extra)
}

var _ = Describe("Authenticator", func() {
	var (
		auth *server.Authenticator
		now  time.Time
	)

	BeforeEach(func() {
		now = time.Unix(1700000000, 0)
		auth = server.NewAuthenticator(server.AuthOptions{
			Secret: secret,
			Now:    func() time.Time { return now },
		})
	})

	It("accepts a signed token", func() {
		token, err := auth.Verify(signed(auth, tokenData("alice", now, `,"admin":true,"options":{"statusonly":true}`)))
		Expect(err).To(Succeed())

		Expect(token.User).To(Equal("alice"))
		Expect(token.Admin).To(BeTrue())
		Expect(token.Options).To(HaveKeyWithValue("statusonly", true))
		Expect(token.Time).To(BeTemporally("==", now))
	})

	It("defaults to a regular user without options", func() {
		token, err := auth.Verify(signed(auth, tokenData("bob", now, "")))
		Expect(err).To(Succeed())
		Expect(token.Admin).To(BeFalse())
		Expect(token.Options).To(BeEmpty())
	})

	It("refuses a token signed with another secret", func() {
		other := server.NewAuthenticator(server.AuthOptions{Secret: "another_secret_that_is_32_chars_long"})

		_, err := auth.Verify(signed(other, tokenData("alice", now, "")))
		Expect(err).To(MatchError(server.ErrInvalidToken))
	})

	It("refuses malformed tokens", func() {
		for _, msg := range []string{
			`not json`,
			`{"data":"x"}`,
			`{"data":1,"hash":"00"}`,
			`{"data":"{}","hash":"zz"}`,
		} {
			_, err := auth.Verify([]byte(msg))
			Expect(err).To(MatchError(server.ErrInvalidToken), msg)
		}
	})

	It("refuses token data without a username or an integer time", func() {
		for _, data := range []string{
			fmt.Sprintf(`{"time":%d}`, now.UnixMilli()),
			fmt.Sprintf(`{"username":1,"time":%d}`, now.UnixMilli()),
			`{"username":"alice","time":"now"}`,
			`{"username":"alice","time":1.5}`,
		} {
			_, err := auth.Verify(signed(auth, data))
			Expect(err).To(MatchError(server.ErrInvalidToken), data)
		}
	})

	It("only accepts tokens within ten minutes", func() {
		_, err := auth.Verify(signed(auth, tokenData("alice", now.Add(-9*time.Minute), "")))
		Expect(err).To(Succeed())

		_, err = auth.Verify(signed(auth, tokenData("alice", now.Add(9*time.Minute), "")))
		Expect(err).To(Succeed())

		_, err = auth.Verify(signed(auth, tokenData("alice", now.Add(-10*time.Minute), "")))
		Expect(err).To(MatchError(server.ErrTokenExpired))

		_, err = auth.Verify(signed(auth, tokenData("alice", now.Add(11*time.Minute), "")))
		Expect(err).To(MatchError(server.ErrTokenExpired))
	})

	It("refuses a replayed token", func() {
		msg := signed(auth, tokenData("alice", now, ""))

		_, err := auth.Verify(msg)
		Expect(err).To(Succeed())

		_, err = auth.Verify(msg)
		Expect(err).To(MatchError(server.ErrTokenReplay))
	})

	It("forgets tokens once they expired", func() {
		_, err := auth.Verify(signed(auth, tokenData("alice", now, "")))
		Expect(err).To(Succeed())
		Expect(auth.Remembered()).To(Equal(1))

		now = now.Add(time.Hour)
		auth.Prune()
		Expect(auth.Remembered()).To(BeZero())
	})

	It("refuses new tokens when the replay cache is full", func() {
		auth = server.NewAuthenticator(server.AuthOptions{
			Secret:     secret,
			MaxEntries: 2,
			Now:        func() time.Time { return now },
		})

		for _, user := range []string{"a", "b"} {
			_, err := auth.Verify(signed(auth, tokenData(user, now, "")))
			Expect(err).To(Succeed())
		}

		_, err := auth.Verify(signed(auth, tokenData("c", now, "")))
		Expect(err).To(MatchError(server.ErrReplayFull))

		// room again once the old ones expired
		now = now.Add(30 * time.Minute)
		_, err = auth.Verify(signed(auth, tokenData("c", now, "")))
		Expect(err).To(Succeed())
	})
})
