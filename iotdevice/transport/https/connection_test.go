package https

import (
	"context"
	"crypto/tls"
	"errors"
	"io"
	"net/http"
	"os"
	"strings"
	"testing/iotest"

	"github.com/bluesea251610e/iothub-sdk/iotdevice/transport"
	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
)

type trackingBody struct {
	r      io.Reader
	closes int
}

func (b *trackingBody) Read(p []byte) (int, error) {
	return b.r.Read(p)
}

func (b *trackingBody) Close() error {
	b.closes++
	return nil
}

var _ = Describe("Connection", func() {
	ctx := context.Background()

	Context("Creation", func() {
		It("rejects a scheme other than https before any network activity", func() {
			_, err := NewConnection("unix://var/run/hub.sock", MethodGet, nil)
			Expect(err).To(MatchError(ErrInvalidArgument))
		})

		It("rejects plain http unless explicitly allowed", func() {
			_, err := NewConnection("http://hub.example.net/devices", MethodGet, nil)
			Expect(err).To(MatchError(ErrInvalidArgument))

			_, err = newConnection("http://hub.example.net/devices", MethodGet, nil, false)
			Expect(err).ToNot(HaveOccurred())
		})

		It("rejects unsupported methods and hostless urls", func() {
			_, err := NewConnection("https://hub.example.net", Method("TRACE"), nil)
			Expect(err).To(MatchError(ErrInvalidArgument))

			_, err = NewConnection("https:///path", MethodGet, nil)
			Expect(err).To(MatchError(ErrInvalidArgument))
		})
	})

	Context("Staging", func() {
		var conn *Connection

		BeforeEach(func() {
			var err error
			conn, err = NewConnection("https://hub.example.net/devices/dev1", MethodPost, nil)
			Expect(err).ToNot(HaveOccurred())
		})

		It("refuses to switch to a method that cannot carry the staged body", func() {
			Expect(conn.WriteOutput([]byte("payload"))).To(Succeed())
			Expect(conn.SetRequestMethod(MethodGet)).To(MatchError(ErrInvalidArgument))
			Expect(conn.SetRequestMethod(MethodPut)).To(Succeed())
		})

		It("refuses a body for methods that cannot carry one", func() {
			Expect(conn.SetRequestMethod(MethodDelete)).To(Succeed())
			Expect(conn.WriteOutput([]byte("payload"))).To(MatchError(ErrInvalidArgument))
			Expect(conn.WriteOutput(nil)).To(Succeed())
		})

		It("refuses a nil tls config", func() {
			Expect(conn.SetTLSConfig(nil)).To(MatchError(ErrInvalidArgument))
			Expect(conn.SetTLSConfig(&tls.Config{})).To(Succeed())
		})

		It("refuses a tls config on a plain http connection", func() {
			plain, err := newConnection("http://127.0.0.1/", MethodGet, nil, false)
			Expect(err).ToNot(HaveOccurred())
			Expect(plain.SetTLSConfig(&tls.Config{})).To(MatchError(ErrInvalidArgument))
		})

		It("has no response before connecting", func() {
			_, err := conn.ResponseStatus()
			Expect(err).To(MatchError(ErrNotConnected))
			_, err = conn.ResponseHeaders()
			Expect(err).To(MatchError(ErrNotConnected))
			_, err = conn.ReadInput()
			Expect(err).To(MatchError(ErrNotConnected))
			_, err = conn.ReadError()
			Expect(err).To(MatchError(ErrNotConnected))
		})

		It("routes through explicit proxy settings", func() {
			proxied, err := NewConnection("https://hub.example.net/", MethodGet, &transport.ProxySettings{
				Address:  "proxy.local:3128",
				Username: "user",
				Password: "secret",
			})
			Expect(err).ToNot(HaveOccurred())

			fn, err := proxied.proxyFunc()
			Expect(err).ToNot(HaveOccurred())
			req, _ := http.NewRequest(http.MethodGet, "https://hub.example.net/", nil)
			u, err := fn(req)
			Expect(err).ToNot(HaveOccurred())
			Expect(u.Host).To(Equal("proxy.local:3128"))
			Expect(u.User.Username()).To(Equal("user"))
		})
	})

	Context("Reading", func() {
		It("closes the body exactly once when reading fails midway", func() {
			body := &trackingBody{r: io.MultiReader(
				strings.NewReader("partial"),
				iotest.ErrReader(errors.New("connection reset")),
			)}
			conn := &Connection{resp: &http.Response{StatusCode: http.StatusOK, Body: body}}

			_, err := conn.ReadInput()
			Expect(err).To(HaveOccurred())
			Expect(body.closes).To(Equal(1))

			Expect(conn.Close()).To(Succeed())
			Expect(body.closes).To(Equal(1))
		})

		It("closes the error body exactly once when reading fails midway", func() {
			body := &trackingBody{r: iotest.ErrReader(errors.New("connection reset"))}
			conn := &Connection{resp: &http.Response{StatusCode: http.StatusNotFound, Status: "404 Not Found", Body: body}}

			_, err := conn.ReadInput()
			Expect(err).To(MatchError(ErrHTTPErrorStatus))
			Expect(body.closes).To(Equal(0))

			_, err = conn.ReadError()
			Expect(err).To(HaveOccurred())
			Expect(body.closes).To(Equal(1))
		})

		It("closes the body after a successful read", func() {
			body := &trackingBody{r: strings.NewReader("payload")}
			conn := &Connection{resp: &http.Response{StatusCode: http.StatusOK, Body: body}}

			b, err := conn.ReadInput()
			Expect(err).ToNot(HaveOccurred())
			Expect(string(b)).To(Equal("payload"))
			Expect(body.closes).To(Equal(1))

			reason, err := conn.ReadError()
			Expect(err).ToNot(HaveOccurred())
			Expect(reason).To(BeEmpty())
		})
	})

	Context("Connecting", func() {
		var server *MockServer

		AfterEach(func() {
			if server != nil {
				server.Close()
				server = nil
			}
		})

		It("sends the staged request and exposes the response", func() {
			server = NewMockServer(func(w http.ResponseWriter, r *http.Request) {
				b, _ := io.ReadAll(r.Body)
				if r.Method != http.MethodPost || string(b) != "ping" || r.Header.Get("iothub-to") != "/devices/dev1" {
					w.WriteHeader(http.StatusBadRequest)
					return
				}
				w.Header().Add("X-Multi", "a")
				w.Header().Add("X-Multi", "b")
				w.WriteHeader(http.StatusOK)
				w.Write([]byte("pong"))
			})

			conn, err := NewConnection(server.URL+"/devices/dev1", MethodPost, nil)
			Expect(err).ToNot(HaveOccurred())
			Expect(conn.SetRequestHeader("iothub-to", "/devices/dev1")).To(Succeed())
			Expect(conn.SetTLSConfig(server.TLSConfig)).To(Succeed())
			Expect(conn.WriteOutput([]byte("ping"))).To(Succeed())
			Expect(conn.Connect(ctx)).To(Succeed())

			status, err := conn.ResponseStatus()
			Expect(err).ToNot(HaveOccurred())
			Expect(status).To(Equal(http.StatusOK))

			headers, err := conn.ResponseHeaders()
			Expect(err).ToNot(HaveOccurred())
			Expect(headers).To(HaveKeyWithValue("x-multi", "a,b"))

			body, err := conn.ReadInput()
			Expect(err).ToNot(HaveOccurred())
			Expect(string(body)).To(Equal("pong"))
		})

		It("refuses changes once connected", func() {
			server = NewMockServer(func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(http.StatusNoContent)
			})

			conn, err := NewConnection(server.URL, MethodGet, nil)
			Expect(err).ToNot(HaveOccurred())
			Expect(conn.SetTLSConfig(server.TLSConfig)).To(Succeed())
			Expect(conn.Connect(ctx)).To(Succeed())
			defer conn.Close()

			Expect(conn.SetRequestHeader("a", "b")).To(MatchError(ErrAlreadyConnected))
			Expect(conn.SetRequestMethod(MethodPost)).To(MatchError(ErrAlreadyConnected))
			Expect(conn.WriteOutput(nil)).To(MatchError(ErrAlreadyConnected))
			Expect(conn.SetReadTimeout(0)).To(MatchError(ErrAlreadyConnected))
			Expect(conn.Connect(ctx)).To(MatchError(ErrAlreadyConnected))
		})

		It("reads the error body of failed requests", func() {
			server = NewMockServer(func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(http.StatusUnauthorized)
				w.Write([]byte("bad token"))
			})

			conn, err := NewConnection(server.URL, MethodGet, nil)
			Expect(err).ToNot(HaveOccurred())
			Expect(conn.SetTLSConfig(server.TLSConfig)).To(Succeed())
			Expect(conn.Connect(ctx)).To(Succeed())

			_, err = conn.ReadInput()
			Expect(err).To(MatchError(ErrHTTPErrorStatus))
			reason, err := conn.ReadError()
			Expect(err).ToNot(HaveOccurred())
			Expect(string(reason)).To(Equal("bad token"))
		})

		It("marks name resolution failures as retryable", func() {
			for _, name := range []string{"HTTPS_PROXY", "https_proxy"} {
				if v, ok := os.LookupEnv(name); ok {
					os.Unsetenv(name)
					DeferCleanup(os.Setenv, name, v)
				}
			}

			conn, err := NewConnection("https://hub.does-not-exist.invalid/", MethodGet, nil)
			Expect(err).ToNot(HaveOccurred())

			err = conn.Connect(ctx)
			var te *transport.Error
			Expect(errors.As(err, &te)).To(BeTrue())
			Expect(te.Retryable).To(BeTrue())
		})

		It("does not mark refused connections as retryable", func() {
			server = NewMockServer(func(w http.ResponseWriter, r *http.Request) {})
			url := server.URL
			server.Close()
			server = nil

			conn, err := NewConnection(url, MethodGet, nil)
			Expect(err).ToNot(HaveOccurred())

			err = conn.Connect(ctx)
			Expect(err).To(HaveOccurred())
			Expect(transport.IsRetryable(err)).To(BeFalse())
		})
	})
})
