package https

import (
	"context"
	"io"
	"net/http"
	"sync/atomic"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
)

var _ = Describe("Request", func() {
	ctx := context.Background()

	It("renders headers in the order they were first set", func() {
		req := NewRequest("https://hub.example.net/devices/dev1", MethodPost, []byte("body"), "agent/1.0")
		req.SetHeaderField("iothub-to", "/devices/dev1").
			SetHeaderField("content-type", "binary/octet-stream").
			SetHeaderField("iothub-to", "/devices/dev2")

		Expect(req.RequestHeaders()).To(Equal(
			"User-Agent: agent/1.0\r\n" +
				"iothub-to: /devices/dev2\r\n" +
				"content-type: binary/octet-stream\r\n"))
		Expect(req.Method()).To(Equal(MethodPost))
		Expect(req.URL()).To(Equal("https://hub.example.net/devices/dev1"))
		Expect(req.Body()).To(Equal([]byte("body")))
	})

	Context("Sending", func() {
		var server *MockServer

		AfterEach(func() {
			server.Close()
		})

		It("sends headers, body and user agent", func() {
			var got *http.Request
			var body []byte
			server = NewMockServer(func(w http.ResponseWriter, r *http.Request) {
				got = r
				body, _ = io.ReadAll(r.Body)
				w.Header().Set("ETag", `"abc"`)
				w.WriteHeader(http.StatusOK)
				w.Write([]byte("ok"))
			})

			resp, err := NewRequest(server.URL+"/x", MethodPost, []byte("payload"), "agent/1.0").
				SetHeaderField("iothub-app-color", "blue").
				SetTLSConfig(server.TLSConfig).
				Send(ctx)
			Expect(err).ToNot(HaveOccurred())
			Expect(got.Method).To(Equal(http.MethodPost))
			Expect(got.UserAgent()).To(Equal("agent/1.0"))
			Expect(got.Header.Get("iothub-app-color")).To(Equal("blue"))
			Expect(string(body)).To(Equal("payload"))

			Expect(resp.Status()).To(Equal(http.StatusOK))
			Expect(string(resp.Body())).To(Equal("ok"))
			Expect(resp.HeaderField("etag")).To(Equal(`"abc"`))
			Expect(resp.HeaderField("ETAG")).To(Equal(`"abc"`))
			Expect(resp.ErrorReason()).To(BeEmpty())
		})

		It("never sends a body with GET or DELETE", func() {
			var lengths []int64
			server = NewMockServer(func(w http.ResponseWriter, r *http.Request) {
				b, _ := io.ReadAll(r.Body)
				lengths = append(lengths, int64(len(b)))
				w.WriteHeader(http.StatusNoContent)
			})

			for _, m := range []Method{MethodGet, MethodDelete} {
				resp, err := NewRequest(server.URL, m, []byte("ignored"), "agent").
					SetTLSConfig(server.TLSConfig).
					Send(ctx)
				Expect(err).ToNot(HaveOccurred())
				Expect(resp.Status()).To(Equal(http.StatusNoContent))
			}
			Expect(lengths).To(Equal([]int64{0, 0}))
		})

		It("can be sent more than once", func() {
			var hits int32
			server = NewMockServer(func(w http.ResponseWriter, r *http.Request) {
				atomic.AddInt32(&hits, 1)
				w.WriteHeader(http.StatusNoContent)
			})

			req := NewRequest(server.URL, MethodGet, nil, "agent").SetTLSConfig(server.TLSConfig)
			_, err := req.Send(ctx)
			Expect(err).ToNot(HaveOccurred())
			_, err = req.Send(ctx)
			Expect(err).ToNot(HaveOccurred())
			Expect(atomic.LoadInt32(&hits)).To(Equal(int32(2)))
		})

		It("bounds a stalled response body by the read timeout", func() {
			server = NewMockServer(func(w http.ResponseWriter, r *http.Request) {
				w.Header().Set("Content-Length", "10")
				w.WriteHeader(http.StatusOK)
				w.Write([]byte("abc"))
				w.(http.Flusher).Flush()
				select {
				case <-r.Context().Done():
				case <-time.After(5 * time.Second):
				}
			})

			start := time.Now()
			_, err := NewRequest(server.URL, MethodGet, nil, "agent").
				SetTLSConfig(server.TLSConfig).
				SetReadTimeout(300 * time.Millisecond).
				Send(ctx)
			Expect(err).To(HaveOccurred())
			Expect(time.Since(start)).To(BeNumerically("<", 2*time.Second))
		})

		It("keeps the error body apart from the body", func() {
			server = NewMockServer(func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(http.StatusTooManyRequests)
				w.Write([]byte("slow down"))
			})

			resp, err := NewRequest(server.URL, MethodGet, nil, "agent").
				SetTLSConfig(server.TLSConfig).
				Send(ctx)
			Expect(err).ToNot(HaveOccurred())
			Expect(resp.Status()).To(Equal(http.StatusTooManyRequests))
			Expect(resp.Body()).To(BeEmpty())
			Expect(string(resp.ErrorReason())).To(Equal("slow down"))
		})
	})

	It("returns copies from a response", func() {
		resp := NewResponse(200, []byte("abc"), map[string]string{"Content-Type": "text/plain"}, nil)
		b := resp.Body()
		b[0] = 'x'
		Expect(string(resp.Body())).To(Equal("abc"))

		h := resp.HeaderFields()
		Expect(h).To(HaveKeyWithValue("content-type", "text/plain"))
		h["content-type"] = "changed"
		Expect(resp.HeaderField("Content-Type")).To(Equal("text/plain"))
	})
})
