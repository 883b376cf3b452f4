package proxy

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
	"go.uber.org/zap"
)

type recordedCall struct {
	Method      string
	Path        string
	RawPath     string
	Secret      string
	ContentType string
	Body        string
}

type fakeBackend struct {
	server *httptest.Server

	mu     sync.Mutex
	calls  []recordedCall
	status int
	body   string
	delay  time.Duration
}

func newFakeBackend() *fakeBackend {
	b := &fakeBackend{status: http.StatusOK, body: `{"status":"ok","track":"Song"}`}
	b.server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		raw, _ := io.ReadAll(r.Body)
		b.mu.Lock()
		b.calls = append(b.calls, recordedCall{
			Method:      r.Method,
			Path:        r.URL.Path,
			RawPath:     r.URL.EscapedPath(),
			Secret:      r.Header.Get(SecretHeader),
			ContentType: r.Header.Get("Content-Type"),
			Body:        string(raw),
		})
		status, body, delay := b.status, b.body, b.delay
		b.mu.Unlock()

		if delay > 0 {
			select {
			case <-time.After(delay):
			case <-r.Context().Done():
				return
			}
		}
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(status)
		_, _ = io.WriteString(w, body)
	}))
	return b
}

func (b *fakeBackend) Respond(status int, body string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.status = status
	b.body = body
}

func (b *fakeBackend) Delay(d time.Duration) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.delay = d
}

func (b *fakeBackend) Calls() []recordedCall {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]recordedCall(nil), b.calls...)
}

func decodeFailure(body []byte) Failure {
	var f Failure
	ExpectWithOffset(1, json.Unmarshal(body, &f)).To(Succeed())
	return f
}

var _ = Describe("Forwarder", func() {
	var (
		backend *fakeBackend
		fwd     *Forwarder
		opts    Options
	)

	BeforeEach(func() {
		backend = newFakeBackend()
		DeferCleanup(backend.server.Close)
		opts = Options{BackendURL: backend.server.URL, Secret: "s3cret", Timeout: time.Second}
	})

	JustBeforeEach(func() {
		var err error
		fwd, err = NewForwarder(opts, backend.server.Client(), zap.NewNop())
		Expect(err).NotTo(HaveOccurred())
	})

	It("issues exactly one POST with the secret and the verbatim body", func() {
		res, err := fwd.Forward(context.Background(), "skip", []byte(`{"guild":"1"}`))
		Expect(err).NotTo(HaveOccurred())
		Expect(res.Status).To(Equal(http.StatusOK))
		Expect(string(res.Body)).To(Equal(`{"status":"ok","track":"Song"}`))

		calls := backend.Calls()
		Expect(calls).To(HaveLen(1))
		Expect(calls[0].Method).To(Equal(http.MethodPost))
		Expect(calls[0].Path).To(Equal("/forward_to_bot/skip"))
		Expect(calls[0].Secret).To(Equal("s3cret"))
		Expect(calls[0].ContentType).To(Equal("application/json"))
		Expect(calls[0].Body).To(Equal(`{"guild":"1"}`))
	})

	It("sends an empty payload as an empty object", func() {
		_, err := fwd.Forward(context.Background(), "pause", nil)
		Expect(err).NotTo(HaveOccurred())
		Expect(backend.Calls()[0].Body).To(Equal("{}"))
	})

	It("path-escapes the action segment", func() {
		_, err := fwd.Forward(context.Background(), "play next/now", []byte(`{}`))
		Expect(err).NotTo(HaveOccurred())
		Expect(backend.Calls()[0].RawPath).To(Equal("/forward_to_bot/play%20next%2Fnow"))
	})

	It("passes backend error statuses through with their JSON body", func() {
		backend.Respond(http.StatusConflict, `{"error":"queue empty"}`)

		res, err := fwd.Forward(context.Background(), "skip", []byte(`{}`))
		Expect(err).NotTo(HaveOccurred())
		Expect(res.Status).To(Equal(http.StatusConflict))
		Expect(string(res.Body)).To(Equal(`{"error":"queue empty"}`))
	})

	It("reports a non-JSON backend body as a failure", func() {
		backend.Respond(http.StatusOK, "<html>bad gateway</html>")

		res, err := fwd.Forward(context.Background(), "skip", []byte(`{}`))
		Expect(errors.Is(err, ErrForwardingFailed)).To(BeTrue())
		Expect(res.Status).To(Equal(http.StatusInternalServerError))
		Expect(decodeFailure(res.Body).Status).To(Equal("failed"))
	})

	It("reports a timeout as a failure", func() {
		backend.Delay(2 * time.Second)
		opts.Timeout = 50 * time.Millisecond
		var err error
		fwd, err = NewForwarder(opts, backend.server.Client(), zap.NewNop())
		Expect(err).NotTo(HaveOccurred())

		res, err := fwd.Forward(context.Background(), "skip", []byte(`{}`))
		Expect(errors.Is(err, ErrForwardingFailed)).To(BeTrue())
		Expect(res.Status).To(Equal(http.StatusInternalServerError))
		f := decodeFailure(res.Body)
		Expect(f.Status).To(Equal("failed"))
		Expect(f.Error).To(Equal("backend timed out"))
	})

	Context("when the backend is unreachable", func() {
		BeforeEach(func() {
			backend.server.Close()
		})

		It("returns 500 with the failure envelope", func() {
			res, err := fwd.Forward(context.Background(), "skip", []byte(`{}`))
			Expect(errors.Is(err, ErrForwardingFailed)).To(BeTrue())
			Expect(res.Status).To(Equal(http.StatusInternalServerError))
			f := decodeFailure(res.Body)
			Expect(f.Status).To(Equal("failed"))
			Expect(f.Error).NotTo(BeEmpty())
		})
	})

	Context("when the backend redirects", func() {
		var (
			elsewhere *httptest.Server
			mu        sync.Mutex
			leaked    []string
		)

		BeforeEach(func() {
			mu.Lock()
			leaked = nil
			mu.Unlock()
			elsewhere = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				mu.Lock()
				leaked = append(leaked, r.Header.Get(SecretHeader))
				mu.Unlock()
				w.Header().Set("Content-Type", "application/json")
				_, _ = io.WriteString(w, `{"status":"ok"}`)
			}))
			DeferCleanup(elsewhere.Close)

			redirector := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				http.Redirect(w, r, elsewhere.URL+"/collect", http.StatusTemporaryRedirect)
			}))
			DeferCleanup(redirector.Close)
			opts.BackendURL = redirector.URL
		})

		JustBeforeEach(func() {
			var err error
			fwd, err = NewForwarder(opts, nil, zap.NewNop())
			Expect(err).NotTo(HaveOccurred())
		})

		It("does not follow the redirect or leak the secret", func() {
			res, err := fwd.Forward(context.Background(), "skip", []byte(`{}`))
			Expect(errors.Is(err, ErrForwardingFailed)).To(BeTrue())
			Expect(res.Status).To(Equal(http.StatusInternalServerError))
			Expect(decodeFailure(res.Body).Error).To(Equal("backend redirected"))

			mu.Lock()
			defer mu.Unlock()
			Expect(leaked).To(BeEmpty())
		})
	})

	Context("with an action allow-list", func() {
		BeforeEach(func() {
			opts.AllowedActions = []string{"skip", "pause"}
		})

		It("forwards listed actions", func() {
			_, err := fwd.Forward(context.Background(), "skip", nil)
			Expect(err).NotTo(HaveOccurred())
			Expect(backend.Calls()).To(HaveLen(1))
		})

		It("rejects other actions without calling the backend", func() {
			res, err := fwd.Forward(context.Background(), "shutdown", nil)
			Expect(errors.Is(err, ErrActionNotAllowed)).To(BeTrue())
			Expect(res.Status).To(Equal(http.StatusNotFound))
			Expect(backend.Calls()).To(BeEmpty())
		})
	})

	Describe("ServeHTTP", func() {
		var mux *http.ServeMux

		JustBeforeEach(func() {
			mux = http.NewServeMux()
			mux.Handle("POST /control/{action}", fwd)
		})

		It("relays the caller body and ignores a caller-supplied secret", func() {
			req := httptest.NewRequest(http.MethodPost, "/control/volume", strings.NewReader(`{"level":50}`))
			req.Header.Set(SecretHeader, "forged")
			rr := httptest.NewRecorder()
			mux.ServeHTTP(rr, req)

			Expect(rr.Code).To(Equal(http.StatusOK))
			Expect(rr.Header().Get("Content-Type")).To(Equal("application/json"))
			Expect(rr.Body.String()).To(Equal(`{"status":"ok","track":"Song"}`))

			calls := backend.Calls()
			Expect(calls).To(HaveLen(1))
			Expect(calls[0].Path).To(Equal("/forward_to_bot/volume"))
			Expect(calls[0].Secret).To(Equal("s3cret"))
			Expect(calls[0].Body).To(Equal(`{"level":50}`))
		})

		It("answers 413 when the caller body exceeds the read limit", func() {
			big := strings.NewReader(`{"pad":"` + strings.Repeat("x", 2048) + `"}`)
			req := httptest.NewRequest(http.MethodPost, "/control/skip", nil)
			rr := httptest.NewRecorder()
			req.Body = http.MaxBytesReader(rr, io.NopCloser(big), 1024)
			mux.ServeHTTP(rr, req)

			Expect(rr.Code).To(Equal(http.StatusRequestEntityTooLarge))
			Expect(decodeFailure(rr.Body.Bytes()).Status).To(Equal("failed"))
			Expect(backend.Calls()).To(BeEmpty())
		})

		It("rejects invalid JSON with 400 and no backend call", func() {
			req := httptest.NewRequest(http.MethodPost, "/control/skip", strings.NewReader(`{not json`))
			rr := httptest.NewRecorder()
			mux.ServeHTTP(rr, req)

			Expect(rr.Code).To(Equal(http.StatusBadRequest))
			Expect(decodeFailure(rr.Body.Bytes()).Status).To(Equal("failed"))
			Expect(backend.Calls()).To(BeEmpty())
		})
	})

	It("refuses construction without a backend or secret", func() {
		_, err := NewForwarder(Options{Secret: "x"}, nil, nil)
		Expect(err).To(HaveOccurred())
		_, err = NewForwarder(Options{BackendURL: "ftp://backend"}, nil, nil)
		Expect(err).To(HaveOccurred())
		_, err = NewForwarder(Options{BackendURL: "http://backend"}, nil, nil)
		Expect(err).To(HaveOccurred())
	})
})

var _ = Describe("BotAuthenticator", func() {
	It("accepts only the exact secret", func() {
		bots := NewBotAuthenticator("s3cret")

		req := httptest.NewRequest(http.MethodGet, "/ws/nowplaying", nil)
		Expect(bots.IsBot(req)).To(BeFalse())

		req.Header.Set(SecretHeader, "s3cre")
		Expect(bots.IsBot(req)).To(BeFalse())

		req.Header.Set(SecretHeader, "s3cret")
		Expect(bots.IsBot(req)).To(BeTrue())
	})

	It("authenticates nobody when the secret is empty", func() {
		bots := NewBotAuthenticator("")
		req := httptest.NewRequest(http.MethodGet, "/", nil)
		req.Header.Set(SecretHeader, "")
		Expect(bots.IsBot(req)).To(BeFalse())
	})
})
