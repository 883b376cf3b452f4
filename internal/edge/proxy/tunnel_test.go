package proxy

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
	"go.uber.org/zap"
)

// fakeNowPlaying echoes every message back with its original type. The
// text message "bye" makes it close with status 4001.
type fakeNowPlaying struct {
	server *httptest.Server

	mu      sync.Mutex
	headers []http.Header
	refuse  int
}

func newFakeNowPlaying() *fakeNowPlaying {
	f := &fakeNowPlaying{}
	upgrader := websocket.Upgrader{
		CheckOrigin:  func(*http.Request) bool { return true },
		Subprotocols: []string{"nowplaying.v1"},
	}
	mux := http.NewServeMux()
	mux.HandleFunc("GET /ws/nowplaying", func(w http.ResponseWriter, r *http.Request) {
		f.mu.Lock()
		f.headers = append(f.headers, r.Header.Clone())
		refuse := f.refuse
		f.mu.Unlock()

		if refuse != 0 {
			http.Error(w, "forbidden", refuse)
			return
		}
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		for {
			mt, msg, err := conn.ReadMessage()
			if err != nil {
				return
			}
			if mt == websocket.TextMessage && string(msg) == "bye" {
				_ = conn.WriteControl(websocket.CloseMessage,
					websocket.FormatCloseMessage(4001, "server done"), time.Now().Add(time.Second))
				return
			}
			if err := conn.WriteMessage(mt, msg); err != nil {
				return
			}
		}
	})
	f.server = httptest.NewServer(mux)
	return f
}

func (f *fakeNowPlaying) Refuse(status int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.refuse = status
}

func (f *fakeNowPlaying) Headers() []http.Header {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]http.Header(nil), f.headers...)
}

var _ = Describe("Tunnel", func() {
	var (
		backend *fakeNowPlaying
		opts    Options
		edge    *httptest.Server
		wsURL   string
	)

	BeforeEach(func() {
		backend = newFakeNowPlaying()
		DeferCleanup(backend.server.Close)
		opts = Options{BackendURL: backend.server.URL, Secret: "s3cret", Timeout: time.Second}
	})

	JustBeforeEach(func() {
		tun, err := NewTunnel(opts, zap.NewNop())
		Expect(err).NotTo(HaveOccurred())
		edge = httptest.NewServer(tun)
		DeferCleanup(edge.Close)
		wsURL = "ws" + strings.TrimPrefix(edge.URL, "http") + "/ws/nowplaying"
	})

	dial := func(header http.Header) (*websocket.Conn, *http.Response, error) {
		return websocket.DefaultDialer.Dial(wsURL, header)
	}

	It("rewrites the backend scheme to ws", func() {
		tun, err := NewTunnel(Options{BackendURL: "https://main.example.test/base/", Secret: "x"}, nil)
		Expect(err).NotTo(HaveOccurred())
		Expect(tun.Target()).To(Equal("wss://main.example.test/base/ws/nowplaying"))

		tun, err = NewTunnel(Options{BackendURL: "http://main.example.test", Secret: "x"}, nil)
		Expect(err).NotTo(HaveOccurred())
		Expect(tun.Target()).To(Equal("ws://main.example.test/ws/nowplaying"))
	})

	It("relays text and binary messages both ways", func() {
		conn, _, err := dial(nil)
		Expect(err).NotTo(HaveOccurred())
		defer conn.Close()

		Expect(conn.WriteMessage(websocket.TextMessage, []byte(`{"type":"now_playing"}`))).To(Succeed())
		mt, msg, err := conn.ReadMessage()
		Expect(err).NotTo(HaveOccurred())
		Expect(mt).To(Equal(websocket.TextMessage))
		Expect(string(msg)).To(Equal(`{"type":"now_playing"}`))

		Expect(conn.WriteMessage(websocket.BinaryMessage, []byte{0x01, 0x02})).To(Succeed())
		mt, msg, err = conn.ReadMessage()
		Expect(err).NotTo(HaveOccurred())
		Expect(mt).To(Equal(websocket.BinaryMessage))
		Expect(msg).To(Equal([]byte{0x01, 0x02}))
	})

	It("propagates the backend close status to the caller", func() {
		conn, _, err := dial(nil)
		Expect(err).NotTo(HaveOccurred())
		defer conn.Close()

		Expect(conn.WriteMessage(websocket.TextMessage, []byte("bye"))).To(Succeed())
		_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
		_, _, err = conn.ReadMessage()
		Expect(websocket.IsCloseError(err, 4001)).To(BeTrue(), "got %v", err)
	})

	It("negotiates the backend subprotocol with the caller", func() {
		dialer := websocket.Dialer{Subprotocols: []string{"nowplaying.v1"}}
		conn, _, err := dialer.Dial(wsURL, nil)
		Expect(err).NotTo(HaveOccurred())
		defer conn.Close()
		Expect(conn.Subprotocol()).To(Equal("nowplaying.v1"))
	})

	It("injects the secret for the bot and strips it for everyone else", func() {
		conn, _, err := dial(http.Header{SecretHeader: {"s3cret"}, "X-Client": {"bot"}})
		Expect(err).NotTo(HaveOccurred())
		conn.Close()

		conn, _, err = dial(http.Header{SecretHeader: {"guess"}, "X-Client": {"browser"}})
		Expect(err).NotTo(HaveOccurred())
		conn.Close()

		headers := backend.Headers()
		Expect(headers).To(HaveLen(2))
		Expect(headers[0].Get(SecretHeader)).To(Equal("s3cret"))
		Expect(headers[0].Get("X-Client")).To(Equal("bot"))
		Expect(headers[0].Get("X-Forwarded-For")).NotTo(BeEmpty())
		Expect(headers[1].Get(SecretHeader)).To(BeEmpty())
		Expect(headers[1].Get("X-Client")).To(Equal("browser"))
	})

	It("answers plain HTTP requests with 426", func() {
		resp, err := http.Get(edge.URL + "/ws/nowplaying")
		Expect(err).NotTo(HaveOccurred())
		defer resp.Body.Close()
		Expect(resp.StatusCode).To(Equal(http.StatusUpgradeRequired))
		Expect(backend.Headers()).To(BeEmpty())
	})

	Context("when the backend refuses the upgrade", func() {
		BeforeEach(func() {
			backend.Refuse(http.StatusForbidden)
		})

		It("returns the backend status without upgrading", func() {
			_, resp, err := dial(nil)
			Expect(err).To(MatchError(websocket.ErrBadHandshake))
			Expect(resp).NotTo(BeNil())
			Expect(resp.StatusCode).To(Equal(http.StatusForbidden))
		})
	})

	Context("when the backend is unreachable", func() {
		BeforeEach(func() {
			backend.server.Close()
		})

		It("returns 502", func() {
			_, resp, err := dial(nil)
			Expect(err).To(HaveOccurred())
			Expect(resp).NotTo(BeNil())
			Expect(resp.StatusCode).To(Equal(http.StatusBadGateway))
		})
	})

	Context("with an origin allow-list", func() {
		BeforeEach(func() {
			opts.AllowedOrigins = []string{"https://music.example.test"}
		})

		It("rejects other browser origins before dialing the backend", func() {
			_, resp, err := dial(http.Header{"Origin": {"https://evil.example.test"}})
			Expect(err).To(HaveOccurred())
			Expect(resp.StatusCode).To(Equal(http.StatusForbidden))
			Expect(backend.Headers()).To(BeEmpty())
		})

		It("accepts listed origins", func() {
			conn, _, err := dial(http.Header{"Origin": {"https://music.example.test"}})
			Expect(err).NotTo(HaveOccurred())
			conn.Close()
		})
	})

	It("rejects cross-site origins by default", func() {
		_, resp, err := dial(http.Header{"Origin": {"https://evil.example.test"}})
		Expect(err).To(HaveOccurred())
		Expect(resp.StatusCode).To(Equal(http.StatusForbidden))
	})
})
