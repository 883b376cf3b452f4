package proxy

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/marcus-qen/speechless-edge/internal/edge/metrics"
	"github.com/marcus-qen/speechless-edge/internal/telemetry"
	"go.uber.org/zap"
)

const maxBackendBody = 1 << 20

// Failure is the JSON body returned when a relay cannot complete.
type Failure struct {
	Error  string `json:"error"`
	Status string `json:"status"`
}

// Result is what the caller receives: the backend's status and JSON body,
// or a Failure body.
type Result struct {
	Status int
	Body   []byte
}

// Forwarder relays control actions to POST {backend}/forward_to_bot/{action}.
type Forwarder struct {
	base    *url.URL
	secret  string
	client  *http.Client
	timeout time.Duration
	allowed map[string]struct{}
	logger  *zap.Logger
}

// NewForwarder builds a Forwarder. A nil client uses http.DefaultClient.
// The client is copied and never follows redirects.
func NewForwarder(opts Options, client *http.Client, logger *zap.Logger) (*Forwarder, error) {
	base, err := opts.backendURL()
	if err != nil {
		return nil, err
	}
	if opts.Secret == "" {
		return nil, errors.New("backend secret is empty")
	}
	if client == nil {
		client = http.DefaultClient
	}
	noRedirect := *client
	noRedirect.CheckRedirect = func(*http.Request, []*http.Request) error {
		return http.ErrUseLastResponse
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	var allowed map[string]struct{}
	if len(opts.AllowedActions) > 0 {
		allowed = make(map[string]struct{}, len(opts.AllowedActions))
		for _, a := range opts.AllowedActions {
			if a = strings.TrimSpace(a); a != "" {
				allowed[a] = struct{}{}
			}
		}
	}

	return &Forwarder{
		base:    base,
		secret:  opts.Secret,
		client:  &noRedirect,
		timeout: opts.timeout(),
		allowed: allowed,
		logger:  logger.Named("forward"),
	}, nil
}

// Forward sends payload for action to the backend exactly once. The Result
// is always writable to the caller; the error, when set, wraps
// ErrForwardingFailed or ErrActionNotAllowed.
func (f *Forwarder) Forward(ctx context.Context, action string, payload []byte) (Result, error) {
	if !f.actionAllowed(action) {
		return NewFailure(http.StatusNotFound, "unknown action"), fmt.Errorf("%w: %q", ErrActionNotAllowed, action)
	}
	if len(bytes.TrimSpace(payload)) == 0 {
		payload = []byte("{}")
	}

	start := time.Now()
	ctx, span := telemetry.StartForwardSpan(ctx, action)

	res, err := f.do(ctx, action, payload)

	outcome := "ok"
	if err != nil {
		outcome = "failed"
		f.logger.Warn("forward failed", zap.String("action", action), zap.Error(err))
	} else if res.Status >= 400 {
		outcome = "backend_error"
	}
	metrics.RecordForward(outcome, time.Since(start))
	telemetry.EndSpan(span, res.Status, err)

	return res, err
}

func (f *Forwarder) do(ctx context.Context, action string, payload []byte) (Result, error) {
	ctx, cancel := context.WithTimeout(ctx, f.timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, f.actionURL(action), bytes.NewReader(payload))
	if err != nil {
		return NewFailure(http.StatusInternalServerError, "invalid backend request"), fmt.Errorf("%w: %v", ErrForwardingFailed, err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set(SecretHeader, f.secret)

	resp, err := f.client.Do(req)
	if err != nil {
		msg := "backend unreachable"
		if errors.Is(err, context.DeadlineExceeded) {
			msg = "backend timed out"
		}
		return NewFailure(http.StatusInternalServerError, msg), fmt.Errorf("%w: %v", ErrForwardingFailed, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 && resp.StatusCode < 400 {
		return NewFailure(http.StatusInternalServerError, "backend redirected"), fmt.Errorf("%w: redirect status %d to %q", ErrForwardingFailed, resp.StatusCode, resp.Header.Get("Location"))
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxBackendBody+1))
	if err != nil {
		return NewFailure(http.StatusInternalServerError, "backend response interrupted"), fmt.Errorf("%w: read body: %v", ErrForwardingFailed, err)
	}
	if len(body) > maxBackendBody {
		return NewFailure(http.StatusInternalServerError, "backend response too large"), fmt.Errorf("%w: body exceeds %d bytes", ErrForwardingFailed, maxBackendBody)
	}
	if !json.Valid(body) {
		return NewFailure(http.StatusInternalServerError, "backend returned invalid JSON"), fmt.Errorf("%w: non-JSON body with status %d", ErrForwardingFailed, resp.StatusCode)
	}

	return Result{Status: resp.StatusCode, Body: body}, nil
}

func (f *Forwarder) actionURL(action string) string {
	u := *f.base
	u.Path = f.base.Path + "/forward_to_bot/" + action
	u.RawPath = f.base.EscapedPath() + "/forward_to_bot/" + url.PathEscape(action)
	return u.String()
}

func (f *Forwarder) actionAllowed(action string) bool {
	if action == "" {
		return false
	}
	if f.allowed == nil {
		return true
	}
	_, ok := f.allowed[action]
	return ok
}

// ServeHTTP handles POST .../{action}. The caller body must be empty or
// valid JSON; anything else is rejected before the backend is contacted.
func (f *Forwarder) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	action := r.PathValue("action")

	payload, err := io.ReadAll(r.Body)
	var tooLarge *http.MaxBytesError
	if errors.As(err, &tooLarge) {
		WriteResult(w, NewFailure(http.StatusRequestEntityTooLarge, fmt.Sprintf("request body too large (limit %d bytes)", tooLarge.Limit)))
		return
	}
	if err != nil {
		WriteResult(w, NewFailure(http.StatusBadRequest, "could not read request body"))
		return
	}
	if len(bytes.TrimSpace(payload)) > 0 && !json.Valid(payload) {
		WriteResult(w, NewFailure(http.StatusBadRequest, "request body must be JSON"))
		return
	}

	res, _ := f.Forward(r.Context(), action, payload)
	WriteResult(w, res)
}

// WriteResult writes res as an application/json response.
func WriteResult(w http.ResponseWriter, res Result) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(res.Status)
	_, _ = w.Write(res.Body)
}

// NewFailure returns a Result carrying the failure envelope.
func NewFailure(status int, msg string) Result {
	body, _ := json.Marshal(Failure{Error: msg, Status: "failed"})
	return Result{Status: status, Body: body}
}
