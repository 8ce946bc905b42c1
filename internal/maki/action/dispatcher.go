// Package action dispatches described external actions to remote HTTP
// endpoints with timeout, cancellation, and normalized results.
//
// The dispatcher never retries on its own: a failed dispatch is a terminal
// outcome for the turn, and any retry is a user-initiated new turn.
package action

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/santhosh-tekuri/jsonschema/v5"

	"github.com/cstoian/Maki/common/redact"
	"github.com/cstoian/Maki/common/spec/script"
	"github.com/cstoian/Maki/common/trace"
)

// DefaultTimeout bounds a dispatch when neither the request nor the caller
// supplies one.
const DefaultTimeout = 10 * time.Second

// timeoutMessage is the fixed message for a cancelled (timed-out) dispatch.
const timeoutMessage = "Request timeout"

// AuthMode selects how credentials are injected into outgoing requests.
type AuthMode string

const (
	AuthNone   AuthMode = "none"
	AuthBearer AuthMode = "bearer"
	AuthAPIKey AuthMode = "api-key"
)

// AuthConfig holds the out-of-band credential configuration for the
// dispatcher. Auth is never embedded per-request.
type AuthConfig struct {
	Mode  AuthMode
	Token string
}

// Request describes one external action to dispatch.
type Request struct {
	// Endpoint is the absolute URL of the action.
	Endpoint string
	// Method is the HTTP method.
	Method string
	// Body is an optional JSON request body.
	Body json.RawMessage
	// TimeoutMs bounds the request; zero means the dispatcher default.
	TimeoutMs int
	// Shape is an optional JSON Schema the parsed response body must
	// satisfy. A mismatch is reported as a validation failure, distinct
	// from transport and HTTP failures.
	Shape *jsonschema.Schema
}

// Result is the normalized outcome of one dispatch. StatusCode is zero when
// no HTTP response was received (transport failure or timeout before a
// response), which is how callers distinguish transport errors from HTTP
// errors.
type Result struct {
	Succeeded    bool
	Data         any
	ErrorMessage string
	StatusCode   int
}

// Dispatcher sends described actions to remote endpoints.
type Dispatcher struct {
	client *http.Client
	auth   AuthConfig
}

// New creates a Dispatcher with the given auth configuration. The underlying
// transport has no client-level timeout; each dispatch derives its own
// deadline from the request.
func New(auth AuthConfig) *Dispatcher {
	return &Dispatcher{
		client: &http.Client{},
		auth:   auth,
	}
}

// FromEndpoint builds a Request from a stored action endpoint description.
func FromEndpoint(ep *script.ActionEndpoint) Request {
	return Request{
		Endpoint:  ep.Endpoint,
		Method:    ep.Method,
		Body:      ep.Body,
		TimeoutMs: ep.TimeoutMs,
	}
}

// Dispatch sends the described action and returns a normalized result. It
// never returns an error; every failure mode is reported through the result.
func (d *Dispatcher) Dispatch(ctx context.Context, req Request) Result {
	timeout := DefaultTimeout
	if req.TimeoutMs > 0 {
		timeout = time.Duration(req.TimeoutMs) * time.Millisecond
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	var bodyReader io.Reader
	if len(req.Body) > 0 {
		bodyReader = bytes.NewReader(req.Body)
	}

	httpReq, err := http.NewRequestWithContext(ctx, req.Method, req.Endpoint, bodyReader)
	if err != nil {
		return Result{Succeeded: false, ErrorMessage: fmt.Sprintf("build request: %v", err)}
	}
	if bodyReader != nil {
		httpReq.Header.Set("Content-Type", "application/json")
	}
	if traceID := trace.FromContext(ctx); traceID != "" {
		httpReq.Header.Set("X-Trace-ID", traceID)
	}

	switch d.auth.Mode {
	case AuthBearer:
		httpReq.Header.Set("Authorization", "Bearer "+d.auth.Token)
	case AuthAPIKey:
		httpReq.Header.Set("X-API-Key", d.auth.Token)
	case AuthNone, "":
		// no header
	}

	resp, err := d.client.Do(httpReq)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			return Result{Succeeded: false, ErrorMessage: timeoutMessage, StatusCode: http.StatusRequestTimeout}
		}
		// Transport failure: no response, no status code. Tokens must not
		// leak through transport error text.
		msg := redact.String(err.Error(), d.auth.Token)
		return Result{Succeeded: false, ErrorMessage: msg}
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			return Result{Succeeded: false, ErrorMessage: timeoutMessage, StatusCode: http.StatusRequestTimeout}
		}
		return Result{Succeeded: false, ErrorMessage: fmt.Sprintf("read response: %v", err), StatusCode: resp.StatusCode}
	}

	slog.Debug("action dispatched",
		"method", req.Method, "endpoint", req.Endpoint, "status", resp.StatusCode)

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return Result{
			Succeeded:    false,
			ErrorMessage: serverError(raw, resp.Status),
			StatusCode:   resp.StatusCode,
		}
	}

	var data any
	if len(raw) > 0 {
		if err := json.Unmarshal(raw, &data); err != nil {
			// Non-JSON 2xx bodies are passed through as text.
			data = string(raw)
		}
	}

	if req.Shape != nil {
		if err := req.Shape.Validate(data); err != nil {
			return Result{
				Succeeded:    false,
				ErrorMessage: fmt.Sprintf("response shape: %v", err),
				StatusCode:   resp.StatusCode,
			}
		}
	}

	return Result{Succeeded: true, Data: data, StatusCode: resp.StatusCode}
}

// Outcome converts a dispatch result into the shared execution outcome
// shape consumed by the dialogue controller.
func (r Result) Outcome(elapsed time.Duration) script.ExecutionOutcome {
	return script.ExecutionOutcome{
		Succeeded:    r.Succeeded,
		Value:        r.Data,
		ErrorMessage: r.ErrorMessage,
		ElapsedMs:    elapsed.Milliseconds(),
	}
}

// serverError extracts a server-provided error message from an error
// response body ({"error": "..."}), falling back to the HTTP status text.
func serverError(raw []byte, status string) string {
	var body struct {
		Error string `json:"error"`
	}
	if err := json.Unmarshal(raw, &body); err == nil && body.Error != "" {
		return body.Error
	}
	return status
}
