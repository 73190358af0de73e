package steps

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/stepflow-io/stepflow/pkg/schema"
)

// HTTPConfig configures the http_request executor.
type HTTPConfig struct {
	// AllowedHosts restricts outbound requests to these hostnames. A
	// leading "*." entry allows subdomains. Empty means no restriction.
	AllowedHosts    []string
	MaxResponseBody int64
	DefaultTimeout  time.Duration
}

const (
	defaultMaxResponseBody = 10 * 1024 * 1024 // 10MB
	defaultHTTPTimeout     = 30 * time.Second
)

const httpRequestParamsSchema = `{
  "type": "object",
  "properties": {
    "method": {"type": "string", "default": "GET"},
    "url": {"type": "string"},
    "headers": {"type": "object", "additionalProperties": {"type": "string"}},
    "body": {},
    "timeout": {"type": "string"},
    "fail_on_error_status": {"type": "boolean", "default": false}
  },
  "required": ["url"]
}`

// httpRequestExecutor calls an external HTTP API as a workflow step. The
// request body is JSON-encoded unless it is already a string; responses
// with a JSON content type are parsed so downstream mappings can address
// body fields.
type httpRequestExecutor struct {
	config HTTPConfig
	client *http.Client
}

// NewHTTPRequestExecutor creates the http_request executor.
func NewHTTPRequestExecutor(cfg HTTPConfig) Executor {
	if cfg.MaxResponseBody <= 0 {
		cfg.MaxResponseBody = defaultMaxResponseBody
	}
	if cfg.DefaultTimeout <= 0 {
		cfg.DefaultTimeout = defaultHTTPTimeout
	}
	return &httpRequestExecutor{
		config: cfg,
		client: &http.Client{},
	}
}

func (e *httpRequestExecutor) Type() string { return "http_request" }

func (e *httpRequestExecutor) Describe() Descriptor {
	return Descriptor{
		Type:        "http_request",
		Description: "Call an external HTTP API and expose the parsed response",
		InputSchema: json.RawMessage(httpRequestParamsSchema),
	}
}

func (e *httpRequestExecutor) Execute(ctx context.Context, req Request) (*schema.StepResult, error) {
	params := req.Params
	if params == nil {
		params = map[string]any{}
	}

	rawURL := stringParam(params, "url", "")
	target, err := e.checkURL(rawURL)
	if err != nil {
		return nil, err
	}

	method := strings.ToUpper(stringParam(params, "method", "GET"))
	failOnErrorStatus := boolParam(params, "fail_on_error_status", false)

	timeout := e.config.DefaultTimeout
	if ts := stringParam(params, "timeout", ""); ts != "" {
		if d, parseErr := time.ParseDuration(ts); parseErr == nil {
			timeout = d
		}
	}

	var bodyReader io.Reader
	var contentType string
	if rawBody, ok := params["body"]; ok && rawBody != nil {
		if s, isString := rawBody.(string); isString {
			bodyReader = strings.NewReader(s)
			contentType = "text/plain"
		} else {
			b, marshalErr := json.Marshal(rawBody)
			if marshalErr != nil {
				return nil, schema.NewError(schema.ErrCodeExecution, "http_request: failed to marshal body as JSON").WithCause(marshalErr)
			}
			bodyReader = strings.NewReader(string(b))
			contentType = "application/json"
		}
	}

	reqCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	httpReq, err := http.NewRequestWithContext(reqCtx, method, target.String(), bodyReader)
	if err != nil {
		return nil, schema.NewError(schema.ErrCodeExecution, "http_request: failed to create request").WithCause(err)
	}
	if contentType != "" {
		httpReq.Header.Set("Content-Type", contentType)
	}
	if hdrs, ok := params["headers"].(map[string]any); ok {
		for k, v := range hdrs {
			httpReq.Header.Set(k, fmt.Sprintf("%v", v))
		}
	}

	start := time.Now()
	resp, err := e.client.Do(httpReq)
	durationMs := time.Since(start).Milliseconds()
	if err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeExecution, "http_request: request failed: %v", err).WithCause(err)
	}
	defer resp.Body.Close()

	bodyBytes, err := io.ReadAll(io.LimitReader(resp.Body, e.config.MaxResponseBody))
	if err != nil {
		return nil, schema.NewError(schema.ErrCodeExecution, "http_request: failed to read response body").WithCause(err)
	}

	respContentType := resp.Header.Get("Content-Type")
	var parsedBody any
	if len(bodyBytes) == 0 {
		parsedBody = nil
	} else if strings.Contains(respContentType, "application/json") {
		var jsonBody any
		if err := json.Unmarshal(bodyBytes, &jsonBody); err == nil {
			parsedBody = jsonBody
		} else {
			parsedBody = string(bodyBytes)
		}
	} else {
		parsedBody = string(bodyBytes)
	}

	respHeaders := make(map[string]string, len(resp.Header))
	for k := range resp.Header {
		respHeaders[k] = resp.Header.Get(k)
	}

	out := map[string]any{
		"status_code":  resp.StatusCode,
		"status":       resp.Status,
		"headers":      respHeaders,
		"body":         parsedBody,
		"content_type": respContentType,
		"duration_ms":  durationMs,
	}

	if failOnErrorStatus && resp.StatusCode >= 400 {
		code := schema.ErrCodeNonRetryable
		if resp.StatusCode >= 500 {
			code = schema.ErrCodeExecution
		}
		return nil, schema.NewErrorf(code, "http_request: server returned %d", resp.StatusCode).WithDetails(out)
	}

	return schema.CompletedResult(req.Step.ID, out), nil
}

// checkURL parses the target and enforces the host allow-list. A rejected
// host is a configuration error: retrying cannot make it allowed.
func (e *httpRequestExecutor) checkURL(rawURL string) (*url.URL, error) {
	if rawURL == "" {
		return nil, schema.NewError(schema.ErrCodeValidation, "http_request: missing required param 'url'")
	}
	u, err := url.ParseRequestURI(rawURL)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") {
		return nil, schema.NewErrorf(schema.ErrCodeValidation, "http_request: invalid url %q", rawURL)
	}
	if len(e.config.AllowedHosts) == 0 {
		return u, nil
	}
	host := u.Hostname()
	for _, allowed := range e.config.AllowedHosts {
		if strings.EqualFold(host, allowed) {
			return u, nil
		}
		if suffix, ok := strings.CutPrefix(allowed, "*."); ok {
			if strings.HasSuffix(strings.ToLower(host), "."+strings.ToLower(suffix)) {
				return u, nil
			}
		}
	}
	return nil, schema.NewErrorf(schema.ErrCodeConfiguration, "http_request: host %q is not in the allow-list", host)
}
