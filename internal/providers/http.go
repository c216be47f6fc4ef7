package providers

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/flowgrid/flowgrid/pkg/schema"
)

// HTTPConfig configures the HTTP provider.
type HTTPConfig struct {
	MaxResponseBody int64
	DefaultTimeout  time.Duration
}

const (
	defaultMaxResponseBody = 10 * 1024 * 1024 // 10MB
	defaultHTTPTimeout     = 30 * time.Second
)

// Param helpers used by all provider files.

func stringParam(m map[string]any, key, defaultVal string) string {
	v, ok := m[key]
	if !ok {
		return defaultVal
	}
	s, ok := v.(string)
	if !ok {
		return defaultVal
	}
	return s
}

func boolParam(m map[string]any, key string, defaultVal bool) bool {
	v, ok := m[key]
	if !ok {
		return defaultVal
	}
	b, ok := v.(bool)
	if !ok {
		return defaultVal
	}
	return b
}

func intParam(m map[string]any, key string, defaultVal int) int {
	v, ok := m[key]
	if !ok {
		return defaultVal
	}
	switch n := v.(type) {
	case int:
		return n
	case float64:
		return int(n)
	case json.Number:
		i, err := n.Int64()
		if err != nil {
			return defaultVal
		}
		return int(i)
	default:
		return defaultVal
	}
}

const httpRequestInputSchema = `{
  "type": "object",
  "properties": {
    "method": {"type": "string", "default": "GET"},
    "url": {"type": "string"},
    "headers": {"type": "object", "additionalProperties": {"type": "string"}},
    "body": {},
    "body_encoding": {"type": "string", "enum": ["json","form","text","raw"], "default": "json"},
    "auth": {
      "type": "object",
      "properties": {
        "type": {"type": "string", "enum": ["bearer","basic","api_key"]},
        "token": {"type": "string"},
        "username": {"type": "string"},
        "password": {"type": "string"},
        "header_name": {"type": "string"},
        "header_value": {"type": "string"}
      }
    },
    "timeout": {"type": "string"},
    "follow_redirects": {"type": "boolean", "default": true},
    "max_redirects": {"type": "integer", "default": 10},
    "tls_skip_verify": {"type": "boolean", "default": false}
  },
  "required": ["url"]
}`

// HTTPProvider exposes outbound HTTP requests as provider actions.
// When the step has stored credentials and the params carry no explicit
// auth block, the credential's "token" field is sent as a bearer token.
type HTTPProvider struct {
	config HTTPConfig
}

// NewHTTPProvider creates the HTTP provider.
func NewHTTPProvider(cfg HTTPConfig) *HTTPProvider {
	if cfg.MaxResponseBody <= 0 {
		cfg.MaxResponseBody = defaultMaxResponseBody
	}
	if cfg.DefaultTimeout <= 0 {
		cfg.DefaultTimeout = defaultHTTPTimeout
	}
	return &HTTPProvider{config: cfg}
}

func (p *HTTPProvider) Name() string { return "http" }

// Credentials are optional: the bearer fallback only applies when the
// user has stored a token.
func (p *HTTPProvider) RequiresCredentials() bool { return false }

func (p *HTTPProvider) Actions() []ActionSpec {
	return []ActionSpec{
		{Name: "request", Description: "Execute an HTTP request with full control over method, headers, body, and auth.", InputSchema: json.RawMessage(httpRequestInputSchema)},
		{Name: "get", Description: "Convenience action for HTTP GET requests.", InputSchema: json.RawMessage(httpRequestInputSchema)},
		{Name: "post", Description: "Convenience action for HTTP POST requests.", InputSchema: json.RawMessage(httpRequestInputSchema)},
	}
}

func (p *HTTPProvider) Validate(action string, params map[string]any) error {
	switch action {
	case "request", "get", "post":
	default:
		return schema.NewErrorf(schema.ErrKindValidation, "http: unknown action %q", action)
	}
	rawURL := stringParam(params, "url", "")
	if rawURL == "" {
		return schema.NewError(schema.ErrKindValidation, "http: missing required param 'url'")
	}
	u, err := url.ParseRequestURI(rawURL)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") {
		return schema.NewErrorf(schema.ErrKindValidation, "http: invalid url %q", rawURL)
	}
	return nil
}

func (p *HTTPProvider) Execute(ctx context.Context, inv Invocation) (*schema.ProviderResult, error) {
	params := inv.Params
	if params == nil {
		params = map[string]any{}
	}

	if err := p.Validate(inv.Action, params); err != nil {
		return nil, err
	}

	method := strings.ToUpper(stringParam(params, "method", "GET"))
	switch inv.Action {
	case "get":
		method = "GET"
	case "post":
		method = "POST"
	}

	rawURL := stringParam(params, "url", "")
	bodyEncoding := stringParam(params, "body_encoding", "json")
	followRedirects := boolParam(params, "follow_redirects", true)
	maxRedirects := intParam(params, "max_redirects", 10)
	tlsSkipVerify := boolParam(params, "tls_skip_verify", false)

	timeout := p.config.DefaultTimeout
	if ts := stringParam(params, "timeout", ""); ts != "" {
		if d, err := time.ParseDuration(ts); err == nil {
			timeout = d
		}
	}

	var bodyReader io.Reader
	var contentType string
	if rawBody, ok := params["body"]; ok && rawBody != nil {
		switch bodyEncoding {
		case "form":
			if formData, ok := rawBody.(map[string]any); ok {
				vals := url.Values{}
				for k, v := range formData {
					vals.Set(k, fmt.Sprintf("%v", v))
				}
				bodyReader = strings.NewReader(vals.Encode())
				contentType = "application/x-www-form-urlencoded"
			}
		case "text":
			bodyReader = strings.NewReader(fmt.Sprintf("%v", rawBody))
			contentType = "text/plain"
		case "raw":
			bodyReader = strings.NewReader(fmt.Sprintf("%v", rawBody))
		default: // json
			b, err := json.Marshal(rawBody)
			if err != nil {
				return nil, schema.NewError(schema.ErrKindValidation, "http: failed to marshal body as JSON").WithCause(err)
			}
			bodyReader = strings.NewReader(string(b))
			contentType = "application/json"
		}
	}

	reqCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(reqCtx, method, rawURL, bodyReader)
	if err != nil {
		return nil, schema.NewError(schema.ErrKindValidation, "http: failed to create request").WithCause(err)
	}

	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}

	if hdrs, ok := params["headers"]; ok {
		if hm, ok := hdrs.(map[string]any); ok {
			for k, v := range hm {
				req.Header.Set(k, fmt.Sprintf("%v", v))
			}
		}
	}

	p.applyAuth(req, params, inv.Credential)

	// Always build a fresh client so per-step options never leak into
	// the shared transport.
	transport := http.DefaultTransport.(*http.Transport).Clone()
	if tlsSkipVerify {
		transport.TLSClientConfig = &tls.Config{InsecureSkipVerify: true}
	}
	client := &http.Client{Transport: transport}

	if !followRedirects {
		client.CheckRedirect = func(req *http.Request, via []*http.Request) error {
			return http.ErrUseLastResponse
		}
	} else if maxRedirects > 0 {
		limit := maxRedirects
		client.CheckRedirect = func(req *http.Request, via []*http.Request) error {
			if len(via) >= limit {
				return fmt.Errorf("stopped after %d redirects", limit)
			}
			return nil
		}
	}

	start := time.Now()
	resp, err := client.Do(req)
	durationMs := time.Since(start).Milliseconds()
	if err != nil {
		// Transport failures (DNS, refused connection, timeout) are
		// retryable from the engine's point of view.
		return &schema.ProviderResult{
			Success: false,
			Error: &schema.ProviderError{
				Kind:   schema.ErrKindProviderTransient,
				Detail: fmt.Sprintf("http: request failed: %v", err),
			},
		}, nil
	}
	defer resp.Body.Close()

	limitedReader := io.LimitReader(resp.Body, p.config.MaxResponseBody)
	bodyBytes, err := io.ReadAll(limitedReader)
	if err != nil {
		return &schema.ProviderResult{
			Success: false,
			Error: &schema.ProviderError{
				Kind:   schema.ErrKindProviderTransient,
				Detail: fmt.Sprintf("http: failed to read response body: %v", err),
			},
		}, nil
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

	output := map[string]any{
		"status_code":  resp.StatusCode,
		"status":       resp.Status,
		"headers":      respHeaders,
		"body":         parsedBody,
		"content_type": respContentType,
		"duration_ms":  durationMs,
	}

	if resp.StatusCode >= 400 {
		kind := schema.ErrKindProviderPermanent
		if resp.StatusCode >= 500 || resp.StatusCode == http.StatusTooManyRequests {
			kind = schema.ErrKindProviderTransient
		}
		return &schema.ProviderResult{
			Success:  false,
			Output:   output,
			Metadata: map[string]any{"status_code": resp.StatusCode},
			Error: &schema.ProviderError{
				Kind:   kind,
				Detail: fmt.Sprintf("http: server returned %d", resp.StatusCode),
			},
		}, nil
	}

	return &schema.ProviderResult{
		Success:  true,
		Output:   output,
		Metadata: map[string]any{"status_code": resp.StatusCode},
	}, nil
}

// applyAuth sets request auth from the params' auth block, falling back
// to the stored credential's token as a bearer header.
func (p *HTTPProvider) applyAuth(req *http.Request, params map[string]any, cred *schema.Credential) {
	if authRaw, ok := params["auth"]; ok {
		if auth, ok := authRaw.(map[string]any); ok {
			switch stringParam(auth, "type", "") {
			case "bearer":
				req.Header.Set("Authorization", "Bearer "+stringParam(auth, "token", ""))
			case "basic":
				req.SetBasicAuth(stringParam(auth, "username", ""), stringParam(auth, "password", ""))
			case "api_key":
				if name := stringParam(auth, "header_name", ""); name != "" {
					req.Header.Set(name, stringParam(auth, "header_value", ""))
				}
			}
			return
		}
	}
	if token := cred.Field("token"); token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
}
