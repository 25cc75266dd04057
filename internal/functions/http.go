package functions

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"

	"github.com/rendis/flowcore/pkg/schema"
)

// HTTPConfig configures the http function.
type HTTPConfig struct {
	Timeout   time.Duration
	UserAgent string
}

const defaultHTTPTimeout = 30 * time.Second

const httpArgsSchema = `{
  "type": "object",
  "properties": {
    "method": {"type": "string"},
    "endpoint": {
      "oneOf": [
        {"type": "string", "minLength": 1},
        {"type": "object", "properties": {"uri": {"type": "string", "minLength": 1}}, "required": ["uri"]}
      ]
    },
    "headers": {"type": "object"},
    "query": {"type": "object"},
    "body": {},
    "output": {"enum": ["content", "response", "raw"]}
  },
  "required": ["endpoint"]
}`

// HTTPFunction performs HTTP requests for call tasks.
//
// Arguments: method (GET), endpoint (string or {uri}), headers, query, body,
// output. The output argument selects the result: "content" (default) is the
// decoded body, "response" is {status, headers, content} and "raw" is the body
// as a string. Status codes of 400 and above fault with a communication error,
// which call tasks report as a runtime fault.
type HTTPFunction struct {
	client *resty.Client
}

// NewHTTPFunction builds the function with its own resty client.
func NewHTTPFunction(cfg HTTPConfig) *HTTPFunction {
	if cfg.Timeout <= 0 {
		cfg.Timeout = defaultHTTPTimeout
	}
	if cfg.UserAgent == "" {
		cfg.UserAgent = "flowcore"
	}
	client := resty.New().
		SetTimeout(cfg.Timeout).
		SetHeader("User-Agent", cfg.UserAgent)
	return &HTTPFunction{client: client}
}

func (h *HTTPFunction) Name() string { return "http" }

func (h *HTTPFunction) Describe() Descriptor {
	return Descriptor{
		Description: "Perform an HTTP request",
		ArgsSchema:  json.RawMessage(httpArgsSchema),
		Remote:      true,
	}
}

func (h *HTTPFunction) Call(ctx context.Context, args map[string]any) (any, error) {
	method := strings.ToUpper(stringArg(args, "method", http.MethodGet))
	endpoint := stringArg(args, "endpoint", "")
	if endpoint == "" {
		endpoint = stringArg(mapArg(args, "endpoint"), "uri", "")
	}
	if endpoint == "" {
		return nil, schema.NewError(schema.ErrCodeConfiguration, "http: endpoint is required")
	}

	req := h.client.R().SetContext(ctx)
	for k, v := range mapArg(args, "headers") {
		req.SetHeader(k, fmt.Sprint(v))
	}
	for k, v := range mapArg(args, "query") {
		req.SetQueryParam(k, fmt.Sprint(v))
	}
	if body, ok := args["body"]; ok && body != nil {
		req.SetBody(body)
	}

	resp, err := req.Execute(method, endpoint)
	if err != nil {
		if ctx.Err() != nil {
			return nil, schema.AsFlowError(context.Cause(ctx))
		}
		return nil, schema.NewErrorf(schema.ErrCodeCommunication, "http %s %s: %s", method, endpoint, err.Error()).WithCause(err)
	}

	content := decodeBody(resp)
	if resp.StatusCode() >= 400 {
		fe := schema.NewErrorf(schema.ErrCodeCommunication, "http %s %s: status %d", method, endpoint, resp.StatusCode()).
			WithDetails(map[string]any{"status": resp.StatusCode(), "content": content})
		fe.Status = resp.StatusCode()
		return nil, fe
	}

	switch stringArg(args, "output", "content") {
	case "raw":
		return resp.String(), nil
	case "response":
		return map[string]any{
			"status":  resp.StatusCode(),
			"headers": flattenHeaders(resp.Header()),
			"content": content,
		}, nil
	}
	return content, nil
}

// decodeBody parses JSON bodies and returns anything else as a string.
func decodeBody(resp *resty.Response) any {
	raw := resp.Body()
	if len(raw) == 0 {
		return nil
	}
	var v any
	if err := json.Unmarshal(raw, &v); err == nil {
		return v
	}
	return string(raw)
}

func flattenHeaders(h http.Header) map[string]any {
	out := make(map[string]any, len(h))
	for k, v := range h {
		out[strings.ToLower(k)] = strings.Join(v, ", ")
	}
	return out
}
