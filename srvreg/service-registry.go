package srvreg

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/ahmadzakiakmal/milkchain/ledger"
	"github.com/ahmadzakiakmal/milkchain/metrics"
	cmtlog "github.com/cometbft/cometbft/libs/log"
)

// CallerHeader carries the authenticated account of the caller, as supplied
// by the identity provider in front of the node.
const CallerHeader = "X-Caller-Address"

const maxBodyBytes = 1 << 20

// Request represents the client's original HTTP request
type Request struct {
	Method     string            `json:"method"`
	Path       string            `json:"path"`
	Query      string            `json:"query,omitempty"`
	Headers    map[string]string `json:"headers"`
	Body       string            `json:"body"`
	RemoteAddr string            `json:"remote_addr"`
	RequestID  string            `json:"request_id"` // Unique ID for the request
	Timestamp  time.Time         `json:"timestamp"`

	// BlockTime is set by the application to the time of the block that
	// orders the request.
	BlockTime time.Time         `json:"-"`
	Params    map[string]string `json:"-"`
}

// GenerateRequestID generates a deterministic ID for the request
func (r *Request) GenerateRequestID() {
	hasher := sha256.New()
	hasher.Write([]byte(fmt.Sprintf("%s-%s-%s-%s", r.Path, r.Method, r.Body, r.Timestamp)))
	r.RequestID = hex.EncodeToString(hasher.Sum(nil)[:16])
}

// Caller returns the account named by the caller header.
func (r *Request) Caller() (ledger.Address, error) {
	return ledger.ParseAddress(r.Headers[http.CanonicalHeaderKey(CallerHeader)])
}

// At is the time the request takes effect.
func (r *Request) At() time.Time {
	if !r.BlockTime.IsZero() {
		return r.BlockTime.UTC()
	}
	return r.Timestamp.UTC()
}

// QueryValues parses the raw query string.
func (r *Request) QueryValues() url.Values {
	values, err := url.ParseQuery(r.Query)
	if err != nil {
		return url.Values{}
	}
	return values
}

// IsCommand reports whether the request mutates the ledger and must be
// ordered before it runs.
func (r *Request) IsCommand() bool {
	return r.Method != http.MethodGet && r.Method != http.MethodHead
}

// Response represents the computed response from a server
type Response struct {
	StatusCode int               `json:"status_code"`
	Headers    map[string]string `json:"headers"`
	Body       string            `json:"body"`
	Error      string            `json:"error,omitempty"`
	Code       uint32            `json:"code"`
}

// ParseBody attempts to parse the Response's Body field as JSON
// and returns the structured data or nil if parsing fails.
func (r *Response) ParseBody() interface{} {
	if r.Body == "" {
		return nil
	}
	var body interface{}
	if err := json.Unmarshal([]byte(r.Body), &body); err != nil {
		return nil
	}
	return body
}

// Transaction is what gets ordered: the client request and the node that
// received it.
type Transaction struct {
	Request      Request `json:"request"`
	OriginNodeID string  `json:"origin_node_id"` // ID of the node that originated the transaction
	BlockHeight  int64   `json:"block_height,omitempty"`
}

// ServiceHandler is a function type for service handlers
type ServiceHandler func(context.Context, *Request) (*Response, error)

// RouteKey is used to uniquely identify a route
type RouteKey struct {
	Method string
	Path   string
}

// ServiceRegistry manages all service handlers
type ServiceRegistry struct {
	handlers    map[RouteKey]ServiceHandler
	exactRoutes map[RouteKey]bool // Whether a route is exact or pattern-based
	mu          sync.RWMutex
	ledger      *ledger.Ledger
	metrics     *metrics.Metrics
	logger      cmtlog.Logger
}

// SerializeToBytes converts the transaction to a byte array for blockchain storage
func (t *Transaction) SerializeToBytes() ([]byte, error) {
	return json.Marshal(t)
}

// ConvertHttpRequestToConsensusRequest converts an http.Request to Request
func ConvertHttpRequestToConsensusRequest(r *http.Request, requestID string) (*Request, error) {
	headers := make(map[string]string)
	for name, values := range r.Header {
		if len(values) > 0 {
			headers[name] = values[0]
		}
	}

	body := ""
	if r.Body != nil {
		bodyBytes, err := io.ReadAll(io.LimitReader(r.Body, maxBodyBytes+1))
		if err != nil {
			return nil, err
		}
		if len(bodyBytes) > maxBodyBytes {
			return nil, fmt.Errorf("request body exceeds %d bytes", maxBodyBytes)
		}
		raw := strings.TrimSpace(string(bodyBytes))
		body = compactJSON(raw)
	}

	return &Request{
		Method:     r.Method,
		Path:       r.URL.Path,
		Query:      r.URL.RawQuery,
		Headers:    headers,
		Body:       body,
		RemoteAddr: r.RemoteAddr,
		RequestID:  requestID,
		Timestamp:  time.Now().UTC(),
	}, nil
}

// NewServiceRegistry creates a new service registry
func NewServiceRegistry(l *ledger.Ledger, m *metrics.Metrics, logger cmtlog.Logger) *ServiceRegistry {
	return &ServiceRegistry{
		handlers:    make(map[RouteKey]ServiceHandler),
		exactRoutes: make(map[RouteKey]bool),
		ledger:      l,
		metrics:     m,
		logger:      logger,
	}
}

// Ledger returns the ledger the handlers operate on.
func (sr *ServiceRegistry) Ledger() *ledger.Ledger {
	return sr.ledger
}

// RegisterHandler registers a new service handler
func (sr *ServiceRegistry) RegisterHandler(method, path string, isExactPath bool, handler ServiceHandler) {
	sr.mu.Lock()
	defer sr.mu.Unlock()

	key := RouteKey{Method: strings.ToUpper(method), Path: path}
	sr.handlers[key] = handler
	sr.exactRoutes[key] = isExactPath
}

// GetHandlerForPath finds the appropriate handler for a given path and a boolean of whether or not the handler was found
func (sr *ServiceRegistry) GetHandlerForPath(method, path string) (ServiceHandler, bool) {
	handler, _, found := sr.match(method, path)
	return handler, found
}

// Pattern returns the registered route pattern matching path, for use as a
// low-cardinality label.
func (sr *ServiceRegistry) Pattern(method, path string) (string, bool) {
	_, pattern, found := sr.match(method, path)
	return pattern, found
}

func (sr *ServiceRegistry) match(method, path string) (ServiceHandler, string, bool) {
	sr.mu.RLock()
	defer sr.mu.RUnlock()

	method = strings.ToUpper(method)
	key := RouteKey{Method: method, Path: path}
	if handler, ok := sr.handlers[key]; ok && sr.exactRoutes[key] {
		return handler, path, true
	}

	for routeKey, handler := range sr.handlers {
		if routeKey.Method != method || sr.exactRoutes[routeKey] {
			continue
		}
		if matchPath(routeKey.Path, path) {
			return handler, routeKey.Path, true
		}
	}
	return nil, "", false
}

// matchPath does simple pattern matching for routes.
// It supports patterns like "/lots/:lot" matching "/lots/12"
func matchPath(pattern, path string) bool {
	patternParts := strings.Split(pattern, "/")
	pathParts := strings.Split(path, "/")

	if len(patternParts) != len(pathParts) {
		return false
	}

	for i := range len(patternParts) {
		if strings.HasPrefix(patternParts[i], ":") {
			if pathParts[i] == "" {
				return false
			}
			continue
		}
		if patternParts[i] != pathParts[i] {
			return false
		}
	}
	return true
}

// pathParams extracts the ":name" segments of pattern from path.
func pathParams(pattern, path string) map[string]string {
	params := make(map[string]string)
	patternParts := strings.Split(pattern, "/")
	pathParts := strings.Split(path, "/")
	for i := range patternParts {
		if i < len(pathParts) && strings.HasPrefix(patternParts[i], ":") {
			params[patternParts[i][1:]] = pathParts[i]
		}
	}
	return params
}

// RegisterDefaultServices sets up the ledger commands and queries.
func (sr *ServiceRegistry) RegisterDefaultServices() {
	// Commands
	sr.RegisterHandler(http.MethodPost, "/roles", true, sr.AssignRoleHandler)
	sr.RegisterHandler(http.MethodDelete, "/roles/:address", false, sr.RemoveRoleHandler)
	sr.RegisterHandler(http.MethodPost, "/lots", true, sr.CreateLotsHandler)
	sr.RegisterHandler(http.MethodPost, "/lots/:lot/supervisors", false, sr.AssignSupervisorHandler)
	sr.RegisterHandler(http.MethodPost, "/lots/:lot/supervisors/batch", false, sr.AssignSupervisorsHandler)
	sr.RegisterHandler(http.MethodPost, "/lots/:lot/complete", false, sr.CompleteStepHandler)
	sr.RegisterHandler(http.MethodPost, "/lots/:lot/fail", false, sr.FailStepHandler)
	sr.RegisterHandler(http.MethodPost, "/lots/:lot/temperature", false, sr.TemperatureHandler)
	sr.RegisterHandler(http.MethodPost, "/lots/:lot/location", false, sr.LocationHandler)

	// Queries
	sr.RegisterHandler(http.MethodGet, "/roles", true, sr.ListRolesHandler)
	sr.RegisterHandler(http.MethodGet, "/roles/:address", false, sr.GetRoleHandler)
	sr.RegisterHandler(http.MethodGet, "/lots", true, sr.ListLotsHandler)
	sr.RegisterHandler(http.MethodGet, "/lots/:lot", false, sr.GetLotHandler)
	sr.RegisterHandler(http.MethodGet, "/lots/:lot/steps", false, sr.ListStepsHandler)
	sr.RegisterHandler(http.MethodGet, "/lots/:lot/steps/:index", false, sr.GetStepHandler)
	sr.RegisterHandler(http.MethodGet, "/steps/completed", true, sr.CompletedStepsHandler)
	sr.RegisterHandler(http.MethodGet, "/templates", true, sr.TemplatesHandler)
}

// GenerateResponse executes the request and generates a response
func (req *Request) GenerateResponse(ctx context.Context, services *ServiceRegistry) (*Response, error) {
	handler, pattern, found := services.match(req.Method, req.Path)
	if !found {
		services.logger.Debug("service registry handler not found", "method", req.Method, "path", req.Path)
		resp := jsonResponse(http.StatusNotFound, ErrorBody{
			Error:   "NotFound",
			Message: fmt.Sprintf("service not found for %s %s", req.Method, req.Path),
		})
		resp.Code = ledger.CodeMalformed
		return resp, nil
	}
	req.Params = pathParams(pattern, req.Path)
	return handler(ctx, req)
}

func compactJSON(body string) string {
	var buf bytes.Buffer
	if err := json.Compact(&buf, []byte(body)); err != nil {
		// not JSON, keep the trimmed original
		return strings.TrimSpace(body)
	}
	return buf.String()
}
