package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/ahmadzakiakmal/milkchain/app"
	"github.com/ahmadzakiakmal/milkchain/ledger"
	"github.com/ahmadzakiakmal/milkchain/metrics"
	"github.com/ahmadzakiakmal/milkchain/repository"
	service_registry "github.com/ahmadzakiakmal/milkchain/srvreg"
	cmtbytes "github.com/cometbft/cometbft/libs/bytes"
	cmtlog "github.com/cometbft/cometbft/libs/log"
	nm "github.com/cometbft/cometbft/node"
	cmtrpc "github.com/cometbft/cometbft/rpc/client/local"
	ctypes "github.com/cometbft/cometbft/rpc/core/types"
	"github.com/google/uuid"
)

// chainClient is the part of the CometBFT RPC surface the web server reads
// from.
type chainClient interface {
	ABCIQuery(ctx context.Context, path string, data cmtbytes.HexBytes) (*ctypes.ResultABCIQuery, error)
	ABCIInfo(ctx context.Context) (*ctypes.ResultABCIInfo, error)
	Status(ctx context.Context) (*ctypes.ResultStatus, error)
	Block(ctx context.Context, height *int64) (*ctypes.ResultBlock, error)
	TxSearch(ctx context.Context, query string, prove bool, page, perPage *int, orderBy string) (*ctypes.ResultTxSearch, error)
}

// WebServer handles HTTP requests
type WebServer struct {
	app             *app.Application
	httpAddr        string
	server          *http.Server
	logger          cmtlog.Logger
	node            *nm.Node
	nodeID          string
	startTime       time.Time
	serviceRegistry *service_registry.ServiceRegistry
	chain           chainClient
	repository      *repository.Repository
	metrics         *metrics.Metrics
	requestTimeout  time.Duration
}

// TransactionStatus represents the consensus status of a transaction
type TransactionStatus struct {
	TxID         string          `json:"tx_id,omitempty"`
	RequestID    string          `json:"request_id"`
	Status       string          `json:"status"`
	BlockHeight  int64           `json:"block_height"`
	BlockHash    string          `json:"block_hash,omitempty"`
	ConfirmTime  time.Time       `json:"confirm_time"`
	ResponseInfo ResponseInfo    `json:"response_info"`
	BlockTxs     *BlockTxsDetail `json:"block_txs,omitempty"`
}

// BlockTxsDetail contains the transactions within a block
type BlockTxsDetail struct {
	BlockTransactions    []service_registry.Transaction `json:"block_transactions"`
	BlockTransactionsB64 []string                       `json:"block_transactions_b64"`
}

// ResponseInfo contains information about the response
type ResponseInfo struct {
	StatusCode  int    `json:"status_code"`
	Code        string `json:"code"`
	ContentType string `json:"content_type,omitempty"`
	BodyLength  int    `json:"body_length"`
}

// ClientResponse is the response format sent to clients
type ClientResponse struct {
	StatusCode    int               `json:"-"` // Not included in JSON
	Headers       map[string]string `json:"-"` // Not included in JSON
	Body          interface{}       `json:"body"`
	Meta          TransactionStatus `json:"meta"`
	BlockchainRef string            `json:"blockchain_ref,omitempty"`
	NodeID        string            `json:"node_id"`
}

// apiError is a transport level failure with its HTTP status
type apiError struct {
	status  int
	message string
}

func (e *apiError) Error() string { return e.message }

// NewWebServer creates a new web server
func NewWebServer(
	app *app.Application,
	httpPort string,
	logger cmtlog.Logger,
	node *nm.Node,
	serviceRegistry *service_registry.ServiceRegistry,
	repository *repository.Repository,
	m *metrics.Metrics,
	requestTimeout time.Duration,
) (*WebServer, error) {
	if node == nil {
		return nil, errors.New("node is required")
	}
	ws := newWebServer(app, httpPort, logger, cmtrpc.New(node), string(node.NodeInfo().ID()), serviceRegistry, repository, m, requestTimeout)
	ws.node = node
	return ws, nil
}

func newWebServer(
	app *app.Application,
	httpPort string,
	logger cmtlog.Logger,
	chain chainClient,
	nodeID string,
	serviceRegistry *service_registry.ServiceRegistry,
	repository *repository.Repository,
	m *metrics.Metrics,
	requestTimeout time.Duration,
) *WebServer {
	mux := http.NewServeMux()

	server := &WebServer{
		app:      app,
		httpAddr: ":" + httpPort,
		server: &http.Server{
			Addr:              ":" + httpPort,
			Handler:           mux,
			ReadHeaderTimeout: 10 * time.Second,
		},
		logger:          logger,
		nodeID:          nodeID,
		startTime:       time.Now(),
		serviceRegistry: serviceRegistry,
		chain:           chain,
		repository:      repository,
		metrics:         m,
		requestTimeout:  requestTimeout,
	}

	// Register routes
	mux.HandleFunc("/", server.handleRoot)
	mux.HandleFunc("/debug", server.handleDebug)
	mux.HandleFunc("/status/", server.handleTransactionStatus)
	mux.HandleFunc("/block/", server.handleBlockInfo)
	mux.Handle("/metrics", m.Handler())
	mux.HandleFunc("/reports/lots", server.handleReportLots)
	mux.HandleFunc("/reports/summary", server.handleReportSummary)
	// Ledger endpoints
	for _, prefix := range []string{"/roles", "/roles/", "/lots", "/lots/", "/steps/", "/templates"} {
		mux.HandleFunc(prefix, server.handleLedgerAPI)
	}

	return server
}

// Start starts the web server
func (ws *WebServer) Start() error {
	ws.logger.Info("Starting web server", "addr", ws.httpAddr)
	go func() {
		if err := ws.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			ws.logger.Error("web server error: ", "err", err)
		}
	}()
	return nil
}

// Shutdown gracefully shuts down the web server
func (ws *WebServer) Shutdown(ctx context.Context) error {
	ws.logger.Info("Shutting down web server")
	return ws.server.Shutdown(ctx)
}

// handleRoot handles the root endpoint which shows node status
func (ws *WebServer) handleRoot(w http.ResponseWriter, r *http.Request) {
	if r.URL.Path != "/" {
		JSONError(w, "Not found", http.StatusNotFound)
		return
	}
	if r.Method != http.MethodGet {
		JSONError(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	w.Header().Set("Content-Type", "text/html")

	w.Write([]byte("<h1>Milkchain Supply Chain Node</h1>"))
	w.Write([]byte("<p>Node ID: " + ws.nodeID + "</p>"))
	w.Write([]byte(fmt.Sprintf("<p>Block height: %d</p>", ws.app.Height())))
	if ws.node != nil {
		rpcPort := extractPortFromAddress(ws.node.Config().RPC.ListenAddress)
		rpcAddrHtml := fmt.Sprintf("<p>RPC Address: <a href=\"http://localhost:%s\">http://localhost:%s</a>", rpcPort, rpcPort)
		w.Write([]byte(rpcAddrHtml))
	}
}

// handleLedgerAPI routes ledger requests: commands are ordered through
// consensus, queries read the committed state through ABCI query.
func (ws *WebServer) handleLedgerAPI(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	sw := &statusWriter{ResponseWriter: w, status: http.StatusOK}
	route := "unmatched"
	defer func() {
		ws.metrics.ObserveHTTP(r.Method, route, sw.status, time.Since(start))
	}()

	pattern, found := ws.serviceRegistry.Pattern(r.Method, r.URL.Path)
	if !found {
		JSONError(sw, fmt.Sprintf("No route for %s %s", r.Method, r.URL.Path), http.StatusNotFound)
		return
	}
	route = pattern

	requestID := uuid.NewString()
	request, err := service_registry.ConvertHttpRequestToConsensusRequest(r, requestID)
	if err != nil {
		JSONError(sw, "Failed to convert request: "+err.Error(), http.StatusUnprocessableEntity)
		ws.logger.Error("Failed to convert HTTP request", "err", err)
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), ws.requestTimeout)
	defer cancel()

	var response *service_registry.Response
	var meta TransactionStatus
	if request.IsCommand() {
		response, meta, err = ws.runCommand(ctx, request)
	} else {
		response, meta, err = ws.runQuery(ctx, request)
	}
	if err != nil {
		status := http.StatusInternalServerError
		var apiErr *apiError
		if errors.As(err, &apiErr) {
			status = apiErr.status
		}
		ws.logger.Error("Ledger request failed", "request_id", requestID, "method", request.Method, "path", request.Path, "err", err)
		JSONError(sw, err.Error(), status)
		return
	}

	ws.writeClientResponse(sw, response, meta)
	if request.IsCommand() {
		ws.logger.Info("Command ordered",
			"request_id", requestID,
			"method", request.Method,
			"path", request.Path,
			"status", response.StatusCode,
			"height", meta.BlockHeight,
		)
	}
}

// runCommand submits request to consensus and returns the response the
// ledger computed when the block was finalized.
func (ws *WebServer) runCommand(ctx context.Context, request *service_registry.Request) (*service_registry.Response, TransactionStatus, error) {
	transaction := &service_registry.Transaction{
		Request:      *request,
		OriginNodeID: ws.nodeID,
	}
	meta := TransactionStatus{RequestID: request.RequestID}

	result, repoErr := ws.repository.RunConsensus(ctx, transaction)
	if repoErr != nil {
		status := http.StatusInternalServerError
		if repoErr.Code == repository.ErrCodeConsensusTimeout {
			status = http.StatusGatewayTimeout
		}
		return nil, meta, &apiError{status: status, message: "Consensus error occurred: " + repoErr.Error()}
	}

	response := decodeResponse(result.Data, result.TxCode, result.Log)
	meta.TxID = result.TxHash
	meta.BlockHeight = result.BlockHeight
	meta.Status = "confirmed"
	if response.Code != ledger.CodeOK {
		meta.Status = "rejected"
	}
	meta.ConfirmTime = time.Now().UTC()
	meta.ResponseInfo = responseInfo(response)
	return response, meta, nil
}

// runQuery serves a read request from the committed ledger of this node.
func (ws *WebServer) runQuery(ctx context.Context, request *service_registry.Request) (*service_registry.Response, TransactionStatus, error) {
	meta := TransactionStatus{RequestID: request.RequestID}

	data, err := json.Marshal(request)
	if err != nil {
		return nil, meta, err
	}
	result, err := ws.chain.ABCIQuery(ctx, app.RequestQueryPath, data)
	if err != nil {
		return nil, meta, &apiError{status: http.StatusServiceUnavailable, message: "Query failed: " + err.Error()}
	}

	response := decodeResponse(result.Response.Value, result.Response.Code, result.Response.Log)
	meta.Status = "committed"
	meta.BlockHeight = result.Response.Height
	meta.ConfirmTime = time.Now().UTC()
	meta.ResponseInfo = responseInfo(response)
	return response, meta, nil
}

// decodeResponse recovers the handler response carried in a tx result or
// query value.
func decodeResponse(data []byte, code uint32, log string) *service_registry.Response {
	var response service_registry.Response
	if len(data) > 0 && json.Unmarshal(data, &response) == nil && response.StatusCode != 0 {
		return &response
	}
	name := ledger.CodeName(code)
	body, _ := json.Marshal(service_registry.ErrorBody{Error: name, Message: log})
	return &service_registry.Response{
		StatusCode: service_registry.StatusFor(code),
		Headers:    map[string]string{"Content-Type": "application/json"},
		Body:       string(body),
		Error:      log,
		Code:       code,
	}
}

func responseInfo(response *service_registry.Response) ResponseInfo {
	return ResponseInfo{
		StatusCode:  response.StatusCode,
		Code:        ledger.CodeName(response.Code),
		ContentType: response.Headers["Content-Type"],
		BodyLength:  len(response.Body),
	}
}

func (ws *WebServer) writeClientResponse(w http.ResponseWriter, response *service_registry.Response, meta TransactionStatus) {
	apiResponse := ClientResponse{
		StatusCode:    response.StatusCode,
		Headers:       response.Headers,
		Body:          response.ParseBody(),
		Meta:          meta,
		BlockchainRef: meta.TxID,
		NodeID:        ws.nodeID,
	}

	for key, value := range response.Headers {
		w.Header().Set(key, value)
	}

	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("X-Request-ID", meta.RequestID)
	w.WriteHeader(response.StatusCode)
	encoder := json.NewEncoder(w)
	encoder.SetIndent("", "  ")
	if err := encoder.Encode(apiResponse); err != nil {
		ws.logger.Error("Failed to encode client response", "err", err)
	}
}

// statusWriter remembers the status code written through it
type statusWriter struct {
	http.ResponseWriter
	status int
}

func (sw *statusWriter) WriteHeader(code int) {
	sw.status = code
	sw.ResponseWriter.WriteHeader(code)
}

// extractPortFromAddress extracts the port from an address string
func extractPortFromAddress(address string) string {
	for i := len(address) - 1; i >= 0; i-- {
		if address[i] == ':' {
			return address[i+1:]
		}
	}
	return ""
}

// JSONError sends a JSON formatted error response with the given status code and message
func JSONError(w http.ResponseWriter, message string, statusCode int) {
	errorResponse := struct {
		Error string `json:"error"`
	}{
		Error: message,
	}
	jsonBytes, err := json.Marshal(errorResponse)
	if err != nil {
		http.Error(w, "Internal server error: "+err.Error(), http.StatusInternalServerError)
		return
	}

	// Set content type and status code
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)

	// Write JSON response
	w.Write(jsonBytes)
}
