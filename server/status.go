package server

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/ahmadzakiakmal/milkchain/repository"
	service_registry "github.com/ahmadzakiakmal/milkchain/srvreg"
	cmttypes "github.com/cometbft/cometbft/types"
)

// handleDebug provides debugging information
func (ws *WebServer) handleDebug(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		JSONError(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	debugInfo := map[string]interface{}{
		"node_id":         ws.nodeID,
		"uptime":          time.Since(ws.startTime).String(),
		"app_height":      ws.app.Height(),
		"lots":            ws.serviceRegistry.Ledger().Factory().Len(),
		"role_holders":    len(ws.serviceRegistry.Ledger().ListAssignments()),
		"reporting_db":    ws.repository.Enabled(),
		"request_timeout": ws.requestTimeout.String(),
	}

	if ws.node != nil {
		nodeStatus := "online"
		if ws.node.ConsensusReactor().WaitSync() {
			nodeStatus = "syncing"
		}
		if !ws.node.IsListening() {
			nodeStatus = "offline"
		}
		debugInfo["node_status"] = nodeStatus
		debugInfo["p2p_address"] = ws.node.Config().P2P.ListenAddress
		debugInfo["rpc_address"] = ws.node.Config().RPC.ListenAddress

		outboundPeers, inboundPeers, dialingPeers := ws.node.Switch().NumPeers()
		debugInfo["num_peers_out"] = outboundPeers
		debugInfo["num_peers_in"] = inboundPeers
		debugInfo["num_peers_dialing"] = dialingPeers
	}

	// Get CometBFT status
	status, err := ws.chain.Status(r.Context())
	if err != nil {
		debugInfo["cometbft_error"] = err.Error()
	} else {
		debugInfo["latest_block_height"] = status.SyncInfo.LatestBlockHeight
		debugInfo["latest_block_time"] = status.SyncInfo.LatestBlockTime
		debugInfo["catching_up"] = status.SyncInfo.CatchingUp
	}

	// Add ABCI info
	abciInfo, err := ws.chain.ABCIInfo(r.Context())
	if err != nil {
		debugInfo["abci_error"] = err.Error()
	} else {
		debugInfo["abci_version"] = abciInfo.Response.Version
		debugInfo["app_version"] = abciInfo.Response.AppVersion
		debugInfo["last_block_height"] = abciInfo.Response.LastBlockHeight
		debugInfo["last_block_app_hash"] = fmt.Sprintf("%X", abciInfo.Response.LastBlockAppHash)
	}

	writeJSON(w, http.StatusOK, debugInfo)
}

// handleTransactionStatus returns the status of a transaction
func (ws *WebServer) handleTransactionStatus(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		JSONError(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	// Extract transaction hash from URL
	pathParts := strings.Split(r.URL.Path, "/")
	if len(pathParts) != 3 || pathParts[1] != "status" || pathParts[2] == "" {
		JSONError(w, "Invalid transaction ID", http.StatusBadRequest)
		return
	}

	txHash := pathParts[2]

	status, err := ws.checkTransactionStatus(r.Context(), txHash)
	if err != nil {
		JSONError(w, "Error checking transaction status: "+err.Error(), http.StatusInternalServerError)
		return
	}

	if status == nil {
		JSONError(w, "Transaction not found", http.StatusNotFound)
		return
	}

	writeJSON(w, http.StatusOK, status)
}

// checkTransactionStatus checks the status of a transaction in the blockchain
func (ws *WebServer) checkTransactionStatus(ctx context.Context, txHash string) (*TransactionStatus, error) {
	query := fmt.Sprintf("tx.hash='%s'", strings.ToUpper(txHash))
	res, err := ws.chain.TxSearch(ctx, query, false, nil, nil, "")
	if err != nil {
		return nil, fmt.Errorf("error searching for transaction: %w", err)
	}

	if len(res.Txs) == 0 {
		return nil, nil // Transaction not found
	}

	tx := res.Txs[0]

	var completeTx service_registry.Transaction
	if err := json.Unmarshal(tx.Tx, &completeTx); err != nil {
		return nil, fmt.Errorf("error parsing transaction: %w", err)
	}

	// Extract events
	status := "pending"
	for _, event := range tx.TxResult.Events {
		if event.Type == "milkchain_tx" {
			for _, attr := range event.Attributes {
				if attr.Key == "status" {
					status = attr.Value
				}
			}
		}
	}

	response := decodeResponse(tx.TxResult.Data, tx.TxResult.Code, tx.TxResult.Log)

	txStatus := &TransactionStatus{
		TxID:         fmt.Sprintf("%X", tx.Hash),
		RequestID:    completeTx.Request.RequestID,
		Status:       status,
		BlockHeight:  tx.Height,
		ResponseInfo: responseInfo(response),
	}

	block, err := ws.chain.Block(ctx, &tx.Height)
	if err != nil {
		return nil, fmt.Errorf("error getting block: %w", err)
	}
	if block.Block == nil {
		ws.logger.Info("Block not found", "height", tx.Height)
		return txStatus, nil
	}
	txStatus.BlockHash = fmt.Sprintf("%X", block.BlockID.Hash)
	txStatus.ConfirmTime = block.Block.Time
	txStatus.BlockTxs = ws.blockTransactions(block.Block.Txs)

	return txStatus, nil
}

func (ws *WebServer) blockTransactions(txs cmttypes.Txs) *BlockTxsDetail {
	detail := &BlockTxsDetail{
		BlockTransactions:    []service_registry.Transaction{},
		BlockTransactionsB64: []string{},
	}
	for _, tx := range txs {
		detail.BlockTransactionsB64 = append(detail.BlockTransactionsB64, base64.StdEncoding.EncodeToString(tx))

		var parsedTx service_registry.Transaction
		if err := json.Unmarshal(tx, &parsedTx); err != nil {
			ws.logger.Error("Failed to parse transaction", "err", err)
			continue
		}
		detail.BlockTransactions = append(detail.BlockTransactions, parsedTx)
	}
	return detail
}

// handleBlockInfo returns block information for a given height
func (ws *WebServer) handleBlockInfo(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		JSONError(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	pathParts := strings.Split(r.URL.Path, "/")
	if len(pathParts) != 3 || pathParts[1] != "block" {
		JSONError(w, "Invalid block height", http.StatusBadRequest)
		return
	}

	height, err := strconv.ParseInt(pathParts[2], 10, 64)
	if err != nil || height < 1 {
		JSONError(w, "Invalid block height format", http.StatusBadRequest)
		return
	}

	block, err := ws.chain.Block(r.Context(), &height)
	if err != nil {
		JSONError(w, "Error fetching block: "+err.Error(), http.StatusInternalServerError)
		return
	}

	if block.Block == nil {
		JSONError(w, "Block not found", http.StatusNotFound)
		return
	}

	txs := ws.blockTransactions(block.Block.Txs)
	blockInfo := struct {
		Height          int64                          `json:"height"`
		Hash            string                         `json:"hash"`
		Time            time.Time                      `json:"time"`
		NumTxs          int                            `json:"num_txs"`
		Transactions    []service_registry.Transaction `json:"transactions"`
		TransactionsB64 []string                       `json:"transactions_b64"`
		ProposerAddress string                         `json:"proposer_address"`
		AppHash         string                         `json:"app_hash"`
	}{
		Height:          block.Block.Height,
		Hash:            fmt.Sprintf("%X", block.BlockID.Hash),
		Time:            block.Block.Time,
		NumTxs:          len(block.Block.Txs),
		Transactions:    txs.BlockTransactions,
		TransactionsB64: txs.BlockTransactionsB64,
		ProposerAddress: fmt.Sprintf("%X", block.Block.ProposerAddress),
		AppHash:         fmt.Sprintf("%X", block.Block.AppHash),
	}

	writeJSON(w, http.StatusOK, blockInfo)
}

// handleReportLots lists lots from the reporting database
func (ws *WebServer) handleReportLots(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		JSONError(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	if !ws.repository.Enabled() {
		JSONError(w, "Reporting database is not configured", http.StatusServiceUnavailable)
		return
	}

	query := r.URL.Query()
	filter := repository.LotReportFilter{
		Status:  query.Get("status"),
		Variant: query.Get("variant"),
	}
	for name, dst := range map[string]*int{"limit": &filter.Limit, "offset": &filter.Offset} {
		if s := query.Get(name); s != "" {
			n, err := strconv.Atoi(s)
			if err != nil || n < 0 {
				JSONError(w, fmt.Sprintf("Invalid %s %q", name, s), http.StatusBadRequest)
				return
			}
			*dst = n
		}
	}

	lots, repoErr := ws.repository.ListLots(r.Context(), filter)
	if repoErr != nil {
		ws.logger.Error("Report query failed", "err", repoErr)
		JSONError(w, repoErr.Error(), http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, lots)
}

// handleReportSummary counts lots per variant and status
func (ws *WebServer) handleReportSummary(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		JSONError(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	if !ws.repository.Enabled() {
		JSONError(w, "Reporting database is not configured", http.StatusServiceUnavailable)
		return
	}

	summary, repoErr := ws.repository.LotSummary(r.Context())
	if repoErr != nil {
		ws.logger.Error("Report query failed", "err", repoErr)
		JSONError(w, repoErr.Error(), http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, summary)
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	encoder := json.NewEncoder(w)
	encoder.SetIndent("", "  ")
	encoder.Encode(v)
}
