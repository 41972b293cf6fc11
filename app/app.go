package app

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/binary"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ahmadzakiakmal/milkchain/ledger"
	"github.com/ahmadzakiakmal/milkchain/metrics"
	"github.com/ahmadzakiakmal/milkchain/repository"
	"github.com/ahmadzakiakmal/milkchain/repository/models"
	"github.com/ahmadzakiakmal/milkchain/srvreg"
	abcitypes "github.com/cometbft/cometbft/abci/types"
	cmtlog "github.com/cometbft/cometbft/libs/log"
	"github.com/dgraph-io/badger/v4"
)

// RequestQueryPath is the ABCI query path that runs a read-only request
// against the committed ledger.
const RequestQueryPath = "/request"

// Projector receives the reporting projection of each committed block.
type Projector interface {
	// Offer must not wait; Commit calls it while holding the app lock.
	Offer(batch *repository.Batch) error
}

// Application implements the ABCI interface for the nodes
type Application struct {
	badgerDB        *badger.DB
	onGoingBlock    *badger.Txn
	serviceRegistry *srvreg.ServiceRegistry
	ledger          *ledger.Ledger
	nodeID          string
	mu              sync.Mutex
	config          *AppConfig
	logger          cmtlog.Logger
	metrics         *metrics.Metrics
	projector       Projector

	height       atomic.Int64
	appHash      []byte
	pendingBatch *repository.Batch
}

// AppConfig contains configuration for the application
type AppConfig struct {
	NodeID        string
	GenesisAdmins []ledger.Address // used when the genesis app_state names none
	LogAllTxs     bool             // Whether to log all transactions, even failed ones
}

// genesisState is the app_state of genesis.json
type genesisState struct {
	Admins []ledger.Address `json:"admins"`
}

// NewABCIApplication creates a new  application
func NewABCIApplication(badgerDB *badger.DB, serviceRegistry *srvreg.ServiceRegistry, config *AppConfig, logger cmtlog.Logger, m *metrics.Metrics) *Application {
	return &Application{
		badgerDB:        badgerDB,
		serviceRegistry: serviceRegistry,
		ledger:          serviceRegistry.Ledger(),
		nodeID:          config.NodeID,
		config:          config,
		logger:          logger,
		metrics:         m,
	}
}

func (app *Application) SetNodeID(id string) {
	app.nodeID = id
}

// SetProjector attaches the reporting projection. Without one, committed
// blocks are only persisted to badger.
func (app *Application) SetProjector(p Projector) {
	app.projector = p
}

// Height returns the last committed block height.
func (app *Application) Height() int64 {
	return app.height.Load()
}

// Info implements the ABCI Info method
func (app *Application) Info(_ context.Context, info *abcitypes.InfoRequest) (*abcitypes.InfoResponse, error) {
	lastBlockHeight, lastBlockAppHash, err := app.lastBlock()
	if err != nil {
		app.logger.Error("Error getting last block info", "err", err)
	}

	return &abcitypes.InfoResponse{
		Data:             "milkchain",
		LastBlockHeight:  lastBlockHeight,
		LastBlockAppHash: lastBlockAppHash,
	}, nil
}

// Query implements the ABCI Query method
func (app *Application) Query(ctx context.Context, req *abcitypes.QueryRequest) (*abcitypes.QueryResponse, error) {
	if len(req.Data) == 0 {
		return &abcitypes.QueryResponse{
			Code: ledger.CodeMalformed,
			Log:  "Empty query data",
		}, nil
	}

	if req.Path == RequestQueryPath {
		return app.queryRequest(ctx, req.Data)
	}

	// Check if this is a request verification query
	if bytes.HasPrefix(req.Data, []byte("verify:")) {
		txID := req.Data[7:] // Skip "verify:" prefix
		return app.verifyTransaction(txID)
	}

	// Handle regular key-value lookup
	resp := abcitypes.QueryResponse{Key: req.Data, Height: app.Height()}

	dbErr := app.badgerDB.View(func(txn *badger.Txn) error {
		item, err := txn.Get(req.Data)

		if err != nil {
			if !errors.Is(err, badger.ErrKeyNotFound) {
				return err
			}
			resp.Log = "key doesn't exist"
			return nil
		}

		return item.Value(func(val []byte) error {
			resp.Log = "exists"
			resp.Value = append([]byte{}, val...)
			return nil
		})
	})

	if dbErr != nil {
		app.logger.Error("Error reading database, unable to execute query", "err", dbErr)
		return &abcitypes.QueryResponse{
			Code: ledger.CodeInternal,
			Log:  fmt.Sprintf("Database error: %v", dbErr),
		}, nil
	}

	return &resp, nil
}

// queryRequest runs a GET request through the service registry. The
// response travels JSON encoded in Value.
func (app *Application) queryRequest(ctx context.Context, data []byte) (*abcitypes.QueryResponse, error) {
	var req srvreg.Request
	if err := json.Unmarshal(data, &req); err != nil {
		return &abcitypes.QueryResponse{
			Code: ledger.CodeMalformed,
			Log:  fmt.Sprintf("Invalid request format: %v", err),
		}, nil
	}
	if req.IsCommand() {
		return &abcitypes.QueryResponse{
			Code: ledger.CodeMalformed,
			Log:  fmt.Sprintf("%s %s must be ordered through consensus", req.Method, req.Path),
		}, nil
	}

	resp, err := app.execute(ctx, &req)
	value, mErr := json.Marshal(resp)
	if mErr != nil {
		return &abcitypes.QueryResponse{
			Code: ledger.CodeInternal,
			Log:  fmt.Sprintf("Failed to encode response: %v", mErr),
		}, nil
	}
	log := ledger.CodeName(resp.Code)
	if err != nil {
		log = err.Error()
	}
	return &abcitypes.QueryResponse{
		Code:   resp.Code,
		Key:    []byte(req.Path),
		Value:  value,
		Log:    log,
		Height: app.Height(),
	}, nil
}

// verifyTransaction looks up a transaction and its consensus status
func (app *Application) verifyTransaction(txID []byte) (*abcitypes.QueryResponse, error) {
	var resp abcitypes.QueryResponse

	err := app.badgerDB.View(func(txn *badger.Txn) error {
		// Get transaction details
		item, err := txn.Get(txKey(string(txID)))
		if err != nil {
			if errors.Is(err, badger.ErrKeyNotFound) {
				resp.Log = "Transaction not found"
				resp.Code = ledger.CodeMalformed
				return nil
			}
			return err
		}

		var txData []byte
		err = item.Value(func(val []byte) error {
			txData = append([]byte{}, val...)
			return nil
		})
		if err != nil {
			return err
		}

		// Get consensus status
		item, err = txn.Get(statusKey(string(txID)))
		if err != nil && !errors.Is(err, badger.ErrKeyNotFound) {
			return err
		}

		var status string = "unknown"
		if err == nil {
			err = item.Value(func(val []byte) error {
				status = string(val)
				return nil
			})
			if err != nil {
				return err
			}
		}

		// Create response with transaction and status
		resp.Value = txData
		resp.Log = status
		resp.Code = ledger.CodeOK
		return nil
	})

	if err != nil {
		resp.Code = ledger.CodeInternal
		resp.Log = fmt.Sprintf("Database error: %v", err)
	}

	return &resp, nil
}

// validateTx checks that txBytes is a command some handler serves.
func (app *Application) validateTx(txBytes []byte) (*srvreg.Transaction, error) {
	var tx srvreg.Transaction
	if err := json.Unmarshal(txBytes, &tx); err != nil {
		return nil, fmt.Errorf("fail to parse tx: %w", err)
	}
	if !tx.Request.IsCommand() {
		return nil, fmt.Errorf("%s %s is a query and is not ordered", tx.Request.Method, tx.Request.Path)
	}
	if _, found := app.serviceRegistry.GetHandlerForPath(tx.Request.Method, tx.Request.Path); !found {
		return nil, fmt.Errorf("no handler for %s %s", tx.Request.Method, tx.Request.Path)
	}
	return &tx, nil
}

// CheckTx implements the ABCI CheckTx method
func (app *Application) CheckTx(
	_ context.Context,
	check *abcitypes.CheckTxRequest,
) (*abcitypes.CheckTxResponse, error) {
	if _, err := app.validateTx(check.Tx); err != nil {
		return &abcitypes.CheckTxResponse{
			Code: ledger.CodeMalformed,
			Log:  err.Error(),
		}, nil
	}

	return &abcitypes.CheckTxResponse{
		Code: ledger.CodeOK,
	}, nil
}

// InitChain implements the ABCI InitChain method. It installs the genesis
// admins, taken from app_state or, when that names none, from the node
// configuration.
func (app *Application) InitChain(_ context.Context, chain *abcitypes.InitChainRequest) (*abcitypes.InitChainResponse, error) {
	var state genesisState
	if len(bytes.TrimSpace(chain.AppStateBytes)) > 0 {
		if err := json.Unmarshal(chain.AppStateBytes, &state); err != nil {
			return nil, fmt.Errorf("invalid genesis app_state: %w", err)
		}
	}
	admins := state.Admins
	if len(admins) == 0 {
		admins = app.config.GenesisAdmins
	}

	if err := app.ledger.Genesis(admins); err != nil {
		return nil, fmt.Errorf("installing genesis admins: %w", err)
	}
	app.logger.Info("Genesis admins installed", "chain_id", chain.ChainId, "admins", len(admins))

	return &abcitypes.InitChainResponse{}, nil
}

// PrepareProposal implements the ABCI PrepareProposal method
func (app *Application) PrepareProposal(_ context.Context, proposal *abcitypes.PrepareProposalRequest) (*abcitypes.PrepareProposalResponse, error) {
	// Include all transactions
	return &abcitypes.PrepareProposalResponse{Txs: proposal.Txs}, nil
}

// ProcessProposal implements the ABCI ProcessProposal method. A block is
// rejected when it carries a transaction no handler can execute.
func (app *Application) ProcessProposal(
	_ context.Context,
	proposal *abcitypes.ProcessProposalRequest,
) (*abcitypes.ProcessProposalResponse, error) {
	for i, txBytes := range proposal.Txs {
		if _, err := app.validateTx(txBytes); err != nil {
			app.logger.Info("Voted invalid", "height", proposal.Height, "tx", i, "err", err)
			return &abcitypes.ProcessProposalResponse{
				Status: abcitypes.PROCESS_PROPOSAL_STATUS_REJECT,
			}, nil
		}
	}
	return &abcitypes.ProcessProposalResponse{Status: abcitypes.
		PROCESS_PROPOSAL_STATUS_ACCEPT,
	}, nil
}

// FinalizeBlock implements the ABCI FinalizeBlock method. Commands run in
// block order with the block time as their effective time.
func (app *Application) FinalizeBlock(
	ctx context.Context,
	req *abcitypes.FinalizeBlockRequest,
) (*abcitypes.FinalizeBlockResponse, error) {
	start := time.Now()
	var txResults = make([]*abcitypes.ExecTxResult, len(req.Txs))

	app.mu.Lock()
	defer app.mu.Unlock()

	app.onGoingBlock = app.badgerDB.NewTransaction(true)
	batch := &repository.Batch{Height: req.Height, Time: req.Time.UTC()}

	for i, txBytes := range req.Txs {
		var tx srvreg.Transaction

		if err := json.Unmarshal(txBytes, &tx); err != nil {
			txResults[i] = &abcitypes.ExecTxResult{
				Code: ledger.CodeMalformed,
				Log:  "Invalid transaction format",
			}
			app.metrics.TxResult(ledger.CodeName(ledger.CodeMalformed))
			continue
		}
		tx.BlockHeight = req.Height
		tx.Request.BlockTime = req.Time

		var resp *srvreg.Response
		var err error
		if tx.Request.IsCommand() {
			resp, err = app.execute(ctx, &tx.Request)
		} else {
			resp = &srvreg.Response{
				StatusCode: http.StatusBadRequest,
				Error:      "queries are not ordered",
				Code:       ledger.CodeMalformed,
			}
		}
		if err != nil {
			app.logger.Debug("Command rejected", "request_id", tx.Request.RequestID, "path", tx.Request.Path, "err", err)
		}

		txID := generateTxID(tx.Request.RequestID, tx.OriginNodeID)
		txResults[i] = app.storeTransaction(txID, &tx, resp, txBytes)
		app.metrics.TxResult(ledger.CodeName(resp.Code))

		caller, _ := tx.Request.Caller()
		batch.Txs = append(batch.Txs, models.Transaction{
			TxID:        txID,
			RequestID:   tx.Request.RequestID,
			Method:      tx.Request.Method,
			Path:        tx.Request.Path,
			Caller:      caller.String(),
			Code:        resp.Code,
			CodeName:    ledger.CodeName(resp.Code),
			BlockHeight: req.Height,
			Timestamp:   req.Time.UTC(),
		})
	}

	stateWrites, err := app.persistChanges(batch)
	if err != nil {
		app.onGoingBlock.Discard()
		return nil, fmt.Errorf("persisting block %d: %w", req.Height, err)
	}

	// calculate application hash
	appHash := calculateAppHash(app.appHash, txResults, stateWrites)

	// store block info
	if err := app.onGoingBlock.Set(lastBlockHeightKey, int64ToBytes(req.Height)); err != nil {
		app.logger.Error("Error storing block height", "err", err)
		return nil, err
	}
	if err := app.onGoingBlock.Set(lastBlockAppHashKey, appHash); err != nil {
		app.logger.Error("Error storing app hash", "err", err)
		return nil, err
	}

	app.appHash = appHash
	app.pendingBatch = batch
	app.metrics.ObserveBlock(time.Since(start))

	return &abcitypes.FinalizeBlockResponse{
		TxResults: txResults,
		AppHash:   appHash,
	}, nil
}

// execute runs req through the service registry. It always returns a
// response; the error only carries the rejection reason.
func (app *Application) execute(ctx context.Context, req *srvreg.Request) (*srvreg.Response, error) {
	resp, err := req.GenerateResponse(ctx, app.serviceRegistry)
	if resp == nil {
		name, code := ledger.CodeOf(err)
		msg := name
		if err != nil {
			msg = err.Error()
		}
		resp = &srvreg.Response{
			StatusCode: srvreg.StatusFor(code),
			Error:      msg,
			Code:       code,
		}
	}
	return resp, err
}

// Commit implements the ABCI Commit method
func (app *Application) Commit(_ context.Context, commit *abcitypes.CommitRequest) (*abcitypes.CommitResponse, error) {
	app.mu.Lock()
	defer app.mu.Unlock()

	if app.onGoingBlock == nil {
		return &abcitypes.CommitResponse{}, nil
	}
	// Commit changes to the database
	if err := app.onGoingBlock.Commit(); err != nil {
		app.logger.Error("Error committing block", "err", err)
		return nil, err
	}
	app.onGoingBlock = nil

	batch := app.pendingBatch
	app.pendingBatch = nil
	if batch == nil {
		return &abcitypes.CommitResponse{}, nil
	}
	app.height.Store(batch.Height)
	app.metrics.BlockCommitted(batch.Height)

	if app.projector != nil {
		if err := app.projector.Offer(batch); err != nil {
			app.logger.Error("Projection batch not queued", "height", batch.Height, "err", err)
		}
	}

	return &abcitypes.CommitResponse{}, nil
}

// ListSnapshots implements the ABCI ListSnapshots method
func (app *Application) ListSnapshots(_ context.Context, snapshots *abcitypes.ListSnapshotsRequest) (*abcitypes.ListSnapshotsResponse, error) {
	return &abcitypes.ListSnapshotsResponse{}, nil
}

// OfferSnapshot implements the ABCI OfferSnapshot method
func (app *Application) OfferSnapshot(_ context.Context, snapshot *abcitypes.OfferSnapshotRequest) (*abcitypes.OfferSnapshotResponse, error) {
	return &abcitypes.OfferSnapshotResponse{}, nil
}

// LoadSnapshotChunk implements the ABCI LoadSnapshotChunk method
func (app *Application) LoadSnapshotChunk(_ context.Context, chunk *abcitypes.LoadSnapshotChunkRequest) (*abcitypes.LoadSnapshotChunkResponse, error) {
	return &abcitypes.LoadSnapshotChunkResponse{}, nil
}

// ApplySnapshotChunk implements the ABCI ApplySnapshotChunk method
func (app *Application) ApplySnapshotChunk(_ context.Context, chunk *abcitypes.ApplySnapshotChunkRequest) (*abcitypes.ApplySnapshotChunkResponse, error) {
	return &abcitypes.ApplySnapshotChunkResponse{
		Result: abcitypes.APPLY_SNAPSHOT_CHUNK_RESULT_ACCEPT,
	}, nil
}

// ExtendVote implements the ABCI ExtendVote method
func (app *Application) ExtendVote(_ context.Context, extend *abcitypes.ExtendVoteRequest) (*abcitypes.ExtendVoteResponse, error) {
	return &abcitypes.ExtendVoteResponse{}, nil
}

// VerifyVoteExtension implements the ABCI VerifyVoteExtension method
func (app *Application) VerifyVoteExtension(_ context.Context, verify *abcitypes.VerifyVoteExtensionRequest) (*abcitypes.VerifyVoteExtensionResponse, error) {
	return &abcitypes.VerifyVoteExtensionResponse{}, nil
}

// Helper Functions

// storeTransaction stores the transaction in the database
func (app *Application) storeTransaction(txID string, tx *srvreg.Transaction, resp *srvreg.Response, rawTx []byte) *abcitypes.ExecTxResult {
	codeName := ledger.CodeName(resp.Code)
	status := "accepted"
	if resp.Code != ledger.CodeOK {
		status = "rejected:" + codeName
	}

	data, err := json.Marshal(resp)
	if err != nil {
		return &abcitypes.ExecTxResult{
			Code: ledger.CodeInternal,
			Log:  fmt.Sprintf("Failed to encode response: %v", err),
		}
	}

	if resp.Code == ledger.CodeOK || app.config.LogAllTxs {
		if err := app.onGoingBlock.Set(txKey(txID), rawTx); err != nil {
			app.logger.Error("Error storing transaction", "err", err)
			return &abcitypes.ExecTxResult{
				Code: ledger.CodeInternal,
				Log:  fmt.Sprintf("Database error: %v", err),
			}
		}
		if err := app.onGoingBlock.Set(statusKey(txID), []byte(status)); err != nil {
			app.logger.Error("Error storing transaction status", "err", err)
		}
	}

	caller, _ := tx.Request.Caller()

	// Create events for the transaction
	events := []abcitypes.Event{
		{
			Type: "milkchain_tx",
			Attributes: []abcitypes.EventAttribute{
				{Key: "request_id", Value: tx.Request.RequestID, Index: true},
				{Key: "origin_node", Value: tx.OriginNodeID, Index: true},
				{Key: "status", Value: status, Index: true},
				{Key: "tx_id", Value: txID, Index: true},
				{Key: "caller", Value: caller.String(), Index: true},
			},
		},
		{
			Type: "request",
			Attributes: []abcitypes.EventAttribute{
				{Key: "method", Value: tx.Request.Method, Index: true},
				{Key: "path", Value: tx.Request.Path, Index: true},
			},
		},
	}

	return &abcitypes.ExecTxResult{
		Code:      resp.Code,
		Data:      data,
		Log:       status,
		Info:      txID,
		Codespace: codespace,
		Events:    events,
	}
}

const codespace = "milkchain"

// generateTxID generates a unique ID for a transaction
func generateTxID(requestID, nodeID string) string {
	hash := sha256.Sum256([]byte(requestID + nodeID))
	return hex.EncodeToString(hash[:])
}

// calculateAppHash chains the previous hash with the block's results and
// every state write, in order.
func calculateAppHash(prev []byte, txResults []*abcitypes.ExecTxResult, stateWrites [][]byte) []byte {
	hasher := sha256.New()
	hasher.Write(prev)

	code := make([]byte, 4)
	for _, result := range txResults {
		binary.BigEndian.PutUint32(code, result.Code)
		hasher.Write(code)
		hasher.Write(result.Data)
	}
	for _, w := range stateWrites {
		hasher.Write(w)
	}

	return hasher.Sum(nil)
}

// int64ToBytes converts an int64 to bytes
func int64ToBytes(i int64) []byte {
	buf := make([]byte, 8)
	binary.BigEndian.PutUint64(buf, uint64(i))
	return buf
}

// bytesToInt64 converts bytes to an int64
func bytesToInt64(buf []byte) int64 {
	if len(buf) < 8 {
		return 0
	}
	return int64(binary.BigEndian.Uint64(buf))
}
