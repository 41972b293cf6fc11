package repository

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/ahmadzakiakmal/milkchain/ledger"
	"github.com/ahmadzakiakmal/milkchain/repository/models"
	"github.com/cenkalti/backoff/v4"
	cmtlog "github.com/cometbft/cometbft/libs/log"
	cmtrpctypes "github.com/cometbft/cometbft/rpc/core/types"
	cmttypes "github.com/cometbft/cometbft/types"
	"github.com/jackc/pgx/v5/pgconn"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	gormlogger "gorm.io/gorm/logger"
)

// PostgreSQL error codes as constants
const (
	// Class 23: Integrity Constraint Violation
	PgErrForeignKeyViolation = "23503" // foreign_key_violation
	PgErrUniqueViolation     = "23505" // unique_violation
	PgErrCheckViolation      = "23514" // check_violation
	PgErrNotNullViolation    = "23502" // not_null_violation

	// Class 08: Connection Exception
	PgErrConnectionException = "08000" // connection_exception
	PgErrConnectionFailure   = "08006" // connection_failure

	// Class 40: Transaction Rollback
	PgErrTransactionRollback  = "40000" // transaction_rollback
	PgErrSerializationFailure = "40001" // serialization_failure
	PgErrDeadlockDetected     = "40P01" // deadlock_detected

	// Class 53: Insufficient Resources
	PgErrInsufficientResources = "53000" // insufficient_resources

	// Class 57: Operator Intervention
	PgErrAdminShutdown = "57P01" // admin_shutdown
	PgErrCrashShutdown = "57P02" // crash_shutdown
)

// Repository error codes outside the SQLSTATE space
const (
	ErrCodeDatabase          = "DATABASE_ERROR"
	ErrCodeNotConnected      = "NOT_CONNECTED"
	ErrCodeSerialization     = "SERIALIZATION_ERROR"
	ErrCodeConsensus         = "CONSENSUS_ERROR"
	ErrCodeConsensusTimeout  = "CONSENSUS_TIMEOUT"
	ErrCodeInvalidProjection = "INVALID_PROJECTION"
)

// ConsensusPayload represents data that will be sent to consensus
type ConsensusPayload interface{}

// ConsensusResult contains the result of a consensus operation
type ConsensusResult struct {
	TxHash      string
	BlockHeight int64
	Code        uint32 // CheckTx code
	TxCode      uint32 // FinalizeBlock result code
	Data        []byte // FinalizeBlock result data
	Log         string
}

// RepositoryError represent an error in the repository layer (db/rpc)
type RepositoryError struct {
	Code    string
	Message string
	Detail  string
}

func (e *RepositoryError) Error() string {
	if e.Detail == "" {
		return fmt.Sprintf("%s: %s", e.Code, e.Message)
	}
	return fmt.Sprintf("%s: %s (%s)", e.Code, e.Message, e.Detail)
}

// Retryable reports whether the operation may succeed if attempted again.
func (e *RepositoryError) Retryable() bool {
	switch e.Code {
	case ErrCodeDatabase, PgErrConnectionException, PgErrConnectionFailure, PgErrTransactionRollback,
		PgErrSerializationFailure, PgErrDeadlockDetected, PgErrInsufficientResources,
		PgErrAdminShutdown, PgErrCrashShutdown:
		return true
	}
	return false
}

// ConsensusClient is the part of the CometBFT RPC client the repository
// broadcasts through.
type ConsensusClient interface {
	BroadcastTxCommit(ctx context.Context, tx cmttypes.Tx) (*cmtrpctypes.ResultBroadcastTxCommit, error)
}

type Repository struct {
	db        *gorm.DB
	rpcClient ConsensusClient
	logger    cmtlog.Logger
}

func NewRepository(logger cmtlog.Logger) *Repository {
	return &Repository{logger: logger}
}

// Enabled reports whether a reporting database is connected.
func (r *Repository) Enabled() bool {
	return r.db != nil
}

// ConnectDB opens the reporting database, retrying with exponential backoff
// until it answers or ctx ends.
func (r *Repository) ConnectDB(ctx context.Context, dsn string) *RepositoryError {
	policy := backoff.WithContext(backoff.WithMaxRetries(backoff.NewExponentialBackOff(), 10), ctx)
	attempt := 0
	err := backoff.Retry(func() error {
		attempt++
		db, err := gorm.Open(postgres.Open(dsn), &gorm.Config{Logger: gormlogger.Default.LogMode(gormlogger.Warn)})
		if err != nil {
			r.logger.Info("Connection attempt failed", "attempt", attempt, "err", err)
			return err
		}
		sqlDB, err := db.DB()
		if err != nil {
			return backoff.Permanent(err)
		}
		if err := sqlDB.PingContext(ctx); err != nil {
			r.logger.Info("Connection attempt failed", "attempt", attempt, "err", err)
			return err
		}
		r.db = db
		return nil
	}, policy)
	if err != nil {
		return &RepositoryError{
			Code:    PgErrConnectionFailure,
			Message: "Failed to connect to Postgres",
			Detail:  err.Error(),
		}
	}
	r.logger.Info("Connected to Postgres", "attempts", attempt)
	return nil
}

// Migrate creates or updates the reporting tables
func (r *Repository) Migrate() *RepositoryError {
	if r.db == nil {
		return notConnected()
	}
	err := r.db.AutoMigrate(
		&models.Lot{},
		&models.Step{},
		&models.RoleAssignment{},
		&models.Transaction{},
	)
	if err != nil {
		return classify(err, "Database migration failed")
	}
	r.logger.Info("Database migration completed successfully")
	return nil
}

func (r *Repository) SetupRpcClient(rpcClient ConsensusClient) {
	r.rpcClient = rpcClient
}

func notConnected() *RepositoryError {
	return &RepositoryError{
		Code:    ErrCodeNotConnected,
		Message: "Reporting database is not configured",
	}
}

// classify converts a gorm/pgx error into a RepositoryError
func classify(err error, message string) *RepositoryError {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return &RepositoryError{
			Code:    pgErr.Code,
			Message: pgErr.Message,
			Detail:  pgErr.Detail,
		}
	}
	return &RepositoryError{
		Code:    ErrCodeDatabase,
		Message: message,
		Detail:  err.Error(),
	}
}

// Projection

// Batch is the reporting projection of one committed block.
type Batch struct {
	Height int64
	Time   time.Time
	Lots   []ledger.LotRecord
	Roles  []ledger.RoleAssignment // nil when the registry did not change
	Txs    []models.Transaction
}

// Empty reports whether the batch carries nothing to write.
func (b *Batch) Empty() bool {
	return len(b.Lots) == 0 && b.Roles == nil && len(b.Txs) == 0
}

// LotModel converts a ledger record into its reporting rows.
func LotModel(rec ledger.LotRecord, height int64) (models.Lot, error) {
	template, err := ledger.TemplateFor(rec.Variant)
	if err != nil {
		return models.Lot{}, err
	}
	if len(rec.Steps) != template.Len() {
		return models.Lot{}, fmt.Errorf("lot %d has %d steps, template has %d", rec.LotNumber, len(rec.Steps), template.Len())
	}

	lot := models.Lot{
		LotNumber:        rec.LotNumber,
		Variant:          rec.Variant.String(),
		Status:           string(rec.Status),
		CurrentStepIndex: rec.CurrentStepIndex,
		BlockHeight:      height,
		Steps:            make([]models.Step, len(rec.Steps)),
	}
	if rec.FailedStepIndex >= 0 {
		idx := rec.FailedStepIndex
		lot.FailedStepIndex = &idx
	}
	for i, s := range rec.Steps {
		def, _ := template.Step(i)
		step := models.Step{
			LotNumber:   rec.LotNumber,
			StepIndex:   i,
			Name:        def.Name,
			SensorGated: def.SensorGated,
			Completed:   s.Completed,
			Failed:      s.Failed,
			StartTime:   s.StartTime,
			EndTime:     s.EndTime,
			Location:    s.Location,
			Status:      string(rec.StepStatus(i)),
		}
		if s.Supervisor != nil {
			sup := s.Supervisor.String()
			step.Supervisor = &sup
		}
		lot.Steps[i] = step
	}
	return lot, nil
}

// RoleModels converts the registry listing into reporting rows.
func RoleModels(assignments []ledger.RoleAssignment, height int64) []models.RoleAssignment {
	out := make([]models.RoleAssignment, len(assignments))
	for i, a := range assignments {
		out[i] = models.RoleAssignment{
			Address:     a.Address.String(),
			Role:        a.Role.String(),
			BlockHeight: height,
		}
	}
	return out
}

// ApplyBatch writes one block's changes in a single database transaction.
func (r *Repository) ApplyBatch(ctx context.Context, batch *Batch) *RepositoryError {
	if r.db == nil {
		return notConnected()
	}

	lots := make([]models.Lot, 0, len(batch.Lots))
	for _, rec := range batch.Lots {
		lot, err := LotModel(rec, batch.Height)
		if err != nil {
			return &RepositoryError{
				Code:    ErrCodeInvalidProjection,
				Message: "Lot record cannot be projected",
				Detail:  err.Error(),
			}
		}
		lots = append(lots, lot)
	}

	dbTx := r.db.WithContext(ctx).Begin()
	if dbTx.Error != nil {
		return classify(dbTx.Error, "Failed to start transaction")
	}

	for i := range lots {
		steps := lots[i].Steps
		lots[i].Steps = nil
		err := dbTx.Clauses(clause.OnConflict{UpdateAll: true}).Create(&lots[i]).Error
		if err == nil && len(steps) > 0 {
			err = dbTx.Clauses(clause.OnConflict{UpdateAll: true}).Create(&steps).Error
		}
		if err != nil {
			dbTx.Rollback()
			return classify(err, "Failed to project lot")
		}
	}

	if batch.Roles != nil {
		rows := RoleModels(batch.Roles, batch.Height)
		addresses := make([]string, len(rows))
		for i, row := range rows {
			addresses[i] = row.Address
		}
		del := dbTx.Where("1 = 1")
		if len(addresses) > 0 {
			del = dbTx.Where("address NOT IN ?", addresses)
		}
		if err := del.Delete(&models.RoleAssignment{}).Error; err != nil {
			dbTx.Rollback()
			return classify(err, "Failed to prune role assignments")
		}
		if len(rows) > 0 {
			if err := dbTx.Clauses(clause.OnConflict{UpdateAll: true}).Create(&rows).Error; err != nil {
				dbTx.Rollback()
				return classify(err, "Failed to project role assignments")
			}
		}
	}

	if len(batch.Txs) > 0 {
		if err := dbTx.Clauses(clause.OnConflict{DoNothing: true}).Create(&batch.Txs).Error; err != nil {
			dbTx.Rollback()
			return classify(err, "Failed to record transactions")
		}
	}

	if err := dbTx.Commit().Error; err != nil {
		return classify(err, "Failed to commit database transaction")
	}
	return nil
}

// Reports

// LotReportFilter narrows ListLots. Zero values match everything.
type LotReportFilter struct {
	Status  string
	Variant string
	Limit   int
	Offset  int
}

// ListLots returns projected lots with their steps, ordered by lot number.
func (r *Repository) ListLots(ctx context.Context, filter LotReportFilter) ([]models.Lot, *RepositoryError) {
	if r.db == nil {
		return nil, notConnected()
	}
	query := r.db.WithContext(ctx).Model(&models.Lot{}).
		Preload("Steps", func(db *gorm.DB) *gorm.DB { return db.Order("step_index") }).
		Order("lot_number")
	if filter.Status != "" {
		query = query.Where("status = ?", filter.Status)
	}
	if filter.Variant != "" {
		query = query.Where("variant = ?", filter.Variant)
	}
	if filter.Limit > 0 {
		query = query.Limit(filter.Limit)
	}
	if filter.Offset > 0 {
		query = query.Offset(filter.Offset)
	}

	var lots []models.Lot
	if err := query.Find(&lots).Error; err != nil {
		return nil, classify(err, "Failed to list lots")
	}
	return lots, nil
}

// StatusCount is one row of the lot summary.
type StatusCount struct {
	Variant string `json:"variant"`
	Status  string `json:"status"`
	Count   int64  `json:"count"`
}

// LotSummary counts projected lots per variant and status.
func (r *Repository) LotSummary(ctx context.Context) ([]StatusCount, *RepositoryError) {
	if r.db == nil {
		return nil, notConnected()
	}
	var rows []StatusCount
	err := r.db.WithContext(ctx).Model(&models.Lot{}).
		Select("variant, status, count(*) as count").
		Group("variant, status").
		Order("variant, status").
		Scan(&rows).Error
	if err != nil {
		return nil, classify(err, "Failed to summarize lots")
	}
	return rows, nil
}

// RunConsensus submits payload to the chain and waits until the block that
// includes it is committed.
func (r *Repository) RunConsensus(ctx context.Context, payload ConsensusPayload) (*ConsensusResult, *RepositoryError) {
	if r.rpcClient == nil {
		return nil, &RepositoryError{
			Code:    ErrCodeConsensus,
			Message: "Consensus client is not configured",
		}
	}

	payloadBytes, err := json.Marshal(payload)
	if err != nil {
		return nil, &RepositoryError{
			Code:    ErrCodeSerialization,
			Message: "Failed to serialize consensus payload",
			Detail:  err.Error(),
		}
	}

	consensusTx := cmttypes.Tx(payloadBytes)

	type broadcastResult struct {
		result *cmtrpctypes.ResultBroadcastTxCommit
		err    error
	}
	// Use a channel to detect both context deadline and RPC completion
	done := make(chan broadcastResult, 1)

	go func() {
		result, err := r.rpcClient.BroadcastTxCommit(ctx, consensusTx)
		done <- broadcastResult{result, err}
	}()

	select {
	case <-ctx.Done():
		return nil, &RepositoryError{
			Code:    ErrCodeConsensusTimeout,
			Message: "Consensus operation timed out",
			Detail:  ctx.Err().Error(),
		}
	case result := <-done:
		if result.err != nil {
			return nil, &RepositoryError{
				Code:    ErrCodeConsensus,
				Message: "Failed to commit to blockchain",
				Detail:  result.err.Error(),
			}
		}

		if result.result.CheckTx.Code != 0 {
			return nil, &RepositoryError{
				Code:    ErrCodeConsensus,
				Message: "Blockchain rejected transaction",
				Detail:  fmt.Sprintf("CheckTx code: %d, log: %s", result.result.CheckTx.Code, result.result.CheckTx.Log),
			}
		}

		return &ConsensusResult{
			TxHash:      hex.EncodeToString(result.result.Hash),
			BlockHeight: result.result.Height,
			Code:        result.result.CheckTx.Code,
			TxCode:      result.result.TxResult.Code,
			Data:        result.result.TxResult.Data,
			Log:         result.result.TxResult.Log,
		}, nil
	}
}
