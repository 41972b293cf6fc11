package models

import "time"

// Transaction represents a finalized ledger command
type Transaction struct {
	TxID        string    `gorm:"column:tx_id;primaryKey;type:varchar(64)"`
	RequestID   string    `gorm:"column:request_id;type:varchar(64);index"`
	Method      string    `gorm:"column:method;type:varchar(10);not null"`
	Path        string    `gorm:"column:path;type:varchar(200);not null"`
	Caller      string    `gorm:"column:caller;type:varchar(42);index"`
	Code        uint32    `gorm:"column:code;not null"`
	CodeName    string    `gorm:"column:code_name;type:varchar(40);not null"`
	BlockHeight int64     `gorm:"column:block_height;not null;index"`
	Timestamp   time.Time `gorm:"column:timestamp;not null"`
}
