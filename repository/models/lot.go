package models

import "time"

// Lot is the reporting row of a production lot
type Lot struct {
	LotNumber        uint64    `gorm:"column:lot_number;primaryKey;autoIncrement:false" json:"lot_number"`
	Variant          string    `gorm:"column:variant;type:varchar(20);not null;index" json:"variant"`
	Status           string    `gorm:"column:status;type:varchar(20);not null;index" json:"status"`
	CurrentStepIndex int       `gorm:"column:current_step_index;not null" json:"current_step_index"`
	FailedStepIndex  *int      `gorm:"column:failed_step_index" json:"failed_step_index,omitempty"`
	BlockHeight      int64     `gorm:"column:block_height;not null" json:"block_height"` // height of the last change
	UpdatedAt        time.Time `gorm:"column:updated_at;autoUpdateTime" json:"updated_at"`

	// Relationships
	Steps []Step `gorm:"foreignKey:LotNumber" json:"steps,omitempty"`
}
