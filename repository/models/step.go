package models

import "time"

// Step is one step record of a lot
type Step struct {
	LotNumber   uint64     `gorm:"column:lot_number;primaryKey;autoIncrement:false" json:"lot_number"`
	StepIndex   int        `gorm:"column:step_index;primaryKey;autoIncrement:false" json:"step_index"`
	Name        string     `gorm:"column:name;type:varchar(100);not null" json:"name"`
	SensorGated bool       `gorm:"column:sensor_gated;default:false" json:"sensor_gated"`
	Supervisor  *string    `gorm:"column:supervisor;type:varchar(42);index" json:"supervisor,omitempty"` // Null until assigned
	Completed   bool       `gorm:"column:completed;default:false;index" json:"completed"`
	Failed      bool       `gorm:"column:failed;default:false" json:"failed"`
	StartTime   *time.Time `gorm:"column:start_time" json:"start_time,omitempty"`
	EndTime     *time.Time `gorm:"column:end_time" json:"end_time,omitempty"`
	Location    string     `gorm:"column:location;type:varchar(100)" json:"location"`
	Status      string     `gorm:"column:status;type:varchar(20);not null" json:"status"`
}
