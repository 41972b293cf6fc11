package models

// RoleAssignment mirrors the role registry
type RoleAssignment struct {
	Address     string `gorm:"column:address;primaryKey;type:varchar(42)"`
	Role        string `gorm:"column:role;type:varchar(20);not null;index"`
	BlockHeight int64  `gorm:"column:block_height;not null"`
}
