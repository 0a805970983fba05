package model

import "time"

// WorkerLease is one (datacenter, worker) slot of the snowflake key space.
// Rows are pre-filled so leasing is always an UPDATE.
type WorkerLease struct {
	DatacenterID int64     `gorm:"primaryKey;autoIncrement:false"`
	WorkerID     int64     `gorm:"primaryKey;autoIncrement:false"`
	DispatchedTo string    `gorm:"size:255;not null;default:'';index"`
	DispatchedAt time.Time `gorm:"not null"`
	ExpireAt     time.Time `gorm:"not null;index"`
}

func (WorkerLease) TableName() string { return "worker_lease" }
