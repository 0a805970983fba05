package model

import (
	"time"

	"github.com/richardliu001/courier/internal/retry"
)

// Request is a deferred command and its outcome.
type Request struct {
	ID              uint64 `gorm:"primaryKey"`
	UUID            string `gorm:"column:request_uuid;size:64;not null;uniqueIndex"`
	SvcName         string `gorm:"size:255;not null;index"`
	RequestType     string `gorm:"size:255;not null;index"`
	Param           string `gorm:"type:text"`
	ParamType       string `gorm:"size:255;not null"`
	Result          string `gorm:"type:text"`
	ResultType      string `gorm:"size:255"`
	retry.Operation `gorm:"embedded"`
	Version         uint64 `gorm:"not null;default:0"`
}

func (Request) TableName() string { return "request" }

// Finish stores the result and marks the request executed once.
func (r *Request) Finish(now time.Time, resultType, result string) {
	if r.State == retry.StateExecuted {
		return
	}
	r.End(now)
	r.ResultType = resultType
	r.Result = result
}

type ArchivedRequest struct {
	Request
}

func (ArchivedRequest) TableName() string { return "archived_request" }
