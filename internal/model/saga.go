package model

import (
	"time"

	"github.com/richardliu001/courier/internal/retry"
)

// ProcessState tracks one saga step. Steps have no retry budget of their own.
type ProcessState int

const (
	ProcessInit      ProcessState = 0
	ProcessExecuting ProcessState = -1
	ProcessException ProcessState = -9
	ProcessExecuted  ProcessState = 1
)

// Saga is a multi-step business transaction driven forward by retries.
// Completed steps are never compensated.
type Saga struct {
	ID              uint64 `gorm:"primaryKey"`
	UUID            string `gorm:"column:saga_uuid;size:64;not null;uniqueIndex"`
	SvcName         string `gorm:"size:255;not null;index"`
	SagaType        string `gorm:"size:255;not null;index"`
	Param           string `gorm:"type:text"`
	ParamType       string `gorm:"size:255;not null"`
	Result          string `gorm:"type:text"`
	ResultType      string `gorm:"size:255"`
	retry.Operation `gorm:"embedded"`
	Version         uint64 `gorm:"not null;default:0"`

	// Processes are loaded and saved by the repository.
	Processes []*SagaProcess `gorm:"-"`
}

func (Saga) TableName() string { return "saga" }

// SagaProcess is one named step of a Saga.
type SagaProcess struct {
	ID          uint64       `gorm:"primaryKey"`
	SagaID      uint64       `gorm:"not null;index"`
	ProcessCode string       `gorm:"size:255;not null"`
	State       ProcessState `gorm:"not null;default:0"`
	Param       string       `gorm:"type:text"`
	ParamType   string       `gorm:"size:255"`
	Result      string       `gorm:"type:text"`
	ResultType  string       `gorm:"size:255"`
	Exception   string       `gorm:"type:text"`
	TriedCount  int          `gorm:"not null;default:0"`
	CreatedAt   time.Time    `gorm:"not null"`
	LastTryAt   time.Time    `gorm:"not null"`
}

func (SagaProcess) TableName() string { return "saga_process" }

// Finish stores the saga result and marks it executed once.
func (s *Saga) Finish(now time.Time, resultType, result string) {
	if s.State == retry.StateExecuted {
		return
	}
	s.End(now)
	s.ResultType = resultType
	s.Result = result
}

// Process returns the step named code, or nil.
func (s *Saga) Process(code string) *SagaProcess {
	for _, p := range s.Processes {
		if p.ProcessCode == code {
			return p
		}
	}
	return nil
}

// BeginProcess creates the step if absent and marks it executing with a
// snapshot of its param.
func (s *Saga) BeginProcess(now time.Time, code, paramType, param string) *SagaProcess {
	p := s.Process(code)
	if p == nil {
		p = &SagaProcess{SagaID: s.ID, ProcessCode: code, State: ProcessInit, CreatedAt: now}
		s.Processes = append(s.Processes, p)
	}
	p.State = ProcessExecuting
	p.ParamType = paramType
	p.Param = param
	p.LastTryAt = now
	p.TriedCount++
	return p
}

// EndProcess marks the step executed with a snapshot of its result.
func (s *Saga) EndProcess(now time.Time, code, resultType, result string) {
	p := s.Process(code)
	if p == nil {
		p = s.BeginProcess(now, code, "", "")
	}
	p.State = ProcessExecuted
	p.ResultType = resultType
	p.Result = result
	p.Exception = ""
}

// ProcessException records a failed step; the parent's retry re-drives it.
func (s *Saga) ProcessException(now time.Time, code string, err error) {
	p := s.Process(code)
	if p == nil || p.State == ProcessExecuted {
		return
	}
	p.State = ProcessException
	p.Exception = retry.Trace(err)
}

type ArchivedSaga struct {
	Saga
}

func (ArchivedSaga) TableName() string { return "archived_saga" }

type ArchivedSagaProcess struct {
	SagaProcess
}

func (ArchivedSagaProcess) TableName() string { return "archived_saga_process" }
