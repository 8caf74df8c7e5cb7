// Package job defines the persisted job record and the shapes used to
// update and scan it.
package job

import (
	"encoding/json"
	"slices"
	"time"
)

// Status represents the lifecycle state of a job.
type Status string

const (
	// StatusPending means the job is waiting for a listener to claim it.
	StatusPending Status = "pending"
	// StatusRunning means a listener's handler has been invoked for the job.
	StatusRunning Status = "running"
	// StatusSuccess means the handler completed without error.
	StatusSuccess Status = "success"
	// StatusError means the job failed, expired or was canceled.
	StatusError Status = "error"
)

// IsTerminal reports whether no further transitions are allowed.
func (s Status) IsTerminal() bool {
	return s == StatusSuccess || s == StatusError
}

// Valid reports whether s is one of the known statuses.
func (s Status) Valid() bool {
	switch s {
	case StatusPending, StatusRunning, StatusSuccess, StatusError:
		return true
	}
	return false
}

// CanTransition reports whether a job may move from s to next.
// A pending job may only fail without running when it is canceled.
func (s Status) CanTransition(next Status) bool {
	switch s {
	case StatusPending:
		return next == StatusRunning || next == StatusError
	case StatusRunning:
		return next == StatusSuccess || next == StatusError
	}
	return false
}

// Job is the persisted record of a submitted job.
type Job struct {
	ID      string          `json:"id"`
	Name    string          `json:"name"`
	Data    json.RawMessage `json:"data,omitempty"`
	Status  Status          `json:"status"`
	AddedOn time.Time       `json:"added_on"`
	EndOn   *time.Time      `json:"end_on,omitempty"`
	Result  json.RawMessage `json:"result,omitempty"`
	Error   string          `json:"error,omitempty"`
	Loaded  *int64          `json:"loaded,omitempty"`
	Total   *int64          `json:"total,omitempty"`
}

// Clone returns a deep copy of the job.
func (j *Job) Clone() *Job {
	if j == nil {
		return nil
	}
	cp := *j
	cp.Data = cloneRaw(j.Data)
	cp.Result = cloneRaw(j.Result)
	if j.EndOn != nil {
		t := *j.EndOn
		cp.EndOn = &t
	}
	if j.Loaded != nil {
		v := *j.Loaded
		cp.Loaded = &v
	}
	if j.Total != nil {
		v := *j.Total
		cp.Total = &v
	}
	return &cp
}

// Apply writes every field set on p onto the job.
func (j *Job) Apply(p Patch) {
	if p.Status != nil {
		j.Status = *p.Status
	}
	if p.EndOn != nil {
		t := *p.EndOn
		j.EndOn = &t
	}
	if p.Result != nil {
		j.Result = cloneRaw(p.Result)
	}
	if p.Error != nil {
		j.Error = *p.Error
	}
	if p.Loaded != nil {
		v := *p.Loaded
		j.Loaded = &v
	}
	if p.Total != nil {
		v := *p.Total
		j.Total = &v
	}
}

// Patch is a partial update of a job record. Nil fields are left untouched.
// When From is set, stores apply the patch only while the record's status is
// one of From and return errors.ErrStatusConflict otherwise.
type Patch struct {
	From   []Status
	Status *Status
	EndOn  *time.Time
	Result json.RawMessage
	Error  *string
	Loaded *int64
	Total  *int64
}

// IsEmpty reports whether the patch changes nothing.
func (p Patch) IsEmpty() bool {
	return p.Status == nil && p.EndOn == nil && p.Result == nil &&
		p.Error == nil && p.Loaded == nil && p.Total == nil
}

// Allows reports whether the patch may be applied to a record in status s.
func (p Patch) Allows(s Status) bool {
	return len(p.From) == 0 || slices.Contains(p.From, s)
}

// Running is the patch written when a job is claimed.
func Running() Patch {
	s := StatusRunning
	return Patch{From: []Status{StatusPending}, Status: &s}
}

// Succeeded is the patch written when a job resolves with a result.
// A nil result is stored as JSON null so the field is present.
func Succeeded(result json.RawMessage, at time.Time) Patch {
	s := StatusSuccess
	if result == nil {
		result = json.RawMessage("null")
	}
	return Patch{From: []Status{StatusRunning}, Status: &s, EndOn: &at, Result: result}
}

// Failed is the patch written when a job resolves with an error message.
func Failed(message string, at time.Time) Patch {
	s := StatusError
	return Patch{From: []Status{StatusPending, StatusRunning}, Status: &s, EndOn: &at, Error: &message}
}

// Progressed is the patch written for a progress update.
func Progressed(loaded, total int64) Patch {
	return Patch{From: []Status{StatusRunning}, Loaded: &loaded, Total: &total}
}

// Filter selects jobs during a scan. Zero values match everything.
type Filter struct {
	Name        string
	Statuses    []Status
	AddedBefore time.Time
}

// Match reports whether j satisfies the filter.
func (f Filter) Match(j *Job) bool {
	if f.Name != "" && j.Name != f.Name {
		return false
	}
	if len(f.Statuses) > 0 {
		found := false
		for _, s := range f.Statuses {
			if j.Status == s {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	if !f.AddedBefore.IsZero() && !j.AddedOn.Before(f.AddedBefore) {
		return false
	}
	return true
}

func cloneRaw(raw json.RawMessage) json.RawMessage {
	if raw == nil {
		return nil
	}
	cp := make(json.RawMessage, len(raw))
	copy(cp, raw)
	return cp
}
