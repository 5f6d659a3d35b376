package models

// JobStatus is the coarse lifecycle state exposed to polling clients.
type JobStatus string

const (
	StatusRegistered JobStatus = "registered"
	StatusUploaded   JobStatus = "uploaded"
	StatusProcessing JobStatus = "processing"
	StatusCompleted  JobStatus = "completed"
	StatusFailed     JobStatus = "failed"
)

// JobStage is the fine-grained pipeline position. Stages only move forward
// along stageOrder, except that any non-terminal stage may drop to StageFailed.
type JobStage string

const (
	StageRegistered JobStage = "registered"
	StageUploaded   JobStage = "uploaded"
	StageProcessing JobStage = "processing"
	StageExtracted  JobStage = "extracted"
	StageIndexed    JobStage = "indexed"
	StageInjected   JobStage = "injected"
	StageFailed     JobStage = "failed"
)

// StageOrder is the forward progression of a job, excluding the failed branch.
var StageOrder = []JobStage{
	StageRegistered,
	StageUploaded,
	StageProcessing,
	StageExtracted,
	StageIndexed,
	StageInjected,
}

// Rank returns the position of s in the forward progression, or -1 for
// failed/unknown stages.
func (s JobStage) Rank() int {
	for i, st := range StageOrder {
		if st == s {
			return i
		}
	}
	return -1
}

// Valid reports whether s is a recognized stage, including failed.
func (s JobStage) Valid() bool {
	return s == StageFailed || s.Rank() >= 0
}

// Queryable reports whether a job at this stage may be served by retrieval.
// Indexed jobs serve vector search; extracted jobs fall back to keyword search.
func (s JobStage) Queryable() bool {
	switch s {
	case StageExtracted, StageIndexed, StageInjected:
		return true
	}
	return false
}

// StatusForStage maps a fine-grained stage to the coarse status clients poll.
func StatusForStage(s JobStage) JobStatus {
	switch s {
	case StageRegistered:
		return StatusRegistered
	case StageUploaded:
		return StatusUploaded
	case StageProcessing, StageExtracted:
		return StatusProcessing
	case StageIndexed, StageInjected:
		return StatusCompleted
	default:
		return StatusFailed
	}
}
