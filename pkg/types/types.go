// Package types defines the core domain model shared by the runnerd worker:
// job records, task payloads, execution outcomes and the job status machine.
package types

// JobID uniquely identifies a job document in the metadata store.
type JobID string

// JobStatus is the lifecycle state of a job.
type JobStatus string

const (
	StatusQueued                  JobStatus = "queued"
	StatusProcessingDirect        JobStatus = "processing_direct"
	StatusProcessingAuthWorkspace JobStatus = "processing_auth_workspace"
	StatusFetchingFromR2          JobStatus = "fetching_from_r2"
	StatusRunningAuthWorkspace    JobStatus = "running_auth_workspace"
	StatusCompleted               JobStatus = "completed"
	StatusFailed                  JobStatus = "failed"
)

// Terminal reports whether the status admits no further transitions.
func (s JobStatus) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed
}

// Processing reports whether the status marks the start of task handling.
func (s JobStatus) Processing() bool {
	return s == StatusProcessingDirect || s == StatusProcessingAuthWorkspace
}

// allowedNext encodes the status DAG. Terminal states have no successors.
var allowedNext = map[JobStatus][]JobStatus{
	StatusQueued:                  {StatusProcessingDirect, StatusProcessingAuthWorkspace},
	StatusProcessingAuthWorkspace: {StatusFetchingFromR2, StatusFailed},
	StatusFetchingFromR2:          {StatusRunningAuthWorkspace, StatusFailed},
	StatusRunningAuthWorkspace:    {StatusCompleted, StatusFailed},
	StatusProcessingDirect:        {StatusCompleted, StatusFailed},
}

// AllowedTransition reports whether from -> to is a legal status transition.
func AllowedTransition(from, to JobStatus) bool {
	for _, next := range allowedNext[from] {
		if next == to {
			return true
		}
	}
	return false
}

// FailureType categorizes a failed job.
type FailureType string

const (
	FailureUserCode       FailureType = "user_code_error"
	FailureTimeout        FailureType = "timeout"
	FailureWorkerInternal FailureType = "worker_internal_error"
)

// Job is the durable record of one user submission. Field names follow the
// Firestore document schema; timestamps are ISO-8601 UTC strings with
// millisecond precision and a Z suffix.
type Job struct {
	JobID               string      `firestore:"-" json:"job_id"`
	Status              JobStatus   `firestore:"status" json:"status"`
	FailureType         FailureType `firestore:"failure_type,omitempty" json:"failure_type,omitempty"`
	Output              string      `firestore:"output" json:"output"`
	Error               *string     `firestore:"error" json:"error"`
	Code                string      `firestore:"code,omitempty" json:"code,omitempty"`
	Language            string      `firestore:"language,omitempty" json:"language,omitempty"`
	Input               string      `firestore:"input,omitempty" json:"input,omitempty"`
	SubmittedAt         string      `firestore:"submitted_at,omitempty" json:"submitted_at,omitempty"`
	ProcessingStartedAt string      `firestore:"processing_started_at,omitempty" json:"processing_started_at,omitempty"`
	CompletedAt         string      `firestore:"completed_at,omitempty" json:"completed_at,omitempty"`
	UpdatedAt           string      `firestore:"updated_at,omitempty" json:"updated_at,omitempty"`
	ExpiresAt           string      `firestore:"expires_at,omitempty" json:"expires_at,omitempty"`
}

// TaskPayload is the queue payload for direct (inline snippet) execution.
type TaskPayload struct {
	JobID    string `json:"job_id" binding:"required"`
	Code     string `json:"code" binding:"required"`
	Language string `json:"language" binding:"required"`
	Input    string `json:"input"`
}

// FileRef is one manifest entry: an object-store key and the relative path
// the file occupies inside the materialized workspace.
type FileRef struct {
	R2ObjectKey string `json:"r2_object_key"`
	FilePath    string `json:"file_path"`
}

// AuthTaskPayload is the queue payload for workspace execution.
type AuthTaskPayload struct {
	JobID          string    `json:"job_id" binding:"required"`
	WorkspaceID    string    `json:"workspace_id" binding:"required"`
	EntrypointFile string    `json:"entrypoint_file" binding:"required"`
	Language       string    `json:"language" binding:"required"`
	Input          string    `json:"input"`
	R2BucketName   string    `json:"r2_bucket_name" binding:"required"`
	Files          []FileRef `json:"files"`
}

// Classification is the sandbox runner's verdict on one execution.
type Classification int

const (
	ClassOK Classification = iota
	ClassUserError
	ClassTimeout
	ClassInternal
)

func (c Classification) String() string {
	switch c {
	case ClassOK:
		return "ok"
	case ClassUserError:
		return "user_error"
	case ClassTimeout:
		return "timeout"
	default:
		return "internal"
	}
}

// Outcome is the tagged result of one sandbox execution. ErrorDetail is empty
// iff Classification is ClassOK.
type Outcome struct {
	Stdout         string
	Stderr         string
	ErrorDetail    string
	Classification Classification
}

// IndexRequest is the payload for a workspace indexing task. JobID is
// optional; when present the indexer reports progress through the job
// state machine.
type IndexRequest struct {
	JobID       string    `json:"job_id"`
	WorkspaceID string    `json:"workspace_id" binding:"required"`
	Files       []FileRef `json:"files" binding:"required"`
}

// IndexRecord is one row of the vector store.
type IndexRecord struct {
	WorkspaceID string
	FilePath    string
	Text        string
	Vector      []float32
}

// IndexSummary reports the result of one indexing run.
type IndexSummary struct {
	Indexed int      `json:"indexed"`
	Skipped int      `json:"skipped"`
	Errors  []string `json:"errors"`
}

// Snippet is one retrieved code fragment with its source path.
type Snippet struct {
	FilePath string `json:"file_path"`
	Text     string `json:"text"`
}
