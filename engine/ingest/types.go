package ingest

import (
	"time"

	"github.com/WessleyAI/wessley-kb/engine/domain"
	"github.com/WessleyAI/wessley-kb/engine/layout"
	"github.com/WessleyAI/wessley-kb/engine/normalize"
	"github.com/WessleyAI/wessley-kb/pkg/fetch"
)

// fileRun is the state one file carries through the stages.
type fileRun struct {
	KnowledgeBaseID string
	Ref             domain.FileRef
	Index           Index

	File     fetch.File
	Analysis *layout.Analysis
	Doc      normalize.Document
	Units    []domain.ContentUnit
	Embedded []domain.EmbeddedUnit
	Indexed  int
}

// FileResult is the outcome of one file.
type FileResult struct {
	Ref     domain.FileRef
	Outcome domain.FileOutcome
	// Err is the failure, nil when the file was embedded.
	Err error
	// Deferred marks a recoverable failure left for a later attempt. No
	// callback was sent for it.
	Deferred bool
}

// Result is the outcome of one job run.
type Result struct {
	JobID           string
	KnowledgeBaseID string
	Files           []FileResult
	Duration        time.Duration
}

// Embedded counts files that were indexed.
func (r Result) Embedded() int {
	n := 0
	for _, f := range r.Files {
		if f.Err == nil {
			n++
		}
	}
	return n
}

// Failed counts files reported as failed.
func (r Result) Failed() int {
	n := 0
	for _, f := range r.Files {
		if f.Err != nil && !f.Deferred {
			n++
		}
	}
	return n
}

// Deferred returns the files left for a later attempt.
func (r Result) Deferred() []domain.FileRef {
	var refs []domain.FileRef
	for _, f := range r.Files {
		if f.Deferred {
			refs = append(refs, f.Ref)
		}
	}
	return refs
}

// Exhausted returns the files that failed with a recoverable error on the
// final attempt.
func (r Result) Exhausted() []domain.FileRef {
	var refs []domain.FileRef
	for _, f := range r.Files {
		if f.Err != nil && !f.Deferred && domain.IsRecoverable(f.Err) {
			refs = append(refs, f.Ref)
		}
	}
	return refs
}

// dlqMessage is published to the DLQ when a job cannot be completed.
type dlqMessage struct {
	Job     domain.IngestJob `json:"job"`
	Error   string           `json:"error"`
	Retries int              `json:"retries"`
}
