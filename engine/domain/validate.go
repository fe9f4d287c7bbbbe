package domain

import (
	"fmt"
	"net/url"
	"strings"
	"unicode/utf8"
)

const maxQueryLength = 4096

// ValidateUnit checks the invariants of one unit against a document of
// pageCount pages. A pageCount of zero skips the upper bound check.
func ValidateUnit(u ContentUnit, pageCount int) error {
	if u.DocumentID == "" {
		return NewValidationError("document_id", "", ErrMissingField)
	}
	if !u.DocumentType.Valid() {
		return NewValidationError("document_type", string(u.DocumentType), ErrInvalidDocumentType)
	}
	if u.KnowledgeBaseID == "" {
		return NewValidationError("knowledge_base_id", "", ErrMissingField)
	}
	if u.FileID == "" {
		return NewValidationError("file_id", "", ErrMissingField)
	}
	if strings.TrimSpace(u.Content) == "" {
		return NewValidationError("content", u.DocumentID, ErrEmptyContent)
	}
	if u.StartPage < 1 || u.StartPage > u.EndPage || (pageCount > 0 && u.EndPage > pageCount) {
		return NewValidationError("pages", fmt.Sprintf("%d-%d/%d", u.StartPage, u.EndPage, pageCount), ErrInvalidPageRange)
	}
	return nil
}

// ValidateUnits validates every unit and the uniqueness of document ids.
func ValidateUnits(units []ContentUnit, pageCount int) error {
	seen := make(map[string]struct{}, len(units))
	for _, u := range units {
		if err := ValidateUnit(u, pageCount); err != nil {
			return err
		}
		if _, dup := seen[u.DocumentID]; dup {
			return NewValidationError("document_id", u.DocumentID, ErrDuplicateDocumentID)
		}
		seen[u.DocumentID] = struct{}{}
	}
	return nil
}

// ValidateJob checks an ingestion job before any file is touched.
func ValidateJob(job IngestJob) error {
	if job.KnowledgeBaseID == "" {
		return NewValidationError("knowledge_base_id", "", ErrMissingField)
	}
	if job.Collection == "" {
		return NewValidationError("collection", "", ErrMissingField)
	}
	if len(job.Files) == 0 {
		return NewValidationError("files", "", ErrMissingField)
	}
	for _, f := range job.Files {
		if f.FileID == "" {
			return NewValidationError("file_id", f.FileName, ErrMissingField)
		}
		if f.URL == "" {
			return NewValidationError("file_url", f.FileID, ErrMissingField)
		}
	}
	return nil
}

// ValidateSubmission checks a job that arrives from outside the worker host.
// Only http(s) and s3 files are accepted; file:// stays reserved for local
// runs.
func ValidateSubmission(job IngestJob) error {
	if err := ValidateJob(job); err != nil {
		return err
	}
	for _, f := range job.Files {
		u, err := url.Parse(f.URL)
		if err != nil {
			return NewValidationError("file_url", f.FileID, ErrUnsupportedURL)
		}
		switch strings.ToLower(u.Scheme) {
		case "http", "https", "s3":
		default:
			return NewValidationError("file_url", f.FileID, ErrUnsupportedURL)
		}
	}
	return nil
}

// ValidateQuery validates a retrieval query text.
func ValidateQuery(text string) error {
	text = strings.TrimSpace(text)
	if text == "" {
		return NewValidationError("query", text, ErrInvalidQuery)
	}
	if utf8.RuneCountInString(text) > maxQueryLength {
		return NewValidationError("query", text[:32], ErrQueryTooLong)
	}
	return nil
}
