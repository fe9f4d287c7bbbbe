// Package domain defines the content units, vectors, ingestion jobs and error
// taxonomy shared by the ingestion and retrieval pipelines. It also acts as the
// validation gate in front of indexing.
package domain

import (
	"path"
	"time"
)

// DocumentType tags what a ContentUnit was extracted from.
type DocumentType string

const (
	DocText  DocumentType = "text"
	DocTable DocumentType = "table"
	DocImage DocumentType = "image"
)

// Valid reports whether t is one of the known document types.
func (t DocumentType) Valid() bool {
	switch t {
	case DocText, DocTable, DocImage:
		return true
	}
	return false
}

// Payload keys. The payload is a flat JSON-serializable mapping.
const (
	KeyDocumentID      = "document_id"
	KeyDocumentType    = "document_type"
	KeyKnowledgeBaseID = "knowledge_base_id"
	KeyFileID          = "file_id"
	KeyFileName        = "file_name"
	KeyStartPage       = "start_page"
	KeyEndPage         = "end_page"
	KeyContent         = "content"
	KeyTableContent    = "table_content"
	KeyS3Path          = "s3_path"
)

// ContentUnit is the atomic indexed and retrieved entity: a text chunk, a table
// description or an image description. Units are immutable once indexed.
type ContentUnit struct {
	DocumentID      string       `json:"document_id"`
	DocumentType    DocumentType `json:"document_type"`
	KnowledgeBaseID string       `json:"knowledge_base_id"`
	FileID          string       `json:"file_id"`
	FileName        string       `json:"file_name"`
	StartPage       int          `json:"start_page"`
	EndPage         int          `json:"end_page"`
	Content         string       `json:"content"`
	TableContent    string       `json:"table_content,omitempty"`
	S3Path          string       `json:"s3_path,omitempty"`
}

// Payload returns every unit field as a flat mapping. Type-specific keys are
// present only for their document type.
func (u ContentUnit) Payload() map[string]any {
	p := map[string]any{
		KeyDocumentID:      u.DocumentID,
		KeyDocumentType:    string(u.DocumentType),
		KeyKnowledgeBaseID: u.KnowledgeBaseID,
		KeyFileID:          u.FileID,
		KeyFileName:        u.FileName,
		KeyStartPage:       u.StartPage,
		KeyEndPage:         u.EndPage,
		KeyContent:         u.Content,
	}
	switch u.DocumentType {
	case DocTable:
		p[KeyTableContent] = u.TableContent
	case DocImage:
		p[KeyS3Path] = u.S3Path
	}
	return p
}

// UnitFromPayload is the inverse of Payload. Unknown keys are ignored and
// missing keys leave zero values.
func UnitFromPayload(p map[string]any) ContentUnit {
	return ContentUnit{
		DocumentID:      str(p[KeyDocumentID]),
		DocumentType:    DocumentType(str(p[KeyDocumentType])),
		KnowledgeBaseID: str(p[KeyKnowledgeBaseID]),
		FileID:          str(p[KeyFileID]),
		FileName:        str(p[KeyFileName]),
		StartPage:       integer(p[KeyStartPage]),
		EndPage:         integer(p[KeyEndPage]),
		Content:         str(p[KeyContent]),
		TableContent:    str(p[KeyTableContent]),
		S3Path:          str(p[KeyS3Path]),
	}
}

func str(v any) string {
	s, _ := v.(string)
	return s
}

func integer(v any) int {
	switch n := v.(type) {
	case int:
		return n
	case int64:
		return int(n)
	case float64:
		return int(n)
	}
	return 0
}

// SparseVector is a term-weighted vector keyed by hashed token index.
type SparseVector struct {
	Indices []uint32  `json:"indices"`
	Values  []float32 `json:"values"`
}

// Len returns the number of non-zero entries.
func (s SparseVector) Len() int { return len(s.Indices) }

// Vectors holds the dense and sparse representation of one text.
type Vectors struct {
	Dense  []float32    `json:"dense"`
	Sparse SparseVector `json:"sparse"`
}

// EmbeddedUnit is a content unit enriched with its vectors.
type EmbeddedUnit struct {
	ContentUnit
	Vectors Vectors
}

// FileStatus is the terminal or in-flight processing state of a file.
type FileStatus string

const (
	StatusPending    FileStatus = "pending"
	StatusProcessing FileStatus = "processing"
	StatusEmbedded   FileStatus = "embedded"
	StatusFailed     FileStatus = "failed"
)

// FileRef describes one file of an ingestion job.
type FileRef struct {
	FileID   string  `json:"file_id"`
	FileName string  `json:"file_name"`
	URL      string  `json:"file_url"`
	SizeMB   float64 `json:"file_size"`
}

// IngestJob is the unit of work consumed by the ingestion worker.
type IngestJob struct {
	JobID           string    `json:"job_id"`
	KnowledgeBaseID string    `json:"knowledge_base_id"`
	Collection      string    `json:"collection"`
	Files           []FileRef `json:"files"`
	SubmittedAt     time.Time `json:"submitted_at"`
}

// FileOutcome is the per-file result of a run.
type FileOutcome struct {
	FileID   string     `json:"file_id"`
	FileName string     `json:"file_name"`
	Status   FileStatus `json:"status"`
	Reason   string     `json:"reason,omitempty"`
	Units    int        `json:"units"`
	Pages    int        `json:"pages"`
}

// ImageKey is the object-storage key of an extracted figure image.
func ImageKey(prefix, knowledgeBaseID, name string) string {
	return path.Join(prefix, knowledgeBaseID, path.Base(name))
}
