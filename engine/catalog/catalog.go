// Package catalog records the processing status of knowledge-base files in
// Neo4j as (:KnowledgeBase)-[:HAS_FILE]->(:File).
package catalog

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/neo4j/neo4j-go-driver/v5/neo4j"

	"github.com/WessleyAI/wessley-kb/engine/domain"
	"github.com/WessleyAI/wessley-kb/pkg/repo"
)

// ErrNotFound is returned when a file has never been recorded.
var ErrNotFound = repo.ErrNotFound

// File is the catalog entry of one file.
type File struct {
	KnowledgeBaseID string
	FileID          string
	FileName        string
	URL             string
	Status          domain.FileStatus
	Reason          string
	Units           int
	Pages           int
	UpdatedAt       time.Time
}

// Key is the node id. File ids are only unique inside a knowledge base.
func Key(kbID, fileID string) string { return kbID + "/" + fileID }

// Store is what the catalog needs from a repository.
type Store interface {
	repo.Repository[File, string]
	Exec(ctx context.Context, cypher string, params map[string]any) error
}

// Catalog tracks file status.
type Catalog struct {
	files  Store
	now    func() time.Time
	logger *slog.Logger
}

// New creates a Catalog over files.
func New(files Store, logger *slog.Logger) *Catalog {
	if logger == nil {
		logger = slog.Default()
	}
	return &Catalog{files: files, now: time.Now, logger: logger}
}

// NewNeo4j creates a Catalog backed by driver.
func NewNeo4j(driver neo4j.DriverWithContext, database string, logger *slog.Logger) *Catalog {
	files := repo.NewNeo4jRepo[File, string](driver, "File", toMap, fromRecord,
		repo.WithIDKey[File, string]("key"),
		repo.WithDatabase[File, string](database),
	)
	return New(files, logger)
}

const linkCypher = `MERGE (k:KnowledgeBase {id: $kb})
WITH k
MATCH (f:File {key: $key})
MERGE (k)-[:HAS_FILE]->(f)`

// Submit records files as pending for kbID.
func (c *Catalog) Submit(ctx context.Context, kbID string, files []domain.FileRef) error {
	for _, f := range files {
		rec := File{KnowledgeBaseID: kbID, FileID: f.FileID, FileName: f.FileName, URL: f.URL, Status: domain.StatusPending}
		if err := c.put(ctx, rec); err != nil {
			return err
		}
	}
	return nil
}

// Start marks a file as processing.
func (c *Catalog) Start(ctx context.Context, kbID string, f domain.FileRef) error {
	return c.put(ctx, File{KnowledgeBaseID: kbID, FileID: f.FileID, FileName: f.FileName, URL: f.URL, Status: domain.StatusProcessing})
}

// Finish records the terminal outcome of a file.
func (c *Catalog) Finish(ctx context.Context, kbID string, out domain.FileOutcome) error {
	return c.put(ctx, File{
		KnowledgeBaseID: kbID,
		FileID:          out.FileID,
		FileName:        out.FileName,
		Status:          out.Status,
		Reason:          out.Reason,
		Units:           out.Units,
		Pages:           out.Pages,
	})
}

func (c *Catalog) put(ctx context.Context, f File) error {
	f.UpdatedAt = c.now().UTC()
	key := Key(f.KnowledgeBaseID, f.FileID)
	if _, err := c.files.Upsert(ctx, f); err != nil {
		return domain.Recoverable(fmt.Errorf("catalog: record %s: %w", key, err))
	}
	if err := c.files.Exec(ctx, linkCypher, map[string]any{"kb": f.KnowledgeBaseID, "key": key}); err != nil {
		return domain.Recoverable(fmt.Errorf("catalog: link %s: %w", key, err))
	}
	c.logger.Debug("catalog: file recorded", "kb_id", f.KnowledgeBaseID, "file_id", f.FileID, "status", f.Status)
	return nil
}

// Get returns the entry of one file.
func (c *Catalog) Get(ctx context.Context, kbID, fileID string) (File, error) {
	f, err := c.files.Get(ctx, Key(kbID, fileID))
	if errors.Is(err, repo.ErrNotFound) {
		return File{}, fmt.Errorf("catalog: file %s: %w", fileID, ErrNotFound)
	}
	if err != nil {
		return File{}, fmt.Errorf("catalog: get %s: %w", fileID, err)
	}
	return f, nil
}

// List returns the files of a knowledge base.
func (c *Catalog) List(ctx context.Context, kbID string, offset, limit int) ([]File, error) {
	files, err := c.files.List(ctx, repo.ListOpts{
		Offset: offset,
		Limit:  limit,
		Filter: map[string]any{"knowledge_base_id": kbID},
	})
	if err != nil {
		return nil, fmt.Errorf("catalog: list %s: %w", kbID, err)
	}
	return files, nil
}

// Forget removes one file entry.
func (c *Catalog) Forget(ctx context.Context, kbID, fileID string) error {
	if err := c.files.Delete(ctx, Key(kbID, fileID)); err != nil {
		return fmt.Errorf("catalog: forget %s: %w", fileID, err)
	}
	return nil
}

// ForgetKnowledgeBase removes every file of kbID and the knowledge base node.
func (c *Catalog) ForgetKnowledgeBase(ctx context.Context, kbID string) (int, error) {
	n, err := c.files.DeleteWhere(ctx, map[string]any{"knowledge_base_id": kbID})
	if err != nil {
		return 0, fmt.Errorf("catalog: forget %s: %w", kbID, err)
	}
	if err := c.files.Exec(ctx, "MATCH (k:KnowledgeBase {id: $kb}) DETACH DELETE k", map[string]any{"kb": kbID}); err != nil {
		return n, fmt.Errorf("catalog: forget %s: %w", kbID, err)
	}
	return n, nil
}

// toMap omits empty optional fields so a status update keeps the URL and
// counts recorded earlier.
func toMap(f File) map[string]any {
	m := map[string]any{
		"key":               Key(f.KnowledgeBaseID, f.FileID),
		"knowledge_base_id": f.KnowledgeBaseID,
		"file_id":           f.FileID,
		"status":            string(f.Status),
		"reason":            f.Reason,
		"updated_at":        f.UpdatedAt,
	}
	if f.FileName != "" {
		m["file_name"] = f.FileName
	}
	if f.URL != "" {
		m["url"] = f.URL
	}
	if f.Status == domain.StatusEmbedded || f.Status == domain.StatusFailed {
		m["units"] = int64(f.Units)
		m["pages"] = int64(f.Pages)
	}
	return m
}

func fromRecord(rec *neo4j.Record) (File, error) {
	p, err := repo.Props(rec)
	if err != nil {
		return File{}, err
	}
	f := File{
		KnowledgeBaseID: str(p["knowledge_base_id"]),
		FileID:          str(p["file_id"]),
		FileName:        str(p["file_name"]),
		URL:             str(p["url"]),
		Status:          domain.FileStatus(str(p["status"])),
		Reason:          str(p["reason"]),
		Units:           num(p["units"]),
		Pages:           num(p["pages"]),
	}
	if t, ok := p["updated_at"].(time.Time); ok {
		f.UpdatedAt = t
	}
	return f, nil
}

func str(v any) string {
	s, _ := v.(string)
	return s
}

func num(v any) int {
	switch n := v.(type) {
	case int64:
		return int(n)
	case int:
		return n
	}
	return 0
}
