package retrieve

import (
	"context"
	"fmt"
	"log/slog"
	"net/url"
	"strings"
	"time"

	"github.com/WessleyAI/wessley-kb/engine/domain"
)

// Presigner issues temporary download URLs for stored images.
type Presigner interface {
	PresignedURL(ctx context.Context, key string, ttl time.Duration) (string, error)
}

// Formatter renders results as context for the chat agent.
type Formatter struct {
	FrontendURL string
	Images      Presigner
	TTL         time.Duration
	Logger      *slog.Logger
}

// ReferenceLink points the frontend viewer at the first page of a unit.
func (f Formatter) ReferenceLink(u domain.ContentUnit) string {
	return fmt.Sprintf("%s/references/%s?page=%d", strings.TrimRight(f.FrontendURL, "/"), url.PathEscape(u.FileID), u.StartPage)
}

// Format renders every result, separated by blank lines.
func (f Formatter) Format(ctx context.Context, results []Result) string {
	parts := make([]string, 0, len(results))
	for i, r := range results {
		parts = append(parts, f.formatOne(ctx, i+1, r.Unit))
	}
	return strings.Join(parts, "\n\n")
}

func (f Formatter) formatOne(ctx context.Context, n int, u domain.ContentUnit) string {
	var b strings.Builder
	fmt.Fprintf(&b, "[%d] %s, pages %d-%d (%s)\n", n, u.FileName, u.StartPage, u.EndPage, f.ReferenceLink(u))
	switch u.DocumentType {
	case domain.DocTable:
		fmt.Fprintf(&b, "Table description: %s\nTable:\n%s", u.Content, u.TableContent)
	case domain.DocImage:
		b.WriteString(u.Content)
		if link := f.imageURL(ctx, u.S3Path); link != "" {
			fmt.Fprintf(&b, "\nImage: %s", link)
		}
	default:
		b.WriteString(u.Content)
	}
	return b.String()
}

func (f Formatter) imageURL(ctx context.Context, key string) string {
	if f.Images == nil || key == "" {
		return ""
	}
	ttl := f.TTL
	if ttl <= 0 {
		ttl = time.Hour
	}
	link, err := f.Images.PresignedURL(ctx, key, ttl)
	if err != nil {
		logger := f.Logger
		if logger == nil {
			logger = slog.Default()
		}
		logger.Warn("retrieve: presign image failed", "key", key, "err", err)
		return ""
	}
	return link
}
