// Package fetch downloads source documents for ingestion and inspects them
// before they are sent to layout analysis.
package fetch

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"mime"
	"net/http"
	"net/url"
	"os"
	"path"
	"path/filepath"
	"strings"
	"time"

	"github.com/pdfcpu/pdfcpu/pkg/api"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/WessleyAI/wessley-kb/engine/domain"
)

// ObjectReader reads objects from the bucket behind s3:// URLs.
type ObjectReader interface {
	Download(ctx context.Context, key string) ([]byte, error)
}

// File is a downloaded document.
type File struct {
	Data        []byte
	ContentType string
	// Pages is the PDF page count, or 0 for other formats.
	Pages int
}

// Options bounds downloads.
type Options struct {
	MaxBytes int64
	Timeout  time.Duration
	// LocalRoot enables file:// URLs for files under this directory. Empty
	// disables the scheme.
	LocalRoot string
}

// DefaultOptions allows 200 MiB per file.
func DefaultOptions() Options {
	return Options{MaxBytes: 200 << 20, Timeout: 10 * time.Minute}
}

// Fetcher downloads files over HTTP(S), from s3:// URLs or, when a local
// root is set, from file:// URLs under that root.
type Fetcher struct {
	opts    Options
	client  *http.Client
	objects ObjectReader
	logger  *slog.Logger
}

// New creates a Fetcher. objects may be nil when s3:// URLs are not used.
func New(objects ObjectReader, opts Options, logger *slog.Logger) *Fetcher {
	def := DefaultOptions()
	if opts.MaxBytes <= 0 {
		opts.MaxBytes = def.MaxBytes
	}
	if opts.Timeout <= 0 {
		opts.Timeout = def.Timeout
	}
	if logger == nil {
		logger = slog.Default()
	}
	if opts.LocalRoot != "" {
		if abs, err := filepath.Abs(opts.LocalRoot); err == nil {
			opts.LocalRoot = abs
		}
	}
	return &Fetcher{
		opts:    opts,
		client:  &http.Client{Transport: otelhttp.NewTransport(http.DefaultTransport), Timeout: opts.Timeout},
		objects: objects,
		logger:  logger,
	}
}

// Fetch downloads rawURL. Every failure is fatal for the file.
func (f *Fetcher) Fetch(ctx context.Context, rawURL string) (File, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return File{}, domain.Fatal(fmt.Errorf("fetch: parse url: %w", err))
	}

	var (
		data        []byte
		contentType string
	)
	switch u.Scheme {
	case "s3":
		if f.objects == nil {
			return File{}, domain.Fatal(errors.New("fetch: no object store configured for s3 urls"))
		}
		data, err = f.objects.Download(ctx, strings.TrimPrefix(u.Path, "/"))
	case "http", "https":
		data, contentType, err = f.get(ctx, u.String())
	case "file":
		data, err = f.readLocal(u.Path)
	default:
		err = fmt.Errorf("unsupported scheme %q", u.Scheme)
	}
	if err != nil {
		return File{}, domain.Fatal(fmt.Errorf("fetch: %s: %w", redact(u), err))
	}
	if len(data) == 0 {
		return File{}, domain.Fatal(fmt.Errorf("fetch: %s: empty file", redact(u)))
	}

	file := File{Data: data, ContentType: detectType(contentType, u.Path, data)}
	if file.ContentType == "application/pdf" {
		n, err := api.PageCount(bytes.NewReader(data), nil)
		if err != nil {
			f.logger.Warn("fetch: pdf page count failed", "url", redact(u), "err", err)
		}
		file.Pages = n
	}
	f.logger.Debug("fetched", "url", redact(u), "bytes", len(data), "content_type", file.ContentType, "pages", file.Pages)
	return file, nil
}

func (f *Fetcher) get(ctx context.Context, rawURL string) ([]byte, string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return nil, "", err
	}
	resp, err := f.client.Do(req)
	if err != nil {
		return nil, "", err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, "", fmt.Errorf("status %d", resp.StatusCode)
	}
	data, err := f.readAll(resp.Body)
	if err != nil {
		return nil, "", err
	}
	return data, resp.Header.Get("Content-Type"), nil
}

// readLocal reads p, which must resolve inside the local root. Symlinks that
// leave the root are refused by os.Root.
func (f *Fetcher) readLocal(p string) ([]byte, error) {
	if f.opts.LocalRoot == "" {
		return nil, errors.New("file urls are disabled")
	}
	rel, err := filepath.Rel(f.opts.LocalRoot, filepath.Clean(filepath.FromSlash(p)))
	if err != nil || !filepath.IsLocal(rel) {
		return nil, fmt.Errorf("%s is outside %s", p, f.opts.LocalRoot)
	}
	root, err := os.OpenRoot(f.opts.LocalRoot)
	if err != nil {
		return nil, err
	}
	defer root.Close()
	file, err := root.Open(rel)
	if err != nil {
		return nil, err
	}
	defer file.Close()
	return f.readAll(file)
}

func (f *Fetcher) readAll(r io.Reader) ([]byte, error) {
	data, err := io.ReadAll(io.LimitReader(r, f.opts.MaxBytes+1))
	if err != nil {
		return nil, err
	}
	if int64(len(data)) > f.opts.MaxBytes {
		return nil, fmt.Errorf("file exceeds %d bytes", f.opts.MaxBytes)
	}
	return data, nil
}

func detectType(header, name string, data []byte) string {
	if bytes.HasPrefix(data, []byte("%PDF-")) {
		return "application/pdf"
	}
	if mt, _, err := mime.ParseMediaType(header); err == nil && mt != "application/octet-stream" {
		return mt
	}
	if mt := mime.TypeByExtension(strings.ToLower(path.Ext(name))); mt != "" {
		mt, _, _ = mime.ParseMediaType(mt)
		return mt
	}
	return http.DetectContentType(data)
}

// redact drops query strings, which often carry signatures.
func redact(u *url.URL) string {
	c := *u
	c.RawQuery = ""
	c.User = nil
	return c.String()
}
