// Command query runs a retrieval against one or more knowledge bases and
// prints the formatted context, or the raw results with -json.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/WessleyAI/wessley-kb/engine/kb"
	"github.com/WessleyAI/wessley-kb/engine/retrieve"
	"github.com/WessleyAI/wessley-kb/pkg/config"
)

func main() {
	var (
		configPath = flag.String("config", "", "path to a YAML config file")
		envFile    = flag.String("env", "", "path to a .env file (default .env)")
		kbs        = flag.String("kb", "", "comma-separated knowledge base ids")
		limit      = flag.Int("limit", 0, "maximum results (default from config)")
		domainName = flag.String("domain", "", "product domain of the question")
		asJSON     = flag.Bool("json", false, "print results as JSON")
	)
	flag.Parse()

	cfg, err := config.Load(*configPath, *envFile)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	logger := cfg.Log.NewLogger(os.Stderr)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	req := retrieve.Request{
		Query:          strings.Join(flag.Args(), " "),
		KnowledgeBases: splitList(*kbs),
		Limit:          *limit,
		Domain:         *domainName,
	}

	svc, err := kb.Open(ctx, cfg, nil, logger)
	if err != nil {
		logger.Error("open services", "err", err)
		os.Exit(1)
	}
	err = query(ctx, svc.Retriever, svc.Formatter, req, *asJSON, os.Stdout)
	closeCtx, cancel := context.WithTimeout(context.Background(), kb.ShutdownTimeout)
	_ = svc.Close(closeCtx)
	cancel()
	if err != nil {
		logger.Error("query failed", "err", err)
		os.Exit(1)
	}
}

type retriever interface {
	Retrieve(ctx context.Context, req retrieve.Request) ([]retrieve.Result, error)
}

type formatter interface {
	Format(ctx context.Context, results []retrieve.Result) string
}

func query(ctx context.Context, r retriever, f formatter, req retrieve.Request, asJSON bool, out io.Writer) error {
	if len(req.KnowledgeBases) == 0 {
		return errors.New("at least one -kb is required")
	}
	results, err := r.Retrieve(ctx, req)
	if err != nil {
		return err
	}
	if asJSON {
		enc := json.NewEncoder(out)
		enc.SetIndent("", "  ")
		return enc.Encode(results)
	}
	if len(results) == 0 {
		_, err := fmt.Fprintln(out, "no results")
		return err
	}
	_, err = fmt.Fprintln(out, f.Format(ctx, results))
	return err
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
