// Package crawler walks a course portal's listing pages and downloads the
// documents they link to. It leans on the session for authenticated fetching
// and on the terminal conductor for all output, so many workers can run
// without stepping on each other's requests or rendering.
package crawler

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/url"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/kursfetch/kursfetch/internal/auth"
	"github.com/kursfetch/kursfetch/internal/session"
	"github.com/kursfetch/kursfetch/internal/terminal"
)

// Config controls one crawl run.
type Config struct {
	// OutputDir receives the downloaded files.
	OutputDir string
	// Concurrency bounds simultaneous downloads.
	Concurrency int
	// MaxDepth bounds listing-page recursion from the start URL.
	MaxDepth int
	// QueueDepth bounds the download queue between discovery and workers.
	QueueDepth int
	// FileExtensions selects which links count as downloadable documents.
	FileExtensions []string
	// Reserved lists output-relative paths the crawl must never overwrite.
	Reserved []string
}

// Crawler runs the traversal. Create one per run with New.
type Crawler struct {
	cfg       Config
	fetcher   Fetcher
	conductor *terminal.Conductor
	logger    *zap.Logger

	pagesVisited   atomic.Int64
	filesCreated   atomic.Int64
	filesUnchanged atomic.Int64
	filesFailed    atomic.Int64
	bytesFetched   atomic.Int64
}

// New builds a Crawler.
func New(cfg Config, fetcher Fetcher, conductor *terminal.Conductor, logger *zap.Logger) (*Crawler, error) {
	if fetcher == nil {
		return nil, errors.New("crawler: fetcher is required")
	}
	if conductor == nil {
		return nil, errors.New("crawler: conductor is required")
	}
	if cfg.OutputDir == "" {
		return nil, errors.New("crawler: output directory is required")
	}
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = 4
	}
	if cfg.MaxDepth < 0 {
		cfg.MaxDepth = 0
	}
	if cfg.QueueDepth <= 0 {
		cfg.QueueDepth = 64
	}
	if len(cfg.FileExtensions) == 0 {
		cfg.FileExtensions = defaultFileExtensions
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Crawler{
		cfg:       cfg,
		fetcher:   fetcher,
		conductor: conductor,
		logger:    logger,
	}, nil
}

// Run crawls from startURL until all reachable pages within MaxDepth are
// visited and all discovered files are downloaded. Discovery and downloads
// run concurrently; a fatal error (failed authentication, canceled context)
// aborts the whole run.
func (c *Crawler) Run(ctx context.Context, startURL string) (Report, error) {
	start, err := url.Parse(startURL)
	if err != nil {
		return Report{}, fmt.Errorf("crawler: parse start url: %w", err)
	}
	if err := os.MkdirAll(c.cfg.OutputDir, 0o755); err != nil {
		return Report{}, fmt.Errorf("crawler: create output dir: %w", err)
	}

	runID := uuid.NewString()
	c.logger.Info("crawl starting",
		zap.String("run_id", runID),
		zap.String("url", startURL),
		zap.Int("concurrency", c.cfg.Concurrency),
	)

	queue := newDownloadQueue(c.cfg.QueueDepth)
	group, ctx := errgroup.WithContext(ctx)

	group.Go(func() error {
		defer queue.Close()
		return c.discover(ctx, start, queue)
	})
	for range c.cfg.Concurrency {
		group.Go(func() error {
			return c.downloadWorker(ctx, queue)
		})
	}

	err = group.Wait()
	report := Report{
		RunID:          runID,
		PagesVisited:   c.pagesVisited.Load(),
		FilesCreated:   c.filesCreated.Load(),
		FilesUnchanged: c.filesUnchanged.Load(),
		FilesFailed:    c.filesFailed.Load(),
		BytesFetched:   c.bytesFetched.Load(),
	}
	if err != nil {
		return report, err
	}
	for _, line := range report.Summary() {
		c.conductor.Print(line)
	}
	return report, nil
}

// discover walks listing pages breadth-first, feeding found files into the
// download queue. One indeterminate progress bar tracks visited pages.
func (c *Crawler) discover(ctx context.Context, start *url.URL, queue *downloadQueue) error {
	bar := c.conductor.ProgressBar("Crawling "+start.Host, 0, terminal.UnitsCount)
	defer bar.Close()

	visited := map[string]bool{start.String(): true}
	frontier := []Target{{URL: start.String(), Depth: 0}}

	for len(frontier) > 0 {
		var (
			mu   sync.Mutex
			next []Target
		)
		level, lctx := errgroup.WithContext(ctx)
		level.SetLimit(c.cfg.Concurrency)

		for _, target := range frontier {
			level.Go(func() error {
				pages, files, err := c.visitPage(lctx, target)
				if err != nil {
					if lctx.Err() != nil || isFatal(err) {
						return err
					}
					c.logger.Warn("page fetch failed", zap.String("url", target.URL), zap.Error(err))
					c.conductor.Print(fmt.Sprintf("Failed %s: %v", target.URL, err))
					return nil
				}
				bar.Advance(1)
				for _, f := range files {
					if err := c.enqueueFile(lctx, f, queue); err != nil {
						return err
					}
				}
				if target.Depth >= c.cfg.MaxDepth {
					return nil
				}
				mu.Lock()
				for _, p := range pages {
					key := p.String()
					if !visited[key] {
						visited[key] = true
						next = append(next, Target{URL: key, Depth: target.Depth + 1})
					}
				}
				mu.Unlock()
				return nil
			})
		}
		if err := level.Wait(); err != nil {
			return err
		}
		frontier = next
	}
	return nil
}

func (c *Crawler) visitPage(ctx context.Context, target Target) (pages, files []*url.URL, err error) {
	resp, err := c.fetcher.Get(ctx, target.URL)
	if err != nil {
		return nil, nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != 200 {
		// Broken listing links are not fatal for the rest of the crawl.
		c.logger.Warn("skipping page", zap.String("url", target.URL), zap.Int("status", resp.StatusCode))
		c.conductor.Print(fmt.Sprintf("Skipped %s (status %d)", target.URL, resp.StatusCode))
		return nil, nil, nil
	}

	base := resp.Request.URL
	pages, files, err = extractLinks(base, resp.Body, c.cfg.FileExtensions)
	if err != nil {
		return nil, nil, err
	}
	c.pagesVisited.Add(1)
	c.logger.Debug("page visited",
		zap.String("url", target.URL),
		zap.Int("pages", len(pages)),
		zap.Int("files", len(files)),
	)
	return pages, files, nil
}

func (c *Crawler) enqueueFile(ctx context.Context, fileURL *url.URL, queue *downloadQueue) error {
	path, err := outputPath(c.cfg.OutputDir, fileURL, c.cfg.Reserved)
	if err != nil {
		if errors.Is(err, ErrPathOutsideOutput) || errors.Is(err, ErrReservedPath) {
			c.logger.Warn("refusing link", zap.String("url", fileURL.String()), zap.Error(err))
			c.filesFailed.Add(1)
			return nil
		}
		return err
	}
	return queue.Enqueue(ctx, Download{URL: fileURL.String(), Path: path})
}

// downloadWorker drains the queue until it is closed or the context ends.
func (c *Crawler) downloadWorker(ctx context.Context, queue *downloadQueue) error {
	for {
		item, err := queue.Dequeue(ctx)
		if err != nil {
			if errors.Is(err, ErrQueueClosed) {
				return nil
			}
			return err
		}
		if err := c.downloadFile(ctx, item); err != nil {
			return err
		}
	}
}

// downloadFile streams one file to disk with a per-file progress bar. A file
// whose size matches the response's Content-Length is left untouched.
// Non-fatal failures (bad status, disk errors) are counted and reported but do
// not abort the run.
func (c *Crawler) downloadFile(ctx context.Context, item Download) error {
	resp, err := c.fetcher.Get(ctx, item.URL)
	if err != nil {
		if ctx.Err() != nil || isFatal(err) {
			return err
		}
		c.reportFileFailure(item, err)
		return nil
	}
	defer resp.Body.Close()

	if resp.StatusCode != 200 {
		c.reportFileFailure(item, fmt.Errorf("status %d", resp.StatusCode))
		return nil
	}

	if resp.ContentLength > 0 {
		if info, err := os.Stat(item.Path); err == nil && info.Size() == resp.ContentLength {
			c.filesUnchanged.Add(1)
			c.logger.Debug("file unchanged", zap.String("path", item.Path))
			return nil
		}
	}

	bar := c.conductor.ProgressBar(filepath.Base(item.Path), resp.ContentLength, terminal.UnitsBytes)
	defer bar.Close()

	written, err := streamToFile(resp.Body, item.Path, bar)
	if err != nil {
		c.reportFileFailure(item, err)
		return nil
	}

	c.filesCreated.Add(1)
	c.bytesFetched.Add(written)
	c.conductor.Print("Created " + relOrAbs(c.cfg.OutputDir, item.Path))
	return nil
}

func (c *Crawler) reportFileFailure(item Download, err error) {
	c.filesFailed.Add(1)
	c.logger.Warn("download failed", zap.String("url", item.URL), zap.Error(err))
	c.conductor.Print(fmt.Sprintf("Failed %s: %v", item.URL, err))
}

// streamToFile downloads via a temp file and renames into place, advancing the
// bar as bytes arrive. A partial download never replaces an existing file.
func streamToFile(body io.Reader, dest string, bar *terminal.ProgressBar) (int64, error) {
	if err := os.MkdirAll(filepath.Dir(dest), 0o755); err != nil {
		return 0, fmt.Errorf("crawler: create parent dir: %w", err)
	}
	tmp, err := os.CreateTemp(filepath.Dir(dest), "."+filepath.Base(dest)+".part-")
	if err != nil {
		return 0, fmt.Errorf("crawler: create temp file: %w", err)
	}
	defer os.Remove(tmp.Name())

	written, err := io.Copy(io.MultiWriter(tmp, barWriter{bar}), body)
	if cerr := tmp.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		return 0, fmt.Errorf("crawler: write %s: %w", dest, err)
	}
	if err := os.Rename(tmp.Name(), dest); err != nil {
		return 0, fmt.Errorf("crawler: move %s into place: %w", dest, err)
	}
	return written, nil
}

type barWriter struct {
	bar *terminal.ProgressBar
}

func (w barWriter) Write(p []byte) (int, error) {
	w.bar.Advance(int64(len(p)))
	return len(p), nil
}

// isFatal reports whether a fetch error must abort the run. Authentication
// failures are fatal: continuing would crawl unauthenticated.
func isFatal(err error) bool {
	return errors.Is(err, auth.ErrAuthFailed) || errors.Is(err, session.ErrStillStale)
}

func relOrAbs(root, path string) string {
	if rel, err := filepath.Rel(root, path); err == nil {
		return rel
	}
	return path
}
