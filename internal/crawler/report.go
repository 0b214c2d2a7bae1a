package crawler

import (
	"fmt"

	"github.com/dustin/go-humanize"
	"github.com/jedib0t/go-pretty/v6/text"
)

// Report summarizes one crawl run.
type Report struct {
	RunID          string
	PagesVisited   int64
	FilesCreated   int64
	FilesUnchanged int64
	FilesFailed    int64
	BytesFetched   int64
}

// Summary renders the report as colored terminal lines, one per counter.
func (r Report) Summary() []string {
	lines := []string{
		fmt.Sprintf("Run %s finished", r.RunID),
		fmt.Sprintf("  %s pages visited", text.FgCyan.Sprintf("%d", r.PagesVisited)),
		fmt.Sprintf("  %s files created (%s)",
			text.FgGreen.Sprintf("%d", r.FilesCreated),
			humanize.Bytes(uint64(r.BytesFetched)),
		),
		fmt.Sprintf("  %s files unchanged", text.Faint.Sprintf("%d", r.FilesUnchanged)),
	}
	if r.FilesFailed > 0 {
		lines = append(lines, fmt.Sprintf("  %s files failed", text.FgRed.Sprintf("%d", r.FilesFailed)))
	}
	return lines
}
