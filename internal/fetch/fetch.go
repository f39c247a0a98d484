// Package fetch retrieves the current day's archive attachments from the
// delivery mailbox.
package fetch

import (
	"context"
	"log/slog"
	"path/filepath"
	"strings"
	"time"

	"github.com/jcabraleslara/padron-importer/internal/msgraph"
	"golang.org/x/sync/errgroup"
)

const archiveExt = ".zip"

// Source is the subset of the mailbox API the fetcher needs.
type Source interface {
	ListMessages(ctx context.Context, folderID string, nextLink string) (*msgraph.MessagePage, error)
	ListAttachments(ctx context.Context, messageID string) ([]msgraph.Attachment, error)
	DownloadAttachment(ctx context.Context, messageID, attachmentID string) ([]byte, error)
}

// Archive is a downloaded attachment believed to be a zip archive.
type Archive struct {
	MessageID string
	Name      string
	Data      []byte
}

// Result is the outcome of one mailbox sweep.
type Result struct {
	// Archives downloaded from the current batch, in message order.
	Archives []Archive

	// Processed holds IDs of current-batch messages that yielded at least
	// one archive; they are deleted after a successful run.
	Processed []string

	// Stale holds IDs of messages outside the current batch; they are
	// deleted without ever being opened.
	Stale []string

	// MessagesSeen is the total number of messages listed.
	MessagesSeen int

	// DownloadFailures counts attachments that could not be retrieved.
	DownloadFailures int
}

// Fetcher partitions the folder into the current batch and stale backlog,
// then downloads the current batch's archives with bounded concurrency.
type Fetcher struct {
	src         Source
	logger      *slog.Logger
	loc         *time.Location
	concurrency int
}

// New creates a Fetcher. loc determines which calendar day a message's
// received timestamp falls on; concurrency caps parallel message downloads.
func New(src Source, loc *time.Location, concurrency int) *Fetcher {
	if concurrency <= 0 {
		concurrency = 5
	}
	if loc == nil {
		loc = time.UTC
	}
	return &Fetcher{
		src:         src,
		logger:      slog.Default(),
		loc:         loc,
		concurrency: concurrency,
	}
}

// WithLogger sets the logger.
func (f *Fetcher) WithLogger(logger *slog.Logger) *Fetcher {
	f.logger = logger
	return f
}

// Fetch lists the folder, splits messages by delivery day and downloads the
// current batch's zip attachments. Per-attachment failures are logged and
// skipped; only listing errors fail the sweep.
func (f *Fetcher) Fetch(ctx context.Context, folderID string) (*Result, error) {
	messages, err := f.listAll(ctx, folderID)
	if err != nil {
		return nil, err
	}

	result := &Result{MessagesSeen: len(messages)}
	if len(messages) == 0 {
		return result, nil
	}

	// The newest message's calendar day defines the current batch; everything
	// older is a duplicate daily delivery and is discarded unopened.
	batchDay := dayOf(messages[0].ReceivedAt, f.loc)

	var current []msgraph.Message
	for _, m := range messages {
		if dayOf(m.ReceivedAt, f.loc) != batchDay {
			result.Stale = append(result.Stale, m.ID)
			continue
		}
		if m.HasAttachments {
			current = append(current, m)
		}
	}

	f.logger.Info("partitioned mailbox",
		"batch_day", batchDay,
		"current", len(current),
		"stale", len(result.Stale))

	if len(current) == 0 {
		return result, nil
	}

	type messageResult struct {
		archives []Archive
		failures int
	}

	perMessage := make([]messageResult, len(current))
	sem := make(chan struct{}, f.concurrency)

	g, gctx := errgroup.WithContext(ctx)
	for i, msg := range current {
		i, msg := i, msg

		g.Go(func() error {
			select {
			case sem <- struct{}{}:
				defer func() { <-sem }()
			case <-gctx.Done():
				return gctx.Err()
			}

			archives, failures := f.downloadMessage(gctx, msg)
			perMessage[i] = messageResult{archives: archives, failures: failures}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	// Reassemble in listing order so dedup's last-write-wins is stable.
	for i, mr := range perMessage {
		result.DownloadFailures += mr.failures
		if len(mr.archives) == 0 {
			continue
		}
		result.Archives = append(result.Archives, mr.archives...)
		result.Processed = append(result.Processed, current[i].ID)
	}

	return result, nil
}

// listAll drains the folder listing. The page fetches stay independent so a
// failure mid-way loses nothing already side-effected.
func (f *Fetcher) listAll(ctx context.Context, folderID string) ([]msgraph.Message, error) {
	var messages []msgraph.Message
	nextLink := ""
	for {
		page, err := f.src.ListMessages(ctx, folderID, nextLink)
		if err != nil {
			return nil, err
		}
		messages = append(messages, page.Messages...)
		if page.NextLink == "" {
			return messages, nil
		}
		nextLink = page.NextLink
	}
}

// downloadMessage fetches every zip-named attachment of one message.
func (f *Fetcher) downloadMessage(ctx context.Context, msg msgraph.Message) ([]Archive, int) {
	metas, err := f.src.ListAttachments(ctx, msg.ID)
	if err != nil {
		f.logger.Warn("failed to list attachments", "message", msg.ID, "error", err)
		return nil, 1
	}

	var archives []Archive
	failures := 0
	for _, meta := range metas {
		if !strings.EqualFold(filepath.Ext(meta.Name), archiveExt) {
			continue
		}

		data, err := f.src.DownloadAttachment(ctx, msg.ID, meta.ID)
		if err != nil {
			f.logger.Warn("failed to download attachment",
				"message", msg.ID, "attachment", meta.Name, "error", err)
			failures++
			continue
		}
		archives = append(archives, Archive{MessageID: msg.ID, Name: meta.Name, Data: data})
	}
	return archives, failures
}

// dayOf returns the calendar day of t in loc, as yyyy-mm-dd.
func dayOf(t time.Time, loc *time.Location) string {
	return t.In(loc).Format("2006-01-02")
}
