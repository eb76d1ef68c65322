package assets

import (
	"context"
	"errors"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"
)

// Source is the remote paginated asset list.
type Source interface {
	AssetsPage(ctx context.Context, orgID, characterID int64, page int) (Page, error)
}

const (
	defaultFetchConcurrency = 5
	defaultMaxAttempts      = 3
	defaultRetryBackoff     = 2 * time.Second
)

// Fetcher retrieves every page of an organization's assets.
type Fetcher struct {
	Source      Source
	Concurrency int           // pages in flight, defaults to 5
	MaxAttempts int           // per page, defaults to 3
	Backoff     time.Duration // first retry delay, doubled per attempt
	Log         Logger
}

// FetchAllPages returns all records in page order. Page 1 tells us how many
// pages exist; the rest are fetched concurrently. Any page that still fails
// after retries aborts the fetch, since a partial list would misstate what
// the organization owns.
func (f *Fetcher) FetchAllPages(ctx context.Context, orgID, characterID int64, progress func(Progress)) ([]AssetRecord, error) {
	log := orNop(f.Log)
	concurrency := f.Concurrency
	if concurrency <= 0 {
		concurrency = defaultFetchConcurrency
	}

	first, err := f.fetchPage(ctx, orgID, characterID, 1)
	if err != nil {
		return nil, err
	}
	total := first.TotalPages
	if total < 1 {
		total = 1
	}
	emit := func(done int) {
		if progress != nil {
			progress(Progress{Stage: StageLoading, Current: done, Total: total})
		}
	}
	emit(1)
	log.Debugf("org %d: page 1/%d fetched (%d records)", orgID, total, len(first.Records))

	pages := make([][]AssetRecord, total)
	pages[0] = first.Records

	if total > 1 {
		var (
			mu   sync.Mutex
			done = 1
		)
		g, gctx := errgroup.WithContext(ctx)
		g.SetLimit(concurrency)
		for page := 2; page <= total; page++ {
			g.Go(func() error {
				if gctx.Err() != nil {
					return gctx.Err()
				}
				p, err := f.fetchPage(gctx, orgID, characterID, page)
				if err != nil {
					return err
				}
				pages[page-1] = p.Records

				mu.Lock()
				done++
				emit(done)
				mu.Unlock()
				return nil
			})
		}
		if err := g.Wait(); err != nil {
			return nil, err
		}
	}

	n := 0
	for _, p := range pages {
		n += len(p)
	}
	out := make([]AssetRecord, 0, n)
	for _, p := range pages {
		out = append(out, p...)
	}
	log.Infof("org %d: fetched %d records across %d pages", orgID, len(out), total)
	return out, nil
}

func (f *Fetcher) fetchPage(ctx context.Context, orgID, characterID int64, page int) (Page, error) {
	attempts := f.MaxAttempts
	if attempts <= 0 {
		attempts = defaultMaxAttempts
	}
	backoff := f.Backoff
	if backoff <= 0 {
		backoff = defaultRetryBackoff
	}

	var lastErr error
	for attempt := 1; attempt <= attempts; attempt++ {
		p, err := f.Source.AssetsPage(ctx, orgID, characterID, page)
		if err == nil {
			return p, nil
		}
		if ctx.Err() != nil {
			return Page{}, ctx.Err()
		}
		lastErr = err
		if !Retryable(err) || attempt == attempts {
			break
		}
		orNop(f.Log).Warnf("org %d: page %d failed (attempt %d/%d), retrying: %v", orgID, page, attempt, attempts, err)

		select {
		case <-time.After(backoff):
		case <-ctx.Done():
			return Page{}, ctx.Err()
		}
		backoff *= 2
	}
	if errors.Is(lastErr, context.Canceled) || errors.Is(lastErr, context.DeadlineExceeded) {
		return Page{}, lastErr
	}
	return Page{}, &PageError{Page: page, Err: lastErr}
}
