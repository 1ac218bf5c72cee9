// Package fetcher implements HTTP retrieval with bounded, fixed-wait
// retries: GetContent for small required documents (site matrix, listing
// index) and GetFile for streaming media and inventory downloads. The file
// contract is all-or-nothing — the destination either holds the complete
// body or does not exist.
package fetcher

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"time"
)

// requestTimeout bounds a single HTTP attempt so a stalled server cannot
// hang the run; retries handle the rest.
const requestTimeout = 5 * time.Minute

// ExhaustedError reports that every retry of a retrieval failed. It carries
// the status code of the final attempt (zero when the failure was a
// transport error).
type ExhaustedError struct {
	URL        string
	StatusCode int
	Err        error
}

func (e *ExhaustedError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("fetcher: retries exhausted for %s: %v", e.URL, e.Err)
	}

	return fmt.Sprintf("fetcher: retries exhausted for %s (response code: %d)", e.URL, e.StatusCode)
}

func (e *ExhaustedError) Unwrap() error { return e.Err }

// Fetcher retrieves remote content with retries. A single Fetcher is shared
// by the registry, the inventory getters, and the downloader.
type Fetcher struct {
	client  *http.Client
	agent   string
	retries int
	wait    time.Duration
	dryRun  bool
	logger  *slog.Logger

	// sleepFunc waits between retries. Tests override it to avoid real
	// delays.
	sleepFunc func(ctx context.Context, d time.Duration) error
}

// New creates a Fetcher. retries is the number of attempts after the first;
// wait is the pause between attempts. A nil logger discards nothing — it
// falls back to slog.Default.
func New(agent string, retries, waitSeconds int, dryRun bool, logger *slog.Logger) *Fetcher {
	if logger == nil {
		logger = slog.Default()
	}

	return &Fetcher{
		client:    &http.Client{Timeout: requestTimeout},
		agent:     agent,
		retries:   retries,
		wait:      time.Duration(waitSeconds) * time.Second,
		dryRun:    dryRun,
		logger:    logger,
		sleepFunc: sleepContext,
	}
}

func sleepContext(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// GetContent returns the body of url. Non-2xx responses are retried up to
// the configured count with the configured wait between attempts; on
// exhaustion an *ExhaustedError carrying the last status code is returned.
func (f *Fetcher) GetContent(ctx context.Context, url string) ([]byte, error) {
	var body []byte

	err := f.withRetries(ctx, url, func(resp *http.Response) error {
		b, readErr := io.ReadAll(resp.Body)
		if readErr != nil {
			return fmt.Errorf("fetcher: reading body of %s: %w", url, readErr)
		}

		body = b

		return nil
	})
	if err != nil {
		return nil, err
	}

	return body, nil
}

// GetFile streams the body of url to path. The file appears at path only
// after the whole body is written; failures and cancellation leave no
// partial file behind. When returnOnFail is set, retry exhaustion on an
// HTTP error returns the final status code with a nil error so the caller
// can journal the failure and continue. The returned status is the final
// response code (200 for dry runs, which write nothing).
func (f *Fetcher) GetFile(ctx context.Context, url, path string, returnOnFail bool) (int, error) {
	if f.dryRun {
		f.logger.Info("dry run: would save url to file",
			slog.String("url", url),
			slog.String("path", path),
		)

		return http.StatusOK, nil
	}

	status := 0

	err := f.withRetries(ctx, url, func(resp *http.Response) error {
		status = resp.StatusCode
		return f.streamToFile(resp.Body, path)
	})
	if err != nil {
		var exhausted *ExhaustedError
		if returnOnFail && errors.As(err, &exhausted) {
			return exhausted.StatusCode, nil
		}

		return 0, err
	}

	return status, nil
}

// withRetries runs the request loop: attempt, and on non-2xx or transport
// error wait and retry until the budget is spent. onSuccess consumes the
// 2xx response body.
func (f *Fetcher) withRetries(ctx context.Context, url string, onSuccess func(*http.Response) error) error {
	var (
		lastStatus int
		lastErr    error
	)

	for attempt := 0; attempt <= f.retries; attempt++ {
		if attempt > 0 {
			if err := f.sleepFunc(ctx, f.wait); err != nil {
				return fmt.Errorf("fetcher: canceled while waiting to retry %s: %w", url, err)
			}
		}

		resp, err := f.doOnce(ctx, url)
		if err != nil {
			if ctx.Err() != nil {
				return fmt.Errorf("fetcher: request canceled: %w", ctx.Err())
			}

			lastErr = err
			lastStatus = 0

			f.logger.Warn("request failed, will retry",
				slog.String("url", url),
				slog.Int("attempt", attempt+1),
				slog.String("error", err.Error()),
			)

			continue
		}

		if resp.StatusCode >= http.StatusOK && resp.StatusCode < http.StatusMultipleChoices {
			err := onSuccess(resp)
			resp.Body.Close()

			return err
		}

		io.Copy(io.Discard, resp.Body)
		resp.Body.Close()

		lastStatus = resp.StatusCode
		lastErr = nil

		f.logger.Warn("bad response, will retry",
			slog.String("url", url),
			slog.Int("status", resp.StatusCode),
			slog.Int("attempt", attempt+1),
		)
	}

	return &ExhaustedError{URL: url, StatusCode: lastStatus, Err: lastErr}
}

func (f *Fetcher) doOnce(ctx context.Context, url string) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, http.NoBody)
	if err != nil {
		return nil, fmt.Errorf("fetcher: creating request for %s: %w", url, err)
	}

	req.Header.Set("User-Agent", f.agent)

	return f.client.Do(req)
}

// streamToFile writes r to a temp file beside path and renames it into
// place, so a crash or write error never leaves a partial file at path.
func (f *Fetcher) streamToFile(r io.Reader, path string) error {
	tmp, err := os.CreateTemp(filepath.Dir(path), "."+filepath.Base(path)+".part-*")
	if err != nil {
		return fmt.Errorf("fetcher: creating temp file for %s: %w", path, err)
	}

	tmpName := tmp.Name()

	if _, err := io.Copy(tmp, r); err != nil {
		tmp.Close()
		os.Remove(tmpName)

		return fmt.Errorf("fetcher: streaming to %s: %w", path, err)
	}

	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("fetcher: closing temp file for %s: %w", path, err)
	}

	if err := os.Rename(tmpName, path); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("fetcher: moving %s into place: %w", path, err)
	}

	return nil
}
