package filesystem

import (
	"context"
	"io"

	"golang.org/x/time/rate"
)

// ProgressFunc receives the cumulative bytes written and the expected total (0 when unknown).
type ProgressFunc func(written int64, total int64)

// progressReader wraps an io.Reader and reports progress via a callback.
// A report fires every reportInterval bytes, whenever the integer percentage
// moves and once at EOF.
type progressReader struct {
	reader         io.Reader
	total          int64
	base           int64 // bytes already written by earlier fragments
	onProgress     ProgressFunc
	totalRead      int64
	lastReport     int64
	reportInterval int64
}

func newProgressReader(r io.Reader, base, total, interval int64, cb ProgressFunc) *progressReader {
	return &progressReader{
		reader:         r,
		base:           base,
		total:          total,
		onProgress:     cb,
		reportInterval: interval,
	}
}

func (pr *progressReader) Read(p []byte) (int, error) {
	n, err := pr.reader.Read(p)
	if n > 0 {
		prev := pr.base + pr.totalRead
		pr.totalRead += int64(n)
		pr.lastReport += int64(n)

		written := pr.base + pr.totalRead
		if pr.lastReport >= pr.reportInterval || (pr.total > 0 && written*100/pr.total != prev*100/pr.total) {
			pr.report()
		}
	}

	if err == io.EOF && pr.lastReport > 0 {
		pr.report()
	}

	return n, err
}

func (pr *progressReader) report() {
	pr.lastReport = 0

	if pr.onProgress != nil {
		pr.onProgress(pr.base+pr.totalRead, pr.total)
	}
}

// throttledReader caps read throughput with a token bucket.
type throttledReader struct {
	ctx     context.Context
	reader  io.Reader
	limiter *rate.Limiter
}

func newThrottledReader(ctx context.Context, r io.Reader, limiter *rate.Limiter) io.Reader {
	if limiter == nil {
		return r
	}

	return &throttledReader{ctx: ctx, reader: r, limiter: limiter}
}

func (tr *throttledReader) Read(p []byte) (int, error) {
	if burst := tr.limiter.Burst(); len(p) > burst {
		p = p[:burst]
	}

	n, err := tr.reader.Read(p)
	if n > 0 {
		if waitErr := tr.limiter.WaitN(tr.ctx, n); waitErr != nil {
			return n, waitErr
		}
	}

	return n, err
}
