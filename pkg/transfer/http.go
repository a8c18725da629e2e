package transfer

import (
	"context"
	stderrors "errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/glorpus-work/mlget/internal/logger"
	"github.com/glorpus-work/mlget/pkg/errors"
	"github.com/glorpus-work/mlget/pkg/fsutil"
)

// HTTPDriver is the fallback transfer driver used when aria2c is not
// available. It downloads over a single connection and resumes with Range
// requests. It also serves file:// locators by copying.
type HTTPDriver struct {
	client    *http.Client
	userAgent string
}

// NewHTTPDriver creates the fallback driver. dialTimeout bounds connection
// establishment; the body read is bounded by the caller's context, not a
// client timeout, since large artifacts legitimately take a long time.
func NewHTTPDriver(dialTimeout time.Duration) *HTTPDriver {
	transport := http.DefaultTransport.(*http.Transport).Clone()
	transport.ResponseHeaderTimeout = dialTimeout
	return &HTTPDriver{
		client:    &http.Client{Transport: transport},
		userAgent: "mlget/1.0",
	}
}

// Name implements Driver.
func (d *HTTPDriver) Name() string { return "http" }

// Start implements Driver.
func (d *HTTPDriver) Start(ctx context.Context, locator, destPath string, opts Options) (Handle, error) {
	if err := fsutil.EnsureFileDir(destPath); err != nil {
		return nil, errors.Wrap(err, "failed to create staging directory")
	}

	ctx, cancel := context.WithCancel(ctx)
	h := &httpHandle{
		cancel: cancel,
		done:   make(chan struct{}),
	}
	h.expected.Store(opts.ExpectedSize)
	h.status.Store(string(StatusInProgress))

	go func() {
		defer close(h.done)
		var err error
		if strings.HasPrefix(locator, "file://") {
			err = h.copyLocal(ctx, strings.TrimPrefix(locator, "file://"), destPath)
		} else {
			err = h.download(ctx, d, locator, destPath, opts)
		}
		h.finish(ctx, err)
	}()
	return h, nil
}

type httpHandle struct {
	expected  atomic.Int64
	bytesDone atomic.Int64
	status    atomic.Value // string(Status)
	cancel    context.CancelFunc
	done      chan struct{}

	mu        sync.Mutex
	cancelled bool
	err       error
}

func (h *httpHandle) finish(ctx context.Context, err error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	switch {
	case h.cancelled || (err != nil && stderrors.Is(ctx.Err(), context.Canceled)):
		h.status.Store(string(StatusCancelled))
	case err != nil:
		h.err = err
		h.status.Store(string(StatusFailed))
	default:
		h.status.Store(string(StatusCompleted))
	}
}

// Poll implements Handle.
func (h *httpHandle) Poll() Progress {
	h.mu.Lock()
	err := h.err
	h.mu.Unlock()
	return Progress{
		BytesDone:  h.bytesDone.Load(),
		TotalBytes: h.expected.Load(),
		Status:     Status(h.status.Load().(string)),
		Err:        err,
	}
}

// Cancel implements Handle. The partial file stays on disk for resume.
func (h *httpHandle) Cancel() {
	h.mu.Lock()
	if h.cancelled {
		h.mu.Unlock()
		return
	}
	h.cancelled = true
	h.mu.Unlock()

	h.cancel()
	<-h.done
}

func (h *httpHandle) copyLocal(ctx context.Context, srcPath, destPath string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	info, err := os.Stat(srcPath)
	if err != nil {
		return errors.Wrapf(errors.ErrResolution, "local artifact %s: %v", srcPath, err)
	}
	if err := fsutil.Copy(srcPath, destPath); err != nil {
		return errors.Wrap(err, "failed to copy local artifact")
	}
	h.bytesDone.Store(info.Size())
	return nil
}

func (h *httpHandle) download(ctx context.Context, d *HTTPDriver, locator, destPath string, opts Options) error {
	var offset int64
	if opts.Resume {
		if info, err := os.Stat(destPath); err == nil && info.Size() > 0 {
			offset = info.Size()
		}
	} else if err := DiscardPartial(destPath); err != nil {
		return errors.Wrap(err, "failed to discard partial file")
	}

	resp, err := d.get(ctx, locator, offset)
	if err != nil {
		return err
	}
	if resp.StatusCode == http.StatusRequestedRangeNotSatisfiable {
		// Server cannot serve our offset; the partial is useless.
		_ = resp.Body.Close()
		if err := DiscardPartial(destPath); err != nil {
			return errors.Wrap(err, "failed to discard partial file")
		}
		offset = 0
		if resp, err = d.get(ctx, locator, 0); err != nil {
			return err
		}
	}
	defer func() { _ = resp.Body.Close() }()

	switch resp.StatusCode {
	case http.StatusOK:
		offset = 0 // server ignored the range, start over
	case http.StatusPartialContent:
	default:
		return fmt.Errorf("%s: %w", locator, &errors.ServerError{StatusCode: resp.StatusCode})
	}

	flags := os.O_CREATE | os.O_WRONLY
	if offset > 0 {
		flags |= os.O_APPEND
	} else {
		flags |= os.O_TRUNC
	}
	f, err := os.OpenFile(destPath, flags, fsutil.FileModeDefault)
	if err != nil {
		return errors.Wrap(err, "failed to open staging file")
	}
	defer func() { _ = f.Close() }()

	h.bytesDone.Store(offset)
	if h.expected.Load() == 0 && resp.ContentLength > 0 {
		h.expected.Store(offset + resp.ContentLength)
	}
	logger.Debug("http transfer started", logger.Fields{
		"locator": locator,
		"offset":  offset,
	})

	buf := make([]byte, 128*1024)
	for {
		n, readErr := resp.Body.Read(buf)
		if n > 0 {
			if _, writeErr := f.Write(buf[:n]); writeErr != nil {
				return errors.Wrap(writeErr, "failed to write staging file")
			}
			h.bytesDone.Add(int64(n))
		}
		if readErr == io.EOF {
			return nil
		}
		if readErr != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return errors.Wrapf(errors.ErrConnection, "%s: %v", locator, readErr)
		}
	}
}

func (d *HTTPDriver) get(ctx context.Context, locator string, offset int64) (*http.Response, error) {
	if _, err := url.Parse(locator); err != nil {
		return nil, errors.Wrapf(errors.ErrResolution, "bad locator %s: %v", locator, err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, locator, http.NoBody)
	if err != nil {
		return nil, errors.Wrapf(errors.ErrResolution, "bad locator %s: %v", locator, err)
	}
	req.Header.Set("User-Agent", d.userAgent)
	if offset > 0 {
		req.Header.Set("Range", fmt.Sprintf("bytes=%d-", offset))
	}

	resp, err := d.client.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, errors.Wrapf(errors.ErrConnection, "%s: %v", locator, err)
	}
	return resp, nil
}
