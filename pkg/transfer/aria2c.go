package transfer

import (
	"bytes"
	"context"
	stderrors "errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/glorpus-work/mlget/internal/logger"
	"github.com/glorpus-work/mlget/pkg/errors"
	"github.com/glorpus-work/mlget/pkg/fsutil"
)

// termGrace is how long a cancelled aria2c gets to flush its control file
// before it is killed.
const termGrace = 5 * time.Second

// FindAria2c locates the aria2c binary on PATH.
func FindAria2c() (string, error) {
	p, err := exec.LookPath("aria2c")
	if err != nil {
		return "", errors.Wrap(errors.ErrProcess, "aria2c not found on PATH")
	}
	return p, nil
}

// Aria2cDriver runs transfers through an external aria2c process. aria2c
// handles multi-connection segmented downloads and resume natively; the
// driver's job is argument construction, lifecycle and error classification.
type Aria2cDriver struct {
	binPath string
}

// NewAria2cDriver creates a driver using the aria2c binary at binPath.
func NewAria2cDriver(binPath string) *Aria2cDriver {
	return &Aria2cDriver{binPath: binPath}
}

// Name implements Driver.
func (d *Aria2cDriver) Name() string { return "aria2c" }

// Start implements Driver. The child runs in its own process group; on
// context cancellation or Cancel it is sent SIGTERM (then SIGKILL after a
// grace period), which makes aria2c persist its .aria2 control file so a
// later attempt can resume.
func (d *Aria2cDriver) Start(ctx context.Context, locator, destPath string, opts Options) (Handle, error) {
	if !opts.Resume {
		if err := DiscardPartial(destPath); err != nil {
			return nil, errors.Wrap(err, "failed to discard partial file")
		}
	}

	dir := filepath.Dir(destPath)
	if err := fsutil.EnsureDir(dir); err != nil {
		return nil, errors.Wrap(err, "failed to create staging directory")
	}

	connections := opts.Connections
	if connections < 1 {
		connections = 1
	}
	args := []string{
		"--continue=true",
		fmt.Sprintf("--split=%d", connections),
		fmt.Sprintf("--max-connection-per-server=%d", connections),
		"--min-split-size=1M",
		"--dir=" + dir,
		"--out=" + filepath.Base(destPath),
		"--auto-file-renaming=false",
		"--allow-overwrite=true",
		"--summary-interval=0",
		"--console-log-level=warn",
		locator,
	}

	cmd := exec.Command(d.binPath, args...)
	setProcGroup(cmd)
	var stderr bytes.Buffer
	cmd.Stderr = &stderr

	if err := cmd.Start(); err != nil {
		return nil, errors.Wrapf(errors.ErrProcess, "failed to start aria2c: %v", err)
	}
	logger.Debug("aria2c started", logger.Fields{
		"pid":         cmd.Process.Pid,
		"locator":     locator,
		"connections": connections,
	})

	h := &aria2cHandle{
		cmd:      cmd,
		destPath: destPath,
		expected: opts.ExpectedSize,
		stderr:   &stderr,
		done:     make(chan struct{}),
	}
	go h.wait()
	go h.watchContext(ctx)
	return h, nil
}

type aria2cHandle struct {
	cmd      *exec.Cmd
	destPath string
	expected int64
	stderr   *bytes.Buffer

	mu        sync.Mutex
	cancelled bool
	final     *Progress
	done      chan struct{}
}

func (h *aria2cHandle) wait() {
	err := h.cmd.Wait()

	h.mu.Lock()
	defer h.mu.Unlock()
	defer close(h.done)

	p := Progress{BytesDone: h.bytesOnDisk(), TotalBytes: h.expected}
	switch {
	case h.cancelled:
		p.Status = StatusCancelled
	case err == nil:
		p.Status = StatusCompleted
	default:
		p.Status = StatusFailed
		p.Err = h.classifyWaitError(err)
	}
	h.final = &p
}

func (h *aria2cHandle) classifyWaitError(err error) error {
	var exitErr *exec.ExitError
	if stderrors.As(err, &exitErr) {
		classified := classifyExit(exitErr.ExitCode())
		if tail := strings.TrimSpace(h.stderr.String()); tail != "" {
			return errors.Wrapf(classified, "aria2c: %s", lastLine(tail))
		}
		return classified
	}
	return errors.Wrapf(errors.ErrProcess, "aria2c wait: %v", err)
}

func (h *aria2cHandle) watchContext(ctx context.Context) {
	select {
	case <-ctx.Done():
		h.Cancel()
	case <-h.done:
	}
}

// Poll implements Handle.
func (h *aria2cHandle) Poll() Progress {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.final != nil {
		return *h.final
	}
	return Progress{
		BytesDone:  h.bytesOnDisk(),
		TotalBytes: h.expected,
		Status:     StatusInProgress,
	}
}

// Cancel implements Handle. The partial payload and control file are left in
// place for resume.
func (h *aria2cHandle) Cancel() {
	h.mu.Lock()
	if h.final != nil || h.cancelled {
		h.mu.Unlock()
		return
	}
	h.cancelled = true
	h.mu.Unlock()

	terminateProc(h.cmd)
	select {
	case <-h.done:
	case <-time.After(termGrace):
		killProc(h.cmd)
		<-h.done
	}
}

func (h *aria2cHandle) bytesOnDisk() int64 {
	info, err := os.Stat(h.destPath)
	if err != nil {
		return 0
	}
	return info.Size()
}

func lastLine(s string) string {
	if i := strings.LastIndexByte(s, '\n'); i >= 0 {
		return s[i+1:]
	}
	return s
}
