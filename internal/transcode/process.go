package transcode

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"os/exec"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"
)

const (
	stderrTailBytes = 4 << 10
	waitDelay       = 5 * time.Second
)

// Process wraps an ffmpeg subprocess with progress tracking and a bounded
// stderr tail.
type Process struct {
	cmd        *exec.Cmd
	cancel     context.CancelFunc
	done       chan struct{}
	err        error
	stderr     *tailBuffer
	progressUs atomic.Int64
}

// StartProcess launches binary with args. stdin may be nil. The process is
// killed when ctx is cancelled or Stop is called.
func StartProcess(ctx context.Context, binary string, args []string, stdin io.Reader) (*Process, error) {
	ctx, cancel := context.WithCancel(ctx)
	cmd := exec.CommandContext(ctx, binary, args...)
	cmd.WaitDelay = waitDelay
	if stdin != nil {
		cmd.Stdin = stdin
	}
	p := &Process{
		cmd:    cmd,
		cancel: cancel,
		done:   make(chan struct{}),
		stderr: &tailBuffer{max: stderrTailBytes},
	}
	cmd.Stdout = &progressWriter{onProgress: p.progressUs.Store}
	cmd.Stderr = p.stderr

	if err := cmd.Start(); err != nil {
		cancel()
		return nil, err
	}
	go func() {
		p.err = cmd.Wait()
		close(p.done)
	}()
	return p, nil
}

// Stop kills the process.
func (p *Process) Stop() {
	p.cancel()
}

func (p *Process) Wait() error {
	<-p.done
	return p.err
}

func (p *Process) Done() <-chan struct{} {
	return p.done
}

func (p *Process) Exited() bool {
	select {
	case <-p.done:
		return true
	default:
		return false
	}
}

// Err returns the exit error. It is nil while the process is running.
func (p *Process) Err() error {
	if !p.Exited() {
		return nil
	}
	return p.err
}

// Progress returns how much output ffmpeg has produced.
func (p *Process) Progress() time.Duration {
	return time.Duration(p.progressUs.Load()) * time.Microsecond
}

func (p *Process) Stderr() string {
	return strings.TrimSpace(p.stderr.String())
}

// ExitReason describes why the process ended, preferring its own diagnostics.
func (p *Process) ExitReason() string {
	if msg := p.Stderr(); msg != "" {
		if i := strings.LastIndexByte(msg, '\n'); i >= 0 {
			msg = msg[i+1:]
		}
		return msg
	}
	if err := p.Err(); err != nil {
		return err.Error()
	}
	if code := p.cmd.ProcessState; code != nil {
		return fmt.Sprintf("exit code %d", code.ExitCode())
	}
	return "process exited"
}

// tailBuffer keeps the last max bytes written to it.
type tailBuffer struct {
	mu  sync.Mutex
	max int
	buf []byte
}

func (t *tailBuffer) Write(p []byte) (int, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.buf = append(t.buf, p...)
	if over := len(t.buf) - t.max; over > 0 {
		t.buf = append(t.buf[:0], t.buf[over:]...)
	}
	return len(p), nil
}

func (t *tailBuffer) String() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return string(t.buf)
}

// progressWriter parses the key=value lines of `-progress pipe:1`.
type progressWriter struct {
	pending    []byte
	onProgress func(int64)
}

func (w *progressWriter) Write(p []byte) (int, error) {
	w.pending = append(w.pending, p...)
	for {
		i := bytes.IndexByte(w.pending, '\n')
		if i < 0 {
			break
		}
		w.line(strings.TrimSpace(string(w.pending[:i])))
		w.pending = w.pending[i+1:]
	}
	if len(w.pending) > 1024 {
		w.pending = w.pending[:0]
	}
	return len(p), nil
}

func (w *progressWriter) line(line string) {
	value, ok := strings.CutPrefix(line, "out_time_us=")
	if !ok {
		return
	}
	if us, err := strconv.ParseInt(value, 10, 64); err == nil && us >= 0 {
		w.onProgress(us)
	}
}
