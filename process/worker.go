package process

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	rv "github.com/medvertical/validator"
)

// Config describes how to launch one worker process.
type Config struct {
	// Command is the validator launch command; argv[0] plus arguments.
	Command []string

	// WorkDir is the root for the worker's exchange directory. Empty means
	// the system temp directory.
	WorkDir string

	// Log receives worker lifecycle and protocol events.
	Log zerolog.Logger
}

// Worker is a handle to one running external validator process.
type Worker struct {
	id  string
	dir string
	cmd *exec.Cmd
	log zerolog.Logger

	stdin io.WriteCloser
	lines chan string

	exited  chan struct{}
	exitErr error
	exitMu  sync.Mutex

	termOnce sync.Once

	mu          sync.Mutex
	state       rv.WorkerState
	createdAt   time.Time
	lastUsedAt  time.Time
	validations int
	consecFails int
}

// Start launches the validator process. The returned worker is in the
// starting state; the pool marks it idle once warmup succeeds.
func Start(cfg Config) (*Worker, error) {
	if len(cfg.Command) == 0 {
		return nil, rv.New(rv.CodeSpawn, "no validator command configured")
	}

	id := uuid.NewString()
	dir, err := os.MkdirTemp(cfg.WorkDir, "valworker-")
	if err != nil {
		return nil, rv.Wrap(err, rv.CodeSpawn, "failed to create exchange directory")
	}

	log := cfg.Log.With().Str("worker_id", id).Logger()

	cmd := exec.Command(cfg.Command[0], cfg.Command[1:]...) //nolint:gosec // operator-provided command
	cmd.Stderr = &logWriter{log: log}

	stdin, err := cmd.StdinPipe()
	if err != nil {
		_ = os.RemoveAll(dir)
		return nil, rv.Wrap(err, rv.CodeSpawn, "failed to open stdin pipe")
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		_ = os.RemoveAll(dir)
		return nil, rv.Wrap(err, rv.CodeSpawn, "failed to open stdout pipe")
	}

	if err := cmd.Start(); err != nil {
		_ = os.RemoveAll(dir)
		return nil, rv.Wrap(err, rv.CodeSpawn, "failed to start validator process")
	}

	w := &Worker{
		id:        id,
		dir:       dir,
		cmd:       cmd,
		log:       log,
		stdin:     stdin,
		lines:     make(chan string, 4),
		exited:    make(chan struct{}),
		state:     rv.WorkerStarting,
		createdAt: time.Now(),
	}

	go w.readLines(stdout)
	go w.waitExit()

	log.Debug().Int("pid", cmd.Process.Pid).Msg("validator process started")
	return w, nil
}

// ID returns the worker's opaque identity.
func (w *Worker) ID() string { return w.id }

// State returns the current lifecycle state.
func (w *Worker) State() rv.WorkerState {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.state
}

// SetState records a lifecycle transition. The pool is the only caller
// besides Terminate.
func (w *Worker) SetState(s rv.WorkerState) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.state = s
}

// Healthy reports whether the underlying process is still running.
func (w *Worker) Healthy() bool {
	select {
	case <-w.exited:
		return false
	default:
		return true
	}
}

// CreatedAt returns when the process was spawned.
func (w *Worker) CreatedAt() time.Time { return w.createdAt }

// LastUsedAt returns when the worker last finished a job.
func (w *Worker) LastUsedAt() time.Time {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.lastUsedAt
}

// ValidationCount returns how many jobs this worker has served.
func (w *Worker) ValidationCount() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.validations
}

// ConsecutiveFailures returns the current consecutive failure count.
func (w *Worker) ConsecutiveFailures() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.consecFails
}

// RecordOutcome updates usage counters after a job. A success resets the
// consecutive failure count.
func (w *Worker) RecordOutcome(failed bool) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.validations++
	w.lastUsedAt = time.Now()
	if failed {
		w.consecFails++
	} else {
		w.consecFails = 0
	}
}

// Invoke runs one validation against the worker process. It writes the
// request envelope to the exchange directory, hands the path to the process
// over stdin, and waits for the response path on stdout.
//
// Cancellation abandons the wait without killing the process; a response
// that arrives for an abandoned request is discarded on the next call.
func (w *Worker) Invoke(ctx context.Context, req rv.Request, payload []byte) (*rv.Outcome, error) {
	reqID := uuid.NewString()
	reqPath := filepath.Join(w.dir, "req-"+reqID+".json")

	f, err := os.OpenFile(reqPath, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0o600)
	if err != nil {
		return nil, rv.Wrap(err, rv.CodeProcess, "failed to create request file")
	}
	encErr := encodeRequest(f, requestEnvelope{
		SchemaVersion: SchemaVersion,
		ID:            reqID,
		FHIRVersion:   req.FHIRVersion.String(),
		Profiles:      req.Profiles,
		Resource:      payload,
	})
	if closeErr := f.Close(); encErr == nil {
		encErr = closeErr
	}
	if encErr != nil {
		_ = os.Remove(reqPath)
		return nil, rv.Wrap(encErr, rv.CodeProcess, "failed to write request file")
	}

	if _, err := fmt.Fprintln(w.stdin, reqPath); err != nil {
		_ = os.Remove(reqPath)
		return nil, rv.Wrap(err, rv.CodeProcess, "failed to hand request to validator")
	}

	for {
		select {
		case line, ok := <-w.lines:
			if !ok {
				return nil, w.exitError()
			}
			if line == "" {
				continue
			}
			resp, err := w.readResponse(line)
			if err != nil {
				_ = os.Remove(reqPath)
				return nil, err
			}
			if resp.ID != reqID {
				// Orphaned response from an abandoned request.
				w.log.Debug().Str("request_id", resp.ID).Msg("discarding orphaned validator response")
				continue
			}
			_ = os.Remove(reqPath)
			return resp.outcome(), nil

		case <-w.exited:
			_ = os.Remove(reqPath)
			return nil, w.exitError()

		case <-ctx.Done():
			_ = os.Remove(reqPath)
			if errors.Is(ctx.Err(), context.DeadlineExceeded) {
				return nil, rv.Wrap(ctx.Err(), rv.CodeTimeout, "validation deadline exceeded")
			}
			return nil, rv.Wrap(ctx.Err(), rv.CodeCanceled, "validation canceled")
		}
	}
}

func (w *Worker) readResponse(path string) (*responseEnvelope, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, rv.Wrap(err, rv.CodeProcess, "failed to open validator response")
	}
	defer f.Close()
	defer os.Remove(path)
	return decodeResponse(f)
}

// Terminate stops the process: stdin close and SIGTERM first, SIGKILL after
// the grace period. It is idempotent and blocks until the process is gone.
func (w *Worker) Terminate(grace time.Duration) {
	w.termOnce.Do(func() {
		w.SetState(rv.WorkerTerminated)
		_ = w.stdin.Close()
		if w.cmd.Process != nil {
			_ = w.cmd.Process.Signal(syscall.SIGTERM)
		}

		// Unblock the reader goroutine if nobody is consuming lines.
		go func() {
			for range w.lines {
			}
		}()

		select {
		case <-w.exited:
		case <-time.After(grace):
			w.log.Warn().Dur("grace", grace).Msg("validator ignored SIGTERM, killing")
			if w.cmd.Process != nil {
				_ = w.cmd.Process.Kill()
			}
			<-w.exited
		}

		_ = os.RemoveAll(w.dir)
		w.log.Debug().Msg("validator process terminated")
	})
}

func (w *Worker) readLines(stdout io.Reader) {
	sc := bufio.NewScanner(stdout)
	sc.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for sc.Scan() {
		w.lines <- strings.TrimSpace(sc.Text())
	}
	close(w.lines)
}

func (w *Worker) waitExit() {
	err := w.cmd.Wait()
	w.exitMu.Lock()
	w.exitErr = err
	w.exitMu.Unlock()
	close(w.exited)
}

func (w *Worker) exitError() error {
	w.exitMu.Lock()
	defer w.exitMu.Unlock()
	if w.exitErr != nil {
		return rv.Wrap(w.exitErr, rv.CodeProcess, "validator process exited abnormally")
	}
	return rv.New(rv.CodeProcess, "validator process exited")
}

// logWriter forwards the process's stderr to the worker's logger.
type logWriter struct {
	log zerolog.Logger
}

func (lw *logWriter) Write(p []byte) (int, error) {
	msg := strings.TrimRight(string(p), "\n")
	if msg != "" {
		lw.log.Warn().Msg(msg)
	}
	return len(p), nil
}
