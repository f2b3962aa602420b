package run

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os/exec"
	"strings"
	"sync"
	"time"

	logx "testdeck/pkg/logx"
)

// Spec is what the opaque execution backend needs to run one test,
// probe or load script.
type Spec struct {
	RunID     string
	ExecType  string
	Script    string
	ScriptRef string
	Target    string
	Timeout   time.Duration
}

// Result is the backend's terminal verdict.
type Result struct {
	Status    Status // passed | failed | error
	Details   string
	ReportURL string
}

// Handle is a started execution. Output yields console chunks as they
// are produced and is closed when the process stops producing; Wait
// returns the terminal result (after Output is drained); Kill
// terminates the underlying process and may be called concurrently.
type Handle interface {
	Output() <-chan string
	Wait() Result
	Kill()
}

// Backend launches executions. The sandboxing mechanism behind it is
// deliberately opaque: a script and type go in, a stream of output and
// a terminal status come out.
type Backend interface {
	Start(ctx context.Context, spec Spec) (Handle, error)
}

// ExecBackend runs scripts as OS processes.
type ExecBackend struct {
	// Command overrides the per-type default runner. It receives the
	// execution type and target as arguments and the script on stdin.
	Command string

	log logx.Logger
}

func NewExecBackend(command string, log logx.Logger) *ExecBackend {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &ExecBackend{Command: command, log: log}
}

func (b *ExecBackend) Start(ctx context.Context, spec Spec) (Handle, error) {
	name, args, stdin := b.commandFor(spec)
	cmd := exec.CommandContext(ctx, name, args...)
	if stdin != "" {
		cmd.Stdin = strings.NewReader(stdin)
	}

	// Merge stdout and stderr into one ordered console stream.
	pr, pw := io.Pipe()
	cmd.Stdout = pw
	cmd.Stderr = pw

	if err := cmd.Start(); err != nil {
		_ = pw.Close()
		_ = pr.Close()
		return nil, fmt.Errorf("start execution backend %q: %w", name, err)
	}

	h := &execHandle{
		cmd:  cmd,
		ctx:  ctx,
		out:  make(chan string, 64),
		done: make(chan struct{}),
	}

	go h.pump(pr)
	go func() {
		err := cmd.Wait()
		_ = pw.Close()
		h.finish(err)
	}()

	b.log.Debug("backend started",
		logx.String("run", spec.RunID),
		logx.String("type", spec.ExecType),
		logx.String("cmd", name))
	return h, nil
}

// commandFor picks the runner process for an execution type. JS-based
// test scripts (browser/api/database/custom) go to node on stdin, load
// scripts to k6, monitor probes to the shell.
func (b *ExecBackend) commandFor(spec Spec) (name string, args []string, stdin string) {
	script := spec.Script
	if script == "" {
		script = spec.ScriptRef
	}
	if b.Command != "" {
		return b.Command, []string{spec.ExecType, spec.Target}, script
	}
	switch spec.ExecType {
	case TypePerformance:
		return "k6", []string{"run", "--quiet", "-"}, script
	case TypeMonitor:
		return "sh", []string{"-c", script}, ""
	default:
		return "node", []string{"-"}, script
	}
}

type execHandle struct {
	cmd *exec.Cmd
	ctx context.Context

	out  chan string
	done chan struct{}

	mu        sync.Mutex
	reportURL string
	res       Result

	killOnce sync.Once
}

func (h *execHandle) Output() <-chan string { return h.out }

// pump scans merged process output into the console channel. Lines of
// the form "report: <url>" also record the report artifact location.
func (h *execHandle) pump(r io.Reader) {
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for sc.Scan() {
		line := sc.Text()
		if url, ok := strings.CutPrefix(line, "report: "); ok {
			h.mu.Lock()
			h.reportURL = strings.TrimSpace(url)
			h.mu.Unlock()
		}
		h.out <- line
	}
	close(h.out)
}

func (h *execHandle) finish(err error) {
	h.mu.Lock()
	h.res = h.classify(err)
	h.res.ReportURL = h.reportURL
	h.mu.Unlock()
	close(h.done)
}

func (h *execHandle) classify(err error) Result {
	if err == nil {
		return Result{Status: StatusPassed}
	}
	if h.ctx.Err() != nil {
		if errors.Is(h.ctx.Err(), context.DeadlineExceeded) {
			return Result{Status: StatusError, Details: "execution timed out"}
		}
		return Result{Status: StatusError, Details: "execution terminated"}
	}
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) && exitErr.ExitCode() == 1 {
		// Exit code 1 is the runner's "tests ran, assertions failed".
		return Result{Status: StatusFailed, Details: "test assertions failed"}
	}
	return Result{Status: StatusError, Details: err.Error()}
}

func (h *execHandle) Wait() Result {
	<-h.done
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.res
}

func (h *execHandle) Kill() {
	h.killOnce.Do(func() {
		if h.cmd.Process != nil {
			_ = h.cmd.Process.Kill()
		}
	})
}
