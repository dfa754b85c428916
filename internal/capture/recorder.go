package capture

import (
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"strings"
	"sync"
	"time"
)

// OutputPlaceholder in a capture command is replaced by the file to write.
const OutputPlaceholder = "{output}"

// Recorder starts capturing audio into outputPath.
type Recorder interface {
	Start(outputPath string) (Handle, error)
}

// Handle controls one running capture.
type Handle interface {
	// Stop ends the capture and returns once the file is closed.
	Stop() error
	// Exited is closed when the capture ends on its own.
	Exited() <-chan struct{}
}

// ExecRecorder runs an external command such as ffmpeg or arecord.
type ExecRecorder struct {
	Command []string
	Grace   time.Duration // time between SIGINT and kill
	Logger  *slog.Logger
}

func (r *ExecRecorder) Start(outputPath string) (Handle, error) {
	if len(r.Command) == 0 {
		return nil, fmt.Errorf("no capture command configured")
	}
	args := make([]string, len(r.Command))
	for i, a := range r.Command {
		args[i] = strings.ReplaceAll(a, OutputPlaceholder, outputPath)
	}

	cmd := exec.Command(args[0], args[1:]...)
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("start %s: %w", args[0], err)
	}

	logger := r.Logger
	if logger == nil {
		logger = slog.Default()
	}
	grace := r.Grace
	if grace <= 0 {
		grace = 10 * time.Second
	}

	h := &execHandle{cmd: cmd, grace: grace, exited: make(chan struct{}), logger: logger}
	go func() {
		h.waitErr = cmd.Wait()
		close(h.exited)
	}()
	return h, nil
}

type execHandle struct {
	cmd     *exec.Cmd
	grace   time.Duration
	exited  chan struct{}
	waitErr error
	logger  *slog.Logger
	once    sync.Once
}

func (h *execHandle) Exited() <-chan struct{} { return h.exited }

func (h *execHandle) Stop() error {
	h.once.Do(func() {
		select {
		case <-h.exited:
			return
		default:
		}
		_ = h.cmd.Process.Signal(os.Interrupt)
		select {
		case <-h.exited:
		case <-time.After(h.grace):
			h.logger.Warn("Capture command ignored interrupt, killing", "pid", h.cmd.Process.Pid)
			_ = h.cmd.Process.Kill()
			<-h.exited
		}
	})
	// An interrupted recorder exits non-zero; the file is what matters.
	return nil
}
