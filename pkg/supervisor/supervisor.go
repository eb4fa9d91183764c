// Package supervisor owns the mapping from slot id to live external test
// process and drives every running-state transition.
//
// Each launched script gets its own process group and one monitor goroutine
// that streams the combined stdout/stderr line by line. The monitor blocks
// only on reading the next line and on process exit; every registry mutation
// it makes is a short critical section inside the registry.
package supervisor

import (
	"bufio"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	apperrors "github.com/validlab/slotd/internal/errors"
	"github.com/validlab/slotd/internal/metrics"
	"github.com/validlab/slotd/pkg/notify"
	"github.com/validlab/slotd/pkg/progress"
	"github.com/validlab/slotd/pkg/slot"
	"github.com/validlab/slotd/pkg/testlog"
)

// LaunchRequest carries everything a launch needs. All fields except
// ScriptPath are free text passed through to the script and to reporting.
type LaunchRequest struct {
	Owner      string `json:"owner"`
	TestCase   string `json:"test_case"`
	ScriptPath string `json:"script_path"`
	ScriptArgs string `json:"script_args"`
	SSDSerial  string `json:"ssd_serial"`
	SSDEUI     string `json:"ssd_eui"`
	LogIP      string `json:"log_ip"`
	LogPort    string `json:"log_port"`
}

// Config tunes the supervisor.
type Config struct {
	// Interpreter runs the scripts, normally "bash". Tests override it.
	Interpreter string

	// LogDir is the base directory handed to scripts and to the test log
	// collaborator.
	LogDir string

	// StopGrace is how long a stop waits after SIGTERM before SIGKILL.
	StopGrace time.Duration

	// DashboardURL, when set, is used to build per-slot detail links in
	// notification events.
	DashboardURL string
}

const defaultStopGrace = 5 * time.Second

// Supervisor launches, monitors, and terminates the external scripts bound
// to slots.
type Supervisor struct {
	reg  *slot.Registry
	disp *notify.Dispatcher
	logs *testlog.Manager
	log  *zap.Logger
	cfg  Config

	mu    sync.Mutex
	procs map[int]*exec.Cmd

	wg sync.WaitGroup
}

func New(reg *slot.Registry, disp *notify.Dispatcher, logs *testlog.Manager, cfg Config, log *zap.Logger) *Supervisor {
	if cfg.Interpreter == "" {
		cfg.Interpreter = "bash"
	}
	if cfg.StopGrace <= 0 {
		cfg.StopGrace = defaultStopGrace
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &Supervisor{
		reg:   reg,
		disp:  disp,
		logs:  logs,
		log:   log,
		cfg:   cfg,
		procs: make(map[int]*exec.Cmd),
	}
}

// sanitizeArg makes free text safe as a single positional script argument.
func sanitizeArg(s, fallback string) string {
	s = strings.TrimSpace(s)
	s = strings.ReplaceAll(s, " ", "_")
	s = strings.ReplaceAll(s, "/", "_")
	if s == "" {
		return fallback
	}
	return s
}

// Launch validates the request, claims the slot via compare-and-set, spawns
// the script in its own process group, and starts the monitor goroutine.
//
// Rejections (NotFound, AlreadyRunning, InvalidRequest) are returned
// synchronously with no slot mutation. A spawn failure after the slot is
// claimed is absorbed into a terminal failed state, never returned: the slot
// must not get stuck in running with no process.
func (s *Supervisor) Launch(id int, req LaunchRequest) (slot.Slot, error) {
	if _, err := s.reg.Get(id); err != nil {
		return slot.Slot{}, err
	}

	scriptPath := strings.TrimSpace(req.ScriptPath)
	if scriptPath == "" {
		return slot.Slot{}, apperrors.New(apperrors.CodeInvalidRequest, "script path is required")
	}
	if _, err := os.Stat(scriptPath); err != nil {
		return slot.Slot{}, apperrors.Wrap(apperrors.CodeInvalidRequest,
			fmt.Sprintf("script path %s is not usable", scriptPath), err)
	}

	runID := uuid.New().String()
	now := time.Now().UTC()

	claimed, ok, err := s.reg.CompareAndSetStatus(id, slot.StatusIdle, slot.StatusRunning, func(sl *slot.Slot) {
		sl.Owner = req.Owner
		sl.TestCase = req.TestCase
		sl.ScriptPath = scriptPath
		sl.ScriptArgs = req.ScriptArgs
		sl.ScriptCommand = strings.TrimSpace(fmt.Sprintf("%s %s %s", s.cfg.Interpreter, scriptPath, req.ScriptArgs))
		sl.SSDSerial = req.SSDSerial
		sl.SSDEUI = req.SSDEUI
		sl.LogIP = req.LogIP
		sl.LogPort = req.LogPort
		sl.LogFile = ""
		sl.RunID = runID
		sl.PID = 0
		sl.Progress = 0
		sl.ErrorMsg = ""
		start := now
		sl.StartTime = &start
		sl.EndTime = nil
	})
	if err != nil {
		return slot.Slot{}, err
	}
	if !ok {
		return slot.Slot{}, apperrors.Newf(apperrors.CodeAlreadyRunning,
			"slot %d is not idle (status=%s)", id, claimed.Status)
	}

	cmd, pr, runLog, spawnErr := s.spawn(id, scriptPath, req)
	if spawnErr != nil {
		// idle -> running -> failed, with no process attached in between.
		failed, ok, _ := s.reg.CompareAndSetStatusRun(id, runID, slot.StatusRunning, slot.StatusFailed, func(sl *slot.Slot) {
			sl.ErrorMsg = fmt.Sprintf("spawn failure: %v", spawnErr)
			end := time.Now().UTC()
			sl.EndTime = &end
		})
		s.log.Error("Failed to spawn test script",
			zap.Int("slot", id),
			zap.String("script", scriptPath),
			zap.Error(spawnErr))
		if !ok {
			// A concurrent stop or reset already moved the slot off this
			// run; no failed transition happened, so no event for it.
			return failed, nil
		}
		metrics.RecordResult(string(slot.StatusFailed))
		s.disp.Dispatch(s.event(notify.EventFailed, failed, ""))
		return failed, nil
	}

	s.mu.Lock()
	s.procs[id] = cmd
	s.mu.Unlock()

	started, _ := s.reg.Update(id, func(sl *slot.Slot) {
		if sl.RunID == runID {
			sl.PID = cmd.Process.Pid
		}
	})
	if runLog != nil {
		started, _ = s.reg.Update(id, func(sl *slot.Slot) {
			if sl.RunID == runID {
				sl.LogFile = runLog.Path()
			}
		})
	}

	s.log.Info("Launched test script",
		zap.Int("slot", id),
		zap.String("owner", req.Owner),
		zap.String("test_case", req.TestCase),
		zap.String("script", scriptPath),
		zap.Int("pid", cmd.Process.Pid),
		zap.String("run_id", runID))

	metrics.RecordLaunch()
	metrics.IncRunningSlots()
	s.disp.Dispatch(s.event(notify.EventStarted, started, ""))

	s.wg.Add(1)
	go s.monitor(id, runID, cmd, pr, runLog, now)

	return started, nil
}

// spawn builds and starts the external process. The returned pipe carries
// the combined stdout/stderr stream; the caller owns closing it via the
// monitor.
func (s *Supervisor) spawn(id int, scriptPath string, req LaunchRequest) (*exec.Cmd, *os.File, *testlog.File, error) {
	// Positional contract: log_ip log_port log_dir test_case owner, then
	// any extra script args. Empty values are passed through as empty
	// strings to keep positions stable.
	args := []string{
		scriptPath,
		req.LogIP,
		req.LogPort,
		s.cfg.LogDir,
		sanitizeArg(req.TestCase, "UnknownTest"),
		sanitizeArg(req.Owner, "DefaultUser"),
	}
	if extra := strings.Fields(req.ScriptArgs); len(extra) > 0 {
		args = append(args, extra...)
	}

	cmd := exec.Command(s.cfg.Interpreter, args...)
	cmd.Env = append(os.Environ(),
		"SLOTD_SSD_SERIAL="+req.SSDSerial,
		"SLOTD_SSD_EUI="+req.SSDEUI,
	)
	// Own process group so stop can kill the script together with any
	// children it spawned.
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}

	pr, pw, err := os.Pipe()
	if err != nil {
		return nil, nil, nil, fmt.Errorf("create output pipe: %w", err)
	}
	cmd.Stdout = pw
	cmd.Stderr = pw

	var runLog *testlog.File
	if s.logs != nil {
		runLog, err = s.logs.Create(req.TestCase, req.Owner)
		if err != nil {
			s.log.Warn("Failed to create run log file, continuing without it",
				zap.Int("slot", id),
				zap.Error(err))
			runLog = nil
		}
	}

	if err := cmd.Start(); err != nil {
		_ = pr.Close()
		_ = pw.Close()
		if runLog != nil {
			_ = runLog.Close()
		}
		return nil, nil, nil, err
	}

	// The child holds its own copy of the write end; close ours so the
	// read side sees EOF when the process group is done with it.
	_ = pw.Close()

	return cmd, pr, runLog, nil
}

// monitor is the per-slot monitoring goroutine: it streams output through
// the progress parser, then turns the exit status into the terminal
// transition and its notification event.
func (s *Supervisor) monitor(id int, runID string, cmd *exec.Cmd, pr *os.File, runLog *testlog.File, startedAt time.Time) {
	defer s.wg.Done()

	var lastErrLine string

	scanner := bufio.NewScanner(pr)
	scanner.Buffer(make([]byte, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := scanner.Text()

		if runLog != nil {
			if err := runLog.WriteLine(line); err != nil {
				s.log.Warn("Failed to append to run log",
					zap.Int("slot", id),
					zap.Error(err))
			}
		}

		if res, ok := progress.Extract(line); ok {
			s.applyProgress(id, runID, res)
		}
		if path, ok := progress.LogFilePath(line); ok {
			_, _ = s.reg.Update(id, func(sl *slot.Slot) {
				if sl.RunID == runID {
					sl.LogFile = path
				}
			})
		}

		lower := strings.ToLower(line)
		if strings.Contains(lower, "error") || strings.Contains(lower, "fail") {
			lastErrLine = line
		}
	}
	if err := scanner.Err(); err != nil {
		s.log.Warn("Output stream read error",
			zap.Int("slot", id),
			zap.Error(err))
	}
	_ = pr.Close()

	waitErr := cmd.Wait()
	exitCode := 0
	if waitErr != nil {
		exitCode = -1
		var exitErr *exec.ExitError
		if errors.As(waitErr, &exitErr) {
			exitCode = exitErr.ExitCode()
		}
	}

	s.mu.Lock()
	if s.procs[id] == cmd {
		delete(s.procs, id)
	}
	s.mu.Unlock()
	metrics.DecRunningSlots()

	if runLog != nil {
		if err := runLog.Close(); err != nil {
			s.log.Warn("Failed to close run log", zap.Int("slot", id), zap.Error(err))
		}
	}

	end := time.Now().UTC()
	duration := notify.FormatDuration(end.Sub(startedAt))

	if exitCode == 0 {
		final, ok, err := s.reg.CompareAndSetStatusRun(id, runID, slot.StatusRunning, slot.StatusSuccess, func(sl *slot.Slot) {
			sl.Progress = 100
			e := end
			sl.EndTime = &e
		})
		if err != nil || !ok {
			// The slot was stopped or reset before exit; stop already
			// emitted its own event.
			return
		}
		s.log.Info("Test completed",
			zap.Int("slot", id),
			zap.String("owner", final.Owner),
			zap.String("duration", duration))
		metrics.RecordResult(string(slot.StatusSuccess))
		s.disp.Dispatch(s.event(notify.EventCompleted, final, duration))
		return
	}

	summary := fmt.Sprintf("process exited with code %d", exitCode)
	if lastErrLine != "" {
		summary = fmt.Sprintf("%s; last error line: %s", summary, strings.TrimSpace(lastErrLine))
	}
	final, ok, err := s.reg.CompareAndSetStatusRun(id, runID, slot.StatusRunning, slot.StatusFailed, func(sl *slot.Slot) {
		sl.ErrorMsg = summary
		e := end
		sl.EndTime = &e
	})
	if err != nil || !ok {
		return
	}
	s.log.Warn("Test failed",
		zap.Int("slot", id),
		zap.String("owner", final.Owner),
		zap.Int("exit_code", exitCode),
		zap.String("duration", duration))
	metrics.RecordResult(string(slot.StatusFailed))
	s.disp.Dispatch(s.event(notify.EventFailed, final, duration))
}

// applyProgress applies one parsed progress value. Regressions and clamped
// values are tolerated and logged, never rejected: scripts are untrusted.
func (s *Supervisor) applyProgress(id int, runID string, res progress.Result) {
	if res.Clamped {
		s.log.Warn("Script reported progress above 100%, clamping",
			zap.Int("slot", id))
	}
	var prev int
	var applied bool
	_, _ = s.reg.Update(id, func(sl *slot.Slot) {
		if sl.Status != slot.StatusRunning || sl.RunID != runID {
			return
		}
		prev = sl.Progress
		sl.Progress = res.Percent
		applied = true
	})
	if applied && res.Percent < prev {
		s.log.Warn("Progress regression from script",
			zap.Int("slot", id),
			zap.Int("previous", prev),
			zap.Int("reported", res.Percent))
	}
}

// Stop returns the slot to idle and terminates its process group. A stop on
// a slot that is not running is a successful no-op, which also resolves the
// race with a concurrent launch or natural exit.
//
// The idle transition happens before any signal is sent: once it wins, the
// monitor's run-scoped transition can no longer fire for the killed run, so
// an explicit stop never surfaces as a failure.
func (s *Supervisor) Stop(id int) (slot.Slot, error) {
	cur, err := s.reg.Get(id)
	if err != nil {
		return slot.Slot{}, err
	}
	if cur.Status != slot.StatusRunning {
		return cur, nil
	}

	stopped, ok, err := s.reg.CompareAndSetStatus(id, slot.StatusRunning, slot.StatusIdle, func(sl *slot.Slot) {
		sl.Progress = 0
		sl.RunID = ""
		sl.PID = 0
		sl.ErrorMsg = ""
		sl.StartTime = nil
		sl.EndTime = nil
	})
	if err != nil {
		return slot.Slot{}, err
	}
	if !ok {
		// The process exited on its own first; the monitor's terminal
		// transition won.
		return stopped, nil
	}

	s.mu.Lock()
	cmd := s.procs[id]
	s.mu.Unlock()

	if cmd != nil && cmd.Process != nil {
		s.killGroup(id, cmd.Process.Pid)
	}

	s.log.Info("Test stopped",
		zap.Int("slot", id),
		zap.String("owner", cur.Owner))

	ev := s.event(notify.EventStopped, stopped, "")
	// The idle record no longer carries ownership; report the run that
	// was stopped.
	ev.Owner = cur.Owner
	ev.TestCase = cur.TestCase
	ev.SSDSerial = cur.SSDSerial
	ev.Progress = cur.Progress
	s.disp.Dispatch(ev)

	return stopped, nil
}

// killGroup sends SIGTERM to the process group, waits up to StopGrace for
// the leader to die, then SIGKILLs the whole group.
func (s *Supervisor) killGroup(id, pid int) {
	if pid <= 0 {
		return
	}

	if err := syscall.Kill(-pid, syscall.SIGTERM); err != nil {
		s.log.Debug("SIGTERM to process group failed",
			zap.Int("slot", id),
			zap.Int("pid", pid),
			zap.Error(err))
	}

	deadline := time.Now().Add(s.cfg.StopGrace)
	for time.Now().Before(deadline) {
		if !processAlive(pid) {
			return
		}
		time.Sleep(100 * time.Millisecond)
	}

	s.log.Warn("Process did not exit after SIGTERM, sending SIGKILL",
		zap.Int("slot", id),
		zap.Int("pid", pid))
	_ = syscall.Kill(-pid, syscall.SIGKILL)
}

// Reset stops any live process and clears the slot back to the idle
// defaults, regardless of current status.
func (s *Supervisor) Reset(id int) (slot.Slot, error) {
	if _, err := s.reg.Get(id); err != nil {
		return slot.Slot{}, err
	}
	if _, err := s.Stop(id); err != nil {
		return slot.Slot{}, err
	}

	out, err := s.reg.Update(id, func(sl *slot.Slot) {
		sl.ResetToIdle()
	})
	if err != nil {
		return slot.Slot{}, err
	}
	if err := s.reg.Flush(); err != nil {
		s.log.Warn("Snapshot flush after reset failed", zap.Int("slot", id), zap.Error(err))
	}
	return out, nil
}

// ResetAll resets every slot; used for a clean-slate run.
func (s *Supervisor) ResetAll() []slot.Slot {
	count := s.reg.Count()
	for id := 0; id < count; id++ {
		if _, err := s.Reset(id); err != nil {
			s.log.Warn("Reset failed", zap.Int("slot", id), zap.Error(err))
		}
	}
	return s.reg.List()
}

// Setup stages owner and test metadata on a non-running slot without
// launching anything.
func (s *Supervisor) Setup(id int, req LaunchRequest) (slot.Slot, error) {
	cur, err := s.reg.Get(id)
	if err != nil {
		return slot.Slot{}, err
	}
	if cur.Status == slot.StatusRunning {
		return slot.Slot{}, apperrors.Newf(apperrors.CodeAlreadyRunning,
			"cannot setup slot %d while a test is running, stop it first", id)
	}

	return s.reg.Update(id, func(sl *slot.Slot) {
		sl.Owner = req.Owner
		sl.TestCase = req.TestCase
		sl.SSDSerial = req.SSDSerial
		sl.SSDEUI = req.SSDEUI
		sl.ScriptPath = strings.TrimSpace(req.ScriptPath)
		sl.ScriptArgs = req.ScriptArgs
		sl.LogIP = req.LogIP
		sl.LogPort = req.LogPort
		sl.Status = slot.StatusIdle
		sl.Progress = 0
		sl.RunID = ""
		sl.PID = 0
		sl.StartTime = nil
		sl.EndTime = nil
		sl.ErrorMsg = ""
	})
}

// Clear clears results and ownership on a non-running slot but keeps the
// staged test configuration.
func (s *Supervisor) Clear(id int) (slot.Slot, error) {
	cur, err := s.reg.Get(id)
	if err != nil {
		return slot.Slot{}, err
	}
	if cur.Status == slot.StatusRunning {
		return slot.Slot{}, apperrors.Newf(apperrors.CodeAlreadyRunning,
			"cannot clear slot %d while a test is running, stop it first", id)
	}

	return s.reg.Update(id, func(sl *slot.Slot) {
		sl.ClearResults()
	})
}

// Wait blocks until every monitor goroutine has finished. Intended for
// tests and orderly shutdown after all processes have exited.
func (s *Supervisor) Wait() {
	s.wg.Wait()
}

func (s *Supervisor) event(t notify.EventType, sl slot.Slot, duration string) notify.Event {
	ev := notify.Event{
		Type:      t,
		SlotID:    sl.ID,
		Owner:     sl.Owner,
		TestCase:  sl.TestCase,
		SSDSerial: sl.SSDSerial,
		Progress:  sl.Progress,
		ErrorMsg:  sl.ErrorMsg,
		Duration:  duration,
		Timestamp: time.Now().UTC(),
	}
	if s.cfg.DashboardURL != "" {
		ev.DetailsURL = fmt.Sprintf("%s/slot/%d", strings.TrimRight(s.cfg.DashboardURL, "/"), sl.ID)
	}
	return ev
}

// processAlive checks for process existence with signal 0.
func processAlive(pid int) bool {
	if pid <= 0 {
		return false
	}
	p, err := os.FindProcess(pid)
	if err != nil {
		return false
	}
	return p.Signal(syscall.Signal(0)) == nil
}
