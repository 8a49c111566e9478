package daemon

import (
	"os"
	"os/exec"
	"os/signal"
	"syscall"
	"time"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
)

// childEnv marks a process as a supervised daemon worker so it serves
// instead of supervising again.
const childEnv = "EFISIGN_DAEMON_WORKER"

// IsWorker reports whether this process was spawned by a Supervisor.
func IsWorker() bool {
	return os.Getenv(childEnv) == "1"
}

const (
	restartDelay    = time.Second
	maxRestartDelay = 30 * time.Second
)

// Supervisor runs the daemon as a child process and restarts it when it
// exits unexpectedly. The alternative no-fork mode skips the supervisor and
// serves in the calling process.
type Supervisor struct {
	args []string
	log  *logrus.Logger

	child *exec.Cmd
}

// NewSupervisor prepares a supervisor that re-executes the current binary
// with args (which must select the daemon action and no-fork mode).
func NewSupervisor(args []string, log *logrus.Logger) *Supervisor {
	return &Supervisor{args: args, log: log}
}

// Run spawns the worker and restarts it on unexpected exit, with a delay
// that backs off while the worker keeps failing. It returns when the worker
// exits cleanly or a termination signal arrives.
func (s *Supervisor) Run() error {
	exe, err := os.Executable()
	if err != nil {
		return errors.Wrap(err, "resolving executable path")
	}

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	defer signal.Stop(sigChan)

	delay := restartDelay
	for {
		start := time.Now()
		exitChan, err := s.spawn(exe)
		if err != nil {
			return err
		}

		select {
		case sig := <-sigChan:
			s.log.Infof("received %s, stopping worker", sig)
			s.stop()
			<-exitChan
			return nil
		case err := <-exitChan:
			if err == nil {
				s.log.Info("worker exited cleanly")
				return nil
			}
			s.log.Errorf("worker exited: %v", err)
		}

		// A worker that survived for a while earns a fresh backoff.
		if time.Since(start) > time.Minute {
			delay = restartDelay
		}
		s.log.Infof("restarting worker in %s", delay)
		select {
		case sig := <-sigChan:
			s.log.Infof("received %s during restart wait", sig)
			return nil
		case <-time.After(delay):
		}
		if delay *= 2; delay > maxRestartDelay {
			delay = maxRestartDelay
		}
	}
}

func (s *Supervisor) spawn(exe string) (<-chan error, error) {
	cmd := exec.Command(exe, s.args...)
	cmd.Env = append(os.Environ(), childEnv+"=1")
	cmd.Stdout = os.Stdout
	cmd.Stderr = os.Stderr
	if err := cmd.Start(); err != nil {
		return nil, errors.Wrap(err, "starting worker")
	}
	s.child = cmd
	s.log.Infof("started worker pid %d", cmd.Process.Pid)

	exitChan := make(chan error, 1)
	go func() {
		exitChan <- cmd.Wait()
	}()
	return exitChan, nil
}

func (s *Supervisor) stop() {
	if s.child != nil && s.child.Process != nil {
		_ = s.child.Process.Signal(syscall.SIGTERM)
	}
}
