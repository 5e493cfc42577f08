// Package sshexec runs tasks over remote-login channels to a set of hosts
// that share the working-storage filesystem. One SSH session carries one
// task attempt; session loss or a non-zero remote exit is a task failure.
package sshexec

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"
	"sync"
	"sync/atomic"

	"golang.org/x/crypto/ssh"

	"github.com/seqmr/seqmr/internal/backend"
	"github.com/seqmr/seqmr/internal/fs"
	"github.com/seqmr/seqmr/internal/shared/config"
	"github.com/seqmr/seqmr/internal/shared/logging"
)

type SSH struct {
	cfg    config.SSHConfig
	fsys   fs.FileSystem
	logger logging.Logger

	hosts []*host
	next  atomic.Uint64
	mu    sync.Mutex
	tasks map[backend.Handle]*remoteTask
}

type host struct {
	addr     string
	client   *ssh.Client
	sessions chan struct{}
}

type remoteTask struct {
	session *ssh.Session
	done    chan struct{}
	mu      sync.Mutex
	status  backend.Status
}

// New dials every configured host up front; an unreachable host is a
// configuration-time failure, not a mid-run surprise.
func New(ctx context.Context, cfg config.SSHConfig, fsys fs.FileSystem, logger logging.Logger) (*SSH, error) {
	key, err := os.ReadFile(cfg.KeyFile)
	if err != nil {
		return nil, fmt.Errorf("reading ssh key %s: %w", cfg.KeyFile, err)
	}
	signer, err := ssh.ParsePrivateKey(key)
	if err != nil {
		return nil, fmt.Errorf("parsing ssh key %s: %w", cfg.KeyFile, err)
	}

	clientConfig := &ssh.ClientConfig{
		User:            cfg.User,
		Auth:            []ssh.AuthMethod{ssh.PublicKeys(signer)},
		HostKeyCallback: ssh.InsecureIgnoreHostKey(),
		Timeout:         cfg.DialTimeout,
	}

	s := &SSH{
		cfg:    cfg,
		fsys:   fsys,
		logger: logger,
		tasks:  make(map[backend.Handle]*remoteTask),
	}
	for _, addr := range cfg.Hosts {
		if !strings.Contains(addr, ":") {
			addr += ":22"
		}
		var client *ssh.Client
		err := backend.Retry(ctx, backend.DefaultTransientAttempts, func() error {
			var dialErr error
			client, dialErr = ssh.Dial("tcp", addr, clientConfig)
			return dialErr
		})
		if err != nil {
			s.Close()
			return nil, fmt.Errorf("dialing %s: %w", addr, err)
		}
		s.hosts = append(s.hosts, &host{
			addr:     addr,
			client:   client,
			sessions: make(chan struct{}, cfg.SessionsPerHost),
		})
	}
	return s, nil
}

func (s *SSH) Close() error {
	var errs []error
	for _, h := range s.hosts {
		if h.client != nil {
			errs = append(errs, h.client.Close())
		}
	}
	return errors.Join(errs...)
}

func (s *SSH) Capacity() int {
	return len(s.cfg.Hosts) * s.cfg.SessionsPerHost
}

func (s *SSH) Submit(ctx context.Context, spec *backend.TaskSpec) (backend.Handle, error) {
	specPath, err := backend.WriteSpec(ctx, s.fsys, spec)
	if err != nil {
		return "", err
	}

	handle := backend.Handle(spec.ID())
	task := &remoteTask{done: make(chan struct{})}
	s.mu.Lock()
	if _, exists := s.tasks[handle]; exists {
		s.mu.Unlock()
		return "", fmt.Errorf("task attempt %s already submitted", spec.ID())
	}
	s.tasks[handle] = task
	s.mu.Unlock()

	h := s.hosts[s.next.Add(1)%uint64(len(s.hosts))]
	cmd := strings.Join(backend.WorkerArgs(s.cfg.WorkerBinary, s.fsys.Root(), specPath), " ")

	go s.runRemote(h, task, spec.ID(), cmd)
	return handle, nil
}

func (s *SSH) runRemote(h *host, task *remoteTask, taskID, cmd string) {
	defer close(task.done)

	h.sessions <- struct{}{}
	defer func() { <-h.sessions }()

	session, err := h.client.NewSession()
	if err != nil {
		task.setStatus(backend.Status{
			State:  backend.StateFailed,
			Reason: fmt.Sprintf("opening session on %s: %v", h.addr, err),
		})
		return
	}
	task.mu.Lock()
	task.session = session
	task.mu.Unlock()
	defer session.Close()

	s.logger.Debug("Running task over ssh", "task_id", taskID, "host", h.addr)
	output, err := session.CombinedOutput(cmd)
	if err == nil {
		task.setStatus(backend.Status{State: backend.StateSucceeded})
		return
	}

	reason := describeRemoteFailure(h.addr, err)
	if tail := outputTail(output); tail != "" {
		reason += ": " + tail
	}
	task.setStatus(backend.Status{State: backend.StateFailed, Reason: reason})
}

func describeRemoteFailure(addr string, err error) string {
	var exitErr *ssh.ExitError
	if errors.As(err, &exitErr) {
		return fmt.Sprintf("task on %s exited with status %d", addr, exitErr.ExitStatus())
	}
	var missing *ssh.ExitMissingError
	if errors.As(err, &missing) {
		return fmt.Sprintf("channel to %s closed without exit status", addr)
	}
	return fmt.Sprintf("channel to %s lost: %v", addr, err)
}

func outputTail(output []byte) string {
	const tailBytes = 2048
	if len(output) > tailBytes {
		output = output[len(output)-tailBytes:]
	}
	return strings.TrimSpace(string(output))
}

func (t *remoteTask) setStatus(status backend.Status) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.status = status
}

func (s *SSH) Poll(_ context.Context, handle backend.Handle) (backend.Status, error) {
	s.mu.Lock()
	task, ok := s.tasks[handle]
	s.mu.Unlock()
	if !ok {
		return backend.Status{}, fmt.Errorf("unknown task handle %s", handle)
	}

	select {
	case <-task.done:
		task.mu.Lock()
		defer task.mu.Unlock()
		return task.status, nil
	default:
		return backend.Status{State: backend.StateRunning}, nil
	}
}

func (s *SSH) Cancel(_ context.Context, handle backend.Handle) error {
	s.mu.Lock()
	task, ok := s.tasks[handle]
	s.mu.Unlock()
	if !ok {
		return fmt.Errorf("unknown task handle %s", handle)
	}

	task.mu.Lock()
	session := task.session
	task.mu.Unlock()
	if session != nil {
		session.Signal(ssh.SIGKILL)
		return session.Close()
	}
	return nil
}
