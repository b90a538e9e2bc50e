// Copyright (c) HashiCorp, Inc.
// SPDX-License-Identifier: MPL-2.0

package workerpool

import (
	"context"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"os"
	"os/exec"
	"strconv"
	"syscall"
	"time"

	"github.com/hashicorp/go-cleanhttp"
	hclog "github.com/hashicorp/go-hclog"

	"github.com/buntime/buntime/manifest"
)

// Process is a live worker instance the pool can forward requests to.
type Process interface {
	// Serve forwards the request to the worker and returns its response.
	// The context carries the per-request deadline; implementations must
	// abort when it is canceled.
	Serve(ctx context.Context, r *http.Request) (*http.Response, error)

	// Multiplexing reports whether the worker accepts concurrent inbound
	// requests. Non-multiplexing workers are serialized by the pool.
	Multiplexing() bool

	// Stop terminates the worker, allowing up to grace for a clean exit
	// before forcing termination.
	Stop(grace time.Duration)
}

// Launcher spawns worker processes for application directories.
type Launcher interface {
	Launch(ctx context.Context, appDir string, cfg *manifest.Worker) (Process, error)
}

// probe timing for freshly spawned workers.
const (
	probeInterval = 50 * time.Millisecond
	probeTimeout  = 10 * time.Second
)

// ExecLauncher runs worker applications as subprocesses listening on a
// loopback TCP port handed down through the PORT environment variable.
type ExecLauncher struct {
	log hclog.Logger

	// Runtime is the command used to execute worker entrypoints.
	Runtime string

	// Environment is propagated to workers as NODE_ENV.
	Environment string
}

// NewExecLauncher returns an ExecLauncher using the given runtime command,
// defaulting to "bun".
func NewExecLauncher(log hclog.Logger, runtime, environment string) *ExecLauncher {
	if runtime == "" {
		runtime = "bun"
	}
	return &ExecLauncher{
		log:         log.Named("launcher"),
		Runtime:     runtime,
		Environment: environment,
	}
}

// Launch starts the worker subprocess and blocks until its HTTP listener
// answers a readiness probe or the probe window elapses.
func (l *ExecLauncher) Launch(ctx context.Context, appDir string, cfg *manifest.Worker) (Process, error) {
	port, err := freePort()
	if err != nil {
		return nil, fmt.Errorf("failed to allocate worker port: %v", err)
	}

	args := []string{"run", cfg.Entrypoint}
	if cfg.AutoInstall {
		args = append([]string{"--install=fallback"}, args...)
	}
	if cfg.LowMemory {
		args = append([]string{"--smol"}, args...)
	}

	cmd := exec.Command(l.Runtime, args...)
	cmd.Dir = appDir
	cmd.Env = append(os.Environ(),
		"PORT="+strconv.Itoa(port),
		"NODE_ENV="+l.Environment,
	)
	for k, v := range cfg.Env {
		cmd.Env = append(cmd.Env, k+"="+v)
	}

	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("failed to start worker in %s: %v", appDir, err)
	}

	proc := &execProcess{
		log:    l.log.With("app_dir", appDir, "pid", cmd.Process.Pid),
		cmd:    cmd,
		client: cleanhttp.DefaultPooledClient(),
		addr:   fmt.Sprintf("127.0.0.1:%d", port),
	}

	if err := proc.awaitReady(ctx); err != nil {
		proc.Stop(0)
		return nil, err
	}

	l.log.Debug("worker ready", "app_dir", appDir, "addr", proc.addr)
	return proc, nil
}

type execProcess struct {
	log    hclog.Logger
	cmd    *exec.Cmd
	client *http.Client
	addr   string
}

// awaitReady polls the worker listener until it answers any HTTP response.
func (p *execProcess) awaitReady(ctx context.Context) error {
	probeCtx, cancel := context.WithTimeout(ctx, probeTimeout)
	defer cancel()

	for {
		req, err := http.NewRequestWithContext(probeCtx, http.MethodHead, "http://"+p.addr+"/", nil)
		if err != nil {
			return err
		}
		resp, err := p.client.Do(req)
		if err == nil {
			drainAndClose(resp.Body)
			return nil
		}

		select {
		case <-probeCtx.Done():
			return fmt.Errorf("worker at %s did not become ready: %v", p.addr, probeCtx.Err())
		case <-time.After(probeInterval):
		}
	}
}

func (p *execProcess) Serve(ctx context.Context, r *http.Request) (*http.Response, error) {
	outURL := &url.URL{
		Scheme:   "http",
		Host:     p.addr,
		Path:     r.URL.Path,
		RawQuery: r.URL.RawQuery,
	}

	out, err := http.NewRequestWithContext(ctx, r.Method, outURL.String(), r.Body)
	if err != nil {
		return nil, err
	}
	out.Header = r.Header.Clone()
	out.Host = r.Host
	out.ContentLength = r.ContentLength

	return p.client.Do(out)
}

// Multiplexing is false for subprocess workers: the runtime event loop
// serves one inbound request at a time.
func (p *execProcess) Multiplexing() bool { return false }

func (p *execProcess) Stop(grace time.Duration) {
	if p.cmd.Process == nil {
		return
	}

	if grace <= 0 {
		_ = p.cmd.Process.Kill()
		go func() { _ = p.cmd.Wait() }()
		return
	}

	_ = p.cmd.Process.Signal(syscall.SIGTERM)

	done := make(chan struct{})
	go func() {
		_ = p.cmd.Wait()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(grace):
		p.log.Warn("worker did not exit within grace period, killing")
		_ = p.cmd.Process.Kill()
		<-done
	}
}

// freePort asks the kernel for an unused loopback port. There is a small
// window between releasing and the worker binding it; spawn failure handling
// covers the rare collision.
func freePort() (int, error) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		return 0, err
	}
	port := ln.Addr().(*net.TCPAddr).Port
	_ = ln.Close()
	return port, nil
}

// drainAndClose fully consumes a response body so the underlying connection
// can be reused.
func drainAndClose(body io.ReadCloser) {
	if body == nil {
		return
	}
	_, _ = io.Copy(io.Discard, body)
	_ = body.Close()
}
