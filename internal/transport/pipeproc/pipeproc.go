// Package pipeproc is a vatworker.Worker transport for vats run as a plain
// OS subprocess reached over stdio pipes. Grounded on the teacher's
// docker/manager.go process-lifecycle idiom (spawn, wait, kill) combined
// with the wire package's length-prefixed JSON framing in place of
// vsockpb's protobuf framing.
package pipeproc

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/exec"
	"strings"

	"github.com/ocapkernel/kernel/internal/domain"
	"github.com/ocapkernel/kernel/internal/transport/wire"
	"github.com/ocapkernel/kernel/internal/vatworker"
)

// Options configures how a vat's worker process is launched.
type Options struct {
	Command []string // argv[0] + args
	Env     map[string]string
}

// pipeConn adapts a subprocess's stdin/stdout pipes to one
// io.ReadWriteCloser, the shape wire.Codec expects.
type pipeConn struct {
	stdout io.ReadCloser
	stdin  io.WriteCloser
	cmd    *exec.Cmd
}

func (p *pipeConn) Read(b []byte) (int, error)  { return p.stdout.Read(b) }
func (p *pipeConn) Write(b []byte) (int, error) { return p.stdin.Write(b) }
func (p *pipeConn) Close() error {
	_ = p.stdin.Close()
	_ = p.stdout.Close()
	if p.cmd.Process != nil {
		_ = p.cmd.Process.Kill()
	}
	return p.cmd.Wait()
}

// New spawns opts.Command and returns a Worker wrapping its stdio pipes.
func New(ctx context.Context, vatID domain.EndpointID, bundleSpec string, opts Options) (vatworker.Worker, error) {
	if len(opts.Command) == 0 {
		return nil, fmt.Errorf("pipeproc: %s: no command configured", vatID)
	}
	cmd := exec.CommandContext(ctx, opts.Command[0], opts.Command[1:]...)
	cmd.Env = append(cmd.Env, "OCAP_VAT_ID="+string(vatID), "OCAP_BUNDLE_SPEC="+bundleSpec)
	for k, v := range opts.Env {
		cmd.Env = append(cmd.Env, k+"="+v)
	}
	cmd.Stderr = &prefixedStderr{vatID: string(vatID)}

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, fmt.Errorf("pipeproc: %s: stdin pipe: %w", vatID, err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("pipeproc: %s: stdout pipe: %w", vatID, err)
	}
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("pipeproc: %s: start: %w", vatID, err)
	}

	conn := &pipeConn{stdout: stdout, stdin: stdin, cmd: cmd}
	codec := wire.NewCodec(conn)
	return wire.NewClient(codec, conn.Close), nil
}

// Factory adapts New to vatworker.Factory. Every vat runs the same command
// unchanged (the worker binary path is fixed per deployment); bundleSpec
// and the vat id are passed through the environment instead of argv so the
// command line stays stable across vats.
func Factory(command []string, env map[string]string) vatworker.Factory {
	return func(ctx context.Context, vatID domain.EndpointID, bundleSpec string, creationOpts domain.VatCreationOptions) (vatworker.Worker, error) {
		merged := make(map[string]string, len(env)+len(creationOpts.Env))
		for k, v := range env {
			merged[k] = v
		}
		for k, v := range creationOpts.Env {
			merged[k] = v
		}
		return New(ctx, vatID, bundleSpec, Options{Command: command, Env: merged})
	}
}

// prefixedStderr forwards a worker process's stderr to the kernel's own
// logs, line by line, tagged with the vat id.
type prefixedStderr struct {
	vatID string
	buf   strings.Builder
}

func (w *prefixedStderr) Write(p []byte) (int, error) {
	w.buf.Write(p)
	for {
		s := w.buf.String()
		idx := strings.IndexByte(s, '\n')
		if idx < 0 {
			break
		}
		line := s[:idx]
		fmt.Fprintf(os.Stderr, "[vat %s] %s\n", w.vatID, line)
		w.buf.Reset()
		w.buf.WriteString(s[idx+1:])
	}
	return len(p), nil
}
