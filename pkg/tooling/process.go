package tooling

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/exec"
	"time"

	"github.com/agentlink/servicedesk/internal/stdiorpc"
)

// procTransport is a tool server subprocess wired up over stdin/stdout.
// Stderr passes through to the parent so server logs stay visible.
type procTransport struct {
	cmd   *exec.Cmd
	stdin io.WriteCloser
	conn  *stdiorpc.Conn
	done  chan struct{}
}

// startProcess launches argv and returns a transport over its stdio pipes.
func startProcess(ctx context.Context, argv []string) (transport, error) {
	if len(argv) == 0 {
		return nil, fmt.Errorf("empty tool server command")
	}
	cmd := exec.CommandContext(ctx, argv[0], argv[1:]...)
	cmd.Stderr = os.Stderr

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, fmt.Errorf("stdin pipe: %w", err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("stdout pipe: %w", err)
	}
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("start %s: %w", argv[0], err)
	}

	p := &procTransport{
		cmd:   cmd,
		stdin: stdin,
		conn:  stdiorpc.NewConn(stdout, stdin),
		done:  make(chan struct{}),
	}
	go func() {
		cmd.Wait()
		close(p.done)
	}()
	return p, nil
}

func (p *procTransport) Send(msg *stdiorpc.Message) error {
	return p.conn.Write(msg)
}

func (p *procTransport) Recv() (*stdiorpc.Message, error) {
	return p.conn.Read()
}

// Close shuts the pipe and waits briefly for the process to exit before
// killing it.
func (p *procTransport) Close() error {
	p.stdin.Close()
	select {
	case <-p.done:
		return nil
	case <-time.After(2 * time.Second):
	}
	if p.cmd.Process != nil {
		p.cmd.Process.Kill()
	}
	<-p.done
	return nil
}
