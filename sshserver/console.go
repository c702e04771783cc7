package sshserver

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"sync"

	"pkt.systems/pslog"
	"pkt.systems/tanaka/internal/command"
	"pkt.systems/tanaka/internal/eventbus"
	"pkt.systems/tanaka/internal/format"
	"pkt.systems/tanaka/internal/messaging"
)

type console struct {
	rw      io.ReadWriter
	stderr  io.Writer
	control Control
	prompt  string
	mu      sync.Mutex
}

type stderrer interface {
	Stderr() io.ReadWriter
}

func newConsole(rw io.ReadWriter, control Control, prompt string) *console {
	c := &console{rw: rw, stderr: rw, control: control, prompt: prompt}
	if withStderr, ok := rw.(stderrer); ok {
		c.stderr = withStderr.Stderr()
	}
	return c
}

// Exec runs one command line and returns the exit status.
func (c *console) Exec(ctx context.Context, line string) int {
	cmd, ok := command.Parse(line)
	if !ok {
		c.errorf("no command\n%s\n", command.Help())
		return 2
	}
	switch cmd.Name {
	case "help":
		c.printf("%s\n", command.Help())
		return 0
	case command.Watch:
		c.watch(ctx)
		return 0
	}
	req, err := cmd.Request()
	if err != nil {
		c.errorf("%v\n", err)
		return 2
	}
	resp := c.control.Handle(ctx, req)
	if resp.Err != nil {
		c.errorf("error: %v\n", resp.Err)
		return 1
	}
	c.render(resp)
	return 0
}

// Interactive reads command lines until EOF or "exit".
func (c *console) Interactive(ctx context.Context) {
	scanner := bufio.NewScanner(c.rw)
	c.printf("%s", c.prompt)
	for scanner.Scan() {
		line := scanner.Text()
		cmd, ok := command.Parse(line)
		switch {
		case !ok:
		case cmd.Name == "exit" || cmd.Name == "quit":
			return
		default:
			c.Exec(ctx, line)
		}
		if ctx.Err() != nil {
			return
		}
		c.printf("%s", c.prompt)
	}
}

func (c *console) watch(ctx context.Context) {
	log := pslog.Ctx(ctx)
	log.Debug("ssh watch started")
	stop := c.control.Subscribe(ctx, func(ev eventbus.Event) {
		c.renderValue(ev)
		c.printf("---\n")
	})
	<-ctx.Done()
	stop()
	log.Debug("ssh watch stopped")
}

func (c *console) render(resp messaging.Response) {
	switch {
	case resp.Status != nil:
		c.printf("%s", format.Lines(format.Status(*resp.Status)))
	case resp.Settings != nil:
		c.renderValue(resp.Settings)
	case resp.Snapshot != nil:
		c.printf("%s", format.Lines(format.Snapshot(*resp.Snapshot)))
	default:
		c.printf("ok\n")
	}
}

func (c *console) renderValue(v any) {
	data, err := format.YAML(v)
	if err != nil {
		c.errorf("render: %v\n", err)
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	_, _ = c.rw.Write(data)
}

func (c *console) printf(format string, args ...any) {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, _ = fmt.Fprintf(c.rw, format, args...)
}

func (c *console) errorf(format string, args ...any) {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, _ = fmt.Fprintf(c.stderr, format, args...)
}
