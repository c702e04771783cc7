// Package hostfeed reads browser lifecycle events encoded as newline-delimited
// JSON, one schema.HostEvent per line.
package hostfeed

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/fsnotify/fsnotify"
	"pkt.systems/pslog"
	"pkt.systems/tanaka/schema"
)

const maxLineBytes = 1 << 20

// Decode parses one line. Blank lines yield ok=false.
func Decode(line []byte) (schema.HostEvent, bool, error) {
	line = bytes.TrimSpace(line)
	if len(line) == 0 {
		return schema.HostEvent{}, false, nil
	}
	var ev schema.HostEvent
	dec := json.NewDecoder(bytes.NewReader(line))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&ev); err != nil {
		return schema.HostEvent{}, false, fmt.Errorf("hostfeed decode: %w", err)
	}
	if ev.Kind == "" {
		return schema.HostEvent{}, false, errors.New("hostfeed decode: kind is required")
	}
	return ev, true, nil
}

// Read decodes events from r and sends them to out until r is exhausted or
// ctx is done. Malformed lines are logged and skipped.
func Read(ctx context.Context, r io.Reader, out chan<- schema.HostEvent) error {
	log := pslog.Ctx(ctx)
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), maxLineBytes)
	lineNo := 0
	for scanner.Scan() {
		lineNo++
		ev, ok, err := Decode(scanner.Bytes())
		if err != nil {
			log.Warn("hostfeed line skipped", "line", lineNo, "err", err)
			continue
		}
		if !ok {
			continue
		}
		if err := send(ctx, out, ev); err != nil {
			return err
		}
	}
	if err := scanner.Err(); err != nil {
		return fmt.Errorf("hostfeed read: %w", err)
	}
	return nil
}

// Follow reads the file at path like `tail -f`: existing lines first, then
// lines appended later, until ctx is done.
func Follow(ctx context.Context, path string, out chan<- schema.HostEvent) error {
	log := pslog.Ctx(ctx).With("path", path)
	f, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("hostfeed open: %w", err)
	}
	defer func() { _ = f.Close() }()

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	defer func() { _ = watcher.Close() }()
	if err := watcher.Add(path); err != nil {
		return err
	}
	log.Info("hostfeed following")

	reader := bufio.NewReader(f)
	var partial []byte
	lineNo := 0
	drain := func() error {
		for {
			chunk, err := reader.ReadBytes('\n')
			partial = append(partial, chunk...)
			if errors.Is(err, io.EOF) {
				return nil
			}
			if err != nil {
				return fmt.Errorf("hostfeed read: %w", err)
			}
			lineNo++
			line := partial
			partial = nil
			if len(line) > maxLineBytes {
				log.Warn("hostfeed line skipped", "line", lineNo, "err", "line too long")
				continue
			}
			ev, ok, decErr := Decode(line)
			if decErr != nil {
				log.Warn("hostfeed line skipped", "line", lineNo, "err", decErr)
				continue
			}
			if !ok {
				continue
			}
			if err := send(ctx, out, ev); err != nil {
				return err
			}
		}
	}
	if err := drain(); err != nil {
		return err
	}
	for {
		select {
		case <-ctx.Done():
			return nil
		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if event.Has(fsnotify.Remove) || event.Has(fsnotify.Rename) {
				log.Info("hostfeed file removed")
				return nil
			}
			if !event.Has(fsnotify.Write) {
				continue
			}
			if err := drain(); err != nil {
				if errors.Is(err, context.Canceled) {
					return nil
				}
				return err
			}
		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			log.Warn("hostfeed watch error", "err", err)
		}
	}
}

func send(ctx context.Context, out chan<- schema.HostEvent, ev schema.HostEvent) error {
	select {
	case out <- ev:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
