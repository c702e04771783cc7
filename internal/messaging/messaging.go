// Package messaging exposes engine state to UI surfaces over typed requests
// and a broadcast event stream.
package messaging

import (
	"context"
	"errors"
	"fmt"

	"pkt.systems/pslog"
	"pkt.systems/tanaka/internal/eventbus"
	"pkt.systems/tanaka/schema"
)

// Command names a request understood by the Handler.
type Command string

const (
	CmdGetStatus      Command = "get_status"
	CmdGetSettings    Command = "get_settings"
	CmdUpdateSettings Command = "update_settings"
	CmdTriggerSync    Command = "trigger_sync"
	CmdGetSnapshot    Command = "get_snapshot"
)

// Commands lists every supported command.
var Commands = []Command{CmdGetStatus, CmdGetSettings, CmdUpdateSettings, CmdTriggerSync, CmdGetSnapshot}

// Valid reports whether c is a known command.
func (c Command) Valid() bool {
	for _, known := range Commands {
		if c == known {
			return true
		}
	}
	return false
}

// Request is one control request.
type Request struct {
	Command Command               `json:"command"`
	Patch   *schema.SettingsPatch `json:"patch,omitempty"`
}

// Response carries the result of a Request. Exactly one payload field is set
// on success; Error is set on failure.
type Response struct {
	Command  Command              `json:"command"`
	Status   *schema.Status       `json:"status,omitempty"`
	Settings *schema.UserSettings `json:"settings,omitempty"`
	Snapshot *schema.Snapshot     `json:"snapshot,omitempty"`
	Error    string               `json:"error,omitempty"`

	Err error `json:"-"`
}

// Envelope pairs a request with the channel its response is delivered on.
type Envelope struct {
	Ctx     context.Context
	Request Request
	Reply   chan<- Response
}

// Engine is the engine surface the handler fans out to.
type Engine interface {
	Status() schema.Status
	Snapshot() schema.Snapshot
	Settings() schema.UserSettings
	UpdateSettings(ctx context.Context, patch schema.SettingsPatch) (schema.UserSettings, error)
	TriggerSync() error
}

// Subscriber provides the broadcast stream.
type Subscriber interface {
	Subscribe(types ...eventbus.EventType) (<-chan eventbus.Event, func())
}

// Handler is a stateless request router over the engine.
type Handler struct {
	engine Engine
	bus    Subscriber
	log    pslog.Logger
}

// New constructs a Handler.
func New(engine Engine, bus Subscriber, logger pslog.Logger) (*Handler, error) {
	if engine == nil {
		return nil, errors.New("messaging: engine is required")
	}
	if logger == nil {
		logger = pslog.Ctx(context.Background())
	}
	return &Handler{engine: engine, bus: bus, log: logger}, nil
}

// GetStatus returns the current sync status.
func (h *Handler) GetStatus() schema.Status {
	return h.engine.Status()
}

// GetSettings returns the settings with the credential redacted.
func (h *Handler) GetSettings() schema.UserSettings {
	return h.engine.Settings().Redacted()
}

// UpdateSettings applies a partial settings update.
func (h *Handler) UpdateSettings(ctx context.Context, patch schema.SettingsPatch) (schema.UserSettings, error) {
	updated, err := h.engine.UpdateSettings(ctx, patch)
	if err != nil {
		return schema.UserSettings{}, err
	}
	return updated.Redacted(), nil
}

// TriggerSync requests an immediate sync cycle.
func (h *Handler) TriggerSync() error {
	return h.engine.TriggerSync()
}

// GetSnapshot returns the tracked windows and tabs.
func (h *Handler) GetSnapshot() schema.Snapshot {
	return h.engine.Snapshot()
}

// Subscribe delivers status and snapshot events to fn until the returned
// function is called or ctx is done. fn runs on a dedicated goroutine.
func (h *Handler) Subscribe(ctx context.Context, fn func(eventbus.Event)) func() {
	if h.bus == nil || fn == nil {
		return func() {}
	}
	events, cancel := h.bus.Subscribe()
	ctx, stop := context.WithCancel(ctx)
	done := make(chan struct{})
	go func() {
		defer close(done)
		for {
			select {
			case <-ctx.Done():
				return
			case ev, ok := <-events:
				if !ok {
					return
				}
				fn(ev)
			}
		}
	}()
	return func() {
		stop()
		cancel()
		<-done
	}
}

// Handle executes one request.
func (h *Handler) Handle(ctx context.Context, req Request) Response {
	resp := Response{Command: req.Command}
	switch req.Command {
	case CmdGetStatus:
		status := h.GetStatus()
		resp.Status = &status
	case CmdGetSettings:
		settings := h.GetSettings()
		resp.Settings = &settings
	case CmdUpdateSettings:
		if req.Patch == nil {
			resp.Err = fmt.Errorf("%s: patch is required", req.Command)
			break
		}
		settings, err := h.UpdateSettings(ctx, *req.Patch)
		if err != nil {
			resp.Err = err
			break
		}
		resp.Settings = &settings
	case CmdTriggerSync:
		if err := h.TriggerSync(); err != nil {
			resp.Err = err
			break
		}
		status := h.GetStatus()
		resp.Status = &status
	case CmdGetSnapshot:
		snapshot := h.GetSnapshot()
		resp.Snapshot = &snapshot
	default:
		resp.Err = fmt.Errorf("%w: %q", schema.ErrUnknownCommand, req.Command)
	}
	if resp.Err != nil {
		resp.Error = resp.Err.Error()
		h.log.Debug("messaging request failed", "command", string(req.Command), "err", resp.Err)
	} else {
		h.log.Trace("messaging request served", "command", string(req.Command))
	}
	return resp
}

// Serve handles envelopes until ctx is done or requests is closed. Each
// envelope is handled independently on its own goroutine.
func (h *Handler) Serve(ctx context.Context, requests <-chan Envelope) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case env, ok := <-requests:
			if !ok {
				return nil
			}
			go h.serveOne(ctx, env)
		}
	}
}

func (h *Handler) serveOne(ctx context.Context, env Envelope) {
	reqCtx := env.Ctx
	if reqCtx == nil {
		reqCtx = ctx
	}
	resp := h.Handle(reqCtx, env.Request)
	if env.Reply == nil {
		return
	}
	select {
	case env.Reply <- resp:
	case <-reqCtx.Done():
	}
}

// Call sends req over requests and waits for the response.
func Call(ctx context.Context, requests chan<- Envelope, req Request) (Response, error) {
	reply := make(chan Response, 1)
	select {
	case requests <- Envelope{Ctx: ctx, Request: req, Reply: reply}:
	case <-ctx.Done():
		return Response{}, ctx.Err()
	}
	select {
	case resp := <-reply:
		return resp, resp.Err
	case <-ctx.Done():
		return Response{}, ctx.Err()
	}
}
