// Package chromehost feeds tab and window lifecycle events from a Chrome
// instance over the DevTools protocol.
package chromehost

import (
	"context"
	"errors"
	"strconv"

	"github.com/chromedp/cdproto/browser"
	"github.com/chromedp/cdproto/cdp"
	"github.com/chromedp/cdproto/target"
	"github.com/chromedp/chromedp"
	"pkt.systems/pslog"
	"pkt.systems/tanaka/schema"
)

// Config selects the browser to observe.
type Config struct {
	// RemoteURL attaches to a running browser's DevTools websocket.
	RemoteURL string
	// ExecPath overrides the browser binary when launching one.
	ExecPath string
	Headless bool
}

// Source observes a browser and emits host events.
type Source struct {
	cfg Config
}

// New constructs a Source.
func New(cfg Config) *Source {
	return &Source{cfg: cfg}
}

func (s *Source) allocator(ctx context.Context) (context.Context, context.CancelFunc) {
	if s.cfg.RemoteURL != "" {
		return chromedp.NewRemoteAllocator(ctx, s.cfg.RemoteURL)
	}
	opts := append(chromedp.DefaultExecAllocatorOptions[:],
		chromedp.Flag("headless", s.cfg.Headless),
		chromedp.Flag("disable-gpu", true),
	)
	if s.cfg.ExecPath != "" {
		opts = append(opts, chromedp.ExecPath(s.cfg.ExecPath))
	}
	return chromedp.NewExecAllocator(ctx, opts...)
}

// Run connects to the browser and sends host events to out until ctx is done.
func (s *Source) Run(ctx context.Context, out chan<- schema.HostEvent) error {
	log := pslog.Ctx(ctx)
	allocCtx, cancelAlloc := s.allocator(ctx)
	defer cancelAlloc()
	browserCtx, cancelBrowser := chromedp.NewContext(allocCtx)
	defer cancelBrowser()
	if err := chromedp.Run(browserCtx); err != nil {
		return err
	}

	raw := make(chan any, 256)
	chromedp.ListenBrowser(browserCtx, func(ev any) {
		switch ev.(type) {
		case *target.EventTargetCreated, *target.EventTargetInfoChanged, *target.EventTargetDestroyed:
		default:
			return
		}
		select {
		case raw <- ev:
		default:
			log.Warn("chromehost event dropped")
		}
	})
	if err := chromedp.Run(browserCtx, chromedp.ActionFunc(func(ctx context.Context) error {
		return target.SetDiscoverTargets(true).Do(browserExecutor(ctx))
	})); err != nil {
		return err
	}
	log.Info("chromehost attached", "remote", s.cfg.RemoteURL != "")

	mapper := NewMapper()
	for {
		var events []schema.HostEvent
		select {
		case <-ctx.Done():
			return nil
		case <-browserCtx.Done():
			if ctx.Err() != nil {
				return nil
			}
			return errors.New("chromehost: browser connection closed")
		case ev := <-raw:
			switch ev := ev.(type) {
			case *target.EventTargetCreated:
				if ev.TargetInfo == nil || ev.TargetInfo.Type != pageTarget {
					continue
				}
				window, err := windowFor(browserCtx, ev.TargetInfo.TargetID)
				if err != nil {
					log.Debug("chromehost window lookup failed", "tab", string(ev.TargetInfo.TargetID), "err", err)
					continue
				}
				events = mapper.Created(ev.TargetInfo, window)
			case *target.EventTargetInfoChanged:
				if ev.TargetInfo == nil || ev.TargetInfo.Type != pageTarget {
					continue
				}
				window, err := windowFor(browserCtx, ev.TargetInfo.TargetID)
				if err != nil {
					window = ""
				}
				events = mapper.Changed(ev.TargetInfo, window)
			case *target.EventTargetDestroyed:
				events = mapper.Destroyed(ev.TargetID)
			}
		}
		for _, hostEvent := range events {
			select {
			case out <- hostEvent:
			case <-ctx.Done():
				return nil
			}
		}
	}
}

func browserExecutor(ctx context.Context) context.Context {
	c := chromedp.FromContext(ctx)
	if c == nil || c.Browser == nil {
		return ctx
	}
	return cdp.WithExecutor(ctx, c.Browser)
}

func windowFor(ctx context.Context, id target.ID) (schema.WindowID, error) {
	windowID, _, err := browser.GetWindowForTarget().WithTargetID(id).Do(browserExecutor(ctx))
	if err != nil {
		return "", err
	}
	return schema.WindowID(strconv.FormatInt(int64(windowID), 10)), nil
}
