// internal/browser/harvester.go
package browser

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/chromedp/cdproto/network"
	"github.com/chromedp/cdproto/runtime"
	"github.com/chromedp/chromedp"
	"go.uber.org/zap"
)

const pollInterval = 100 * time.Millisecond

// Harvester listens to the CDP events of one tab. It tracks in-flight
// requests for network idle detection and the open text/event-stream
// responses a chat page streams its reply over, and forwards console output
// to the session log.
type Harvester struct {
	logger *zap.Logger

	sessionCtx     context.Context
	listenerCtx    context.Context
	cancelListener context.CancelFunc

	mu        sync.Mutex
	inflight  map[network.RequestID]struct{}
	streams   map[network.RequestID]string
	isStarted bool
}

// NewHarvester creates a harvester for the tab carried by sessionCtx.
func NewHarvester(sessionCtx context.Context, logger *zap.Logger) *Harvester {
	return &Harvester{
		sessionCtx: sessionCtx,
		logger:     logger.Named("harvester"),
		inflight:   make(map[network.RequestID]struct{}),
		streams:    make(map[network.RequestID]string),
	}
}

// Start subscribes to the tab's events and enables the network and runtime
// domains.
func (h *Harvester) Start(ctx context.Context) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.isStarted {
		return nil
	}

	h.listenerCtx, h.cancelListener = context.WithCancel(h.sessionCtx)
	chromedp.ListenTarget(h.listenerCtx, h.handleEvent)

	if err := chromedp.Run(ctx, network.Enable(), runtime.Enable()); err != nil {
		h.cancelListener()
		return fmt.Errorf("enable network events: %w", err)
	}
	h.isStarted = true
	h.logger.Debug("Harvester started.")
	return nil
}

// Stop unsubscribes from the tab's events.
func (h *Harvester) Stop() {
	h.mu.Lock()
	defer h.mu.Unlock()
	if !h.isStarted {
		return
	}
	h.cancelListener()
	h.isStarted = false
}

func (h *Harvester) handleEvent(ev interface{}) {
	switch e := ev.(type) {
	case *network.EventRequestWillBeSent:
		h.mu.Lock()
		h.inflight[e.RequestID] = struct{}{}
		h.mu.Unlock()
	case *network.EventResponseReceived:
		if isEventStream(e.Response) {
			h.mu.Lock()
			h.streams[e.RequestID] = e.Response.URL
			h.mu.Unlock()
			h.logger.Debug("Event stream opened.", zap.String("url", e.Response.URL))
		}
	case *network.EventLoadingFinished:
		h.finish(e.RequestID, "")
	case *network.EventLoadingFailed:
		h.finish(e.RequestID, e.ErrorText)
	case *runtime.EventConsoleAPICalled:
		h.handleConsoleAPICalled(e)
	}
}

func (h *Harvester) finish(id network.RequestID, errorText string) {
	h.mu.Lock()
	delete(h.inflight, id)
	url, wasStream := h.streams[id]
	delete(h.streams, id)
	h.mu.Unlock()

	if wasStream {
		h.logger.Debug("Event stream closed.", zap.String("url", url), zap.String("error", errorText))
	}
}

func (h *Harvester) handleConsoleAPICalled(e *runtime.EventConsoleAPICalled) {
	parts := make([]string, 0, len(e.Args))
	for _, arg := range e.Args {
		if arg == nil {
			continue
		}
		if arg.Description != "" {
			parts = append(parts, arg.Description)
		} else if len(arg.Value) > 0 {
			parts = append(parts, string(arg.Value))
		}
	}
	h.logger.Debug("Console message.", zap.String("type", string(e.Type)), zap.String("text", strings.Join(parts, " ")))
}

func isEventStream(resp *network.Response) bool {
	if resp == nil {
		return false
	}
	if strings.HasPrefix(strings.ToLower(resp.MimeType), "text/event-stream") {
		return true
	}
	for k, v := range resp.Headers {
		if strings.EqualFold(k, "content-type") {
			if s, ok := v.(string); ok && strings.HasPrefix(strings.ToLower(s), "text/event-stream") {
				return true
			}
		}
	}
	return false
}

// OpenStreams reports how many event streams are still open.
func (h *Harvester) OpenStreams() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.streams)
}

// WaitStreams blocks until every open event stream has finished or failed,
// or until timeout elapses. It returns how many were still open at the
// deadline. The tracked set is cleared either way, so a stream that never
// closes is waited for only once. Only cancellation of ctx is an error.
func (h *Harvester) WaitStreams(ctx context.Context, timeout time.Duration) (pending int, err error) {
	defer h.clearStreams()

	waitCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	ticker := time.NewTicker(pollInterval)
	defer ticker.Stop()
	for {
		open := h.OpenStreams()
		if open == 0 {
			return 0, nil
		}
		select {
		case <-waitCtx.Done():
			if ctx.Err() != nil {
				return open, ctx.Err()
			}
			h.logger.Warn("Event streams still open after timeout.", zap.Int("open", open), zap.Duration("timeout", timeout))
			return open, nil
		case <-ticker.C:
		}
	}
}

func (h *Harvester) clearStreams() {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.streams = make(map[network.RequestID]string)
}

// WaitNetworkIdle polls until no request has been in flight for quietPeriod.
func (h *Harvester) WaitNetworkIdle(ctx context.Context, quietPeriod time.Duration) error {
	if quietPeriod <= 0 {
		return nil
	}
	ticker := time.NewTicker(quietPeriod / 2)
	defer ticker.Stop()

	lastActivity := time.Now()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			h.mu.Lock()
			inflightCount := len(h.inflight)
			h.mu.Unlock()

			if inflightCount > 0 {
				lastActivity = time.Now()
			} else if time.Since(lastActivity) >= quietPeriod {
				return nil
			}
		}
	}
}
