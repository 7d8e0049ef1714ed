// Package chrome drives headless Chrome to produce page screenshots. Every
// capture runs in its own browser process with a fresh profile, so cookies,
// cache and storage never leak between targets.
package chrome

import (
	"context"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/chromedp/cdproto/network"
	"github.com/chromedp/chromedp"

	u "url2img/internal/utils"
)

// Request describes one screenshot job. The URL must already have passed
// safety validation.
type Request struct {
	URL      string
	Width    int
	Height   int
	FullPage bool
}

// Result carries the rendered PNG and the wall-clock render time.
type Result struct {
	Image    []byte
	Duration time.Duration
}

// session owns one exclusive headless browser process plus its temp profile.
type session struct {
	ctx   context.Context
	close func()
}

// Test seams; production code never reassigns these.
var (
	newSession = startSession
	navigateFn = navigate
	snapshotFn = snapshot
)

// Capture renders req.URL and returns PNG bytes. The browser session is torn
// down on every exit path, including navigation and snapshot failures.
func Capture(req Request, cfg u.Config) (*Result, error) {
	start := time.Now()

	s, err := newSession(cfg, req.Width, req.Height)
	if err != nil {
		return nil, fmt.Errorf("start chrome session: %w", err)
	}
	defer s.close()

	navTimeout := time.Duration(cfg.Screenshot.NavTimeoutSecs) * time.Second
	quiet := time.Duration(cfg.Screenshot.QuietWindowMs) * time.Millisecond

	navCtx, navCancel := context.WithTimeout(s.ctx, navTimeout)
	defer navCancel()
	if err := navigateFn(navCtx, req.URL, req.Width, req.Height, quiet); err != nil {
		return nil, fmt.Errorf("navigate %s: %w", req.URL, err)
	}

	capTimeout := time.Duration(cfg.Screenshot.CaptureTimeoutSecs) * time.Second
	capCtx, capCancel := context.WithTimeout(s.ctx, capTimeout)
	defer capCancel()
	buf, err := snapshotFn(capCtx, req.FullPage)
	if err != nil {
		return nil, fmt.Errorf("capture screenshot: %w", err)
	}

	return &Result{Image: buf, Duration: time.Since(start)}, nil
}

// startSession launches an isolated browser with its own exec allocator and
// profile directory. The returned close func is idempotent and releases the
// tab, the browser process and the profile dir.
func startSession(cfg u.Config, width, height int) (*session, error) {
	tmpDir, err := os.MkdirTemp("", "chromedata-*")
	if err != nil {
		return nil, fmt.Errorf("cannot create temp profile dir: %w", err)
	}

	allocatorOptions := append(chromedp.DefaultExecAllocatorOptions[:],
		chromedp.UserDataDir(tmpDir),
		chromedp.WindowSize(width, height),
		chromedp.Flag("headless", "new"),
		chromedp.Flag("hide-scrollbars", true),
		// Force software rendering and avoid Vulkan/ANGLE issues in minimal container environments.
		chromedp.Flag("disable-gpu", true),
		chromedp.Flag("disable-gpu-compositing", true),
		chromedp.Flag("disable-features", "Vulkan,UseSkiaRenderer"),
		chromedp.Flag("use-gl", "swiftshader"),
		chromedp.Flag("disable-dev-shm-usage", true),
	)
	if cfg.Screenshot.ChromePath != "" {
		allocatorOptions = append(allocatorOptions, chromedp.ExecPath(cfg.Screenshot.ChromePath))
	}
	if cfg.Screenshot.ChromeNoSandbox {
		allocatorOptions = append(allocatorOptions, chromedp.Flag("no-sandbox", true))
	}

	allocCtx, allocCancel := chromedp.NewExecAllocator(context.Background(), allocatorOptions...)
	tabCtx, tabCancel := chromedp.NewContext(allocCtx)

	var once sync.Once
	return &session{
		ctx: tabCtx,
		close: func() {
			once.Do(func() {
				tabCancel()
				allocCancel()
				_ = os.RemoveAll(tmpDir)
			})
		},
	}, nil
}

// navigate loads url in the session tab and waits until the network has been
// quiet for the given window, or until ctx expires.
func navigate(ctx context.Context, url string, width, height int, quiet time.Duration) error {
	idle := newIdleWaiter()
	chromedp.ListenTarget(ctx, idle.handle)

	if err := chromedp.Run(ctx,
		network.Enable(),
		chromedp.EmulateViewport(int64(width), int64(height)),
		chromedp.Navigate(url),
		chromedp.WaitReady("body", chromedp.ByQuery),
	); err != nil {
		return err
	}
	return idle.wait(ctx, quiet)
}

// snapshot takes a PNG screenshot of the viewport or the full page height.
func snapshot(ctx context.Context, fullPage bool) ([]byte, error) {
	var buf []byte
	action := chromedp.CaptureScreenshot(&buf)
	if fullPage {
		action = chromedp.FullScreenshot(&buf, 100)
	}
	if err := chromedp.Run(ctx, action); err != nil {
		return nil, err
	}
	return buf, nil
}

// idleWaiter tracks in-flight network requests from CDP events.
type idleWaiter struct {
	mu       sync.Mutex
	inflight int
	last     time.Time
}

func newIdleWaiter() *idleWaiter {
	return &idleWaiter{last: time.Now()}
}

func (w *idleWaiter) handle(ev interface{}) {
	switch ev.(type) {
	case *network.EventRequestWillBeSent:
		w.mu.Lock()
		w.inflight++
		w.last = time.Now()
		w.mu.Unlock()
	case *network.EventLoadingFinished, *network.EventLoadingFailed:
		w.mu.Lock()
		if w.inflight > 0 {
			w.inflight--
		}
		w.last = time.Now()
		w.mu.Unlock()
	}
}

// wait blocks until no request has been in flight for the quiet window.
// Expiry of ctx is reported as its error, typically DeadlineExceeded.
func (w *idleWaiter) wait(ctx context.Context, quiet time.Duration) error {
	ticker := time.NewTicker(50 * time.Millisecond)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			w.mu.Lock()
			idle := w.inflight == 0 && time.Since(w.last) >= quiet
			w.mu.Unlock()
			if idle {
				return nil
			}
		}
	}
}
