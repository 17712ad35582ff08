package downloader

import (
	"context"
	"encoding/base64"
	"fmt"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/chromedp/cdproto/network"
	"github.com/chromedp/cdproto/page"
	"github.com/chromedp/cdproto/runtime"
	"github.com/chromedp/chromedp"

	"github.com/Jeffrey0117/tampermonkey-lurl-download/utils"
)

// Hosts a bot-challenge interstitial is known to bounce through. Landing
// on one after navigation means the browser is still negotiating.
var challengeHosts = []string{
	"challenges.cloudflare.com",
	"ct.captcha-delivery.com",
}

// Hides the telltale automation fingerprint before any page script runs.
const stealthScript = `
Object.defineProperty(navigator, 'webdriver', { get: () => undefined });
Object.defineProperty(navigator, 'languages', { get: () => ['zh-TW', 'zh', 'en'] });
Object.defineProperty(navigator, 'plugins', { get: () => [1, 2, 3] });
`

// The binary payload cannot cross the page/host boundary as raw bytes,
// so the in-page fetch base64-encodes it and hands back a string. The
// request carries no credentials: the CDN's Referer/Origin checks pass
// because the request genuinely originates from the page context.
const pageFetchScript = `
(async () => {
	const resp = await fetch(%q, { credentials: 'omit' });
	if (!resp.ok) {
		throw new Error('fetch status ' + resp.status);
	}
	const buf = await resp.arrayBuffer();
	const bytes = new Uint8Array(buf);
	let bin = '';
	const step = 0x8000;
	for (let i = 0; i < bytes.length; i += step) {
		bin += String.fromCharCode.apply(null, bytes.subarray(i, i + step));
	}
	return btoa(bin);
})()
`

// Browser is an explicitly owned handle on one headless chrome process.
// It starts lazily on first acquire and terminates on last release;
// overlapping batches share the instance through reference counting
// instead of racing to spawn a second one.
type Browser struct {
	mu       sync.Mutex
	refs     int
	execPath string

	allocCtx    context.Context
	allocCancel context.CancelFunc
	browserCtx  context.Context
	ctxCancel   context.CancelFunc
}

// NewBrowser creates an unstarted handle. execPath may be empty to let
// chromedp find a chrome binary on PATH.
func NewBrowser(execPath string) *Browser {
	return &Browser{execPath: execPath}
}

// acquire returns the shared browser context, launching chrome when this
// is the first holder.
func (b *Browser) acquire() (context.Context, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.refs == 0 {
		opts := append(chromedp.DefaultExecAllocatorOptions[:],
			chromedp.Flag("disable-blink-features", "AutomationControlled"),
			chromedp.UserAgent(browserUA),
		)
		if b.execPath != "" {
			opts = append(opts, chromedp.ExecPath(b.execPath))
		}
		b.allocCtx, b.allocCancel = chromedp.NewExecAllocator(context.Background(), opts...)
		b.browserCtx, b.ctxCancel = chromedp.NewContext(b.allocCtx)

		// Start the process now so a broken chrome install fails the
		// batch up front instead of on the first tab.
		if err := chromedp.Run(b.browserCtx); err != nil {
			b.ctxCancel()
			b.allocCancel()
			b.allocCtx, b.browserCtx = nil, nil
			return nil, fmt.Errorf("launch browser: %w", err)
		}
	}
	b.refs++
	return b.browserCtx, nil
}

// release drops one holder; the last release terminates chrome.
func (b *Browser) release() {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.refs == 0 {
		return
	}
	b.refs--
	if b.refs == 0 {
		b.ctxCancel()
		b.allocCancel()
		b.allocCtx, b.browserCtx = nil, nil
	}
}

// EngineConfig bounds the bypass engine's timeouts and batch shape.
type EngineConfig struct {
	GroupSize       int           // concurrent tabs per batch group
	NavTimeout      time.Duration // whole per-record procedure
	ChallengeWait   time.Duration // bounded wait for challenge auto-resolve
	MinPayloadBytes int64         // reject disguised error pages
}

func (c *EngineConfig) defaults() {
	if c.GroupSize <= 0 {
		c.GroupSize = 4
	}
	if c.NavTimeout <= 0 {
		c.NavTimeout = 45 * time.Second
	}
	if c.ChallengeWait <= 0 {
		c.ChallengeWait = 20 * time.Second
	}
	if c.MinPayloadBytes <= 0 {
		c.MinPayloadBytes = 10 * 1024
	}
}

// Progress is one batch-retry completion event.
type Progress struct {
	Completed int
	Total     int
	Job       Job
	Err       error
}

// browserHandle is the slice of Browser the engine depends on: shared
// lifecycle, nothing else.
type browserHandle interface {
	acquire() (context.Context, error)
	release()
}

// Engine acquires files the direct downloader cannot, by navigating the
// original share page in a real browser and fetching from inside it.
type Engine struct {
	browser browserHandle
	cfg     EngineConfig

	// fetchOne is the per-record tab procedure; fetchInTab in production.
	fetchOne func(ctx, browserCtx context.Context, job Job) error
}

// NewEngine builds an Engine around an injected browser handle.
func NewEngine(browser *Browser, cfg EngineConfig) *Engine {
	cfg.defaults()
	e := &Engine{browser: browser, cfg: cfg}
	e.fetchOne = e.fetchInTab
	return e
}

// Fetch runs the full per-record procedure in its own tab. Implements
// Downloader so the engine can sit in a fallback Chain.
func (e *Engine) Fetch(ctx context.Context, job Job) error {
	browserCtx, err := e.browser.acquire()
	if err != nil {
		return err
	}
	defer e.browser.release()

	return e.fetchOne(ctx, browserCtx, job)
}

func (e *Engine) fetchInTab(ctx context.Context, browserCtx context.Context, job Job) error {
	tabCtx, closeTab := chromedp.NewContext(browserCtx)
	// Tab goes away no matter how the fetch ends.
	defer closeTab()

	tabCtx, cancel := context.WithTimeout(tabCtx, e.cfg.NavTimeout)
	defer cancel()

	// Caller cancellation must reach the tab.
	go func() {
		select {
		case <-ctx.Done():
			cancel()
		case <-tabCtx.Done():
		}
	}()

	var payload string
	err := chromedp.Run(tabCtx,
		chromedp.ActionFunc(func(c context.Context) error {
			_, err := page.AddScriptToEvaluateOnNewDocument(stealthScript).Do(c)
			return err
		}),
		network.Enable(),
		chromedp.ActionFunc(func(c context.Context) error {
			// The target site gates video pages behind an adult check;
			// preseed the cookie so navigation lands on content.
			domain := cookieDomain(job.PageURL)
			if domain == "" {
				return nil
			}
			return network.SetCookie("over18", "1").
				WithDomain(domain).
				WithPath("/").
				Do(c)
		}),
		chromedp.Navigate(job.PageURL),
		chromedp.ActionFunc(e.waitChallenge),
		chromedp.Evaluate(fmt.Sprintf(pageFetchScript, job.FileURL), &payload,
			func(p *runtime.EvaluateParams) *runtime.EvaluateParams {
				return p.WithAwaitPromise(true)
			}),
	)
	if err != nil {
		return fmt.Errorf("page-context fetch: %w", err)
	}

	raw, err := base64.StdEncoding.DecodeString(payload)
	if err != nil {
		return fmt.Errorf("decode payload: %w", err)
	}
	if int64(len(raw)) < e.cfg.MinPayloadBytes {
		return fmt.Errorf("%w: got %d bytes", ErrPayloadTooSmall, len(raw))
	}

	return writeAtomic(job.Dest, raw)
}

// waitChallenge polls the tab location while it sits on a known
// challenge host, up to the configured bound. Timing out is not fatal;
// the fetch proceeds and fails on its own terms if the challenge stuck.
func (e *Engine) waitChallenge(c context.Context) error {
	deadline := time.Now().Add(e.cfg.ChallengeWait)
	for {
		var loc string
		if err := chromedp.Location(&loc).Do(c); err != nil {
			return err
		}
		if !onChallengeHost(loc) {
			return nil
		}
		if time.Now().After(deadline) {
			if utils.Sugar != nil {
				utils.Sugar.Warnf("challenge wait timed out at %s, continuing", loc)
			}
			return nil
		}
		select {
		case <-c.Done():
			return c.Err()
		case <-time.After(500 * time.Millisecond):
		}
	}
}

// RetryBatch processes jobs in sequential groups of GroupSize, all
// records in a group fetched concurrently with one tab each. Group
// pacing caps peak chrome memory while still overlapping challenge-wait
// latency inside a group. One Progress event is emitted per finished
// item; a per-item failure never aborts the batch, but cancelling ctx
// stops before the next group starts. The shared browser is released
// when the channel closes.
func (e *Engine) RetryBatch(ctx context.Context, jobs []Job) (<-chan Progress, error) {
	browserCtx, err := e.browser.acquire()
	if err != nil {
		return nil, err
	}

	events := make(chan Progress)
	go func() {
		defer close(events)
		defer e.browser.release()

		total := len(jobs)
		completed := 0
		var mu sync.Mutex

		for start := 0; start < total; start += e.cfg.GroupSize {
			if ctx.Err() != nil {
				return
			}
			end := start + e.cfg.GroupSize
			if end > total {
				end = total
			}

			var wg sync.WaitGroup
			for _, job := range jobs[start:end] {
				wg.Add(1)
				go func(job Job) {
					defer wg.Done()
					err := e.fetchOne(ctx, browserCtx, job)

					mu.Lock()
					completed++
					done := completed
					mu.Unlock()

					select {
					case events <- Progress{Completed: done, Total: total, Job: job, Err: err}:
					case <-ctx.Done():
					}
				}(job)
			}
			// Group N+1 never starts before group N fully resolves.
			wg.Wait()
		}
	}()
	return events, nil
}

func cookieDomain(pageURL string) string {
	u, err := url.Parse(pageURL)
	if err != nil || u.Hostname() == "" {
		return ""
	}
	return u.Hostname()
}

func onChallengeHost(loc string) bool {
	u, err := url.Parse(loc)
	if err != nil {
		return false
	}
	host := strings.ToLower(u.Hostname())
	for _, ch := range challengeHosts {
		if host == ch || strings.HasSuffix(host, "."+ch) {
			return true
		}
	}
	return false
}
