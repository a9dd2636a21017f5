package browser

import (
	"context"
	"encoding/json"
	"fmt"
	"path/filepath"
	"sync"

	logger "github.com/Bparsons0904/goLogger"
	cdpbrowser "github.com/chromedp/cdproto/browser"
	"github.com/chromedp/chromedp"
	"github.com/chromedp/chromedp/kb"
)

type ChromeLauncher struct {
	headless bool
	execPath string
	log      logger.Logger
}

func NewChromeLauncher(headless bool, execPath string) *ChromeLauncher {
	return &ChromeLauncher{
		headless: headless,
		execPath: execPath,
		log:      logger.New("chromeLauncher"),
	}
}

func (l *ChromeLauncher) Launch(ctx context.Context, downloadDir string) (Session, error) {
	log := l.log.Function("Launch")

	absDir, err := filepath.Abs(downloadDir)
	if err != nil {
		return nil, log.Err("failed to resolve download directory", err, "dir", downloadDir)
	}

	opts := append(chromedp.DefaultExecAllocatorOptions[:],
		chromedp.Flag("headless", l.headless),
		chromedp.WindowSize(1440, 1024),
	)
	if l.execPath != "" {
		opts = append(opts, chromedp.ExecPath(l.execPath))
	}

	allocCtx, allocCancel := chromedp.NewExecAllocator(ctx, opts...)
	browserCtx, browserCancel := chromedp.NewContext(allocCtx)

	session := &chromeSession{
		ctx:         browserCtx,
		cancel:      browserCancel,
		allocCancel: allocCancel,
		downloadDir: absDir,
		log:         logger.New("chromeSession"),
	}
	chromedp.ListenTarget(browserCtx, session.onEvent)

	if err := chromedp.Run(browserCtx,
		cdpbrowser.SetDownloadBehavior(cdpbrowser.SetDownloadBehaviorBehaviorAllowAndName).
			WithDownloadPath(absDir).
			WithEventsEnabled(true),
	); err != nil {
		_ = session.Close()
		return nil, log.Err("failed to start browser", err, "headless", l.headless)
	}

	log.Debug("Browser session started", "downloadDir", absDir)
	return session, nil
}

type chromeSession struct {
	ctx         context.Context
	cancel      context.CancelFunc
	allocCancel context.CancelFunc
	downloadDir string
	log         logger.Logger

	mu    sync.Mutex
	watch *chromeWatch
}

// run executes actions on the browser tab while honouring both the session
// lifetime and the caller's deadline.
func (s *chromeSession) run(ctx context.Context, actions ...chromedp.Action) error {
	runCtx, cancel := context.WithCancel(s.ctx)
	defer cancel()
	stop := context.AfterFunc(ctx, cancel)
	defer stop()

	err := chromedp.Run(runCtx, actions...)
	if err != nil && ctx.Err() != nil {
		return ctx.Err()
	}
	return err
}

func (s *chromeSession) Navigate(ctx context.Context, url string) error {
	return s.run(ctx, chromedp.Navigate(url))
}

func (s *chromeSession) WaitVisible(ctx context.Context, selector string) error {
	return s.run(ctx, chromedp.WaitVisible(selector, chromedp.ByQuery))
}

const selectOptionScript = `(function(selector, value) {
	const el = document.querySelector(selector);
	if (!el) { return "missing"; }
	const option = Array.from(el.options || []).find(
		(o) => o.value === value || o.textContent.trim() === value
	);
	if (!option) { return "no-option"; }
	el.value = option.value;
	el.dispatchEvent(new Event("input", { bubbles: true }));
	el.dispatchEvent(new Event("change", { bubbles: true }));
	return "ok";
})(%s, %s)`

func (s *chromeSession) SelectOption(ctx context.Context, selector, value string) error {
	selectorJSON, err := json.Marshal(selector)
	if err != nil {
		return err
	}
	valueJSON, err := json.Marshal(value)
	if err != nil {
		return err
	}

	var result string
	script := fmt.Sprintf(selectOptionScript, selectorJSON, valueJSON)
	if err := s.run(ctx,
		chromedp.WaitReady(selector, chromedp.ByQuery),
		chromedp.Evaluate(script, &result),
	); err != nil {
		return err
	}

	switch result {
	case "ok":
		return nil
	case "missing":
		return fmt.Errorf("%w: %s", ErrElementMissing, selector)
	default:
		return fmt.Errorf("%w: %q in %s", ErrOptionMissing, value, selector)
	}
}

func (s *chromeSession) FillInput(ctx context.Context, selector, value string) error {
	return s.run(ctx,
		chromedp.WaitVisible(selector, chromedp.ByQuery),
		chromedp.Clear(selector, chromedp.ByQuery),
		chromedp.SendKeys(selector, value+kb.Enter, chromedp.ByQuery),
	)
}

func (s *chromeSession) Click(ctx context.Context, selector string) error {
	return s.run(ctx, chromedp.Click(selector, chromedp.ByQuery, chromedp.NodeVisible))
}

func (s *chromeSession) HTML(ctx context.Context) (string, error) {
	var html string
	if err := s.run(ctx, chromedp.OuterHTML("html", &html, chromedp.ByQuery)); err != nil {
		return "", err
	}
	return html, nil
}

func (s *chromeSession) WatchDownload() DownloadWatch {
	watch := &chromeWatch{
		downloadDir: s.downloadDir,
		started:     make(chan Download, 1),
		finished:    make(chan downloadResult, 1),
	}

	s.mu.Lock()
	s.watch = watch
	s.mu.Unlock()

	return watch
}

// Close shuts the browser down. It is safe to call more than once.
func (s *chromeSession) Close() error {
	if err := chromedp.Cancel(s.ctx); err != nil {
		s.log.Function("Close").Warn("Graceful browser shutdown failed", "error", err)
	}
	s.cancel()
	s.allocCancel()
	return nil
}

func (s *chromeSession) onEvent(ev any) {
	s.mu.Lock()
	watch := s.watch
	s.mu.Unlock()
	if watch == nil {
		return
	}

	switch e := ev.(type) {
	case *cdpbrowser.EventDownloadWillBegin:
		watch.begin(Download{
			GUID:              e.GUID,
			URL:               e.URL,
			SuggestedFilename: e.SuggestedFilename,
		})
	case *cdpbrowser.EventDownloadProgress:
		switch e.State {
		case cdpbrowser.DownloadProgressStateCompleted:
			watch.finish(e.GUID, nil)
		case cdpbrowser.DownloadProgressStateCanceled:
			watch.finish(e.GUID, ErrDownloadCanceled)
		}
	}
}

type downloadResult struct {
	download Download
	err      error
}

type chromeWatch struct {
	downloadDir string
	started     chan Download
	finished    chan downloadResult

	mu       sync.Mutex
	download *Download
	done     bool
}

// begin records the first transfer seen after the watch was armed. Later
// transfers are ignored.
func (w *chromeWatch) begin(download Download) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.download != nil {
		return
	}
	w.download = &download
	w.started <- download
}

func (w *chromeWatch) finish(guid string, err error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.download == nil || w.download.GUID != guid || w.done {
		return
	}
	w.done = true

	download := *w.download
	if err == nil {
		download.Path = filepath.Join(w.downloadDir, guid)
	}
	w.finished <- downloadResult{download: download, err: err}
}

func (w *chromeWatch) Started(ctx context.Context) (Download, error) {
	select {
	case download := <-w.started:
		// Leave the value readable for repeated calls.
		w.started <- download
		return download, nil
	case <-ctx.Done():
		return Download{}, ctx.Err()
	}
}

func (w *chromeWatch) Completed(ctx context.Context) (Download, error) {
	select {
	case result := <-w.finished:
		w.finished <- result
		return result.download, result.err
	case <-ctx.Done():
		return Download{}, ctx.Err()
	}
}
