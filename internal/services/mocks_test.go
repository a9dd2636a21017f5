package services

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"opmsync/internal/browser"
	"opmsync/internal/huggingface"
	"opmsync/internal/models"

	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

type MockHubClient struct {
	mock.Mock
}

func (m *MockHubClient) WhoAmI(ctx context.Context) (*huggingface.WhoAmI, error) {
	args := m.Called(ctx)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*huggingface.WhoAmI), args.Error(1)
}

func (m *MockHubClient) DatasetExists(ctx context.Context, repoID string) (bool, error) {
	args := m.Called(ctx, repoID)
	return args.Bool(0), args.Error(1)
}

func (m *MockHubClient) ListFiles(ctx context.Context, repoID string) ([]string, error) {
	args := m.Called(ctx, repoID)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]string), args.Error(1)
}

func (m *MockHubClient) CreateDataset(ctx context.Context, repoID string) error {
	args := m.Called(ctx, repoID)
	return args.Error(0)
}

func (m *MockHubClient) UploadFile(
	ctx context.Context,
	repoID, localPath, pathInRepo, summary string,
) (*huggingface.CommitInfo, error) {
	args := m.Called(ctx, repoID, localPath, pathInRepo, summary)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*huggingface.CommitInfo), args.Error(1)
}

func (m *MockHubClient) SearchDatasets(ctx context.Context, author, search string) ([]string, error) {
	args := m.Called(ctx, author, search)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]string), args.Error(1)
}

type MockFetcher struct {
	mock.Mock
}

func (m *MockFetcher) Fetch(ctx context.Context, job models.Job) (FetchResult, error) {
	args := m.Called(ctx, job)
	return args.Get(0).(FetchResult), args.Error(1)
}

type MockConverter struct {
	mock.Mock
}

func (m *MockConverter) Convert(ctx context.Context, job models.Job, rawPath string) (ConversionResult, error) {
	args := m.Called(ctx, job, rawPath)
	return args.Get(0).(ConversionResult), args.Error(1)
}

type MockPublisher struct {
	mock.Mock
}

func (m *MockPublisher) Publish(ctx context.Context, job models.Job, columnarPath string) (PublishResult, error) {
	args := m.Called(ctx, job, columnarPath)
	return args.Get(0).(PublishResult), args.Error(1)
}

type MockRunHistory struct {
	mock.Mock
}

func (m *MockRunHistory) Create(ctx context.Context, record *models.RunRecord) error {
	args := m.Called(ctx, record)
	return args.Error(0)
}

// fakeInventory answers Exists from a fixed set of published jobs.
type fakeInventory struct {
	present map[models.Job]bool
	unknown map[models.Job]bool
	calls   int
}

func (f *fakeInventory) Exists(ctx context.Context, job models.Job) (InventoryState, error) {
	f.calls++
	if err := ctx.Err(); err != nil {
		return InventoryUnknown, err
	}
	switch {
	case f.unknown[job]:
		return InventoryUnknown, nil
	case f.present[job]:
		return InventoryPresent, nil
	default:
		return InventoryAbsent, nil
	}
}

// fakePortal mimics the downloads page: cards are keyed by job file stem and
// every completed download writes content into the session's directory.
type fakePortal struct {
	layout  browser.PortalLayout
	content string

	mu        sync.Mutex
	cards     map[string][]string
	stall     bool
	hang      bool
	launchErr error
	launches  int
	closed    int
	clicked   []string
}

func newFakePortal(content string) *fakePortal {
	return &fakePortal{
		layout:  browser.DefaultPortalLayout(),
		content: content,
		cards:   make(map[string][]string),
	}
}

func (p *fakePortal) publishCard(job models.Job, labels ...string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.cards[job.FileStem()] = append(p.cards[job.FileStem()], labels...)
}

func (p *fakePortal) Launch(_ context.Context, downloadDir string) (browser.Session, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.launches++
	if p.launchErr != nil {
		return nil, p.launchErr
	}
	return &fakeSession{portal: p, dir: downloadDir}, nil
}

func (p *fakePortal) stats() (launches, closed int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.launches, p.closed
}

type fakeSession struct {
	portal   *fakePortal
	dir      string
	dataType string
	start    string
	card     string
	watch    *fakeWatch
}

func (s *fakeSession) Navigate(ctx context.Context, _ string) error {
	return ctx.Err()
}

func (s *fakeSession) WaitVisible(ctx context.Context, _ string) error {
	s.portal.mu.Lock()
	hang := s.portal.hang
	s.portal.mu.Unlock()

	if hang {
		<-ctx.Done()
	}
	return ctx.Err()
}

func (s *fakeSession) SelectOption(_ context.Context, _ string, value string) error {
	s.dataType = strings.ToLower(value)
	return nil
}

func (s *fakeSession) FillInput(_ context.Context, selector, value string) error {
	if selector == s.portal.layout.StartDateSelector {
		s.start = value
	}
	return nil
}

func (s *fakeSession) HTML(_ context.Context) (string, error) {
	s.portal.mu.Lock()
	defer s.portal.mu.Unlock()

	month := strings.ReplaceAll(s.start, "-", "")
	if len(month) >= 6 {
		month = month[:6]
	}

	var b strings.Builder
	b.WriteString("<html><body>")
	for _, label := range s.portal.cards[s.dataType+"_"+month] {
		fmt.Fprintf(&b, `<button aria-label="%s%s"></button>`, s.portal.layout.CardLabelPrefix, label)
	}
	b.WriteString("</body></html>")
	return b.String(), nil
}

func (s *fakeSession) Click(_ context.Context, selector string) error {
	s.portal.mu.Lock()
	s.portal.clicked = append(s.portal.clicked, selector)
	stall := s.portal.stall
	s.portal.mu.Unlock()

	if selector != s.portal.layout.CSVOptionSelector {
		s.card = selector
		return nil
	}
	if s.watch == nil {
		return nil
	}

	guid := fmt.Sprintf("guid-%d", time.Now().UnixNano())
	s.watch.begin(browser.Download{GUID: guid, SuggestedFilename: "download.txt"})
	if stall {
		return nil
	}

	path := filepath.Join(s.dir, guid)
	if err := os.WriteFile(path, []byte(s.portal.content), 0o644); err != nil {
		return err
	}
	s.watch.finish(browser.Download{GUID: guid, Path: path})
	return nil
}

func (s *fakeSession) WatchDownload() browser.DownloadWatch {
	s.watch = &fakeWatch{started: make(chan struct{}), done: make(chan struct{})}
	return s.watch
}

func (s *fakeSession) Close() error {
	s.portal.mu.Lock()
	defer s.portal.mu.Unlock()
	s.portal.closed++
	return nil
}

type fakeWatch struct {
	started  chan struct{}
	done     chan struct{}
	download browser.Download
}

func (w *fakeWatch) begin(download browser.Download) {
	w.download = download
	close(w.started)
}

func (w *fakeWatch) finish(download browser.Download) {
	w.download = download
	close(w.done)
}

func (w *fakeWatch) Started(ctx context.Context) (browser.Download, error) {
	select {
	case <-w.started:
		return w.download, nil
	case <-ctx.Done():
		return browser.Download{}, ctx.Err()
	}
}

func (w *fakeWatch) Completed(ctx context.Context) (browser.Download, error) {
	select {
	case <-w.done:
		return w.download, nil
	case <-ctx.Done():
		return browser.Download{}, ctx.Err()
	}
}

func testDriverOptions() DriverOptions {
	opts := DefaultDriverOptions()
	opts.RenderTimeout = time.Second
	opts.OptionTimeout = 50 * time.Millisecond
	opts.TriggerTimeout = time.Second
	opts.DownloadBaseTimeout = 50 * time.Millisecond
	opts.DownloadPerMB = 0
	opts.RetrySchedule = nil
	opts.PollInterval = 5 * time.Millisecond
	return opts
}

func newTestScratch(t *testing.T) *ScratchService {
	t.Helper()
	root := t.TempDir()
	scratch := NewScratchService(filepath.Join(root, "downloads"), filepath.Join(root, "parquet"))
	require.NoError(t, scratch.Prepare())
	return scratch
}

func writeFile(t *testing.T, path, content string) {
	t.Helper()
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
}

func month(t *testing.T, value string) models.MonthKey {
	t.Helper()
	key, err := models.ParseMonthKey(value)
	require.NoError(t, err)
	return key
}
