package browser

import (
	"context"
	"errors"
)

// Launcher starts a fresh browser session whose downloads land in downloadDir.
type Launcher interface {
	Launch(ctx context.Context, downloadDir string) (Session, error)
}

// Session is an explicit handle on one browser page. Every method is bounded by
// the supplied context. A session is not safe for concurrent use.
type Session interface {
	Navigate(ctx context.Context, url string) error
	WaitVisible(ctx context.Context, selector string) error
	SelectOption(ctx context.Context, selector, value string) error
	FillInput(ctx context.Context, selector, value string) error
	Click(ctx context.Context, selector string) error
	HTML(ctx context.Context) (string, error)
	// WatchDownload arms a watch for the next transfer the browser starts.
	// It must be called before the action that triggers the download.
	WatchDownload() DownloadWatch
	Close() error
}

// DownloadWatch follows a single transfer through browser runtime events.
type DownloadWatch interface {
	Started(ctx context.Context) (Download, error)
	Completed(ctx context.Context) (Download, error)
}

type Download struct {
	GUID              string
	URL               string
	SuggestedFilename string
	// Path is the file the browser wrote, set once the transfer completes.
	Path string
}

var (
	ErrElementMissing   = errors.New("element not found")
	ErrOptionMissing    = errors.New("option not found")
	ErrDownloadCanceled = errors.New("download canceled by browser")
)

// PortalLayout holds the site specific selectors of the data downloads page.
type PortalLayout struct {
	URL                string
	StartDateSelector  string
	EndDateSelector    string
	DataSourceSelector string
	CardSelector       string
	CardLabelPrefix    string
	CSVOptionSelector  string
}

func DefaultPortalLayout() PortalLayout {
	return PortalLayout{
		URL:                "https://data.opm.gov/explore-data/data/data-downloads",
		StartDateSelector:  `input[aria-label="Select start date"]`,
		EndDateSelector:    `input[aria-label="Select end date"]`,
		DataSourceSelector: "#data-sources",
		CardSelector:       `button[aria-label^="Download options for"]`,
		CardLabelPrefix:    "Download options for ",
		CSVOptionSelector:  `[aria-label*="CSV"]`,
	}
}

// WithOverrides returns a copy of the layout with every non-empty field of
// overrides applied.
func (l PortalLayout) WithOverrides(overrides PortalLayout) PortalLayout {
	if overrides.URL != "" {
		l.URL = overrides.URL
	}
	if overrides.StartDateSelector != "" {
		l.StartDateSelector = overrides.StartDateSelector
	}
	if overrides.EndDateSelector != "" {
		l.EndDateSelector = overrides.EndDateSelector
	}
	if overrides.DataSourceSelector != "" {
		l.DataSourceSelector = overrides.DataSourceSelector
	}
	if overrides.CardSelector != "" {
		l.CardSelector = overrides.CardSelector
	}
	if overrides.CardLabelPrefix != "" {
		l.CardLabelPrefix = overrides.CardLabelPrefix
	}
	if overrides.CSVOptionSelector != "" {
		l.CSVOptionSelector = overrides.CSVOptionSelector
	}
	return l
}
