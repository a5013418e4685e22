package main

import (
	"bytes"
	"context"
	"errors"
	"io"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/manga-aggregator/internal/catalog"
	"github.com/JakeFAU/manga-aggregator/internal/orchestrator"
	"github.com/JakeFAU/manga-aggregator/internal/server"
	"github.com/JakeFAU/manga-aggregator/internal/source"
	"github.com/JakeFAU/manga-aggregator/internal/store"
	"github.com/JakeFAU/manga-aggregator/internal/strategy"
)

type fakeApp struct {
	filter   source.Filter
	gotLimit source.Filter
	summary  orchestrator.Summary
	crawlErr error
	fetchReq strategy.Request
	closed   int
	ran      bool
}

func (f *fakeApp) Run(context.Context) error {
	f.ran = true
	return nil
}

func (f *fakeApp) Crawl(_ context.Context, filter source.Filter) (orchestrator.Summary, error) {
	f.gotLimit = filter
	return f.summary, f.crawlErr
}

func (f *fakeApp) Sources() []server.SourceInfo {
	return []server.SourceInfo{
		{Source: catalog.Source{ID: 1, Name: "MangaDex", BaseURL: "https://mangadex.org", Enabled: true}, Strategy: strategy.Direct},
		{Source: catalog.Source{ID: 2, Name: "Asura", BaseURL: "https://asura.example"}, Strategy: strategy.Browser},
	}
}

func (f *fakeApp) Fetch(_ context.Context, req strategy.Request) (strategy.Result, error) {
	f.fetchReq = req
	return strategy.Result{
		URL:        req.URL,
		StatusCode: 200,
		Strategy:   strategy.Resilient,
		Used:       strategy.Browser,
		Escalated:  true,
		Reason:     "status 403",
		Attempts:   2,
		Body:       []byte("<html></html>"),
	}, nil
}

func (f *fakeApp) DefaultFilter() source.Filter { return f.filter }

func (f *fakeApp) Close(context.Context) { f.closed++ }

// execute runs the root command against app and returns stdout and the
// progress writer handed to the factory.
func execute(t *testing.T, app *fakeApp, args ...string) (string, io.Writer, error) {
	t.Helper()
	var progressOut io.Writer
	orig := newApp
	newApp = func(_ context.Context, _ string, out io.Writer) (application, error) {
		progressOut = out
		return app, nil
	}
	t.Cleanup(func() { newApp = orig })

	var stdout, stderr bytes.Buffer
	cmd := newRootCmd()
	cmd.SetOut(&stdout)
	cmd.SetErr(&stderr)
	cmd.SetArgs(args)
	err := cmd.ExecuteContext(context.Background())
	return stdout.String(), progressOut, err
}

func TestCrawlCommandPrintsSummary(t *testing.T) {
	app := &fakeApp{
		filter: source.Filter{Include: []int{1, 2}},
		summary: orchestrator.Summary{
			RunID:    "run-1",
			Status:   store.RunSuccess,
			Entries:  12,
			Links:    15,
			Chapters: 300,
			Sources: []orchestrator.SourceSummary{
				{SourceID: 1, Name: "MangaDex", Fetched: 10, Merged: 10, Chapters: 300, Duration: 2 * time.Second},
				{SourceID: 2, Name: "Asura", Error: "status 503"},
			},
		},
	}
	out, progressOut, err := execute(t, app, "crawl")
	require.NoError(t, err)
	require.NotNil(t, progressOut)
	require.Equal(t, source.Filter{Include: []int{1, 2}}, app.gotLimit)
	require.Contains(t, out, "run run-1: success")
	require.Contains(t, out, "entries=12 links=15 chapters=300 failed_sources=1")
	require.Contains(t, out, "status 503")
	require.Equal(t, 1, app.closed)
}

func TestCrawlCommandFlagsOverrideConfig(t *testing.T) {
	app := &fakeApp{filter: source.Filter{Include: []int{1}, Exclude: []int{9}}}
	_, progressOut, err := execute(t, app, "crawl", "--include", "3,4", "--no-progress")
	require.NoError(t, err)
	require.Nil(t, progressOut)
	require.Equal(t, source.Filter{Include: []int{3, 4}, Exclude: []int{9}}, app.gotLimit)
}

func TestCrawlCommandExitCodes(t *testing.T) {
	app := &fakeApp{crawlErr: &store.PersistenceError{Op: "commit", Err: errors.New("disk full")}}
	_, _, err := execute(t, app, "crawl", "--no-progress")
	require.ErrorContains(t, err, "crawl failed")
	require.Equal(t, 1, app.closed, "services are released after a failed run")

	app = &fakeApp{crawlErr: orchestrator.ErrCanceled, summary: orchestrator.Summary{Status: store.RunCanceled}}
	out, _, err := execute(t, app, "crawl", "--no-progress")
	require.NoError(t, err)
	require.Contains(t, out, "canceled")

	app = &fakeApp{crawlErr: orchestrator.ErrNoSources}
	_, _, err = execute(t, app, "crawl", "--exclude", "1")
	require.ErrorIs(t, err, orchestrator.ErrNoSources)
}

func TestSourcesCommand(t *testing.T) {
	out, progressOut, err := execute(t, &fakeApp{}, "sources")
	require.NoError(t, err)
	require.Nil(t, progressOut)
	require.Contains(t, out, "MangaDex")
	require.Contains(t, out, "direct")
	require.Contains(t, out, "browser")
	require.Contains(t, out, "false")
}

func TestFetchCommand(t *testing.T) {
	app := &fakeApp{}
	out, _, err := execute(t, app, "fetch", "https://asura.example/series", "--strategy", "browser", "--wait-selector", "div.grid")
	require.NoError(t, err)
	require.True(t, app.fetchReq.Force)
	require.Equal(t, strategy.Browser, app.fetchReq.Strategy)
	require.Equal(t, "div.grid", app.fetchReq.Render.WaitSelector)
	require.Contains(t, out, "status:    200")
	require.Contains(t, out, "escalated: status 403")
	require.Contains(t, out, "bytes:     13")

	_, _, err = execute(t, &fakeApp{}, "fetch", "https://x.example", "--strategy", "teleport")
	require.ErrorContains(t, err, "unknown strategy")

	_, _, err = execute(t, &fakeApp{}, "fetch")
	require.Error(t, err)
}

func TestServeCommand(t *testing.T) {
	app := &fakeApp{}
	_, _, err := execute(t, app, "serve")
	require.NoError(t, err)
	require.True(t, app.ran)
	require.Equal(t, 1, app.closed)
}

func TestFactoryErrorIsReported(t *testing.T) {
	orig := newApp
	newApp = func(context.Context, string, io.Writer) (application, error) {
		return nil, errors.New("bad config")
	}
	t.Cleanup(func() { newApp = orig })

	cmd := newRootCmd()
	cmd.SetOut(io.Discard)
	cmd.SetErr(io.Discard)
	cmd.SetArgs([]string{"sources"})
	require.ErrorContains(t, cmd.ExecuteContext(context.Background()), "bad config")
}
