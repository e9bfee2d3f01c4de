package indiatoday

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/oreusol/pangolin/internal/crawler"
)

const frontPageHTML = `<html><body>
<article><div><div><a title="Empty link story"></a><div><p>no url here</p></div></div></div></article>
<article><div><div>
  <a title="Man held for theft" href="/crime/story/man-held-for-theft-1"></a>
  <div><p>Police arrested a man.</p></div>
</div></div></article>
</body></html>`

const storyHTML = `<html><body>
<span class="jsx-ace90f4eca22afc7 Story_stryloction__IUgpi">New Delhi</span>
<span class="jsx-ace90f4eca22afc7 strydate">UPDATED: Jun 21, 2024 18:40 IST</span>
<span class="jsx-ace90f4eca22afc7 strydate">Jun 21, 2024 10:00 IST</span>
</body></html>`

func newTestParser(t *testing.T) (*Parser, *crawler.CrawlState) {
	t.Helper()
	session, err := crawler.NewSession(time.Unix(0, 0))
	require.NoError(t, err)
	state := session.State(crawler.SiteIndiaToday)
	return New(Options{}, state, zap.NewNop()), state
}

func detailFetches(fetches []crawler.PendingFetch) []crawler.PendingFetch {
	var out []crawler.PendingFetch
	for _, f := range fetches {
		if f.Continuation.Stage == crawler.StageStoryDetail {
			out = append(out, f)
		}
	}
	return out
}

func TestFrontPageEmitsDetailAndFirstAjaxPage(t *testing.T) {
	t.Parallel()

	p, state := newTestParser(t)
	tr, err := p.FrontPage(crawler.Response{URL: "https://www.indiatoday.in/crime", Body: []byte(frontPageHTML)})
	require.NoError(t, err)
	require.Empty(t, tr.Records)

	details := detailFetches(tr.Fetches)
	require.Len(t, details, 1)
	detail := details[0]
	assert.Equal(t, "https://www.indiatoday.in/crime/story/man-held-for-theft-1", detail.URL)
	require.NotNil(t, detail.Continuation.Partial)
	assert.Equal(t, crawler.Record{
		Source:      Source,
		Title:       "Man held for theft",
		Description: "Police arrested a man.",
		URL:         "https://www.indiatoday.in/crime/story/man-held-for-theft-1",
	}, detail.Continuation.Partial.Record)

	ajax := tr.Fetches[len(tr.Fetches)-1]
	assert.Equal(t, crawler.StageAjaxPage, ajax.Continuation.Stage)
	assert.Equal(t, 1, ajax.Continuation.Page)
	assert.Equal(t, DefaultAjaxURL, ajax.URL)
	assert.Equal(t, "1", ajax.Query.Get("page"))
	assert.Equal(t, DefaultPagePath, ajax.Query.Get("pagepath"))
	assert.Equal(t, DefaultPageType, ajax.Query.Get("pagetype"))

	require.NotEmpty(t, tr.Misses)
	assert.Equal(t, "url", tr.Misses[0].Field)
	assert.Equal(t, 1, state.Stats().Clicks)
}

func TestFrontPageWithoutArticlesStillLoadsMore(t *testing.T) {
	t.Parallel()

	p, _ := newTestParser(t)
	tr, err := p.FrontPage(crawler.Response{URL: "https://www.indiatoday.in/crime", Body: []byte("<html></html>")})
	require.NoError(t, err)
	require.Len(t, tr.Fetches, 1)
	assert.Equal(t, crawler.StageAjaxPage, tr.Fetches[0].Continuation.Stage)
}

func TestContinueFollowsLoadMoreFlag(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name     string
		body     string
		page     int
		details  int
		nextPage int
	}{
		{
			name:     "more pages",
			body:     `{"data":{"content":[{"title":"A","description_short":"a","canonical_url":"https://www.indiatoday.in/crime/story/a"},{"title":"B","canonical_url":""}],"is_load_more":1}}`,
			page:     1,
			details:  1,
			nextPage: 2,
		},
		{
			name:    "last page",
			body:    `{"data":{"content":[{"title":"C","canonical_url":"https://www.indiatoday.in/crime/story/c"}],"is_load_more":0}}`,
			page:    4,
			details: 1,
		},
		{
			name:     "string flag",
			body:     `{"data":{"content":[],"is_load_more":"1"}}`,
			page:     2,
			nextPage: 3,
		},
		{
			name: "missing flag",
			body: `{"data":{"content":[]}}`,
			page: 7,
		},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()

			p, state := newTestParser(t)
			cont := crawler.Continuation{Site: crawler.SiteIndiaToday, Stage: crawler.StageAjaxPage, Page: tc.page}
			tr, err := p.Continue(crawler.Response{URL: DefaultAjaxURL, Body: []byte(tc.body)}, cont)
			require.NoError(t, err)

			assert.Len(t, detailFetches(tr.Fetches), tc.details)
			var ajax []crawler.PendingFetch
			for _, f := range tr.Fetches {
				if f.Continuation.Stage == crawler.StageAjaxPage {
					ajax = append(ajax, f)
				}
			}
			if tc.nextPage == 0 {
				assert.Empty(t, ajax)
			} else {
				require.Len(t, ajax, 1)
				assert.Equal(t, tc.nextPage, ajax[0].Continuation.Page)
			}
			assert.Equal(t, tc.page, state.Stats().LoadMoreClicks)
			assert.Equal(t, tc.page, state.Stats().PageCursor)
		})
	}
}

func TestContinueRejectsBadPayloadAndStage(t *testing.T) {
	t.Parallel()

	p, _ := newTestParser(t)
	_, err := p.Continue(crawler.Response{Body: []byte("<html>")}, crawler.Continuation{Stage: crawler.StageAjaxPage, Page: 1})
	require.Error(t, err)

	_, err = p.Continue(crawler.Response{Body: []byte("{}")}, crawler.Continuation{Stage: crawler.StageRendered})
	require.Error(t, err)
}

func TestStoryDetailCompletesRecord(t *testing.T) {
	t.Parallel()

	p, state := newTestParser(t)
	partial := &crawler.RawRecord{Record: crawler.Record{Source: Source, Title: "T", URL: "https://www.indiatoday.in/crime/story/t"}}
	cont := crawler.Continuation{Site: crawler.SiteIndiaToday, Stage: crawler.StageStoryDetail, Partial: partial}

	tr, err := p.StoryDetail(crawler.Response{URL: partial.URL, Body: []byte(storyHTML)}, cont)
	require.NoError(t, err)
	require.Len(t, tr.Records, 1)
	rec := tr.Records[0]
	assert.Equal(t, "New Delhi", rec.Location)
	assert.Equal(t, []string{"UPDATED: Jun 21, 2024 18:40 IST", "Jun 21, 2024 10:00 IST"}, rec.Dates)
	assert.Equal(t, "T", rec.Title)
	assert.Empty(t, tr.Fetches)
	assert.Empty(t, tr.Misses)
	assert.Equal(t, 1, state.Stats().Clicks)

	assert.Empty(t, partial.Location, "carried record must not be mutated")
}

func TestStoryDetailCountsMissingFields(t *testing.T) {
	t.Parallel()

	p, _ := newTestParser(t)
	cont := crawler.Continuation{Stage: crawler.StageStoryDetail, Partial: &crawler.RawRecord{}}
	tr, err := p.StoryDetail(crawler.Response{Body: []byte("<html><body></body></html>")}, cont)
	require.NoError(t, err)
	require.Len(t, tr.Records, 1)
	assert.Len(t, tr.Misses, 2)

	_, err = p.StoryDetail(crawler.Response{Body: []byte("<html></html>")}, crawler.Continuation{Stage: crawler.StageStoryDetail})
	require.Error(t, err)
}

func TestLoadMoreFlag(t *testing.T) {
	t.Parallel()

	assert.True(t, loadMore([]byte("1")))
	assert.True(t, loadMore([]byte(`"1"`)))
	assert.True(t, loadMore([]byte("true")))
	assert.False(t, loadMore([]byte("0")))
	assert.False(t, loadMore(nil))
}
