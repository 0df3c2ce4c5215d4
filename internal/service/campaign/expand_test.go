package campaign_test

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/emberline/dispatch/internal/domain"
	"github.com/emberline/dispatch/internal/repository/memory"
	"github.com/emberline/dispatch/internal/service/campaign"
)

// pagedSource replays canned contact pages; failAfter aborts the walk
// after that many pages with an error, mimicking a CRM paging failure.
type pagedSource struct {
	pages     [][]domain.Contact
	failAfter int // 0 = never fail
	calls     int
}

func (p *pagedSource) FetchMatchingContacts(ctx context.Context, filterJSON string, onPage func(context.Context, []domain.Contact) error) error {
	p.calls++
	for i, page := range p.pages {
		if p.failAfter > 0 && i == p.failAfter {
			return fmt.Errorf("cursor expired")
		}
		if err := onPage(ctx, page); err != nil {
			return err
		}
	}
	return nil
}

type tickRecorder struct {
	ticks      []string
	expansions []string
}

func (r *tickRecorder) ScheduleTick(ctx context.Context, campaignID string, delay time.Duration) error {
	r.ticks = append(r.ticks, campaignID)
	return nil
}

func (r *tickRecorder) ScheduleExpansion(ctx context.Context, campaignID string) error {
	r.expansions = append(r.expansions, campaignID)
	return nil
}

func contactPage(start, n int) []domain.Contact {
	out := make([]domain.Contact, n)
	for i := range out {
		out[i] = domain.Contact{
			ID:       fmt.Sprintf("c%d", start+i),
			FullName: fmt.Sprintf("Contact %d", start+i),
			Email:    fmt.Sprintf("c%d@example.com", start+i),
		}
	}
	return out
}

type expandFixture struct {
	svc       *campaign.Service
	campaigns *memory.CampaignRepo
	batches   *memory.BatchRepo
	messages  *memory.MessageRepo
	source    *pagedSource
	sched     *tickRecorder
}

func newExpandFixture(t *testing.T, filterJSON string, source *pagedSource) *expandFixture {
	t.Helper()
	f := &expandFixture{
		campaigns: memory.NewCampaignRepo(),
		batches:   memory.NewBatchRepo(),
		messages:  memory.NewMessageRepo(),
		source:    source,
		sched:     &tickRecorder{},
	}
	f.svc = campaign.NewService(f.campaigns, f.batches, f.messages, f.sched, source, 0)
	require.NoError(t, f.campaigns.Create(context.Background(), &domain.Campaign{
		ID:          "camp-1",
		Name:        "Filtered",
		Channel:     domain.ChannelEmail,
		Status:      domain.CampaignQueued,
		Subject:     "Hi",
		HTMLContent: "<p>x</p>",
		FilterJSON:  filterJSON,
	}))
	return f
}

func TestExpandFilterCreatesBatchesPerPage(t *testing.T) {
	source := &pagedSource{pages: [][]domain.Contact{
		contactPage(1, 600),
		contactPage(601, 600),
		contactPage(1201, 50),
	}}
	f := newExpandFixture(t, `{"segment":"active"}`, source)
	ctx := context.Background()

	require.NoError(t, f.svc.ExpandFilter(ctx, "camp-1"))

	// 600 + 600 + 50 recipients in 500-sized batches created page by
	// page: 2 + 2 + 1.
	list, err := f.batches.ListByCampaign(ctx, "camp-1")
	require.NoError(t, err)
	require.Len(t, list, 5)
	for i, b := range list {
		assert.Equal(t, i+1, b.BatchNumber)
		assert.Equal(t, 5, b.TotalBatches)
	}

	camp, err := f.campaigns.Get(ctx, "camp-1")
	require.NoError(t, err)
	assert.Equal(t, 1250, camp.TotalRecipients, "provisional total corrected after exhaustion")
	assert.Equal(t, 5, camp.TotalBatches)
	assert.Equal(t, 1250, f.messages.Count("camp-1"))

	assert.Equal(t, []string{"camp-1"}, f.sched.ticks, "exactly one tick, after full expansion")
}

func TestExpandFilterNoMatchesSchedulesNothing(t *testing.T) {
	f := newExpandFixture(t, `{"segment":"empty"}`, &pagedSource{})
	ctx := context.Background()

	require.NoError(t, f.svc.ExpandFilter(ctx, "camp-1"))

	camp, err := f.campaigns.Get(ctx, "camp-1")
	require.NoError(t, err)
	assert.Equal(t, 0, camp.TotalRecipients)
	assert.Empty(t, f.sched.ticks)
}

func TestExpandFilterMalformedFilterIsFatal(t *testing.T) {
	source := &pagedSource{pages: [][]domain.Contact{contactPage(1, 10)}}
	f := newExpandFixture(t, `{not json`, source)

	err := f.svc.ExpandFilter(context.Background(), "camp-1")
	require.Error(t, err)
	assert.Equal(t, 0, source.calls, "the CRM must not be queried for a malformed filter")
	assert.Empty(t, f.sched.ticks)

	// The campaign is left stuck in queued; no cleanup, no retry.
	camp, getErr := f.campaigns.Get(context.Background(), "camp-1")
	require.NoError(t, getErr)
	assert.Equal(t, domain.CampaignQueued, camp.Status)
}

func TestExpandFilterPagingErrorAbortsWithoutCleanup(t *testing.T) {
	source := &pagedSource{
		pages:     [][]domain.Contact{contactPage(1, 600), contactPage(601, 600)},
		failAfter: 1,
	}
	f := newExpandFixture(t, `{"segment":"active"}`, source)
	ctx := context.Background()

	err := f.svc.ExpandFilter(ctx, "camp-1")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "cursor expired")

	// Batches from the first page remain pending and orphaned; no tick
	// is ever scheduled and the provisional total stands.
	list, listErr := f.batches.ListByCampaign(ctx, "camp-1")
	require.NoError(t, listErr)
	assert.Len(t, list, 2)
	for _, b := range list {
		assert.Equal(t, domain.BatchPending, b.Status)
	}
	assert.Empty(t, f.sched.ticks)

	camp, getErr := f.campaigns.Get(ctx, "camp-1")
	require.NoError(t, getErr)
	assert.Equal(t, 0, camp.TotalRecipients)
}

func TestExpandFilterWithoutFilterOrSource(t *testing.T) {
	f := newExpandFixture(t, "", &pagedSource{})
	err := f.svc.ExpandFilter(context.Background(), "camp-1")
	require.Error(t, err)

	svc := campaign.NewService(f.campaigns, f.batches, f.messages, f.sched, nil, 0)
	require.NoError(t, f.campaigns.Create(context.Background(), &domain.Campaign{
		ID: "camp-2", Name: "x", Channel: domain.ChannelEmail,
		Status: domain.CampaignQueued, FilterJSON: `{"a":1}`,
	}))
	err = svc.ExpandFilter(context.Background(), "camp-2")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "no contact source")
}
