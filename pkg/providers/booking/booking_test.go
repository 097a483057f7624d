package booking

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/wilhg/tenantsnap/pkg/providers/tabular"
	"github.com/wilhg/tenantsnap/pkg/providers/tabular/tabulartest"
	"github.com/wilhg/tenantsnap/pkg/providers/workboard"
	"github.com/wilhg/tenantsnap/pkg/snapshot"
	"github.com/wilhg/tenantsnap/pkg/store/entstore"
	"github.com/wilhg/tenantsnap/pkg/store/entstore/entstoretest"
)

func seed(t *testing.T, st *entstore.Store, ws string, s *Settings) {
	t.Helper()
	_, err := tabular.NewDB(st.Driver()).Restore(context.Background(), ws,
		tabular.Single(&settings, s, tabular.WorkspaceColumn),
		tabular.Rows(&vendors, []Vendor{{ID: ws + "-v1", Name: "Studio A", Email: "a@example.com", CreatedAt: 1}}),
		tabular.Rows(&services, []Service{{ID: ws + "-s1", VendorID: ws + "-v1", Name: "Portrait", DurationMinutes: 60, PriceCents: 12000}}),
		tabular.Rows(&bookings, []Booking{
			{ID: ws + "-b1", ServiceID: ws + "-s1", TaskID: "t1", CustomerName: "Kim", Status: "confirmed", StartsAt: 100, EndsAt: 160},
			{ID: ws + "-b2", ServiceID: ws + "-s1", CustomerName: "Lee", Status: "pending", StartsAt: 200, EndsAt: 260},
		}),
	)
	require.NoError(t, err)
}

func read(t *testing.T, st *entstore.Store, ws string) Data {
	t.Helper()
	d, _, err := New(st.Driver()).read(context.Background(), ws, false)
	require.NoError(t, err)
	return d
}

func TestDescribeDependsOnWorkboard(t *testing.T) {
	d := New(nil).Describe()
	assert.Equal(t, []string{workboard.ID}, d.DependsOn)
	assert.False(t, d.Critical)
	assert.NotEmpty(t, d.DataSchema)
}

func TestRoundTripIsolatedIdempotent(t *testing.T) {
	ctx := context.Background()
	st := entstoretest.Open(t, Tables()...)
	seed(t, st, "w1", &Settings{Enabled: true, Timezone: "Europe/Berlin"})
	seed(t, st, "w2", nil)
	p := New(st.Driver())

	f, err := p.Capture(ctx, "w1")
	require.NoError(t, err)
	assert.Equal(t, 5, f.Metadata.EntityCount)
	before := read(t, st, "w1")
	other := read(t, st, "w2")

	_, err = tabular.NewDB(st.Driver()).Restore(ctx, "w1",
		tabular.Single[Settings](&settings, nil), tabular.Rows(&bookings, []Booking{}))
	require.NoError(t, err)

	diff, err := p.Diff(ctx, "w1", f)
	require.NoError(t, err)
	creates, _, _ := diff.Totals()
	assert.Equal(t, 3, creates)

	for range 2 {
		n, err := p.Restore(ctx, "w1", f)
		require.NoError(t, err)
		assert.Equal(t, 5, n)
	}
	assert.Equal(t, before, read(t, st, "w1"))
	assert.Equal(t, other, read(t, st, "w2"))
	assert.Equal(t, "t1", read(t, st, "w1").Bookings[1].TaskID)
}

func TestEnabled(t *testing.T) {
	ctx := context.Background()
	st := entstoretest.Open(t, Tables()...)
	p := New(st.Driver())

	on, err := p.Enabled(ctx, "fresh")
	require.NoError(t, err)
	assert.True(t, on, "tenants without settings are enabled")

	seed(t, st, "off", &Settings{Enabled: false, Timezone: "UTC"})
	on, err = p.Enabled(ctx, "off")
	require.NoError(t, err)
	assert.False(t, on)
}

func TestBookingCapAndFailure(t *testing.T) {
	ctx := context.Background()
	st := entstoretest.Open(t, Tables()...)
	seed(t, st, "w1", nil)

	f, err := New(st.Driver(), WithRowCap(1)).Capture(ctx, "w1")
	require.NoError(t, err)
	assert.Equal(t, map[string]int{"bookings": 1}, f.Truncations())

	_, err = New(tabulartest.Wrap(st.Driver(), "DELETE", "booking_services")).Restore(ctx, "w1", f)
	require.ErrorIs(t, err, tabulartest.ErrInjected)
	assert.Contains(t, err.Error(), "booking_services: delete")
	assert.Len(t, read(t, st, "w1").Bookings, 2, "bookings delete rolled back")
}

func TestDiffUnderRowCapSeesEveryCurrentBooking(t *testing.T) {
	ctx := context.Background()
	st := entstoretest.Open(t, Tables()...)
	seed(t, st, "w1", nil)
	p := New(st.Driver(), WithRowCap(2))

	f, err := p.Capture(ctx, "w1")
	require.NoError(t, err)
	require.Empty(t, f.Truncations())

	_, err = bookings.Insert(ctx, tabular.NewDB(st.Driver()).Conn(), "w1", []Booking{
		{ID: "w1-b3", ServiceID: "w1-s1", CustomerName: "Ada", Status: "pending", StartsAt: 300, EndsAt: 360},
		{ID: "w1-b4", ServiceID: "w1-s1", CustomerName: "Bo", Status: "pending", StartsAt: 400, EndsAt: 460},
	})
	require.NoError(t, err)

	diff, err := p.Diff(ctx, "w1", f)
	require.NoError(t, err)
	var got snapshot.EntityDiff
	for _, e := range diff.Entities {
		if e.Entity == "bookings" {
			got = e
		}
	}
	assert.Equal(t, snapshot.EntityDiff{Entity: "bookings", Unchanged: 2, Deletes: 2}, got)

	_, err = p.Restore(ctx, "w1", f)
	require.NoError(t, err)
	assert.Len(t, read(t, st, "w1").Bookings, 2)
}
