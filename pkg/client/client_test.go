package client_test

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"

	"github.com/cenkalti/backoff/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/wilhg/tenantsnap/pkg/client"
	"github.com/wilhg/tenantsnap/pkg/engine"
	"github.com/wilhg/tenantsnap/pkg/errmodel"
	"github.com/wilhg/tenantsnap/pkg/httpapi"
	"github.com/wilhg/tenantsnap/pkg/providers"
	"github.com/wilhg/tenantsnap/pkg/store/entstore/entstoretest"
)

func noWait() backoff.BackOff { return &backoff.ZeroBackOff{} }

func TestClientAgainstServer(t *testing.T) {
	ctx := context.Background()
	st := entstoretest.Open(t, providers.Tables()...)
	reg, err := providers.Default(st.Driver(), providers.Config{})
	require.NoError(t, err)
	o, err := engine.New(reg, st)
	require.NoError(t, err)
	srv := httptest.NewServer(httpapi.New(o).Handler())
	defer srv.Close()

	require.NoError(t, st.Driver().Exec(ctx,
		`INSERT INTO billing_invoices (id, workspace_id, number, status, currency, amount_cents, pdf_url, issued_at) VALUES ('i1', 'w1', 'INV-1', 'paid', 'EUR', 1200, 's3://invoices/i1.pdf', 5)`, []any{}, nil))

	c := client.New(srv.URL+"/", "w1", "alice", client.WithBackOff(noWait))

	ps, err := c.Providers(ctx)
	require.NoError(t, err)
	assert.Len(t, ps, 4)

	snap, err := c.Capture(ctx, "before import")
	require.NoError(t, err)
	require.NotEmpty(t, snap.SnapshotID)

	list, err := c.List(ctx, 0)
	require.NoError(t, err)
	require.Len(t, list, 1)
	assert.Equal(t, "alice", list[0].CreatedBy)
	assert.Equal(t, "before import", list[0].Reason)

	exp, err := c.Export(ctx, snap.SnapshotID)
	require.NoError(t, err)
	f, ok := exp.Payload.Fragment("billing")
	require.True(t, ok)
	assert.Contains(t, string(f.Data), "s3://invoices/i1.pdf")

	pr, err := c.Preview(ctx, snap.SnapshotID)
	require.NoError(t, err)
	require.True(t, pr.Preview.CanExecute)

	res, err := c.Restore(ctx, snap.SnapshotID, pr.ConfirmationToken)
	require.NoError(t, err)
	assert.Equal(t, engine.StateDone, res.State)
	assert.Equal(t, 1, res.RestoredCounts["billing"])

	res, err = c.Restore(ctx, snap.SnapshotID, pr.ConfirmationToken)
	require.Error(t, err)
	assert.True(t, errmodel.IsExecutionDenied(err))
	assert.Equal(t, engine.StateDenied, res.State)

	other := client.New(srv.URL, "w2", "bob", client.WithBackOff(noWait))
	_, err = other.Export(ctx, snap.SnapshotID)
	var se *client.StatusError
	require.ErrorAs(t, err, &se)
	assert.Equal(t, http.StatusNotFound, se.Status)
	assert.True(t, errmodel.IsCode(err, errmodel.CodeNotFound))
}

func TestReadOnlyCallsRetryServerErrors(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) < 3 {
			http.Error(w, "unavailable", http.StatusServiceUnavailable)
			return
		}
		assert.Equal(t, "w1", r.Header.Get("X-Workspace-ID"))
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"snapshots":[{"id":"s1","workspace_id":"w1","snapshot_type":"manual","created_by":"a","engine_version":1,"created_at":"2026-01-01T00:00:00Z"}]}`))
	}))
	defer srv.Close()

	list, err := client.New(srv.URL, "w1", "a", client.WithBackOff(noWait)).List(context.Background(), 5)
	require.NoError(t, err)
	require.Len(t, list, 1)
	assert.Equal(t, "s1", list[0].ID)
	assert.Equal(t, int32(3), calls.Load())
}

func TestClientErrorsAreNotRetried(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		errmodel.WriteHTTP(w, r, errmodel.Validation("invalid_request", "bad limit", nil))
	}))
	defer srv.Close()

	_, err := client.New(srv.URL, "w1", "a", client.WithBackOff(noWait)).List(context.Background(), 1)
	require.Error(t, err)
	assert.True(t, errmodel.IsCategory(err, errmodel.CategoryValidation))
	assert.Equal(t, int32(1), calls.Load())
}

func TestRestoreIsNotRetried(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		errmodel.WriteHTTPWith(w, r, errmodel.RestoreFailure("restore PARTIAL: failed billing", nil),
			map[string]any{"result": engine.RestoreResult{SnapshotID: "s1", State: engine.StatePartial, RestoredCounts: map[string]int{"workboard": 3}}})
	}))
	defer srv.Close()

	res, err := client.New(srv.URL, "w1", "a", client.WithBackOff(noWait)).Restore(context.Background(), "s1", "tok")
	require.Error(t, err)
	assert.True(t, errmodel.IsCode(err, errmodel.CodeRestoreFailure))
	assert.Equal(t, engine.StatePartial, res.State)
	assert.Equal(t, 3, res.RestoredCounts["workboard"])
	assert.Equal(t, int32(1), calls.Load())
}

func TestUndecodableResponseIsNotRetried(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"snapshots":`))
	}))
	defer srv.Close()

	_, err := client.New(srv.URL, "w1", "a", client.WithBackOff(noWait)).List(context.Background(), 1)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "decode /snapshots")
	assert.Equal(t, int32(1), calls.Load())
}

type failingTransport struct{ calls atomic.Int32 }

func (f *failingTransport) RoundTrip(*http.Request) (*http.Response, error) {
	f.calls.Add(1)
	return nil, errors.New("connection refused")
}

func TestFailedRoundTripIsRetried(t *testing.T) {
	tr := &failingTransport{}
	c := client.New("http://snapshotd.invalid", "w1", "a",
		client.WithHTTPClient(&http.Client{Transport: tr}), client.WithBackOff(noWait), client.WithMaxTries(3))

	_, err := c.Providers(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "connection refused")
	assert.Equal(t, int32(3), tr.calls.Load())
}
