package teamchat

import (
	"context"
	"encoding/json"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/wilhg/tenantsnap/pkg/providers/tabular"
	"github.com/wilhg/tenantsnap/pkg/providers/tabular/tabulartest"
	"github.com/wilhg/tenantsnap/pkg/store/entstore"
	"github.com/wilhg/tenantsnap/pkg/store/entstore/entstoretest"
)

// seed writes one thread with two members and n messages; every other
// message carries an attachment.
func seed(t *testing.T, st *entstore.Store, ws string, n int) Data {
	t.Helper()
	d := Data{
		Threads: []Thread{{ID: ws + "-th", Title: "general", CreatedBy: "u1", CreatedAt: 1}},
		Members: []Member{
			{ID: ws + "-m1", ThreadID: ws + "-th", UserID: "u1", Role: "owner", JoinedAt: 1},
			{ID: ws + "-m2", ThreadID: ws + "-th", UserID: "u2", Role: "member", JoinedAt: 2},
		},
		Messages:    []Message{},
		Attachments: []Attachment{},
	}
	for i := range n {
		id := fmt.Sprintf("%s-msg%04d", ws, i)
		d.Messages = append(d.Messages, Message{ID: id, ThreadID: ws + "-th", AuthorID: "u1", Body: fmt.Sprintf("hello %d", i), CreatedAt: int64(100 + i)})
		if i%2 == 0 {
			d.Attachments = append(d.Attachments, Attachment{ID: id + "-a", MessageID: id, FileName: "f.png", MimeType: "image/png", StorageURL: "s3://chat/" + id, SizeBytes: 2048})
		}
	}
	_, err := tabular.NewDB(st.Driver()).Restore(context.Background(), ws,
		tabular.Rows(&threads, d.Threads), tabular.Rows(&members, d.Members),
		tabular.Rows(&messages, d.Messages), tabular.Rows(&attachments, d.Attachments))
	require.NoError(t, err)
	return d
}

func snapshotOf(t *testing.T, st *entstore.Store, ws string) Data {
	t.Helper()
	d, _, err := read(context.Background(), tabular.NewDB(st.Driver()).Conn(), ws, messages.WithCap(0))
	require.NoError(t, err)
	return d
}

func TestRoundTripAndIsolation(t *testing.T) {
	ctx := context.Background()
	st := entstoretest.Open(t, Tables()...)
	seed(t, st, "w1", 6)
	seed(t, st, "w2", 3)
	p := New(st.Driver())

	f, err := p.Capture(ctx, "w1")
	require.NoError(t, err)
	assert.Equal(t, 1+2+6+3, f.Metadata.EntityCount)
	assert.Empty(t, f.Truncations())
	before := snapshotOf(t, st, "w1")
	other := snapshotOf(t, st, "w2")

	_, err = tabular.NewDB(st.Driver()).Restore(ctx, "w1", tabular.Rows(&messages, []Message{}), tabular.Rows(&attachments, []Attachment{}))
	require.NoError(t, err)

	n, err := p.Restore(ctx, "w1", f)
	require.NoError(t, err)
	assert.Equal(t, 12, n)
	assert.Equal(t, before, snapshotOf(t, st, "w1"))
	assert.Equal(t, other, snapshotOf(t, st, "w2"))
}

func TestMessageCapNewestFirst(t *testing.T) {
	ctx := context.Background()
	st := entstoretest.Open(t, Tables()...)
	seed(t, st, "w1", 10)
	p := New(st.Driver(), WithMessageCap(4))

	f, err := p.Capture(ctx, "w1")
	require.NoError(t, err)
	var d Data
	require.NoError(t, json.Unmarshal(f.Data, &d))
	require.Len(t, d.Messages, 4)
	assert.Equal(t, "w1-msg0009", d.Messages[0].ID)
	assert.Equal(t, "w1-msg0006", d.Messages[3].ID)
	require.Len(t, d.Attachments, 2, "only attachments of captured messages")
	assert.Equal(t, map[string]int{"messages": 6, "attachments": 3}, f.Truncations())
	assert.Contains(t, p.Describe().Description, "newest 4 messages")
}

func TestDefaultCap(t *testing.T) {
	p := New(nil)
	assert.Equal(t, DefaultMessageCap, p.messages.Cap)
	assert.Zero(t, New(nil, WithMessageCap(-1)).messages.Cap)
}

func TestDiffWarnsAboutAttachmentReferences(t *testing.T) {
	ctx := context.Background()
	st := entstoretest.Open(t, Tables()...)
	seed(t, st, "w1", 4)
	p := New(st.Driver())
	f, err := p.Capture(ctx, "w1")
	require.NoError(t, err)

	_, err = tabular.NewDB(st.Driver()).Restore(ctx, "w1", tabular.Rows(&attachments, []Attachment{}))
	require.NoError(t, err)

	diff, err := p.Diff(ctx, "w1", f)
	require.NoError(t, err)
	assert.Equal(t, []string{"2 chat attachments reference files that may have been deleted"}, diff.Warnings)
	assert.Equal(t, 2, diff.Entities[3].Creates)
	assert.Equal(t, 4, diff.Entities[2].Unchanged)
}

func TestRestoreFailureNamesSubTable(t *testing.T) {
	ctx := context.Background()
	st := entstoretest.Open(t, Tables()...)
	seed(t, st, "w1", 2)
	before := snapshotOf(t, st, "w1")
	f, err := New(st.Driver()).Capture(ctx, "w1")
	require.NoError(t, err)

	_, err = New(tabulartest.Wrap(st.Driver(), "INSERT", "chat_attachments")).Restore(ctx, "w1", f)
	require.ErrorIs(t, err, tabulartest.ErrInjected)
	assert.Contains(t, err.Error(), "chat_attachments: insert")
	assert.Equal(t, before, snapshotOf(t, st, "w1"))
}
