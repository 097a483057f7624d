package snapshot

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type noteRow struct {
	ID    string `json:"id"`
	Title string `json:"title"`
	Votes int64  `json:"votes"`
}

type noteData struct {
	Notes []noteRow `json:"notes"`
}

func TestSchemaFor_ValidatesFragmentData(t *testing.T) {
	s, err := SchemaFor[noteData]()
	require.NoError(t, err)
	require.NotEmpty(t, s.Raw())

	f, err := NewFragment("notes", 1, noteData{Notes: []noteRow{{ID: "n1", Title: "hello", Votes: 3}}}, 1)
	require.NoError(t, err)
	assert.Equal(t, 1, f.Metadata.EntityCount)
	assert.Equal(t, len(f.Data), f.Metadata.SizeEstimate)

	got, err := Decode[noteData](s, f)
	require.NoError(t, err)
	require.Len(t, got.Notes, 1)
	assert.Equal(t, int64(3), got.Notes[0].Votes)

	bad := Fragment{ProviderID: "notes", Version: 1, Data: json.RawMessage(`{"notes":[{"id":"n1","title":"x","votes":"many"}]}`)}
	_, err = Decode[noteData](s, bad)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "failed validation")

	_, err = Decode[noteData](s, Fragment{ProviderID: "notes", Version: 1})
	assert.Error(t, err)
}

func TestCheckVersion(t *testing.T) {
	assert.NoError(t, CheckVersion(Fragment{ProviderID: "p", Version: 1}, 2))
	assert.NoError(t, CheckVersion(Fragment{ProviderID: "p", Version: 2}, 2))
	err := CheckVersion(Fragment{ProviderID: "p", Version: 3}, 2)
	var uv *UnsupportedVersionError
	require.ErrorAs(t, err, &uv)
	assert.Equal(t, 3, uv.Found)
	assert.Error(t, CheckVersion(Fragment{ProviderID: "p"}, 2))
}

func TestStageReporter(t *testing.T) {
	var seen []Stage
	ctx := WithStageReporter(context.Background(), func(s Stage) { seen = append(seen, s) })
	ReportStage(ctx, StageDeleting)
	ReportStage(ctx, StageInserting)
	ReportStage(context.Background(), StageDone)
	assert.Equal(t, []Stage{StageDeleting, StageInserting}, seen)
}

func TestPayloadFragmentLookup(t *testing.T) {
	p := Payload{EngineVersion: EngineVersion, Fragments: []Fragment{{ProviderID: "a", Version: 1}}}
	_, ok := p.Fragment("a")
	assert.True(t, ok)
	_, ok = p.Fragment("b")
	assert.False(t, ok)
	d := Diff{Entities: []EntityDiff{{Creates: 2, Deletes: 1}, {Updates: 4}}}
	c, u, del := d.Totals()
	assert.Equal(t, [3]int{2, 4, 1}, [3]int{c, u, del})
}
