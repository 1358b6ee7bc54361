package domain

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestExperimentInputStatusNextTriState(t *testing.T) {
	absent, err := json.Marshal(ExperimentInput{ID: 1})
	require.NoError(t, err)
	assert.NotContains(t, string(absent), "statusNext")

	cleared, err := json.Marshal(ExperimentInput{ID: 1, ClearStatusNext: true})
	require.NoError(t, err)
	assert.JSONEq(t, `{"id":1,"statusNext":null}`, string(cleared))

	live := StatusLive
	set, err := json.Marshal(ExperimentInput{ID: 1, StatusNext: &live, PublishStatus: Ptr(PublishReview)})
	require.NoError(t, err)
	assert.JSONEq(t, `{"id":1,"publishStatus":"REVIEW","statusNext":"LIVE"}`, string(set))

	var in ExperimentInput
	require.NoError(t, json.Unmarshal([]byte(`{"id":2,"statusNext":null}`), &in))
	assert.True(t, in.ClearStatusNext)
	assert.Nil(t, in.StatusNext)

	in = ExperimentInput{}
	require.NoError(t, json.Unmarshal([]byte(`{"id":2,"statusNext":"COMPLETE"}`), &in))
	require.NotNil(t, in.StatusNext)
	assert.Equal(t, StatusComplete, *in.StatusNext)
	assert.False(t, in.ClearStatusNext)

	in = ExperimentInput{}
	require.NoError(t, json.Unmarshal([]byte(`{"id":2}`), &in))
	assert.False(t, in.ClearStatusNext)
	assert.Nil(t, in.StatusNext)
	assert.False(t, in.HasLifecycleChange())
}

func TestMergeOverridesSetFields(t *testing.T) {
	live := StatusLive
	base := ExperimentInput{
		ID:               3,
		PublishStatus:    Ptr(PublishIdle),
		StatusNext:       &live,
		ChangelogMessage: Ptr("Requested Launch"),
	}
	out := Merge(base, ExperimentInput{ChangelogMessage: Ptr("custom"), ClearStatusNext: true})
	assert.Equal(t, int64(3), out.ID)
	assert.Equal(t, PublishIdle, *out.PublishStatus)
	assert.Equal(t, "custom", *out.ChangelogMessage)
	assert.Nil(t, out.StatusNext)
	assert.True(t, out.ClearStatusNext)

	out = Merge(ExperimentInput{}, ExperimentInput{ID: 9, Name: Ptr("n")})
	assert.Equal(t, int64(9), out.ID)
	assert.True(t, out.HasDesignChange())
	assert.False(t, out.HasLifecycleChange())
}

func TestParseStatuses(t *testing.T) {
	s, err := ParseStatus(" live ")
	require.NoError(t, err)
	assert.Equal(t, StatusLive, s)
	_, err = ParseStatus("archived")
	assert.Error(t, err)

	p, err := ParsePublishStatus("waiting")
	require.NoError(t, err)
	assert.Equal(t, PublishWaiting, p)
	_, err = ParsePublishStatus("")
	assert.Error(t, err)
}
