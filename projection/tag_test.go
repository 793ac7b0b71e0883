package projection

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestCheckpointTagOrdering(t *testing.T) {
	a := CheckpointTag{Partition: 0, Offset: 5}
	b := CheckpointTag{Partition: 0, Offset: 6}
	require.True(t, a.Less(b))
	require.False(t, b.Less(a))
	require.True(t, a.LessOrEqual(a))
	require.True(t, a.LessOrEqual(b))
	require.False(t, b.LessOrEqual(a))
	require.True(t, a.Equal(a))
	require.False(t, a.Equal(b))
}

func TestCheckpointTagOrderingAcrossPartitions(t *testing.T) {
	a := CheckpointTag{Partition: 0, Offset: 100}
	b := CheckpointTag{Partition: 1, Offset: 0}
	require.True(t, a.Less(b), "lower partition number precedes higher regardless of offset")
}

func TestZeroTagIsZero(t *testing.T) {
	z := ZeroTag(3)
	require.True(t, z.IsZero())
	require.Equal(t, int32(3), z.Partition)
	require.False(t, CheckpointTag{Partition: 3, Offset: 0}.IsZero())
}

func TestParseTagRoundTrip(t *testing.T) {
	tag := CheckpointTag{Partition: 2, Offset: 41}
	data, err := json.Marshal(tag)
	require.NoError(t, err)

	parsed, err := ParseTag(data)
	require.NoError(t, err)
	require.NotNil(t, parsed)
	require.Equal(t, tag, *parsed)
}

func TestParseTagEmptyIsNilNotError(t *testing.T) {
	parsed, err := ParseTag(nil)
	require.NoError(t, err)
	require.Nil(t, parsed)
}

func TestParseTagInvalidJSON(t *testing.T) {
	_, err := ParseTag([]byte("not json"))
	require.Error(t, err)
}

func TestParseTagWithVersionColdStart(t *testing.T) {
	current := ProjectionVersion{ID: "orders"}
	parsed, err := ParseTagWithVersion(nil, current)
	require.NoError(t, err)
	require.Equal(t, current, parsed.Version)
	require.Nil(t, parsed.Tag)
}

func TestParseTagWithVersionRoundTrip(t *testing.T) {
	current := ProjectionVersion{ID: "orders", Epoch: 1}
	tag := CheckpointTag{Partition: 0, Offset: 9}
	payload, err := MarshalCheckpoint(current, &tag, json.RawMessage(`{"k":"v"}`))
	require.NoError(t, err)

	parsed, err := ParseTagWithVersion(payload, current)
	require.NoError(t, err)
	require.Equal(t, current, parsed.Version)
	require.NotNil(t, parsed.Tag)
	require.Equal(t, tag, *parsed.Tag)
	require.JSONEq(t, `{"k":"v"}`, string(parsed.ExtraMetadata))
}

func TestParseTagWithVersionMismatchTreatedAsColdStart(t *testing.T) {
	written := ProjectionVersion{ID: "orders", Epoch: 1}
	tag := CheckpointTag{Partition: 0, Offset: 9}
	payload, err := MarshalCheckpoint(written, &tag, nil)
	require.NoError(t, err)

	current := ProjectionVersion{ID: "orders", Epoch: 2}
	parsed, err := ParseTagWithVersion(payload, current)
	require.NoError(t, err)
	require.Equal(t, current, parsed.Version)
	require.Nil(t, parsed.Tag)
}
