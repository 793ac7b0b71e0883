package projection

import (
	"encoding/json"
	"fmt"
)

// CheckpointTag is an opaque, totally ordered position on a projection's
// source feed. A projection reads one logical feed (a single Kafka
// partition, or an equivalent ordered stream from another event store), so a
// tag is that partition's identity plus an offset into it.
type CheckpointTag struct {
	Partition int32 `json:"partition"`
	Offset    int64 `json:"offset"`
}

// ZeroTag precedes every real position on a feed with the given partition. It
// is the only tag ever minted directly; all others arrive from committed
// events. See [PositionTagger.Zero].
func ZeroTag(partition int32) CheckpointTag {
	return CheckpointTag{Partition: partition, Offset: -1}
}

// IsZero reports whether t is the zero tag for its partition.
func (t CheckpointTag) IsZero() bool {
	return t.Offset < 0
}

// Less reports whether t precedes other. Tags from different partitions are
// compared by partition number first; in normal operation a single projection
// instance only ever compares tags from its own partition.
func (t CheckpointTag) Less(other CheckpointTag) bool {
	if t.Partition != other.Partition {
		return t.Partition < other.Partition
	}
	return t.Offset < other.Offset
}

// LessOrEqual reports whether t precedes or equals other.
func (t CheckpointTag) LessOrEqual(other CheckpointTag) bool {
	return t == other || t.Less(other)
}

// Equal reports whether t and other denote the same position.
func (t CheckpointTag) Equal(other CheckpointTag) bool {
	return t == other
}

func (t CheckpointTag) String() string {
	return fmt.Sprintf("%d@%d", t.Partition, t.Offset)
}

// ProjectionVersion identifies the shape of a persisted checkpoint payload. A
// payload whose version does not match the runtime's current version is
// treated as absent, per [ParseTagWithVersion].
type ProjectionVersion struct {
	ID      string
	Epoch   int64
	Version int64
}

// Matches reports whether other is the same (id, epoch, version) triple.
func (v ProjectionVersion) Matches(other ProjectionVersion) bool {
	return v == other
}

// ParseTag parses a JSON-encoded CheckpointTag. Empty input yields the zero
// value (nil tag) rather than an error: "no data" means "no position yet".
func ParseTag(data []byte) (*CheckpointTag, error) {
	if len(data) == 0 {
		return nil, nil
	}
	var t CheckpointTag
	if err := json.Unmarshal(data, &t); err != nil {
		return nil, fmt.Errorf("projection: parse checkpoint tag: %w", err)
	}
	return &t, nil
}

// ParsedCheckpoint is the result of [ParseTagWithVersion]: the caller's
// current version (the payload's own version is not reported when it
// differs), the tag (nil if absent or version mismatched), and any trailing
// metadata the caller's serializer attached.
type ParsedCheckpoint struct {
	Version      ProjectionVersion
	Tag          *CheckpointTag
	ExtraMetadata json.RawMessage
}

type versionedCheckpointPayload struct {
	Version       ProjectionVersion `json:"version"`
	Tag           *CheckpointTag    `json:"tag"`
	ExtraMetadata json.RawMessage   `json:"extra,omitempty"`
}

// ParseTagWithVersion parses a versioned checkpoint payload. Empty input, or a
// payload whose Version does not equal current, yields {Version: current,
// Tag: nil}, meaning "start from zero", rather than an error.
func ParseTagWithVersion(data []byte, current ProjectionVersion) (ParsedCheckpoint, error) {
	if len(data) == 0 {
		return ParsedCheckpoint{Version: current}, nil
	}
	var payload versionedCheckpointPayload
	if err := json.Unmarshal(data, &payload); err != nil {
		return ParsedCheckpoint{}, fmt.Errorf("projection: parse versioned checkpoint: %w", err)
	}
	if !payload.Version.Matches(current) {
		return ParsedCheckpoint{Version: current}, nil
	}
	return ParsedCheckpoint{
		Version:       current,
		Tag:           payload.Tag,
		ExtraMetadata: payload.ExtraMetadata,
	}, nil
}

// MarshalCheckpoint serializes a checkpoint payload for persistence by a
// [CheckpointManager] implementation.
func MarshalCheckpoint(version ProjectionVersion, tag *CheckpointTag, extra json.RawMessage) ([]byte, error) {
	return json.Marshal(versionedCheckpointPayload{Version: version, Tag: tag, ExtraMetadata: extra})
}
