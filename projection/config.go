package projection

// Mode selects the checkpoint/partition strategy of a projection: it picks
// the default PartitionSelector when none is configured, ModeOneTime makes
// the runtime stop itself at Config.ReplayUntil, and it is carried into
// Statistics for observability.
type Mode string

const (
	// ModeContinuous processes the root partition only and checkpoints on
	// CheckpointSuggested pressure. This is the default.
	ModeContinuous Mode = "continuous"
	// ModeByStream partitions state by source stream id.
	ModeByStream Mode = "by-stream"
	// ModeOneTime behaves like ModeContinuous but the runtime stops itself,
	// the same as an externally requested Stop, once it has processed a
	// position at or past Config.ReplayUntil: a historical replay that
	// terminates instead of tailing.
	ModeOneTime Mode = "one-time"
)

// PartitionSelector extracts the partition key for a committed event. The
// root partition key "" is always valid and is always cached.
type PartitionSelector func(ev CommittedEvent) string

// ByStreamPartitionSelector is the selector behind ModeByStream.
func ByStreamPartitionSelector(ev CommittedEvent) string {
	return ev.StreamID
}

// RootPartitionSelector is the selector behind ModeContinuous and
// ModeOneTime: every event belongs to the root partition.
func RootPartitionSelector(CommittedEvent) string {
	return RootPartition
}

// Config enumerates a projection's configuration options.
type Config struct {
	// Name identifies the projection; it seeds the stream-naming convention
	// ($projections-<name>-...).
	Name string
	Mode Mode

	// CheckpointsEnabled: if false, CheckpointSuggestedMessage is ignored.
	CheckpointsEnabled bool
	// EmitEventEnabled: if false and the handler emits, the runtime faults.
	EmitEventEnabled bool
	// PublishStateUpdates: controls emission of StateUpdated events.
	PublishStateUpdates bool

	// PendingEventsThreshold is the queue-depth pressure knob.
	PendingEventsThreshold int
	// CheckpointUnhandledBytesThreshold is carried for whoever wires the
	// CheckpointManager/subscriber; the core neither interprets it nor passes
	// it on to either of them.
	CheckpointUnhandledBytesThreshold int

	Filter            EventFilter
	Tagger            PositionTagger
	PartitionSelector PartitionSelector

	Version ProjectionVersion

	// ReplayUntil is the tag ModeOneTime stops itself at, once reached;
	// unused in every other mode.
	ReplayUntil *CheckpointTag
}

// withDefaults fills unset optional fields with small local helpers rather
// than requiring every caller to specify every field.
func (c Config) withDefaults() Config {
	if c.Filter == nil {
		c.Filter = AcceptAll
	}
	if c.Tagger == nil {
		c.Tagger = DefaultPositionTagger{}
	}
	if c.PartitionSelector == nil {
		if c.Mode == ModeByStream {
			c.PartitionSelector = ByStreamPartitionSelector
		} else {
			c.PartitionSelector = RootPartitionSelector
		}
	}
	if c.Mode == "" {
		c.Mode = ModeContinuous
	}
	return c
}

// CheckpointStreamName returns the checkpoint stream name for a projection
// named name.
func CheckpointStreamName(name string) string {
	return "$projections-" + name + "-checkpoint"
}

// RootStateStreamName returns the root state stream name for a projection
// named name.
func RootStateStreamName(name string) string {
	return "$projections-" + name + "-state"
}

// PartitionStateStreamName returns the partition state stream name for a
// projection named name and partition key, unless a strategy overrides the
// pattern.
func PartitionStateStreamName(name, partition string) string {
	if partition == RootPartition {
		return RootStateStreamName(name)
	}
	return "$projections-" + name + "-" + partition + "-state"
}
