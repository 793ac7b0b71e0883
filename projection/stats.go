package projection

// Statistics is the surface published on every UpdateStatistics request and
// returned synchronously by Runtime.Snapshot.
type Statistics struct {
	Status           string
	Mode             string
	Name             string
	StateReason      string
	BufferedEvents   int
	PartitionsCached int
}
