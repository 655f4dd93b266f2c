package types

// FormatDescriptor is the resolved business object format that governs the
// physical layout of its data.
type FormatDescriptor struct {
	ID  int64
	Key FormatKey

	// DataProvider is the provider name of the owning business object definition.
	DataProvider string

	// PartitionKey is the column name of the primary partition.
	PartitionKey string

	// SubPartitionKeys are the ordered column names of the sub-partitions.
	SubPartitionKeys []string
}
