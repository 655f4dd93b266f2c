package types

import (
	"strconv"
	"strings"
)

// MaxSubPartitions is the number of sub-partition slots a data record carries
// in addition to its primary partition value.
const MaxSubPartitions = 4

// FormatKey identifies a business object format.
type FormatKey struct {
	Namespace      string `json:"namespace"`
	DefinitionName string `json:"businessObjectDefinitionName"`
	Usage          string `json:"businessObjectFormatUsage"`
	FileType       string `json:"businessObjectFormatFileType"`
	Version        int    `json:"businessObjectFormatVersion"`
}

// DataKey identifies one business object data instance. A nil DataVersion
// makes it an alternate key that addresses every version of the identity.
type DataKey struct {
	Namespace          string   `json:"namespace"`
	DefinitionName     string   `json:"businessObjectDefinitionName"`
	FormatUsage        string   `json:"businessObjectFormatUsage"`
	FormatFileType     string   `json:"businessObjectFormatFileType"`
	FormatVersion      int      `json:"businessObjectFormatVersion"`
	PartitionValue     string   `json:"partitionValue"`
	SubPartitionValues []string `json:"subPartitionValues,omitempty"`
	DataVersion        *int     `json:"businessObjectDataVersion,omitempty"`
}

// FormatKey returns the format portion of the data key.
func (k DataKey) FormatKey() FormatKey {
	return FormatKey{
		Namespace:      k.Namespace,
		DefinitionName: k.DefinitionName,
		Usage:          k.FormatUsage,
		FileType:       k.FormatFileType,
		Version:        k.FormatVersion,
	}
}

// WithVersion returns a copy of the key pinned to the given data version.
// The sub-partition slice is copied so callers can keep mutating theirs.
func (k DataKey) WithVersion(version int) DataKey {
	out := k.withoutVersion()
	out.DataVersion = &version
	return out
}

// WithoutVersion returns the alternate (version-less) form of the key.
func (k DataKey) WithoutVersion() DataKey {
	return k.withoutVersion()
}

func (k DataKey) withoutVersion() DataKey {
	out := k
	out.DataVersion = nil
	out.SubPartitionValues = append([]string{}, k.SubPartitionValues...)
	return out
}

// Version returns the pinned data version, or -1 for an alternate key.
func (k DataKey) Version() int {
	if k.DataVersion == nil {
		return -1
	}
	return *k.DataVersion
}

// Identity returns a canonical string for the version-less identity of the key.
// Two keys that differ only in DataVersion share an identity.
func (k DataKey) Identity() string {
	parts := []string{
		k.Namespace,
		k.DefinitionName,
		k.FormatUsage,
		k.FormatFileType,
		strconv.Itoa(k.FormatVersion),
		k.PartitionValue,
	}
	parts = append(parts, k.SubPartitionValues...)
	return strings.Join(parts, "|")
}

// SameIdentity reports whether both keys address the same version-less identity.
func (k DataKey) SameIdentity(other DataKey) bool {
	if len(k.SubPartitionValues) != len(other.SubPartitionValues) {
		return false
	}
	for i := range k.SubPartitionValues {
		if k.SubPartitionValues[i] != other.SubPartitionValues[i] {
			return false
		}
	}
	return k.Namespace == other.Namespace &&
		k.DefinitionName == other.DefinitionName &&
		k.FormatUsage == other.FormatUsage &&
		k.FormatFileType == other.FormatFileType &&
		k.FormatVersion == other.FormatVersion &&
		k.PartitionValue == other.PartitionValue
}
