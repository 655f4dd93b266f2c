// Package keyprefix derives the canonical storage key prefix of a business
// object data instance from its format and data key.
package keyprefix

import (
	"fmt"
	"strconv"
	"strings"

	dmerrors "github.com/dmcatalog/dmcat/internal/errors"
	"github.com/dmcatalog/dmcat/pkg/types"
)

// Builder computes storage key prefixes. The zero value is ready to use.
type Builder struct{}

// NewBuilder returns a prefix builder.
func NewBuilder() *Builder {
	return &Builder{}
}

// Build returns the key prefix for the given format and versioned data key.
// The prefix has no trailing slash. The key must carry a data version.
//
// Layout:
//
//	namespace/provider/usage/file-type/definition/schm-v<F>/data-v<D>/pkey=value[/skey=value...]
func (b *Builder) Build(format types.FormatDescriptor, key types.DataKey) (string, error) {
	if key.DataVersion == nil {
		return "", dmerrors.NewValidationError(dmerrors.CodeRequiredField,
			"a business object data version is required to build a storage key prefix")
	}
	if err := ValidateSubPartitions(format, len(key.SubPartitionValues)); err != nil {
		return "", err
	}

	var sb strings.Builder
	segments := []string{
		normalizeName(key.Namespace),
		normalizeName(format.DataProvider),
		normalizeName(key.FormatUsage),
		normalizeName(key.FormatFileType),
		normalizeName(key.DefinitionName),
		"schm-v" + strconv.Itoa(key.FormatVersion),
		"data-v" + strconv.Itoa(*key.DataVersion),
		normalizeName(format.PartitionKey) + "=" + key.PartitionValue,
	}
	for i, value := range key.SubPartitionValues {
		segments = append(segments, normalizeName(format.SubPartitionKeys[i])+"="+value)
	}
	for i, seg := range segments {
		if i > 0 {
			sb.WriteByte('/')
		}
		sb.WriteString(seg)
	}
	return sb.String(), nil
}

// ValidateSubPartitions checks that the format declares at least count
// sub-partition columns and that count fits in the record's slots.
func ValidateSubPartitions(format types.FormatDescriptor, count int) error {
	if count > types.MaxSubPartitions {
		return dmerrors.NewValidationError(dmerrors.CodeInvalidValue,
			fmt.Sprintf("Exceeded maximum number of allowed subpartitions: %d.", types.MaxSubPartitions))
	}
	if count > len(format.SubPartitionKeys) {
		return dmerrors.NewValidationError(dmerrors.CodeInvalidValue,
			fmt.Sprintf("Number of subpartition values specified (%d) is greater than the number of subpartition columns defined by the business object format (%d).",
				count, len(format.SubPartitionKeys)))
	}
	return nil
}

// normalizeName lower-cases a name segment and replaces underscores with hyphens.
func normalizeName(s string) string {
	return strings.ReplaceAll(strings.ToLower(s), "_", "-")
}
