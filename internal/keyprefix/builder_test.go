package keyprefix

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	dmerrors "github.com/dmcatalog/dmcat/internal/errors"
	"github.com/dmcatalog/dmcat/pkg/types"
)

func testFormat() types.FormatDescriptor {
	return types.FormatDescriptor{
		Key: types.FormatKey{
			Namespace:      "UT_Namespace",
			DefinitionName: "Trade_Data",
			Usage:          "PRC",
			FileType:       "GZ",
			Version:        3,
		},
		DataProvider:     "Exchange_A",
		PartitionKey:     "TRADE_DT",
		SubPartitionKeys: []string{"REGION", "desk_id"},
	}
}

func testKey() types.DataKey {
	return types.DataKey{
		Namespace:      "UT_Namespace",
		DefinitionName: "Trade_Data",
		FormatUsage:    "PRC",
		FormatFileType: "GZ",
		FormatVersion:  3,
		PartitionValue: "2015-01-01",
	}
}

func TestBuild_PrimaryPartitionOnly(t *testing.T) {
	prefix, err := NewBuilder().Build(testFormat(), testKey().WithVersion(0))
	require.NoError(t, err)
	assert.Equal(t, "ut-namespace/exchange-a/prc/gz/trade-data/schm-v3/data-v0/trade-dt=2015-01-01", prefix)
}

func TestBuild_SubPartitions(t *testing.T) {
	key := testKey()
	key.SubPartitionValues = []string{"US_East", "D1"}

	prefix, err := NewBuilder().Build(testFormat(), key.WithVersion(12))
	require.NoError(t, err)
	// Partition values are used verbatim, only names are normalized.
	assert.Equal(t,
		"ut-namespace/exchange-a/prc/gz/trade-data/schm-v3/data-v12/trade-dt=2015-01-01/region=US_East/desk-id=D1",
		prefix)
}

func TestBuild_VersionsDifferOnlyInDataSegment(t *testing.T) {
	b := NewBuilder()
	p1, err := b.Build(testFormat(), testKey().WithVersion(1))
	require.NoError(t, err)
	p2, err := b.Build(testFormat(), testKey().WithVersion(2))
	require.NoError(t, err)

	assert.NotEqual(t, p1, p2)
	assert.Contains(t, p1, "/data-v1/")
	assert.Contains(t, p2, "/data-v2/")
}

func TestBuild_RequiresVersion(t *testing.T) {
	_, err := NewBuilder().Build(testFormat(), testKey())
	require.Error(t, err)
	assert.Equal(t, dmerrors.ErrCategoryValidation, dmerrors.GetCategory(err))
}

func TestBuild_TooManySubPartitionValues(t *testing.T) {
	key := testKey()
	key.SubPartitionValues = []string{"a", "b", "c"}

	_, err := NewBuilder().Build(testFormat(), key.WithVersion(0))
	require.Error(t, err)
	assert.Equal(t, dmerrors.CodeInvalidValue, dmerrors.GetCode(err))
}

func TestValidateSubPartitions(t *testing.T) {
	format := testFormat()
	format.SubPartitionKeys = []string{"a", "b", "c", "d", "e"}

	assert.NoError(t, ValidateSubPartitions(format, 0))
	assert.NoError(t, ValidateSubPartitions(format, 4))
	assert.Error(t, ValidateSubPartitions(format, 5))
}
