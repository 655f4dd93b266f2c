package types

import (
	"fmt"
	"time"
)

// DataStatus is the lifecycle status of a business object data record.
type DataStatus string

const (
	StatusValid        DataStatus = "VALID"
	StatusInvalid      DataStatus = "INVALID"
	StatusUploading    DataStatus = "UPLOADING"
	StatusPendingValid DataStatus = "PENDING_VALID"
	StatusArchived     DataStatus = "ARCHIVED"
	StatusExpired      DataStatus = "EXPIRED"
	StatusDeleted      DataStatus = "DELETED"
)

var knownStatuses = map[DataStatus]bool{
	StatusValid:        true,
	StatusInvalid:      true,
	StatusUploading:    true,
	StatusPendingValid: true,
	StatusArchived:     true,
	StatusExpired:      true,
	StatusDeleted:      true,
}

// ParseDataStatus validates a status code.
func ParseDataStatus(s string) (DataStatus, error) {
	st := DataStatus(s)
	if !knownStatuses[st] {
		return "", fmt.Errorf("unknown business object data status %q", s)
	}
	return st, nil
}

// StorageUnit places a data record in a storage.
type StorageUnit struct {
	ID            int64             `json:"id"`
	DataID        int64             `json:"-"`
	Storage       StorageDescriptor `json:"storage"`
	DirectoryPath string            `json:"directoryPath"`
}

// BusinessObjectData is one registered, versioned instance of data.
type BusinessObjectData struct {
	ID                 int64            `json:"id"`
	Format             FormatDescriptor `json:"-"`
	PartitionValue     string           `json:"partitionValue"`
	SubPartitionValues []string         `json:"subPartitionValues,omitempty"`
	Version            int              `json:"version"`
	Status             DataStatus       `json:"status"`
	LatestVersion      bool             `json:"latestVersion"`
	StorageUnits       []StorageUnit    `json:"storageUnits"`
	CreatedAt          time.Time        `json:"createdAt"`
}

// Key returns the fully versioned key of the record.
func (d *BusinessObjectData) Key() DataKey {
	k := DataKey{
		Namespace:          d.Format.Key.Namespace,
		DefinitionName:     d.Format.Key.DefinitionName,
		FormatUsage:        d.Format.Key.Usage,
		FormatFileType:     d.Format.Key.FileType,
		FormatVersion:      d.Format.Key.Version,
		PartitionValue:     d.PartitionValue,
		SubPartitionValues: append([]string{}, d.SubPartitionValues...),
	}
	return k.WithVersion(d.Version)
}
