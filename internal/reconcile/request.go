// Package reconcile registers physically present but uncatalogued business
// object data versions as INVALID records.
package reconcile

import (
	"fmt"
	"strings"

	dmerrors "github.com/dmcatalog/dmcat/internal/errors"
	"github.com/dmcatalog/dmcat/pkg/types"
)

// Request asks to invalidate the unregistered data of one identity in one storage.
type Request struct {
	Namespace                    string   `json:"namespace"`
	BusinessObjectDefinitionName string   `json:"businessObjectDefinitionName"`
	BusinessObjectFormatUsage    string   `json:"businessObjectFormatUsage"`
	BusinessObjectFormatFileType string   `json:"businessObjectFormatFileType"`
	BusinessObjectFormatVersion  *int     `json:"businessObjectFormatVersion"`
	PartitionValue               string   `json:"partitionValue"`
	SubPartitionValues           []string `json:"subPartitionValues,omitempty"`
	StorageName                  string   `json:"storageName"`
}

// Normalize validates the request and then trims every string field in place,
// including each sub-partition value. Nothing is modified when validation fails.
func (r *Request) Normalize() error {
	if err := r.validate(); err != nil {
		return err
	}

	r.Namespace = strings.TrimSpace(r.Namespace)
	r.BusinessObjectDefinitionName = strings.TrimSpace(r.BusinessObjectDefinitionName)
	r.BusinessObjectFormatUsage = strings.TrimSpace(r.BusinessObjectFormatUsage)
	r.BusinessObjectFormatFileType = strings.TrimSpace(r.BusinessObjectFormatFileType)
	r.PartitionValue = strings.TrimSpace(r.PartitionValue)
	r.StorageName = strings.TrimSpace(r.StorageName)
	if r.SubPartitionValues != nil {
		trimmed := make([]string, len(r.SubPartitionValues))
		for i, v := range r.SubPartitionValues {
			trimmed[i] = strings.TrimSpace(v)
		}
		r.SubPartitionValues = trimmed
	}
	return nil
}

func (r *Request) validate() error {
	required := []struct {
		value   string
		message string
	}{
		{r.Namespace, "The namespace is required"},
		{r.BusinessObjectDefinitionName, "The business object definition name is required"},
		{r.BusinessObjectFormatUsage, "The business object format usage is required"},
		{r.BusinessObjectFormatFileType, "The business object format file type is required"},
	}
	for _, f := range required {
		if isBlank(f.value) {
			return dmerrors.NewValidationError(dmerrors.CodeRequiredField, f.message)
		}
	}

	if r.BusinessObjectFormatVersion == nil {
		return dmerrors.NewValidationError(dmerrors.CodeRequiredField, "The business object format version is required")
	}
	if *r.BusinessObjectFormatVersion < 0 {
		return dmerrors.NewValidationError(dmerrors.CodeInvalidValue,
			"The business object format version must be greater than or equal to 0")
	}

	if isBlank(r.PartitionValue) {
		return dmerrors.NewValidationError(dmerrors.CodeRequiredField, "The partition value is required")
	}
	if isBlank(r.StorageName) {
		return dmerrors.NewValidationError(dmerrors.CodeRequiredField, "The storage name is required")
	}
	for i, v := range r.SubPartitionValues {
		if isBlank(v) {
			return dmerrors.NewValidationError(dmerrors.CodeRequiredField,
				fmt.Sprintf("The sub-partition value [%d] must not be blank", i))
		}
	}
	return nil
}

func isBlank(s string) bool {
	return strings.TrimSpace(s) == ""
}

// FormatKey returns the format addressed by a normalized request.
func (r *Request) FormatKey() types.FormatKey {
	return types.FormatKey{
		Namespace:      r.Namespace,
		DefinitionName: r.BusinessObjectDefinitionName,
		Usage:          r.BusinessObjectFormatUsage,
		FileType:       r.BusinessObjectFormatFileType,
		Version:        *r.BusinessObjectFormatVersion,
	}
}

// DataKey returns the version-less data key addressed by a normalized request.
func (r *Request) DataKey() types.DataKey {
	return types.DataKey{
		Namespace:          r.Namespace,
		DefinitionName:     r.BusinessObjectDefinitionName,
		FormatUsage:        r.BusinessObjectFormatUsage,
		FormatFileType:     r.BusinessObjectFormatFileType,
		FormatVersion:      *r.BusinessObjectFormatVersion,
		PartitionValue:     r.PartitionValue,
		SubPartitionValues: append([]string(nil), r.SubPartitionValues...),
	}
}

// Response echoes the normalized request and lists the registered records in
// ascending version order.
type Response struct {
	Namespace                        string           `json:"namespace"`
	BusinessObjectDefinitionName     string           `json:"businessObjectDefinitionName"`
	BusinessObjectFormatUsage        string           `json:"businessObjectFormatUsage"`
	BusinessObjectFormatFileType     string           `json:"businessObjectFormatFileType"`
	BusinessObjectFormatVersion      int              `json:"businessObjectFormatVersion"`
	PartitionValue                   string           `json:"partitionValue"`
	SubPartitionValues               []string         `json:"subPartitionValues,omitempty"`
	StorageName                      string           `json:"storageName"`
	RegisteredBusinessObjectDataList []RegisteredData `json:"registeredBusinessObjectDataList"`
}

// RegisteredData is a registered record together with its format identity.
type RegisteredData struct {
	ID                           int64               `json:"id"`
	Namespace                    string              `json:"namespace"`
	BusinessObjectDefinitionName string              `json:"businessObjectDefinitionName"`
	BusinessObjectFormatUsage    string              `json:"businessObjectFormatUsage"`
	BusinessObjectFormatFileType string              `json:"businessObjectFormatFileType"`
	BusinessObjectFormatVersion  int                 `json:"businessObjectFormatVersion"`
	PartitionKey                 string              `json:"partitionKey"`
	PartitionValue               string              `json:"partitionValue"`
	SubPartitionValues           []string            `json:"subPartitionValues,omitempty"`
	Version                      int                 `json:"version"`
	Status                       types.DataStatus    `json:"status"`
	LatestVersion                bool                `json:"latestVersion"`
	StorageUnits                 []types.StorageUnit `json:"storageUnits"`
}

// NewRegisteredData flattens a catalog record for a response.
func NewRegisteredData(d *types.BusinessObjectData) RegisteredData {
	return RegisteredData{
		ID:                           d.ID,
		Namespace:                    d.Format.Key.Namespace,
		BusinessObjectDefinitionName: d.Format.Key.DefinitionName,
		BusinessObjectFormatUsage:    d.Format.Key.Usage,
		BusinessObjectFormatFileType: d.Format.Key.FileType,
		BusinessObjectFormatVersion:  d.Format.Key.Version,
		PartitionKey:                 d.Format.PartitionKey,
		PartitionValue:               d.PartitionValue,
		SubPartitionValues:           d.SubPartitionValues,
		Version:                      d.Version,
		Status:                       d.Status,
		LatestVersion:                d.LatestVersion,
		StorageUnits:                 d.StorageUnits,
	}
}

func newResponse(r *Request, registered []*types.BusinessObjectData) *Response {
	resp := &Response{
		Namespace:                        r.Namespace,
		BusinessObjectDefinitionName:     r.BusinessObjectDefinitionName,
		BusinessObjectFormatUsage:        r.BusinessObjectFormatUsage,
		BusinessObjectFormatFileType:     r.BusinessObjectFormatFileType,
		BusinessObjectFormatVersion:      *r.BusinessObjectFormatVersion,
		PartitionValue:                   r.PartitionValue,
		SubPartitionValues:               r.SubPartitionValues,
		StorageName:                      r.StorageName,
		RegisteredBusinessObjectDataList: make([]RegisteredData, 0, len(registered)),
	}
	for _, d := range registered {
		resp.RegisteredBusinessObjectDataList = append(resp.RegisteredBusinessObjectDataList, NewRegisteredData(d))
	}
	return resp
}
