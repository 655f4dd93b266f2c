package types

// StoragePlatform is the kind of backend a storage lives on.
type StoragePlatform string

const (
	PlatformS3      StoragePlatform = "S3"
	PlatformGlacier StoragePlatform = "GLACIER"
	PlatformFile    StoragePlatform = "FILE"
)

// AttrBucketName is the storage attribute holding the S3 bucket name.
const AttrBucketName = "bucket.name"

// StorageDescriptor describes a named storage: a platform tag plus its
// platform-specific attributes.
type StorageDescriptor struct {
	Name       string            `json:"name"`
	Platform   StoragePlatform   `json:"storagePlatformName"`
	Attributes map[string]string `json:"attributes,omitempty"`
}

// ObjectStoreParams are the parameters needed to list an object storage.
type ObjectStoreParams struct {
	Bucket string
}

// ObjectStore returns the object storage parameters when the storage lives on
// an object storage platform. Only S3 qualifies today.
func (s StorageDescriptor) ObjectStore() (ObjectStoreParams, bool) {
	switch s.Platform {
	case PlatformS3:
		return ObjectStoreParams{Bucket: s.Attributes[AttrBucketName]}, true
	default:
		return ObjectStoreParams{}, false
	}
}
