/*Package blobstore provides drivers that keep blob payloads outside the
relational database.

By default the object store keeps blob bytes in its own blob table.
Large deployments can configure a driver from this package instead;
there are two implementations, a local filesystem and AWS S3. Blob
existence and revision checks stay transactional in the object store,
only the payload bytes move to the driver.
*/
package blobstore

import "context"

// Driver stores blob payloads under slash-separated string keys.
type Driver interface {
	Put(ctx context.Context, key string, payload []byte) error
	Get(ctx context.Context, key string) ([]byte, error)
	// Delete removes the payload for key. Deleting a missing key is not
	// an error.
	Delete(ctx context.Context, key string) error
	// DeleteAllWithPrefix removes every payload whose key starts with
	// prefix.
	DeleteAllWithPrefix(ctx context.Context, prefix string) error
}

// DriverType represents the different types of blob drivers
type DriverType string

// DriverTypeLocal is the local filesystem implementation
const DriverTypeLocal DriverType = "Local"

// DriverTypeAWSS3 is the AWS S3 implementation
const DriverTypeAWSS3 DriverType = "AWSS3"

// None is used when blobs stay in the database
const None DriverType = ""
