package s3db

import (
	"context"
	"io"
)

// MaxMetadataBytes is the object-metadata budget honored by every backend,
// mirroring the practical S3 user-metadata limit (2KiB of header space).
const MaxMetadataBytes = 2048

// Object pairs a stored body with its side-channel metadata map, the unit
// every backend reads and writes. Metadata lives next to the body the way
// S3 user-metadata sits beside an object: small, string-keyed, queryable
// without fetching the body.
type Object struct {
	Body     []byte
	Metadata map[string]string
	ETag     string
}

// MetadataSize returns the UTF-8 byte size of a metadata map the way S3
// counts it: keys and values concatenated, no separators.
func MetadataSize(meta map[string]string) int {
	n := 0
	for k, v := range meta {
		n += len(k) + len(v)
	}
	return n
}

// ValidateMetadataSize returns MetadataTooLargeError when meta exceeds
// MaxMetadataBytes.
func ValidateMetadataSize(meta map[string]string) error {
	if size := MetadataSize(meta); size > MaxMetadataBytes {
		return &MetadataTooLargeError{Size: size, Limit: MaxMetadataBytes}
	}
	return nil
}

// Backend defines the interface for different storage implementations.
// This allows the engine to work with S3, local filesystem, in-memory, GCS,
// or any S3-compatible store behind the same contract.
type Backend interface {
	// Object operations
	Get(ctx context.Context, key string) ([]byte, error)
	Put(ctx context.Context, key string, data []byte) error
	Delete(ctx context.Context, key string) error
	Exists(ctx context.Context, key string) (bool, error)

	// Metadata-aware operations (the Storage Client's split of body vs.
	// object metadata). GetMeta/PutMeta are the primary path the Resource
	// Engine uses; Get/Put above remain for callers that only want bodies.
	GetMeta(ctx context.Context, key string) (*Object, error)
	PutMeta(ctx context.Context, key string, data []byte, meta map[string]string) error
	HeadMeta(ctx context.Context, key string) (map[string]string, error)

	// Conditional operations (for optimistic locking)
	// Returns ETag after successful put
	PutIfMatch(ctx context.Context, key string, data []byte, expectedETag string) (string, error)
	GetWithETag(ctx context.Context, key string) (data []byte, etag string, err error)

	// List operations
	List(ctx context.Context, prefix string) ([]string, error)
	ListPaginated(ctx context.Context, prefix string, handler func(keys []string) error) error

	// Copy duplicates the object (body + metadata) at src to dst, leaving
	// src untouched. Move does the same then removes src; implementations
	// that have no native rename fall back to copy-then-delete.
	Copy(ctx context.Context, src, dst string) error
	Move(ctx context.Context, src, dst string) error

	// Streaming (for large files like photos/audio)
	GetStream(ctx context.Context, key string) (io.ReadCloser, error)
	PutStream(ctx context.Context, key string, reader io.Reader, size int64) error

	// Append operations (for JSONL event logs)
	// Appends data to existing key, or creates if not exists
	Append(ctx context.Context, key string, data []byte) error

	// Health check
	Ping(ctx context.Context) error

	// Resource cleanup
	Close() error
}

// BackendConfig holds configuration for any backend
type BackendConfig struct {
	Type       string            // "s3", "filesystem", "minio", etc.
	Bucket     string            // S3 bucket or base directory
	Region     string            // AWS region (S3 only)
	Endpoint   string            // Custom endpoint (for S3-compatible services)
	PathPrefix string            // Optional prefix for all keys
	Options    map[string]string // Backend-specific options
}

// Validate checks if the BackendConfig is valid
func (c BackendConfig) Validate() error {
	if c.Type == "" {
		return WithContext(ErrInvalidConfig, map[string]interface{}{
			"field":  "Type",
			"reason": "backend type is required",
		})
	}
	if c.Bucket == "" {
		return WithContext(ErrInvalidConfig, map[string]interface{}{
			"field":  "Bucket",
			"reason": "bucket/base path is required",
		})
	}

	// Type-specific validation
	switch c.Type {
	case "s3", "minio":
		if c.Region == "" && c.Endpoint == "" {
			return WithContext(ErrInvalidConfig, map[string]interface{}{
				"field":  "Region/Endpoint",
				"reason": "S3 backend requires either Region or Endpoint",
			})
		}
	case "filesystem":
		// No additional validation needed
	default:
		return WithContext(ErrInvalidConfig, map[string]interface{}{
			"field":  "Type",
			"value":  c.Type,
			"reason": "unknown backend type",
		})
	}

	return nil
}
