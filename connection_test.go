package s3db

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestParseConnectionString_S3(t *testing.T) {
	info, err := ParseConnectionString("s3://AKIA123:secret@my-bucket/tenants?region=us-east-1&forcePathStyle=true")
	require.NoError(t, err)
	require.Equal(t, "s3", info.Scheme)
	require.Equal(t, "AKIA123", info.AccessKey)
	require.Equal(t, "secret", info.SecretKey)
	require.Equal(t, "my-bucket", info.Bucket)
	require.Equal(t, "tenants", info.Prefix)
	require.Equal(t, "us-east-1", info.Region)
	require.True(t, info.ForcePathStyle)
}

func TestParseConnectionString_S3WithEndpoint(t *testing.T) {
	info, err := ParseConnectionString("s3://bucket-only?endpoint=http://localhost:9000")
	require.NoError(t, err)
	require.Equal(t, "bucket-only", info.Bucket)
	require.Equal(t, "http://localhost:9000", info.Endpoint)
	require.Empty(t, info.AccessKey)
}

func TestParseConnectionString_File(t *testing.T) {
	info, err := ParseConnectionString("file:///var/data/s3db")
	require.NoError(t, err)
	require.Equal(t, "file", info.Scheme)
	require.Equal(t, "/var/data/s3db", info.Prefix)
}

func TestParseConnectionString_FileRequiresPath(t *testing.T) {
	_, err := ParseConnectionString("file://")
	require.Error(t, err)
	var connErr *ConnectionError
	require.ErrorAs(t, err, &connErr)
}

func TestParseConnectionString_Memory(t *testing.T) {
	info, err := ParseConnectionString("memory://testdb/resources")
	require.NoError(t, err)
	require.Equal(t, "memory", info.Scheme)
	require.Equal(t, "testdb", info.Bucket)
	require.Equal(t, "resources", info.Prefix)
}

func TestParseConnectionString_UnknownSchemeErrors(t *testing.T) {
	_, err := ParseConnectionString("ftp://nope")
	require.Error(t, err)
	var connErr *ConnectionError
	require.ErrorAs(t, err, &connErr)
}

func TestBuildBackend_Memory(t *testing.T) {
	backend, prefix, err := BuildBackend(context.Background(), &ConnectionInfo{Scheme: "memory", Bucket: "db", Prefix: "p"})
	require.NoError(t, err)
	require.Equal(t, "p", prefix)
	require.IsType(t, &MemoryBackend{}, backend)
}

func TestBuildBackend_Filesystem(t *testing.T) {
	backend, prefix, err := BuildBackend(context.Background(), &ConnectionInfo{Scheme: "file", Prefix: t.TempDir()})
	require.NoError(t, err)
	require.Empty(t, prefix)
	require.IsType(t, &FilesystemBackend{}, backend)
}

func TestBuildBackend_UnknownSchemeErrors(t *testing.T) {
	_, _, err := BuildBackend(context.Background(), &ConnectionInfo{Scheme: "ftp"})
	require.Error(t, err)
}

func TestConnect_MemoryConnectionStringEndToEnd(t *testing.T) {
	db, err := Connect(context.Background(), "memory://app/data")
	require.NoError(t, err)
	require.Equal(t, "data", db.Prefix())
	require.Empty(t, db.ListResources())
}
