package s3db

import (
	"context"
	"net/url"
	"strconv"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
)

// ConnectionInfo is the parsed form of one of the connection-string schemes
// the Database Controller accepts (spec.md §6): `s3://`, `file://`,
// `memory://`. This is the one piece of the Database Controller built on
// stdlib `net/url` rather than a pack dependency.
type ConnectionInfo struct {
	Scheme         string
	AccessKey      string
	SecretKey      string
	Bucket         string
	Prefix         string
	Region         string
	Endpoint       string
	ForcePathStyle bool
}

// ParseConnectionString parses one of the three connection-string schemes
// named in spec.md §6. Unknown schemes fail with ConnectionError.
func ParseConnectionString(raw string) (*ConnectionInfo, error) {
	u, err := url.Parse(raw)
	if err != nil {
		return nil, &ConnectionError{Op: "parse", Reason: err.Error()}
	}

	switch u.Scheme {
	case "s3":
		info := &ConnectionInfo{Scheme: "s3"}
		if u.User != nil {
			info.AccessKey = u.User.Username()
			info.SecretKey, _ = u.User.Password()
		}
		info.Bucket = u.Host
		info.Prefix = strings.TrimPrefix(u.Path, "/")
		q := u.Query()
		info.Region = q.Get("region")
		info.Endpoint = q.Get("endpoint")
		if v := q.Get("forcePathStyle"); v != "" {
			fps, _ := strconv.ParseBool(v)
			info.ForcePathStyle = fps
		}
		return info, nil

	case "file":
		path := u.Path
		if path == "" {
			path = u.Opaque
		}
		if path == "" {
			return nil, &ConnectionError{Op: "parse", Reason: "file:// connection string requires an absolute path"}
		}
		return &ConnectionInfo{Scheme: "file", Prefix: path}, nil

	case "memory":
		name := u.Host
		prefix := strings.TrimPrefix(u.Path, "/")
		return &ConnectionInfo{Scheme: "memory", Bucket: name, Prefix: prefix}, nil

	default:
		return nil, &ConnectionError{Op: "parse", Reason: "unknown scheme " + u.Scheme}
	}
}

// BuildBackend constructs the Backend a ConnectionInfo names. S3 backends
// load default AWS config and override it with the connection string's
// static credentials, region, endpoint, and path-style settings the same
// way NewMinIOBackend configures an S3-compatible endpoint.
func BuildBackend(ctx context.Context, info *ConnectionInfo) (Backend, string, error) {
	switch info.Scheme {
	case "s3":
		var opts []func(*awsconfig.LoadOptions) error
		if info.Region != "" {
			opts = append(opts, awsconfig.WithRegion(info.Region))
		}
		if info.AccessKey != "" {
			opts = append(opts, awsconfig.WithCredentialsProvider(
				credentials.NewStaticCredentialsProvider(info.AccessKey, info.SecretKey, "")))
		}
		cfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
		if err != nil {
			return nil, "", &ConnectionError{Op: "connect", Reason: err.Error()}
		}
		client := s3.NewFromConfig(cfg, func(o *s3.Options) {
			if info.Endpoint != "" {
				o.BaseEndpoint = aws.String(info.Endpoint)
			}
			if info.ForcePathStyle {
				o.UsePathStyle = true
			}
		})
		return NewS3Backend(client, info.Bucket), info.Prefix, nil

	case "file":
		return NewFilesystemBackend(info.Prefix), "", nil

	case "memory":
		return NewMemoryBackend(), info.Prefix, nil

	default:
		return nil, "", &ConnectionError{Op: "connect", Reason: "unknown scheme " + info.Scheme}
	}
}
