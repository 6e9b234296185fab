package relaycsv

import (
	"context"
	"fmt"
	"net/url"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/sqs"
)

type QueueOptions struct {
	Region      string
	MaxReceives int
}

type StoreOptions struct {
	Region string
}

var loadAWSConfig = func(ctx context.Context, region string) (aws.Config, error) {
	if strings.TrimSpace(region) == "" {
		return config.LoadDefaultConfig(ctx)
	}
	return config.LoadDefaultConfig(ctx, config.WithRegion(region))
}

// BuildQueueFromDSN opens the queue named by dsn. Supported schemes are
// memory, file, postgres, sqlite and sqs, plus any registered with
// RegisterQueueFactory.
func BuildQueueFromDSN(dsn string, opts QueueOptions) (Queue, error) {
	dsn = strings.TrimSpace(dsn)
	if dsn == "" {
		return nil, ErrInvalidInput
	}
	parsed, err := url.Parse(dsn)
	if err != nil {
		return nil, err
	}
	scheme := strings.ToLower(strings.TrimSpace(parsed.Scheme))
	if factory, ok := lookupQueueFactory(scheme); ok {
		return factory(dsn, opts)
	}
	switch scheme {
	case "memory", "mem", "inmem":
		return NewInMemoryQueue(opts.MaxReceives), nil
	case "", "file":
		path, pathErr := dsnPath(parsed, dsn)
		if pathErr != nil {
			return nil, pathErr
		}
		return NewFileQueue(path, opts.MaxReceives)
	case "postgres", "postgresql":
		return NewPostgresQueue(dsn, opts.MaxReceives)
	case "sqlite", "sqlite3":
		path, pathErr := dsnPath(parsed, dsn)
		if pathErr != nil {
			return nil, pathErr
		}
		return NewSQLiteQueue(withRawQuery(path, parsed.RawQuery), opts.MaxReceives)
	case "sqs":
		name := strings.TrimSpace(parsed.Host)
		if name == "" {
			return nil, ErrInvalidInput
		}
		cfg, err := loadAWSConfig(context.Background(), firstNonEmpty(parsed.Query().Get("region"), opts.Region))
		if err != nil {
			return nil, err
		}
		endpoint := parsed.Query().Get("endpoint")
		client := sqs.NewFromConfig(cfg, func(o *sqs.Options) {
			if endpoint != "" {
				o.BaseEndpoint = aws.String(endpoint)
			}
		})
		return NewSQSQueue(client, name)
	case "redis", "rediss", "nats", "kafka":
		return nil, fmt.Errorf("%w: queue backend %s", ErrNotImplemented, scheme)
	default:
		return nil, fmt.Errorf("unsupported queue scheme: %s", scheme)
	}
}

// BuildObjectStoreFromDSN opens the object store named by dsn. Supported
// schemes are memory, file, postgres, sqlite and s3, plus any registered with
// RegisterObjectStoreFactory.
func BuildObjectStoreFromDSN(dsn string, opts StoreOptions) (ObjectStore, error) {
	dsn = strings.TrimSpace(dsn)
	if dsn == "" {
		return nil, ErrInvalidInput
	}
	parsed, err := url.Parse(dsn)
	if err != nil {
		return nil, err
	}
	scheme := strings.ToLower(strings.TrimSpace(parsed.Scheme))
	if factory, ok := lookupObjectStoreFactory(scheme); ok {
		return factory(dsn, opts)
	}
	switch scheme {
	case "memory", "mem", "inmem":
		return NewInMemoryObjectStore(), nil
	case "", "file":
		path, pathErr := dsnPath(parsed, dsn)
		if pathErr != nil {
			return nil, pathErr
		}
		return NewFileObjectStore(path)
	case "postgres", "postgresql":
		return NewPostgresObjectStore(dsn)
	case "sqlite", "sqlite3":
		path, pathErr := dsnPath(parsed, dsn)
		if pathErr != nil {
			return nil, pathErr
		}
		return NewSQLiteObjectStore(withRawQuery(path, parsed.RawQuery))
	case "s3":
		bucket := strings.TrimSpace(parsed.Host)
		if bucket == "" {
			return nil, ErrInvalidInput
		}
		cfg, err := loadAWSConfig(context.Background(), firstNonEmpty(parsed.Query().Get("region"), opts.Region))
		if err != nil {
			return nil, err
		}
		endpoint := parsed.Query().Get("endpoint")
		client := s3.NewFromConfig(cfg, func(o *s3.Options) {
			if endpoint != "" {
				o.BaseEndpoint = aws.String(endpoint)
				o.UsePathStyle = true
			}
		})
		return NewS3ObjectStore(client, bucket, parsed.Path)
	case "gs", "azblob":
		return nil, fmt.Errorf("%w: object store backend %s", ErrNotImplemented, scheme)
	default:
		return nil, fmt.Errorf("unsupported object store scheme: %s", scheme)
	}
}

// CloseBackend closes v when it holds resources.
func CloseBackend(v any) error {
	if closer, ok := v.(interface{ Close() error }); ok && closer != nil {
		return closer.Close()
	}
	return nil
}

func dsnPath(parsed *url.URL, raw string) (string, error) {
	if parsed == nil {
		return "", ErrInvalidInput
	}
	if strings.TrimSpace(parsed.Scheme) == "" {
		if strings.TrimSpace(raw) == "" {
			return "", ErrInvalidInput
		}
		return strings.TrimSpace(raw), nil
	}
	host := strings.TrimSpace(parsed.Host)
	path := strings.TrimSpace(parsed.Path)
	if path == "" {
		path = strings.TrimSpace(parsed.Opaque)
	}
	switch {
	case host != "" && path != "":
		path = host + path
	case path == "":
		path = host
	}
	if path == "" {
		return "", ErrInvalidInput
	}
	return path, nil
}

// splitDSNParam removes the query parameter name from dsn and returns the
// remaining dsn together with the parameter's value.
func splitDSNParam(dsn, name string) (string, string) {
	idx := strings.Index(dsn, "?")
	if idx < 0 {
		return dsn, ""
	}
	values, err := url.ParseQuery(dsn[idx+1:])
	if err != nil {
		return dsn, ""
	}
	value := values.Get(name)
	values.Del(name)
	base := dsn[:idx]
	if encoded := values.Encode(); encoded != "" {
		return base + "?" + encoded, value
	}
	return base, value
}

func withRawQuery(path, rawQuery string) string {
	if rawQuery == "" {
		return path
	}
	return path + "?" + rawQuery
}

func firstNonEmpty(values ...string) string {
	for _, value := range values {
		if strings.TrimSpace(value) != "" {
			return strings.TrimSpace(value)
		}
	}
	return ""
}
