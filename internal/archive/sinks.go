package archive

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"

	"cloud.google.com/go/storage"
	"github.com/Azure/azure-sdk-for-go/sdk/storage/azblob"
	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"google.golang.org/api/option"
)

// Options hold the credentials for each sink kind. Only the one matching the
// URL scheme is used.
type Options struct {
	S3    S3Options
	GCS   GCSOptions
	Azure AzureOptions
	Job   string
}

// S3Options configure the s3:// sink. Endpoint selects an S3-compatible
// service and switches to path-style addressing.
type S3Options struct {
	Region       string
	AccessKeyID  string
	SecretKey    string
	SessionToken string
	Endpoint     string
}

// GCSOptions configure the gs:// sink. Without a credentials file the client
// uses Application Default Credentials.
type GCSOptions struct {
	CredentialsFile string
	ClientOptions   []option.ClientOption
}

// AzureOptions configure the azblob:// sink with a shared key.
type AzureOptions struct {
	AccountName string
	AccountKey  string

	// ServiceURL defaults to https://<account>.blob.core.windows.net.
	ServiceURL string
}

// OptionsFromEnv reads the conventional variables of each SDK.
func OptionsFromEnv() Options {
	return Options{
		S3: S3Options{
			Region:       os.Getenv("AWS_REGION"),
			AccessKeyID:  os.Getenv("AWS_ACCESS_KEY_ID"),
			SecretKey:    os.Getenv("AWS_SECRET_ACCESS_KEY"),
			SessionToken: os.Getenv("AWS_SESSION_TOKEN"),
			Endpoint:     os.Getenv("AWS_ENDPOINT_URL"),
		},
		GCS: GCSOptions{
			CredentialsFile: os.Getenv("GOOGLE_APPLICATION_CREDENTIALS"),
		},
		Azure: AzureOptions{
			AccountName: os.Getenv("AZURE_STORAGE_ACCOUNT"),
			AccountKey:  os.Getenv("AZURE_STORAGE_KEY"),
		},
	}
}

// ---- s3 ----

type s3Sink struct {
	client *s3.Client
}

func newS3Sink(o S3Options) (*s3Sink, error) {
	if o.AccessKeyID == "" || o.SecretKey == "" {
		return nil, errors.New("AWS_ACCESS_KEY_ID and AWS_SECRET_ACCESS_KEY are required")
	}
	region := o.Region
	if region == "" {
		region = "us-east-1"
	}
	s3o := s3.Options{
		Region:      region,
		Credentials: credentials.NewStaticCredentialsProvider(o.AccessKeyID, o.SecretKey, o.SessionToken),
	}
	if o.Endpoint != "" {
		s3o.BaseEndpoint = aws.String(o.Endpoint)
		s3o.UsePathStyle = true
	}
	return &s3Sink{client: s3.New(s3o)}, nil
}

func (s *s3Sink) Put(ctx context.Context, bucket, key string, body io.ReadSeeker, size int64) error {
	_, err := s.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:        aws.String(bucket),
		Key:           aws.String(key),
		Body:          body,
		ContentLength: aws.Int64(size),
		ContentType:   aws.String("text/csv"),
	})
	return err
}

// ---- gcs ----

type gcsSink struct {
	client *storage.Client
}

func newGCSSink(ctx context.Context, o GCSOptions) (*gcsSink, error) {
	var opts []option.ClientOption
	if o.CredentialsFile != "" {
		opts = append(opts, option.WithAuthCredentialsFile(option.ServiceAccount, o.CredentialsFile))
	}
	opts = append(opts, o.ClientOptions...)

	client, err := storage.NewClient(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("create GCS client: %w", err)
	}
	return &gcsSink{client: client}, nil
}

func (s *gcsSink) Put(ctx context.Context, bucket, key string, body io.ReadSeeker, _ int64) error {
	w := s.client.Bucket(bucket).Object(key).NewWriter(ctx)
	w.ContentType = "text/csv"
	if _, err := io.Copy(w, body); err != nil {
		_ = w.Close()
		return err
	}
	return w.Close()
}

// ---- azure blob ----

type azureSink struct {
	client *azblob.Client
}

func newAzureSink(o AzureOptions) (*azureSink, error) {
	if o.AccountName == "" || o.AccountKey == "" {
		return nil, errors.New("AZURE_STORAGE_ACCOUNT and AZURE_STORAGE_KEY are required")
	}
	cred, err := azblob.NewSharedKeyCredential(o.AccountName, o.AccountKey)
	if err != nil {
		return nil, fmt.Errorf("create shared key credential: %w", err)
	}
	serviceURL := o.ServiceURL
	if serviceURL == "" {
		serviceURL = fmt.Sprintf("https://%s.blob.core.windows.net", o.AccountName)
	}
	client, err := azblob.NewClientWithSharedKeyCredential(serviceURL, cred, nil)
	if err != nil {
		return nil, fmt.Errorf("create Azure blob client: %w", err)
	}
	return &azureSink{client: client}, nil
}

func (s *azureSink) Put(ctx context.Context, container, key string, body io.ReadSeeker, size int64) error {
	_, err := s.client.UploadStream(ctx, container, key, io.LimitReader(body, size), nil)
	return err
}

var (
	_ Sink = (*s3Sink)(nil)
	_ Sink = (*gcsSink)(nil)
	_ Sink = (*azureSink)(nil)
)
