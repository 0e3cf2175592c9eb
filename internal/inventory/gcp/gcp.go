package gcp

import (
	"context"
	"fmt"
	"sort"

	"cloud.google.com/go/storage"
	"google.golang.org/api/iterator"
	"google.golang.org/api/option"

	"github.com/stratoguard/cspm/internal/models"
)

// Collector discovers GCS buckets in one project.
type Collector struct {
	projectID     string
	storageClient *storage.Client
}

type Config struct {
	ProjectID       string
	CredentialsFile string
}

func New(ctx context.Context, cfg Config) (*Collector, error) {
	var opts []option.ClientOption
	if cfg.CredentialsFile != "" {
		opts = append(opts, option.WithCredentialsFile(cfg.CredentialsFile))
	}

	storageClient, err := storage.NewClient(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("creating storage client: %w", err)
	}

	return &Collector{
		projectID:     cfg.ProjectID,
		storageClient: storageClient,
	}, nil
}

func (c *Collector) Provider() models.Provider {
	return models.ProviderGCP
}

func (c *Collector) AccountID() string {
	return c.projectID
}

func (c *Collector) Validate(ctx context.Context) error {
	it := c.storageClient.Buckets(ctx, c.projectID)
	_, err := it.Next()
	if err != nil && err != iterator.Done {
		return fmt.Errorf("validating storage access: %w", err)
	}
	return nil
}

func (c *Collector) Close() error {
	if c.storageClient != nil {
		return c.storageClient.Close()
	}
	return nil
}

func (c *Collector) Collect(ctx context.Context) ([]models.Resource, error) {
	var resources []models.Resource

	it := c.storageClient.Buckets(ctx, c.projectID)
	for {
		attrs, err := it.Next()
		if err == iterator.Done {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("listing buckets: %w", err)
		}

		cfg := models.JSONB{
			// GCS always encrypts at rest
			"encryption": map[string]interface{}{"enabled": true},
		}

		if attrs.VersioningEnabled {
			cfg["versioning"] = "Enabled"
		} else {
			cfg["versioning"] = "Suspended"
		}

		cfg["logging_enabled"] = attrs.Logging != nil && attrs.Logging.LogBucket != ""

		public := false
		if !attrs.UniformBucketLevelAccess.Enabled {
			if policy, err := c.storageClient.Bucket(attrs.Name).IAM().Policy(ctx); err == nil {
				for _, binding := range policy.InternalProto.GetBindings() {
					for _, member := range binding.Members {
						if member == "allUsers" || member == "allAuthenticatedUsers" {
							public = true
						}
					}
				}
			}
		}
		cfg["public_access"] = public

		labelKeys := make([]string, 0, len(attrs.Labels))
		for k := range attrs.Labels {
			labelKeys = append(labelKeys, k)
		}
		sort.Strings(labelKeys)
		cfg["tag_keys"] = labelKeys

		resources = append(resources, models.Resource{
			ResourceID:    attrs.Name,
			ResourceType:  "gcs_bucket",
			AccountID:     c.projectID,
			Region:        attrs.Location,
			Configuration: cfg,
			Tags:          attrs.Labels,
		})
	}

	return resources, nil
}
