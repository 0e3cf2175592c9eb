package azure

import (
	"context"
	"fmt"
	"strings"

	"github.com/Azure/azure-sdk-for-go/sdk/azidentity"
	"github.com/Azure/azure-sdk-for-go/sdk/resourcemanager/storage/armstorage"
	"github.com/Azure/azure-sdk-for-go/sdk/storage/azblob"

	"github.com/stratoguard/cspm/internal/models"
)

// Collector discovers blob containers across the subscription's
// storage accounts.
type Collector struct {
	credential     *azidentity.ClientSecretCredential
	subscriptionID string
	tenantID       string

	storageClient *armstorage.AccountsClient
	blobClients   map[string]*azblob.Client
}

type Config struct {
	TenantID       string
	ClientID       string
	ClientSecret   string
	SubscriptionID string
}

func New(ctx context.Context, cfg Config) (*Collector, error) {
	credential, err := azidentity.NewClientSecretCredential(cfg.TenantID, cfg.ClientID, cfg.ClientSecret, nil)
	if err != nil {
		return nil, fmt.Errorf("creating credential: %w", err)
	}

	storageClient, err := armstorage.NewAccountsClient(cfg.SubscriptionID, credential, nil)
	if err != nil {
		return nil, fmt.Errorf("creating storage client: %w", err)
	}

	return &Collector{
		credential:     credential,
		subscriptionID: cfg.SubscriptionID,
		tenantID:       cfg.TenantID,
		storageClient:  storageClient,
		blobClients:    make(map[string]*azblob.Client),
	}, nil
}

func (c *Collector) Provider() models.Provider {
	return models.ProviderAzure
}

func (c *Collector) AccountID() string {
	return c.subscriptionID
}

func (c *Collector) Validate(ctx context.Context) error {
	pager := c.storageClient.NewListPager(nil)
	_, err := pager.NextPage(ctx)
	if err != nil {
		return fmt.Errorf("validating storage access: %w", err)
	}
	return nil
}

func (c *Collector) Close() error {
	return nil
}

func (c *Collector) getBlobClient(accountName string) (*azblob.Client, error) {
	if client, ok := c.blobClients[accountName]; ok {
		return client, nil
	}

	url := fmt.Sprintf("https://%s.blob.core.windows.net/", accountName)
	client, err := azblob.NewClient(url, c.credential, nil)
	if err != nil {
		return nil, fmt.Errorf("creating blob client: %w", err)
	}

	c.blobClients[accountName] = client
	return client, nil
}

func (c *Collector) Collect(ctx context.Context) ([]models.Resource, error) {
	var resources []models.Resource

	pager := c.storageClient.NewListPager(nil)
	for pager.More() {
		page, err := pager.NextPage(ctx)
		if err != nil {
			return nil, fmt.Errorf("listing storage accounts: %w", err)
		}

		for _, account := range page.Value {
			accountName := *account.Name
			location := *account.Location

			encrypted := account.Properties != nil && account.Properties.Encryption != nil
			accountPublic := false
			minTLS := ""
			if account.Properties != nil {
				if account.Properties.AllowBlobPublicAccess != nil {
					accountPublic = *account.Properties.AllowBlobPublicAccess
				}
				if account.Properties.MinimumTLSVersion != nil {
					minTLS = normalizeTLSVersion(string(*account.Properties.MinimumTLSVersion))
				}
			}

			tags := map[string]string{}
			for k, v := range account.Tags {
				if v != nil {
					tags[k] = *v
				}
			}

			blobClient, err := c.getBlobClient(accountName)
			if err != nil {
				continue // Skip accounts we can't access
			}

			containerPager := blobClient.NewListContainersPager(nil)
			for containerPager.More() {
				containerPage, err := containerPager.NextPage(ctx)
				if err != nil {
					break // Skip if we can't list containers
				}

				for _, container := range containerPage.ContainerItems {
					public := accountPublic
					if container.Properties != nil && container.Properties.PublicAccess != nil {
						public = accountPublic && *container.Properties.PublicAccess != ""
					}

					cfg := models.JSONB{
						"encryption":    map[string]interface{}{"enabled": encrypted},
						"public_access": public,
						"tag_keys":      tagKeys(tags),
					}
					if minTLS != "" {
						cfg["min_tls"] = minTLS
					}

					resources = append(resources, models.Resource{
						ResourceID:    fmt.Sprintf("%s/%s", accountName, *container.Name),
						ResourceType:  "azure_blob_container",
						AccountID:     c.subscriptionID,
						Region:        location,
						Configuration: cfg,
						Tags:          tags,
					})
				}
			}
		}
	}

	return resources, nil
}

// normalizeTLSVersion maps ARM values like "TLS1_2" to "TLSv1.2".
func normalizeTLSVersion(v string) string {
	v = strings.TrimPrefix(v, "TLS")
	return "TLSv" + strings.ReplaceAll(v, "_", ".")
}

func tagKeys(tags map[string]string) []string {
	keys := make([]string, 0, len(tags))
	for k := range tags {
		keys = append(keys, k)
	}
	return keys
}
