package aws

import (
	"context"
	"fmt"
	"sort"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials/stscreds"
	"github.com/aws/aws-sdk-go-v2/service/kms"
	"github.com/aws/aws-sdk-go-v2/service/lambda"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	s3types "github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/aws/aws-sdk-go-v2/service/sts"

	"github.com/stratoguard/cspm/internal/models"
)

// Collector discovers S3 buckets, Lambda functions and KMS keys.
type Collector struct {
	cfg       aws.Config
	accountID string
	region    string

	s3Client     *s3.Client
	lambdaClient *lambda.Client
	kmsClient    *kms.Client
}

type Config struct {
	Region        string
	AssumeRoleARN string
	ExternalID    string
}

func New(ctx context.Context, cfg Config) (*Collector, error) {
	awsCfg, err := config.LoadDefaultConfig(ctx,
		config.WithRegion(cfg.Region),
	)
	if err != nil {
		return nil, fmt.Errorf("loading AWS config: %w", err)
	}

	if cfg.AssumeRoleARN != "" {
		stsClient := sts.NewFromConfig(awsCfg)
		creds := stscreds.NewAssumeRoleProvider(stsClient, cfg.AssumeRoleARN, func(o *stscreds.AssumeRoleOptions) {
			if cfg.ExternalID != "" {
				o.ExternalID = aws.String(cfg.ExternalID)
			}
		})
		awsCfg.Credentials = aws.NewCredentialsCache(creds)
	}

	stsClient := sts.NewFromConfig(awsCfg)
	identity, err := stsClient.GetCallerIdentity(ctx, &sts.GetCallerIdentityInput{})
	if err != nil {
		return nil, fmt.Errorf("getting caller identity: %w", err)
	}

	return &Collector{
		cfg:          awsCfg,
		accountID:    aws.ToString(identity.Account),
		region:       cfg.Region,
		s3Client:     s3.NewFromConfig(awsCfg),
		lambdaClient: lambda.NewFromConfig(awsCfg),
		kmsClient:    kms.NewFromConfig(awsCfg),
	}, nil
}

func (c *Collector) Provider() models.Provider {
	return models.ProviderAWS
}

func (c *Collector) AccountID() string {
	return c.accountID
}

func (c *Collector) Validate(ctx context.Context) error {
	_, err := c.s3Client.ListBuckets(ctx, &s3.ListBucketsInput{})
	if err != nil {
		return fmt.Errorf("validating S3 access: %w", err)
	}
	return nil
}

func (c *Collector) Close() error {
	return nil
}

func (c *Collector) Collect(ctx context.Context) ([]models.Resource, error) {
	var resources []models.Resource

	buckets, err := c.collectBuckets(ctx)
	if err != nil {
		return nil, err
	}
	resources = append(resources, buckets...)

	functions, err := c.collectFunctions(ctx)
	if err != nil {
		return nil, err
	}
	resources = append(resources, functions...)

	keys, err := c.collectKeys(ctx)
	if err != nil {
		return nil, err
	}
	resources = append(resources, keys...)

	return resources, nil
}

func (c *Collector) collectBuckets(ctx context.Context) ([]models.Resource, error) {
	output, err := c.s3Client.ListBuckets(ctx, &s3.ListBucketsInput{})
	if err != nil {
		return nil, fmt.Errorf("listing buckets: %w", err)
	}

	resources := make([]models.Resource, 0, len(output.Buckets))
	for _, b := range output.Buckets {
		name := aws.ToString(b.Name)

		region := "us-east-1"
		locOutput, err := c.s3Client.GetBucketLocation(ctx, &s3.GetBucketLocationInput{Bucket: b.Name})
		if err == nil && locOutput.LocationConstraint != "" {
			region = string(locOutput.LocationConstraint)
		}

		client := c.s3ClientForRegion(region)
		cfg := models.JSONB{}

		encrypted := false
		if _, err := client.GetBucketEncryption(ctx, &s3.GetBucketEncryptionInput{Bucket: b.Name}); err == nil {
			encrypted = true
		}
		cfg["encryption"] = map[string]interface{}{"enabled": encrypted}

		if v, err := client.GetBucketVersioning(ctx, &s3.GetBucketVersioningInput{Bucket: b.Name}); err == nil && v.Status != "" {
			cfg["versioning"] = string(v.Status)
		}

		// Public unless every public access block flag is set.
		public := true
		if pab, err := client.GetPublicAccessBlock(ctx, &s3.GetPublicAccessBlockInput{Bucket: b.Name}); err == nil && pab.PublicAccessBlockConfiguration != nil {
			pc := pab.PublicAccessBlockConfiguration
			public = !(aws.ToBool(pc.BlockPublicAcls) && aws.ToBool(pc.IgnorePublicAcls) &&
				aws.ToBool(pc.BlockPublicPolicy) && aws.ToBool(pc.RestrictPublicBuckets))
		}
		cfg["public_access"] = public

		logging := false
		if l, err := client.GetBucketLogging(ctx, &s3.GetBucketLoggingInput{Bucket: b.Name}); err == nil && l.LoggingEnabled != nil {
			logging = true
		}
		cfg["logging_enabled"] = logging

		tags := map[string]string{}
		if t, err := client.GetBucketTagging(ctx, &s3.GetBucketTaggingInput{Bucket: b.Name}); err == nil {
			tags = tagSetToMap(t.TagSet)
		}
		cfg["tag_keys"] = tagKeys(tags)

		resources = append(resources, models.Resource{
			ResourceID:    name,
			ResourceType:  "s3_bucket",
			AccountID:     c.accountID,
			Region:        region,
			Configuration: cfg,
			Tags:          tags,
		})
	}

	return resources, nil
}

func (c *Collector) collectFunctions(ctx context.Context) ([]models.Resource, error) {
	var resources []models.Resource

	paginator := lambda.NewListFunctionsPaginator(c.lambdaClient, &lambda.ListFunctionsInput{})
	for paginator.HasMorePages() {
		page, err := paginator.NextPage(ctx)
		if err != nil {
			return nil, fmt.Errorf("listing functions: %w", err)
		}

		for _, fn := range page.Functions {
			cfg := models.JSONB{
				"runtime": string(fn.Runtime),
			}

			var envKeys []string
			if fn.Environment != nil {
				for k := range fn.Environment.Variables {
					envKeys = append(envKeys, k)
				}
				sort.Strings(envKeys)
			}
			cfg["environment_keys"] = envKeys

			tags := map[string]string{}
			if fn.FunctionArn != nil {
				if t, err := c.lambdaClient.ListTags(ctx, &lambda.ListTagsInput{Resource: fn.FunctionArn}); err == nil {
					tags = t.Tags
				}
			}
			cfg["tag_keys"] = tagKeys(tags)

			resources = append(resources, models.Resource{
				ResourceID:    aws.ToString(fn.FunctionName),
				ResourceType:  "lambda_function",
				AccountID:     c.accountID,
				Region:        c.region,
				Configuration: cfg,
				Tags:          tags,
			})
		}
	}

	return resources, nil
}

func (c *Collector) collectKeys(ctx context.Context) ([]models.Resource, error) {
	var resources []models.Resource

	paginator := kms.NewListKeysPaginator(c.kmsClient, &kms.ListKeysInput{})
	for paginator.HasMorePages() {
		page, err := paginator.NextPage(ctx)
		if err != nil {
			return nil, fmt.Errorf("listing keys: %w", err)
		}

		for _, k := range page.Keys {
			desc, err := c.kmsClient.DescribeKey(ctx, &kms.DescribeKeyInput{KeyId: k.KeyId})
			if err != nil || desc.KeyMetadata == nil {
				continue
			}
			// Customer-managed keys only; AWS-managed keys are not
			// actionable for the tenant.
			if desc.KeyMetadata.KeyManager != "CUSTOMER" {
				continue
			}

			cfg := models.JSONB{
				"key_state": string(desc.KeyMetadata.KeyState),
			}

			rotation := false
			if r, err := c.kmsClient.GetKeyRotationStatus(ctx, &kms.GetKeyRotationStatusInput{KeyId: k.KeyId}); err == nil {
				rotation = r.KeyRotationEnabled
			}
			cfg["rotation_enabled"] = rotation

			tags := map[string]string{}
			if t, err := c.kmsClient.ListResourceTags(ctx, &kms.ListResourceTagsInput{KeyId: k.KeyId}); err == nil {
				for _, tag := range t.Tags {
					tags[aws.ToString(tag.TagKey)] = aws.ToString(tag.TagValue)
				}
			}
			cfg["tag_keys"] = tagKeys(tags)

			resources = append(resources, models.Resource{
				ResourceID:    aws.ToString(k.KeyId),
				ResourceType:  "kms_key",
				AccountID:     c.accountID,
				Region:        c.region,
				Configuration: cfg,
				Tags:          tags,
			})
		}
	}

	return resources, nil
}

func (c *Collector) s3ClientForRegion(region string) *s3.Client {
	if region == c.region || region == "" {
		return c.s3Client
	}
	return s3.NewFromConfig(c.cfg, func(o *s3.Options) {
		o.Region = region
	})
}

func tagSetToMap(tagSet []s3types.Tag) map[string]string {
	tags := make(map[string]string, len(tagSet))
	for _, t := range tagSet {
		tags[aws.ToString(t.Key)] = aws.ToString(t.Value)
	}
	return tags
}

func tagKeys(tags map[string]string) []string {
	keys := make([]string, 0, len(tags))
	for k := range tags {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
