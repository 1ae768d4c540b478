package secrets

import (
	"context"
	"encoding/json"
	"errors"
	"net/url"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/secretsmanager"
	"github.com/aws/aws-sdk-go-v2/service/secretsmanager/types"
	"github.com/aws/aws-sdk-go-v2/service/sts"
	"github.com/aws/smithy-go"
)

const awssmBackend = "AWS Secrets Manager"

type secretsManagerAPI interface {
	GetSecretValue(ctx context.Context, in *secretsmanager.GetSecretValueInput, optFns ...func(*secretsmanager.Options)) (*secretsmanager.GetSecretValueOutput, error)
}

// SecretsManagerResolver resolves awssm:// references with AWS Secrets
// Manager.
//
//	awssm:///registry/quay            default region
//	awssm://eu-west-1/registry/quay   explicit region
//
// A secret whose value is a JSON object with "username" and "password"
// fields resolves to "username:password"; any other value is used as is.
type SecretsManagerResolver struct {
	// newClient is replaced in tests.
	newClient func(ctx context.Context, region string) (secretsManagerAPI, error)
	// callerIdentity names the AWS principal in access-denied errors.
	callerIdentity func(ctx context.Context, region string) (string, error)
}

// NewSecretsManagerResolver returns a resolver that loads AWS credentials
// from the default chain on each resolution.
func NewSecretsManagerResolver() *SecretsManagerResolver {
	return &SecretsManagerResolver{
		newClient:      defaultSecretsManagerClient,
		callerIdentity: defaultCallerIdentity,
	}
}

func loadAWSConfig(ctx context.Context, region string) (aws.Config, error) {
	var opts []func(*config.LoadOptions) error
	if region != "" {
		opts = append(opts, config.WithRegion(region))
	}
	return config.LoadDefaultConfig(ctx, opts...)
}

func defaultSecretsManagerClient(ctx context.Context, region string) (secretsManagerAPI, error) {
	cfg, err := loadAWSConfig(ctx, region)
	if err != nil {
		return nil, err
	}
	return secretsmanager.NewFromConfig(cfg), nil
}

func defaultCallerIdentity(ctx context.Context, region string) (string, error) {
	cfg, err := loadAWSConfig(ctx, region)
	if err != nil {
		return "", err
	}
	out, err := sts.NewFromConfig(cfg).GetCallerIdentity(ctx, &sts.GetCallerIdentityInput{})
	if err != nil {
		return "", err
	}
	return aws.ToString(out.Arn), nil
}

// Scheme returns "awssm".
func (r *SecretsManagerResolver) Scheme() string {
	return "awssm"
}

// Resolve fetches the secret named by reference.
func (r *SecretsManagerResolver) Resolve(ctx context.Context, reference string) (string, error) {
	region, secretID, err := parseAWSSMReference(reference)
	if err != nil {
		return "", err
	}

	client, err := r.newClient(ctx, region)
	if err != nil {
		return "", &BackendError{Backend: awssmBackend, Reference: reference, Reason: "loading AWS config", Err: err}
	}

	out, err := client.GetSecretValue(ctx, &secretsmanager.GetSecretValueInput{
		SecretId: aws.String(secretID),
	})
	if err != nil {
		return "", r.classifyAWSError(ctx, err, region, reference)
	}

	if out.SecretString == nil {
		return "", &BackendError{Backend: awssmBackend, Reference: reference, Reason: "secret has no string value"}
	}
	return credsFromSecret(*out.SecretString), nil
}

// parseAWSSMReference extracts region and secret id from an awssm:// URI.
// awssm:///registry/quay -> ("", "registry/quay")
// awssm://us-west-2/registry/quay -> ("us-west-2", "registry/quay")
func parseAWSSMReference(ref string) (region, secretID string, err error) {
	u, err := url.Parse(ref)
	if err != nil {
		return "", "", &InvalidReferenceError{Reference: ref, Reason: "invalid URI"}
	}
	if u.Scheme != "awssm" {
		return "", "", &InvalidReferenceError{Reference: ref, Reason: "expected awssm:// scheme"}
	}

	secretID = strings.TrimPrefix(u.Path, "/")
	if secretID == "" {
		return "", "", &InvalidReferenceError{Reference: ref, Reason: "secret id is empty"}
	}
	return u.Host, secretID, nil
}

func (r *SecretsManagerResolver) classifyAWSError(ctx context.Context, err error, region, reference string) error {
	var notFound *types.ResourceNotFoundException
	if errors.As(err, &notFound) {
		return &NotFoundError{Reference: reference, Backend: awssmBackend}
	}

	var apiErr smithy.APIError
	if errors.As(err, &apiErr) && apiErr.ErrorCode() == "AccessDeniedException" {
		reason := "access denied"
		if r.callerIdentity != nil {
			if arn, idErr := r.callerIdentity(ctx, region); idErr == nil && arn != "" {
				reason += " for " + arn
			}
		}
		return &BackendError{Backend: awssmBackend, Reference: reference, Reason: reason, Err: err}
	}
	return &BackendError{Backend: awssmBackend, Reference: reference, Reason: "fetching secret", Err: err}
}

func credsFromSecret(value string) string {
	var pair struct {
		Username string `json:"username"`
		Password string `json:"password"`
	}
	if err := json.Unmarshal([]byte(value), &pair); err == nil && pair.Username != "" {
		return pair.Username + ":" + pair.Password
	}
	return strings.TrimSpace(value)
}
