// Package awssm is a secret store backend on AWS Secrets Manager.
//
// A class maps to one secret named <prefix><class>. Version status is carried
// by Secrets Manager staging labels:
//
//	AWSPENDING   pending
//	AWSCURRENT   active
//	AWSPREVIOUS  revoked-pending-grace
//	(no label)   revoked or abandoned; Secrets Manager deprecates it
//
// Activation moves AWSCURRENT with UpdateSecretVersionStage naming the
// expected holder in RemoveFromVersionId. Secrets Manager rejects the move
// when that version no longer holds the label, which makes it a
// compare-and-swap, and moves AWSPREVIOUS onto the displaced version itself.
package awssm

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/secretsmanager"
	"github.com/aws/aws-sdk-go-v2/service/secretsmanager/types"
	"github.com/aws/smithy-go"
	"github.com/google/uuid"
	"github.com/juju/clock"

	"github.com/systmms/rotord/pkg/secretstore"
)

// Staging labels.
const (
	StagePending  = "AWSPENDING"
	StageCurrent  = "AWSCURRENT"
	StagePrevious = "AWSPREVIOUS"
)

const (
	DefaultRegion         = "us-east-1"
	DefaultPrefix         = "rotord/"
	DefaultPasswordLength = 32
)

// ClientAPI is the subset of the Secrets Manager client the backend uses.
type ClientAPI interface {
	CreateSecret(ctx context.Context, params *secretsmanager.CreateSecretInput, optFns ...func(*secretsmanager.Options)) (*secretsmanager.CreateSecretOutput, error)
	GetRandomPassword(ctx context.Context, params *secretsmanager.GetRandomPasswordInput, optFns ...func(*secretsmanager.Options)) (*secretsmanager.GetRandomPasswordOutput, error)
	GetSecretValue(ctx context.Context, params *secretsmanager.GetSecretValueInput, optFns ...func(*secretsmanager.Options)) (*secretsmanager.GetSecretValueOutput, error)
	ListSecrets(ctx context.Context, params *secretsmanager.ListSecretsInput, optFns ...func(*secretsmanager.Options)) (*secretsmanager.ListSecretsOutput, error)
	ListSecretVersionIds(ctx context.Context, params *secretsmanager.ListSecretVersionIdsInput, optFns ...func(*secretsmanager.Options)) (*secretsmanager.ListSecretVersionIdsOutput, error)
	PutSecretValue(ctx context.Context, params *secretsmanager.PutSecretValueInput, optFns ...func(*secretsmanager.Options)) (*secretsmanager.PutSecretValueOutput, error)
	UpdateSecretVersionStage(ctx context.Context, params *secretsmanager.UpdateSecretVersionStageInput, optFns ...func(*secretsmanager.Options)) (*secretsmanager.UpdateSecretVersionStageOutput, error)
}

// Config holds connection and generation settings.
type Config struct {
	Region             string
	Endpoint           string // LocalStack or testing
	AccessKeyID        string
	SecretAccessKey    string
	Prefix             string
	PasswordLength     int64
	ExcludePunctuation bool
}

// ConfigFromOptions reads backend options from the store section of rotord.yaml.
func ConfigFromOptions(opts map[string]interface{}) Config {
	cfg := Config{Region: DefaultRegion, Prefix: DefaultPrefix, PasswordLength: DefaultPasswordLength}
	str := func(key string) string {
		v, _ := opts[key].(string)
		return v
	}
	if r := str("region"); r != "" {
		cfg.Region = r
	}
	cfg.Endpoint = str("endpoint")
	cfg.AccessKeyID = str("access_key_id")
	cfg.SecretAccessKey = str("secret_access_key")
	if _, ok := opts["prefix"]; ok {
		cfg.Prefix = str("prefix")
	}
	switch v := opts["password_length"].(type) {
	case int:
		cfg.PasswordLength = int64(v)
	case string:
		if n, err := strconv.ParseInt(v, 10, 64); err == nil {
			cfg.PasswordLength = n
		}
	}
	if b, ok := opts["exclude_punctuation"].(bool); ok {
		cfg.ExcludePunctuation = b
	}
	return cfg
}

// Store implements secretstore.Client on Secrets Manager.
type Store struct {
	name   string
	client ClientAPI
	config Config
	clock  clock.Clock
}

// Option configures a Store.
type Option func(*Store)

// WithClient sets a custom Secrets Manager client (for testing).
func WithClient(client ClientAPI) Option {
	return func(s *Store) {
		s.client = client
	}
}

// WithClock sets the clock used to measure health latency.
func WithClock(c clock.Clock) Option {
	return func(s *Store) {
		s.clock = c
	}
}

// New builds the backend, loading AWS configuration from the environment
// unless a client is injected.
func New(ctx context.Context, name string, cfg Config, opts ...Option) (*Store, error) {
	if cfg.PasswordLength <= 0 {
		cfg.PasswordLength = DefaultPasswordLength
	}
	s := &Store{name: name, config: cfg, clock: clock.WallClock}
	for _, opt := range opts {
		opt(s)
	}
	if s.client != nil {
		return s, nil
	}

	loadOpts := []func(*awsconfig.LoadOptions) error{awsconfig.WithRegion(cfg.Region)}
	if cfg.AccessKeyID != "" && cfg.SecretAccessKey != "" {
		loadOpts = append(loadOpts, awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.AccessKeyID, cfg.SecretAccessKey, ""),
		))
	}
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, loadOpts...)
	if err != nil {
		return nil, fmt.Errorf("failed to load AWS config: %w", err)
	}

	var clientOpts []func(*secretsmanager.Options)
	if cfg.Endpoint != "" {
		endpoint := cfg.Endpoint
		clientOpts = append(clientOpts, func(o *secretsmanager.Options) {
			o.BaseEndpoint = &endpoint
		})
	}
	s.client = secretsmanager.NewFromConfig(awsCfg, clientOpts...)
	return s, nil
}

// Name returns the backend name.
func (s *Store) Name() string { return s.name }

func (s *Store) secretID(classID string) *string {
	return aws.String(s.config.Prefix + classID)
}

// versions lists every version of the class secret, deprecated ones
// included, numbered by creation order.
func (s *Store) versions(ctx context.Context, op, classID string) ([]secretstore.SecretVersion, error) {
	var entries []types.SecretVersionsListEntry
	input := &secretsmanager.ListSecretVersionIdsInput{
		SecretId:          s.secretID(classID),
		IncludeDeprecated: aws.Bool(true),
	}
	for {
		out, err := s.client.ListSecretVersionIds(ctx, input)
		if err != nil {
			var notFound *types.ResourceNotFoundException
			if errors.As(err, &notFound) {
				return nil, nil
			}
			return nil, s.classify(op, classID, "", err)
		}
		entries = append(entries, out.Versions...)
		if out.NextToken == nil || *out.NextToken == "" {
			break
		}
		input.NextToken = out.NextToken
	}

	sort.SliceStable(entries, func(i, j int) bool {
		return aws.ToTime(entries[i].CreatedDate).Before(aws.ToTime(entries[j].CreatedDate))
	})

	var currentCreated time.Time
	for _, e := range entries {
		if hasStage(e.VersionStages, StageCurrent) {
			currentCreated = aws.ToTime(e.CreatedDate)
		}
	}

	out := make([]secretstore.SecretVersion, 0, len(entries))
	for i, e := range entries {
		v := secretstore.SecretVersion{
			ID:        aws.ToString(e.VersionId),
			ClassID:   classID,
			Number:    i + 1,
			CreatedAt: aws.ToTime(e.CreatedDate).UTC(),
			Status:    statusFor(e.VersionStages),
		}
		if v.Status == secretstore.StatusRevokedPendingGrace && !currentCreated.IsZero() {
			// Secrets Manager does not record when a label moved. The
			// successor's creation is the closest bound.
			at := currentCreated.UTC()
			v.RevokedAt = &at
		}
		out = append(out, v)
	}
	return out, nil
}

func statusFor(stages []string) secretstore.Status {
	switch {
	case hasStage(stages, StageCurrent):
		return secretstore.StatusActive
	case hasStage(stages, StagePending):
		return secretstore.StatusPending
	case hasStage(stages, StagePrevious):
		return secretstore.StatusRevokedPendingGrace
	default:
		return secretstore.StatusRevoked
	}
}

func hasStage(stages []string, stage string) bool {
	for _, s := range stages {
		if s == stage {
			return true
		}
	}
	return false
}

// GetMetadata returns the version labelled AWSCURRENT.
func (s *Store) GetMetadata(ctx context.Context, classID string) (secretstore.SecretVersion, error) {
	versions, err := s.versions(ctx, secretstore.OpGetMetadata, classID)
	if err != nil {
		return secretstore.SecretVersion{}, err
	}
	for _, v := range versions {
		if v.Status == secretstore.StatusActive {
			return v, nil
		}
	}
	return secretstore.SecretVersion{}, secretstore.NotFoundError{Store: s.name, ClassID: classID}
}

// ListVersions returns every version of the class secret.
func (s *Store) ListVersions(ctx context.Context, classID string) ([]secretstore.SecretVersion, error) {
	return s.versions(ctx, secretstore.OpListVersions, classID)
}

// MintVersion asks Secrets Manager for a random password and stores it
// labelled AWSPENDING, creating the secret on first use.
func (s *Store) MintVersion(ctx context.Context, classID string) (secretstore.SecretVersion, error) {
	const op = secretstore.OpMintVersion

	pw, err := s.client.GetRandomPassword(ctx, &secretsmanager.GetRandomPasswordInput{
		PasswordLength:     aws.Int64(s.config.PasswordLength),
		ExcludePunctuation: aws.Bool(s.config.ExcludePunctuation),
	})
	if err != nil {
		return secretstore.SecretVersion{}, s.classify(op, classID, "", err)
	}
	password := aws.ToString(pw.RandomPassword)
	sum := sha256.Sum256([]byte(password))

	// The request token makes a retried put land on the same version.
	token := uuid.NewString()
	put := &secretsmanager.PutSecretValueInput{
		SecretId:           s.secretID(classID),
		ClientRequestToken: aws.String(token),
		SecretString:       aws.String(password),
		VersionStages:      []string{StagePending},
	}
	out, err := s.client.PutSecretValue(ctx, put)
	var notFound *types.ResourceNotFoundException
	if errors.As(err, &notFound) {
		// A secret created without a value has no versions, so nothing
		// becomes AWSCURRENT behind the engine's back.
		_, err = s.client.CreateSecret(ctx, &secretsmanager.CreateSecretInput{
			Name:        s.secretID(classID),
			Description: aws.String("rotord secret class " + classID),
		})
		var exists *types.ResourceExistsException
		if err != nil && !errors.As(err, &exists) {
			return secretstore.SecretVersion{}, s.classify(op, classID, "", err)
		}
		out, err = s.client.PutSecretValue(ctx, put)
	}
	if err != nil {
		return secretstore.SecretVersion{}, s.classify(op, classID, "", err)
	}

	id := aws.ToString(out.VersionId)
	versions, err := s.versions(ctx, op, classID)
	if err != nil {
		return secretstore.SecretVersion{}, err
	}
	v, ok := secretstore.FindVersion(versions, id)
	if !ok {
		v = secretstore.SecretVersion{ID: id, ClassID: classID, Number: len(versions) + 1, CreatedAt: s.clock.Now().UTC(), Status: secretstore.StatusPending}
	}
	v.Checksum = hex.EncodeToString(sum[:])
	return v, nil
}

// ReadValue returns the secret string of a version.
func (s *Store) ReadValue(ctx context.Context, classID, versionID string) ([]byte, error) {
	out, err := s.client.GetSecretValue(ctx, &secretsmanager.GetSecretValueInput{
		SecretId:  s.secretID(classID),
		VersionId: aws.String(versionID),
	})
	if err != nil {
		return nil, s.classify(secretstore.OpReadValue, classID, versionID, err)
	}
	if out.SecretString != nil {
		return []byte(*out.SecretString), nil
	}
	return out.SecretBinary, nil
}

// Activate moves AWSCURRENT from expectedActiveID to newID.
func (s *Store) Activate(ctx context.Context, classID, expectedActiveID, newID string) error {
	const op = secretstore.OpActivate

	versions, err := s.versions(ctx, op, classID)
	if err != nil {
		return err
	}
	actual := ""
	for _, v := range versions {
		if v.Status == secretstore.StatusActive {
			actual = v.ID
		}
	}
	if actual != expectedActiveID {
		return secretstore.ConflictError{Store: s.name, ClassID: classID, Expected: expectedActiveID, Actual: actual}
	}
	next, ok := secretstore.FindVersion(versions, newID)
	if !ok {
		return secretstore.NotFoundError{Store: s.name, ClassID: classID, VersionID: newID}
	}
	if !next.Status.CanTransitionTo(secretstore.StatusActive) {
		return secretstore.ConflictError{Store: s.name, ClassID: classID,
			Message: "version " + newID + " is " + string(next.Status) + " and cannot be activated"}
	}

	input := &secretsmanager.UpdateSecretVersionStageInput{
		SecretId:        s.secretID(classID),
		VersionStage:    aws.String(StageCurrent),
		MoveToVersionId: aws.String(newID),
	}
	if expectedActiveID != "" {
		input.RemoveFromVersionId = aws.String(expectedActiveID)
	}
	if _, err := s.client.UpdateSecretVersionStage(ctx, input); err != nil {
		var invalid *types.InvalidParameterException
		if errors.As(err, &invalid) {
			return secretstore.ConflictError{Store: s.name, ClassID: classID, Message: "AWSCURRENT moved concurrently: " + invalid.ErrorMessage()}
		}
		return s.classify(op, classID, newID, err)
	}
	return nil
}

// Revoke detaches staging labels. Revoked and abandoned both end with no
// label, so either is accepted once a version has none.
func (s *Store) Revoke(ctx context.Context, classID, versionID string, to secretstore.Status) error {
	const op = secretstore.OpRevoke

	versions, err := s.versions(ctx, op, classID)
	if err != nil {
		return err
	}
	v, ok := secretstore.FindVersion(versions, versionID)
	if !ok {
		return secretstore.NotFoundError{Store: s.name, ClassID: classID, VersionID: versionID}
	}
	terminal := to == secretstore.StatusRevoked || to == secretstore.StatusAbandoned
	if v.Status == to || (terminal && v.Status == secretstore.StatusRevoked) {
		return nil
	}
	if !terminal || !v.Status.CanTransitionTo(to) {
		return secretstore.ConflictError{Store: s.name, ClassID: classID,
			Message: "cannot move version " + versionID + " from " + string(v.Status) + " to " + string(to)}
	}

	stage := StagePrevious
	if v.Status == secretstore.StatusPending {
		stage = StagePending
	}
	_, err = s.client.UpdateSecretVersionStage(ctx, &secretsmanager.UpdateSecretVersionStageInput{
		SecretId:            s.secretID(classID),
		VersionStage:        aws.String(stage),
		RemoveFromVersionId: aws.String(versionID),
	})
	return s.classifyOrNil(op, classID, versionID, err)
}

// Health lists one secret to prove reachability and credentials.
func (s *Store) Health(ctx context.Context) (secretstore.StoreHealth, error) {
	start := s.clock.Now()
	_, err := s.client.ListSecrets(ctx, &secretsmanager.ListSecretsInput{MaxResults: aws.Int32(1)})
	latency := s.clock.Now().Sub(start)
	if err != nil {
		return secretstore.StoreHealth{Latency: latency, FreeCapacity: -1, Message: err.Error()},
			s.classify(secretstore.OpHealth, "", "", err)
	}
	return secretstore.StoreHealth{Reachable: true, Latency: latency, FreeCapacity: -1}, nil
}

func (s *Store) classifyOrNil(op, classID, versionID string, err error) error {
	if err == nil {
		return nil
	}
	return s.classify(op, classID, versionID, err)
}

// classify maps SDK errors onto the store's typed errors.
func (s *Store) classify(op, classID, versionID string, err error) error {
	var notFound *types.ResourceNotFoundException
	if errors.As(err, &notFound) {
		return secretstore.NotFoundError{Store: s.name, ClassID: classID, VersionID: versionID}
	}
	var internal *types.InternalServiceError
	if errors.As(err, &internal) {
		return secretstore.UnreachableError{Store: s.name, Op: op, Err: err}
	}

	var apiErr smithy.APIError
	if !errors.As(err, &apiErr) {
		return secretstore.UnreachableError{Store: s.name, Op: op, Err: err}
	}
	switch apiErr.ErrorCode() {
	case "AccessDeniedException", "UnrecognizedClientException", "ExpiredTokenException",
		"InvalidSignatureException", "IncompleteSignature":
		return secretstore.AuthFailedError{Store: s.name, Message: apiErr.ErrorMessage()}
	case "ThrottlingException", "RequestLimitExceeded", "ServiceUnavailable":
		return secretstore.UnreachableError{Store: s.name, Op: op, Err: err}
	}
	return fmt.Errorf("AWS Secrets Manager %s failed: %w", op, err)
}

var _ secretstore.Client = (*Store)(nil)
