package awssm

import (
	"context"
	"errors"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/secretsmanager"
	"github.com/aws/aws-sdk-go-v2/service/secretsmanager/types"
	"github.com/aws/smithy-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/systmms/rotord/pkg/secretstore"
)

type fakeVersion struct {
	id      string
	token   string
	value   string
	stages  []string
	created time.Time
}

type fakeSecret struct {
	versions []*fakeVersion
}

// fakeSecretsManager applies Secrets Manager's staging label rules in memory.
// ListSecretVersionIds pages two entries at a time.
type fakeSecretsManager struct {
	mu       sync.Mutex
	secrets  map[string]*fakeSecret
	created  time.Time
	nextID   int
	errs     map[string]error
	onUpdate func(f *fakeSecretsManager)
	calls    map[string]int
}

func newFake() *fakeSecretsManager {
	return &fakeSecretsManager{
		secrets: make(map[string]*fakeSecret),
		created: time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC),
		errs:    make(map[string]error),
		calls:   make(map[string]int),
	}
}

func (f *fakeSecretsManager) enter(op string) error {
	f.calls[op]++
	return f.errs[op]
}

func notFound() error {
	return &types.ResourceNotFoundException{Message: aws.String("Secrets Manager can't find the specified secret.")}
}

func (f *fakeSecretsManager) find(secret *fakeSecret, id string) *fakeVersion {
	for _, v := range secret.versions {
		if v.id == id {
			return v
		}
	}
	return nil
}

func removeStage(stages []string, stage string) []string {
	out := stages[:0]
	for _, s := range stages {
		if s != stage {
			out = append(out, s)
		}
	}
	return out
}

func (f *fakeSecretsManager) moveStage(secret *fakeSecret, stage string, to *fakeVersion) {
	for _, v := range secret.versions {
		if v != to && hasStage(v.stages, stage) {
			v.stages = removeStage(v.stages, stage)
			if stage == StageCurrent {
				for _, o := range secret.versions {
					o.stages = removeStage(o.stages, StagePrevious)
				}
				v.stages = append(v.stages, StagePrevious)
			}
		}
	}
	if !hasStage(to.stages, stage) {
		to.stages = append(to.stages, stage)
	}
}

func (f *fakeSecretsManager) CreateSecret(_ context.Context, in *secretsmanager.CreateSecretInput, _ ...func(*secretsmanager.Options)) (*secretsmanager.CreateSecretOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.enter("CreateSecret"); err != nil {
		return nil, err
	}
	name := aws.ToString(in.Name)
	if _, ok := f.secrets[name]; ok {
		return nil, &types.ResourceExistsException{Message: aws.String("exists")}
	}
	f.secrets[name] = &fakeSecret{}
	return &secretsmanager.CreateSecretOutput{Name: in.Name}, nil
}

func (f *fakeSecretsManager) GetRandomPassword(_ context.Context, in *secretsmanager.GetRandomPasswordInput, _ ...func(*secretsmanager.Options)) (*secretsmanager.GetRandomPasswordOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.enter("GetRandomPassword"); err != nil {
		return nil, err
	}
	f.nextID++
	pw := strings.Repeat(strconv.Itoa(f.nextID%10), int(aws.ToInt64(in.PasswordLength)))
	return &secretsmanager.GetRandomPasswordOutput{RandomPassword: aws.String(pw)}, nil
}

func (f *fakeSecretsManager) GetSecretValue(_ context.Context, in *secretsmanager.GetSecretValueInput, _ ...func(*secretsmanager.Options)) (*secretsmanager.GetSecretValueOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.enter("GetSecretValue"); err != nil {
		return nil, err
	}
	secret, ok := f.secrets[aws.ToString(in.SecretId)]
	if !ok {
		return nil, notFound()
	}
	v := f.find(secret, aws.ToString(in.VersionId))
	if v == nil {
		return nil, notFound()
	}
	return &secretsmanager.GetSecretValueOutput{VersionId: aws.String(v.id), SecretString: aws.String(v.value)}, nil
}

func (f *fakeSecretsManager) ListSecrets(_ context.Context, _ *secretsmanager.ListSecretsInput, _ ...func(*secretsmanager.Options)) (*secretsmanager.ListSecretsOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.enter("ListSecrets"); err != nil {
		return nil, err
	}
	return &secretsmanager.ListSecretsOutput{}, nil
}

func (f *fakeSecretsManager) ListSecretVersionIds(_ context.Context, in *secretsmanager.ListSecretVersionIdsInput, _ ...func(*secretsmanager.Options)) (*secretsmanager.ListSecretVersionIdsOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.enter("ListSecretVersionIds"); err != nil {
		return nil, err
	}
	secret, ok := f.secrets[aws.ToString(in.SecretId)]
	if !ok {
		return nil, notFound()
	}
	start, _ := strconv.Atoi(aws.ToString(in.NextToken))
	end := start + 2
	if end > len(secret.versions) {
		end = len(secret.versions)
	}
	out := &secretsmanager.ListSecretVersionIdsOutput{}
	for _, v := range secret.versions[start:end] {
		if len(v.stages) == 0 && !aws.ToBool(in.IncludeDeprecated) {
			continue
		}
		created := v.created
		out.Versions = append(out.Versions, types.SecretVersionsListEntry{
			VersionId:     aws.String(v.id),
			VersionStages: append([]string(nil), v.stages...),
			CreatedDate:   &created,
		})
	}
	if end < len(secret.versions) {
		out.NextToken = aws.String(strconv.Itoa(end))
	}
	return out, nil
}

func (f *fakeSecretsManager) PutSecretValue(_ context.Context, in *secretsmanager.PutSecretValueInput, _ ...func(*secretsmanager.Options)) (*secretsmanager.PutSecretValueOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.enter("PutSecretValue"); err != nil {
		return nil, err
	}
	secret, ok := f.secrets[aws.ToString(in.SecretId)]
	if !ok {
		return nil, notFound()
	}
	for _, v := range secret.versions {
		if v.token == aws.ToString(in.ClientRequestToken) {
			return &secretsmanager.PutSecretValueOutput{VersionId: aws.String(v.id)}, nil
		}
	}
	f.created = f.created.Add(time.Hour)
	v := &fakeVersion{
		id:      "ver-" + strconv.Itoa(len(secret.versions)+1),
		token:   aws.ToString(in.ClientRequestToken),
		value:   aws.ToString(in.SecretString),
		created: f.created,
	}
	secret.versions = append(secret.versions, v)
	for _, stage := range in.VersionStages {
		f.moveStage(secret, stage, v)
	}
	return &secretsmanager.PutSecretValueOutput{VersionId: aws.String(v.id), VersionStages: v.stages}, nil
}

func (f *fakeSecretsManager) UpdateSecretVersionStage(_ context.Context, in *secretsmanager.UpdateSecretVersionStageInput, _ ...func(*secretsmanager.Options)) (*secretsmanager.UpdateSecretVersionStageOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.onUpdate != nil {
		hook := f.onUpdate
		f.onUpdate = nil
		hook(f)
	}
	if err := f.enter("UpdateSecretVersionStage"); err != nil {
		return nil, err
	}
	secret, ok := f.secrets[aws.ToString(in.SecretId)]
	if !ok {
		return nil, notFound()
	}
	stage := aws.ToString(in.VersionStage)
	invalid := func(msg string) error {
		return &types.InvalidParameterException{Message: aws.String(msg)}
	}

	var holder *fakeVersion
	for _, v := range secret.versions {
		if hasStage(v.stages, stage) {
			holder = v
		}
	}
	if in.RemoveFromVersionId != nil && (holder == nil || holder.id != *in.RemoveFromVersionId) {
		return nil, invalid("The staging label " + stage + " is not attached to version " + *in.RemoveFromVersionId)
	}

	if in.MoveToVersionId == nil {
		if holder != nil {
			holder.stages = removeStage(holder.stages, stage)
		}
		return &secretsmanager.UpdateSecretVersionStageOutput{}, nil
	}
	target := f.find(secret, *in.MoveToVersionId)
	if target == nil {
		return nil, notFound()
	}
	if holder != nil && holder != target && in.RemoveFromVersionId == nil {
		return nil, invalid("The staging label " + stage + " is currently attached to " + holder.id)
	}
	f.moveStage(secret, stage, target)
	return &secretsmanager.UpdateSecretVersionStageOutput{}, nil
}

func newTestStore(t *testing.T, f *fakeSecretsManager) *Store {
	t.Helper()
	s, err := New(context.Background(), "aws", Config{Prefix: "rotord/", PasswordLength: 24}, WithClient(f))
	require.NoError(t, err)
	return s
}

func TestConfigFromOptions(t *testing.T) {
	t.Parallel()

	cfg := ConfigFromOptions(map[string]interface{}{
		"region":              "eu-west-1",
		"endpoint":            "http://localhost:4566",
		"prefix":              "",
		"password_length":     48,
		"exclude_punctuation": true,
	})
	assert.Equal(t, "eu-west-1", cfg.Region)
	assert.Equal(t, "http://localhost:4566", cfg.Endpoint)
	assert.Equal(t, "", cfg.Prefix)
	assert.Equal(t, int64(48), cfg.PasswordLength)
	assert.True(t, cfg.ExcludePunctuation)

	defaults := ConfigFromOptions(nil)
	assert.Equal(t, DefaultRegion, defaults.Region)
	assert.Equal(t, DefaultPrefix, defaults.Prefix)
	assert.Equal(t, int64(DefaultPasswordLength), defaults.PasswordLength)
}

func TestStatusFor(t *testing.T) {
	t.Parallel()

	tests := []struct {
		stages []string
		want   secretstore.Status
	}{
		{[]string{StageCurrent}, secretstore.StatusActive},
		{[]string{StageCurrent, StagePending}, secretstore.StatusActive},
		{[]string{StagePending}, secretstore.StatusPending},
		{[]string{StagePrevious}, secretstore.StatusRevokedPendingGrace},
		{nil, secretstore.StatusRevoked},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, statusFor(tt.stages), "%v", tt.stages)
	}
}

func TestStore_Lifecycle(t *testing.T) {
	t.Parallel()

	f := newFake()
	s := newTestStore(t, f)
	ctx := context.Background()

	_, err := s.GetMetadata(ctx, "database")
	var nf secretstore.NotFoundError
	require.ErrorAs(t, err, &nf)

	v1, err := s.MintVersion(ctx, "database")
	require.NoError(t, err)
	assert.Equal(t, secretstore.StatusPending, v1.Status)
	assert.Equal(t, 1, v1.Number)
	assert.Len(t, v1.Checksum, 64)
	assert.Equal(t, 1, f.calls["CreateSecret"], "secret created on first mint")

	value, err := s.ReadValue(ctx, "database", v1.ID)
	require.NoError(t, err)
	assert.Len(t, value, 24)

	require.NoError(t, s.Activate(ctx, "database", "", v1.ID))

	v2, err := s.MintVersion(ctx, "database")
	require.NoError(t, err)
	assert.Equal(t, 2, v2.Number)
	assert.Equal(t, 1, f.calls["CreateSecret"])
	require.NoError(t, s.Activate(ctx, "database", v1.ID, v2.ID))

	active, err := s.GetMetadata(ctx, "database")
	require.NoError(t, err)
	assert.Equal(t, v2.ID, active.ID)

	versions, err := s.ListVersions(ctx, "database")
	require.NoError(t, err)
	require.Len(t, versions, 2)
	assert.Equal(t, secretstore.StatusRevokedPendingGrace, versions[0].Status)
	require.NotNil(t, versions[0].RevokedAt)
	assert.Equal(t, versions[1].CreatedAt, *versions[0].RevokedAt)
	assert.Equal(t, 1, secretstore.CountActive(versions))

	require.NoError(t, s.Revoke(ctx, "database", v1.ID, secretstore.StatusRevoked))
	require.NoError(t, s.Revoke(ctx, "database", v1.ID, secretstore.StatusRevoked), "revoke is idempotent")

	versions, err = s.ListVersions(ctx, "database")
	require.NoError(t, err)
	assert.Equal(t, secretstore.StatusRevoked, versions[0].Status)
}

func TestStore_ListVersions_Pages(t *testing.T) {
	t.Parallel()

	f := newFake()
	s := newTestStore(t, f)
	ctx := context.Background()

	prev := ""
	for i := 0; i < 5; i++ {
		v, err := s.MintVersion(ctx, "api")
		require.NoError(t, err)
		require.NoError(t, s.Activate(ctx, "api", prev, v.ID))
		prev = v.ID
	}

	versions, err := s.ListVersions(ctx, "api")
	require.NoError(t, err)
	require.Len(t, versions, 5)
	for i, v := range versions {
		assert.Equal(t, i+1, v.Number)
	}
	assert.Equal(t, prev, versions[4].ID)
	assert.Equal(t, 1, secretstore.CountActive(versions))
}

func TestStore_Activate_Conflict(t *testing.T) {
	t.Parallel()

	f := newFake()
	s := newTestStore(t, f)
	ctx := context.Background()

	v1, err := s.MintVersion(ctx, "api")
	require.NoError(t, err)
	require.NoError(t, s.Activate(ctx, "api", "", v1.ID))
	v2, err := s.MintVersion(ctx, "api")
	require.NoError(t, err)

	var conflict secretstore.ConflictError
	err = s.Activate(ctx, "api", "stale", v2.ID)
	require.ErrorAs(t, err, &conflict)
	assert.Equal(t, v1.ID, conflict.Actual)
	assert.Equal(t, 1, f.calls["UpdateSecretVersionStage"], "only the first activation reached the label move")
}

func TestStore_Activate_LosesRace(t *testing.T) {
	t.Parallel()

	f := newFake()
	s := newTestStore(t, f)
	ctx := context.Background()

	v1, err := s.MintVersion(ctx, "api")
	require.NoError(t, err)
	require.NoError(t, s.Activate(ctx, "api", "", v1.ID))
	v2, err := s.MintVersion(ctx, "api")
	require.NoError(t, err)

	// Another engine mints and activates between our read and our move.
	f.onUpdate = func(f *fakeSecretsManager) {
		secret := f.secrets["rotord/api"]
		other := &fakeVersion{id: "ver-other", value: "x", created: f.created.Add(time.Hour)}
		secret.versions = append(secret.versions, other)
		f.moveStage(secret, StageCurrent, other)
	}

	err = s.Activate(ctx, "api", v1.ID, v2.ID)
	var conflict secretstore.ConflictError
	require.ErrorAs(t, err, &conflict)

	active, err := s.GetMetadata(ctx, "api")
	require.NoError(t, err)
	assert.Equal(t, "ver-other", active.ID, "the other engine's activation stands")
}

func TestStore_Revoke(t *testing.T) {
	t.Parallel()

	f := newFake()
	s := newTestStore(t, f)
	ctx := context.Background()

	v1, err := s.MintVersion(ctx, "api")
	require.NoError(t, err)
	require.NoError(t, s.Activate(ctx, "api", "", v1.ID))
	pending, err := s.MintVersion(ctx, "api")
	require.NoError(t, err)

	var conflict secretstore.ConflictError
	assert.ErrorAs(t, s.Revoke(ctx, "api", v1.ID, secretstore.StatusRevoked), &conflict, "active cannot be revoked")
	assert.ErrorAs(t, s.Revoke(ctx, "api", pending.ID, secretstore.StatusRevokedPendingGrace), &conflict)

	require.NoError(t, s.Revoke(ctx, "api", pending.ID, secretstore.StatusAbandoned))
	require.NoError(t, s.Revoke(ctx, "api", pending.ID, secretstore.StatusAbandoned))

	versions, err := s.ListVersions(ctx, "api")
	require.NoError(t, err)
	got, ok := secretstore.FindVersion(versions, pending.ID)
	require.True(t, ok)
	assert.Equal(t, secretstore.StatusRevoked, got.Status)

	var nf secretstore.NotFoundError
	assert.ErrorAs(t, s.Revoke(ctx, "api", "missing", secretstore.StatusRevoked), &nf)
}

func TestStore_Classify(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		err  error
		want interface{}
	}{
		{"access denied", &smithy.GenericAPIError{Code: "AccessDeniedException", Message: "denied"}, secretstore.AuthFailedError{}},
		{"expired token", &smithy.GenericAPIError{Code: "ExpiredTokenException"}, secretstore.AuthFailedError{}},
		{"throttled", &smithy.GenericAPIError{Code: "ThrottlingException"}, secretstore.UnreachableError{}},
		{"internal", &types.InternalServiceError{Message: aws.String("boom")}, secretstore.UnreachableError{}},
		{"network", errors.New("dial tcp: connection refused"), secretstore.UnreachableError{}},
		{"not found", notFound(), secretstore.NotFoundError{}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			f := newFake()
			f.errs["ListSecrets"] = tt.err
			s := newTestStore(t, f)

			h, err := s.Health(context.Background())
			require.Error(t, err)
			assert.False(t, h.Reachable)
			assert.IsType(t, tt.want, err)
		})
	}
}

func TestStore_Health(t *testing.T) {
	t.Parallel()

	s := newTestStore(t, newFake())
	h, err := s.Health(context.Background())
	require.NoError(t, err)
	assert.True(t, h.Reachable)
	assert.Equal(t, -1, h.FreeCapacity)
}
