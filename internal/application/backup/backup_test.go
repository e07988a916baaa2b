package backup

import (
	"bytes"
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ryzugai/wbl-sub000/internal/application/authz"
	"github.com/ryzugai/wbl-sub000/internal/application/gateway"
	"github.com/ryzugai/wbl-sub000/internal/application/syncengine"
	"github.com/ryzugai/wbl-sub000/internal/domain/adconfig"
	"github.com/ryzugai/wbl-sub000/internal/domain/application"
	"github.com/ryzugai/wbl-sub000/internal/domain/company"
	"github.com/ryzugai/wbl-sub000/internal/domain/shared"
	"github.com/ryzugai/wbl-sub000/internal/domain/user"
	"github.com/ryzugai/wbl-sub000/internal/infrastructure/localcache"
	"github.com/ryzugai/wbl-sub000/internal/infrastructure/messaging"
	"github.com/ryzugai/wbl-sub000/internal/infrastructure/remote"
	"github.com/ryzugai/wbl-sub000/pkg/logger"
	"github.com/ryzugai/wbl-sub000/pkg/retry"
)

var (
	takenAt     = time.Date(2025, 6, 1, 8, 0, 0, 0, time.UTC)
	coordinator = user.User{ID: "c1", Username: "coord", Name: "Coordinator", Role: user.RoleCoordinator, IsApproved: true}
	student     = user.User{ID: "s1", Username: "ali", Name: "Ali", Role: user.RoleStudent, IsApproved: true, Matric: "B01"}
)

type env struct {
	ctx        context.Context
	cache      *localcache.Cache
	engine     *syncengine.Engine
	svc        *Service
	broadcasts int
}

func newEnv(t *testing.T, store remote.Store, batchSize int) *env {
	t.Helper()

	e := &env{ctx: context.Background()}
	e.cache = localcache.New(localcache.NewMemoryBackend(), localcache.WithLogger(logger.Discard()))
	bus := messaging.NewBus(messaging.Config{Logger: logger.Discard()})
	e.engine = syncengine.New(syncengine.Config{Store: store, Cache: e.cache, Bus: bus, Logger: logger.Discard()})
	resolver := authz.NewResolver(e.cache)

	gw := gateway.New(gateway.Config{
		Cache:     e.cache,
		Authz:     resolver,
		Remote:    e.engine,
		Bus:       bus,
		Retrier:   retry.New(retry.WithMaxAttempts(1)),
		BatchSize: batchSize,
		Logger:    logger.Discard(),
	})
	e.svc = New(Config{
		Cache:  e.cache,
		Authz:  resolver,
		Writer: gw,
		Remote: e.engine,
		Now:    func() time.Time { return takenAt },
		Logger: logger.Discard(),
	})

	require.NoError(t, e.engine.Start(e.ctx))
	t.Cleanup(e.engine.Stop)
	bus.Subscribe(func() { e.broadcasts++ })
	return e
}

func (e *env) login(t *testing.T, u *user.User) {
	t.Helper()
	require.NoError(t, e.cache.SetSession(e.ctx, u))
}

func (e *env) seed(t *testing.T) {
	t.Helper()
	verifiedAt := takenAt.Add(-time.Hour)
	require.NoError(t, e.cache.PutUsers(e.ctx, []user.User{
		coordinator,
		student,
		{ID: "t1", Username: "trainer", Name: "Tan", Role: user.RoleTrainer, Company: "Acme Sdn Bhd",
			Resume: map[string]any{"skills": []any{"Go", "SQL"}}},
	}))
	require.NoError(t, e.cache.PutCompanies(e.ctx, []company.Company{
		{ID: "co1", Name: "Acme Sdn Bhd", IsApproved: true, HasMOU: true, MOUType: "MoA", CreatedAt: takenAt, UpdatedAt: takenAt},
		{ID: "co2", Name: "Beta Bhd", CreatedAt: takenAt, UpdatedAt: takenAt},
	}))
	require.NoError(t, e.cache.PutApplications(e.ctx, []application.Application{{
		ID: "a1", StudentName: "Ali", StudentMatric: "B01", CompanyID: "co1", CompanyName: "Acme Sdn Bhd",
		Status: application.StatusApproved, CreatedBy: "ali", CreatedAt: takenAt,
		Supervisor: &application.FacultySupervisor{ID: "l1", Name: "Dr. Wong"},
		ReplyLetter: &application.ReplyLetter{
			FileName: "reply.pdf", Data: "JVBERi0=", UploadedAt: takenAt,
			IsVerified: true, VerifiedBy: "coord", VerifiedAt: &verifiedAt,
		},
	}}))
	require.NoError(t, e.cache.PutAdConfig(e.ctx, adconfig.Config{
		Items:   []adconfig.Item{{ID: "ad1", ImageURL: "https://cdn/a.png"}},
		Enabled: true,
	}))
}

func encodeWithoutTimestamp(t *testing.T, doc Document) []byte {
	t.Helper()
	doc.Timestamp = ""
	var buf bytes.Buffer
	require.NoError(t, doc.Encode(&buf))
	return buf.Bytes()
}

func TestSnapshot(t *testing.T) {
	e := newEnv(t, nil, 0)
	e.seed(t)

	doc := e.svc.Snapshot(e.ctx)
	assert.Len(t, doc.Users, 3)
	assert.Len(t, doc.Companies, 2)
	assert.Len(t, doc.Applications, 1)
	assert.True(t, doc.AdConfig.Enabled.Bool())
	assert.Equal(t, FormatVersion, doc.Version)
	assert.Equal(t, "2025-06-01T08:00:00Z", doc.Timestamp)
}

func TestSnapshot_EmptyCache(t *testing.T) {
	e := newEnv(t, nil, 0)

	var buf bytes.Buffer
	require.NoError(t, e.svc.Snapshot(e.ctx).Encode(&buf))
	assert.Contains(t, buf.String(), `"users": []`)
	assert.Contains(t, buf.String(), `"items": []`)
}

func TestRestore_RoundTrip(t *testing.T) {
	e := newEnv(t, nil, 0)
	e.seed(t)
	e.login(t, &coordinator)

	before := e.svc.Snapshot(e.ctx)
	var encoded bytes.Buffer
	require.NoError(t, before.Encode(&encoded))

	// Local state drifts after the backup was taken.
	require.NoError(t, e.cache.PutCompanies(e.ctx, nil))
	require.NoError(t, e.cache.PutUsers(e.ctx, []user.User{coordinator}))

	parsed, err := Parse(&encoded)
	require.NoError(t, err)
	e.broadcasts = 0
	require.NoError(t, e.svc.Restore(e.ctx, parsed))
	assert.Equal(t, 1, e.broadcasts)

	after := e.svc.Snapshot(e.ctx)
	assert.Equal(t, encodeWithoutTimestamp(t, before), encodeWithoutTimestamp(t, after))
	assert.Equal(t, before.Users, after.Users)
	assert.Equal(t, before.Applications, after.Applications)
}

func TestRestore_RequiresElevatedAccess(t *testing.T) {
	e := newEnv(t, nil, 0)
	e.seed(t)
	before := e.svc.Snapshot(e.ctx)

	for _, session := range []*user.User{nil, &student} {
		e.login(t, session)
		err := e.svc.Restore(e.ctx, Document{Users: []user.User{}, Companies: []company.Company{}, Applications: []application.Application{}})
		require.Error(t, err)
		assert.True(t, shared.IsAuthorization(err))
	}

	assert.Equal(t, before, e.svc.Snapshot(e.ctx))
	assert.Zero(t, e.broadcasts)
}

func TestRestore_RejectsIncompleteDocument(t *testing.T) {
	e := newEnv(t, nil, 0)
	e.login(t, &coordinator)

	err := e.svc.Restore(e.ctx, Document{Users: []user.User{}})
	assert.ErrorIs(t, err, shared.ErrInvalidBackup)
	assert.True(t, shared.IsValidation(err))
}

func TestParse(t *testing.T) {
	tests := []struct {
		name    string
		input   string
		wantErr bool
	}{
		{"complete", `{"users":[],"companies":[],"applications":[],"adConfig":{"items":[],"enabled":true},"timestamp":"t","version":"2.0"}`, false},
		{"without adConfig", `{"users":[],"companies":[],"applications":[]}`, false},
		{"missing applications", `{"users":[],"companies":[]}`, true},
		{"null users", `{"users":null,"companies":[],"applications":[]}`, true},
		{"object instead of array", `{"users":{},"companies":[],"applications":[]}`, true},
		{"not json", `users,companies`, true},
		{"array at top", `[]`, true},
		{"malformed record", `{"users":[{"username":7}],"companies":[],"applications":[]}`, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			doc, err := Parse(strings.NewReader(tt.input))
			if tt.wantErr {
				require.Error(t, err)
				assert.ErrorIs(t, err, shared.ErrInvalidFormat)
				assert.True(t, shared.IsValidation(err))
				return
			}
			require.NoError(t, err)
			assert.NotNil(t, doc.Users)
			assert.NotNil(t, doc.AdConfig.Items)
		})
	}
}

func TestParse_MissingCollectionIsInvalidBackup(t *testing.T) {
	_, err := Parse(strings.NewReader(`{"users":[],"applications":[]}`))
	assert.ErrorIs(t, err, shared.ErrInvalidBackup)
	assert.Contains(t, err.Error(), `"companies"`)
}

func TestParse_LooseFlags(t *testing.T) {
	doc, err := Parse(strings.NewReader(`{"users":[],"applications":[],"companies":[
		{"id":"a","name":"A","is_approved":"true"},
		{"id":"b","name":"B","is_approved":0},
		{"id":"c","name":"C","is_approved":"approved"}
	]}`))
	require.NoError(t, err)
	require.Len(t, doc.Companies, 3)
	assert.True(t, doc.Companies[0].IsApproved.Bool())
	assert.False(t, doc.Companies[1].IsApproved.Bool())
	assert.True(t, doc.Companies[2].IsApproved.Bool())
}

func TestPushLocalToRemote_Gates(t *testing.T) {
	local := newEnv(t, nil, 0)
	local.login(t, &coordinator)
	_, err := local.svc.PushLocalToRemote(local.ctx)
	assert.ErrorIs(t, err, shared.ErrRemoteDisabled)

	remoteEnv := newEnv(t, remote.NewMemoryStore(), 0)
	remoteEnv.login(t, &student)
	_, err = remoteEnv.svc.PushLocalToRemote(remoteEnv.ctx)
	assert.ErrorIs(t, err, shared.ErrForbidden)
}

func TestPushLocalToRemote(t *testing.T) {
	store := remote.NewMemoryStore()
	e := newEnv(t, store, 3)
	e.login(t, &coordinator)

	e.seed(t)
	before := e.svc.Snapshot(e.ctx)
	commits := store.Commits()
	e.broadcasts = 0

	report, err := e.svc.PushLocalToRemote(e.ctx)
	require.NoError(t, err)

	// 3 users + 2 companies + 1 application + ad config, batched per collection.
	assert.Equal(t, gateway.BatchReport{Batches: 4, CommittedBatches: 4, Records: 7, CommittedRecords: 7}, report)
	assert.Equal(t, 4, store.Commits()-commits)
	assert.Equal(t, 1, e.broadcasts)
	assert.Len(t, store.Docs(shared.CollectionUsers), 3)
	assert.Len(t, store.Docs(shared.CollectionCompanies), 2)
	assert.Len(t, store.Docs(shared.CollectionApplications), 1)
	assert.Len(t, store.Docs(shared.CollectionAdConfig), 1)

	after := e.svc.Snapshot(e.ctx)
	assert.Equal(t, encodeWithoutTimestamp(t, before), encodeWithoutTimestamp(t, after), "mirror matches what was pushed")
}

type failSecondCommit struct {
	*remote.MemoryStore
	calls int
}

func (f *failSecondCommit) Commit(ctx context.Context, writes []remote.Write) error {
	f.calls++
	if f.calls == 2 {
		return errors.New("deadline exceeded")
	}
	return f.MemoryStore.Commit(ctx, writes)
}

func TestPushLocalToRemote_PartialFailure(t *testing.T) {
	store := &failSecondCommit{MemoryStore: remote.NewMemoryStore()}
	e := newEnv(t, store, 3)
	e.login(t, &coordinator)
	e.seed(t)

	report, err := e.svc.PushLocalToRemote(e.ctx)
	require.Error(t, err)

	var batchErr *gateway.BatchError
	require.ErrorAs(t, err, &batchErr)
	assert.Equal(t, 1, report.CommittedBatches)
	assert.Equal(t, 3, report.CommittedRecords)
	assert.Equal(t, 7, report.Records)
	assert.Len(t, store.Docs(shared.CollectionUsers), 3)
	assert.Empty(t, store.Docs(shared.CollectionCompanies))
	assert.Empty(t, store.Docs(shared.CollectionApplications))
}
