package assetsync

import (
	"context"
	"errors"
	"net/http"
	"path/filepath"
	"testing"
	"time"

	"github.com/fritsvt/salesforce-test/internal/testutil"
	"github.com/fritsvt/salesforce-test/pkg/auth"
	"github.com/fritsvt/salesforce-test/pkg/client"
	"github.com/fritsvt/salesforce-test/pkg/pagination"
	"github.com/fritsvt/salesforce-test/pkg/storage"
	"github.com/rs/zerolog"
	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const storageDir = "/assets"

type harness struct {
	mock    *testutil.MockCRM
	session *auth.Session
	fs      afero.Fs
	fetcher *Fetcher
}

func newHarness(t *testing.T, pages ...testutil.MockPage) *harness {
	t.Helper()

	mock := testutil.NewMockCRM()
	t.Cleanup(mock.Close)
	mock.SetPages(pages...)

	session, err := auth.New(context.Background(), auth.DefaultConfig(mock.URL(), "id", "secret"), zerolog.Nop())
	require.NoError(t, err)

	crm, err := client.New(client.DefaultConfig(), zerolog.Nop())
	require.NoError(t, err)

	fs := afero.NewMemMapFs()
	store, err := storage.NewStore(fs, storageDir, zerolog.Nop())
	require.NoError(t, err)

	return &harness{
		mock:    mock,
		session: session,
		fs:      fs,
		fetcher: New(session, crm, store, pagination.DefaultConfig(), zerolog.Nop()),
	}
}

func (h *harness) files(t *testing.T) []string {
	t.Helper()
	entries, err := afero.ReadDir(h.fs, storageDir)
	require.NoError(t, err)
	names := make([]string, 0, len(entries))
	for _, e := range entries {
		names = append(names, e.Name())
	}
	return names
}

func TestFetchAll_ThreePagesThenStop(t *testing.T) {
	h := newHarness(t,
		testutil.NewPage(60, 1, 60),
		testutil.NewPage(60, 61, 60),
		testutil.NewPage(40, 121, 40),
	)

	result, err := h.fetcher.FetchAll(context.Background())
	require.NoError(t, err)

	assert.Equal(t, 3, h.mock.AssetRequestCount())
	assert.Equal(t, []int{1, 2, 3}, h.mock.RequestedPages())
	assert.Equal(t, []int{50, 50, 50}, h.mock.RequestedPageSizes())
	assert.Equal(t, 3, result.Pages)
	assert.Equal(t, 160, result.Written)
	assert.Len(t, h.files(t), 160)
}

func TestFetchAll_SinglePage(t *testing.T) {
	h := newHarness(t, testutil.NewPage(10, 1, 10))

	result, err := h.fetcher.FetchAll(context.Background())
	require.NoError(t, err)

	assert.Equal(t, 1, h.mock.AssetRequestCount())
	assert.Equal(t, 1, result.Pages)
	assert.Equal(t, 10, result.Written)
}

func TestFetchAll_WritesBrochure(t *testing.T) {
	h := newHarness(t, testutil.MockPage{
		Items:    []testutil.MockAsset{{ID: 42, Name: "brochure", Content: "hello"}},
		PageSize: 1,
	})

	_, err := h.fetcher.FetchAll(context.Background())
	require.NoError(t, err)

	data, err := afero.ReadFile(h.fs, filepath.Join(storageDir, "brochure-42"))
	require.NoError(t, err)
	assert.Equal(t, "hello", string(data))
}

func TestFetchAll_DeduplicatesAcrossPages(t *testing.T) {
	dup := testutil.MockAsset{ID: 7, Name: "dup", Content: "same"}
	first := testutil.NewPage(60, 1, 5)
	first.Items = append(first.Items, dup)
	second := testutil.NewPage(60, 6, 3)
	second.Items = append(second.Items, dup, dup)
	third := testutil.MockPage{Items: []testutil.MockAsset{dup, {ID: 1, Name: "asset", Content: "content"}}, PageSize: 2}

	h := newHarness(t, first, second, third)

	result, err := h.fetcher.FetchAll(context.Background())
	require.NoError(t, err)

	assert.Equal(t, 13, result.Seen)
	assert.Equal(t, 8, result.Written, "ids 1 through 8 are each written once")
	assert.Equal(t, 5, result.Skipped)
	assert.Equal(t, 8, h.fetcher.SeenCount())
	assert.True(t, h.fetcher.Seen(7))
	assert.Contains(t, h.files(t), "dup-7")
}

func TestFetchAll_SecondRunWritesNothingNew(t *testing.T) {
	h := newHarness(t, testutil.NewPage(10, 1, 10))

	_, err := h.fetcher.FetchAll(context.Background())
	require.NoError(t, err)

	result, err := h.fetcher.FetchAll(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 0, result.Written)
	assert.Equal(t, 10, result.Skipped)
}

func TestFetchAll_SeenSetIsPerFetcher(t *testing.T) {
	h := newHarness(t, testutil.NewPage(3, 1, 3))
	_, err := h.fetcher.FetchAll(context.Background())
	require.NoError(t, err)

	other := newHarness(t, testutil.NewPage(3, 1, 3))
	result, err := other.fetcher.FetchAll(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 3, result.Written, "a new Fetcher starts with an empty seen set")
}

func TestFetchAll_NoReauthenticationWithFreshToken(t *testing.T) {
	h := newHarness(t, testutil.NewPage(60, 1, 60), testutil.NewPage(10, 61, 10))

	_, err := h.fetcher.FetchAll(context.Background())
	require.NoError(t, err)
	assert.Len(t, h.mock.TokenRequests(), 1)
}

func TestFetchAll_ReauthenticatesExpiringToken(t *testing.T) {
	mock := testutil.NewMockCRM()
	defer mock.Close()
	mock.SetToken("short", 1)
	mock.SetPages(testutil.NewPage(10, 1, 10))

	session, err := auth.New(context.Background(), auth.DefaultConfig(mock.URL(), "id", "secret"), zerolog.Nop())
	require.NoError(t, err)
	mock.SetToken("renewed", 3600)

	crm, err := client.New(client.DefaultConfig(), zerolog.Nop())
	require.NoError(t, err)
	store, err := storage.NewStore(afero.NewMemMapFs(), storageDir, zerolog.Nop())
	require.NoError(t, err)

	f := New(session, crm, store, pagination.DefaultConfig(), zerolog.Nop())
	_, err = f.FetchAll(context.Background())
	require.NoError(t, err)

	assert.Len(t, mock.TokenRequests(), 2)
	assert.Equal(t, []string{"Bearer renewed"}, mock.AuthHeaders())
}

func TestFetchAll_FailingPageAbortsWithPageNumber(t *testing.T) {
	h := newHarness(t,
		testutil.NewPage(60, 1, 60),
		testutil.NewPage(60, 61, 60),
		testutil.NewPage(60, 121, 60),
	)
	h.mock.FailPage(2, testutil.MockResponse{StatusCode: http.StatusInternalServerError, Body: `{"message":"boom"}`})

	result, err := h.fetcher.FetchAll(context.Background())
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrAssetListRequestFailed)

	var pageErr *pagination.PageError
	require.True(t, errors.As(err, &pageErr))
	assert.Equal(t, 2, pageErr.Page)

	var apiErr *client.APIError
	require.True(t, errors.As(err, &apiErr))
	assert.Equal(t, http.StatusInternalServerError, apiErr.StatusCode)

	assert.Equal(t, []int{1, 2}, h.mock.RequestedPages())
	assert.Equal(t, 1, result.Pages)
	assert.Equal(t, 60, result.Written)
}

func TestFetchAll_AuthenticationFailureDuringRefresh(t *testing.T) {
	mock := testutil.NewMockCRM()
	defer mock.Close()
	mock.SetToken("short", 1)

	session, err := auth.New(context.Background(), auth.DefaultConfig(mock.URL(), "id", "secret"), zerolog.Nop())
	require.NoError(t, err)
	mock.SetTokenResponse(&testutil.MockResponse{StatusCode: http.StatusUnauthorized, Body: "revoked"})

	crm, err := client.New(client.DefaultConfig(), zerolog.Nop())
	require.NoError(t, err)
	store, err := storage.NewStore(afero.NewMemMapFs(), storageDir, zerolog.Nop())
	require.NoError(t, err)

	_, err = New(session, crm, store, pagination.DefaultConfig(), zerolog.Nop()).FetchAll(context.Background())
	require.ErrorIs(t, err, auth.ErrAuthenticationFailed)
	assert.Equal(t, 0, mock.AssetRequestCount())
}

func TestFetchAll_PersistFailureAborts(t *testing.T) {
	session := &fakeSession{}
	assets := &fakeAssets{pages: []*client.AssetPage{
		{Items: []client.Asset{{ID: 1, Name: "a"}, {ID: 2, Name: "b"}}, PageSize: 50},
		{Items: []client.Asset{{ID: 3, Name: "c"}}, PageSize: 1},
	}}
	store := &failingStore{failOn: 2}

	_, err := New(session, assets, store, pagination.DefaultConfig(), zerolog.Nop()).FetchAll(context.Background())
	require.ErrorIs(t, err, storage.ErrAssetPersistFailed)

	var pageErr *pagination.PageError
	require.True(t, errors.As(err, &pageErr))
	assert.Equal(t, 1, pageErr.Page)
	assert.Equal(t, 1, session.calls, "no page is requested after the failed write")
	assert.Equal(t, []int64{1, 2}, store.attempts)
}

// fakeSession counts EnsureFresh calls without any HTTP.
type fakeSession struct {
	calls int
	err   error
}

func (s *fakeSession) EnsureFresh(ctx context.Context) (auth.Credential, error) {
	s.calls++
	return auth.Credential{AccessToken: "t", ExpiresAt: time.Now().Add(time.Hour)}, s.err
}

type fakeAssets struct {
	pages []*client.AssetPage
}

func (a *fakeAssets) QueryAssets(ctx context.Context, cred auth.Credential, page, pageSize int) (*client.AssetPage, error) {
	if page > len(a.pages) {
		return &client.AssetPage{}, nil
	}
	return a.pages[page-1], nil
}

type failingStore struct {
	failOn   int64
	attempts []int64
}

func (s *failingStore) Persist(id int64, name, content string) (string, error) {
	s.attempts = append(s.attempts, id)
	if id == s.failOn {
		return "", &storage.PersistError{AssetID: id, Path: name, Err: errors.New("disk full")}
	}
	return name, nil
}

type recordingStore struct {
	writes []int64
}

func (s *recordingStore) Persist(id int64, name, content string) (string, error) {
	s.writes = append(s.writes, id)
	return name, nil
}

func TestFetchAll_ChecksCredentialBeforeEveryPage(t *testing.T) {
	session := &fakeSession{}
	assets := &fakeAssets{pages: []*client.AssetPage{
		{Items: []client.Asset{{ID: 1}}, PageSize: 50},
		{Items: []client.Asset{{ID: 2}}, PageSize: 50},
		{Items: []client.Asset{{ID: 3}}, PageSize: 5},
	}}
	store := &recordingStore{}

	_, err := New(session, assets, store, pagination.DefaultConfig(), zerolog.Nop()).FetchAll(context.Background())
	require.NoError(t, err)

	assert.Equal(t, 3, session.calls)
	assert.Equal(t, []int64{1, 2, 3}, store.writes)
}

func TestFetchAll_PersistsInPageOrder(t *testing.T) {
	assets := &fakeAssets{pages: []*client.AssetPage{
		{Items: []client.Asset{{ID: 30}, {ID: 20}, {ID: 30}, {ID: 10}}, PageSize: 4},
	}}
	store := &recordingStore{}

	result, err := New(&fakeSession{}, assets, store, pagination.DefaultConfig(), zerolog.Nop()).FetchAll(context.Background())
	require.NoError(t, err)

	assert.Equal(t, []int64{30, 20, 10}, store.writes)
	assert.Equal(t, 1, result.Skipped)
}
