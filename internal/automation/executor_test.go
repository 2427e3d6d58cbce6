package automation

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/mikkotan/vibe-employee/internal/core"
	"github.com/mikkotan/vibe-employee/internal/vault"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testKey = "aaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaa"

// fakePage simulates a tracker login page. The selectors present on the
// page are listed in elements; every interaction is recorded.
type fakePage struct {
	mu sync.Mutex

	elements map[string]bool

	navigateErr  error
	clickErr     error
	shotErr      error
	navigateHang bool

	navigated []string
	filled    map[string]string
	clicked   []string
	closed    bool
}

func newFakePage(elements ...string) *fakePage {
	m := make(map[string]bool, len(elements))
	for _, e := range elements {
		m[e] = true
	}
	return &fakePage{elements: m, filled: make(map[string]string)}
}

func (p *fakePage) Navigate(ctx context.Context, url string) error {
	p.mu.Lock()
	hang := p.navigateHang
	p.mu.Unlock()
	if hang {
		<-ctx.Done()
		return ctx.Err()
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.navigateErr != nil {
		return p.navigateErr
	}
	p.navigated = append(p.navigated, url)
	return nil
}

func (p *fakePage) Exists(ctx context.Context, sel string) (bool, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.elements[sel], nil
}

func (p *fakePage) Fill(ctx context.Context, sel, value string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.filled[sel] = value
	return nil
}

func (p *fakePage) Click(ctx context.Context, sel string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.clickErr != nil {
		return p.clickErr
	}
	p.clicked = append(p.clicked, sel)
	return nil
}

func (p *fakePage) WaitNavigation(ctx context.Context) error { return nil }

func (p *fakePage) Screenshot(ctx context.Context) ([]byte, error) {
	if p.shotErr != nil {
		return nil, p.shotErr
	}
	return []byte("png-bytes"), nil
}

func (p *fakePage) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.closed = true
	return nil
}

func (p *fakePage) clickedSelectors() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]string(nil), p.clicked...)
}

type fakeFactory struct {
	page *fakePage
	err  error
}

func (f *fakeFactory) NewPage(ctx context.Context) (Page, error) {
	if f.err != nil {
		return nil, f.err
	}
	return f.page, nil
}

type finalizeRecord struct {
	id           string
	status       core.LogStatus
	errMsg       *string
	snapshotPath *string
	ctxErr       error
}

type fakeExecStore struct {
	cfg       *core.TrackerConfig
	cfgErr    error
	finalized []finalizeRecord
}

func (s *fakeExecStore) GetTrackerConfig(ctx context.Context, userID string) (*core.TrackerConfig, error) {
	return s.cfg, s.cfgErr
}

func (s *fakeExecStore) FinalizeTimeLog(ctx context.Context, id string, status core.LogStatus, actualTime time.Time, errMsg *string, snapshotPath *string) error {
	s.finalized = append(s.finalized, finalizeRecord{id: id, status: status, errMsg: errMsg, snapshotPath: snapshotPath, ctxErr: ctx.Err()})
	return nil
}

type fakeSnapshots struct {
	saved  map[string][]byte
	pruned []string
	err    error
}

func (s *fakeSnapshots) SaveSnapshot(timeLogID string, png []byte) (string, error) {
	if s.err != nil {
		return "", s.err
	}
	if s.saved == nil {
		s.saved = make(map[string][]byte)
	}
	s.saved[timeLogID] = png
	return "/snapshots/" + timeLogID + ".png", nil
}

func (s *fakeSnapshots) PruneOldSnapshots(ctx context.Context, userID string) error {
	s.pruned = append(s.pruned, userID)
	return nil
}

func testVault(t *testing.T) *vault.Vault {
	t.Helper()
	v, err := vault.New(testKey)
	require.NoError(t, err)
	return v
}

func encryptedPassword(t *testing.T, v *vault.Vault) string {
	t.Helper()
	ct, err := v.Encrypt([]byte("s3cret"))
	require.NoError(t, err)
	return ct
}

func trackerConfig(t *testing.T, v *vault.Vault) *core.TrackerConfig {
	t.Helper()
	return &core.TrackerConfig{
		UserID:            "u1",
		TrackerURL:        "https://tracker.example.com/login",
		TrackerUsername:   "worker",
		EncryptedPassword: encryptedPassword(t, v),
	}
}

func newTestExecutor(store Store, factory SessionFactory, snapshots Snapshots, v *vault.Vault) *Executor {
	e := NewExecutor(store, v, factory, snapshots, slog.New(slog.NewTextHandler(io.Discard, nil)))
	e.fieldTimeout = 50 * time.Millisecond
	e.probeTimeout = 50 * time.Millisecond
	e.postLoginTimeout = 50 * time.Millisecond
	e.settleDelay = time.Millisecond
	return e
}

func testRunJob(attempts int, action core.Action) *core.Job {
	return &core.Job{
		ID:          "j1",
		UserID:      "u1",
		Action:      action,
		TimeLogID:   "tl1",
		Attempts:    attempts,
		MaxAttempts: 3,
	}
}

// loginPage returns a page carrying the standard login form plus the given
// extra elements.
func loginPage(extra ...string) *fakePage {
	elements := append([]string{
		`input[name="username"]`,
		`input[type="password"]`,
		`button[type="submit"]`,
	}, extra...)
	return newFakePage(elements...)
}

func clockInButton() string {
	return `//button[contains(normalize-space(.), "Clock In")]`
}

func clockOutButton() string {
	return `//button[contains(normalize-space(.), "Clock Out")]`
}

func TestRunSuccessfulClockIn(t *testing.T) {
	v := testVault(t)
	page := loginPage(clockInButton())
	store := &fakeExecStore{cfg: trackerConfig(t, v)}
	snaps := &fakeSnapshots{}
	e := newTestExecutor(store, &fakeFactory{page: page}, snaps, v)

	result, err := e.Run(context.Background(), testRunJob(1, core.ActionTimeIn))
	require.NoError(t, err)
	assert.True(t, result.Success)

	// Login filled both fields and pressed submit, then the action control.
	assert.Equal(t, "worker", page.filled[`input[name="username"]`])
	assert.Equal(t, "s3cret", page.filled[`input[type="password"]`])
	assert.Equal(t, []string{`button[type="submit"]`, clockInButton()}, page.clickedSelectors())
	assert.True(t, page.closed)

	// Ledger finalized SUCCESS with the snapshot attached.
	require.Len(t, store.finalized, 1)
	assert.Equal(t, "tl1", store.finalized[0].id)
	assert.Equal(t, core.LogStatusSuccess, store.finalized[0].status)
	assert.Nil(t, store.finalized[0].errMsg)
	require.NotNil(t, store.finalized[0].snapshotPath)
	assert.Equal(t, "/snapshots/tl1.png", *store.finalized[0].snapshotPath)
	assert.Equal(t, []byte("png-bytes"), snaps.saved["tl1"])

	// Retention runs right after a new snapshot lands.
	assert.Equal(t, []string{"u1"}, snaps.pruned)
}

func TestRunUsesConfiguredSelectors(t *testing.T) {
	v := testVault(t)
	cfg := trackerConfig(t, v)
	userSel, passSel, loginSel, inSel := "#user", "#pass", "#login", "#clock-in"
	cfg.SelectorUsername = &userSel
	cfg.SelectorPassword = &passSel
	cfg.SelectorLogin = &loginSel
	cfg.SelectorTimeIn = &inSel

	page := newFakePage("#user", "#pass", "#login", "#clock-in")
	store := &fakeExecStore{cfg: cfg}
	e := newTestExecutor(store, &fakeFactory{page: page}, nil, v)

	result, err := e.Run(context.Background(), testRunJob(1, core.ActionTimeIn))
	require.NoError(t, err)
	assert.True(t, result.Success)
	assert.Equal(t, "s3cret", page.filled["#pass"])
	assert.Equal(t, []string{"#login", "#clock-in"}, page.clickedSelectors())
}

func TestRunMissingConfigIsPermanent(t *testing.T) {
	v := testVault(t)
	store := &fakeExecStore{}
	e := newTestExecutor(store, &fakeFactory{page: newFakePage()}, nil, v)

	_, err := e.Run(context.Background(), testRunJob(1, core.ActionTimeIn))
	require.Error(t, err)

	var failure *Failure
	require.ErrorAs(t, err, &failure)
	assert.Equal(t, KindConfigMissing, failure.Kind)
	assert.True(t, IsPermanent(err))

	require.Len(t, store.finalized, 1)
	assert.Equal(t, core.LogStatusFailed, store.finalized[0].status)
}

func TestRunUndecryptablePasswordIsPermanent(t *testing.T) {
	v := testVault(t)
	cfg := trackerConfig(t, v)
	cfg.EncryptedPassword = "not:a:ciphertext"
	store := &fakeExecStore{cfg: cfg}
	e := newTestExecutor(store, &fakeFactory{page: newFakePage()}, nil, v)

	_, err := e.Run(context.Background(), testRunJob(1, core.ActionTimeIn))
	var failure *Failure
	require.ErrorAs(t, err, &failure)
	assert.Equal(t, KindConfigInvalid, failure.Kind)
	assert.True(t, IsPermanent(err))
}

func TestRunNavigationFailureIsRetryable(t *testing.T) {
	v := testVault(t)
	page := loginPage(clockInButton())
	page.navigateErr = errors.New("net::ERR_CONNECTION_REFUSED")
	store := &fakeExecStore{cfg: trackerConfig(t, v)}
	snaps := &fakeSnapshots{}
	e := newTestExecutor(store, &fakeFactory{page: page}, snaps, v)

	_, err := e.Run(context.Background(), testRunJob(1, core.ActionTimeIn))
	var failure *Failure
	require.ErrorAs(t, err, &failure)
	assert.Equal(t, KindNavigationTimeout, failure.Kind)
	assert.False(t, IsPermanent(err))

	// The failure is still captured and the ledger finalized FAILED.
	require.Len(t, store.finalized, 1)
	assert.Equal(t, core.LogStatusFailed, store.finalized[0].status)
	require.NotNil(t, store.finalized[0].errMsg)
	assert.Contains(t, *store.finalized[0].errMsg, "ERR_CONNECTION_REFUSED")
	assert.NotNil(t, store.finalized[0].snapshotPath)
	assert.True(t, page.closed)
}

func TestRunCommitsLedgerAfterJobContextExpires(t *testing.T) {
	v := testVault(t)
	page := loginPage(clockInButton())
	page.navigateHang = true
	store := &fakeExecStore{cfg: trackerConfig(t, v)}
	e := newTestExecutor(store, &fakeFactory{page: page}, nil, v)

	// The browser hangs until the job deadline kills the run.
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()
	_, err := e.Run(ctx, testRunJob(1, core.ActionTimeIn))
	require.Error(t, err)

	// The ledger commit must still land: it runs on its own context, not
	// the dead job context.
	require.Len(t, store.finalized, 1)
	assert.Equal(t, core.LogStatusFailed, store.finalized[0].status)
	assert.NoError(t, store.finalized[0].ctxErr)
	assert.True(t, page.closed)
}

func TestRunMissingPasswordField(t *testing.T) {
	v := testVault(t)
	// Page has a username field but no password input and no submit.
	page := newFakePage(`input[name="username"]`)
	store := &fakeExecStore{cfg: trackerConfig(t, v)}
	e := newTestExecutor(store, &fakeFactory{page: page}, nil, v)

	_, err := e.Run(context.Background(), testRunJob(1, core.ActionTimeIn))
	var failure *Failure
	require.ErrorAs(t, err, &failure)
	assert.Equal(t, KindFieldNotFound, failure.Kind)
	assert.Equal(t, "password", failure.Field)
	assert.True(t, IsPermanent(err))
	assert.True(t, strings.Contains(err.Error(), "password"))

	// Nothing was clicked: the run stopped before submitting credentials.
	assert.Empty(t, page.clickedSelectors())
}

func TestRunMissingActionButton(t *testing.T) {
	v := testVault(t)
	page := loginPage() // login form present, no clock controls
	store := &fakeExecStore{cfg: trackerConfig(t, v)}
	e := newTestExecutor(store, &fakeFactory{page: page}, nil, v)

	_, err := e.Run(context.Background(), testRunJob(1, core.ActionTimeOut))
	var failure *Failure
	require.ErrorAs(t, err, &failure)
	assert.Equal(t, KindActionButtonNotFound, failure.Kind)
	assert.True(t, IsPermanent(err))

	// Only the login submit was pressed.
	assert.Equal(t, []string{`button[type="submit"]`}, page.clickedSelectors())
}

func TestRunRetrySkipsClickWhenActionAlreadyApplied(t *testing.T) {
	v := testVault(t)
	// After the first attempt's click landed, the page offers Clock Out and
	// no longer offers Clock In.
	page := loginPage(clockOutButton())
	store := &fakeExecStore{cfg: trackerConfig(t, v)}
	e := newTestExecutor(store, &fakeFactory{page: page}, nil, v)

	result, err := e.Run(context.Background(), testRunJob(2, core.ActionTimeIn))
	require.NoError(t, err)
	assert.True(t, result.Success)

	// The login submit is re-pressed but the clock control is not.
	assert.Equal(t, []string{`button[type="submit"]`}, page.clickedSelectors())
}

func TestRunRetryClicksWhenActionNotYetApplied(t *testing.T) {
	v := testVault(t)
	// Clock In is still offered: the first attempt never clicked it.
	page := loginPage(clockInButton())
	store := &fakeExecStore{cfg: trackerConfig(t, v)}
	e := newTestExecutor(store, &fakeFactory{page: page}, nil, v)

	result, err := e.Run(context.Background(), testRunJob(2, core.ActionTimeIn))
	require.NoError(t, err)
	assert.True(t, result.Success)
	assert.Equal(t, []string{`button[type="submit"]`, clockInButton()}, page.clickedSelectors())
}

func TestRunSnapshotFailureDoesNotFailTheRun(t *testing.T) {
	v := testVault(t)
	page := loginPage(clockInButton())
	page.shotErr = errors.New("tab crashed")
	store := &fakeExecStore{cfg: trackerConfig(t, v)}
	e := newTestExecutor(store, &fakeFactory{page: page}, &fakeSnapshots{}, v)

	result, err := e.Run(context.Background(), testRunJob(1, core.ActionTimeIn))
	require.NoError(t, err)
	assert.True(t, result.Success)
	assert.Nil(t, result.SnapshotPath)

	require.Len(t, store.finalized, 1)
	assert.Equal(t, core.LogStatusSuccess, store.finalized[0].status)
	assert.Nil(t, store.finalized[0].snapshotPath)
}

func TestVerifyLoginStopsBeforeClockControls(t *testing.T) {
	v := testVault(t)
	page := loginPage(clockInButton())
	store := &fakeExecStore{cfg: trackerConfig(t, v)}
	e := newTestExecutor(store, &fakeFactory{page: page}, nil, v)

	err := e.VerifyLogin(context.Background(), trackerConfig(t, v), []byte("s3cret"))
	require.NoError(t, err)

	// The login flow ran in full, but the clock control was never clicked
	// and no ledger row was touched.
	assert.Equal(t, "worker", page.filled[`input[name="username"]`])
	assert.Equal(t, "s3cret", page.filled[`input[type="password"]`])
	assert.Equal(t, []string{`button[type="submit"]`}, page.clickedSelectors())
	assert.True(t, page.closed)
	assert.Empty(t, store.finalized)
}

func TestVerifyLoginReportsNavigationFailure(t *testing.T) {
	v := testVault(t)
	page := loginPage()
	page.navigateErr = errors.New("net::ERR_NAME_NOT_RESOLVED")
	e := newTestExecutor(&fakeExecStore{}, &fakeFactory{page: page}, nil, v)

	err := e.VerifyLogin(context.Background(), trackerConfig(t, v), []byte("s3cret"))
	var failure *Failure
	require.ErrorAs(t, err, &failure)
	assert.Equal(t, KindNavigationTimeout, failure.Kind)
	assert.True(t, page.closed)
}

func TestFindFirstPrefersEarlierMatchers(t *testing.T) {
	page := newFakePage(`input#username`, `input[type="text"]`)
	cfg := &core.TrackerConfig{}

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()
	m, ok, err := FindFirst(ctx, page, UsernameMatchers(cfg))
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "id=username", m.Name)
}

func TestFindFirstTimesOutCleanly(t *testing.T) {
	page := newFakePage() // empty page
	cfg := &core.TrackerConfig{}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()
	_, ok, err := FindFirst(ctx, page, PasswordMatchers(cfg))
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestFailureMessages(t *testing.T) {
	cases := []struct {
		failure *Failure
		want    string
	}{
		{&Failure{Kind: KindConfigMissing}, "configuration not found"},
		{&Failure{Kind: KindFieldNotFound, Field: "username"}, "username"},
		{&Failure{Kind: KindActionButtonNotFound}, "action"},
	}
	for _, tc := range cases {
		assert.Contains(t, tc.failure.Error(), tc.want)
	}
}
