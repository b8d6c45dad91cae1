package consent_test

import (
	"context"
	"database/sql"
	"io"
	"mime/multipart"
	"time"

	repository "github.com/goliatone/go-repository-bun"
	"github.com/goliatone/go-router"
	"github.com/google/uuid"
	consent "github.com/readerly/go-consent"
	"github.com/stretchr/testify/mock"
	"github.com/uptrace/bun"
)

type testLogger struct{}

func (testLogger) Debug(string, ...any) {}
func (testLogger) Info(string, ...any)  {}
func (testLogger) Warn(string, ...any)  {}
func (testLogger) Error(string, ...any) {}

// MockRepositoryManager implements consent.RepositoryManager
type MockRepositoryManager struct {
	mock.Mock
}

func (m *MockRepositoryManager) Validate() error {
	args := m.Called()
	return args.Error(0)
}

func (m *MockRepositoryManager) MustValidate() {
	m.Called()
}

// RunInTx executes the closure inline with a zero-value transaction handle
// and propagates its error, so error paths inside the closure surface the
// same way they would against a real store.
func (m *MockRepositoryManager) RunInTx(ctx context.Context, opts *sql.TxOptions, f func(ctx context.Context, tx bun.Tx) error) error {
	args := m.Called(ctx, opts, f)
	if err := args.Error(0); err != nil {
		return err
	}
	var tx bun.Tx
	return f(ctx, tx)
}

func (m *MockRepositoryManager) Profiles() consent.Profiles {
	args := m.Called()
	return args.Get(0).(consent.Profiles)
}

func (m *MockRepositoryManager) ConsentRecords() consent.ConsentRecords {
	args := m.Called()
	return args.Get(0).(consent.ConsentRecords)
}

func (m *MockRepositoryManager) PasswordResetTokens() consent.PasswordResetTokens {
	args := m.Called()
	return args.Get(0).(consent.PasswordResetTokens)
}

// expectTx registers the RunInTx expectation that lets the closure run.
func expectTx(repo *MockRepositoryManager) *mock.Call {
	return repo.On("RunInTx", mock.Anything, (*sql.TxOptions)(nil), mock.Anything).Return(nil)
}

// MockProfiles stubs the profile operations the handlers exercise. The
// embedded interface covers the rest of the repository surface; calling an
// unstubbed method panics, which is what we want in tests.
type MockProfiles struct {
	mock.Mock
	consent.Profiles
}

func (m *MockProfiles) GetByID(ctx context.Context, id string, criteria ...repository.SelectCriteria) (*consent.Profile, error) {
	args := m.Called(ctx, id)
	profile, _ := args.Get(0).(*consent.Profile)
	return profile, args.Error(1)
}

func (m *MockProfiles) GetByIdentifier(ctx context.Context, identifier string, criteria ...repository.SelectCriteria) (*consent.Profile, error) {
	args := m.Called(ctx, identifier)
	profile, _ := args.Get(0).(*consent.Profile)
	return profile, args.Error(1)
}

func (m *MockProfiles) GetByIdentifierTx(ctx context.Context, tx bun.IDB, identifier string, criteria ...repository.SelectCriteria) (*consent.Profile, error) {
	args := m.Called(ctx, tx, identifier)
	profile, _ := args.Get(0).(*consent.Profile)
	return profile, args.Error(1)
}

func (m *MockProfiles) GetOrCreateTx(ctx context.Context, tx bun.IDB, record *consent.Profile) (*consent.Profile, error) {
	args := m.Called(ctx, tx, record)
	profile, _ := args.Get(0).(*consent.Profile)
	return profile, args.Error(1)
}

func (m *MockProfiles) MarkConsentObtained(ctx context.Context, id uuid.UUID) (*consent.Profile, error) {
	args := m.Called(ctx, id)
	profile, _ := args.Get(0).(*consent.Profile)
	return profile, args.Error(1)
}

func (m *MockProfiles) SetPasswordTx(ctx context.Context, tx bun.IDB, id uuid.UUID, passwordHash string) error {
	args := m.Called(ctx, tx, id, passwordHash)
	return args.Error(0)
}

// MockConsentRecords stubs the consent record operations the handlers
// exercise.
type MockConsentRecords struct {
	mock.Mock
	consent.ConsentRecords
}

func (m *MockConsentRecords) GetByToken(ctx context.Context, token string) (*consent.ConsentRecord, error) {
	args := m.Called(ctx, token)
	record, _ := args.Get(0).(*consent.ConsentRecord)
	return record, args.Error(1)
}

func (m *MockConsentRecords) GetByTokenTx(ctx context.Context, tx bun.IDB, token string) (*consent.ConsentRecord, error) {
	args := m.Called(ctx, tx, token)
	record, _ := args.Get(0).(*consent.ConsentRecord)
	return record, args.Error(1)
}

func (m *MockConsentRecords) LatestForUser(ctx context.Context, userID uuid.UUID) (*consent.ConsentRecord, error) {
	args := m.Called(ctx, userID)
	record, _ := args.Get(0).(*consent.ConsentRecord)
	return record, args.Error(1)
}

func (m *MockConsentRecords) PendingForUserTx(ctx context.Context, tx bun.IDB, userID uuid.UUID, now time.Time) (*consent.ConsentRecord, error) {
	args := m.Called(ctx, tx, userID, now)
	record, _ := args.Get(0).(*consent.ConsentRecord)
	return record, args.Error(1)
}

func (m *MockConsentRecords) CreateTx(ctx context.Context, tx bun.IDB, record *consent.ConsentRecord, criteria ...repository.InsertCriteria) (*consent.ConsentRecord, error) {
	args := m.Called(ctx, tx, record)
	created, _ := args.Get(0).(*consent.ConsentRecord)
	return created, args.Error(1)
}

func (m *MockConsentRecords) ResolveTx(ctx context.Context, tx bun.IDB, token string, status consent.ConsentStatus, resolvedAt time.Time) (*consent.ConsentRecord, error) {
	args := m.Called(ctx, tx, token, status, resolvedAt)
	record, _ := args.Get(0).(*consent.ConsentRecord)
	return record, args.Error(1)
}

// MockPasswordResetTokens stubs the reset token operations the handlers
// exercise.
type MockPasswordResetTokens struct {
	mock.Mock
	consent.PasswordResetTokens
}

func (m *MockPasswordResetTokens) GetByToken(ctx context.Context, token string) (*consent.PasswordResetToken, error) {
	args := m.Called(ctx, token)
	record, _ := args.Get(0).(*consent.PasswordResetToken)
	return record, args.Error(1)
}

func (m *MockPasswordResetTokens) GetByTokenTx(ctx context.Context, tx bun.IDB, token string) (*consent.PasswordResetToken, error) {
	args := m.Called(ctx, tx, token)
	record, _ := args.Get(0).(*consent.PasswordResetToken)
	return record, args.Error(1)
}

func (m *MockPasswordResetTokens) ActiveForUserTx(ctx context.Context, tx bun.IDB, userID uuid.UUID, now time.Time) (*consent.PasswordResetToken, error) {
	args := m.Called(ctx, tx, userID, now)
	record, _ := args.Get(0).(*consent.PasswordResetToken)
	return record, args.Error(1)
}

func (m *MockPasswordResetTokens) CreateTx(ctx context.Context, tx bun.IDB, record *consent.PasswordResetToken, criteria ...repository.InsertCriteria) (*consent.PasswordResetToken, error) {
	args := m.Called(ctx, tx, record)
	created, _ := args.Get(0).(*consent.PasswordResetToken)
	return created, args.Error(1)
}

func (m *MockPasswordResetTokens) ConsumeTx(ctx context.Context, tx bun.IDB, token string, usedAt time.Time) (*consent.PasswordResetToken, error) {
	args := m.Called(ctx, tx, token, usedAt)
	record, _ := args.Get(0).(*consent.PasswordResetToken)
	return record, args.Error(1)
}

// MockActivitySink implements consent.ActivitySink
type MockActivitySink struct {
	mock.Mock
}

func (m *MockActivitySink) Record(ctx context.Context, event consent.ActivityEvent) error {
	args := m.Called(ctx, event)
	return args.Error(0)
}

// capturingSink records every event for order-sensitive assertions.
type capturingSink struct {
	events []consent.ActivityEvent
}

func (c *capturingSink) Record(_ context.Context, evt consent.ActivityEvent) error {
	c.events = append(c.events, evt)
	return nil
}

// MockMailer implements consent.Mailer
type MockMailer struct {
	mock.Mock
}

func (m *MockMailer) Send(ctx context.Context, msg consent.MailMessage) error {
	args := m.Called(ctx, msg)
	return args.Error(0)
}

// MockContext mocks router.Context for controller handlers.
type MockContext struct {
	mock.Mock
	NextCalled bool
}

func (m *MockContext) Next() error {
	m.NextCalled = true
	return nil
}

func (m *MockContext) Context() context.Context {
	args := m.Called()
	c, ok := args.Get(0).(context.Context)
	if !ok {
		panic("arg needs to be context.Context")
	}
	return c
}

func (m *MockContext) SetContext(ctx context.Context) {
	m.Called(ctx)
}

func (m *MockContext) Path() string {
	args := m.Called()
	return args.String(0)
}

func (m *MockContext) Method() string {
	args := m.Called()
	return args.String(0)
}

func (m *MockContext) Body() []byte {
	args := m.Called()
	return args.Get(0).([]byte)
}

func (m *MockContext) Status(code int) router.Context {
	m.Called(code)
	return m
}

func (m *MockContext) SendString(s string) error {
	args := m.Called(s)
	return args.Error(0)
}

func (m *MockContext) Send(b []byte) error {
	args := m.Called(b)
	return args.Error(0)
}

func (m *MockContext) JSON(code int, val any) error {
	args := m.Called(code, val)
	return args.Error(0)
}

func (m *MockContext) NoContent(code int) error {
	args := m.Called(code)
	return args.Error(0)
}

func (m *MockContext) Render(name string, bind any, layout ...string) error {
	if len(layout) > 0 {
		args := m.Called(name, bind, layout[0])
		return args.Error(0)
	}
	args := m.Called(name, bind)
	return args.Error(0)
}

func (m *MockContext) Redirect(path string, status ...int) error {
	if len(status) > 0 {
		args := m.Called(path, status)
		return args.Error(0)
	}
	args := m.Called(path)
	return args.Error(0)
}

func (m *MockContext) RedirectToRoute(name string, data router.ViewContext, status ...int) error {
	if len(status) > 0 {
		args := m.Called(name, data, status[0])
		return args.Error(0)
	}
	args := m.Called(name, data)
	return args.Error(0)
}

func (m *MockContext) RedirectBack(fallback string, status ...int) error {
	if len(status) > 0 {
		args := m.Called(fallback, status)
		return args.Error(0)
	}
	args := m.Called(fallback)
	return args.Error(0)
}

func (m *MockContext) SetHeader(key, val string) router.Context {
	m.Called(key, val)
	return m
}

func (m *MockContext) Header(key string) string {
	args := m.Called(key)
	return args.String(0)
}

func (m *MockContext) Get(key string, defaultValue any) any {
	args := m.Called(key, defaultValue)
	return args.Get(0)
}

func (m *MockContext) GetBool(key string, defaultValue bool) bool {
	args := m.Called(key, defaultValue)
	return args.Bool(0)
}

func (m *MockContext) GetInt(key string, def int) int {
	args := m.Called(key, def)
	return args.Int(0)
}

func (m *MockContext) Set(key string, val any) {
	m.Called(key, val)
}

func (m *MockContext) Bind(i any) error {
	args := m.Called(i)
	return args.Error(0)
}

func (m *MockContext) BindJSON(i any) error {
	args := m.Called(i)
	return args.Error(0)
}

func (m *MockContext) BindXML(i any) error {
	args := m.Called(i)
	return args.Error(0)
}

func (m *MockContext) BindQuery(i any) error {
	args := m.Called(i)
	return args.Error(0)
}

func (m *MockContext) CookieParser(i any) error {
	args := m.Called(i)
	return args.Error(0)
}

func (m *MockContext) Cookie(cookie *router.Cookie) {
	m.Called(cookie)
}

func (m *MockContext) Cookies(key string, defaultValue ...string) string {
	if len(defaultValue) > 0 {
		args := m.Called(key, defaultValue[0])
		return args.String(0)
	}
	args := m.Called(key)
	return args.String(0)
}

func (m *MockContext) Param(key string, defaultValue ...string) string {
	if len(defaultValue) > 0 {
		args := m.Called(key, defaultValue[0])
		return args.String(0)
	}
	args := m.Called(key)
	return args.String(0)
}

func (m *MockContext) ParamsInt(key string, defaultValue int) int {
	args := m.Called(key, defaultValue)
	return args.Int(0)
}

func (m *MockContext) Query(key string, defaultValue ...string) string {
	callArgs := []any{key}
	for _, d := range defaultValue {
		callArgs = append(callArgs, d)
	}
	args := m.Called(callArgs...)
	return args.String(0)
}

func (m *MockContext) QueryInt(key string, defaultValue int) int {
	args := m.Called(key, defaultValue)
	return args.Int(0)
}

func (m *MockContext) Queries() map[string]string {
	args := m.Called()
	return args.Get(0).(map[string]string)
}

func (m *MockContext) GetString(key string, defaultValue string) string {
	args := m.Called(key, defaultValue)
	return args.String(0)
}

func (m *MockContext) Locals(key any, value ...any) any {
	if len(value) > 0 {
		m.Called(key, value[0])
		return nil
	}
	args := m.Called(key)
	return args.Get(0)
}

func (m *MockContext) OriginalURL() string {
	args := m.Called()
	return args.String(0)
}

func (m *MockContext) OnNext(callback func() error) {
	m.Called(callback)
}

func (m *MockContext) Referer() string {
	args := m.Called()
	return args.String(0)
}

func (m *MockContext) QueryValues(name string) []string {
	args := m.Called(name)
	if v := args.Get(0); v != nil {
		return v.([]string)
	}
	return nil
}

func (m *MockContext) LocalsMerge(key any, value map[string]any) map[string]any {
	args := m.Called(key, value)
	if v := args.Get(0); v != nil {
		return v.(map[string]any)
	}
	return nil
}

func (m *MockContext) FormFile(key string) (*multipart.FileHeader, error) {
	args := m.Called(key)
	if v := args.Get(0); v != nil {
		return v.(*multipart.FileHeader), args.Error(1)
	}
	return nil, args.Error(1)
}

func (m *MockContext) FormValue(key string, defaultValue ...string) string {
	callArgs := []any{key}
	for _, d := range defaultValue {
		callArgs = append(callArgs, d)
	}
	args := m.Called(callArgs...)
	return args.String(0)
}

func (m *MockContext) IP() string {
	args := m.Called()
	return args.String(0)
}

func (m *MockContext) SendStatus(code int) error {
	args := m.Called(code)
	return args.Error(0)
}

func (m *MockContext) SendStream(r io.Reader) error {
	args := m.Called(r)
	return args.Error(0)
}

func (m *MockContext) RouteName() string {
	args := m.Called()
	return args.String(0)
}

func (m *MockContext) RouteParams() map[string]string {
	args := m.Called()
	if v := args.Get(0); v != nil {
		return v.(map[string]string)
	}
	return nil
}
