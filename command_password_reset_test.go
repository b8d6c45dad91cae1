package consent_test

import (
	"context"
	"testing"
	"time"

	"github.com/goliatone/go-repository-bun"
	"github.com/google/uuid"
	consent "github.com/readerly/go-consent"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

func TestInitializePasswordResetHandlerIssuesToken(t *testing.T) {
	ctx := context.Background()
	repo := &MockRepositoryManager{}
	profiles := &MockProfiles{}
	resets := &MockPasswordResetTokens{}
	mailer := &MockMailer{}
	sink := &MockActivitySink{}

	userID := uuid.New()
	now := time.Now()

	handler := consent.NewInitializePasswordResetHandler(repo).
		WithMailer(mailer).
		WithActivitySink(sink).
		WithLogger(testLogger{}).
		WithBaseURL("https://app.readerly.dev").
		WithClock(func() time.Time { return now })

	repo.On("Profiles").Return(profiles).Once()
	repo.On("PasswordResetTokens").Return(resets).Twice()
	expectTx(repo).Once()

	profiles.On("GetByIdentifierTx", mock.Anything, mock.Anything, "pepe.rone@example.com").
		Return(&consent.Profile{ID: userID, Email: "pepe.rone@example.com"}, nil).Once()

	resets.On("ActiveForUserTx", mock.Anything, mock.Anything, userID, now).
		Return(nil, repository.NewRecordNotFound()).Once()

	resets.On("CreateTx", mock.Anything, mock.Anything, mock.MatchedBy(func(r *consent.PasswordResetToken) bool {
		return r.UserID != nil && *r.UserID == userID && r.Token != ""
	})).Return(&consent.PasswordResetToken{
		ID:     uuid.New(),
		UserID: &userID,
		Token:  "reset-tok",
	}, nil).Once()

	// Delivery and the audit write run off the request path, so capture
	// them on channels instead of asserting call order.
	delivered := make(chan consent.MailMessage, 1)
	mailer.On("Send", mock.Anything, mock.Anything).Run(func(args mock.Arguments) {
		delivered <- args.Get(1).(consent.MailMessage)
	}).Return(nil).Once()

	recorded := make(chan consent.ActivityEvent, 1)
	sink.On("Record", mock.Anything, mock.Anything).Run(func(args mock.Arguments) {
		recorded <- args.Get(1).(consent.ActivityEvent)
	}).Return(nil).Once()

	var resp *consent.InitializePasswordResetResponse
	err := handler.Execute(ctx, consent.InitializePasswordResetMessage{
		Email:      "pepe.rone@example.com",
		OnResponse: func(r *consent.InitializePasswordResetResponse) { resp = r },
	})
	require.NoError(t, err)
	require.True(t, resp.Success)

	select {
	case msg := <-delivered:
		require.Equal(t, "pepe.rone@example.com", msg.To)
		require.Equal(t, "https://app.readerly.dev/password-reset/reset-tok", msg.Link)
	case <-time.After(2 * time.Second):
		t.Fatal("reset notification never left the handler")
	}

	select {
	case evt := <-recorded:
		require.Equal(t, consent.ActivityEventResetRequested, evt.EventType)
		require.Equal(t, userID.String(), evt.UserID)
	case <-time.After(2 * time.Second):
		t.Fatal("reset activity event never recorded")
	}

	repo.AssertExpectations(t)
	profiles.AssertExpectations(t)
	resets.AssertExpectations(t)
	mailer.AssertExpectations(t)
	sink.AssertExpectations(t)
}

func TestInitializePasswordResetHandlerResponseDoesNotWaitForDelivery(t *testing.T) {
	repo := &MockRepositoryManager{}
	profiles := &MockProfiles{}
	resets := &MockPasswordResetTokens{}

	userID := uuid.New()
	now := time.Now()

	release := make(chan struct{})
	sent := make(chan struct{})
	mailer := consent.MailerFunc(func(ctx context.Context, msg consent.MailMessage) error {
		<-release
		close(sent)
		return nil
	})

	handler := consent.NewInitializePasswordResetHandler(repo).
		WithMailer(mailer).
		WithLogger(testLogger{}).
		WithClock(func() time.Time { return now })

	repo.On("Profiles").Return(profiles).Once()
	repo.On("PasswordResetTokens").Return(resets).Twice()
	expectTx(repo).Once()

	profiles.On("GetByIdentifierTx", mock.Anything, mock.Anything, "pepe.rone@example.com").
		Return(&consent.Profile{ID: userID}, nil).Once()
	resets.On("ActiveForUserTx", mock.Anything, mock.Anything, userID, now).
		Return(nil, repository.NewRecordNotFound()).Once()
	resets.On("CreateTx", mock.Anything, mock.Anything, mock.Anything).
		Return(&consent.PasswordResetToken{ID: uuid.New(), UserID: &userID, Token: "reset-tok"}, nil).Once()

	err := handler.Execute(context.Background(), consent.InitializePasswordResetMessage{
		Email: "pepe.rone@example.com",
	})
	require.NoError(t, err)

	// Execute returned while the send is still blocked: a slow mailer must
	// not make a known address answer slower than an unknown one.
	select {
	case <-sent:
		t.Fatal("handler waited for mail delivery before responding")
	default:
	}

	close(release)
	select {
	case <-sent:
	case <-time.After(2 * time.Second):
		t.Fatal("reset notification never left the handler")
	}
}

func TestInitializePasswordResetHandlerUnknownEmailStillSucceeds(t *testing.T) {
	repo := &MockRepositoryManager{}
	profiles := &MockProfiles{}
	mailer := &MockMailer{}

	handler := consent.NewInitializePasswordResetHandler(repo).
		WithMailer(mailer).
		WithLogger(testLogger{})

	repo.On("Profiles").Return(profiles).Once()
	expectTx(repo).Once()

	profiles.On("GetByIdentifierTx", mock.Anything, mock.Anything, "nobody@example.com").
		Return(nil, repository.NewRecordNotFound()).Once()

	var resp *consent.InitializePasswordResetResponse
	err := handler.Execute(context.Background(), consent.InitializePasswordResetMessage{
		Email:      "nobody@example.com",
		OnResponse: func(r *consent.InitializePasswordResetResponse) { resp = r },
	})
	require.NoError(t, err)
	require.True(t, resp.Success)
	require.Nil(t, resp.Reset)

	// No mail leaves the system for an unknown address.
	mailer.AssertNotCalled(t, "Send", mock.Anything, mock.Anything)
}

func TestInitializePasswordResetHandlerReusesActiveToken(t *testing.T) {
	repo := &MockRepositoryManager{}
	profiles := &MockProfiles{}
	resets := &MockPasswordResetTokens{}
	mailer := &MockMailer{}
	sink := &MockActivitySink{}

	userID := uuid.New()
	now := time.Now()

	handler := consent.NewInitializePasswordResetHandler(repo).
		WithMailer(mailer).
		WithActivitySink(sink).
		WithLogger(testLogger{}).
		WithClock(func() time.Time { return now })

	active := &consent.PasswordResetToken{
		ID:     uuid.New(),
		UserID: &userID,
		Token:  "still-valid",
	}

	repo.On("Profiles").Return(profiles).Once()
	repo.On("PasswordResetTokens").Return(resets).Once()
	expectTx(repo).Once()

	profiles.On("GetByIdentifierTx", mock.Anything, mock.Anything, "pepe.rone@example.com").
		Return(&consent.Profile{ID: userID}, nil).Once()
	resets.On("ActiveForUserTx", mock.Anything, mock.Anything, userID, now).
		Return(active, nil).Once()

	delivered := make(chan consent.MailMessage, 1)
	mailer.On("Send", mock.Anything, mock.Anything).Run(func(args mock.Arguments) {
		delivered <- args.Get(1).(consent.MailMessage)
	}).Return(nil).Once()

	recorded := make(chan consent.ActivityEvent, 1)
	sink.On("Record", mock.Anything, mock.Anything).Run(func(args mock.Arguments) {
		recorded <- args.Get(1).(consent.ActivityEvent)
	}).Return(nil).Once()

	var resp *consent.InitializePasswordResetResponse
	err := handler.Execute(context.Background(), consent.InitializePasswordResetMessage{
		Email:      "pepe.rone@example.com",
		OnResponse: func(r *consent.InitializePasswordResetResponse) { resp = r },
	})
	require.NoError(t, err)
	require.Equal(t, "still-valid", resp.Reset.Token)

	select {
	case msg := <-delivered:
		require.Equal(t, "/password-reset/still-valid", msg.Link)
	case <-time.After(2 * time.Second):
		t.Fatal("reset notification never left the handler")
	}

	select {
	case <-recorded:
	case <-time.After(2 * time.Second):
		t.Fatal("reset activity event never recorded")
	}

	resets.AssertNotCalled(t, "CreateTx", mock.Anything, mock.Anything, mock.Anything)
}

func TestFinalizePasswordResetHandlerUpdatesCredential(t *testing.T) {
	repo := &MockRepositoryManager{}
	resets := &MockPasswordResetTokens{}
	profiles := &MockProfiles{}
	sink := &MockActivitySink{}

	userID := uuid.New()
	now := time.Now()
	expires := now.Add(time.Hour)

	handler := consent.NewFinalizePasswordResetHandler(repo).
		WithActivitySink(sink).
		WithLogger(testLogger{}).
		WithClock(func() time.Time { return now })

	found := &consent.PasswordResetToken{
		ID:        uuid.New(),
		UserID:    &userID,
		Token:     "reset-tok",
		ExpiresAt: &expires,
	}
	consumed := *found
	consumed.UsedAt = &now

	repo.On("PasswordResetTokens").Return(resets).Twice()
	repo.On("Profiles").Return(profiles).Once()
	expectTx(repo).Once()

	resets.On("GetByTokenTx", mock.Anything, mock.Anything, "reset-tok").
		Return(found, nil).Once()
	resets.On("ConsumeTx", mock.Anything, mock.Anything, "reset-tok", now).
		Return(&consumed, nil).Once()
	profiles.On("SetPasswordTx", mock.Anything, mock.Anything, userID, mock.MatchedBy(func(hash string) bool {
		return hash != "" && hash != "password12345"
	})).Return(nil).Once()

	sink.On("Record", mock.Anything, mock.MatchedBy(func(evt consent.ActivityEvent) bool {
		return evt.EventType == consent.ActivityEventResetCompleted &&
			evt.UserID == userID.String()
	})).Return(nil).Once()

	err := handler.Execute(context.Background(), consent.FinalizePasswordResetMessage{
		Token:    "reset-tok",
		Password: "password12345",
	})
	require.NoError(t, err)

	repo.AssertExpectations(t)
	resets.AssertExpectations(t)
	profiles.AssertExpectations(t)
	sink.AssertExpectations(t)
}

func TestFinalizePasswordResetHandlerUsedToken(t *testing.T) {
	repo := &MockRepositoryManager{}
	resets := &MockPasswordResetTokens{}

	userID := uuid.New()
	now := time.Now()

	handler := consent.NewFinalizePasswordResetHandler(repo).WithLogger(testLogger{})

	repo.On("PasswordResetTokens").Return(resets).Once()
	expectTx(repo).Once()

	resets.On("GetByTokenTx", mock.Anything, mock.Anything, "reset-tok").
		Return(&consent.PasswordResetToken{
			UserID: &userID,
			Token:  "reset-tok",
			UsedAt: &now,
		}, nil).Once()

	err := handler.Execute(context.Background(), consent.FinalizePasswordResetMessage{
		Token:    "reset-tok",
		Password: "password12345",
	})
	require.Error(t, err)
	require.Equal(t, consent.TextCodeAlreadyUsed, consent.ErrorTextCode(err))
}

func TestFinalizePasswordResetHandlerExpiredToken(t *testing.T) {
	repo := &MockRepositoryManager{}
	resets := &MockPasswordResetTokens{}

	userID := uuid.New()
	now := time.Now()
	expired := now.Add(-time.Minute)

	handler := consent.NewFinalizePasswordResetHandler(repo).
		WithLogger(testLogger{}).
		WithClock(func() time.Time { return now })

	repo.On("PasswordResetTokens").Return(resets).Once()
	expectTx(repo).Once()

	resets.On("GetByTokenTx", mock.Anything, mock.Anything, "reset-tok").
		Return(&consent.PasswordResetToken{
			UserID:    &userID,
			Token:     "reset-tok",
			ExpiresAt: &expired,
		}, nil).Once()

	err := handler.Execute(context.Background(), consent.FinalizePasswordResetMessage{
		Token:    "reset-tok",
		Password: "password12345",
	})
	require.Error(t, err)
	require.Equal(t, consent.TextCodeExpired, consent.ErrorTextCode(err))
}

func TestFinalizePasswordResetHandlerLostConsumeRace(t *testing.T) {
	repo := &MockRepositoryManager{}
	resets := &MockPasswordResetTokens{}

	userID := uuid.New()
	now := time.Now()
	expires := now.Add(time.Hour)

	handler := consent.NewFinalizePasswordResetHandler(repo).
		WithLogger(testLogger{}).
		WithClock(func() time.Time { return now })

	repo.On("PasswordResetTokens").Return(resets).Twice()
	expectTx(repo).Once()

	resets.On("GetByTokenTx", mock.Anything, mock.Anything, "reset-tok").
		Return(&consent.PasswordResetToken{
			UserID:    &userID,
			Token:     "reset-tok",
			ExpiresAt: &expires,
		}, nil).Once()
	resets.On("ConsumeTx", mock.Anything, mock.Anything, "reset-tok", now).
		Return(nil, nil).Once()

	err := handler.Execute(context.Background(), consent.FinalizePasswordResetMessage{
		Token:    "reset-tok",
		Password: "password12345",
	})
	require.Error(t, err)
	require.Equal(t, consent.TextCodeAlreadyUsed, consent.ErrorTextCode(err))
}

func TestFinalizePasswordResetHandlerUnknownToken(t *testing.T) {
	repo := &MockRepositoryManager{}
	resets := &MockPasswordResetTokens{}

	handler := consent.NewFinalizePasswordResetHandler(repo).WithLogger(testLogger{})

	repo.On("PasswordResetTokens").Return(resets).Once()
	expectTx(repo).Once()

	resets.On("GetByTokenTx", mock.Anything, mock.Anything, "missing").
		Return(nil, repository.NewRecordNotFound()).Once()

	err := handler.Execute(context.Background(), consent.FinalizePasswordResetMessage{
		Token:    "missing",
		Password: "password12345",
	})
	require.Error(t, err)
	require.Equal(t, consent.TextCodeNotFound, consent.ErrorTextCode(err))
}
