package consent

import (
	"errors"
	"fmt"
	"time"

	validation "github.com/go-ozzo/ozzo-validation"
	"github.com/go-ozzo/ozzo-validation/is"
	"github.com/gofiber/fiber/v2"
	"github.com/goliatone/go-print"
	repository "github.com/goliatone/go-repository-bun"
	"github.com/goliatone/go-router"
	"github.com/goliatone/go-router/flash"
)

// RegisterConsentRoutes mounts the consent and password reset endpoints on
// the given router. The resolve endpoint is the landing page for the link we
// email to the recipient, so it carries the token in the query string and
// must work without any session.
func RegisterConsentRoutes[T any](app router.Router[T], opts ...ConsentControllerOption) {

	controller := NewConsentController(opts...)

	app.
		Get(controller.Routes.ConsentResolve,
			controller.ConsentResolveShow,
		).
		SetName("consent-resolve.get")

	app.
		Post(
			controller.Routes.ConsentDecide,
			controller.ConsentDecide,
		).
		SetName("consent-decide.post")

	app.Post(controller.Routes.ConsentRequest, controller.ConsentRequest).
		SetName("consent-request.post")

	app.Post(controller.Routes.PasswordReset, controller.PasswordResetRequest).
		SetName("pwd-reset.post")

	app.Get(fmt.Sprintf("%s/:token", controller.Routes.PasswordReset), controller.PasswordResetForm).
		SetName("pwd-reset-do.get")
	app.Post(fmt.Sprintf("%s/:token", controller.Routes.PasswordReset), controller.PasswordResetExecute).
		SetName("pwd-reset-do.post")
}

type ConsentControllerRoutes struct {
	ConsentRequest string
	ConsentDecide  string
	ConsentResolve string
	PasswordReset  string
}

type ConsentControllerViews struct {
	ConsentResolve string
	PasswordReset  string
}

type ConsentController struct {
	Debug        bool
	Logger       Logger
	Repo         RepositoryManager
	Routes       *ConsentControllerRoutes
	Views        *ConsentControllerViews
	Mailer       Mailer
	Activity     ActivitySink
	BaseURL      string
	ErrorHandler router.ErrorHandler
}

type ConsentControllerOption func(*ConsentController) *ConsentController

func WithControllerLogger(logger Logger) ConsentControllerOption {
	return func(c *ConsentController) *ConsentController {
		c.Logger = logger
		return c
	}
}

func WithControllerRepo(repo RepositoryManager) ConsentControllerOption {
	return func(c *ConsentController) *ConsentController {
		c.Repo = repo
		return c
	}
}

func WithControllerMailer(mailer Mailer) ConsentControllerOption {
	return func(c *ConsentController) *ConsentController {
		c.Mailer = mailer
		return c
	}
}

func WithControllerActivitySink(sink ActivitySink) ConsentControllerOption {
	return func(c *ConsentController) *ConsentController {
		c.Activity = sink
		return c
	}
}

func WithControllerBaseURL(base string) ConsentControllerOption {
	return func(c *ConsentController) *ConsentController {
		c.BaseURL = base
		return c
	}
}

func WithControllerRoutes(routes *ConsentControllerRoutes) ConsentControllerOption {
	return func(c *ConsentController) *ConsentController {
		c.Routes = routes
		return c
	}
}

func NewConsentController(opts ...ConsentControllerOption) *ConsentController {
	c := &ConsentController{
		Logger:       defLogger{},
		ErrorHandler: defaultErrHandler,
		Routes: &ConsentControllerRoutes{
			ConsentRequest: "/consent/request",
			ConsentDecide:  "/consent/decide",
			ConsentResolve: "/consent/resolve",
			PasswordReset:  "/password-reset",
		},
		Views: &ConsentControllerViews{
			ConsentResolve: "consent_resolve",
			PasswordReset:  "password_reset",
		},
	}

	for _, opt := range opts {
		c = opt(c)
	}

	if c.Repo == nil {
		panic("Missing RepositoryManager in consent controller...")
	}

	return c
}

// ConsentResolveShow renders the approve or deny form for the token carried
// in the emailed link. Viewing the page never mutates the record.
func (a *ConsentController) ConsentResolveShow(ctx router.Context) error {
	token := ctx.Query("token", "")

	if token == "" {
		return ctx.Status(fiber.StatusBadRequest).Render(a.Views.ConsentResolve, router.ViewContext{
			"error": TextCodeMissingFields,
		})
	}

	record, err := a.Repo.ConsentRecords().GetByToken(ctx.Context(), token)
	if err != nil {
		if repository.IsRecordNotFound(err) {
			return ctx.Status(fiber.StatusNotFound).Render(a.Views.ConsentResolve, router.ViewContext{
				"error": TextCodeNotFound,
			})
		}
		return a.ErrorHandler(ctx, err)
	}

	if record.Expired(time.Now()) && !record.Resolved() {
		return ctx.Status(fiber.StatusGone).Render(a.Views.ConsentResolve, router.ViewContext{
			"error":  TextCodeExpired,
			"record": record,
		})
	}

	return ctx.Render(a.Views.ConsentResolve, router.ViewContext{
		"error":    nil,
		"token":    token,
		"status":   record.Status,
		"resolved": record.Resolved(),
		"record":   record,
	})
}

// ConsentDecidePayload carries the recipient's decision.
type ConsentDecidePayload struct {
	Token    string `form:"token" json:"token"`
	Approved *bool  `form:"approved" json:"approved"`
}

// Validate will run validation rules
func (r ConsentDecidePayload) Validate() error {
	return validation.ValidateStruct(&r,
		validation.Field(
			&r.Token,
			validation.Required,
		),
		validation.Field(
			&r.Approved,
			validation.NotNil,
		),
	)
}

func (a *ConsentController) ConsentDecide(ctx router.Context) error {
	payload := new(ConsentDecidePayload)

	if err := ctx.Bind(payload); err != nil {
		a.Logger.Error("consent decide parse payload: ", "error", err)
		return jsonError(ctx, fiber.StatusBadRequest, TextCodeMissingFields, "failed to parse body")
	}

	if err := payload.Validate(); err != nil {
		a.Logger.Error("consent decide validate payload: ", "error", err)
		return jsonError(ctx, fiber.StatusBadRequest, TextCodeMissingFields, err.Error())
	}

	var res *DecideConsentResponse

	req := DecideConsentMessage{
		Token:    payload.Token,
		Approved: *payload.Approved,
		OnResponse: func(resp *DecideConsentResponse) {
			res = resp
		},
	}

	decide := NewDecideConsentHandler(a.Repo).
		WithActivitySink(a.Activity).
		WithLogger(a.Logger)

	if err := decide.Execute(ctx.Context(), req); err != nil {
		code := ErrorTextCode(err)
		a.Logger.Error("consent decide error: ", "error", err, "code", code)
		return jsonError(ctx, statusForTextCode(code), code, err.Error())
	}

	if a.Debug {
		fmt.Println("======= CONSENT DECIDE ======")
		fmt.Println(print.MaybePrettyJSON(res))
		fmt.Println("=============================")
	}

	return ctx.JSON(fiber.StatusOK, router.ViewContext{
		"success": true,
		"status":  res.Status,
	})
}

// ConsentRequestPayload asks for a consent email to be sent on behalf of the
// subject account.
type ConsentRequestPayload struct {
	SubjectEmail   string `form:"subject_email" json:"subject_email"`
	RecipientEmail string `form:"recipient_email" json:"recipient_email"`
	DisplayName    string `form:"display_name" json:"display_name"`
}

// Validate will run validation rules
func (r ConsentRequestPayload) Validate() error {
	return validation.ValidateStruct(&r,
		validation.Field(
			&r.SubjectEmail,
			validation.Required,
			is.Email,
		),
		validation.Field(
			&r.RecipientEmail,
			validation.Required,
			is.Email,
		),
		validation.Field(
			&r.DisplayName,
			validation.Length(0, 200),
		),
	)
}

func (a *ConsentController) ConsentRequest(ctx router.Context) error {
	payload := new(ConsentRequestPayload)

	if err := ctx.Bind(payload); err != nil {
		a.Logger.Error("consent request parse payload: ", "error", err)
		return jsonError(ctx, fiber.StatusBadRequest, TextCodeMissingFields, "failed to parse body")
	}

	if err := payload.Validate(); err != nil {
		a.Logger.Error("consent request validate payload: ", "error", err)
		return jsonError(ctx, fiber.StatusBadRequest, TextCodeMissingFields, err.Error())
	}

	var res *RequestConsentResponse

	// Subjects created over HTTP get deterministic IDs derived from their
	// email, so retried requests converge on the same profile row.
	req := RequestConsentMessage{
		SubjectEmail:   payload.SubjectEmail,
		RecipientEmail: payload.RecipientEmail,
		DisplayName:    payload.DisplayName,
		UseHashid:      true,
		OnResponse: func(resp *RequestConsentResponse) {
			res = resp
		},
	}

	request := NewRequestConsentHandler(a.Repo).
		WithMailer(a.Mailer).
		WithActivitySink(a.Activity).
		WithLogger(a.Logger).
		WithBaseURL(a.BaseURL)

	if err := request.Execute(ctx.Context(), req); err != nil {
		code := ErrorTextCode(err)
		a.Logger.Error("consent request error: ", "error", err, "code", code)
		return jsonError(ctx, statusForTextCode(code), code, err.Error())
	}

	return ctx.JSON(fiber.StatusOK, router.ViewContext{
		"success":    true,
		"consentUrl": res.ConsentURL,
		"emailSent":  res.EmailSent,
		"reused":     res.Reused,
	})
}

// PasswordResetRequestPayload holds values for password reset
type PasswordResetRequestPayload struct {
	Email string `form:"email" json:"email"`
}

// Validate will validate the payload
func (r PasswordResetRequestPayload) Validate() error {
	return validation.ValidateStruct(&r,
		validation.Field(
			&r.Email,
			validation.Required,
			is.Email,
		),
	)
}

// PasswordResetRequest answers identically whether or not the address maps to
// an account, so callers cannot enumerate the user base.
func (a *ConsentController) PasswordResetRequest(ctx router.Context) error {
	payload := new(PasswordResetRequestPayload)

	if err := ctx.Bind(payload); err != nil {
		a.Logger.Error("password reset parse payload: ", "error", err)
		return jsonError(ctx, fiber.StatusBadRequest, TextCodeMissingFields, "failed to parse body")
	}

	if err := payload.Validate(); err != nil {
		a.Logger.Error("password reset validate payload: ", "error", err)
		return jsonError(ctx, fiber.StatusBadRequest, TextCodeMissingFields, err.Error())
	}

	var res *InitializePasswordResetResponse

	req := InitializePasswordResetMessage{
		Email: payload.Email,
		OnResponse: func(resp *InitializePasswordResetResponse) {
			res = resp
		},
	}

	initPwdReset := NewInitializePasswordResetHandler(a.Repo).
		WithMailer(a.Mailer).
		WithActivitySink(a.Activity).
		WithLogger(a.Logger).
		WithBaseURL(a.BaseURL)

	if err := initPwdReset.Execute(ctx.Context(), req); err != nil {
		a.Logger.Error("password reset error: ", "error", err)
		return jsonError(ctx, fiber.StatusInternalServerError, TextCodeInternal, "unable to process request")
	}

	if a.Debug {
		fmt.Println("======= PASSWORD RESET ======")
		fmt.Println(print.MaybePrettyJSON(res))
		fmt.Println("=============================")
	}

	return ctx.JSON(fiber.StatusOK, router.ViewContext{
		"success": true,
	})
}

func (a *ConsentController) PasswordResetForm(ctx router.Context) error {
	token := ctx.Param("token", "")

	errs := map[string]string{}

	record, err := a.Repo.PasswordResetTokens().GetByToken(ctx.Context(), token)
	if err != nil {
		if !repository.IsRecordNotFound(err) {
			a.Logger.Error("password reset form lookup: ", "error", err)
		}
		errs["token"] = "unknown or expired link"
		return ctx.Render(a.Views.PasswordReset, router.ViewContext{
			"errors": errs,
			"token":  token,
			"usable": false,
		})
	}

	return ctx.Render(a.Views.PasswordReset, router.ViewContext{
		"errors": errs,
		"token":  token,
		"usable": record.Usable(time.Now()),
	})
}

// PasswordResetVerifyPayload holds values for password reset
type PasswordResetVerifyPayload struct {
	Password        string `form:"password" json:"password"`
	ConfirmPassword string `form:"confirm_password" json:"confirm_password"`
}

// Validate will validate the payload
func (r PasswordResetVerifyPayload) Validate() error {
	return validation.ValidateStruct(&r,
		validation.Field(
			&r.Password,
			validation.Required,
			validation.Length(10, 100),
		),
		validation.Field(
			&r.ConfirmPassword,
			validation.Required,
			validation.Length(10, 100),
			validation.By(ValidateStringEquals(r.Password)),
		),
	)
}

func (a *ConsentController) PasswordResetExecute(ctx router.Context) error {
	token := ctx.Param("token")

	errs := map[string]string{}
	payload := new(PasswordResetVerifyPayload)

	if err := ctx.Bind(payload); err != nil {
		errs["form"] = "Failed to parse form"
		a.Logger.Error("password reset parse payload: ", "error", err)
		return flash.WithError(ctx, router.ViewContext{
			"error_message":  err.Error(),
			"system_message": "Error parsing body",
		}).Status(fiber.StatusBadRequest).Render(a.Views.PasswordReset, router.ViewContext{
			"errors": errs,
			"token":  token,
		})
	}

	if err := payload.Validate(); err != nil {
		a.Logger.Error("password reset validate payload: ", "error", err)
		errs = FormatValidationErrorToMap(err)
		return flash.WithError(ctx, router.ViewContext{
			"error_message":  err.Error(),
			"system_message": "Error validating payload",
		}).Render(a.Views.PasswordReset, router.ViewContext{
			"errors": errs,
			"token":  token,
			"usable": true,
		})
	}

	input := FinalizePasswordResetMessage{
		Token:    token,
		Password: payload.Password,
	}

	finalizePwdReset := NewFinalizePasswordResetHandler(a.Repo).
		WithActivitySink(a.Activity).
		WithLogger(a.Logger)

	if err := finalizePwdReset.Execute(ctx.Context(), input); err != nil {
		errs["validation"] = err.Error()
		code := ErrorTextCode(err)
		usable := code != TextCodeNotFound && code != TextCodeExpired && code != TextCodeAlreadyUsed
		return ctx.Render(a.Views.PasswordReset, router.ViewContext{
			"errors":   errs,
			"token":    token,
			"usable":   usable,
			"finished": false,
		})
	}

	return ctx.Render(a.Views.PasswordReset, router.ViewContext{
		"errors":   errs,
		"token":    token,
		"finished": true,
	})
}

// ValidateStringEquals will check that both values match
func ValidateStringEquals(str string) validation.RuleFunc {
	return func(value any) error {
		s, _ := value.(string)
		if s != str {
			return errors.New("values must match")
		}
		return nil
	}
}

// FormatValidationErrorToMap flattens ozzo field errors into a template
// friendly map.
func FormatValidationErrorToMap(err error) map[string]string {
	out := map[string]string{}
	if err == nil {
		return out
	}

	var verrs validation.Errors
	if errors.As(err, &verrs) {
		for field, ferr := range verrs {
			out[field] = ferr.Error()
		}
		return out
	}

	out["validation"] = err.Error()
	return out
}

func jsonError(ctx router.Context, status int, code, message string) error {
	return ctx.JSON(status, router.ViewContext{
		"success": false,
		"error":   code,
		"message": message,
	})
}

func statusForTextCode(code string) int {
	switch code {
	case TextCodeMissingFields:
		return fiber.StatusBadRequest
	case TextCodeNotFound:
		return fiber.StatusNotFound
	case TextCodeExpired:
		return fiber.StatusGone
	case TextCodeAlreadyApproved, TextCodeAlreadyDenied, TextCodeAlreadyUsed:
		return fiber.StatusBadRequest
	default:
		return fiber.StatusInternalServerError
	}
}

func defaultErrHandler(c router.Context, err error) error {
	return c.Render("errors/500", router.ViewContext{
		"message": err.Error(),
	})
}
