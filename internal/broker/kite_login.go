package broker

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/pquerna/otp/totp"
	"github.com/rs/zerolog"

	apperrors "kite-connector/internal/errors"
)

const (
	kiteConnectLoginURL = "https://kite.zerodha.com/connect/login"
	kiteWebAPIURL       = "https://kite.zerodha.com/api"
)

// kiteLogin drives the Kite web login (password, then TOTP) to obtain a
// request token without a browser.
type kiteLogin struct {
	connectURL string
	apiURL     string
	timeout    time.Duration
	logger     zerolog.Logger
	now        func() time.Time
}

type kiteWebResponse struct {
	Status    string `json:"status"`
	Message   string `json:"message"`
	ErrorType string `json:"error_type"`
	Data      struct {
		UserID    string `json:"user_id"`
		RequestID string `json:"request_id"`
		TwoFAType string `json:"twofa_type"`
	} `json:"data"`
}

func newKiteLogin(timeout time.Duration, logger zerolog.Logger) *kiteLogin {
	return &kiteLogin{
		connectURL: kiteConnectLoginURL,
		apiURL:     kiteWebAPIURL,
		timeout:    timeout,
		logger:     logger,
		now:        time.Now,
	}
}

var errRequestTokenCaptured = errors.New("request token captured")

// RequestToken logs in with user id, password and a TOTP code and returns
// the request token Kite appends to the app's redirect URL.
func (l *kiteLogin) RequestToken(ctx context.Context, cred Credential) (string, error) {
	var requestToken string
	client := resty.New().
		SetTimeout(l.timeout).
		SetHeader("X-Kite-Version", "3").
		SetRedirectPolicy(resty.RedirectPolicyFunc(func(req *http.Request, via []*http.Request) error {
			if tok := req.URL.Query().Get("request_token"); tok != "" {
				requestToken = tok
				return errRequestTokenCaptured
			}
			if len(via) >= 10 {
				return errors.New("stopped after 10 redirects")
			}
			return nil
		}))

	connect := l.connectURL + "?" + url.Values{"v": {"3"}, "api_key": {cred.APIKey}}.Encode()

	// Establishes the session cookie the login endpoints expect.
	if _, err := client.R().SetContext(ctx).Get(connect); err != nil && requestToken == "" {
		return "", classifyKiteError("login_start", err)
	}

	var login kiteWebResponse
	resp, err := client.R().
		SetContext(ctx).
		SetFormData(map[string]string{"user_id": cred.UserID, "password": cred.Password}).
		SetResult(&login).
		SetError(&login).
		Post(l.apiURL + "/login")
	if err != nil {
		return "", classifyKiteError("login", err)
	}
	if resp.IsError() || login.Status != "success" {
		return "", apperrors.NewAuthenticationError(1, fmt.Errorf("%w: %s", apperrors.ErrInvalidCredentials, login.Message))
	}

	code, err := totp.GenerateCode(cred.TOTPSecret, l.now())
	if err != nil {
		return "", fmt.Errorf("%w: totp: %v", apperrors.ErrInvalidCredentials, err)
	}

	var twofa kiteWebResponse
	resp, err = client.R().
		SetContext(ctx).
		SetFormData(map[string]string{
			"user_id":     cred.UserID,
			"request_id":  login.Data.RequestID,
			"twofa_value": code,
			"twofa_type":  "totp",
		}).
		SetResult(&twofa).
		SetError(&twofa).
		Post(l.apiURL + "/twofa")
	if err != nil {
		return "", classifyKiteError("twofa", err)
	}
	if resp.IsError() || twofa.Status != "success" {
		return "", apperrors.NewAuthenticationError(1, fmt.Errorf("%w: twofa: %s", apperrors.ErrInvalidCredentials, twofa.Message))
	}

	// With the session authorised, the connect URL redirects to the app with
	// the request token.
	_, err = client.R().SetContext(ctx).Get(connect + "&skip_session=true")
	if requestToken != "" {
		l.logger.Info().Str("user_id", cred.UserID).Msg("Obtained request token via web login")
		return requestToken, nil
	}
	if err != nil && !errors.Is(err, errRequestTokenCaptured) {
		return "", classifyKiteError("login_finish", err)
	}
	return "", fmt.Errorf("%w: no request token in redirect", apperrors.ErrInvalidCredentials)
}
