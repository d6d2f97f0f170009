package uiaa

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/jmcleod/ironhall/internal/mxid"
)

// Verifier checks one stage type. A stage the client failed to complete
// must be reported as a *StageError; any other error aborts the attempt
// without touching the session.
type Verifier interface {
	Type() AuthType
	Verify(ctx context.Context, actor Identity, auth AuthData) error
}

// ParamsProvider is implemented by verifiers that publish per-stage public
// parameters in the challenge.
type ParamsProvider interface {
	Params() any
}

// StageError is a client-visible stage failure.
type StageError struct {
	Code    string
	Message string
}

func (e *StageError) Error() string {
	return e.Code + ": " + e.Message
}

var (
	errBadPassword = &StageError{Code: "M_FORBIDDEN", Message: "Invalid username or password."}
	errBadToken    = &StageError{Code: "M_FORBIDDEN", Message: "Invalid registration token."}
	errBadCaptcha  = &StageError{Code: "M_UNAUTHORIZED", Message: "Captcha verification failed."}
)

// Dummy completes unconditionally.
type Dummy struct{}

func (Dummy) Type() AuthType { return AuthDummy }

func (Dummy) Verify(context.Context, Identity, AuthData) error { return nil }

// PasswordChecker reports whether password is the current password of userID.
type PasswordChecker interface {
	CheckPassword(ctx context.Context, userID, password string) (bool, error)
}

// Password verifies m.login.password against the actor's own account.
type Password struct {
	Checker    PasswordChecker
	ServerName string
}

func (p *Password) Type() AuthType { return AuthPassword }

type passwordAuth struct {
	Identifier *struct {
		Type string `json:"type"`
		User string `json:"user"`
	} `json:"identifier"`
	User     string `json:"user"`
	Password string `json:"password"`
}

func (p *Password) Verify(ctx context.Context, actor Identity, auth AuthData) error {
	var req passwordAuth
	if err := auth.Decode(&req); err != nil {
		return &StageError{Code: "M_BAD_JSON", Message: "Malformed password auth."}
	}
	user := req.User
	if req.Identifier != nil {
		if req.Identifier.Type != "" && req.Identifier.Type != "m.id.user" {
			return &StageError{Code: "M_UNRECOGNIZED", Message: "Identifier type not recognized."}
		}
		user = req.Identifier.User
	}
	if user == "" || req.Password == "" {
		return errBadPassword
	}
	uid, err := mxid.ParseWithServerName(strings.ToLower(user), p.ServerName)
	if err != nil || uid.String() != actor.UserID {
		return errBadPassword
	}
	ok, err := p.Checker.CheckPassword(ctx, actor.UserID, req.Password)
	if err != nil {
		return fmt.Errorf("checking password: %w", err)
	}
	if !ok {
		return errBadPassword
	}
	return nil
}

// RegistrationToken accepts any of a configured set of tokens.
type RegistrationToken struct {
	Tokens []string
}

func (r *RegistrationToken) Type() AuthType { return AuthRegistrationToken }

func (r *RegistrationToken) Verify(_ context.Context, _ Identity, auth AuthData) error {
	var req struct {
		Token string `json:"token"`
	}
	if err := auth.Decode(&req); err != nil || req.Token == "" {
		return errBadToken
	}
	match := 0
	for _, t := range r.Tokens {
		match |= subtle.ConstantTimeCompare([]byte(t), []byte(req.Token))
	}
	if match != 1 {
		return errBadToken
	}
	return nil
}

// DefaultRecaptchaVerifyURL is Google's siteverify endpoint.
const DefaultRecaptchaVerifyURL = "https://www.google.com/recaptcha/api/siteverify"

// Recaptcha validates a reCAPTCHA response token with the siteverify API.
type Recaptcha struct {
	PublicKey  string
	PrivateKey string
	VerifyURL  string
	Client     *http.Client
}

func (r *Recaptcha) Type() AuthType { return AuthRecaptcha }

func (r *Recaptcha) Params() any {
	return map[string]string{"public_key": r.PublicKey}
}

func (r *Recaptcha) Verify(ctx context.Context, _ Identity, auth AuthData) error {
	var req struct {
		Response string `json:"response"`
	}
	if err := auth.Decode(&req); err != nil || req.Response == "" {
		return errBadCaptcha
	}
	endpoint := r.VerifyURL
	if endpoint == "" {
		endpoint = DefaultRecaptchaVerifyURL
	}
	client := r.Client
	if client == nil {
		client = &http.Client{Timeout: 10 * time.Second}
	}
	form := url.Values{"secret": {r.PrivateKey}, "response": {req.Response}}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, strings.NewReader(form.Encode()))
	if err != nil {
		return err
	}
	httpReq.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	resp, err := client.Do(httpReq)
	if err != nil {
		return fmt.Errorf("recaptcha siteverify: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("recaptcha siteverify: unexpected status %d", resp.StatusCode)
	}
	var result struct {
		Success bool `json:"success"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return fmt.Errorf("recaptcha siteverify: %w", err)
	}
	if !result.Success {
		return errBadCaptcha
	}
	return nil
}
