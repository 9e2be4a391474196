package authflow

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/google/uuid"

	"github.com/presencelink/agent/internal/httputil"
	"github.com/presencelink/agent/internal/logging"
	"github.com/presencelink/agent/internal/secmem"
)

var log = logging.L("authflow")

// Challenge kinds the service may demand before issuing a token.
const (
	challengeNone          = "none"
	challengeDeviceCode    = "device_code"
	challengeEmailCode     = "email_code"
	challengeDeviceConfirm = "device_confirm"
)

const maxCodeAttempts = 3

// AuthError is a terminal authentication failure with the service's code.
type AuthError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

func (e *AuthError) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// Authentication error codes.
const (
	ErrCodeInvalidCredentials = "INVALID_CREDENTIALS"
	ErrCodeDenied             = "DENIED"
	ErrCodeRateLimited        = "RATE_LIMITED"
	ErrCodeServerError        = "SERVER_ERROR"
	ErrCodeNetworkError       = "NETWORK_ERROR"
)

// Authenticator runs the credential challenge/response flow against the
// service's auth endpoints and returns an opaque session token.
type Authenticator struct {
	serverURL    string
	clientID     string
	client       *http.Client
	retryCfg     httputil.RetryConfig
	pollInterval time.Duration
}

// New creates an Authenticator for the given service base URL.
func New(serverURL string) *Authenticator {
	return &Authenticator{
		serverURL:    serverURL,
		clientID:     uuid.NewString(),
		client:       &http.Client{Timeout: 30 * time.Second},
		retryCfg:     httputil.DefaultRetryConfig(),
		pollInterval: 2 * time.Second,
	}
}

type beginRequest struct {
	Username string `json:"username"`
	Secret   string `json:"secret"`
	ClientID string `json:"clientId"`
}

type beginResponse struct {
	SessionID string `json:"sessionId"`
	Challenge string `json:"challenge"`
	Email     string `json:"email,omitempty"`
	Token     string `json:"token,omitempty"`
}

type respondRequest struct {
	SessionID string `json:"sessionId"`
	Code      string `json:"code"`
}

type respondResponse struct {
	Status string `json:"status"` // "ok", "retry", "pending"
	Token  string `json:"token,omitempty"`
}

// Authenticate performs the full credential flow: begin an auth session,
// satisfy whatever challenge the service demands via the handler, and
// return the issued token. The handler may block on user input; ctx
// cancellation unwinds every wait.
func (a *Authenticator) Authenticate(ctx context.Context, username string, secret *secmem.Secret, handler ChallengeHandler) (string, error) {
	begin, err := a.begin(ctx, username, secret)
	if err != nil {
		return "", err
	}

	log.Info("auth session started", "challenge", begin.Challenge)

	switch begin.Challenge {
	case challengeNone:
		if begin.Token == "" {
			return "", &AuthError{Code: ErrCodeServerError, Message: "no challenge demanded but no token issued"}
		}
		return begin.Token, nil

	case challengeDeviceCode:
		return a.codeChallenge(ctx, begin.SessionID, func(retry bool) (string, error) {
			return handler.DeviceCode(retry)
		})

	case challengeEmailCode:
		return a.codeChallenge(ctx, begin.SessionID, func(retry bool) (string, error) {
			return handler.EmailCode(begin.Email, retry)
		})

	case challengeDeviceConfirm:
		return a.confirmChallenge(ctx, begin.SessionID, handler)

	default:
		return "", &AuthError{Code: ErrCodeServerError, Message: fmt.Sprintf("unknown challenge %q", begin.Challenge)}
	}
}

func (a *Authenticator) begin(ctx context.Context, username string, secret *secmem.Secret) (*beginResponse, error) {
	req := beginRequest{Username: username, Secret: secret.Reveal(), ClientID: a.clientID}
	resp, err := httputil.PostJSON(ctx, a.client, a.serverURL+"/api/v1/auth/begin", req, a.retryCfg)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, &AuthError{Code: ErrCodeNetworkError, Message: err.Error()}
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, authErrorFromResponse(resp)
	}

	var begin beginResponse
	if err := json.NewDecoder(resp.Body).Decode(&begin); err != nil {
		return nil, &AuthError{Code: ErrCodeServerError, Message: fmt.Sprintf("decode begin response: %v", err)}
	}
	return &begin, nil
}

// codeChallenge prompts for a code (retrying on service rejection up to
// maxCodeAttempts) and exchanges it for a token.
func (a *Authenticator) codeChallenge(ctx context.Context, sessionID string, prompt func(retry bool) (string, error)) (string, error) {
	for attempt := 0; attempt < maxCodeAttempts; attempt++ {
		code, err := awaitInput(ctx, func() (string, error) { return prompt(attempt > 0) })
		if err != nil {
			return "", err
		}

		result, err := a.respond(ctx, sessionID, code)
		if err != nil {
			return "", err
		}

		switch result.Status {
		case "ok":
			return result.Token, nil
		case "retry":
			log.Warn("challenge code rejected", "attempt", attempt+1)
			continue
		default:
			return "", &AuthError{Code: ErrCodeServerError, Message: fmt.Sprintf("unexpected respond status %q", result.Status)}
		}
	}
	return "", &AuthError{Code: ErrCodeDenied, Message: "challenge code rejected too many times"}
}

// confirmChallenge waits for the user to acknowledge the confirmation
// prompt, then polls the service until the companion device approves.
func (a *Authenticator) confirmChallenge(ctx context.Context, sessionID string, handler ChallengeHandler) (string, error) {
	accepted, err := awaitBool(ctx, handler.ConfirmDevice)
	if err != nil {
		return "", err
	}
	if !accepted {
		return "", &AuthError{Code: ErrCodeDenied, Message: "device confirmation declined"}
	}

	ticker := time.NewTicker(a.pollInterval)
	defer ticker.Stop()

	for {
		result, err := a.respond(ctx, sessionID, "")
		if err != nil {
			return "", err
		}
		switch result.Status {
		case "ok":
			return result.Token, nil
		case "pending":
		default:
			return "", &AuthError{Code: ErrCodeDenied, Message: "device confirmation rejected"}
		}

		select {
		case <-ctx.Done():
			return "", ctx.Err()
		case <-ticker.C:
		}
	}
}

func (a *Authenticator) respond(ctx context.Context, sessionID, code string) (*respondResponse, error) {
	req := respondRequest{SessionID: sessionID, Code: code}
	resp, err := httputil.PostJSON(ctx, a.client, a.serverURL+"/api/v1/auth/respond", req, a.retryCfg)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, &AuthError{Code: ErrCodeNetworkError, Message: err.Error()}
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, authErrorFromResponse(resp)
	}

	var result respondResponse
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return nil, &AuthError{Code: ErrCodeServerError, Message: fmt.Sprintf("decode respond response: %v", err)}
	}
	return &result, nil
}

// authErrorFromResponse maps an error response to an AuthError, preferring
// the service's own code when the body carries one.
func authErrorFromResponse(resp *http.Response) *AuthError {
	body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))

	var serverErr AuthError
	if err := json.Unmarshal(body, &serverErr); err == nil && serverErr.Code != "" {
		return &serverErr
	}

	switch resp.StatusCode {
	case http.StatusUnauthorized, http.StatusBadRequest:
		return &AuthError{Code: ErrCodeInvalidCredentials, Message: "credentials rejected"}
	case http.StatusForbidden:
		return &AuthError{Code: ErrCodeDenied, Message: "access denied"}
	case http.StatusTooManyRequests:
		return &AuthError{Code: ErrCodeRateLimited, Message: "too many authentication attempts"}
	default:
		return &AuthError{Code: ErrCodeServerError, Message: fmt.Sprintf("service error (status %d)", resp.StatusCode)}
	}
}

// awaitInput runs a possibly-blocking prompt in its own goroutine so ctx
// cancellation unwinds the wait. The abandoned goroutine finishes its read
// and exits; that is the documented best-effort tradeoff for interactive
// input.
func awaitInput(ctx context.Context, prompt func() (string, error)) (string, error) {
	type outcome struct {
		value string
		err   error
	}
	ch := make(chan outcome, 1)
	go func() {
		v, err := prompt()
		ch <- outcome{v, err}
	}()

	select {
	case <-ctx.Done():
		return "", ctx.Err()
	case out := <-ch:
		return out.value, out.err
	}
}

func awaitBool(ctx context.Context, prompt func() bool) (bool, error) {
	ch := make(chan bool, 1)
	go func() { ch <- prompt() }()

	select {
	case <-ctx.Done():
		return false, ctx.Err()
	case v := <-ch:
		return v, nil
	}
}
