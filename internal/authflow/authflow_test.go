package authflow

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/presencelink/agent/internal/secmem"
)

// authService is a scriptable double for the auth endpoints.
type authService struct {
	challenge     string
	email         string
	token         string
	rejectSecrets bool
	rejectCodes   int32 // number of codes to reject before accepting
	pendingPolls  int32 // number of "pending" responses before approval
	beginStatus   int   // non-zero forces this status from /begin
}

func (s *authService) server(t *testing.T) *httptest.Server {
	t.Helper()
	mux := http.NewServeMux()
	mux.HandleFunc("/api/v1/auth/begin", func(w http.ResponseWriter, r *http.Request) {
		if s.beginStatus != 0 {
			w.WriteHeader(s.beginStatus)
			return
		}
		var req beginRequest
		json.NewDecoder(r.Body).Decode(&req)
		if s.rejectSecrets || req.Secret == "" {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		resp := beginResponse{SessionID: "sess-1", Challenge: s.challenge, Email: s.email}
		if s.challenge == challengeNone {
			resp.Token = s.token
		}
		json.NewEncoder(w).Encode(resp)
	})
	mux.HandleFunc("/api/v1/auth/respond", func(w http.ResponseWriter, r *http.Request) {
		var req respondRequest
		json.NewDecoder(r.Body).Decode(&req)

		if s.challenge == challengeDeviceConfirm {
			if atomic.AddInt32(&s.pendingPolls, -1) >= 0 {
				json.NewEncoder(w).Encode(respondResponse{Status: "pending"})
				return
			}
			json.NewEncoder(w).Encode(respondResponse{Status: "ok", Token: s.token})
			return
		}

		if atomic.AddInt32(&s.rejectCodes, -1) >= 0 {
			json.NewEncoder(w).Encode(respondResponse{Status: "retry"})
			return
		}
		json.NewEncoder(w).Encode(respondResponse{Status: "ok", Token: s.token})
	})
	return httptest.NewServer(mux)
}

type scriptedHandler struct {
	code        string
	confirm     bool
	deviceCalls int
	emailCalls  int
	lastEmail   string
	sawRetry    bool
}

func (h *scriptedHandler) DeviceCode(retry bool) (string, error) {
	h.deviceCalls++
	if retry {
		h.sawRetry = true
	}
	return h.code, nil
}

func (h *scriptedHandler) EmailCode(email string, retry bool) (string, error) {
	h.emailCalls++
	h.lastEmail = email
	return h.code, nil
}

func (h *scriptedHandler) ConfirmDevice() bool { return h.confirm }

func newAuthenticator(srv *httptest.Server) *Authenticator {
	a := New(srv.URL)
	a.pollInterval = 5 * time.Millisecond
	a.retryCfg.InitialDelay = time.Millisecond
	a.retryCfg.MaxRetries = 1
	return a
}

func TestAuthenticateNoChallenge(t *testing.T) {
	svc := &authService{challenge: challengeNone, token: "tok-1"}
	srv := svc.server(t)
	defer srv.Close()

	tok, err := newAuthenticator(srv).Authenticate(context.Background(), "alice", secmem.New("pw"), &scriptedHandler{})
	if err != nil {
		t.Fatalf("Authenticate: %v", err)
	}
	if tok != "tok-1" {
		t.Fatalf("token = %q, want tok-1", tok)
	}
}

func TestAuthenticateDeviceCodeChallenge(t *testing.T) {
	svc := &authService{challenge: challengeDeviceCode, token: "tok-2"}
	srv := svc.server(t)
	defer srv.Close()

	h := &scriptedHandler{code: "123456"}
	tok, err := newAuthenticator(srv).Authenticate(context.Background(), "alice", secmem.New("pw"), h)
	if err != nil {
		t.Fatalf("Authenticate: %v", err)
	}
	if tok != "tok-2" {
		t.Fatalf("token = %q, want tok-2", tok)
	}
	if h.deviceCalls != 1 {
		t.Fatalf("deviceCalls = %d, want 1", h.deviceCalls)
	}
}

func TestRejectedCodeIsRetriedWithFlag(t *testing.T) {
	svc := &authService{challenge: challengeDeviceCode, token: "tok", rejectCodes: 1}
	srv := svc.server(t)
	defer srv.Close()

	h := &scriptedHandler{code: "123456"}
	if _, err := newAuthenticator(srv).Authenticate(context.Background(), "alice", secmem.New("pw"), h); err != nil {
		t.Fatalf("Authenticate: %v", err)
	}
	if h.deviceCalls != 2 {
		t.Fatalf("deviceCalls = %d, want 2", h.deviceCalls)
	}
	if !h.sawRetry {
		t.Fatal("second prompt did not carry the retry flag")
	}
}

func TestTooManyRejectionsFails(t *testing.T) {
	svc := &authService{challenge: challengeDeviceCode, token: "tok", rejectCodes: 99}
	srv := svc.server(t)
	defer srv.Close()

	_, err := newAuthenticator(srv).Authenticate(context.Background(), "alice", secmem.New("pw"), &scriptedHandler{code: "0"})
	var authErr *AuthError
	if !errors.As(err, &authErr) || authErr.Code != ErrCodeDenied {
		t.Fatalf("err = %v, want AuthError %s", err, ErrCodeDenied)
	}
}

func TestEmailChallengeCarriesAddress(t *testing.T) {
	svc := &authService{challenge: challengeEmailCode, email: "a***@example.com", token: "tok"}
	srv := svc.server(t)
	defer srv.Close()

	h := &scriptedHandler{code: "654321"}
	if _, err := newAuthenticator(srv).Authenticate(context.Background(), "alice", secmem.New("pw"), h); err != nil {
		t.Fatalf("Authenticate: %v", err)
	}
	if h.lastEmail != "a***@example.com" {
		t.Fatalf("lastEmail = %q", h.lastEmail)
	}
}

func TestDeviceConfirmPollsUntilApproved(t *testing.T) {
	svc := &authService{challenge: challengeDeviceConfirm, token: "tok-3", pendingPolls: 2}
	srv := svc.server(t)
	defer srv.Close()

	tok, err := newAuthenticator(srv).Authenticate(context.Background(), "alice", secmem.New("pw"), &scriptedHandler{confirm: true})
	if err != nil {
		t.Fatalf("Authenticate: %v", err)
	}
	if tok != "tok-3" {
		t.Fatalf("token = %q, want tok-3", tok)
	}
}

func TestDeviceConfirmDeclined(t *testing.T) {
	svc := &authService{challenge: challengeDeviceConfirm, token: "tok"}
	srv := svc.server(t)
	defer srv.Close()

	_, err := newAuthenticator(srv).Authenticate(context.Background(), "alice", secmem.New("pw"), &scriptedHandler{confirm: false})
	var authErr *AuthError
	if !errors.As(err, &authErr) || authErr.Code != ErrCodeDenied {
		t.Fatalf("err = %v, want AuthError %s", err, ErrCodeDenied)
	}
}

func TestBadCredentialsSurfaceTypedError(t *testing.T) {
	svc := &authService{challenge: challengeNone, rejectSecrets: true}
	srv := svc.server(t)
	defer srv.Close()

	_, err := newAuthenticator(srv).Authenticate(context.Background(), "alice", secmem.New("wrong"), &scriptedHandler{})
	var authErr *AuthError
	if !errors.As(err, &authErr) || authErr.Code != ErrCodeInvalidCredentials {
		t.Fatalf("err = %v, want AuthError %s", err, ErrCodeInvalidCredentials)
	}
}

func TestRateLimitedSurfaced(t *testing.T) {
	svc := &authService{beginStatus: http.StatusTooManyRequests}
	srv := svc.server(t)
	defer srv.Close()

	_, err := newAuthenticator(srv).Authenticate(context.Background(), "alice", secmem.New("pw"), &scriptedHandler{})
	var authErr *AuthError
	if !errors.As(err, &authErr) || authErr.Code != ErrCodeRateLimited {
		t.Fatalf("err = %v, want AuthError %s", err, ErrCodeRateLimited)
	}
}

func TestCancellationUnwindsInteractiveWait(t *testing.T) {
	svc := &authService{challenge: challengeDeviceCode, token: "tok"}
	srv := svc.server(t)
	defer srv.Close()

	ctx, cancel := context.WithCancel(context.Background())
	blockingPrompt := &blockingHandler{release: make(chan struct{})}
	defer close(blockingPrompt.release)

	errCh := make(chan error, 1)
	go func() {
		_, err := newAuthenticator(srv).Authenticate(ctx, "alice", secmem.New("pw"), blockingPrompt)
		errCh <- err
	}()

	time.Sleep(20 * time.Millisecond)
	cancel()

	select {
	case err := <-errCh:
		if !errors.Is(err, context.Canceled) {
			t.Fatalf("err = %v, want context.Canceled", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Authenticate did not unwind after cancellation")
	}
}

type blockingHandler struct {
	release chan struct{}
}

func (h *blockingHandler) DeviceCode(bool) (string, error) {
	<-h.release
	return "", errors.New("released")
}
func (h *blockingHandler) EmailCode(string, bool) (string, error) {
	<-h.release
	return "", errors.New("released")
}
func (h *blockingHandler) ConfirmDevice() bool {
	<-h.release
	return false
}

func TestHeadlessHandlerFailsFast(t *testing.T) {
	h := HeadlessHandler{}
	if _, err := h.DeviceCode(false); err == nil {
		t.Fatal("headless DeviceCode should fail")
	}
	if _, err := h.EmailCode("x@example.com", false); err == nil {
		t.Fatal("headless EmailCode should fail")
	}
	if h.ConfirmDevice() {
		t.Fatal("headless ConfirmDevice should decline")
	}
}

func TestTerminalHandlerReadsCode(t *testing.T) {
	h := &TerminalHandler{In: strings.NewReader("123456\n"), Out: &strings.Builder{}}
	code, err := h.DeviceCode(false)
	if err != nil {
		t.Fatalf("DeviceCode: %v", err)
	}
	if code != "123456" {
		t.Fatalf("code = %q, want 123456", code)
	}
}
