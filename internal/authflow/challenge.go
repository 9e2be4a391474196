package authflow

import (
	"bufio"
	"fmt"
	"io"
	"strings"
)

// ChallengeHandler supplies responses to the service's interactive
// challenges. Implementations may block on user input; the authenticator
// wraps every call so cancellation unwinds the wait.
type ChallengeHandler interface {
	// DeviceCode returns the code shown by an authenticator app.
	// retry is true when a previous code was rejected.
	DeviceCode(retry bool) (string, error)
	// EmailCode returns the code sent to the given address.
	EmailCode(email string, retry bool) (string, error)
	// ConfirmDevice reports whether to proceed with a companion-device
	// confirmation (the service is then polled for the approval).
	ConfirmDevice() bool
}

// TerminalHandler prompts on a terminal. Used by the login command.
type TerminalHandler struct {
	In  io.Reader
	Out io.Writer
}

func (h *TerminalHandler) DeviceCode(retry bool) (string, error) {
	if retry {
		fmt.Fprintln(h.Out, "Code rejected, try again.")
	}
	return h.readLine("Enter the code from your authenticator app: ")
}

func (h *TerminalHandler) EmailCode(email string, retry bool) (string, error) {
	if retry {
		fmt.Fprintln(h.Out, "Code rejected, try again.")
	}
	return h.readLine(fmt.Sprintf("Enter the code sent to %s: ", email))
}

func (h *TerminalHandler) ConfirmDevice() bool {
	fmt.Fprintln(h.Out, "Approve the sign-in on your companion device, then press Enter.")
	reader := bufio.NewReader(h.In)
	_, err := reader.ReadString('\n')
	return err == nil
}

func (h *TerminalHandler) readLine(prompt string) (string, error) {
	fmt.Fprint(h.Out, prompt)
	reader := bufio.NewReader(h.In)
	line, err := reader.ReadString('\n')
	if err != nil {
		return "", fmt.Errorf("read input: %w", err)
	}
	return strings.TrimSpace(line), nil
}

// HeadlessHandler refuses every challenge. The daemon uses it when no
// terminal is attached; any flow that needs interaction fails fast instead
// of hanging.
type HeadlessHandler struct{}

func (HeadlessHandler) DeviceCode(bool) (string, error) {
	return "", &AuthError{Code: ErrCodeDenied, Message: "interactive challenge required but running headless"}
}

func (HeadlessHandler) EmailCode(string, bool) (string, error) {
	return "", &AuthError{Code: ErrCodeDenied, Message: "interactive challenge required but running headless"}
}

func (HeadlessHandler) ConfirmDevice() bool { return false }
