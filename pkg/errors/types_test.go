package errors

import (
	stderrors "errors"
	"strings"
	"testing"
)

func TestNewError(t *testing.T) {
	err := New(ErrCodeTransport, "connection refused")

	if err.Code != ErrCodeTransport {
		t.Errorf("Code = %q, want %q", err.Code, ErrCodeTransport)
	}
	if !strings.Contains(err.Error(), "TRANSPORT") {
		t.Errorf("Error() = %q, want code in message", err.Error())
	}
	if len(err.Stack) == 0 {
		t.Error("expected captured stack frames")
	}
}

func TestWrapNil(t *testing.T) {
	if got := Wrap(nil, ErrCodeInternal, "ignored"); got != nil {
		t.Errorf("Wrap(nil) = %v, want nil", got)
	}
}

func TestWrapUnwrap(t *testing.T) {
	cause := stderrors.New("dial tcp: timeout")
	err := Wrap(cause, ErrCodeTransport, "stream request failed")

	if !stderrors.Is(err, cause) {
		t.Error("errors.Is should find the wrapped cause")
	}
	if !strings.Contains(err.Error(), "dial tcp") {
		t.Errorf("Error() = %q, want underlying message included", err.Error())
	}
}

func TestWithContext(t *testing.T) {
	err := New(ErrCodeToolExecution, "handler failed").
		WithContext("tool", "replace_text").
		WithContext("invocation_id", "call_1")

	msg := err.Error()
	if !strings.Contains(msg, "tool: replace_text") {
		t.Errorf("Error() = %q, want context rendered", msg)
	}
}

func TestIsCode(t *testing.T) {
	err := New(ErrCodeRoundLimit, "max rounds reached")

	if !IsCode(err, ErrCodeRoundLimit) {
		t.Error("IsCode should match")
	}
	if IsCode(err, ErrCodeCancelled) {
		t.Error("IsCode should not match a different code")
	}
	if IsCode(stderrors.New("plain"), ErrCodeRoundLimit) {
		t.Error("IsCode should reject plain errors")
	}
}

func TestGetCode(t *testing.T) {
	if got := GetCode(nil); got != "" {
		t.Errorf("GetCode(nil) = %q, want empty", got)
	}
	if got := GetCode(stderrors.New("plain")); got != ErrCodeInternal {
		t.Errorf("GetCode(plain) = %q, want %q", got, ErrCodeInternal)
	}
	if got := GetCode(New(ErrCodeProtocol, "bad chunk")); got != ErrCodeProtocol {
		t.Errorf("GetCode = %q, want %q", got, ErrCodeProtocol)
	}
}

func TestIsCancellation(t *testing.T) {
	if !IsCancellation(New(ErrCodeCancelled, "user stop")) {
		t.Error("cancellation error not recognized")
	}
	if IsCancellation(New(ErrCodeTransport, "down")) {
		t.Error("transport error misclassified as cancellation")
	}
}

func TestRetryable(t *testing.T) {
	err := New(ErrCodeUpstreamServer, "502").WithRetryable(true)
	if !err.IsRetryable() {
		t.Error("expected retryable")
	}
}
