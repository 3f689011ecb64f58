package agent

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"
)

// Sentinel errors for loop termination conditions.
var (
	// ErrMaxIterations indicates the loop exceeded its iteration limit.
	ErrMaxIterations = errors.New("max iterations exceeded")

	// ErrFailureThreshold indicates the failure detector signaled stop.
	ErrFailureThreshold = errors.New("consecutive tool execution failures")

	// ErrAborted indicates the cancellation token fired.
	ErrAborted = errors.New("aborted")

	// ErrNoProvider indicates no LLM provider is configured.
	ErrNoProvider = errors.New("no provider configured")

	// ErrStreamConsumed indicates a second consumer attached to the stream.
	ErrStreamConsumed = errors.New("event stream already consumed")
)

// ErrorKind categorizes agent errors for recoverability decisions.
type ErrorKind string

const (
	KindAuthentication    ErrorKind = "authentication"
	KindRateLimit         ErrorKind = "rate_limit"
	KindContextLength     ErrorKind = "context_length"
	KindStreamInterrupted ErrorKind = "stream_interrupted"
	KindModelNotFound     ErrorKind = "model_not_found"
	KindToolExecution     ErrorKind = "tool_execution"
	KindCommandNotFound   ErrorKind = "command_not_found"
	KindConfiguration     ErrorKind = "configuration"
	KindFileNotFound      ErrorKind = "file_not_found"
	KindPermission        ErrorKind = "permission"
	KindAborted           ErrorKind = "aborted"
	KindSkillValidation   ErrorKind = "skill_validation"
	KindUnknown           ErrorKind = "unknown"
)

// Recoverable reports whether the loop may continue after this error kind.
func (k ErrorKind) Recoverable() bool {
	switch k {
	case KindRateLimit, KindContextLength, KindStreamInterrupted,
		KindToolExecution, KindCommandNotFound, KindSkillValidation:
		return true
	default:
		return false
	}
}

// AgentError wraps an error with its taxonomy kind.
type AgentError struct {
	Kind       ErrorKind
	Message    string
	RetryAfter time.Duration // rate_limit only; zero when unknown
	Cause      error
}

// Error implements the error interface.
func (e *AgentError) Error() string {
	var parts []string
	parts = append(parts, fmt.Sprintf("[%s]", e.Kind))
	if e.Message != "" {
		parts = append(parts, e.Message)
	} else if e.Cause != nil {
		parts = append(parts, e.Cause.Error())
	}
	if e.RetryAfter > 0 {
		parts = append(parts, fmt.Sprintf("(retry after %s)", e.RetryAfter))
	}
	return strings.Join(parts, " ")
}

// Unwrap returns the underlying error.
func (e *AgentError) Unwrap() error { return e.Cause }

// Recoverable reports whether the loop may continue after this error.
func (e *AgentError) Recoverable() bool { return e.Kind.Recoverable() }

// NewAgentError creates an AgentError with automatic classification when
// kind is empty.
func NewAgentError(kind ErrorKind, cause error) *AgentError {
	err := &AgentError{Kind: kind, Cause: cause}
	if cause != nil {
		err.Message = cause.Error()
	}
	if err.Kind == "" {
		err.Kind = Classify(cause)
	}
	return err
}

// Classify infers an error kind from an arbitrary error.
func Classify(err error) ErrorKind {
	if err == nil {
		return KindUnknown
	}
	var agentErr *AgentError
	if errors.As(err, &agentErr) {
		return agentErr.Kind
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, ErrAborted) {
		return KindAborted
	}

	msg := strings.ToLower(err.Error())
	switch {
	case strings.Contains(msg, "401") || strings.Contains(msg, "unauthorized") ||
		strings.Contains(msg, "invalid api key") || strings.Contains(msg, "authentication"):
		return KindAuthentication
	case strings.Contains(msg, "429") || strings.Contains(msg, "rate limit") ||
		strings.Contains(msg, "rate_limit") || strings.Contains(msg, "too many requests"):
		return KindRateLimit
	case strings.Contains(msg, "context length") || strings.Contains(msg, "context_length") ||
		strings.Contains(msg, "prompt is too long") || strings.Contains(msg, "maximum context"):
		return KindContextLength
	case strings.Contains(msg, "stream") && (strings.Contains(msg, "interrupt") ||
		strings.Contains(msg, "reset") || strings.Contains(msg, "eof")):
		return KindStreamInterrupted
	case strings.Contains(msg, "model_not_found") || strings.Contains(msg, "model not found") ||
		strings.Contains(msg, "unknown model"):
		return KindModelNotFound
	case strings.Contains(msg, "no such file") || strings.Contains(msg, "file not found"):
		return KindFileNotFound
	case strings.Contains(msg, "permission denied") || strings.Contains(msg, "forbidden") ||
		strings.Contains(msg, "access denied"):
		return KindPermission
	default:
		return KindUnknown
	}
}

// IsRecoverable reports whether the loop may continue after err.
func IsRecoverable(err error) bool {
	return Classify(err).Recoverable()
}
