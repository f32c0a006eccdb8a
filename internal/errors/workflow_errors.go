package errors

import (
	"errors"
	"fmt"
	"sort"
	"strings"
)

// ErrorCategory represents the category of error
type ErrorCategory string

const (
	// ErrorCategoryGraph represents malformed task graphs
	ErrorCategoryGraph ErrorCategory = "GRAPH"
	// ErrorCategoryConfiguration represents configuration errors
	ErrorCategoryConfiguration ErrorCategory = "CONFIGURATION"
	// ErrorCategoryHandler represents handler lookup and construction errors
	ErrorCategoryHandler ErrorCategory = "HANDLER"
	// ErrorCategoryCache represents cache and result directory errors
	ErrorCategoryCache ErrorCategory = "CACHE"
	// ErrorCategoryPersistence represents workflow document write errors
	ErrorCategoryPersistence ErrorCategory = "PERSISTENCE"
	// ErrorCategoryRemote represents remote execution backend errors
	ErrorCategoryRemote ErrorCategory = "REMOTE"
	// ErrorCategoryValidation represents invalid user input
	ErrorCategoryValidation ErrorCategory = "VALIDATION"
)

var (
	// ErrCyclicGraph is wrapped by every cycle detection error.
	ErrCyclicGraph = errors.New("task graph contains a cycle")
	// ErrUnknownHandler is wrapped when a task names a handler with no registered factory.
	ErrUnknownHandler = errors.New("unknown handler")
	// ErrInterrupted is returned when a run is stopped before the graph is exhausted.
	ErrInterrupted = errors.New("run interrupted")
)

// WorkflowError represents a structured error with context and troubleshooting information
type WorkflowError struct {
	Category        ErrorCategory
	Code            string
	Message         string
	Operation       string
	Context         map[string]interface{}
	Troubleshooting []string
	OriginalError   error
}

// Error implements the error interface
func (e *WorkflowError) Error() string {
	var sb strings.Builder

	sb.WriteString(fmt.Sprintf("%s-%s: %s", e.Category, e.Code, e.Message))

	if e.Operation != "" {
		sb.WriteString(fmt.Sprintf("\nOperation: %s", e.Operation))
	}

	if len(e.Context) > 0 {
		sb.WriteString("\nContext:")
		for _, key := range e.contextKeys() {
			sb.WriteString(fmt.Sprintf("\n  %s: %v", key, e.Context[key]))
		}
	}

	if len(e.Troubleshooting) > 0 {
		sb.WriteString("\nTroubleshooting:")
		for i, step := range e.Troubleshooting {
			sb.WriteString(fmt.Sprintf("\n  %d. %s", i+1, step))
		}
	}

	if e.OriginalError != nil {
		sb.WriteString(fmt.Sprintf("\nUnderlying error: %v", e.OriginalError))
	}

	return sb.String()
}

// Unwrap returns the original error for error chain compatibility
func (e *WorkflowError) Unwrap() error {
	return e.OriginalError
}

func (e *WorkflowError) contextKeys() []string {
	keys := make([]string, 0, len(e.Context))
	for k := range e.Context {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// NewWorkflowError creates a new workflow error with the specified parameters
func NewWorkflowError(category ErrorCategory, code, message, operation string) *WorkflowError {
	return &WorkflowError{
		Category:        category,
		Code:            code,
		Message:         message,
		Operation:       operation,
		Context:         make(map[string]interface{}),
		Troubleshooting: []string{},
	}
}

// WithContext adds context information to the error
func (e *WorkflowError) WithContext(key string, value interface{}) *WorkflowError {
	e.Context[key] = value
	return e
}

// WithTroubleshooting adds troubleshooting steps to the error
func (e *WorkflowError) WithTroubleshooting(steps ...string) *WorkflowError {
	e.Troubleshooting = append(e.Troubleshooting, steps...)
	return e
}

// WithOriginalError adds the original error to the workflow error
func (e *WorkflowError) WithOriginalError(err error) *WorkflowError {
	e.OriginalError = err
	return e
}

// Is and As re-exported so callers need only this package.
func Is(err, target error) bool { return errors.Is(err, target) }

func As(err error, target any) bool { return errors.As(err, target) }
