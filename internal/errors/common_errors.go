package errors

import (
	"fmt"
	"strings"
)

// Common error codes
const (
	CodeGraphInvalidTask       = "001"
	CodeGraphDuplicateTask     = "002"
	CodeGraphMissingDependency = "003"
	CodeGraphCycle             = "004"

	CodeHandlerUnknown = "001"

	CodeConfigFile    = "001"
	CodeConfigInvalid = "002"

	CodeCacheDirectory = "001"
	CodeCacheStamp     = "002"

	CodePersistenceWrite = "001"

	CodeRemotePreflight = "001"
	CodeRemoteClient    = "002"

	CodeValidationInput = "001"
)

// NewInvalidTaskError reports a task that cannot be part of any graph.
func NewInvalidTaskError(position int, reason string) *WorkflowError {
	return NewWorkflowError(ErrorCategoryGraph, CodeGraphInvalidTask, reason, "Graph validation").
		WithContext("position", position).
		WithTroubleshooting("Every task needs a non-empty id and handler key")
}

// NewDuplicateTaskError reports two tasks sharing an id.
func NewDuplicateTaskError(taskID string) *WorkflowError {
	return NewWorkflowError(ErrorCategoryGraph, CodeGraphDuplicateTask,
		fmt.Sprintf("Task id '%s' is declared more than once", taskID),
		"Graph validation").
		WithContext("task", taskID).
		WithTroubleshooting("Task ids must be unique within one workflow document")
}

// NewMissingDependencyError reports a dependency that resolves to no task.
func NewMissingDependencyError(taskID, dependency string) *WorkflowError {
	return NewWorkflowError(ErrorCategoryGraph, CodeGraphMissingDependency,
		fmt.Sprintf("Task '%s' depends on unknown task '%s'", taskID, dependency),
		"Graph validation").
		WithContext("task", taskID).
		WithContext("dependency", dependency).
		WithTroubleshooting(
			"Check the dependency id for typos",
			"Dependencies must refer to tasks in the same workflow document",
		)
}

// NewCyclicGraphError reports the tasks left unsorted by the topological sort.
func NewCyclicGraphError(tasks []string) *WorkflowError {
	return NewWorkflowError(ErrorCategoryGraph, CodeGraphCycle,
		"Circular dependency detected in task graph",
		"Graph validation").
		WithContext("tasks", strings.Join(tasks, ", ")).
		WithOriginalError(ErrCyclicGraph).
		WithTroubleshooting("Remove one dependency edge between the listed tasks")
}

// NewUnknownHandlerError reports a handler key with no registered factory.
func NewUnknownHandlerError(taskID, handler string, known []string) *WorkflowError {
	return NewWorkflowError(ErrorCategoryHandler, CodeHandlerUnknown,
		fmt.Sprintf("Task '%s' uses unknown handler '%s'", taskID, handler),
		"Handler resolution").
		WithContext("task", taskID).
		WithContext("handler", handler).
		WithContext("known", strings.Join(known, ", ")).
		WithOriginalError(ErrUnknownHandler).
		WithTroubleshooting("Use one of the registered handler keys")
}

// NewConfigFileError reports an unreadable or malformed configuration file.
func NewConfigFileError(path string, err error) *WorkflowError {
	return NewWorkflowError(ErrorCategoryConfiguration, CodeConfigFile,
		fmt.Sprintf("Failed to load configuration file '%s'", path),
		"Configuration loading").
		WithContext("path", path).
		WithOriginalError(err).
		WithTroubleshooting(
			"Verify the file exists and is valid YAML",
			"Run with --debug to see which values were applied",
		)
}

// NewConfigValidationError reports configuration values that fail validation.
func NewConfigValidationError(err error) *WorkflowError {
	return NewWorkflowError(ErrorCategoryConfiguration, CodeConfigInvalid,
		"Configuration is invalid", "Configuration validation").
		WithOriginalError(err)
}

// NewCacheError reports a failure to prepare or read cache directories.
func NewCacheError(path, operation string, err error) *WorkflowError {
	return NewWorkflowError(ErrorCategoryCache, CodeCacheDirectory,
		fmt.Sprintf("Cache operation failed on '%s'", path), operation).
		WithContext("path", path).
		WithOriginalError(err).
		WithTroubleshooting("Check free space and permissions of the workspace directories")
}

// NewPersistenceError reports a failed write of the workflow document.
func NewPersistenceError(path string, err error) *WorkflowError {
	return NewWorkflowError(ErrorCategoryPersistence, CodePersistenceWrite,
		fmt.Sprintf("Failed to persist workflow document '%s'", path),
		"Workflow persistence").
		WithContext("path", path).
		WithOriginalError(err).
		WithTroubleshooting("Check free space and permissions of the output directory")
}

// NewRemotePreflightError reports an executor instance that is not usable.
func NewRemotePreflightError(instance, zone, project, reason string, err error) *WorkflowError {
	return NewWorkflowError(ErrorCategoryRemote, CodeRemotePreflight,
		fmt.Sprintf("Remote executor '%s' is not usable: %s", instance, reason),
		"Remote executor preflight").
		WithContext("instance", instance).
		WithContext("zone", zone).
		WithContext("project", project).
		WithOriginalError(err).
		WithTroubleshooting(
			"Verify the instance exists and is running",
			"Use 'gcloud compute instances list' to check its status",
			"Ensure the credentials have compute.instances.get permission",
		)
}

// NewInputError reports a missing or malformed command line argument.
func NewInputError(parameter, message string) *WorkflowError {
	return NewWorkflowError(ErrorCategoryValidation, CodeValidationInput, message, "Parameter validation").
		WithContext("parameter", parameter)
}
