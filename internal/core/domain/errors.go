package domain

import "go.trai.ch/zerr"

var (
	// ErrCycleDetected is returned for every node that participates in a
	// dependency cycle. The "cycle" metadata names each key on the cycle.
	ErrCycleDetected = zerr.New("cycle detected")

	// ErrDependencyFailed is the root of errors propagated from a failed
	// dependency to its dependents.
	ErrDependencyFailed = zerr.New("dependency failed")

	// ErrFunctionAlreadyRegistered is returned when two functions are
	// registered for the same kind. Re-registration is a configuration
	// error, not a runtime condition.
	ErrFunctionAlreadyRegistered = zerr.New("function already registered for kind")

	// ErrNoFunctionForKind is returned when a key is requested whose kind
	// has no registered function.
	ErrNoFunctionForKind = zerr.New("no function registered for kind")

	// ErrEvaluationInFlight is returned when a graph mutation that is only
	// legal between builds (invalidation, pruning) is attempted while an
	// evaluation is running.
	ErrEvaluationInFlight = zerr.New("evaluation in flight")

	// ErrInterrupted is reported for requested keys whose evaluation was
	// cancelled before completion.
	ErrInterrupted = zerr.New("evaluation interrupted")

	// ErrStopped is reported for requested keys that were never evaluated
	// because the build stopped early after another node's failure.
	ErrStopped = zerr.New("not evaluated: build stopped early")

	// ErrTargetNotFound is returned when a requested target is not defined
	// in the workspace.
	ErrTargetNotFound = zerr.New("target not found")

	// ErrTargetAlreadyExists is returned when adding a target whose name is
	// already taken.
	ErrTargetAlreadyExists = zerr.New("target already exists")

	// ErrMissingDependency is returned when a target references a
	// dependency that is not defined in the workspace.
	ErrMissingDependency = zerr.New("missing dependency")

	// ErrBuildFailed signals that the build completed with node errors.
	// The CLI maps it to a non-zero exit code without re-logging.
	ErrBuildFailed = zerr.New("build failed")

	// ErrNoTargetsSpecified is returned when a build is requested without
	// any targets.
	ErrNoTargetsSpecified = zerr.New("no targets specified")
)
