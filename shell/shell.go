/*
Package shell runs scripts against interchangeable backends behind one interface.

A Shell is a backend: a local OS process, a remote executor reached over HTTP, a persistent subprocess
exposed as a service, or a container. Starting a script on a Shell yields a Worker, whose output is an
OutputStream. The stream only asks the backend whether the execution failed once it runs out of bytes,
so a failure that happens after partial output is still reported, on the read after the last byte.

Scripts can be chained into pipelines. Every stage runs concurrently and the output of one stage is the
input of the next, with no intermediate buffering. A pipeline only succeeds if every stage succeeds.
*/
package shell

import (
	"context"
	"fmt"
	"io"

	"go.uber.org/zap"
)

const loggerName = "shell"

// Processes is built from defaultLogger during package initialization, so it must not be set in init.
var defaultLogger = func() *zap.SugaredLogger {
	logger, err := zap.NewProduction()
	if err != nil {
		panic(fmt.Sprintf("error constructing default logger: %s", err))
	}
	return logger.Sugar().Named(loggerName)
}()

// StartRequest describes one unit of work for a backend.
type StartRequest struct {
	Script string
	// Dir is the working directory, already mapped into the backend's path namespace.
	Dir string
	// Input is streamed into the execution. If nil, the execution gets no input.
	Input io.Reader
}

// ExecInfo is the program and arguments an OS-process backend spawns for a script.
type ExecInfo struct {
	Program string
	Args    []string
}

// Shell is an execution backend.
type Shell interface {
	// Start begins executing the request and returns once the execution is running.
	// The execution is bound to ctx: canceling ctx stops it.
	Start(ctx context.Context, req StartRequest) (Worker, error)

	// MapToInternalPath maps a path from the caller's filesystem into the backend's path namespace.
	MapToInternalPath(hostPath string) string
	// MapToHostPath is the inverse of MapToInternalPath.
	MapToHostPath(internalPath string) string
}

// Worker is a live handle to one execution.
type Worker interface {
	// Output is readable exactly once, end to end.
	Output() *OutputStream

	// ReadErrorMessage returns the best diagnostic available for a failed execution.
	// It never fails; when details cannot be retrieved it returns a degraded message instead.
	ReadErrorMessage(ctx context.Context) string

	// Close stops the execution if it is still running and releases its resources. It is idempotent.
	Close() error
}

// Completion is the outcome of an execution. A zero Code means success.
type Completion struct {
	Code  int64
	Cause error
}

func (c Completion) Failed() bool { return c.Code != 0 }

// IdentityPaths implements the path mapping half of Shell for backends that share the caller's filesystem.
type IdentityPaths struct{}

func (IdentityPaths) MapToInternalPath(hostPath string) string { return hostPath }
func (IdentityPaths) MapToHostPath(internalPath string) string { return internalPath }
