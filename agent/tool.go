package agent

import (
	"context"
	"io"
)

// Tool is an in-process command served by the agent. args is the script text of the request.
type Tool func(ctx context.Context, args string, in io.Reader) (Output, error)

// Output is the result of a Tool. It is one of Text, Stream, Value or None.
type Output interface {
	isOutput()
}

// Text is sent as is.
type Text string

// Stream is copied to the client until it is exhausted, then closed if it is an io.Closer.
type Stream struct {
	io.Reader
}

// Value is sent JSON-encoded.
type Value struct {
	V any
}

// None sends no output.
type None struct{}

func (Text) isOutput()   {}
func (Stream) isOutput() {}
func (Value) isOutput()  {}
func (None) isOutput()   {}
