package agent

import (
	"encoding/base64"
	"fmt"

	"nhooyr.io/websocket"
)

// Headers of the exec and error message requests.
const (
	HeaderScript     = "Script"
	HeaderWorkingDir = "Working-Directory"
	HeaderInput      = "Input"
	HeaderTool       = "Tool"
	HeaderErrorCode  = "Error-Code"
)

// InputStream is the value of the Input header when the client streams input after the upgrade.
const InputStream = "stream"

// StatusExecutionFailed closes an exec connection whose execution failed. The close reason is the decimal error code.
const StatusExecutionFailed websocket.StatusCode = 4000

// ReadLimit is the maximum size of a single websocket message.
const ReadLimit = 1 << 20

// ControlMessage is a text message sent by the client alongside binary input messages.
type ControlMessage struct {
	StdinDone bool `json:"stdinDone"`
}

// EncodeScript encodes a script for the Script header, which cannot carry newlines.
func EncodeScript(script string) string {
	return base64.StdEncoding.EncodeToString([]byte(script))
}

func DecodeScript(header string) (string, error) {
	b, err := base64.StdEncoding.DecodeString(header)
	if err != nil {
		return "", fmt.Errorf("decoding script header: %w", err)
	}
	return string(b), nil
}
