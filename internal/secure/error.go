package secure

import "fmt"

// Websocket close codes used by the protocol.
const (
	CloseInvalidMaterial  = 1003
	CloseProtocol         = 3000
	CloseIO               = 3001
	CloseEOF              = 3002
	CloseNegotiateTimeout = 3003
	CloseCrypto           = 3004
)

// CloseError is a connection-fatal protocol error carrying the close
// code and reason to send before tearing the connection down.
type CloseError struct {
	Code   int
	Reason string
	Err    error
}

func (e *CloseError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s (close %d): %v", e.Reason, e.Code, e.Err)
	}
	return fmt.Sprintf("%s (close %d)", e.Reason, e.Code)
}

func (e *CloseError) Unwrap() error {
	return e.Err
}
