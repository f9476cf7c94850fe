package endpoint

import (
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
)

var (
	// ErrURL is returned when the endpoint URL cannot be built.
	ErrURL = errors.New("invalid endpoint url")

	// ErrAuth is returned when no access token could be obtained. The
	// credential error stays in the chain.
	ErrAuth = errors.New("access token unavailable")

	// ErrTransport is returned when the request could not be completed or the
	// reply could not be read as a response.
	ErrTransport = errors.New("transport failure")
)

// RemoteRejectedError is returned when the API answers with an error object
// carrying error_code.
type RemoteRejectedError struct {
	// Body is the raw reply.
	Body string

	Code    int64
	Message string
}

func (e *RemoteRejectedError) Error() string {
	return fmt.Sprintf("remote rejected request: error_code %d: %s", e.Code, e.Message)
}

// Retryable reports false: the request itself was refused.
func (e *RemoteRejectedError) Retryable() bool {
	return false
}

// Retryable reports whether err is a transport failure worth retrying.
func Retryable(err error) bool {
	var rejected *RemoteRejectedError
	if errors.As(err, &rejected) {
		return false
	}
	return errors.Is(err, ErrTransport)
}

// newRemoteRejected builds the error from a decoded error object.
func newRemoteRejected(body []byte, code any, msg any) *RemoteRejectedError {
	e := &RemoteRejectedError{Body: string(body)}
	switch v := code.(type) {
	case json.Number:
		e.Code, _ = v.Int64()
	case float64:
		e.Code = int64(v)
	case string:
		e.Code, _ = strconv.ParseInt(v, 10, 64)
	}
	if s, ok := msg.(string); ok {
		e.Message = s
	}
	return e
}
