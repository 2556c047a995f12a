package chat

import "errors"

// Sentinel texts are sent to clients verbatim by Reject, so they carry no
// package prefix.
var (
	// ErrInvalidFormat is returned when a message fails the shape check.
	ErrInvalidFormat = errors.New("invalid chat message format")

	// ErrSelfSend is returned when sender and recipient are the same user.
	ErrSelfSend = errors.New("cannot send message to yourself")

	// ErrSenderMismatch is returned when the claimed sender is not the
	// session's verified user.
	ErrSenderMismatch = errors.New("sender does not match session identity")

	// ErrBlocked is returned when either participant has blocked the other.
	ErrBlocked = errors.New("blocked")

	// ErrNotMatched is returned when the participants have no mutual match.
	ErrNotMatched = errors.New("not matched")

	// ErrRelationshipQuery wraps a failed block or match lookup. It is never
	// shown to the client.
	ErrRelationshipQuery = errors.New("relationship lookup failed")

	// ErrStoreFailed is returned when the accepted message could not be
	// appended to the log.
	ErrStoreFailed = errors.New("failed to store")
)

// Wire error codes for chat rejections.
const (
	CodeInvalidFormat  = "invalid_format"
	CodeSelfSend       = "self_send"
	CodeSenderMismatch = "sender_mismatch"
	CodeBlocked        = "blocked"
	CodeNotMatched     = "not_matched"
	CodeStoreFailed    = "store_failed"
	CodeInternal       = "internal_error"
)

// Rejection is the code and client-facing message reported for a gate error.
type Rejection struct {
	Code    string
	Message string
}

var rejections = []struct {
	err  error
	code string
}{
	{ErrInvalidFormat, CodeInvalidFormat},
	{ErrSelfSend, CodeSelfSend},
	{ErrSenderMismatch, CodeSenderMismatch},
	{ErrBlocked, CodeBlocked},
	{ErrNotMatched, CodeNotMatched},
	{ErrStoreFailed, CodeStoreFailed},
}

// Reject maps err to its rejection. Only the sentinel's own text is exposed;
// wrapped infrastructure detail never reaches the client. Unknown errors,
// including relationship lookup failures, map to a generic internal error.
func Reject(err error) Rejection {
	for _, r := range rejections {
		if errors.Is(err, r.err) {
			return Rejection{Code: r.code, Message: r.err.Error()}
		}
	}
	return Rejection{Code: CodeInternal, Message: "internal error"}
}
