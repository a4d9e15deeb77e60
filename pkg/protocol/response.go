package protocol

import (
	"bytes"
	"fmt"
	"strings"

	"github.com/pzverkov/jericho/internal/constants"
	jerrors "github.com/pzverkov/jericho/internal/errors"
)

// Decline reasons sent to the peer.
const (
	ReasonInvalidPassword = "Invalid password used."
	ReasonNoIndex         = "Invalid handshake, no index value found."
	ReasonNoUID           = "Invalid handshake, no UID found."
	ReasonNoPassword      = "Invalid handshake, no password found."
	ReasonNoBlockSize     = "Invalid handshake, no block size found."
	ReasonNoMemberCount   = "Invalid handshake, no block amount found."
	ReasonBadLength       = "Invalid handshake, malformed length prefix."
	ReasonTooLong         = "Invalid handshake, header too long."
	ReasonIndexRange      = "Invalid handshake, index out of range."

	ReasonIndexOccupied  = "Member index already in use."
	ReasonBlockSize      = "Block size invalid."
	ReasonMemberCount    = "Member count does not match stream."
	ReasonStreamComplete = "Stream already complete."
	ReasonRateLimited    = "Too many handshakes, try again later."
	ReasonInternal       = "Internal server error."
)

func malformedReason(key string) string {
	return fmt.Sprintf("Invalid handshake, malformed %s value.", key)
}

// DeclineReason maps an error to the reason text sent in a DECLINED response.
func DeclineReason(err error) string {
	var derr *jerrors.DeclinedError
	switch {
	case err == nil:
		return ""
	case jerrors.As(err, &derr):
		return derr.Reason
	case jerrors.Is(err, jerrors.ErrIndexOccupied):
		return ReasonIndexOccupied
	case jerrors.Is(err, jerrors.ErrInvalidIndex):
		return ReasonIndexRange
	case jerrors.Is(err, jerrors.ErrBlockSizeMismatch):
		return ReasonBlockSize
	case jerrors.Is(err, jerrors.ErrMemberCountMismatch):
		return ReasonMemberCount
	case jerrors.Is(err, jerrors.ErrStreamComplete), jerrors.Is(err, jerrors.ErrBlockClosed):
		return ReasonStreamComplete
	case jerrors.Is(err, jerrors.ErrRateLimited):
		return ReasonRateLimited
	default:
		return ReasonInternal
	}
}

var (
	acceptLine  = []byte(constants.AcceptStatus + "\n")
	declineLine = []byte(constants.DeclineStatus + "\n")
)

// Response is a parsed server handshake response.
type Response struct {
	Accepted bool
	Reason   string
}

// Err returns nil for an accept and a *DeclinedError otherwise.
func (r Response) Err() error {
	if r.Accepted {
		return nil
	}
	return jerrors.NewDeclinedError(r.Reason)
}

// EncodeAccept returns the accepting response.
func EncodeAccept() []byte {
	return append([]byte(nil), acceptLine...)
}

// EncodeDecline returns a declining response. Line breaks in reason are
// replaced so the response stays two lines.
func EncodeDecline(reason string) []byte {
	reason = strings.NewReplacer("\r", " ", "\n", " ").Replace(reason)
	out := make([]byte, 0, len(declineLine)+len(reason)+1)
	out = append(out, declineLine...)
	out = append(out, reason...)
	return append(out, '\n')
}

// ParseResponse parses a response from the start of b and reports how many
// bytes it consumed. ErrIncompleteResponse means b is a valid prefix and more
// bytes are needed.
func ParseResponse(b []byte) (Response, int, error) {
	if bytes.HasPrefix(b, acceptLine) {
		return Response{Accepted: true}, len(acceptLine), nil
	}

	if bytes.HasPrefix(b, declineLine) {
		rest := b[len(declineLine):]
		end := bytes.IndexByte(rest, '\n')
		if end < 0 {
			if len(b) > constants.MaxResponseLength {
				return Response{}, 0, jerrors.ErrInvalidResponse
			}
			return Response{}, 0, jerrors.ErrIncompleteResponse
		}
		reason := strings.TrimSuffix(string(rest[:end]), "\r")
		return Response{Reason: reason}, len(declineLine) + end + 1, nil
	}

	if bytes.HasPrefix(acceptLine, b) || bytes.HasPrefix(declineLine, b) {
		return Response{}, 0, jerrors.ErrIncompleteResponse
	}
	return Response{}, 0, jerrors.ErrInvalidResponse
}
