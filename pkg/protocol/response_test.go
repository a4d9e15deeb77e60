package protocol

import (
	"testing"

	jerrors "github.com/pzverkov/jericho/internal/errors"
)

func TestEncodeResponses(t *testing.T) {
	if got := string(EncodeAccept()); got != "ACCEPT\n" {
		t.Errorf("EncodeAccept() = %q", got)
	}
	if got := string(EncodeDecline(ReasonInvalidPassword)); got != "DECLINED\nInvalid password used.\n" {
		t.Errorf("EncodeDecline() = %q", got)
	}
	if got := string(EncodeDecline("two\nlines")); got != "DECLINED\ntwo lines\n" {
		t.Errorf("EncodeDecline() with newline = %q", got)
	}
}

func TestParseResponse(t *testing.T) {
	tests := []struct {
		name     string
		input    string
		accepted bool
		reason   string
		consumed int
		err      error
	}{
		{"Accept", "ACCEPT\n", true, "", 7, nil},
		{"AcceptWithData", "ACCEPT\nchunkdata", true, "", 7, nil},
		{"Decline", "DECLINED\nInvalid password used.\n", false, ReasonInvalidPassword, 32, nil},
		{"DeclineCRLF", "DECLINED\nnope\r\n", false, "nope", 15, nil},
		{"Empty", "", false, "", 0, jerrors.ErrIncompleteResponse},
		{"PartialAccept", "ACC", false, "", 0, jerrors.ErrIncompleteResponse},
		{"PartialDecline", "DECLINED\nInvalid pass", false, "", 0, jerrors.ErrIncompleteResponse},
		{"Garbage", "HELLO\n", false, "", 0, jerrors.ErrInvalidResponse},
		{"AcceptNoNewline", "ACCEPTX", false, "", 0, jerrors.ErrInvalidResponse},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resp, n, err := ParseResponse([]byte(tt.input))
			if tt.err != nil {
				if !jerrors.Is(err, tt.err) {
					t.Errorf("ParseResponse(%q) error = %v, want %v", tt.input, err, tt.err)
				}
				return
			}
			if err != nil {
				t.Fatalf("ParseResponse(%q) error = %v", tt.input, err)
			}
			if resp.Accepted != tt.accepted || resp.Reason != tt.reason || n != tt.consumed {
				t.Errorf("ParseResponse(%q) = %+v, %d; want accepted=%v reason=%q consumed=%d",
					tt.input, resp, n, tt.accepted, tt.reason, tt.consumed)
			}
		})
	}
}

func TestResponseErr(t *testing.T) {
	if err := (Response{Accepted: true}).Err(); err != nil {
		t.Errorf("accepted Err() = %v", err)
	}

	err := Response{Reason: ReasonIndexOccupied}.Err()
	if !jerrors.Is(err, jerrors.ErrHandshakeRejected) {
		t.Errorf("declined Err() = %v, want ErrHandshakeRejected", err)
	}
	if DeclineReason(err) != ReasonIndexOccupied {
		t.Errorf("DeclineReason() = %q", DeclineReason(err))
	}
}

func TestDeclineReasonMapping(t *testing.T) {
	tests := []struct {
		err  error
		want string
	}{
		{jerrors.ErrIndexOccupied, ReasonIndexOccupied},
		{jerrors.ErrBlockSizeMismatch, ReasonBlockSize},
		{jerrors.ErrMemberCountMismatch, ReasonMemberCount},
		{jerrors.ErrStreamComplete, ReasonStreamComplete},
		{jerrors.ErrInvalidIndex, ReasonIndexRange},
		{jerrors.ErrRateLimited, ReasonRateLimited},
		{jerrors.ErrLinkClosed, ReasonInternal},
		{nil, ""},
	}

	for _, tt := range tests {
		if got := DeclineReason(tt.err); got != tt.want {
			t.Errorf("DeclineReason(%v) = %q, want %q", tt.err, got, tt.want)
		}
	}
}
