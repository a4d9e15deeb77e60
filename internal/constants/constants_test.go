package constants

import (
	"fmt"
	"strings"
	"testing"
)

// TestFieldWidths verifies the example header from the wire format.
func TestFieldWidths(t *testing.T) {
	header := fmt.Sprintf("%s%0*d_%s%0*d_%s%s_%s%0*d_%s%0*d",
		KeyIndex, IndexWidth, 0,
		KeyUID, UIDWidth, 12345678,
		KeyPassword, strings.Repeat("a", PasswordDigestSize),
		KeyBlockSize, BlockSizeWidth, 1024,
		KeyMemberCount, MemberCountWidth, 4,
	)

	want := "ix0000_id12345678_pw" + strings.Repeat("a", 64) + "_bc001024_am0004"
	if header != want {
		t.Errorf("header = %q, want %q", header, want)
	}
}

// TestLimits verifies that the limits are consistent with the field widths.
func TestLimits(t *testing.T) {
	tests := []struct {
		name  string
		value int
		width int
	}{
		{"MaxMemberCount", MaxMemberCount, MemberCountWidth},
		{"MaxBlockSize", MaxBlockSize, BlockSizeWidth},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := len(fmt.Sprint(tt.value)); got != tt.width {
				t.Errorf("%s has %d digits, want %d", tt.name, got, tt.width)
			}
		})
	}

	if DefaultMemberCount > MaxMemberCount {
		t.Errorf("DefaultMemberCount %d exceeds MaxMemberCount", DefaultMemberCount)
	}
	if DefaultBlockSize > MaxBlockSize {
		t.Errorf("DefaultBlockSize %d exceeds MaxBlockSize", DefaultBlockSize)
	}
	if len(fmt.Sprint(MaxHeaderLength)) > LengthPrefixSize {
		t.Error("MaxHeaderLength does not fit the length prefix")
	}
}

func TestTimeouts(t *testing.T) {
	if DefaultPollInterval <= 0 || DefaultPollInterval >= DefaultHandshakeTimeout {
		t.Errorf("DefaultPollInterval %v must be positive and below the handshake timeout", DefaultPollInterval)
	}
	if DefaultShutdownGrace <= 0 {
		t.Error("DefaultShutdownGrace must be positive")
	}
}
