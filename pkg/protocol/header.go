// Package protocol defines the Jericho handshake wire format.
//
// Every member connection opens with one handshake record:
//
//	<24-digit zero-padded decimal length><header>
//
// The header is a "_"-joined list of fields, each a 2-character key followed
// by its value:
//
//	ix0000_id12345678_pw<64 hex>_bc001024_am0004
//
// The server answers with "ACCEPT\n" or "DECLINED\n<reason>\n". After an
// accept, the connection carries raw chunk data only.
package protocol

import (
	"bytes"
	"fmt"
	"strconv"

	"github.com/pzverkov/jericho/internal/constants"
	jerrors "github.com/pzverkov/jericho/internal/errors"
)

// Header is the parsed handshake record of one member connection.
type Header struct {
	Index       int    // Member index within the Block
	UID         uint64 // Stream identifier shared by all members
	Password    string // Hex encoded password digest
	BlockSize   int    // Chunk size carried by each member
	MemberCount int    // Number of members in the Block
}

// Fields returns the header without its length prefix.
func (h Header) Fields() string {
	return fmt.Sprintf("%s%0*d_%s%0*d_%s%s_%s%0*d_%s%0*d",
		constants.KeyIndex, constants.IndexWidth, h.Index,
		constants.KeyUID, constants.UIDWidth, h.UID,
		constants.KeyPassword, h.Password,
		constants.KeyBlockSize, constants.BlockSizeWidth, h.BlockSize,
		constants.KeyMemberCount, constants.MemberCountWidth, h.MemberCount,
	)
}

// Encode returns the complete handshake record, length prefix included.
func (h Header) Encode() []byte {
	fields := h.Fields()
	return []byte(EncodeLength(len(fields)) + fields)
}

// Validate checks the numeric fields for consistency. Errors are
// *DeclinedError values whose reason is suitable for the peer.
func (h Header) Validate() error {
	switch {
	case h.MemberCount < 1 || h.MemberCount > constants.MaxMemberCount:
		return jerrors.NewDeclinedError(malformedReason(constants.KeyMemberCount))
	case h.BlockSize < 1 || h.BlockSize > constants.MaxBlockSize:
		return jerrors.NewDeclinedError(ReasonBlockSize)
	case h.Index < 0 || h.Index >= h.MemberCount:
		return jerrors.NewDeclinedError(ReasonIndexRange)
	}
	return nil
}

// EncodeLength returns n as a zero-padded decimal length prefix.
func EncodeLength(n int) string {
	return fmt.Sprintf("%0*d", constants.LengthPrefixSize, n)
}

// ParseLength parses a length prefix. prefix must hold exactly
// LengthPrefixSize bytes.
func ParseLength(prefix []byte) (int, error) {
	if len(prefix) != constants.LengthPrefixSize {
		return 0, jerrors.NewDeclinedError(ReasonBadLength)
	}
	n, ok := parseDecimal(prefix)
	if !ok {
		return 0, jerrors.NewDeclinedError(ReasonBadLength)
	}
	if n > constants.MaxHeaderLength {
		return 0, jerrors.NewDeclinedError(ReasonTooLong)
	}
	return int(n), nil
}

// ParseHeader parses the header bytes that follow the length prefix.
// Fields with an unknown key are ignored. Missing or malformed required
// fields produce a *DeclinedError.
func ParseHeader(data []byte) (Header, error) {
	fields := make(map[string][]byte, 5)
	for _, field := range bytes.Split(data, []byte{constants.FieldSeparator}) {
		if len(field) <= constants.FieldKeySize {
			continue
		}
		key := string(field[:constants.FieldKeySize])
		if _, seen := fields[key]; !seen {
			fields[key] = field[constants.FieldKeySize:]
		}
	}

	var h Header
	var err error

	if h.Index, err = intField(fields, constants.KeyIndex, ReasonNoIndex); err != nil {
		return Header{}, err
	}

	raw, ok := fields[constants.KeyUID]
	if !ok {
		return Header{}, jerrors.NewDeclinedError(ReasonNoUID)
	}
	if h.UID, ok = parseDecimal(raw); !ok {
		return Header{}, jerrors.NewDeclinedError(malformedReason(constants.KeyUID))
	}

	pw, ok := fields[constants.KeyPassword]
	if !ok {
		return Header{}, jerrors.NewDeclinedError(ReasonNoPassword)
	}
	h.Password = string(pw)

	if h.BlockSize, err = intField(fields, constants.KeyBlockSize, ReasonNoBlockSize); err != nil {
		return Header{}, err
	}
	if h.MemberCount, err = intField(fields, constants.KeyMemberCount, ReasonNoMemberCount); err != nil {
		return Header{}, err
	}

	return h, nil
}

func intField(fields map[string][]byte, key, missing string) (int, error) {
	raw, ok := fields[key]
	if !ok {
		return 0, jerrors.NewDeclinedError(missing)
	}
	n, ok := parseDecimal(raw)
	if !ok || n > uint64(constants.MaxBlockSize) {
		return 0, jerrors.NewDeclinedError(malformedReason(key))
	}
	return int(n), nil
}

// parseDecimal accepts ASCII digits only; signs and spaces are rejected.
func parseDecimal(b []byte) (uint64, bool) {
	if len(b) == 0 {
		return 0, false
	}
	for _, c := range b {
		if c < '0' || c > '9' {
			return 0, false
		}
	}
	n, err := strconv.ParseUint(string(b), 10, 64)
	if err != nil {
		return 0, false
	}
	return n, true
}
