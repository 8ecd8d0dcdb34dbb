package core

// error_messages.go turns engine errors into operator-facing messages with
// a short support code. The status API returns these; logs keep the
// technical error.
//
// Codes:
//
//	CYC001  a reconciliation cycle is already running
//	BRK001  a circuit breaker is open
//	QUE001  the sync queue is shutting down
//	ENT001  unknown entity
//	ENT002  entity not found or already deleted
//	NET001  network failure (retried)
//	RATE001 rate limit or quota exhausted (retried)
//	AUTH001 credentials rejected
//	DB001   write conflicts with existing data
//	VAL001  sheet data failed validation
//	NF001   sheet range or record not found
//	ERR000  anything else; check the logs

import (
	"errors"
	"fmt"
)

// UserMessage provides operator-facing error information.
type UserMessage struct {
	Message string // What happened
	Action  string // What to do about it
	Code    string // Support code
}

// sentinelMessages are checked in order before classification.
var sentinelMessages = []struct {
	err error
	msg UserMessage
}{
	{ErrCycleInProgress, UserMessage{
		Message: "A reconciliation cycle is already running",
		Action:  "Wait for it to finish and check /api/sync/status",
		Code:    "CYC001",
	}},
	{ErrCircuitOpen, UserMessage{
		Message: "A dependency is failing and calls are paused",
		Action:  "Wait for the breaker timeout or reset the breakers",
		Code:    "BRK001",
	}},
	{ErrQueueClosed, UserMessage{
		Message: "The sync queue is shutting down",
		Action:  "Retry after the service restarts",
		Code:    "QUE001",
	}},
	{ErrUnknownEntity, UserMessage{
		Message: "Unknown entity",
		Action:  "Check the entity names in the mapping file",
		Code:    "ENT001",
	}},
	{ErrEntityNotFound, UserMessage{
		Message: "Entity not found or already deleted",
		Action:  "No action needed",
		Code:    "ENT002",
	}},
}

var codeMessages = map[ErrorCode]UserMessage{
	CodeNetwork: {
		Message: "Could not reach Google Sheets or the database",
		Action:  "The operation is retried automatically",
		Code:    "NET001",
	},
	CodeRateLimit: {
		Message: "Rate limit or quota exhausted",
		Action:  "The operation is retried after the limit resets",
		Code:    "RATE001",
	},
	CodeAuthentication: {
		Message: "Credentials were rejected",
		Action:  "Check the service account key and the database URL",
		Code:    "AUTH001",
	},
	CodeConflict: {
		Message: "The write conflicts with existing data",
		Action:  "Review the record in the database and on the sheet",
		Code:    "DB001",
	},
	CodeValidation: {
		Message: "Sheet data failed validation",
		Action:  "Fix the reported rows on the sheet",
		Code:    "VAL001",
	},
	CodeNotFound: {
		Message: "Sheet range or record not found",
		Action:  "Check sheet_range in the mapping file",
		Code:    "NF001",
	},
}

// defaultMessage is returned for unclassified errors (ERR000).
var defaultMessage = UserMessage{
	Message: "An unexpected error occurred",
	Action:  "Check the service logs",
	Code:    "ERR000",
}

// MapError converts an error to an operator-facing message. Known sentinels
// win; otherwise the FromError code decides.
//
//	msg := MapError(core.ErrCycleInProgress)
//	// msg.Code == "CYC001"
func MapError(err error) UserMessage {
	if err == nil {
		return UserMessage{}
	}
	for _, s := range sentinelMessages {
		if errors.Is(err, s.err) {
			return s.msg
		}
	}
	if msg, ok := codeMessages[FromError(err).Code]; ok {
		return msg
	}
	return defaultMessage
}

// FormatUserError renders "Message (Code: XXX). Action".
func FormatUserError(err error) string {
	msg := MapError(err)
	if msg.Message == "" {
		return ""
	}
	return fmt.Sprintf("%s (Code: %s). %s", msg.Message, msg.Code, msg.Action)
}

// IsUserFacing reports whether err maps to something more specific than ERR000.
func IsUserFacing(err error) bool {
	if err == nil {
		return false
	}
	return MapError(err).Code != defaultMessage.Code
}
