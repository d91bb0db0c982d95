package mail

import "errors"

var (
	ErrConnectionFailed = errors.New("mail: connection failed")
	ErrAuthFailed       = errors.New("mail: authentication failed")

	ErrMailboxNotFound = errors.New("mail: mailbox not found")
	ErrNoMessages      = errors.New("mail: no messages found")
	ErrMessageNotFound = errors.New("mail: message not found")
	ErrPartNotFound    = errors.New("mail: part not found")

	ErrUnsupportedContentType = errors.New("mail: unsupported content type")
	ErrMissingData            = errors.New("mail: attachment is missing data")
	ErrDecodeFailure          = errors.New("mail: failed to decode attachment")

	ErrUnsupportedScheme        = errors.New("mail: unsupported scheme")
	ErrMissingRequiredVariables = errors.New("mail: missing required variables in resource template")
)
