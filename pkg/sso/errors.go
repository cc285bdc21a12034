package sso

import (
	"errors"
	"fmt"
)

// ErrorKind classifies validation errors by failure family.
type ErrorKind string

const (
	KindProtocol      ErrorKind = "protocol_structural"
	KindCryptographic ErrorKind = "cryptographic"
	KindState         ErrorKind = "state"
	KindProvisioning  ErrorKind = "provisioning"
	KindConfiguration ErrorKind = "configuration"
)

// ErrorCode identifies the exact validation failure. Callers switch on
// the code rather than matching error strings.
type ErrorCode string

const (
	CodeInvalidEncoding     ErrorCode = "InvalidEncoding"
	CodeInvalidXML          ErrorCode = "InvalidXml"
	CodeInvalidFormat       ErrorCode = "InvalidFormat"
	CodeInvalidInResponseTo ErrorCode = "InvalidInResponseTo"
	CodeInvalidDestination  ErrorCode = "InvalidDestination"
	CodeAuthFailed          ErrorCode = "AuthFailed"
	CodeNoAssertion         ErrorCode = "NoAssertion"
	CodeSignatureInvalid    ErrorCode = "SignatureInvalid"
	CodeTimestampInvalid    ErrorCode = "TimestampInvalid"
	CodeAudienceInvalid     ErrorCode = "AudienceInvalid"

	CodeInvalidState        ErrorCode = "InvalidState"
	CodeTokenExchangeFailed ErrorCode = "TokenExchangeFailed"
	CodeNoAccessToken       ErrorCode = "NoAccessToken"
	CodeTokenInvalid        ErrorCode = "TokenInvalid"
	CodeMissingSubject      ErrorCode = "MissingSubject"

	CodeMissingEmail          ErrorCode = "MissingEmail"
	CodeProvisioningInFlight  ErrorCode = "ProvisioningInFlight"
	CodeUserServiceFailed     ErrorCode = "UserServiceFailed"
	CodeApprovalServiceFailed ErrorCode = "ApprovalServiceFailed"

	CodeProviderNotFound ErrorCode = "ProviderNotFound"
	CodeProviderDisabled ErrorCode = "ProviderDisabled"
	CodeInvalidConfig    ErrorCode = "InvalidConfig"
)

// Kind returns the failure family an error code belongs to.
func (c ErrorCode) Kind() ErrorKind {
	switch c {
	case CodeInvalidEncoding, CodeInvalidXML, CodeInvalidFormat,
		CodeAuthFailed, CodeNoAssertion, CodeTokenExchangeFailed,
		CodeNoAccessToken, CodeMissingSubject:
		return KindProtocol
	case CodeSignatureInvalid, CodeTimestampInvalid,
		CodeAudienceInvalid, CodeTokenInvalid:
		return KindCryptographic
	case CodeInvalidState, CodeInvalidInResponseTo, CodeInvalidDestination:
		return KindState
	case CodeMissingEmail, CodeProvisioningInFlight,
		CodeUserServiceFailed, CodeApprovalServiceFailed:
		return KindProvisioning
	default:
		return KindConfiguration
	}
}

// Error is the tagged validation error returned throughout the
// authentication pipeline.
type Error struct {
	Code    ErrorCode
	Message string
	cause   error
}

func (e *Error) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *Error) Unwrap() error { return e.cause }

// Kind returns the error's failure family.
func (e *Error) Kind() ErrorKind { return e.Code.Kind() }

func newError(code ErrorCode, format string, args ...interface{}) *Error {
	return &Error{Code: code, Message: fmt.Sprintf(format, args...)}
}

func wrapError(code ErrorCode, cause error, format string, args ...interface{}) *Error {
	return &Error{Code: code, Message: fmt.Sprintf(format, args...), cause: cause}
}

// AsError extracts a tagged *Error from an error chain.
func AsError(err error) (*Error, bool) {
	var e *Error
	if errors.As(err, &e) {
		return e, true
	}
	return nil, false
}
