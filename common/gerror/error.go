// Package gerror provides the error type used at every boundary of the
// ingestion core: each error carries a human-readable message, a machine
// Code identifying its spec kind (§7), an Audience deciding whether details
// are safe to show to a client, and the HTTP status code the Job Service
// should translate it to.
package gerror

import "fmt"

const (
	AudienceInternal Audience = "internal"
	AudienceExternal Audience = "external"
)

type Audience string
type Code string
type DetailKey string
type Details map[DetailKey]Detail

type Error struct {
	innerErr       error
	errorText      string
	message        string
	details        Details
	audience       Audience
	code           Code
	httpStatusCode int
}

func NewError(message string, audience Audience, code Code, httpStatusCode int, inner error) Error {
	return NewErrorWithDetails(message, nil, audience, code, httpStatusCode, inner)
}

func NewErrorWithDetails(message string, details Details, audience Audience, code Code, httpStatusCode int, inner error) Error {
	return Error{
		message:        message,
		errorText:      makeErrorText(message, details, inner),
		details:        details,
		audience:       audience,
		code:           code,
		httpStatusCode: httpStatusCode,
		innerErr:       inner,
	}
}

func (e Error) Error() string {
	if e.errorText != "" {
		return e.errorText
	}
	return e.message
}

func (e Error) Unwrap() error           { return e.innerErr }
func (e Error) Message() string         { return e.message }
func (e Error) Audience() Audience      { return e.audience }
func (e Error) Code() Code              { return e.code }
func (e Error) HTTPStatusCode() int     { return e.httpStatusCode }

func (e Error) Details() Details {
	m := make(Details, len(e.details))
	for k, v := range e.details {
		m[k] = v
	}
	return m
}

// HasHTTPStatusCode returns true iff err is a gerror.Error with the given HTTP status code.
func HasHTTPStatusCode(err error, statusCode int) bool {
	var gErr Error
	if !asError(err, &gErr) {
		return false
	}
	return gErr.HTTPStatusCode() == statusCode
}

// Wrap returns a copy of the error with the inner error set to innerErr.
func (e Error) Wrap(innerErr error) Error {
	e.innerErr = innerErr
	e.errorText = makeErrorText(e.message, e.details, innerErr)
	return e
}

// IDetail returns a copy of the error with an internal-audience detail appended.
func (e Error) IDetail(key DetailKey, value interface{}) Error {
	return e.withDetail(AudienceInternal, key, value)
}

// EDetail returns a copy of the error with an external-audience detail appended.
func (e Error) EDetail(key DetailKey, value interface{}) Error {
	return e.withDetail(AudienceExternal, key, value)
}

func (e Error) withDetail(audience Audience, key DetailKey, value interface{}) Error {
	details := e.Details()
	details[key] = NewDetail(audience, key, value)
	e.details = details
	e.errorText = makeErrorText(e.message, details, e.innerErr)
	return e
}

func makeErrorText(message string, details Details, inner error) string {
	detailsStr := ""
	if len(details) > 0 {
		detailsStr = " ["
		first := true
		for k, v := range details {
			if !first {
				detailsStr += ", "
			}
			detailsStr += fmt.Sprintf("%s=%v", k, v.value)
			first = false
		}
		detailsStr += "]"
	}
	errStr := ""
	if inner != nil {
		errStr = fmt.Sprintf(": %v", inner)
	}
	return fmt.Sprintf("%s%s%s", message, detailsStr, errStr)
}

type Detail struct {
	audience Audience
	key      DetailKey
	value    interface{}
}

func NewDetail(audience Audience, key DetailKey, value interface{}) Detail {
	return Detail{audience: audience, key: key, value: value}
}

func (d Detail) Audience() Audience { return d.audience }
func (d Detail) Key() DetailKey     { return d.key }
func (d Detail) Value() interface{} { return d.value }
