package codec

import "errors"

// Native error kind names understood on both sides of the boundary.
const (
	KindError          = "Error"
	KindEvalError      = "EvalError"
	KindInternalError  = "InternalError"
	KindRangeError     = "RangeError"
	KindReferenceError = "ReferenceError"
	KindSyntaxError    = "SyntaxError"
	KindTypeError      = "TypeError"
	KindURIError       = "URIError"
)

var nativeKinds = map[string]struct{}{
	KindError:          {},
	KindEvalError:      {},
	KindInternalError:  {},
	KindRangeError:     {},
	KindReferenceError: {},
	KindSyntaxError:    {},
	KindTypeError:      {},
	KindURIError:       {},
}

// Kind sentinels for errors.Is checks against rebuilt remote errors.
var (
	ErrGeneric   = &Error{Name: KindError}
	ErrTypeError = &Error{Name: KindTypeError}
	ErrRange     = &Error{Name: KindRangeError}
	ErrReference = &Error{Name: KindReferenceError}
	ErrSyntax    = &Error{Name: KindSyntaxError}
)

// Error is an error rebuilt from its transit form, or one created locally
// with an explicit kind.
type Error struct {
	Name    string
	Message string
	Stack   string
}

// NewError builds an error of the nearest native kind; unknown kinds
// collapse to KindError.
func NewError(kind, message string) *Error {
	if _, ok := nativeKinds[kind]; !ok {
		kind = KindError
	}
	return &Error{Name: kind, Message: message}
}

func (e *Error) Error() string {
	if e.Message == "" {
		return e.Name
	}
	return e.Name + ": " + e.Message
}

// Is matches kind sentinels (errors without a message) by name.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok || t.Message != "" {
		return false
	}
	return t.Name == e.Name
}

// Named lets application errors choose their transit kind.
type Named interface {
	ErrorName() string
}

// ErrorName returns the transit kind name of err.
func ErrorName(err error) string {
	var e *Error
	if errors.As(err, &e) && e.Name != "" {
		return e.Name
	}
	var named Named
	if errors.As(err, &named) && named.ErrorName() != "" {
		return named.ErrorName()
	}
	return KindError
}
