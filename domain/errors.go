package domain

import (
	"errors"
	"fmt"
)

type ErrorKind string

const (
	KindInvalidArgument        ErrorKind = "invalid_argument"
	KindInvalidStateTransition ErrorKind = "invalid_state_transition"
	KindGateway                ErrorKind = "gateway_error"
	KindIntegrity              ErrorKind = "integrity_error"
	KindNotFound               ErrorKind = "not_found"
	KindConflict               ErrorKind = "conflict"
)

// Error is the typed error returned by domain, payload and sharing code.
// Use KindOf / IsKind instead of comparing messages.
type Error struct {
	Kind ErrorKind
	Msg  string
	Err  error
}

func (e *Error) Error() string {
	if e == nil {
		return ""
	}
	switch {
	case e.Msg != "" && e.Err != nil:
		return fmt.Sprintf("%s: %v", e.Msg, e.Err)
	case e.Msg != "":
		return e.Msg
	case e.Err != nil:
		return e.Err.Error()
	default:
		return string(e.Kind)
	}
}

func (e *Error) Unwrap() error { return e.Err }

func InvalidArgument(format string, args ...any) error {
	return &Error{Kind: KindInvalidArgument, Msg: fmt.Sprintf(format, args...)}
}

func InvalidTransition(entity string, from, to any) error {
	return &Error{Kind: KindInvalidStateTransition, Msg: fmt.Sprintf("%s 状态不允许从 %v 变更为 %v", entity, from, to)}
}

func GatewayError(err error) error {
	if err == nil {
		return nil
	}
	if IsKind(err, KindGateway) {
		return err
	}
	return &Error{Kind: KindGateway, Msg: "微信支付网关调用失败", Err: err}
}

func IntegrityError(format string, args ...any) error {
	return &Error{Kind: KindIntegrity, Msg: fmt.Sprintf(format, args...)}
}

func NotFound(format string, args ...any) error {
	return &Error{Kind: KindNotFound, Msg: fmt.Sprintf(format, args...)}
}

func Conflict(format string, args ...any) error {
	return &Error{Kind: KindConflict, Msg: fmt.Sprintf(format, args...)}
}

// KindOf returns the kind of the first *Error in err's chain, or "" when there is none.
func KindOf(err error) ErrorKind {
	var de *Error
	if errors.As(err, &de) {
		return de.Kind
	}
	return ""
}

func IsKind(err error, kind ErrorKind) bool {
	return err != nil && KindOf(err) == kind
}
