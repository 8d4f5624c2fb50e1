package updates

import (
	"errors"
	"fmt"
)

// Kind classifies a failure by how callers should react to it.
type Kind int

const (
	// KindTransport is network or local I/O; retrying on a later launch may succeed.
	KindTransport Kind = iota + 1
	// KindIntegrity is a content hash mismatch. The asset is never installed.
	KindIntegrity
	// KindAuthenticity is a bad signature or a certificate scoped to another project.
	KindAuthenticity
	// KindProtocol is a malformed response or a missing required part.
	KindProtocol
	// KindCorruption is an embedded asset missing from the app package.
	KindCorruption
)

func (k Kind) String() string {
	switch k {
	case KindTransport:
		return "transport"
	case KindIntegrity:
		return "integrity"
	case KindAuthenticity:
		return "authenticity"
	case KindProtocol:
		return "protocol"
	case KindCorruption:
		return "corruption"
	default:
		return "unknown"
	}
}

// Code is the numeric error code reported in telemetry. Values are stable
// across releases.
type Code int

const (
	CodeUnknown                   Code = 0
	CodeFileWrite                 Code = 1002
	CodeManifestVerification      Code = 1003
	CodeFileHashMismatch          Code = 1004
	CodeNoCompatibleUpdate        Code = 1009
	CodeMismatchedManifestFilters Code = 1021
	CodeManifestParse             Code = 1022
	CodeInvalidResponse           Code = 1040
	CodeManifestString            Code = 1041
	CodeManifestJSON              Code = 1042
	CodeManifestSignature         Code = 1043
	CodeMultipartParsing          Code = 1044
	CodeMultipartMissingManifest  Code = 1045
	CodeMissingMultipartBoundary  Code = 1047
	CodeCodeSigningSignature      Code = 1048
	CodeEmbeddedAssetMissing      Code = 1060
)

// Error is the typed failure returned by the transport and loader layers.
type Error struct {
	Kind Kind
	Code Code
	Op   string
	Err  error
}

func (e *Error) Error() string {
	if e.Op == "" {
		return e.Err.Error()
	}
	return e.Op + ": " + e.Err.Error()
}

func (e *Error) Unwrap() error { return e.Err }

// ErrorKind is read by the logger to tag records.
func (e *Error) ErrorKind() string { return e.Kind.String() }

// E wraps err with a kind and operation. A nil err stays nil.
func E(kind Kind, code Code, op string, err error) error {
	if err == nil {
		return nil
	}
	return &Error{Kind: kind, Code: code, Op: op, Err: err}
}

// Errorf builds a kinded error from a format string.
func Errorf(kind Kind, code Code, op, format string, args ...any) error {
	return &Error{Kind: kind, Code: code, Op: op, Err: fmt.Errorf(format, args...)}
}

// KindOf returns the kind of the outermost *Error in the chain, or 0.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return 0
}

// CodeOf returns the code of the outermost *Error in the chain.
func CodeOf(err error) Code {
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}
	return CodeUnknown
}

func IsKind(err error, k Kind) bool { return err != nil && KindOf(err) == k }

// IsRetryable reports whether the failure may clear up on a later attempt.
func IsRetryable(err error) bool { return IsKind(err, KindTransport) }
