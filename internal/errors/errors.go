// Package errors provides unified error handling with structured codes.
// Codes map onto gRPC status codes so health and status surfaces share one taxonomy.
package errors

import (
	stderrors "errors"
	"fmt"

	"google.golang.org/genproto/googleapis/rpc/errdetails"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

// Domain used for ErrorInfo details.
const Domain = "earshot"

// Code classifies a failure.
type Code int

const (
	Unknown Code = iota
	Internal
	InvalidArgument
	NotFound
	Cancelled
	DeviceUnavailable
	StreamBuildFailure
	NetworkFailure
	RateLimited
	QuotaExhausted
	ServiceError
	SchemaInvalid
	VocabularyInvalid
	StreakExceeded
	StorageFailure
	ConfigInvalid
	ConfigMissing
)

var codeNames = map[Code]string{
	Unknown:            "UNKNOWN",
	Internal:           "INTERNAL",
	InvalidArgument:    "INVALID_ARGUMENT",
	NotFound:           "NOT_FOUND",
	Cancelled:          "CANCELLED",
	DeviceUnavailable:  "DEVICE_UNAVAILABLE",
	StreamBuildFailure: "STREAM_BUILD_FAILURE",
	NetworkFailure:     "NETWORK_FAILURE",
	RateLimited:        "RATE_LIMITED",
	QuotaExhausted:     "QUOTA_EXHAUSTED",
	ServiceError:       "SERVICE_ERROR",
	SchemaInvalid:      "SCHEMA_INVALID",
	VocabularyInvalid:  "VOCABULARY_INVALID",
	StreakExceeded:     "STREAK_EXCEEDED",
	StorageFailure:     "STORAGE_FAILURE",
	ConfigInvalid:      "CONFIG_INVALID",
	ConfigMissing:      "CONFIG_MISSING",
}

func (c Code) String() string {
	if n, ok := codeNames[c]; ok {
		return n
	}
	return codeNames[Unknown]
}

// ParseCode is the inverse of Code.String.
func ParseCode(s string) Code {
	for c, n := range codeNames {
		if n == s {
			return c
		}
	}
	return Unknown
}

// grpcCodeMap maps error codes to gRPC status codes.
var grpcCodeMap = map[Code]codes.Code{
	Unknown:            codes.Unknown,
	Internal:           codes.Internal,
	InvalidArgument:    codes.InvalidArgument,
	NotFound:           codes.NotFound,
	Cancelled:          codes.Canceled,
	DeviceUnavailable:  codes.Unavailable,
	StreamBuildFailure: codes.Internal,
	NetworkFailure:     codes.Unavailable,
	RateLimited:        codes.ResourceExhausted,
	QuotaExhausted:     codes.PermissionDenied,
	ServiceError:       codes.Internal,
	SchemaInvalid:      codes.DataLoss,
	VocabularyInvalid:  codes.OutOfRange,
	StreakExceeded:     codes.Aborted,
	StorageFailure:     codes.Internal,
	ConfigInvalid:      codes.InvalidArgument,
	ConfigMissing:      codes.FailedPrecondition,
}

// AppError is the base error type with structured error code and metadata.
type AppError struct {
	Code     Code
	Message  string
	Metadata map[string]string
	Cause    error
}

// Error implements the error interface.
func (e *AppError) Error() string {
	s := fmt.Sprintf("[%s] %s", e.Code, e.Message)
	if len(e.Metadata) > 0 {
		s += fmt.Sprintf(" %v", e.Metadata)
	}
	if e.Cause != nil {
		s += fmt.Sprintf(" caused by: %v", e.Cause)
	}
	return s
}

// Unwrap returns the underlying cause for errors.Is/As.
func (e *AppError) Unwrap() error { return e.Cause }

// GRPCCode returns the corresponding gRPC status code.
func (e *AppError) GRPCCode() codes.Code {
	if c, ok := grpcCodeMap[e.Code]; ok {
		return c
	}
	return codes.Unknown
}

// ToProto converts to an ErrorInfo detail message.
func (e *AppError) ToProto() *errdetails.ErrorInfo {
	info := &errdetails.ErrorInfo{Reason: e.Code.String(), Domain: Domain}
	if len(e.Metadata) > 0 {
		info.Metadata = make(map[string]string, len(e.Metadata))
		for k, v := range e.Metadata {
			info.Metadata[k] = v
		}
	}
	return info
}

// GRPCStatus returns a gRPC status with the ErrorInfo attached.
func (e *AppError) GRPCStatus() *status.Status {
	st := status.New(e.GRPCCode(), e.Message)
	if withDetails, err := st.WithDetails(e.ToProto()); err == nil {
		return withDetails
	}
	return st
}

// New creates a new AppError with the given code and message.
func New(code Code, msg string) *AppError {
	return &AppError{Code: code, Message: msg}
}

// Newf creates a new AppError with formatted message.
func Newf(code Code, format string, args ...any) *AppError {
	return &AppError{Code: code, Message: fmt.Sprintf(format, args...)}
}

// Wrap wraps an existing error with an AppError.
func Wrap(err error, code Code, msg string) *AppError {
	return &AppError{Code: code, Message: msg, Cause: err}
}

// Wrapf wraps an existing error with formatted message.
func Wrapf(err error, code Code, format string, args ...any) *AppError {
	return &AppError{Code: code, Message: fmt.Sprintf(format, args...), Cause: err}
}

// WithMetadata adds metadata to an AppError.
func (e *AppError) WithMetadata(key, value string) *AppError {
	if e.Metadata == nil {
		e.Metadata = make(map[string]string)
	}
	e.Metadata[key] = value
	return e
}

// FromGRPCError extracts AppError from a gRPC error if present.
func FromGRPCError(err error) *AppError {
	if err == nil {
		return nil
	}
	st, ok := status.FromError(err)
	if !ok {
		return &AppError{Code: Unknown, Message: err.Error(), Cause: err}
	}

	for _, detail := range st.Details() {
		if info, ok := detail.(*errdetails.ErrorInfo); ok && info.GetDomain() == Domain {
			return &AppError{
				Code:     ParseCode(info.GetReason()),
				Message:  st.Message(),
				Metadata: info.GetMetadata(),
			}
		}
	}

	return &AppError{Code: grpcToCode(st.Code()), Message: st.Message()}
}

// grpcToCode maps gRPC codes back to error codes (best effort).
func grpcToCode(c codes.Code) Code {
	switch c {
	case codes.InvalidArgument:
		return InvalidArgument
	case codes.NotFound:
		return NotFound
	case codes.Unavailable, codes.DeadlineExceeded:
		return NetworkFailure
	case codes.Canceled:
		return Cancelled
	case codes.Internal:
		return Internal
	case codes.FailedPrecondition:
		return ConfigMissing
	case codes.ResourceExhausted:
		return RateLimited
	case codes.PermissionDenied:
		return QuotaExhausted
	default:
		return Unknown
	}
}

// CodeOf returns the code of the first AppError in err's chain.
func CodeOf(err error) Code {
	var appErr *AppError
	if stderrors.As(err, &appErr) {
		return appErr.Code
	}
	return Unknown
}

// IsCode checks if an error has a specific error code.
func IsCode(err error, code Code) bool {
	var appErr *AppError
	if stderrors.As(err, &appErr) {
		return appErr.Code == code
	}
	return false
}

// IsRetryable returns true if the error is potentially retryable.
func IsRetryable(err error) bool {
	var appErr *AppError
	if !stderrors.As(err, &appErr) {
		return false
	}
	switch appErr.Code {
	case NetworkFailure, RateLimited, ServiceError:
		return true
	default:
		return false
	}
}
