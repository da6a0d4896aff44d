// Package model holds the serializable vocabulary shared by the cache
// engine, the session layer, the router and the remote API: result
// codes, typed operation results, request modes and the durable index
// entry record.
package model

import (
	"fmt"

	"github.com/cascached/cascached/pkg/digest"
)

// Code is the outcome taxonomy of every cache operation. Codes, not
// errors, carry the public contract: absence is a code, not a fault.
type Code string

const (
	// Success indicates the operation did what was asked
	Success Code = "Success"

	// ContentNotFound indicates the digest is not present locally.
	// On Delete and on lookups this is an expected, non-error outcome.
	ContentNotFound Code = "ContentNotFound"

	// ContentNotDeleted indicates the entry exists but could not be
	// removed, e.g. because it is pinned by a live session
	ContentNotDeleted Code = "ContentNotDeleted"

	// NotPlacedContentNotFound indicates a Place found no entry for the digest
	NotPlacedContentNotFound Code = "NotPlacedContentNotFound"

	// HashMismatch indicates ingested bytes did not hash to the expected digest
	HashMismatch Code = "HashMismatch"

	// QuotaExceeded indicates eviction could not reclaim enough space for a Put
	QuotaExceeded Code = "QuotaExceeded"

	// CacheNotFound indicates an unknown cache name in a routed request
	CacheNotFound Code = "CacheNotFound"

	// SessionNotFound indicates an unknown or already shut down session id
	SessionNotFound Code = "SessionNotFound"

	// MalformedInput indicates an invalid request parameter, such as an
	// unsupported digest algorithm or realization mode
	MalformedInput Code = "MalformedInput"

	// ServerError indicates an unexpected internal fault
	ServerError Code = "ServerError"
)

// Result is the common part of every operation outcome: a code plus
// optional diagnostic detail. Success is always derived from the code,
// never stored independently.
type Result struct {
	Code   Code   `json:"code" yaml:"code"`
	Detail string `json:"detail,omitempty" yaml:"detail,omitempty"`
	_      struct{}
}

// OK builds a Success result
func OK() Result {
	return Result{Code: Success}
}

// Failed builds a result for a code with diagnostic detail
func Failed(code Code, err error) Result {
	r := Result{Code: code}
	if err != nil {
		r.Detail = err.Error()
	}
	return r
}

// Failedf builds a result with formatted diagnostic detail
func Failedf(code Code, format string, args ...interface{}) Result {
	return Result{Code: code, Detail: fmt.Sprintf(format, args...)}
}

// PutResult reports the outcome of a Put operation
type PutResult struct {
	Result       `yaml:",inline"`
	Digest       digest.Digest `json:"digest,omitempty" yaml:"digest,omitempty"`
	BytesWritten int64         `json:"bytesWritten" yaml:"bytesWritten"`
	Deduplicated bool          `json:"deduplicated,omitempty" yaml:"deduplicated,omitempty"`
	_            struct{}
}

// Succeeded is a pure function of the result code
func (r PutResult) Succeeded() bool {
	return r.Code == Success
}

// PlaceResult reports the outcome of a Place operation
type PlaceResult struct {
	Result `yaml:",inline"`
	Digest digest.Digest `json:"digest,omitempty" yaml:"digest,omitempty"`
	_      struct{}
}

// Succeeded is a pure function of the result code
func (r PlaceResult) Succeeded() bool {
	return r.Code == Success
}

// DeleteResult reports the outcome of a Delete operation
type DeleteResult struct {
	Result     `yaml:",inline"`
	Digest     digest.Digest `json:"digest,omitempty" yaml:"digest,omitempty"`
	BytesFreed int64         `json:"bytesFreed" yaml:"bytesFreed"`
	_          struct{}
}

// Succeeded is a pure function of the result code. Deleting content
// that was never present is a succeeded outcome, distinct from
// ContentNotDeleted which reports present-but-blocked content.
func (r DeleteResult) Succeeded() bool {
	return r.Code == Success || r.Code == ContentNotFound
}

// PinResult reports the outcome of a Pin or Unpin operation
type PinResult struct {
	Result `yaml:",inline"`
	Digest digest.Digest `json:"digest,omitempty" yaml:"digest,omitempty"`
	_      struct{}
}

// Succeeded is a pure function of the result code
func (r PinResult) Succeeded() bool {
	return r.Code == Success
}

// SessionResult reports the outcome of a session lifecycle operation
type SessionResult struct {
	Result    `yaml:",inline"`
	SessionID string `json:"sessionId,omitempty" yaml:"sessionId,omitempty"`
	_         struct{}
}

// Succeeded is a pure function of the result code
func (r SessionResult) Succeeded() bool {
	return r.Code == Success
}
