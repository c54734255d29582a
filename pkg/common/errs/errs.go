// Package errs defines the failure kinds of the ingestion pipeline.
//
// Record-level errors (MalformedRecordError, ResolutionError,
// PersistenceConflictError) are counted by the orchestrator and never fail a
// source. FetchError fails one source and never the run.
package errs

import (
	"errors"
	"fmt"
)

type FetchKind string

const (
	FetchNetwork FetchKind = "network"
	FetchAuth    FetchKind = "auth"
	FetchQuota   FetchKind = "quota"
	FetchTimeout FetchKind = "timeout"
	FetchDecode  FetchKind = "decode"
	FetchConfig  FetchKind = "config"
)

type FetchError struct {
	Source string
	Kind   FetchKind
	Status int
	Err    error
}

func (e *FetchError) Error() string {
	if e.Status > 0 {
		return fmt.Sprintf("fetch %s (%s, status %d): %v", e.Source, e.Kind, e.Status, e.Err)
	}
	return fmt.Sprintf("fetch %s (%s): %v", e.Source, e.Kind, e.Err)
}

func (e *FetchError) Unwrap() error {
	return e.Err
}

func IsFetchError(err error) bool {
	var fe *FetchError
	return errors.As(err, &fe)
}

type MalformedRecordError struct {
	ExternalID string
	Reason     string
}

func (e *MalformedRecordError) Error() string {
	if e.ExternalID == "" {
		return "malformed record: " + e.Reason
	}
	return fmt.Sprintf("malformed record %s: %s", e.ExternalID, e.Reason)
}

func IsMalformed(err error) bool {
	var me *MalformedRecordError
	return errors.As(err, &me)
}

type ResolutionStage string

const (
	StageGeocode  ResolutionStage = "geocode"
	StageClassify ResolutionStage = "classify"
)

// ResolutionError marks a best-effort lookup that failed and was degraded to an empty result.
type ResolutionError struct {
	Stage ResolutionStage
	Err   error
}

func (e *ResolutionError) Error() string {
	return fmt.Sprintf("%s resolution failed: %v", e.Stage, e.Err)
}

func (e *ResolutionError) Unwrap() error {
	return e.Err
}

func IsResolutionError(err error) bool {
	var re *ResolutionError
	return errors.As(err, &re)
}

// PersistenceConflictError is returned when a concurrent writer created the same dedup key first.
type PersistenceConflictError struct {
	Key string
	Err error
}

func (e *PersistenceConflictError) Error() string {
	return fmt.Sprintf("persistence conflict on %s: %v", e.Key, e.Err)
}

func (e *PersistenceConflictError) Unwrap() error {
	return e.Err
}

func IsConflict(err error) bool {
	var ce *PersistenceConflictError
	return errors.As(err, &ce)
}
