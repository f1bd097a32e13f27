package app

import "errors"

var (
	// ErrRunInProgress means another synchronization run holds the
	// single-writer lock; the caller should retry after it completes.
	ErrRunInProgress = errors.New("a transfer run is already in progress")

	// ErrBadBatchSize rejects batch sizes outside [1, 10000].
	ErrBadBatchSize = errors.New("batch size must be between 1 and 10000")

	// ErrBadWindow rejects windows whose start is after their end.
	ErrBadWindow = errors.New("window start must not be after window end")

	// ErrDuplicateEvent aborts a batch under the error duplicate policy.
	ErrDuplicateEvent = errors.New("duplicate scan event for an existing canonical record")

	// ErrMappingConflict reports a pin-mapping insert that would violate
	// one-pin-per-student or one-student-per-pin uniqueness.
	ErrMappingConflict = errors.New("mapping would conflict with an existing active mapping")

	// ErrStudentInactive rejects operations against a deactivated student.
	ErrStudentInactive = errors.New("student is not active")

	// ErrNoContacts means a student has no active guardian contact.
	ErrNoContacts = errors.New("student has no active guardian contacts")
)
