// Package apperr defines the failure kinds shared by the dispatch, moderation
// and scheduling paths. Call sites wrap collaborator errors with one of the
// sentinels below (fmt.Errorf("...: %w", apperr.ErrX)) and classify with Kind.
package apperr

import (
	"context"
	"errors"
	"fmt"
)

var (
	// ErrStoreUnavailable: the Store could not be reached. Degrade to skip/log.
	ErrStoreUnavailable = errors.New("store unavailable")
	// ErrCollaboratorTimeout: the AI Service or Messaging Client did not answer in time.
	ErrCollaboratorTimeout = errors.New("collaborator timeout")
	// ErrPermissionDenied: the caller lacks the role a verb requires.
	ErrPermissionDenied = errors.New("permission denied")
	// ErrTargetProtected: the action targets the owner identity.
	ErrTargetProtected = errors.New("target protected")
	// ErrMalformedVerdict: the AI Service returned an unusable structure.
	ErrMalformedVerdict = errors.New("malformed verdict")
	// ErrCapabilityMissing: the bot itself lacks the rights for a privileged operation.
	ErrCapabilityMissing = errors.New("capability missing")
)

// ErrMissingCredential is the only fatal startup condition.
var ErrMissingCredential = errors.New("missing required credential")

type Kind string

const (
	KindNone                Kind = ""
	KindStoreUnavailable    Kind = "store_unavailable"
	KindCollaboratorTimeout Kind = "collaborator_timeout"
	KindPermissionDenied    Kind = "permission_denied"
	KindTargetProtected     Kind = "target_protected"
	KindMalformedVerdict    Kind = "malformed_verdict"
	KindCapabilityMissing   Kind = "capability_missing"
	KindUnknown             Kind = "unknown"
)

// KindOf maps err to its failure kind. Deadline errors count as collaborator timeouts.
func KindOf(err error) Kind {
	switch {
	case err == nil:
		return KindNone
	case errors.Is(err, ErrStoreUnavailable):
		return KindStoreUnavailable
	case errors.Is(err, ErrCollaboratorTimeout), errors.Is(err, context.DeadlineExceeded):
		return KindCollaboratorTimeout
	case errors.Is(err, ErrPermissionDenied):
		return KindPermissionDenied
	case errors.Is(err, ErrTargetProtected):
		return KindTargetProtected
	case errors.Is(err, ErrMalformedVerdict):
		return KindMalformedVerdict
	case errors.Is(err, ErrCapabilityMissing):
		return KindCapabilityMissing
	default:
		return KindUnknown
	}
}

// Timeout wraps a deadline error from op so it classifies as ErrCollaboratorTimeout
// while keeping the original cause.
func Timeout(op string, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, context.DeadlineExceeded) && !errors.Is(err, ErrCollaboratorTimeout) {
		return fmt.Errorf("%s: %w: %w", op, ErrCollaboratorTimeout, err)
	}
	return err
}

// Store wraps a backend error as ErrStoreUnavailable.
func Store(op string, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, ErrStoreUnavailable) {
		return err
	}
	return fmt.Errorf("%s: %w: %w", op, ErrStoreUnavailable, err)
}

// Capability wraps a platform rejection as ErrCapabilityMissing.
func Capability(op string, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, ErrCapabilityMissing) {
		return err
	}
	return fmt.Errorf("%s: %w: %w", op, ErrCapabilityMissing, err)
}
