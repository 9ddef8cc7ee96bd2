package lifecycle

import (
	"errors"

	"quickdrop/internal/blobstore"
)

// ErrDenied matches every refusal of TryConsume via errors.Is.
var ErrDenied = errors.New("lifecycle: denied")

var (
	ErrNotFound        error = &denial{reason: "not found"}
	ErrAlreadyConsumed error = &denial{reason: "already consumed"}
	ErrExpired         error = &denial{reason: "expired"}
)

var (
	ErrClosed = errors.New("lifecycle: manager closed")

	// Storage outcomes surface with the blobstore sentinels so callers only
	// need this package to classify them.
	ErrStorageFull        = blobstore.ErrStorageFull
	ErrStorageUnavailable = blobstore.ErrStorageUnavailable
	ErrTokenCollision     = blobstore.ErrTokenCollision
)

type denial struct {
	reason string
}

func (d *denial) Error() string { return "lifecycle: " + d.reason }

func (d *denial) Is(target error) bool { return target == ErrDenied }

// DenialReason names the refusal for logs and metrics; "" if err is not one.
func DenialReason(err error) string {
	var d *denial
	if errors.As(err, &d) {
		return d.reason
	}
	return ""
}
