package ingest

import (
	"errors"
	"fmt"

	"reelhouse/internal/storage"
)

var (
	// ErrInvalidRequest marks client input errors. No state is mutated.
	ErrInvalidRequest = errors.New("invalid request")
	ErrNotFound       = errors.New("not found")
	// ErrConflict reports an operation that does not apply to the job's
	// current status, such as completing an upload twice.
	ErrConflict = errors.New("conflict")
	// ErrStorageSession wraps multipart begin, complete and abort failures.
	ErrStorageSession = errors.New("storage session failed")
	ErrEnqueue        = errors.New("enqueue transcode job failed")
)

func invalidf(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrInvalidRequest, fmt.Sprintf(format, args...))
}

func conflictf(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrConflict, fmt.Sprintf(format, args...))
}

// mapStoreError translates catalog store sentinels into ingest sentinels while
// keeping the original error in the chain.
func mapStoreError(err error) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, storage.ErrNotFound):
		return fmt.Errorf("%w: %w", ErrNotFound, err)
	case errors.Is(err, storage.ErrProgressOutOfRange):
		return fmt.Errorf("%w: %w", ErrInvalidRequest, err)
	case errors.Is(err, storage.ErrInvalidTransition):
		return fmt.Errorf("%w: %w", ErrConflict, err)
	default:
		return err
	}
}
