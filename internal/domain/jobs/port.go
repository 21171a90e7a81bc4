package jobs

import (
	"context"
	"errors"

	"github.com/bryanwahyu/automaton-comply/internal/domain/audit"
)

// ErrVersionConflict is returned by SaveTransition when the stored job
// version no longer matches the expected prior version. Two workers never
// race on the same job under correct dispatch; the check is enforced anyway.
var ErrVersionConflict = errors.New("job version conflict")

// ErrNotFound is returned when a job id is unknown.
var ErrNotFound = errors.New("job not found")

// Repository port (interface untuk persistence)
type Repository interface {
	Create(ctx context.Context, j *Job) error
	Get(ctx context.Context, id JobID) (*Job, error)

	// SaveTransition commits the job's new state, its appended step history
	// and the audit entry atomically, guarded by j.Version. On success the
	// job's Version is incremented in place.
	SaveTransition(ctx context.Context, j *Job, entry audit.Entry) error

	// ListUnfinished returns ids of jobs in a non-terminal state, used to
	// resume work after a restart.
	ListUnfinished(ctx context.Context) ([]JobID, error)
}

// ArtifactStore port (interface untuk penyimpanan dokumen laporan)
type ArtifactStore interface {
	Put(ctx context.Context, key, contentType string, body []byte) (string, error)
	Fetch(ctx context.Context, key string) ([]byte, error)
}
