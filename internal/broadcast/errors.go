package broadcast

import (
	"errors"
	"fmt"
)

// ErrConfiguration marks setup faults that stop a job: missing credentials,
// an offline session, a tenant mismatch or an unreadable catalog.
var ErrConfiguration = errors.New("broadcast: configuration error")

// SendError is one failed (product, group) send. It is counted, never fatal.
type SendError struct {
	TenantID  string
	JobID     string
	ProductID string
	GroupID   string
	Err       error
}

func (e *SendError) Error() string {
	return fmt.Sprintf("send job=%s product=%s group=%s: %v", e.JobID, e.ProductID, e.GroupID, e.Err)
}

func (e *SendError) Unwrap() error { return e.Err }

func configError(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrConfiguration, fmt.Sprintf(format, args...))
}
