package transfer

import (
	"net/http"

	"github.com/glorpus-work/mlget/pkg/errors"
)

// aria2c exit codes, from the aria2c(1) EXIT STATUS section. Only the codes
// the orchestrator needs to distinguish are mapped; everything else is
// treated as a connection-level fault.
const (
	aria2cExitOK          = 0
	aria2cExitUnknown     = 1
	aria2cExitTimeout     = 2
	aria2cExitNotFound    = 3
	aria2cExitMaxNotFound = 4
	aria2cExitSlow        = 5
	aria2cExitNetwork     = 6
	aria2cExitUnfinished  = 7
	aria2cExitNoResume    = 8
	aria2cExitDiskFull    = 9
	aria2cExitAuth        = 24
)

// classifyExit maps an aria2c exit code onto the error taxonomy. Timeouts,
// stalls and network faults are retryable connection errors; missing
// resources map to a 404 server error; disk exhaustion is a process fault
// that must abort the whole run.
func classifyExit(code int) error {
	switch code {
	case aria2cExitOK:
		return nil
	case aria2cExitTimeout, aria2cExitSlow, aria2cExitNetwork, aria2cExitUnfinished:
		return errors.Wrapf(errors.ErrConnection, "aria2c exit code %d", code)
	case aria2cExitNotFound, aria2cExitMaxNotFound:
		return &errors.ServerError{StatusCode: http.StatusNotFound}
	case aria2cExitAuth:
		return &errors.ServerError{StatusCode: http.StatusUnauthorized}
	case aria2cExitDiskFull:
		return errors.Wrapf(errors.ErrProcess, "aria2c exit code %d (disk full)", code)
	case aria2cExitNoResume:
		return errors.Wrapf(errors.ErrConnection, "aria2c exit code %d (server refused resume)", code)
	default:
		return errors.Wrapf(errors.ErrConnection, "aria2c exit code %d", code)
	}
}
