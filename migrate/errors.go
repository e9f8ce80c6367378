package migrate

import (
	"errors"
	"fmt"
)

// ErrTenantNotFound is returned when a tenant name has no registered
// meta client.
var ErrTenantNotFound = errors.New("migrate: tenant not found")

// ErrVnodeNotFound is returned when a vnode id has no VnodeAllInfo in
// its tenant's meta.
var ErrVnodeNotFound = errors.New("migrate: vnode not found")

// ErrGRPCRequest wraps a non-success response code from a remote tskv
// service call.
type ErrGRPCRequest struct {
	Msg string
}

func (e *ErrGRPCRequest) Error() string { return fmt.Sprintf("migrate: grpc request: %s", e.Msg) }

// ErrCommonError is the catch-all the source uses for everything that
// isn't a typed variant — here, specifically, a downloaded file's MD5
// mismatch. The trailing space in the message is deliberate: it
// matches the source's exact wording.
type ErrCommonError struct {
	Msg string
}

func (e *ErrCommonError) Error() string { return fmt.Sprintf("migrate: %s", e.Msg) }

const md5MismatchMsg = "download file md5 not match "
