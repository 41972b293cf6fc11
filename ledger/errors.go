package ledger

import (
	"errors"
)

// Error taxonomy of the lot ledger. Callers match with errors.Is; operations
// wrap these with the offending detail.
var (
	ErrUnauthorized          = errors.New("caller lacks the required role")
	ErrRoleMismatch          = errors.New("target identity lacks the required role")
	ErrNotAssignedSupervisor = errors.New("caller is not the supervisor assigned to this step")
	ErrStepOutOfOrder        = errors.New("step is not the current step")
	ErrStepAlreadyStarted    = errors.New("step has already started")
	ErrProcessFailed         = errors.New("lot has failed")
	ErrInvariantViolation    = errors.New("operation would remove the last admin")
	ErrInvalidAddress        = errors.New("invalid address")
	ErrInvalidInput          = errors.New("invalid input")
	ErrInvalidOperation      = errors.New("operation not allowed on this step")
	ErrRoleUnchanged         = errors.New("identity already has this role")
	ErrLotNotFound           = errors.New("lot not found")
)

// ABCI result codes. Zero is success; one is reserved for malformed transactions.
const (
	CodeOK uint32 = iota
	CodeMalformed
	CodeInternal
	CodeUnauthorized
	CodeRoleMismatch
	CodeNotAssignedSupervisor
	CodeStepOutOfOrder
	CodeStepAlreadyStarted
	CodeProcessFailed
	CodeInvariantViolation
	CodeInvalidAddress
	CodeInvalidInput
	CodeInvalidOperation
	CodeRoleUnchanged
	CodeLotNotFound
)

var errorCodes = []struct {
	err  error
	name string
	code uint32
}{
	{ErrUnauthorized, "Unauthorized", CodeUnauthorized},
	{ErrRoleMismatch, "RoleMismatch", CodeRoleMismatch},
	{ErrNotAssignedSupervisor, "NotAssignedSupervisor", CodeNotAssignedSupervisor},
	{ErrStepOutOfOrder, "StepOutOfOrder", CodeStepOutOfOrder},
	{ErrStepAlreadyStarted, "StepAlreadyStarted", CodeStepAlreadyStarted},
	{ErrProcessFailed, "ProcessFailed", CodeProcessFailed},
	{ErrInvariantViolation, "InvariantViolation", CodeInvariantViolation},
	{ErrInvalidAddress, "InvalidAddress", CodeInvalidAddress},
	{ErrInvalidInput, "InvalidInput", CodeInvalidInput},
	{ErrInvalidOperation, "InvalidOperation", CodeInvalidOperation},
	{ErrRoleUnchanged, "RoleUnchanged", CodeRoleUnchanged},
	{ErrLotNotFound, "LotNotFound", CodeLotNotFound},
}

// CodeOf returns the stable error name and ABCI result code for err.
// A nil error is "OK"; anything outside the taxonomy is "Internal".
func CodeOf(err error) (string, uint32) {
	if err == nil {
		return "OK", CodeOK
	}
	for _, e := range errorCodes {
		if errors.Is(err, e.err) {
			return e.name, e.code
		}
	}
	return "Internal", CodeInternal
}

// CodeName returns the stable error name of an ABCI result code.
func CodeName(code uint32) string {
	switch code {
	case CodeOK:
		return "OK"
	case CodeMalformed:
		return "Malformed"
	}
	for _, e := range errorCodes {
		if e.code == code {
			return e.name
		}
	}
	return "Internal"
}
