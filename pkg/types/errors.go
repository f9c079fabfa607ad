package types

import "errors"

// Error taxonomy shared by all components. API-level operations return
// these (usually wrapped with context via fmt.Errorf and %w) so the
// outer HTTP layer can map them to status codes with errors.Is.
// ErrPermissionDenied and ErrTimeout are produced by that outer layer
// only (ownership rejections from CanAccess, request deadlines); they
// live here so the taxonomy stays in one place.
var (
	ErrNotFound         = errors.New("not found")
	ErrPermissionDenied = errors.New("permission denied")
	ErrConflict         = errors.New("conflict")
	ErrInvalidArgument  = errors.New("invalid argument")
	ErrJarMissing       = errors.New("server jar missing")
	ErrRconUnavailable  = errors.New("rcon unavailable")
	ErrSpawn            = errors.New("spawn failed")
	ErrDownload         = errors.New("download failed")
	ErrNotRunning       = errors.New("not running")
	ErrAlreadyRunning   = errors.New("already running")
	ErrInProgress       = errors.New("lifecycle transition in progress")
	ErrTimeout          = errors.New("timed out")
)
