package dlc

import (
	"errors"

	"github.com/breeze-rmm/dlc/pkg/packmeta"
)

var (
	// ErrUnknownPack is returned for pack names missing from the superpack
	// metadata.
	ErrUnknownPack = packmeta.ErrUnknownPack
	// ErrNotInitialized is returned by calls that need Initialize first.
	ErrNotInitialized = errors.New("dlc: manager not initialized")
	// ErrNotReady is returned by calls that need the superpack metadata.
	ErrNotReady = errors.New("dlc: superpack metadata not loaded yet")
	// ErrSuperpackChanged means the remote superpack was replaced while a
	// session was using it.
	ErrSuperpackChanged = errors.New("dlc: superpack changed during session")
	// ErrProtocol wraps malformed or corrupt superpack structures.
	ErrProtocol = errors.New("dlc: superpack protocol failure")
	// ErrBadLocalDir is returned when the local directory cannot be used.
	ErrBadLocalDir = errors.New("dlc: local directory not writable")
	// ErrUnsafePath is returned for file names escaping the local directory.
	ErrUnsafePath = errors.New("dlc: file path escapes local directory")
)
