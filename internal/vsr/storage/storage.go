// Package storage provides the log stores a replica persists to
package storage

import (
	"errors"

	"github.com/lni/dragonboat/v4/logger"
)

var plog = logger.GetLogger("storage")

// ErrClosed is returned by a store used after Close
var ErrClosed = errors.New("log store closed")
