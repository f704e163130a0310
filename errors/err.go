package errors

import (
	"fmt"
)

var (
	ErrConfiguration = fmt.Errorf("memvault: configuration error")
	ErrNotFound      = fmt.Errorf("memvault: not found")
	ErrEmbedding     = fmt.Errorf("memvault: embedding failure")
	ErrTransient     = fmt.Errorf("memvault: transient index error")
	ErrInvariant     = fmt.Errorf("memvault: invariant violation")
)
