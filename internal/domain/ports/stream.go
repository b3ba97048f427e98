package ports

import (
	"context"
	"io"
)

// StreamReader is a seekable reader over a torrent file that prioritizes
// pieces ahead of the read position.
type StreamReader interface {
	io.ReadSeekCloser
	SetContext(context.Context)
	SetReadahead(int64)
	SetResponsive()
}
