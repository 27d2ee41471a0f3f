package media

import "errors"

var (
	ErrQuit            = errors.New("media: queue aborted")
	ErrQueueEmpty      = errors.New("media: queue empty")
	ErrNoStreams       = errors.New("media: no audio or video stream found")
	ErrSeekUnsupported = errors.New("media: seek target unsupported")
	ErrInvalidState    = errors.New("media: invalid session state")
	ErrShutdownTimeout = errors.New("media: shutdown timed out")
)
