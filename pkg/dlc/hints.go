package dlc

import "time"

const (
	DefaultRetryConnectMilliseconds = 5000
	DefaultMaxFilesToDownload       = 22000
	DefaultDownloaderMaxHandles     = 8
	DefaultMountPrefix              = "~res:/"
)

// Hints tune a session. Zero values take the defaults above.
type Hints struct {
	// LogFilePath, when set, receives a dedicated rotating log of the
	// session in addition to the process logger.
	LogFilePath string
	// RetryConnectMilliseconds is the wait after a transport failure before
	// the session or a file download is retried.
	RetryConnectMilliseconds int
	// MaxFilesToDownload sizes internal tables and the transfer queue.
	MaxFilesToDownload int
	// DownloaderMaxHandles caps concurrent file downloads.
	DownloaderMaxHandles int
	// MountPrefix is the virtual path prefix packs are mounted under.
	MountPrefix string
}

func (h Hints) withDefaults() Hints {
	if h.RetryConnectMilliseconds <= 0 {
		h.RetryConnectMilliseconds = DefaultRetryConnectMilliseconds
	}
	if h.MaxFilesToDownload <= 0 {
		h.MaxFilesToDownload = DefaultMaxFilesToDownload
	}
	if h.DownloaderMaxHandles <= 0 {
		h.DownloaderMaxHandles = DefaultDownloaderMaxHandles
	}
	if h.MountPrefix == "" {
		h.MountPrefix = DefaultMountPrefix
	}
	return h
}

func (h Hints) retryInterval() time.Duration {
	return time.Duration(h.RetryConnectMilliseconds) * time.Millisecond
}
