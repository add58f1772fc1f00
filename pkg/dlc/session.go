package dlc

import (
	"bytes"
	"fmt"
	"time"

	"github.com/breeze-rmm/dlc/internal/logging"
	"github.com/breeze-rmm/dlc/pkg/downloader"
	"github.com/breeze-rmm/dlc/pkg/packformat"
	"github.com/breeze-rmm/dlc/pkg/packmeta"
)

// State is the bootstrap progress of a session.
type State int

const (
	StateStarting State = iota
	StateAskingFooter
	StateFooterReceived
	StateAskingFileTable
	StateTableReceived
	StateAskingMetaDB
	StateMetaReady
	StateReady
	StateOffline
	StateFailed
)

var stateNames = [...]string{
	StateStarting:        "Starting",
	StateAskingFooter:    "AskingFooter",
	StateFooterReceived:  "FooterReceived",
	StateAskingFileTable: "AskingFileTable",
	StateTableReceived:   "TableReceived",
	StateAskingMetaDB:    "AskingMetaDB",
	StateMetaReady:       "MetaReady",
	StateReady:           "Ready",
	StateOffline:         "Offline",
	StateFailed:          "Failed",
}

func (s State) String() string {
	if int(s) < len(stateNames) {
		return stateNames[s]
	}
	return fmt.Sprintf("State(%d)", int(s))
}

// session fetches footer, file table and metadata, one step per tick.
type session struct {
	id    string
	state State
	task  downloader.TaskID
	buf   []byte
	size  uint64
	wait  time.Duration

	footer    packformat.SuperpackFooter
	footerRaw []byte
	table     *packformat.FileTable
	meta      *packmeta.PackMetaData
	networkUp bool
	err       error
}

type pollResult int

const (
	pollPending pollResult = iota
	pollDone
	pollFailed
)

// poll checks the session's current task. On success the finished status
// is returned and the task is released.
func (m *Manager) poll() (downloader.TaskStatus, pollResult) {
	s := m.sess
	st, ok := m.dl.GetTaskStatus(s.task)
	if !ok {
		s.task = 0
		m.transportFailure("downloader lost bootstrap task")
		return st, pollFailed
	}
	if st.State != downloader.Finished {
		return st, pollPending
	}
	m.dl.RemoveTask(s.task)
	s.task = 0
	if !st.Error.IsNone() {
		m.transportFailure(st.Error.String())
		return st, pollFailed
	}
	if !s.networkUp {
		s.networkUp = true
		m.NetworkReady.Emit(true)
	}
	return st, pollDone
}

func (m *Manager) transportFailure(reason string) {
	s := m.sess
	m.log.Warn("superpack request failed, will retry",
		"state", s.state.String(),
		logging.KeyError, reason,
		"retryIn", m.hints.retryInterval())
	s.networkUp = false
	s.state = StateOffline
	s.wait = m.hints.retryInterval()
	m.NetworkReady.Emit(false)
}

func (m *Manager) protocolFailure(err error) {
	s := m.sess
	s.err = fmt.Errorf("%w: %w", ErrProtocol, err)
	m.log.Error("superpack unusable, session stopped", "state", s.state.String(), logging.KeyError, err)
	s.state = StateFailed
}

// askRange starts a buffer task for [offset, offset+n) of the superpack.
func (m *Manager) askRange(offset uint64, n uint32, next State) {
	s := m.sess
	s.buf = make([]byte, n)
	s.task = m.dl.StartTask(m.url, s.buf, downloader.Range{Offset: offset, Size: int64(n)})
	s.state = next
}

func (m *Manager) updateSession(dt time.Duration) {
	s := m.sess
	switch s.state {
	case StateStarting:
		if s.task == 0 {
			s.task = m.dl.StartGetContentSize(m.url)
			return
		}
		st, res := m.poll()
		if res != pollDone {
			return
		}
		if st.SizeTotal < packformat.FooterSize {
			m.protocolFailure(fmt.Errorf("superpack is %d bytes, smaller than its footer", st.SizeTotal))
			return
		}
		s.size = uint64(st.SizeTotal)
		m.askRange(s.size-packformat.FooterSize, packformat.FooterSize, StateAskingFooter)

	case StateAskingFooter:
		if _, res := m.poll(); res != pollDone {
			return
		}
		footer, err := packformat.DecodeFooter(s.buf)
		if err != nil {
			m.protocolFailure(err)
			return
		}
		if s.footerRaw != nil && !bytes.Equal(s.footerRaw, s.buf) {
			m.protocolFailure(ErrSuperpackChanged)
			return
		}
		s.footerRaw = s.buf
		s.footer = footer
		s.state = StateFooterReceived
		m.log.Info("superpack footer received",
			"size", s.size,
			"files", footer.Info.NumFiles,
			"footerCrc", fmt.Sprintf("%08x", footer.InfoCrc32))

	case StateFooterReceived:
		m.verified.bind(s.footer.InfoCrc32)
		off, err := s.footer.FileTableOffset(s.size)
		if err != nil {
			m.protocolFailure(err)
			return
		}
		m.askRange(off, s.footer.Info.FileTableSize, StateAskingFileTable)

	case StateAskingFileTable:
		if _, res := m.poll(); res != pollDone {
			return
		}
		table, err := packformat.DecodeFileTable(s.buf, s.footer)
		if err != nil {
			m.protocolFailure(err)
			return
		}
		if len(table.Entries) > m.hints.MaxFilesToDownload {
			m.log.Warn("superpack holds more files than expected",
				"files", len(table.Entries), "maxFilesToDownload", m.hints.MaxFilesToDownload)
		}
		s.table = table
		s.state = StateTableReceived

	case StateTableReceived:
		off, err := s.footer.MetaOffset(s.size)
		if err != nil {
			m.protocolFailure(err)
			return
		}
		m.askRange(off, s.footer.Info.MetaSize, StateAskingMetaDB)

	case StateAskingMetaDB:
		if _, res := m.poll(); res != pollDone {
			return
		}
		raw, err := packformat.DecodeMetaBlock(s.buf, s.footer)
		if err != nil {
			m.protocolFailure(err)
			return
		}
		meta, err := packmeta.Deserialize(raw)
		if err != nil {
			m.protocolFailure(err)
			return
		}
		if meta.NumFiles() != len(s.table.Entries) {
			m.protocolFailure(fmt.Errorf("metadata covers %d files, table has %d", meta.NumFiles(), len(s.table.Entries)))
			return
		}
		s.meta = meta
		s.buf = nil
		s.state = StateMetaReady

	case StateMetaReady:
		m.becomeReady()

	case StateOffline:
		s.wait -= dt
		if s.wait > 0 {
			return
		}
		s.wait = 0
		s.state = StateStarting
	}
}
