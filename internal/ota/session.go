// internal/ota/session.go
package ota

import (
	"errors"
	"fmt"
	"log/slog"

	"github.com/swarmit/supervisor/internal/appstate"
	"github.com/swarmit/supervisor/internal/protocol"
)

// EvOtaChunk names the chunk request in state errors. Chunks do not move
// the machine by themselves; only the final one does.
const EvOtaChunk = "ota_chunk"

// Programmer is the flash side of a session.
type Programmer interface {
	ErasePages(imageSize uint32) error
	WriteChunk(index uint32, data []byte) error
}

// Verifier checks a chunk against its announced digest.
type Verifier interface {
	Verify(chunk, expected []byte) bool
}

// ImageMeta is announced by OTA_START and trusted as-is. ChunkCount is only
// used to bound indices and spot the last chunk.
type ImageMeta struct {
	ImageSize  uint32
	ChunkCount uint32
}

// Progress is the per-session transfer state.
type Progress struct {
	// LastChunkAcked is -1 until the first chunk of a session is committed.
	LastChunkAcked int32
	ChunkIndex     uint32
	ChunkSize      uint8
	Chunk          [protocol.ChunkSize]byte

	// EraseRequired is set by OTA_START and by every write: the pages
	// must be erased before a new session reuses them.
	EraseRequired bool
}

// Ack is produced for every committed (or re-committed) chunk.
type Ack struct {
	Index uint32
	Final bool
}

// Config tunes a Session.
type Config struct {
	// Logger is used for session diagnostics (optional)
	Logger *slog.Logger
}

// Session is the OTA transfer state machine. It is owned by a single
// goroutine; only the application status it shares is safe for concurrent
// reads.
type Session struct {
	state  *appstate.Machine
	prog   Programmer
	ver    Verifier
	logger *slog.Logger

	meta     ImageMeta
	progress Progress

	erased  bool // region erased since the last OTA_START
	pending bool // chunk accepted, not yet committed
	fault   error
}

// New returns an idle session with nothing acked and an erase pending.
func New(state *appstate.Machine, prog Programmer, ver Verifier, cfg Config) (*Session, error) {
	if state == nil || prog == nil || ver == nil {
		return nil, errors.New("ota: state, programmer and verifier are required")
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Session{
		state:  state,
		prog:   prog,
		ver:    ver,
		logger: cfg.Logger,
		progress: Progress{
			LastChunkAcked: -1,
			EraseRequired:  true,
		},
	}, nil
}

func (s *Session) Meta() ImageMeta       { return s.meta }
func (s *Session) Progress() Progress    { return s.progress }
func (s *Session) Fault() error          { return s.fault }
func (s *Session) LastChunkAcked() int32 { return s.progress.LastChunkAcked }

// Start opens a new session. Valid from Ready and Programming; it resets
// progress tracking and clears a previous flash fault.
func (s *Session) Start(req protocol.OtaStartRequest) error {
	if err := s.state.Fire(appstate.EvOtaStart); err != nil {
		return err
	}

	s.meta = ImageMeta{ImageSize: req.ImageSize, ChunkCount: req.ChunkCount}
	s.progress.LastChunkAcked = -1
	s.progress.EraseRequired = true
	s.erased = false
	s.pending = false
	s.fault = nil

	s.logger.Info("ota start", "size", req.ImageSize, "chunks", req.ChunkCount)
	return nil
}

// PrepareErase erases the announced image region if the session has not
// erased it yet. It runs once per OTA_START, before OTA_START_ACK is sent.
func (s *Session) PrepareErase() (bool, error) {
	if s.erased || !s.progress.EraseRequired {
		return false, nil
	}
	if err := s.prog.ErasePages(s.meta.ImageSize); err != nil {
		s.fault = err
		s.logger.Error("ota erase failed", "err", err)
		return false, err
	}
	s.erased = true
	s.progress.EraseRequired = false
	return true, nil
}

// Accept validates a chunk request. On success the chunk is held until
// Commit. A chunk whose index equals LastChunkAcked is a retransmission:
// its digest is not checked and it will not be written again.
func (s *Session) Accept(req protocol.OtaChunkRequest) error {
	if !s.state.Is(protocol.StatusProgramming) && !s.state.Is(protocol.StatusReady) {
		return &appstate.StateError{Event: EvOtaChunk, Status: s.state.Status()}
	}
	if s.fault != nil {
		return s.fault
	}
	if req.Index >= s.meta.ChunkCount {
		s.logger.Warn("invalid chunk index", "index", req.Index, "chunks", s.meta.ChunkCount)
		return &protocol.ProtocolError{
			Type:   protocol.MsgOtaChunk,
			Reason: fmt.Sprintf("index %d out of range (%d chunks)", req.Index, s.meta.ChunkCount),
		}
	}

	s.progress.ChunkIndex = req.Index
	if int32(req.Index) != s.progress.LastChunkAcked {
		if len(req.Data) > protocol.ChunkSize {
			return &protocol.ProtocolError{Type: protocol.MsgOtaChunk, Reason: "chunk too large"}
		}
		if !s.ver.Verify(req.Data, req.Digest) {
			s.logger.Warn("chunk digest mismatch", "index", req.Index)
			return &IntegrityError{Index: req.Index}
		}
		s.progress.ChunkSize = uint8(len(req.Data))
		copy(s.progress.Chunk[:], req.Data)
	}

	s.pending = true
	return nil
}

// Commit writes the accepted chunk (unless it was already acknowledged)
// and returns the acknowledgement to send. Acknowledging the last chunk
// moves the application back to Ready.
func (s *Session) Commit() (Ack, error) {
	if !s.pending {
		return Ack{}, errNothingPending
	}
	s.pending = false

	idx := s.progress.ChunkIndex
	if int32(idx) != s.progress.LastChunkAcked {
		if !s.erased {
			if _, err := s.forceErase(); err != nil {
				return Ack{}, err
			}
		}
		data := s.progress.Chunk[:s.progress.ChunkSize]
		if err := s.prog.WriteChunk(idx, data); err != nil {
			s.fault = err
			s.logger.Error("ota write failed", "index", idx, "err", err)
			return Ack{}, err
		}
		s.progress.EraseRequired = true
		s.logger.Debug("chunk written", "index", idx, "last", s.meta.ChunkCount-1)
	}
	s.progress.LastChunkAcked = int32(idx)

	ack := Ack{Index: idx, Final: idx == s.meta.ChunkCount-1}
	if ack.Final {
		if err := s.state.Fire(appstate.EvOtaDone); err != nil {
			s.logger.Warn("ota completion not applied", "err", err)
		} else {
			s.logger.Info("ota complete", "chunks", s.meta.ChunkCount)
		}
	}
	return ack, nil
}

// HandleChunk is Accept followed by Commit.
func (s *Session) HandleChunk(req protocol.OtaChunkRequest) (Ack, error) {
	if err := s.Accept(req); err != nil {
		return Ack{}, err
	}
	return s.Commit()
}

// forceErase covers a chunk arriving before the OTA_START erase ran.
func (s *Session) forceErase() (bool, error) {
	s.progress.EraseRequired = true
	return s.PrepareErase()
}
