package hub

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/coder/websocket"

	"github.com/calltide/calltide/internal/call"
	"github.com/calltide/calltide/internal/pipeline"
	"github.com/calltide/calltide/pkg/audio"
	"github.com/calltide/calltide/pkg/provider/vad"
)

// session is one live call connection. The reader goroutine feeds the
// pipeline engine; the writer goroutine owns event serialisation and is the
// only place event_seq is assigned.
type session struct {
	hub    *Hub
	record call.Session
	conn   *websocket.Conn
	engine *pipeline.Engine

	vadSession   vad.SessionHandle
	cancelEngine context.CancelFunc

	// inputRate is the client's declared capture rate when it differs from
	// the pipeline rate, zero otherwise.
	inputRate int

	inbound     chan call.ClientMessage
	outbound    chan call.Event
	done        chan struct{}
	sendTimeout time.Duration
	log         *slog.Logger

	// stop aborts the socket read. It exists from construction so a hub
	// shutdown racing session startup can always interrupt the reader.
	stop     chan struct{}
	stopOnce sync.Once

	reasonMu sync.Mutex
	reason   string

	dropOnce sync.Once
}

// snapshot returns the session record with its live status.
func (s *session) snapshot() call.Session {
	rec := s.record
	rec.Status = s.engine.Status()
	return rec
}

// setReason records the first close reason; later calls lose.
func (s *session) setReason(reason string) {
	s.reasonMu.Lock()
	if s.reason == "" {
		s.reason = reason
	}
	s.reasonMu.Unlock()
}

func (s *session) closeReason() string {
	s.reasonMu.Lock()
	defer s.reasonMu.Unlock()
	if s.reason == "" {
		return "disconnect"
	}
	return s.reason
}

// run drives the session to completion: writer and dispatcher goroutines,
// reader inline, then teardown in order.
func (s *session) run(ctx context.Context) {
	defer close(s.done)

	readCtx, cancelRead := context.WithCancel(ctx)
	defer cancelRead()
	go func() {
		select {
		case <-s.stop:
			cancelRead()
		case <-readCtx.Done():
		}
	}()

	writerStop := make(chan struct{})
	writerDone := make(chan struct{})
	go s.writeLoop(writerStop, writerDone)

	dispatchDone := make(chan struct{})
	go s.dispatchLoop(dispatchDone)

	s.emit(call.Event{Type: call.EvSessionStarted, SessionID: s.record.SessionID})

	s.readLoop(readCtx)
	close(s.inbound)
	<-dispatchDone

	// The turn goroutine may still be streaming; give it a bounded window to
	// settle before the socket goes away.
	shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
	defer cancel()
	s.engine.Shutdown(shutdownCtx)

	if err := s.hub.deps.Recorder.EndSession(shutdownCtx, s.record.SessionID, time.Now().UTC()); err != nil {
		s.log.Warn("end session persist enqueue failed", "error", err)
	}

	reason := s.closeReason()
	s.emit(call.Event{
		Type:      call.EvSessionEnded,
		SessionID: s.record.SessionID,
		Payload:   call.SessionEndedEvent{Reason: reason},
	})

	close(writerStop)
	select {
	case <-writerDone:
	case <-time.After(s.sendTimeout):
	}

	s.conn.Close(websocket.StatusNormalClosure, reason)
	s.cancelEngine()
	if s.vadSession != nil {
		s.vadSession.Close()
	}
}

// readLoop pulls frames off the socket until the client hangs up, the
// connection breaks, or the read context is cancelled. Parsed messages go to
// the inbound queue; when it is full this loop blocks, which stops the
// socket read and flow-controls the client.
func (s *session) readLoop(ctx context.Context) {
	for {
		_, data, err := s.conn.Read(ctx)
		if err != nil {
			if websocket.CloseStatus(err) == websocket.StatusNormalClosure {
				s.setReason("hangup")
			}
			return
		}

		msg, err := call.ParseClientMessage(data)
		if err != nil {
			s.emitClientError(err)
			continue
		}

		switch msg.Type {
		case call.MsgSessionEnd:
			s.setReason("hangup")
			return
		case call.MsgPing:
			s.emit(call.Event{
				Type:      call.EvPong,
				SessionID: s.record.SessionID,
				Payload:   call.PongEvent{Ts: msg.Ping.Ts},
			})
		default:
			select {
			case s.inbound <- msg:
			case <-ctx.Done():
				return
			}
		}
	}
}

// dispatchLoop hands queued messages to the engine one at a time.
func (s *session) dispatchLoop(done chan<- struct{}) {
	defer close(done)
	ctx := context.Background()
	for msg := range s.inbound {
		if s.inputRate != 0 && msg.Type == call.MsgAudioData {
			msg.AudioData.Chunk = audio.ResampleMono16(
				msg.AudioData.Chunk, s.inputRate, s.hub.cfg.Pipeline.SampleRate)
		}
		if err := s.engine.HandleMessage(ctx, msg); err != nil {
			s.emitClientError(err)
		}
	}
}

// writeLoop serialises events in arrival order, assigning event_seq just
// before each write so the sequence is gap-free per session. After stop is
// closed it flushes whatever is already queued, then exits.
func (s *session) writeLoop(stop <-chan struct{}, done chan<- struct{}) {
	defer close(done)
	var seq uint64

	write := func(ev call.Event) bool {
		seq++
		ev.Seq = seq
		data, err := json.Marshal(ev)
		if err != nil {
			s.log.Error("event marshal failed", "event", ev.Type, "error", err)
			return true
		}

		ctx, cancel := context.WithTimeout(context.Background(), s.sendTimeout)
		err = s.conn.Write(ctx, websocket.MessageText, data)
		cancel()
		if err != nil {
			if errors.Is(err, context.DeadlineExceeded) {
				s.overload()
			}
			return false
		}
		return true
	}

	for {
		select {
		case ev := <-s.outbound:
			if !write(ev) {
				return
			}
		case <-stop:
			for {
				select {
				case ev := <-s.outbound:
					if !write(ev) {
						return
					}
				default:
					return
				}
			}
		}
	}
}

// emit queues one event for the writer. A queue that stays full past the
// send timeout means the writer is wedged on the socket; the session is then
// closed as overloaded and the event is dropped.
func (s *session) emit(ev call.Event) {
	select {
	case s.outbound <- ev:
		return
	case <-s.done:
		return
	default:
	}

	t := time.NewTimer(s.sendTimeout)
	defer t.Stop()
	select {
	case s.outbound <- ev:
	case <-s.done:
	case <-t.C:
		s.overload()
	}
}

func (s *session) emitClientError(err error) {
	kind := call.KindOf(err)
	s.emit(call.Event{
		Type:      call.EvError,
		SessionID: s.record.SessionID,
		Payload: call.ErrorEvent{
			Kind:        kind,
			Message:     err.Error(),
			Recoverable: kind.Recoverable(),
		},
	})
}

// overload closes the session because the client cannot keep up with the
// event stream.
func (s *session) overload() {
	s.dropOnce.Do(func() {
		s.log.Warn("session overloaded, closing",
			"send_timeout", s.sendTimeout)
		s.setReason("overloaded")
		s.conn.Close(websocket.StatusTryAgainLater, "overloaded")
		s.halt()
	})
}

// halt signals the reader to stop. Idempotent and usable before run starts.
func (s *session) halt() {
	s.stopOnce.Do(func() { close(s.stop) })
}

// close ends the session from the server side and waits for teardown.
func (s *session) close(ctx context.Context, reason string) error {
	s.setReason(reason)
	s.halt()
	select {
	case <-s.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// teardown releases a session that never entered the registry.
func (s *session) teardown(ctx context.Context, reason string) {
	s.engine.Shutdown(ctx)
	s.conn.Close(websocket.StatusGoingAway, reason)
	s.cancelEngine()
	if s.vadSession != nil {
		s.vadSession.Close()
	}
}
