package recognition

import (
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/loqalabs/loqa-listen/internal/audio"
	"github.com/loqalabs/loqa-listen/internal/codec"
)

// Session outcomes recorded on loqa.listen.sessions.
const (
	outcomeStopped       = "stopped"
	outcomeCancelled     = "cancelled"
	outcomeListenTimeout = "listen_timeout"
	outcomePauseTimeout  = "pause_timeout"
	outcomeStreamEnded   = "stream_ended"
	outcomeReadError     = "read_error"
)

// captureState is owned by the capture goroutine.
type captureState struct {
	startedAt      time.Time
	lastSpeechAt   time.Time
	reportedSpeech bool
	lastPartial    string
}

func (s *Session) capture(run *listenRun) {
	defer close(run.done)

	buf := make([]int16, run.framesPerBuffer)
	now := s.clock()
	st := captureState{startedAt: now, lastSpeechAt: now}
	outcome := outcomeStopped

	for !run.stopRequested.Load() {
		if err := run.stream.Read(buf); err != nil {
			if errors.Is(err, audio.ErrInputOverflowed) {
				continue
			}
			if run.stopRequested.Load() {
				break
			}
			if errors.Is(err, audio.ErrStreamStopped) {
				outcome = outcomeStreamEnded
				break
			}
			s.fail(nil, run.id, fmt.Errorf("%w: %w", ErrStreamRead, err), err.Error(), true)
			outcome = outcomeReadError
			break
		}
		s.metrics.frame()
		s.emit(Event{Kind: KindSoundLevel, SessionID: run.id, Level: audio.SoundLevel(buf)})

		if run.recognizer.AcceptWaveform(buf) {
			blob := run.recognizer.Result()
			if text := codec.ExtractText(blob, "text"); text != "" {
				st.reportedSpeech = true
				st.lastSpeechAt = s.clock()
				s.emit(Event{
					Kind:       KindFinalText,
					SessionID:  run.id,
					Text:       text,
					Confidence: codec.ExtractAverageConfidence(blob),
				})
			}
		} else if run.partialResults {
			text := codec.ExtractText(run.recognizer.PartialResult(), "partial")
			if text != "" && text != st.lastPartial {
				st.reportedSpeech = true
				st.lastPartial = text
				st.lastSpeechAt = s.clock()
				s.emit(Event{
					Kind:       KindPartialText,
					SessionID:  run.id,
					Text:       text,
					Confidence: codec.UnknownConfidence,
				})
			}
		}

		now := s.clock()
		if run.listenFor > 0 && now.Sub(st.startedAt) >= run.listenFor {
			outcome = outcomeListenTimeout
			break
		}
		if run.pauseFor > 0 && st.reportedSpeech && now.Sub(st.lastSpeechAt) >= run.pauseFor {
			outcome = outcomePauseTimeout
			break
		}
	}

	cancelled := run.cancelRequested.Load()
	if cancelled {
		outcome = outcomeCancelled
	} else {
		blob := run.recognizer.FinalResult()
		if text := codec.ExtractText(blob, "text"); text != "" {
			st.reportedSpeech = true
			s.emit(Event{
				Kind:       KindFinalText,
				SessionID:  run.id,
				Text:       text,
				Confidence: codec.ExtractAverageConfidence(blob),
			})
		}
	}

	s.emit(Event{Kind: KindStatus, SessionID: run.id, Status: StatusNotListening})
	if !cancelled {
		status := StatusDoneNoResult
		if st.reportedSpeech {
			status = StatusDone
		}
		s.emit(Event{Kind: KindStatus, SessionID: run.id, Status: status})
	}

	s.mu.Lock()
	run.release()
	if s.run == run {
		s.run = nil
		s.listening = false
	}
	s.mu.Unlock()

	elapsed := s.clock().Sub(st.startedAt)
	s.metrics.session(outcome, elapsed)
	s.debugLog("listening stopped",
		slog.String("session_id", run.id),
		slog.String("outcome", outcome),
		slog.Duration("elapsed", elapsed))
}
