package recognition

import "errors"

// Failure kinds carried in Event.Err. Every Initialize or Listen failure is
// reported as one error event; none of these is returned to callers.
var (
	ErrMissingModelPath  = errors.New("recognition: missing model path")
	ErrModelLoad         = errors.New("recognition: model load failed")
	ErrAudioSubsystem    = errors.New("recognition: audio subsystem unavailable")
	ErrNotInitialized    = errors.New("recognition: not initialized")
	ErrRecognizerCreate  = errors.New("recognition: recognizer create failed")
	ErrDeviceUnavailable = errors.New("recognition: no input device")
	ErrStreamOpenTimeout = errors.New("recognition: stream open timed out")
	ErrStreamOpen        = errors.New("recognition: stream open failed")
	ErrStreamRead        = errors.New("recognition: stream read failed")
	ErrClosed            = errors.New("recognition: session closed")
)
