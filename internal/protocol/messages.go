package protocol

import (
	"encoding/json"
	"time"
)

// Control operations. Each is served as request/reply on
// "<prefix>.ctrl.<operation>".
const (
	OpHasPermission = "hasPermission"
	OpInitialize    = "initialize"
	OpListen        = "listen"
	OpStop          = "stop"
	OpCancel        = "cancel"
	OpLocales       = "locales"
)

// Operations lists every control operation in a stable order.
var Operations = []string{OpHasPermission, OpInitialize, OpListen, OpStop, OpCancel, OpLocales}

const (
	TokenControl  = "ctrl"
	TokenEvent    = "event"
	TokenPresence = "presence"
)

// InitializeRequest mirrors the initialize options. Only ModelPath is required.
type InitializeRequest struct {
	ModelPath        string `json:"modelPath"`
	VoskLibraryPath  string `json:"voskLibraryPath,omitempty"`
	ModelLocale      string `json:"modelLocale,omitempty"`
	ModelDisplayName string `json:"modelDisplayName,omitempty"`
	DebugLogging     bool   `json:"debugLogging,omitempty"`
}

// ListenRequest leaves unset fields to the daemon's configured defaults.
type ListenRequest struct {
	PartialResults  *bool `json:"partialResults,omitempty"`
	SampleRate      *int  `json:"sampleRate,omitempty"`
	ListenForMillis *int  `json:"listenForMillis,omitempty"`
	PauseForMillis  *int  `json:"pauseForMillis,omitempty"`
}

// BoolResponse answers hasPermission, initialize and listen.
type BoolResponse struct {
	OK    bool   `json:"ok"`
	Error string `json:"error,omitempty"`
}

// LocalesResponse answers locales.
type LocalesResponse struct {
	Locales []string `json:"locales"`
}

// AckResponse answers stop and cancel.
type AckResponse struct {
	Listening bool `json:"listening"`
}

// Envelope carries one outbound event on "<prefix>.event.<method>".
type Envelope struct {
	Method    string          `json:"method"`
	SessionID string          `json:"session_id,omitempty"`
	Payload   json.RawMessage `json:"payload"`
	Timestamp time.Time       `json:"timestamp"`
}

// Presence is published on announce and on every heartbeat.
type Presence struct {
	NodeID     string    `json:"node_id"`
	InstanceID string    `json:"instance_id"`
	Locales    []string  `json:"locales"`
	Listening  bool      `json:"listening"`
	Timestamp  time.Time `json:"timestamp"`
}
