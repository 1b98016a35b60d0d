package gateway

// Client → server message types. Binary frames carry little-endian float32
// mono microphone samples at the rate announced in hello.
const (
	msgHello      = "hello"
	msgToggle     = "toggle"
	msgStartAudio = "start_audio"
	msgEndAudio   = "end_audio"
	msgText       = "text"
	msgPing       = "ping"
	msgStop       = "stop"
)

// Server → client message types. Binary frames carry PCM16 mono assistant
// audio at 24 kHz.
const (
	msgReady      = "ready"
	msgStatus     = "status"
	msgState      = "state"
	msgTranscript = "transcript"
	msgError      = "error"
	msgPong       = "pong"
	msgMic        = "mic"
)

// Microphone availability reported by the browser in hello.
const (
	micGranted = "granted"
	micDenied  = "denied"
	micNone    = "none"
	micBusy    = "busy"
)

// clientMessage is any text message from the browser.
type clientMessage struct {
	Type string `json:"type"`

	// hello
	Mic        string `json:"mic,omitempty"`
	SampleRate int    `json:"sampleRate,omitempty"`

	// text
	Content string `json:"content,omitempty"`
}

type readyMessage struct {
	Type     string `json:"type"`
	RecordID string `json:"recordId,omitempty"`
}

type statusMessage struct {
	Type   string `json:"type"`
	Status string `json:"status"`
}

type stateMessage struct {
	Type      string `json:"type"`
	State     string `json:"state"`
	SessionID string `json:"sessionId,omitempty"`
}

type transcriptMessage struct {
	Type      string `json:"type"`
	SessionID string `json:"sessionId"`
	Index     int    `json:"index"`
	Role      string `json:"role"`
	Text      string `json:"text"`
	Stage     string `json:"generationStage,omitempty"`
}

type errorMessage struct {
	Type    string `json:"type"`
	Message string `json:"message"`
}

type micMessage struct {
	Type  string `json:"type"`
	State string `json:"state"` // "on" or "off"
}

type pongMessage struct {
	Type string `json:"type"`
}
