package session

import (
	"encoding/json"
	"fmt"

	"github.com/dadfix/homefix/pkg/audio"
)

// Event names on the model stream.
const (
	EventSessionStart = "sessionStart"
	EventPromptStart  = "promptStart"
	EventContentStart = "contentStart"
	EventTextInput    = "textInput"
	EventAudioInput   = "audioInput"
	EventContentEnd   = "contentEnd"
	EventPromptEnd    = "promptEnd"
	EventSessionEnd   = "sessionEnd"

	EventTextOutput  = "textOutput"
	EventAudioOutput = "audioOutput"
)

// Content block roles and types.
const (
	roleSystem = "SYSTEM"
	roleUser   = "USER"

	contentText  = "TEXT"
	contentAudio = "AUDIO"
)

// InferenceConfig is sent with sessionStart.
type InferenceConfig struct {
	MaxTokens   int     `json:"maxTokens"`
	TopP        float64 `json:"topP"`
	Temperature float64 `json:"temperature"`
}

// DefaultInference returns the inference parameters used when none are configured.
func DefaultInference() InferenceConfig {
	return InferenceConfig{MaxTokens: 1024, TopP: 0.9, Temperature: 0.7}
}

type sessionStartPayload struct {
	InferenceConfiguration InferenceConfig `json:"inferenceConfiguration"`
}

type mediaConfig struct {
	MediaType string `json:"mediaType"`
}

type audioConfig struct {
	MediaType       string `json:"mediaType"`
	SampleRateHertz int    `json:"sampleRateHertz"`
	SampleSizeBits  int    `json:"sampleSizeBits"`
	ChannelCount    int    `json:"channelCount"`
	VoiceID         string `json:"voiceId,omitempty"`
	Encoding        string `json:"encoding"`
	AudioType       string `json:"audioType"`
}

type promptStartPayload struct {
	PromptName               string      `json:"promptName"`
	TextOutputConfiguration  mediaConfig `json:"textOutputConfiguration"`
	AudioOutputConfiguration audioConfig `json:"audioOutputConfiguration"`
}

type contentStartPayload struct {
	PromptName              string       `json:"promptName"`
	ContentName             string       `json:"contentName"`
	Type                    string       `json:"type"`
	Interactive             bool         `json:"interactive"`
	Role                    string       `json:"role"`
	TextInputConfiguration  *mediaConfig `json:"textInputConfiguration,omitempty"`
	AudioInputConfiguration *audioConfig `json:"audioInputConfiguration,omitempty"`
}

type contentPayload struct {
	PromptName  string `json:"promptName"`
	ContentName string `json:"contentName"`
	Content     string `json:"content"`
}

type contentEndPayload struct {
	PromptName  string `json:"promptName"`
	ContentName string `json:"contentName"`
}

type promptEndPayload struct {
	PromptName string `json:"promptName"`
}

// outEvent is one outbound event before encoding.
type outEvent struct {
	name    string
	payload any
}

// encode renders {"event": {name: payload}} as UTF-8 JSON.
func (e outEvent) encode() ([]byte, error) {
	b, err := json.Marshal(map[string]map[string]any{"event": {e.name: e.payload}})
	if err != nil {
		return nil, fmt.Errorf("session: encode %s: %w", e.name, err)
	}
	return b, nil
}

func sessionStartEvent(inf InferenceConfig) outEvent {
	return outEvent{EventSessionStart, sessionStartPayload{InferenceConfiguration: inf}}
}

func promptStartEvent(prompt, voice string) outEvent {
	return outEvent{EventPromptStart, promptStartPayload{
		PromptName:              prompt,
		TextOutputConfiguration: mediaConfig{MediaType: "text/plain"},
		AudioOutputConfiguration: audioConfig{
			MediaType:       "audio/lpcm",
			SampleRateHertz: audio.OutputSampleRate,
			SampleSizeBits:  16,
			ChannelCount:    1,
			VoiceID:         voice,
			Encoding:        "base64",
			AudioType:       "SPEECH",
		},
	}}
}

func textContentStartEvent(prompt, content, role string) outEvent {
	return outEvent{EventContentStart, contentStartPayload{
		PromptName:             prompt,
		ContentName:            content,
		Type:                   contentText,
		Interactive:            true,
		Role:                   role,
		TextInputConfiguration: &mediaConfig{MediaType: "text/plain"},
	}}
}

func audioContentStartEvent(prompt, content string) outEvent {
	return outEvent{EventContentStart, contentStartPayload{
		PromptName:  prompt,
		ContentName: content,
		Type:        contentAudio,
		Interactive: true,
		Role:        roleUser,
		AudioInputConfiguration: &audioConfig{
			MediaType:       "audio/lpcm",
			SampleRateHertz: audio.InputSampleRate,
			SampleSizeBits:  16,
			ChannelCount:    1,
			Encoding:        "base64",
			AudioType:       "SPEECH",
		},
	}}
}

func textInputEvent(prompt, content, text string) outEvent {
	return outEvent{EventTextInput, contentPayload{PromptName: prompt, ContentName: content, Content: text}}
}

func audioInputEvent(prompt, content, b64 string) outEvent {
	return outEvent{EventAudioInput, contentPayload{PromptName: prompt, ContentName: content, Content: b64}}
}

func contentEndEvent(prompt, content string) outEvent {
	return outEvent{EventContentEnd, contentEndPayload{PromptName: prompt, ContentName: content}}
}

func promptEndEvent(prompt string) outEvent {
	return outEvent{EventPromptEnd, promptEndPayload{PromptName: prompt}}
}

func sessionEndEvent() outEvent {
	return outEvent{EventSessionEnd, struct{}{}}
}

// silence is 0.5 s of 16 kHz PCM16 zeros, base64-encoded, used as keepalive.
var silence = audio.EncodeBase64(make([]byte, audio.InputSampleRate))
