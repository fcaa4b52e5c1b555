// Package protocol defines the request and message shapes shared by the HTTP
// surface and the bus.
package protocol

import "time"

// SynthesisRequest is the caller-facing synthesis request. Optional knobs are
// pointers so that absent fields pick up the configured defaults.
type SynthesisRequest struct {
	Text            string   `json:"text"`
	TextLang        string   `json:"text_lang"`
	RefAudioPath    string   `json:"ref_audio_path"`
	PromptLang      string   `json:"prompt_lang"`
	PromptText      *string  `json:"prompt_text,omitempty"`
	TopK            *int     `json:"top_k,omitempty"`
	TopP            *float64 `json:"top_p,omitempty"`
	Temperature     *float64 `json:"temperature,omitempty"`
	TextSplitMethod *string  `json:"text_split_method,omitempty"`
	BatchSize       *int     `json:"batch_size,omitempty"`
	BatchThreshold  *float64 `json:"batch_threshold,omitempty"`
	SpeedFactor     *float64 `json:"speed_factor,omitempty"`
	StreamingMode   *bool    `json:"streaming_mode,omitempty"`
	MediaType       *string  `json:"media_type,omitempty"`
}

// RequiredFields lists the SynthesisRequest fields that have no default.
var RequiredFields = []string{"text", "text_lang", "ref_audio_path", "prompt_lang"}

// TTSRequest asks a gateway node to synthesize over the bus.
type TTSRequest struct {
	RequestID string           `json:"request_id"`
	Target    string           `json:"target,omitempty"`
	Request   SynthesisRequest `json:"request"`
}

// AudioChunk carries one encoded piece of a bus synthesis. The first chunk of
// a wav stream starts with the container header.
type AudioChunk struct {
	RequestID  string `json:"request_id"`
	Target     string `json:"target,omitempty"`
	Sequence   int    `json:"sequence"`
	MediaType  string `json:"media_type"`
	SampleRate int    `json:"sample_rate"`
	Channels   int    `json:"channels"`
	Data       []byte `json:"data"`
	Final      bool   `json:"final"`
}

// TTSStatus reports completion or failure of a bus synthesis.
type TTSStatus struct {
	RequestID string    `json:"request_id"`
	Target    string    `json:"target,omitempty"`
	NodeID    string    `json:"node_id"`
	Completed bool      `json:"completed"`
	Error     string    `json:"error,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// WeightsRequest asks a node to apply a checkpoint.
type WeightsRequest struct {
	RequestID   string `json:"request_id,omitempty"`
	Kind        string `json:"kind"`
	WeightsPath string `json:"weights_path"`
}

// WeightsReply answers a WeightsRequest with the same body the HTTP endpoint returns.
type WeightsReply struct {
	Message   string `json:"message"`
	Exception string `json:"Exception,omitempty"`
}

// WeightsChanged is broadcast after a successful swap.
type WeightsChanged struct {
	NodeID      string    `json:"node_id"`
	Kind        string    `json:"kind"`
	WeightsPath string    `json:"weights_path"`
	RequestID   string    `json:"request_id"`
	Timestamp   time.Time `json:"timestamp"`
}

const (
	SubjectTTSRequest      = "sovits.tts.request"
	SubjectTTSAudioPrefix  = "sovits.tts.audio"
	SubjectTTSDone         = "sovits.tts.done"
	SubjectWeightsSet      = "sovits.weights.set"
	SubjectWeightsChanged  = "sovits.weights.changed"
	SubjectNodeAnnounce    = "ctrl.node.announce"
	SubjectHeartbeatPrefix = "ctrl.node.heartbeat"
)

// AudioSubject is the subject audio for requestID is published on.
func AudioSubject(requestID string) string {
	return SubjectTTSAudioPrefix + "." + requestID
}

// HeartbeatSubject is the subject nodeID heartbeats on.
func HeartbeatSubject(nodeID string) string {
	return SubjectHeartbeatPrefix + "." + nodeID
}
