package errorsx

// ReasonCode is a short machine-readable error reason.
type ReasonCode string

const (
	ReasonUnknown ReasonCode = "unknown"

	ReasonSTTStream  ReasonCode = "stt_stream"
	ReasonSTTConnect ReasonCode = "stt_connect"
	ReasonSTTSend    ReasonCode = "stt_send"

	ReasonTTSStream  ReasonCode = "tts_stream"
	ReasonTTSConnect ReasonCode = "tts_connect"
	ReasonTTSStop    ReasonCode = "tts_stop"

	ReasonIntentAnalyze ReasonCode = "intent_analyze"

	ReasonAudioWrite    ReasonCode = "audio_write"
	ReasonCallback      ReasonCode = "callback"
	ReasonNotConfigured ReasonCode = "not_configured"

	ReasonTransportSend ReasonCode = "transport_send"
	ReasonTransportRecv ReasonCode = "transport_recv"
)
