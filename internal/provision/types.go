package provision

type joinRequest struct {
	Name       string          `json:"name"`
	Properties agentProperties `json:"properties"`
}

type speechRequest struct {
	Speech string `json:"speech"`
}

type agentProperties struct {
	Channel        string        `json:"channel"`
	Token          string        `json:"token"`
	GraphID        string        `json:"graph_id,omitempty"`
	AgentRTCUID    string        `json:"agent_rtc_uid"`
	RemoteRTCUIDs  []string      `json:"remote_rtc_uids"`
	EnableStringID bool          `json:"enable_string_uid"`
	IdleTimeout    int           `json:"idle_timeout"`
	LLM            llmProperties `json:"llm"`
	ASR            asrProperties `json:"asr"`
	VAD            vadProperties `json:"vad"`
	TTS            ttsProperties `json:"tts"`
}

type llmProperties struct {
	URL             string          `json:"url"`
	APIKey          string          `json:"api_key"`
	SystemMessages  []systemMessage `json:"system_messages"`
	GreetingMessage string          `json:"greeting_message"`
	FailureMessage  string          `json:"failure_message"`
	MaxHistory      int             `json:"max_history"`
	Params          llmParams       `json:"params"`
}

type systemMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type llmParams struct {
	Model string `json:"model"`
}

type asrProperties struct {
	Language string `json:"language"`
}

type vadProperties struct {
	SilenceDurationMs int `json:"silence_duration_ms"`
}

type ttsProperties struct {
	Vendor string    `json:"vendor"`
	Params ttsParams `json:"params"`
}

type ttsParams struct {
	Key             string  `json:"key"`
	ModelID         string  `json:"model_id"`
	VoiceID         string  `json:"voice_id"`
	Stability       float64 `json:"stability"`
	SimilarityBoost float64 `json:"similarity_boost"`
	Speed           float64 `json:"speed"`
}
