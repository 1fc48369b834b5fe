package domain

// Treatment is a validated, scene-ordered production plan drafted upstream.
type Treatment struct {
	Title    string    `json:"title" yaml:"title"`
	Logline  string    `json:"logline,omitempty" yaml:"logline,omitempty"`
	Scenes   []Scene   `json:"scenes" yaml:"scenes"`
	AudioArc *AudioArc `json:"audio_arc,omitempty" yaml:"audio_arc,omitempty"`
}

// Scene is one beat of the treatment.
type Scene struct {
	ID              string          `json:"id" yaml:"id"`
	Narration       string          `json:"narration,omitempty" yaml:"narration,omitempty"`
	Speaker         string          `json:"speaker,omitempty" yaml:"speaker,omitempty"`
	VoiceStyle      string          `json:"voice_style,omitempty" yaml:"voice_style,omitempty"`
	DurationSeconds float64         `json:"duration_seconds" yaml:"duration_seconds"`
	VisualElements  []VisualElement `json:"visual_elements,omitempty" yaml:"visual_elements,omitempty"`
	AudioCues       []AudioCue      `json:"audio_cues,omitempty" yaml:"audio_cues,omitempty"`
	Effects         []string        `json:"effects,omitempty" yaml:"effects,omitempty"`
	Transition      string          `json:"transition,omitempty" yaml:"transition,omitempty"`
}

// AssetQuality grades how usable a referenced visual element is.
type AssetQuality string

const (
	AssetQualityLow      AssetQuality = "low"
	AssetQualityStandard AssetQuality = "standard"
	AssetQualityHigh     AssetQuality = "high"
)

type VisualElement struct {
	Description  string       `json:"description" yaml:"description"`
	Required     bool         `json:"required,omitempty" yaml:"required,omitempty"`
	Quality      AssetQuality `json:"quality,omitempty" yaml:"quality,omitempty"`
	Palette      []string     `json:"palette,omitempty" yaml:"palette,omitempty"`
	ReferenceURL string       `json:"reference_url,omitempty" yaml:"reference_url,omitempty"`
}

type AudioCue struct {
	Kind        string  `json:"kind" yaml:"kind"`
	Description string  `json:"description,omitempty" yaml:"description,omitempty"`
	AtSeconds   float64 `json:"at_seconds,omitempty" yaml:"at_seconds,omitempty"`
	Intensity   float64 `json:"intensity,omitempty" yaml:"intensity,omitempty"`
}

// AudioArc describes the music progression across the whole piece.
type AudioArc struct {
	Mood      string   `json:"mood,omitempty" yaml:"mood,omitempty"`
	Movements []string `json:"movements,omitempty" yaml:"movements,omitempty"`
}

// OutputConstraints describe the deliverable.
type OutputConstraints struct {
	DurationSeconds float64 `json:"duration_seconds" yaml:"duration_seconds"`
	AspectRatio     string  `json:"aspect_ratio" yaml:"aspect_ratio"`
	Platform        string  `json:"platform,omitempty" yaml:"platform,omitempty"`
	Tone            string  `json:"tone,omitempty" yaml:"tone,omitempty"`
	Language        string  `json:"language,omitempty" yaml:"language,omitempty"`
}
