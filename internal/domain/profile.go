package domain

// EnforcementMode controls how strictly hard constraints are applied.
type EnforcementMode string

const (
	EnforcementStrict   EnforcementMode = "strict"
	EnforcementBalanced EnforcementMode = "balanced"
	EnforcementCreative EnforcementMode = "creative"
)

func (m EnforcementMode) Valid() bool {
	return m == EnforcementStrict || m == EnforcementBalanced || m == EnforcementCreative
}

// EnhancementPolicy controls whether processors may only add to the creative
// output or lightly rewrite it.
type EnhancementPolicy string

const (
	EnhancementAdditive      EnhancementPolicy = "additive"
	EnhancementTransformLite EnhancementPolicy = "transform_lite"
)

func (p EnhancementPolicy) Valid() bool {
	return p == EnhancementAdditive || p == EnhancementTransformLite
}

type StyleConstraints struct {
	Palette     []string `json:"palette,omitempty" yaml:"palette,omitempty"`
	Fonts       []string `json:"fonts,omitempty" yaml:"fonts,omitempty"`
	VisualStyle string   `json:"visual_style,omitempty" yaml:"visual_style,omitempty"`
}

type EffectConstraints struct {
	// MaxIntensity is in [0,1]; zero means unconstrained.
	MaxIntensity float64  `json:"max_intensity,omitempty" yaml:"max_intensity,omitempty"`
	Allowed      []string `json:"allowed,omitempty" yaml:"allowed,omitempty"`
	Forbidden    []string `json:"forbidden,omitempty" yaml:"forbidden,omitempty"`
}

type AudioConstraints struct {
	VoiceStyle        string  `json:"voice_style,omitempty" yaml:"voice_style,omitempty"`
	Tone              string  `json:"tone,omitempty" yaml:"tone,omitempty"`
	MaxMusicIntensity float64 `json:"max_music_intensity,omitempty" yaml:"max_music_intensity,omitempty"`
}

type PacingConstraints struct {
	MaxSpeed        float64 `json:"max_speed,omitempty" yaml:"max_speed,omitempty"`
	TransitionStyle string  `json:"transition_style,omitempty" yaml:"transition_style,omitempty"`
}

// HardConstraints are the per-manifest creative guardrails.
type HardConstraints struct {
	Style      StyleConstraints  `json:"style" yaml:"style"`
	Effects    EffectConstraints `json:"effects" yaml:"effects"`
	AudioStyle AudioConstraints  `json:"audio_style" yaml:"audio_style"`
	Pacing     PacingConstraints `json:"pacing" yaml:"pacing"`
}

// ProfileContext is the creative profile a manifest is compiled under. It is
// immutable for the lifetime of the manifest.
type ProfileContext struct {
	Mode        EnforcementMode   `json:"mode" yaml:"mode"`
	Policy      EnhancementPolicy `json:"policy" yaml:"policy"`
	Constraints HardConstraints   `json:"constraints" yaml:"constraints"`
}

// WithDefaults fills an unset mode and policy.
func (p ProfileContext) WithDefaults() ProfileContext {
	if p.Mode == "" {
		p.Mode = EnforcementBalanced
	}
	if p.Policy == "" {
		p.Policy = EnhancementAdditive
	}
	return p
}

// Enhancements are the ad-hoc creative values a processor wants to apply on
// top of the treatment. Pointer fields distinguish "not proposed" from zero.
type Enhancements struct {
	ColorPalette    []string `json:"colorPalette,omitempty"`
	Fonts           []string `json:"fonts,omitempty"`
	VisualStyle     string   `json:"visualStyle,omitempty"`
	Effects         []string `json:"effects,omitempty"`
	EffectIntensity *float64 `json:"effectIntensity,omitempty"`
	VoiceStyle      string   `json:"voiceStyle,omitempty"`
	Tone            string   `json:"tone,omitempty"`
	MusicIntensity  *float64 `json:"musicIntensity,omitempty"`
	Speed           *float64 `json:"speed,omitempty"`
	TransitionStyle string   `json:"transitionStyle,omitempty"`
	AudioTags       []string `json:"audioTags,omitempty"`
	StyleTags       []string `json:"styleTags,omitempty"`
}

// Clone deep-copies the proposal.
func (e Enhancements) Clone() Enhancements {
	c := e
	c.ColorPalette = cloneStrings(e.ColorPalette)
	c.Fonts = cloneStrings(e.Fonts)
	c.Effects = cloneStrings(e.Effects)
	c.AudioTags = cloneStrings(e.AudioTags)
	c.StyleTags = cloneStrings(e.StyleTags)
	c.EffectIntensity = cloneFloat(e.EffectIntensity)
	c.MusicIntensity = cloneFloat(e.MusicIntensity)
	c.Speed = cloneFloat(e.Speed)
	return c
}

// Float is a helper for building proposals inline.
func Float(v float64) *float64 {
	return &v
}

func cloneStrings(in []string) []string {
	if in == nil {
		return nil
	}
	return append([]string(nil), in...)
}

func cloneFloat(v *float64) *float64 {
	if v == nil {
		return nil
	}
	c := *v
	return &c
}
