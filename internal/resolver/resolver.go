// Package resolver reconciles the enhancements a processor wants to apply
// with a manifest's hard creative constraints. It never rejects a proposal:
// every value is clamped to the nearest compliant one and the adjustments are
// reported as warnings.
package resolver

import (
	"fmt"
	"strings"

	"studio/internal/domain"
)

// Limits of the strict + additive overlay and of creative mode.
const (
	MaxAdditiveTags      = 3
	MaxComplexity        = 6
	CreativeIntensityCap = 0.8
)

// Field keys used in Result.ClampedValues.
const (
	FieldColorPalette    = "colorPalette"
	FieldFonts           = "fonts"
	FieldVisualStyle     = "visualStyle"
	FieldEffects         = "effects"
	FieldEffectIntensity = "effectIntensity"
	FieldVoiceStyle      = "voiceStyle"
	FieldTone            = "tone"
	FieldMusicIntensity  = "musicIntensity"
	FieldSpeed           = "speed"
	FieldTransitionStyle = "transitionStyle"
	FieldAudioTags       = "audioTags"
	FieldStyleTags       = "styleTags"
)

// Result is the outcome of one reconciliation. Success is always true.
type Result struct {
	Success             bool           `json:"success"`
	Warnings            []string       `json:"warnings,omitempty"`
	ClampedValues       map[string]any `json:"clampedValues,omitempty"`
	DroppedEnhancements []string       `json:"droppedEnhancements,omitempty"`
}

// Changed reports whether any value was adjusted.
func (r Result) Changed() bool {
	return len(r.ClampedValues) > 0
}

// Apply merges the clamped values over the original proposal.
func (r Result) Apply(proposed domain.Enhancements) domain.Enhancements {
	out := proposed.Clone()
	for field, v := range r.ClampedValues {
		switch field {
		case FieldColorPalette:
			out.ColorPalette = strs(v)
		case FieldFonts:
			out.Fonts = strs(v)
		case FieldVisualStyle:
			out.VisualStyle, _ = v.(string)
		case FieldEffects:
			out.Effects = strs(v)
		case FieldEffectIntensity:
			out.EffectIntensity = num(v)
		case FieldVoiceStyle:
			out.VoiceStyle, _ = v.(string)
		case FieldTone:
			out.Tone, _ = v.(string)
		case FieldMusicIntensity:
			out.MusicIntensity = num(v)
		case FieldSpeed:
			out.Speed = num(v)
		case FieldTransitionStyle:
			out.TransitionStyle, _ = v.(string)
		case FieldAudioTags:
			out.AudioTags = strs(v)
		case FieldStyleTags:
			out.StyleTags = strs(v)
		}
	}
	return out
}

func strs(v any) []string {
	s, _ := v.([]string)
	if len(s) == 0 {
		return nil
	}
	return append([]string(nil), s...)
}

func num(v any) *float64 {
	f, ok := v.(float64)
	if !ok {
		return nil
	}
	return &f
}

type resolution struct {
	result Result
	cur    domain.Enhancements
}

func (r *resolution) clamp(field string, value any, format string, args ...any) {
	r.result.ClampedValues[field] = value
	r.result.Warnings = append(r.result.Warnings, field+": "+fmt.Sprintf(format, args...))
}

func (r *resolution) drop(field string, items []string) {
	for _, item := range items {
		r.result.DroppedEnhancements = append(r.result.DroppedEnhancements, field+":"+item)
	}
}

// Resolve reconciles proposed against the hard constraints under profile's
// enforcement mode and enhancement policy.
func Resolve(profile domain.ProfileContext, hc domain.HardConstraints, proposed domain.Enhancements) Result {
	profile = profile.WithDefaults()
	r := &resolution{
		result: Result{Success: true, ClampedValues: map[string]any{}},
		cur:    proposed.Clone(),
	}

	r.style(hc.Style)
	r.effects(hc.Effects, profile.Mode)
	r.audio(hc.AudioStyle)
	r.pacing(hc.Pacing)
	if profile.Mode == domain.EnforcementStrict && profile.Policy == domain.EnhancementAdditive {
		r.additiveOverlay()
	}

	if len(r.result.ClampedValues) == 0 {
		r.result.ClampedValues = nil
	}
	return r.result
}

func (r *resolution) style(c domain.StyleConstraints) {
	if len(c.Palette) > 0 && len(r.cur.ColorPalette) > 0 {
		kept, dropped := intersect(r.cur.ColorPalette, c.Palette)
		switch {
		case len(kept) == 0:
			r.cur.ColorPalette = []string{c.Palette[0]}
			r.drop(FieldColorPalette, dropped)
			r.clamp(FieldColorPalette, r.cur.ColorPalette, "%s outside the allowed palette, using %s", strings.Join(dropped, ", "), c.Palette[0])
		case len(dropped) > 0:
			r.cur.ColorPalette = kept
			r.drop(FieldColorPalette, dropped)
			r.clamp(FieldColorPalette, kept, "removed %s outside the allowed palette", strings.Join(dropped, ", "))
		case !equalStrings(kept, r.cur.ColorPalette):
			r.cur.ColorPalette = kept
			r.result.ClampedValues[FieldColorPalette] = kept
		}
	}

	if len(c.Fonts) > 0 && len(r.cur.Fonts) > 0 {
		kept, dropped := intersect(r.cur.Fonts, c.Fonts)
		switch {
		case len(kept) == 0:
			r.cur.Fonts = []string{c.Fonts[0]}
			r.drop(FieldFonts, dropped)
			r.clamp(FieldFonts, r.cur.Fonts, "%s not allowed, using %s", strings.Join(dropped, ", "), c.Fonts[0])
		case len(dropped) > 0:
			r.cur.Fonts = kept
			r.drop(FieldFonts, dropped)
			r.clamp(FieldFonts, kept, "removed %s", strings.Join(dropped, ", "))
		case !equalStrings(kept, r.cur.Fonts):
			r.cur.Fonts = kept
			r.result.ClampedValues[FieldFonts] = kept
		}
	}

	if c.VisualStyle != "" && r.cur.VisualStyle != "" && r.cur.VisualStyle != c.VisualStyle {
		from := r.cur.VisualStyle
		r.cur.VisualStyle = c.VisualStyle
		r.clamp(FieldVisualStyle, c.VisualStyle, "%q replaced by %q", from, c.VisualStyle)
	}
}

func (r *resolution) effects(c domain.EffectConstraints, mode domain.EnforcementMode) {
	if len(r.cur.Effects) > 0 {
		var kept, forbidden, unlisted []string
		for _, e := range r.cur.Effects {
			switch {
			case containsFold(c.Forbidden, e):
				forbidden = append(forbidden, e)
			case len(c.Allowed) > 0 && !containsFold(c.Allowed, e):
				unlisted = append(unlisted, e)
			default:
				kept = append(kept, e)
			}
		}
		if len(forbidden) > 0 || len(unlisted) > 0 {
			r.cur.Effects = kept
			r.result.ClampedValues[FieldEffects] = append([]string{}, kept...)
			if len(forbidden) > 0 {
				r.drop(FieldEffects, forbidden)
				r.result.Warnings = append(r.result.Warnings, fmt.Sprintf("effects: removed forbidden %s", strings.Join(forbidden, ", ")))
			}
			if len(unlisted) > 0 {
				r.drop(FieldEffects, unlisted)
				r.result.Warnings = append(r.result.Warnings, fmt.Sprintf("effects: removed %s not in the allow-list", strings.Join(unlisted, ", ")))
			}
		}
	}

	if r.cur.EffectIntensity == nil {
		return
	}
	ceiling := 1.0
	if c.MaxIntensity > 0 {
		ceiling = c.MaxIntensity
	}
	if mode == domain.EnforcementCreative && ceiling > CreativeIntensityCap {
		ceiling = CreativeIntensityCap
	}
	if v, changed := clampUnit(*r.cur.EffectIntensity, ceiling); changed {
		from := *r.cur.EffectIntensity
		r.cur.EffectIntensity = &v
		r.clamp(FieldEffectIntensity, v, "%.2f clamped to %.2f", from, v)
	}
}

func (r *resolution) audio(c domain.AudioConstraints) {
	if c.VoiceStyle != "" && r.cur.VoiceStyle != "" && r.cur.VoiceStyle != c.VoiceStyle {
		from := r.cur.VoiceStyle
		r.cur.VoiceStyle = c.VoiceStyle
		r.clamp(FieldVoiceStyle, c.VoiceStyle, "%q replaced by %q", from, c.VoiceStyle)
	}
	if c.Tone != "" && r.cur.Tone != "" && r.cur.Tone != c.Tone {
		from := r.cur.Tone
		r.cur.Tone = c.Tone
		r.clamp(FieldTone, c.Tone, "%q replaced by %q", from, c.Tone)
	}
	if r.cur.MusicIntensity != nil {
		ceiling := 1.0
		if c.MaxMusicIntensity > 0 {
			ceiling = c.MaxMusicIntensity
		}
		if v, changed := clampUnit(*r.cur.MusicIntensity, ceiling); changed {
			from := *r.cur.MusicIntensity
			r.cur.MusicIntensity = &v
			r.clamp(FieldMusicIntensity, v, "%.2f clamped to %.2f", from, v)
		}
	}
}

func (r *resolution) pacing(c domain.PacingConstraints) {
	if r.cur.Speed != nil {
		v := *r.cur.Speed
		switch {
		case v < 0:
			r.cur.Speed = domain.Float(0)
			r.clamp(FieldSpeed, 0.0, "%.2f raised to 0", v)
		case c.MaxSpeed > 0 && v > c.MaxSpeed:
			r.cur.Speed = domain.Float(c.MaxSpeed)
			r.clamp(FieldSpeed, c.MaxSpeed, "%.2f clamped to %.2f", v, c.MaxSpeed)
		}
	}
	if c.TransitionStyle != "" && r.cur.TransitionStyle != "" && r.cur.TransitionStyle != c.TransitionStyle {
		from := r.cur.TransitionStyle
		r.cur.TransitionStyle = c.TransitionStyle
		r.clamp(FieldTransitionStyle, c.TransitionStyle, "%q replaced by %q", from, c.TransitionStyle)
	}
}

// additiveOverlay caps simultaneous tags and the overall complexity score
// (effects + audio tags + style tags).
func (r *resolution) additiveOverlay() {
	if len(r.cur.AudioTags) > MaxAdditiveTags {
		dropped := r.cur.AudioTags[MaxAdditiveTags:]
		r.cur.AudioTags = append([]string{}, r.cur.AudioTags[:MaxAdditiveTags]...)
		r.drop(FieldAudioTags, dropped)
		r.clamp(FieldAudioTags, r.cur.AudioTags, "capped at %d, dropped %s", MaxAdditiveTags, strings.Join(dropped, ", "))
	}
	if len(r.cur.StyleTags) > MaxAdditiveTags {
		dropped := r.cur.StyleTags[MaxAdditiveTags:]
		r.cur.StyleTags = append([]string{}, r.cur.StyleTags[:MaxAdditiveTags]...)
		r.drop(FieldStyleTags, dropped)
		r.clamp(FieldStyleTags, r.cur.StyleTags, "capped at %d, dropped %s", MaxAdditiveTags, strings.Join(dropped, ", "))
	}

	score := len(r.cur.Effects) + len(r.cur.AudioTags) + len(r.cur.StyleTags)
	if score <= MaxComplexity {
		return
	}
	excess := score - MaxComplexity
	var dropped []string
	trim := func(field string, list *[]string) {
		if excess == 0 || len(*list) == 0 {
			return
		}
		n := min(excess, len(*list))
		cut := (*list)[len(*list)-n:]
		dropped = append(dropped, cut...)
		r.drop(field, cut)
		*list = append([]string{}, (*list)[:len(*list)-n]...)
		r.result.ClampedValues[field] = append([]string{}, *list...)
		excess -= n
	}
	trim(FieldEffects, &r.cur.Effects)
	trim(FieldStyleTags, &r.cur.StyleTags)
	trim(FieldAudioTags, &r.cur.AudioTags)
	r.result.Warnings = append(r.result.Warnings,
		fmt.Sprintf("complexity: score %d exceeds %d, dropped %s", score, MaxComplexity, strings.Join(dropped, ", ")))
}

// intersect keeps the proposed items present in allowed, spelled as in
// allowed, and returns the rest as dropped.
func intersect(proposed, allowed []string) (kept, dropped []string) {
	for _, p := range proposed {
		match := ""
		for _, a := range allowed {
			if strings.EqualFold(strings.TrimSpace(p), a) {
				match = a
				break
			}
		}
		if match == "" {
			dropped = append(dropped, p)
			continue
		}
		kept = append(kept, match)
	}
	return kept, dropped
}

func containsFold(list []string, v string) bool {
	for _, item := range list {
		if strings.EqualFold(item, v) {
			return true
		}
	}
	return false
}

func equalStrings(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

// clampUnit bounds v to [0, ceiling].
func clampUnit(v, ceiling float64) (float64, bool) {
	switch {
	case v < 0:
		return 0, true
	case v > ceiling:
		return ceiling, true
	}
	return v, false
}
