package compiler

import (
	"fmt"
	"math"
	"strings"

	"golang.org/x/text/language"

	"studio/internal/domain"
)

const defaultAspectRatio = "16:9"

var supportedAspectRatios = map[string]bool{
	"16:9": true,
	"9:16": true,
	"1:1":  true,
	"4:5":  true,
	"4:3":  true,
	"21:9": true,
}

var knownPlatforms = map[string]bool{
	"youtube":   true,
	"shorts":    true,
	"tiktok":    true,
	"instagram": true,
	"reels":     true,
	"linkedin":  true,
	"web":       true,
	"broadcast": true,
}

// durationTolerance is how far scene durations may drift from the requested
// total before a warning is raised.
const durationTolerance = 0.10

// validate checks a request. Hard failures come back as a
// *domain.ValidationError; soft problems as warnings. The returned
// constraints are normalised: defaults filled, language canonicalised.
func validate(req Request, profile domain.ProfileContext) (domain.OutputConstraints, []string, error) {
	var verr domain.ValidationError
	var warnings []string
	constraints := req.Constraints

	if strings.TrimSpace(req.UserID) == "" {
		verr.Add("user_id", "is required")
	}

	scenes := req.Treatment.Scenes
	if len(scenes) == 0 {
		verr.Add("treatment.scenes", "at least one scene is required")
	}

	seen := make(map[string]bool, len(scenes))
	var sum float64
	for i, scene := range scenes {
		field := fmt.Sprintf("treatment.scenes[%d]", i)
		id := strings.TrimSpace(scene.ID)
		switch {
		case id == "":
			verr.Add(field+".id", "is required")
		case seen[id]:
			verr.Addf(field+".id", "duplicate scene id %q", id)
		}
		seen[id] = true

		if scene.DurationSeconds <= 0 || math.IsNaN(scene.DurationSeconds) {
			verr.Add(field+".duration_seconds", "must be positive")
		} else {
			sum += scene.DurationSeconds
		}
		if strings.TrimSpace(scene.Narration) == "" && len(scene.VisualElements) == 0 {
			verr.Add(field, "needs narration or at least one visual element")
		}
		if scene.Speaker != "" && strings.TrimSpace(scene.Narration) == "" {
			verr.Add(field+".speaker", "requires narration")
		}
		for k, el := range scene.VisualElements {
			if strings.TrimSpace(el.Description) == "" {
				verr.Add(fmt.Sprintf("%s.visual_elements[%d].description", field, k), "is required")
			}
			if el.Quality == domain.AssetQualityLow {
				warnings = append(warnings, fmt.Sprintf("scene %s: visual element %q is low quality", id, el.Description))
			}
		}
		for k, cue := range scene.AudioCues {
			if cue.Intensity < 0 || cue.Intensity > 1 {
				verr.Add(fmt.Sprintf("%s.audio_cues[%d].intensity", field, k), "must be between 0 and 1")
			}
		}
		if len(scene.AudioCues) == 0 {
			warnings = append(warnings, fmt.Sprintf("scene %s has no audio cues", id))
		}
	}

	switch {
	case !(constraints.DurationSeconds > 0):
		verr.Add("constraints.duration_seconds", "must be positive")
	case sum > 0 && math.Abs(sum-constraints.DurationSeconds) > durationTolerance*constraints.DurationSeconds:
		warnings = append(warnings, fmt.Sprintf("scene durations total %.1fs but %.1fs was requested", sum, constraints.DurationSeconds))
	}

	constraints.AspectRatio = strings.TrimSpace(constraints.AspectRatio)
	if constraints.AspectRatio == "" {
		constraints.AspectRatio = defaultAspectRatio
	} else if !supportedAspectRatios[constraints.AspectRatio] {
		verr.Addf("constraints.aspect_ratio", "unsupported aspect ratio %q", constraints.AspectRatio)
	}

	if lang := strings.TrimSpace(constraints.Language); lang != "" {
		tag, err := language.Parse(lang)
		if err != nil {
			verr.Addf("constraints.language", "invalid language tag %q", lang)
		} else {
			constraints.Language = tag.String()
		}
	}

	constraints.Platform = strings.ToLower(strings.TrimSpace(constraints.Platform))
	if constraints.Platform != "" && !knownPlatforms[constraints.Platform] {
		warnings = append(warnings, fmt.Sprintf("unknown platform %q; using generic delivery settings", constraints.Platform))
	}

	if req.Treatment.AudioArc == nil {
		warnings = append(warnings, "treatment has no audio arc; music follows scene cues only")
	}

	validateProfile(&verr, profile)

	if err := verr.OrNil(); err != nil {
		return domain.OutputConstraints{}, nil, err
	}
	return constraints, warnings, nil
}

func validateProfile(verr *domain.ValidationError, profile domain.ProfileContext) {
	if !profile.Mode.Valid() {
		verr.Addf("profile.mode", "unknown enforcement mode %q", profile.Mode)
	}
	if !profile.Policy.Valid() {
		verr.Addf("profile.policy", "unknown enhancement policy %q", profile.Policy)
	}
	hc := profile.Constraints
	if hc.Effects.MaxIntensity < 0 || hc.Effects.MaxIntensity > 1 {
		verr.Add("profile.constraints.effects.max_intensity", "must be between 0 and 1")
	}
	if hc.AudioStyle.MaxMusicIntensity < 0 || hc.AudioStyle.MaxMusicIntensity > 1 {
		verr.Add("profile.constraints.audio_style.max_music_intensity", "must be between 0 and 1")
	}
	if hc.Pacing.MaxSpeed < 0 {
		verr.Add("profile.constraints.pacing.max_speed", "must not be negative")
	}
	for _, name := range hc.Effects.Allowed {
		for _, forbidden := range hc.Effects.Forbidden {
			if strings.EqualFold(name, forbidden) {
				verr.Addf("profile.constraints.effects", "effect %q is both allowed and forbidden", name)
			}
		}
	}
}
