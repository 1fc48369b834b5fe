package domain

import (
	"encoding/json"
	"errors"
	"fmt"
	"path"
	"strings"
)

// Payload is the per-type job input. Exactly one variant exists per JobType;
// the ledger checks the pairing once, when jobs are written.
type Payload interface {
	Kind() JobType
	Validate() error
}

// ManifestBinder is implemented by payloads that need the owning manifest id
// before they can be executed.
type ManifestBinder interface {
	BindManifest(manifestID string) error
}

// AssetPrepPayload asks for the still images a scene needs.
type AssetPrepPayload struct {
	SceneID     string          `json:"scene_id"`
	SceneIndex  int             `json:"scene_index"`
	Elements    []VisualElement `json:"elements"`
	AspectRatio string          `json:"aspect_ratio"`
	VisualStyle string          `json:"visual_style,omitempty"`
	Palette     []string        `json:"palette,omitempty"`
}

func (*AssetPrepPayload) Kind() JobType { return JobTypeAssetPrep }

func (p *AssetPrepPayload) Validate() error {
	if p.SceneID == "" {
		return errors.New("asset prep: scene id is required")
	}
	if len(p.Elements) == 0 {
		return errors.New("asset prep: at least one visual element is required")
	}
	return nil
}

// NarrationPayload asks for the voice-over of one scene.
type NarrationPayload struct {
	SceneID         string  `json:"scene_id"`
	SceneIndex      int     `json:"scene_index"`
	Text            string  `json:"text"`
	Speaker         string  `json:"speaker,omitempty"`
	Language        string  `json:"language,omitempty"`
	Tone            string  `json:"tone,omitempty"`
	VoiceStyle      string  `json:"voice_style,omitempty"`
	DurationSeconds float64 `json:"duration_seconds"`
}

func (*NarrationPayload) Kind() JobType { return JobTypeNarration }

func (p *NarrationPayload) Validate() error {
	if p.SceneID == "" {
		return errors.New("narration: scene id is required")
	}
	if strings.TrimSpace(p.Text) == "" {
		return errors.New("narration: text is required")
	}
	return nil
}

// CompositionPayload combines a scene's generated assets and narration.
type CompositionPayload struct {
	SceneID         string     `json:"scene_id"`
	SceneIndex      int        `json:"scene_index"`
	DurationSeconds float64    `json:"duration_seconds"`
	AssetJobID      string     `json:"asset_job_id,omitempty"`
	NarrationJobID  string     `json:"narration_job_id,omitempty"`
	LipSync         bool       `json:"lip_sync,omitempty"`
	AudioCues       []AudioCue `json:"audio_cues,omitempty"`
	Effects         []string   `json:"effects,omitempty"`
	Transition      string     `json:"transition,omitempty"`
}

func (*CompositionPayload) Kind() JobType { return JobTypeCompose }

func (p *CompositionPayload) Validate() error {
	if p.SceneID == "" {
		return errors.New("composition: scene id is required")
	}
	if p.DurationSeconds <= 0 {
		return errors.New("composition: duration must be positive")
	}
	if p.LipSync && p.NarrationJobID == "" {
		return errors.New("composition: lip sync requires a narration job")
	}
	return nil
}

// RenderPayload stitches every scene composition into the deliverable.
type RenderPayload struct {
	Compositions    []string `json:"compositions"`
	AspectRatio     string   `json:"aspect_ratio"`
	Platform        string   `json:"platform,omitempty"`
	Language        string   `json:"language,omitempty"`
	DurationSeconds float64  `json:"duration_seconds"`
	OutputKey       string   `json:"output_key,omitempty"`
}

func (*RenderPayload) Kind() JobType { return JobTypeFinalRender }

func (p *RenderPayload) Validate() error {
	if len(p.Compositions) == 0 {
		return errors.New("final render: at least one composition is required")
	}
	if p.DurationSeconds <= 0 {
		return errors.New("final render: duration must be positive")
	}
	return nil
}

// BindManifest derives the manifest-scoped output key. Binding twice to the
// same manifest is a no-op; binding to a different one is an error.
func (p *RenderPayload) BindManifest(manifestID string) error {
	manifestID = strings.TrimSpace(manifestID)
	if manifestID == "" {
		return errors.New("manifest id is empty")
	}
	key := ManifestOutputKey(manifestID, "final.mp4")
	if p.OutputKey != "" && p.OutputKey != key {
		return fmt.Errorf("output key %q already bound", p.OutputKey)
	}
	p.OutputKey = key
	return nil
}

// ManifestOutputKey is the storage key of a manifest-scoped artifact.
func ManifestOutputKey(manifestID string, parts ...string) string {
	return path.Join(append([]string{"manifests", manifestID}, parts...)...)
}

// CheckPayload verifies that a job carries a valid payload matching its type.
func CheckPayload(job *Job) error {
	if job.Payload == nil {
		return fmt.Errorf("job %s: %w: payload is missing", job.ID, ErrPayloadMismatch)
	}
	if job.Payload.Kind() != job.Type {
		return fmt.Errorf("job %s: %w: %s payload on %s job", job.ID, ErrPayloadMismatch, job.Payload.Kind(), job.Type)
	}
	if err := job.Payload.Validate(); err != nil {
		return fmt.Errorf("job %s: %w: %v", job.ID, ErrPayloadMismatch, err)
	}
	return nil
}

type payloadEnvelope struct {
	Kind JobType         `json:"kind"`
	Data json.RawMessage `json:"data"`
}

// EncodePayload serialises a payload together with its kind tag.
func EncodePayload(p Payload) ([]byte, error) {
	if p == nil {
		return nil, errors.New("encode payload: nil payload")
	}
	data, err := json.Marshal(p)
	if err != nil {
		return nil, fmt.Errorf("encode payload: %w", err)
	}
	return json.Marshal(payloadEnvelope{Kind: p.Kind(), Data: data})
}

// ClonePayload deep-copies a payload through its envelope. A payload that
// cannot be encoded is returned as is.
func ClonePayload(p Payload) Payload {
	if p == nil {
		return nil
	}
	raw, err := EncodePayload(p)
	if err != nil {
		return p
	}
	c, err := DecodePayload(raw)
	if err != nil {
		return p
	}
	return c
}

// DecodePayload restores the variant named by the kind tag.
func DecodePayload(raw []byte) (Payload, error) {
	var env payloadEnvelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return nil, fmt.Errorf("decode payload envelope: %w", err)
	}
	var p Payload
	switch env.Kind {
	case JobTypeAssetPrep:
		p = &AssetPrepPayload{}
	case JobTypeNarration:
		p = &NarrationPayload{}
	case JobTypeCompose:
		p = &CompositionPayload{}
	case JobTypeFinalRender:
		p = &RenderPayload{}
	default:
		return nil, fmt.Errorf("decode payload: unknown kind %q", env.Kind)
	}
	if err := json.Unmarshal(env.Data, p); err != nil {
		return nil, fmt.Errorf("decode %s payload: %w", env.Kind, err)
	}
	return p, nil
}
