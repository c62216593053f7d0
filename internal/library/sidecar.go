package library

import (
	"encoding/json"
	"os"

	"github.com/pakfur/metascan/internal/media"
)

// sidecar is the optional generation-metadata file written next to a media
// file by AI image tools (<media path>.json). Everything in it is
// best-effort: a missing or malformed sidecar never fails an ingest.
type sidecar struct {
	Prompt         string   `json:"prompt"`
	NegativePrompt string   `json:"negative_prompt"`
	Model          string   `json:"model"`
	Sampler        string   `json:"sampler"`
	Steps          int      `json:"steps"`
	CFGScale       float64  `json:"cfg_scale"`
	Seed           int64    `json:"seed"`
	Tags           []string `json:"tags"`
	Width          int      `json:"width"`
	Height         int      `json:"height"`
	Duration       float64  `json:"duration"`
}

// loadSidecar reads the sidecar for a media path, returning nil when absent
// or unparseable.
func loadSidecar(path string) *sidecar {
	data, err := os.ReadFile(path + ".json")
	if err != nil {
		return nil
	}
	var sc sidecar
	if err := json.Unmarshal(data, &sc); err != nil {
		return nil
	}
	return &sc
}

// apply merges sidecar metadata into the record. The captioner's text wins
// for the caption; the sidecar prompt fills in only when captioning yielded
// nothing.
func (sc *sidecar) apply(rec *media.Record) {
	if sc == nil {
		return
	}
	if rec.Caption == "" && sc.Prompt != "" {
		rec.Caption = sc.Prompt
	}
	if sc.NegativePrompt != "" {
		rec.NegativeCaption = sc.NegativePrompt
	}
	rec.Tags = append(rec.Tags, sc.Tags...)
	if sc.Width > 0 && sc.Height > 0 {
		rec.Attributes = append(rec.Attributes, media.Attribute{
			Dimensions: &media.Dimensions{Width: sc.Width, Height: sc.Height},
		})
	}
	if sc.Duration > 0 {
		rec.Attributes = append(rec.Attributes, media.Attribute{
			Duration: &media.Duration{Seconds: sc.Duration},
		})
	}
	if sc.Model != "" || sc.Sampler != "" || sc.Steps > 0 || sc.Seed != 0 {
		rec.Attributes = append(rec.Attributes, media.Attribute{
			Generator: &media.Generator{
				Model:    sc.Model,
				Sampler:  sc.Sampler,
				Steps:    sc.Steps,
				CFGScale: sc.CFGScale,
				Seed:     sc.Seed,
			},
		})
	}
}
