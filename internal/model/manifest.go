package model

import (
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"
)

// ManifestFile is the name of the manifest inside a bundle directory.
const ManifestFile = "bundle.yaml"

const (
	BackendCTC     = "ctc"
	BackendSherpa  = "sherpa"
	BackendWhisper = "whisper"
	BackendMock    = "mock"
)

// Manifest describes a model bundle.
type Manifest struct {
	Metadata   Metadata     `yaml:"metadata"`
	Backend    string       `yaml:"backend"`
	SampleRate int          `yaml:"sample_rate"`
	Acoustic   AcousticSpec `yaml:"acoustic"`
	Vocab      string       `yaml:"vocab,omitempty"`
	Decoder    DecoderSpec  `yaml:"decoder,omitempty"`
	LM         LMSpec       `yaml:"lm,omitempty"`
	Feature    FeatureSpec  `yaml:"feature,omitempty"`
	Language   string       `yaml:"language,omitempty"`
}

type Metadata struct {
	Name        string `yaml:"name"`
	Version     string `yaml:"version"`
	Description string `yaml:"description"`
}

// AcousticSpec names either an inference command (ctc) or model files
// (sherpa, whisper). Paths are relative to the bundle directory. Files lists
// whatever else the command reads, such as scripts and weights.
type AcousticSpec struct {
	Command string   `yaml:"command,omitempty"`
	Model   string   `yaml:"model,omitempty"`
	Tokens  string   `yaml:"tokens,omitempty"`
	Files   []string `yaml:"files,omitempty"`
}

// DecoderSpec overrides beam search defaults; zero values keep them.
type DecoderSpec struct {
	BeamWidth     int      `yaml:"beam_width,omitempty"`
	Alpha         *float64 `yaml:"alpha,omitempty"`
	Beta          *float64 `yaml:"beta,omitempty"`
	BeamPruneLogp float64  `yaml:"beam_prune_logp,omitempty"`
	TokenMinLogp  float64  `yaml:"token_min_logp,omitempty"`
	UnkOffset     float64  `yaml:"unk_score_offset,omitempty"`
	Blank         string   `yaml:"blank,omitempty"`
	WordDelimiter string   `yaml:"word_delimiter,omitempty"`
}

type LMSpec struct {
	Path   string `yaml:"path,omitempty"`
	Format string `yaml:"format,omitempty"`
}

type FeatureSpec struct {
	Normalize bool `yaml:"normalize"`
}

// LoadManifest reads a manifest from disk.
func LoadManifest(path string) (Manifest, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Manifest{}, err
	}
	return parseManifest(data)
}

func parseManifest(data []byte) (Manifest, error) {
	var m Manifest
	if err := yaml.Unmarshal(data, &m); err != nil {
		return Manifest{}, fmt.Errorf("parse manifest: %w", err)
	}
	return m, nil
}

// Validate ensures the manifest names everything its backend needs.
func Validate(m Manifest) error {
	if m.Metadata.Name == "" {
		return fmt.Errorf("metadata.name is required")
	}
	if m.Metadata.Version == "" {
		return fmt.Errorf("metadata.version is required")
	}
	if m.SampleRate != 16000 {
		return fmt.Errorf("sample_rate must be 16000, got %d", m.SampleRate)
	}
	for _, f := range m.Files() {
		if p := filepath.FromSlash(f); !filepath.IsAbs(p) && !filepath.IsLocal(p) {
			return fmt.Errorf("bundle file %q escapes the bundle directory", f)
		}
	}
	switch m.Backend {
	case BackendCTC:
		if m.Acoustic.Command == "" {
			return fmt.Errorf("acoustic.command is required for ctc")
		}
		if m.Vocab == "" {
			return fmt.Errorf("vocab is required for ctc")
		}
		if m.LM.Path != "" && m.LM.Format != "" && m.LM.Format != "arpa" {
			return fmt.Errorf("lm.format %q not supported", m.LM.Format)
		}
		if err := m.Decoder.validate(); err != nil {
			return err
		}
	case BackendSherpa:
		if m.Acoustic.Model == "" || m.Acoustic.Tokens == "" {
			return fmt.Errorf("acoustic.model and acoustic.tokens are required for sherpa")
		}
	case BackendWhisper:
		if m.Acoustic.Model == "" {
			return fmt.Errorf("acoustic.model is required for whisper")
		}
	case BackendMock:
	case "":
		return fmt.Errorf("backend is required")
	default:
		return fmt.Errorf("backend %q not supported", m.Backend)
	}
	return nil
}

func (d DecoderSpec) validate() error {
	switch {
	case d.BeamWidth < 0:
		return fmt.Errorf("decoder.beam_width must not be negative")
	case d.BeamPruneLogp > 0:
		return fmt.Errorf("decoder.beam_prune_logp must be <= 0, got %g", d.BeamPruneLogp)
	case d.TokenMinLogp > 0:
		return fmt.Errorf("decoder.token_min_logp must be <= 0, got %g", d.TokenMinLogp)
	case d.UnkOffset > 0:
		return fmt.Errorf("decoder.unk_score_offset must be <= 0, got %g", d.UnkOffset)
	}
	return nil
}

// Files lists the bundle-relative paths the manifest references.
func (m Manifest) Files() []string {
	var files []string
	refs := append([]string{m.Vocab, m.LM.Path, m.Acoustic.Model, m.Acoustic.Tokens}, m.Acoustic.Files...)
	for _, f := range refs {
		if f != "" {
			files = append(files, f)
		}
	}
	return files
}
