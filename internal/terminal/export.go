package terminal

import (
	"encoding/json"
	"fmt"
	"io"

	"gopkg.in/yaml.v3"

	"github.com/zhouzirui/graymar/client/internal/model/game"
	"github.com/zhouzirui/graymar/client/internal/service/session"
)

// Transcript is the exported view of a session.
type Transcript struct {
	RunID     string                `json:"runId" yaml:"runId"`
	PresetID  string                `json:"presetId,omitempty" yaml:"presetId,omitempty"`
	Variant   string                `json:"variant,omitempty" yaml:"variant,omitempty"`
	Phase     game.Phase            `json:"phase" yaml:"phase"`
	Turn      int                   `json:"turn" yaml:"turn"`
	Location  string                `json:"location,omitempty" yaml:"location,omitempty"`
	Vitals    game.Vitals           `json:"vitals" yaml:"vitals"`
	Inventory []game.InventoryItem  `json:"inventory,omitempty" yaml:"inventory,omitempty"`
	Messages  []game.DisplayMessage `json:"messages" yaml:"messages"`
}

// NewTranscript builds a transcript from a snapshot, including held-back entries.
func NewTranscript(st session.State) Transcript {
	messages := game.CloneMessages(st.Transcript)
	messages = append(messages, game.CloneMessages(st.DeferredTranscript)...)
	return Transcript{
		RunID:     st.SessionID,
		PresetID:  st.PresetID,
		Variant:   st.Variant,
		Phase:     st.Phase,
		Turn:      st.NextTurnNumber - 1,
		Location:  st.LocationName,
		Vitals:    st.Vitals,
		Inventory: st.Inventory,
		Messages:  messages,
	}
}

// Exporter writes a transcript in one format.
type Exporter interface {
	Export(t Transcript, w io.Writer) error
	Extension() string
}

// NewExporter returns the exporter for format.
func NewExporter(format string) (Exporter, error) {
	switch format {
	case "yaml", "yml":
		return &YAMLExporter{}, nil
	case "json":
		return &JSONExporter{}, nil
	default:
		return nil, fmt.Errorf("unsupported format: %s (supported: yaml, json)", format)
	}
}

// YAMLExporter exports transcripts as YAML.
type YAMLExporter struct{}

// Export encodes t as YAML.
func (e *YAMLExporter) Export(t Transcript, w io.Writer) error {
	enc := yaml.NewEncoder(w)
	defer func() { _ = enc.Close() }()

	return enc.Encode(t)
}

// Extension returns the file extension for this format.
func (e *YAMLExporter) Extension() string {
	return "yaml"
}

// JSONExporter exports transcripts as indented JSON.
type JSONExporter struct{}

// Export encodes t as JSON.
func (e *JSONExporter) Export(t Transcript, w io.Writer) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(t)
}

// Extension returns the file extension for this format.
func (e *JSONExporter) Extension() string {
	return "json"
}
