package workflow

import (
	"encoding/json"
	"fmt"
)

// Document is a parsed platform-specific workflow definition.
// Exactly one of the platform fields is set, matching Platform.
type Document struct {
	Platform      Platform
	N8N           *N8NWorkflow
	Zapier        *ZapierWorkflow
	Make          *MakeScenario
	PowerAutomate *PowerAutomateFlow
}

// N8NWorkflow is the n8n workflow export shape (nodes plus a connection map).
type N8NWorkflow struct {
	Name        string                `json:"name"`
	Nodes       []N8NNode             `json:"nodes" validate:"required,min=1,dive"`
	Connections map[string]Connection `json:"connections"`
}

// N8NNode is a single node in an n8n workflow.
type N8NNode struct {
	ID         string         `json:"id" validate:"required"`
	Name       string         `json:"name" validate:"required"`
	Type       string         `json:"type" validate:"required"`
	Parameters map[string]any `json:"parameters"`
	Position   [2]int         `json:"position"`
}

// Connection maps a source node's outputs to target node names.
type Connection struct {
	Main [][]ConnectionTarget `json:"main"`
}

// ConnectionTarget identifies the node an output feeds into.
type ConnectionTarget struct {
	Node  string `json:"node"`
	Type  string `json:"type"`
	Index int    `json:"index"`
}

// ZapierWorkflow is the Zap shape: an ordered list of steps, trigger first.
type ZapierWorkflow struct {
	Title string       `json:"title"`
	Steps []ZapierStep `json:"steps" validate:"required,min=2,dive"`
}

// ZapierStep is one step of a Zap.
type ZapierStep struct {
	ID     string         `json:"id" validate:"required"`
	App    string         `json:"app" validate:"required"`
	Event  string         `json:"event" validate:"required"`
	Params map[string]any `json:"params"`
}

// MakeScenario is the Make (Integromat) scenario shape.
type MakeScenario struct {
	Name    string       `json:"name"`
	Modules []MakeModule `json:"modules" validate:"required,min=1,dive"`
	Routes  [][]int      `json:"routes"`
}

// MakeModule is one module in a Make scenario.
type MakeModule struct {
	ID         int            `json:"id" validate:"required"`
	App        string         `json:"app" validate:"required"`
	Module     string         `json:"module" validate:"required"`
	Parameters map[string]any `json:"parameters"`
}

// PowerAutomateFlow is the Power Automate flow definition shape.
type PowerAutomateFlow struct {
	DisplayName string         `json:"displayName"`
	Definition  FlowDefinition `json:"definition"`
}

// FlowDefinition holds the triggers and actions of a Power Automate flow.
type FlowDefinition struct {
	Triggers map[string]FlowStep `json:"triggers" validate:"required,min=1"`
	Actions  map[string]FlowStep `json:"actions" validate:"required,min=1"`
}

// FlowStep is a trigger or action in a Power Automate definition.
type FlowStep struct {
	Type   string         `json:"type" validate:"required"`
	Kind   string         `json:"kind,omitempty"`
	Inputs map[string]any `json:"inputs,omitempty"`
	RunAfter map[string][]string `json:"runAfter,omitempty"`
}

// Parse decodes raw JSON into the document shape for the given platform.
// The result still needs Validate before it is trusted.
func Parse(platform Platform, raw []byte) (*Document, error) {
	doc := &Document{Platform: platform}
	var err error
	switch platform {
	case PlatformN8N:
		doc.N8N = &N8NWorkflow{}
		err = json.Unmarshal(raw, doc.N8N)
	case PlatformZapier:
		doc.Zapier = &ZapierWorkflow{}
		err = json.Unmarshal(raw, doc.Zapier)
	case PlatformMake:
		doc.Make = &MakeScenario{}
		err = json.Unmarshal(raw, doc.Make)
	case PlatformPowerAutomate:
		doc.PowerAutomate = &PowerAutomateFlow{}
		err = json.Unmarshal(raw, doc.PowerAutomate)
	default:
		return nil, fmt.Errorf("unknown platform: %q", platform)
	}
	if err != nil {
		return nil, fmt.Errorf("parse %s workflow: %w", platform, err)
	}
	return doc, nil
}

// Marshal encodes the platform-specific definition back to JSON.
func (d *Document) Marshal() ([]byte, error) {
	switch d.Platform {
	case PlatformN8N:
		return json.Marshal(d.N8N)
	case PlatformZapier:
		return json.Marshal(d.Zapier)
	case PlatformMake:
		return json.Marshal(d.Make)
	case PlatformPowerAutomate:
		return json.Marshal(d.PowerAutomate)
	}
	return nil, fmt.Errorf("unknown platform: %q", d.Platform)
}
