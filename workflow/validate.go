package workflow

import (
	"fmt"

	"github.com/go-playground/validator/v10"
)

var validate = validator.New(validator.WithRequiredStructEnabled())

// Validate checks the structural soundness of a parsed workflow document:
// required fields per the struct tags plus the cross-references the tags
// cannot express (unique node IDs, connections pointing at real nodes).
func (d *Document) Validate() error {
	switch d.Platform {
	case PlatformN8N:
		return validateN8N(d.N8N)
	case PlatformZapier:
		return validateZapier(d.Zapier)
	case PlatformMake:
		return validateMake(d.Make)
	case PlatformPowerAutomate:
		return validatePowerAutomate(d.PowerAutomate)
	}
	return fmt.Errorf("unknown platform: %q", d.Platform)
}

func validateN8N(wf *N8NWorkflow) error {
	if wf == nil {
		return fmt.Errorf("n8n workflow is empty")
	}
	if err := validate.Struct(wf); err != nil {
		return fmt.Errorf("n8n workflow: %w", err)
	}

	names := make(map[string]bool, len(wf.Nodes))
	ids := make(map[string]bool, len(wf.Nodes))
	for _, n := range wf.Nodes {
		if ids[n.ID] {
			return fmt.Errorf("n8n workflow: duplicate node id %q", n.ID)
		}
		ids[n.ID] = true
		names[n.Name] = true
	}

	for source, conn := range wf.Connections {
		if !names[source] {
			return fmt.Errorf("n8n workflow: connection from unknown node %q", source)
		}
		for _, outputs := range conn.Main {
			for _, target := range outputs {
				if !names[target.Node] {
					return fmt.Errorf("n8n workflow: connection to unknown node %q", target.Node)
				}
			}
		}
	}
	return nil
}

func validateZapier(wf *ZapierWorkflow) error {
	if wf == nil {
		return fmt.Errorf("zapier workflow is empty")
	}
	if err := validate.Struct(wf); err != nil {
		return fmt.Errorf("zapier workflow: %w", err)
	}
	ids := make(map[string]bool, len(wf.Steps))
	for _, s := range wf.Steps {
		if ids[s.ID] {
			return fmt.Errorf("zapier workflow: duplicate step id %q", s.ID)
		}
		ids[s.ID] = true
	}
	return nil
}

func validateMake(sc *MakeScenario) error {
	if sc == nil {
		return fmt.Errorf("make scenario is empty")
	}
	if err := validate.Struct(sc); err != nil {
		return fmt.Errorf("make scenario: %w", err)
	}
	ids := make(map[int]bool, len(sc.Modules))
	for _, m := range sc.Modules {
		if ids[m.ID] {
			return fmt.Errorf("make scenario: duplicate module id %d", m.ID)
		}
		ids[m.ID] = true
	}
	for _, route := range sc.Routes {
		for _, id := range route {
			if !ids[id] {
				return fmt.Errorf("make scenario: route references unknown module %d", id)
			}
		}
	}
	return nil
}

func validatePowerAutomate(flow *PowerAutomateFlow) error {
	if flow == nil {
		return fmt.Errorf("power automate flow is empty")
	}
	if err := validate.Struct(flow); err != nil {
		return fmt.Errorf("power automate flow: %w", err)
	}
	for name, action := range flow.Definition.Actions {
		for dep := range action.RunAfter {
			if _, ok := flow.Definition.Actions[dep]; !ok {
				return fmt.Errorf("power automate flow: action %q runs after unknown action %q", name, dep)
			}
		}
	}
	return nil
}
