package generator

import (
	"github.com/flowforge-ai/flowforge/workflow"
)

// fallbackDocument builds a deterministic skeleton workflow for the platform,
// used when the model's output cannot be parsed or fails validation. The
// skeleton is a valid, importable starting point: a webhook-style trigger
// feeding one placeholder action carrying the user's description.
func fallbackDocument(platform workflow.Platform, name, description string) *workflow.Document {
	if name == "" {
		name = "Untitled automation"
	}
	doc := &workflow.Document{Platform: platform}

	switch platform {
	case workflow.PlatformN8N:
		doc.N8N = &workflow.N8NWorkflow{
			Name: name,
			Nodes: []workflow.N8NNode{
				{
					ID:   "trigger",
					Name: "Webhook Trigger",
					Type: "n8n-nodes-base.webhook",
					Parameters: map[string]any{
						"httpMethod": "POST",
						"path":       "incoming",
					},
					Position: [2]int{250, 300},
				},
				{
					ID:   "action",
					Name: "Configure Me",
					Type: "n8n-nodes-base.noOp",
					Parameters: map[string]any{
						"notes": description,
					},
					Position: [2]int{500, 300},
				},
			},
			Connections: map[string]workflow.Connection{
				"Webhook Trigger": {
					Main: [][]workflow.ConnectionTarget{
						{{Node: "Configure Me", Type: "main", Index: 0}},
					},
				},
			},
		}
	case workflow.PlatformZapier:
		doc.Zapier = &workflow.ZapierWorkflow{
			Title: name,
			Steps: []workflow.ZapierStep{
				{ID: "step-1", App: "webhook", Event: "catch_hook", Params: map[string]any{}},
				{ID: "step-2", App: "code", Event: "run_javascript", Params: map[string]any{
					"notes": description,
				}},
			},
		}
	case workflow.PlatformMake:
		doc.Make = &workflow.MakeScenario{
			Name: name,
			Modules: []workflow.MakeModule{
				{ID: 1, App: "webhooks", Module: "customWebhook", Parameters: map[string]any{}},
				{ID: 2, App: "tools", Module: "setVariable", Parameters: map[string]any{
					"notes": description,
				}},
			},
			Routes: [][]int{{1, 2}},
		}
	case workflow.PlatformPowerAutomate:
		doc.PowerAutomate = &workflow.PowerAutomateFlow{
			DisplayName: name,
			Definition: workflow.FlowDefinition{
				Triggers: map[string]workflow.FlowStep{
					"manual": {
						Type:   "Request",
						Kind:   "Http",
						Inputs: map[string]any{"schema": map[string]any{}},
					},
				},
				Actions: map[string]workflow.FlowStep{
					"Configure_me": {
						Type:   "Compose",
						Inputs: map[string]any{"notes": description},
					},
				},
			},
		}
	}
	return doc
}
