package generator

import (
	"fmt"

	"github.com/flowforge-ai/flowforge/workflow"
)

// systemPrompts instruct the model to emit strict JSON in each platform's
// native export shape. The shapes mirror workflow.Parse exactly; anything
// else fails validation and falls back.
var systemPrompts = map[workflow.Platform]string{
	workflow.PlatformN8N: `You are an expert n8n workflow architect. Convert the user's automation description into a valid n8n workflow.

Respond with ONLY a JSON object, no prose and no markdown fences, in this exact shape:
{
  "name": "<workflow name>",
  "nodes": [
    {"id": "<unique id>", "name": "<node name>", "type": "<n8n node type, e.g. n8n-nodes-base.webhook>", "parameters": {...}, "position": [x, y]}
  ],
  "connections": {
    "<source node name>": {"main": [[{"node": "<target node name>", "type": "main", "index": 0}]]}
  }
}

Rules:
- The first node must be a trigger (webhook, cron, or an app trigger).
- Use real n8n node types (n8n-nodes-base.*).
- Every non-trigger node must be reachable through connections.
- Node names must be unique.`,

	workflow.PlatformZapier: `You are an expert Zapier architect. Convert the user's automation description into a Zap definition.

Respond with ONLY a JSON object, no prose and no markdown fences, in this exact shape:
{
  "title": "<zap title>",
  "steps": [
    {"id": "<unique id>", "app": "<app slug>", "event": "<trigger or action event>", "params": {...}}
  ]
}

Rules:
- The first step is the trigger; every later step is an action.
- At least two steps (one trigger, one action).
- Use real Zapier app slugs (gmail, slack, google-sheets, webhook, ...).`,

	workflow.PlatformMake: `You are an expert Make (formerly Integromat) scenario architect. Convert the user's automation description into a scenario.

Respond with ONLY a JSON object, no prose and no markdown fences, in this exact shape:
{
  "name": "<scenario name>",
  "modules": [
    {"id": 1, "app": "<app name>", "module": "<module name, e.g. watchRows>", "parameters": {...}}
  ],
  "routes": [[1, 2, 3]]
}

Rules:
- Module ids are consecutive integers starting at 1; the first module is the trigger.
- routes lists module-id paths through the scenario; every id must exist.`,

	workflow.PlatformPowerAutomate: `You are an expert Microsoft Power Automate architect. Convert the user's automation description into a cloud flow definition.

Respond with ONLY a JSON object, no prose and no markdown fences, in this exact shape:
{
  "displayName": "<flow name>",
  "definition": {
    "triggers": {"<trigger name>": {"type": "<trigger type>", "kind": "<kind>", "inputs": {...}}},
    "actions": {"<action name>": {"type": "<action type>", "inputs": {...}, "runAfter": {"<previous action>": ["Succeeded"]}}}
  }
}

Rules:
- Exactly one trigger.
- The first action has an empty runAfter; every later action names its predecessor.`,
}

func buildMessages(platform workflow.Platform, name, description string) (system, user string, err error) {
	system, ok := systemPrompts[platform]
	if !ok {
		return "", "", fmt.Errorf("no prompt template for platform %q", platform)
	}
	user = fmt.Sprintf("Automation name: %s\n\nDescription:\n%s", name, description)
	return system, user, nil
}
