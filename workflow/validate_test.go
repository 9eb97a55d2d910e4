package workflow

import "testing"

const validN8N = `{
	"name": "Slack alert",
	"nodes": [
		{"id": "1", "name": "Webhook", "type": "n8n-nodes-base.webhook", "parameters": {}, "position": [250, 300]},
		{"id": "2", "name": "Slack", "type": "n8n-nodes-base.slack", "parameters": {"channel": "#alerts"}, "position": [450, 300]}
	],
	"connections": {
		"Webhook": {"main": [[{"node": "Slack", "type": "main", "index": 0}]]}
	}
}`

func TestParseAndValidateN8N(t *testing.T) {
	doc, err := Parse(PlatformN8N, []byte(validN8N))
	if err != nil {
		t.Fatal(err)
	}
	if err := doc.Validate(); err != nil {
		t.Fatal(err)
	}
	if len(doc.N8N.Nodes) != 2 {
		t.Errorf("expected 2 nodes, got %d", len(doc.N8N.Nodes))
	}
}

func TestValidateN8NRejectsUnknownConnectionTarget(t *testing.T) {
	raw := `{
		"name": "broken",
		"nodes": [{"id": "1", "name": "Webhook", "type": "n8n-nodes-base.webhook"}],
		"connections": {"Webhook": {"main": [[{"node": "Ghost", "type": "main", "index": 0}]]}}
	}`
	doc, err := Parse(PlatformN8N, []byte(raw))
	if err != nil {
		t.Fatal(err)
	}
	if err := doc.Validate(); err == nil {
		t.Fatal("expected validation error for connection to unknown node")
	}
}

func TestValidateN8NRejectsDuplicateNodeIDs(t *testing.T) {
	raw := `{
		"name": "dupes",
		"nodes": [
			{"id": "1", "name": "A", "type": "t"},
			{"id": "1", "name": "B", "type": "t"}
		],
		"connections": {}
	}`
	doc, err := Parse(PlatformN8N, []byte(raw))
	if err != nil {
		t.Fatal(err)
	}
	if err := doc.Validate(); err == nil {
		t.Fatal("expected validation error for duplicate node ids")
	}
}

func TestValidateZapierRequiresTwoSteps(t *testing.T) {
	raw := `{"title": "lonely trigger", "steps": [{"id": "1", "app": "webhook", "event": "catch_hook"}]}`
	doc, err := Parse(PlatformZapier, []byte(raw))
	if err != nil {
		t.Fatal(err)
	}
	if err := doc.Validate(); err == nil {
		t.Fatal("expected validation error for a zap with a single step")
	}
}

func TestValidateMakeRouteReferences(t *testing.T) {
	raw := `{
		"name": "scenario",
		"modules": [
			{"id": 1, "app": "webhooks", "module": "customWebhook"},
			{"id": 2, "app": "slack", "module": "postMessage"}
		],
		"routes": [[1, 99]]
	}`
	doc, err := Parse(PlatformMake, []byte(raw))
	if err != nil {
		t.Fatal(err)
	}
	if err := doc.Validate(); err == nil {
		t.Fatal("expected validation error for route referencing unknown module")
	}
}

func TestValidatePowerAutomateRunAfter(t *testing.T) {
	raw := `{
		"displayName": "flow",
		"definition": {
			"triggers": {"manual": {"type": "Request", "kind": "Http"}},
			"actions": {
				"compose": {"type": "Compose", "runAfter": {"missing_step": ["Succeeded"]}}
			}
		}
	}`
	doc, err := Parse(PlatformPowerAutomate, []byte(raw))
	if err != nil {
		t.Fatal(err)
	}
	if err := doc.Validate(); err == nil {
		t.Fatal("expected validation error for runAfter referencing unknown action")
	}
}

func TestMarshalRoundTrip(t *testing.T) {
	doc, err := Parse(PlatformN8N, []byte(validN8N))
	if err != nil {
		t.Fatal(err)
	}
	out, err := doc.Marshal()
	if err != nil {
		t.Fatal(err)
	}
	again, err := Parse(PlatformN8N, out)
	if err != nil {
		t.Fatal(err)
	}
	if err := again.Validate(); err != nil {
		t.Fatal(err)
	}
}
