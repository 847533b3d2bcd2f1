package providers

import "testing"

func TestNewCopilotProxyAdapter_Defaults(t *testing.T) {
	p := NewCopilotProxyAdapter(CopilotProxyConfig{})
	if p.baseURL != "http://localhost:3000/v1" {
		t.Errorf("baseURL = %q", p.baseURL)
	}
	if p.defaultModel != "gpt-5.2" {
		t.Errorf("defaultModel = %q", p.defaultModel)
	}
	if p.Name() != "copilot-proxy" {
		t.Errorf("Name() = %q", p.Name())
	}
}

func TestCopilotProxyAdapter_Capabilities(t *testing.T) {
	p := NewCopilotProxyAdapter(CopilotProxyConfig{})
	caps := p.Capabilities("claude-sonnet-4.5")
	if !caps.SupportsTools || !caps.SupportsVision {
		t.Errorf("expected tools+vision support, got %+v", caps)
	}
}
