package config

import (
	"strings"
	"testing"
)

func TestParseTables(t *testing.T) {
	data := []byte(`
routes:
  - alias: fast
    provider: openai
    endpoint: https://api.openai.com/v1
    weight: 3
    models: [gpt-4o-mini]
    cost_per_1k_input: 0.00015
    cost_per_1k_output: 0.0006
    api_key_ref: env:OPENAI_API_KEY
  - alias: fast
    provider: local
    endpoint: http://localhost:11434
tenants:
  acme:
    allowed_models: [gpt-4o-mini]
    max_output_tokens: 1024
    max_request_usd: 0.25
`)

	tables, err := ParseTables(data)
	if err != nil {
		t.Fatalf("ParseTables() error = %v", err)
	}

	if len(tables.Routes) != 2 {
		t.Fatalf("expected 2 routes, got %d", len(tables.Routes))
	}
	if tables.Routes[0].Weight != 3 {
		t.Errorf("expected explicit weight 3, got %v", tables.Routes[0].Weight)
	}
	if tables.Routes[1].Weight != 1 {
		t.Errorf("expected omitted weight to default to 1, got %v", tables.Routes[1].Weight)
	}
	if tables.Routes[0].APIKeyRef != "env:OPENAI_API_KEY" {
		t.Errorf("unexpected api key ref: %q", tables.Routes[0].APIKeyRef)
	}

	pol, ok := tables.Policies["acme"]
	if !ok {
		t.Fatal("expected acme tenant policy")
	}
	if pol.MaxOutputTokens != 1024 || pol.MaxRequestUSD != 0.25 {
		t.Errorf("unexpected acme policy: %+v", pol)
	}
}

func TestParseTablesExplicitZeroWeight(t *testing.T) {
	data := []byte(`
routes:
  - alias: fast
    provider: openai
    weight: 0
`)

	tables, err := ParseTables(data)
	if err != nil {
		t.Fatalf("ParseTables() error = %v", err)
	}
	if tables.Routes[0].Weight != 0 {
		t.Errorf("explicit zero weight must be kept, got %v", tables.Routes[0].Weight)
	}
}

func TestParseTablesInjectsDefaultPolicy(t *testing.T) {
	data := []byte(`
routes:
  - alias: fast
    provider: openai
`)

	tables, err := ParseTables(data)
	if err != nil {
		t.Fatalf("ParseTables() error = %v", err)
	}

	def, ok := tables.Policies["default"]
	if !ok {
		t.Fatal("expected default tenant policy to be injected")
	}
	if def.MaxOutputTokens != 4096 {
		t.Errorf("expected default MaxOutputTokens 4096, got %d", def.MaxOutputTokens)
	}
	if def.MaxRequestUSD != 1.0 {
		t.Errorf("expected default MaxRequestUSD 1.0, got %v", def.MaxRequestUSD)
	}
}

func TestParseTablesKeepsExplicitDefaultPolicy(t *testing.T) {
	data := []byte(`
routes:
  - alias: fast
    provider: openai
tenants:
  default:
    max_output_tokens: 256
`)

	tables, err := ParseTables(data)
	if err != nil {
		t.Fatalf("ParseTables() error = %v", err)
	}
	if tables.Policies["default"].MaxOutputTokens != 256 {
		t.Errorf("explicit default policy must not be overwritten, got %+v", tables.Policies["default"])
	}
}

func TestParseTablesValidation(t *testing.T) {
	tests := []struct {
		name    string
		data    string
		wantErr string
	}{
		{
			name:    "no routes",
			data:    "tenants: {}",
			wantErr: "no routes",
		},
		{
			name:    "missing alias",
			data:    "routes:\n  - provider: openai",
			wantErr: "alias is required",
		},
		{
			name:    "missing provider",
			data:    "routes:\n  - alias: fast",
			wantErr: "provider is required",
		},
		{
			name:    "malformed yaml",
			data:    "routes: [",
			wantErr: "parse routes file",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := ParseTables([]byte(tt.data))
			if err == nil {
				t.Fatal("expected error, got nil")
			}
			if !strings.Contains(err.Error(), tt.wantErr) {
				t.Errorf("error %q does not contain %q", err, tt.wantErr)
			}
		})
	}
}
