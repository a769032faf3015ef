package tools

// ServerConfig describes an MCP tool server binary to launch.
type ServerConfig struct {
	Binary  string            `mapstructure:"binary"`
	Env     map[string]string `mapstructure:"env"`
	Enabled bool              `mapstructure:"enabled"`
}

// ToolDef describes a tool exposed to the model.
type ToolDef struct {
	Name        string         `json:"name"`
	Description string         `json:"description"`
	Parameters  map[string]any `json:"parameters"` // JSON Schema
}
