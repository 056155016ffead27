package config

import (
	"encoding/json"
	"os"
	"path/filepath"
	"regexp"

	"github.com/joho/godotenv"
	"github.com/tidwall/jsonc"

	"github.com/matteing/opal/pkg/types"
)

// Load loads configuration from multiple sources (priority order, later
// wins):
//  1. Global config (Paths().Config/opal.json[c])
//  2. Project config (directory/.opal/opal.json[c])
//  3. OPAL_CONFIG (path to an additional config file) or
//     OPAL_CONFIG_CONTENT (inline JSON), if set
//  4. Environment variable overrides (OPAL_MODEL, OPAL_SMALL_MODEL, and
//     well-known provider API key variables)
func Load(directory string) (*types.Config, error) {
	if directory != "" {
		_ = godotenv.Load(filepath.Join(directory, ".env"))
	}
	_ = godotenv.Load()

	config := &types.Config{
		Provider: make(map[string]types.ProviderConfig),
		Agent:    make(map[string]types.AgentConfig),
	}

	globalPath := GetPaths().Config
	loadConfigFile(filepath.Join(globalPath, "opal.json"), config)
	loadConfigFile(filepath.Join(globalPath, "opal.jsonc"), config)

	if directory != "" {
		loadConfigFile(filepath.Join(directory, ".opal", "opal.json"), config)
		loadConfigFile(filepath.Join(directory, ".opal", "opal.jsonc"), config)
	}

	if path := os.Getenv("OPAL_CONFIG"); path != "" {
		loadConfigFile(path, config)
	}
	if content := os.Getenv("OPAL_CONFIG_CONTENT"); content != "" {
		var fileConfig types.Config
		if err := json.Unmarshal(interpolate([]byte(content), directory), &fileConfig); err == nil {
			mergeConfig(config, &fileConfig)
		}
	}

	applyEnvOverrides(config)

	return config, nil
}

// loadConfigFile loads a single config file, resolving {env:} and {file:}
// placeholders relative to its containing directory, and merges it into
// config.
func loadConfigFile(path string, config *types.Config) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}

	data = stripJSONComments(data)
	data = interpolate(data, filepath.Dir(path))

	var fileConfig types.Config
	if err := json.Unmarshal(data, &fileConfig); err != nil {
		return err
	}

	mergeConfig(config, &fileConfig)
	return nil
}

// stripJSONComments strips // and /* */ comments from JSONC source,
// tolerating plain JSON unchanged.
func stripJSONComments(data []byte) []byte {
	return jsonc.ToJSON(data)
}

var (
	envPlaceholder  = regexp.MustCompile(`\{env:([A-Za-z_][A-Za-z0-9_]*)\}`)
	filePlaceholder = regexp.MustCompile(`\{file:([^}]+)\}`)
)

// interpolate substitutes {env:VAR} with the named environment variable
// (empty string if unset) and {file:path} with the contents of path
// (resolved relative to baseDir; the placeholder is left untouched if the
// file can't be read).
func interpolate(data []byte, baseDir string) []byte {
	data = envPlaceholder.ReplaceAllFunc(data, func(match []byte) []byte {
		name := envPlaceholder.FindSubmatch(match)[1]
		return []byte(os.Getenv(string(name)))
	})

	data = filePlaceholder.ReplaceAllFunc(data, func(match []byte) []byte {
		path := string(filePlaceholder.FindSubmatch(match)[1])
		if !filepath.IsAbs(path) {
			path = filepath.Join(baseDir, path)
		}
		contents, err := os.ReadFile(path)
		if err != nil {
			return match
		}
		return contents
	})

	return data
}

// mergeConfig merges source config into target; non-zero fields in source
// win, maps are merged key by key.
func mergeConfig(target, source *types.Config) {
	if source.Schema != "" {
		target.Schema = source.Schema
	}
	if source.Username != "" {
		target.Username = source.Username
	}
	if source.Model != "" {
		target.Model = source.Model
	}
	if source.SmallModel != "" {
		target.SmallModel = source.SmallModel
	}
	if source.AutoCompactThreshold != 0 {
		target.AutoCompactThreshold = source.AutoCompactThreshold
	}

	if source.Tools != nil {
		if target.Tools == nil {
			target.Tools = make(map[string]bool)
		}
		for k, v := range source.Tools {
			target.Tools[k] = v
		}
	}
	if source.Instructions != nil {
		target.Instructions = append(target.Instructions, source.Instructions...)
	}

	if source.Provider != nil {
		if target.Provider == nil {
			target.Provider = make(map[string]types.ProviderConfig)
		}
		for k, v := range source.Provider {
			target.Provider[k] = v
		}
	}

	if source.Agent != nil {
		if target.Agent == nil {
			target.Agent = make(map[string]types.AgentConfig)
		}
		for k, v := range source.Agent {
			target.Agent[k] = v
		}
	}

	if source.Command != nil {
		if target.Command == nil {
			target.Command = make(map[string]types.CommandConfig)
		}
		for k, v := range source.Command {
			target.Command[k] = v
		}
	}

	if source.MCP != nil {
		if target.MCP == nil {
			target.MCP = make(map[string]types.MCPConfig)
		}
		for k, v := range source.MCP {
			target.MCP[k] = v
		}
	}

	if source.Permission != nil {
		target.Permission = source.Permission
	}
}

// applyEnvOverrides applies environment variable overrides, the last
// source consulted: OPAL_MODEL and OPAL_SMALL_MODEL replace any configured
// value, while a provider API key variable only fills in a key that no
// config source set.
func applyEnvOverrides(config *types.Config) {
	providerEnvMap := map[string]string{
		"anthropic": "ANTHROPIC_API_KEY",
		"openai":    "OPENAI_API_KEY",
		"google":    "GOOGLE_API_KEY",
		"bedrock":   "AWS_ACCESS_KEY_ID",
	}

	for provider, envVar := range providerEnvMap {
		if apiKey := os.Getenv(envVar); apiKey != "" {
			if config.Provider == nil {
				config.Provider = make(map[string]types.ProviderConfig)
			}
			p := config.Provider[provider]
			if p.Options == nil {
				p.Options = &types.ProviderOptions{}
			}
			if p.Options.APIKey == "" {
				p.Options.APIKey = apiKey
				config.Provider[provider] = p
			}
		}
	}

	if model := os.Getenv("OPAL_MODEL"); model != "" {
		config.Model = model
	}
	if smallModel := os.Getenv("OPAL_SMALL_MODEL"); smallModel != "" {
		config.SmallModel = smallModel
	}
}

// Save writes config to path as indented JSON, creating parent
// directories as needed.
func Save(config *types.Config, path string) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return err
	}

	data, err := json.MarshalIndent(config, "", "  ")
	if err != nil {
		return err
	}

	return os.WriteFile(path, data, 0644)
}
