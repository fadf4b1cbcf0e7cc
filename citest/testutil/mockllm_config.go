package testutil

import (
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"
)

// MockLLMConfig defines the YAML configuration schema for MockLLM scenarios.
type MockLLMConfig struct {
	Settings  MockSettings   `yaml:"settings"`
	Defaults  MockDefaults   `yaml:"defaults"`
	Responses []ResponseRule `yaml:"responses"`
}

// MockSettings configures MockLLM server behavior.
type MockSettings struct {
	LagMS        int `yaml:"lag_ms"`         // delay before the first chunk
	ChunkDelayMS int `yaml:"chunk_delay_ms"` // delay between streamed words
}

// MockDefaults defines fallback behavior.
type MockDefaults struct {
	Fallback string `yaml:"fallback"`
}

// ResponseRule maps a prompt to a response.
type ResponseRule struct {
	Name     string      `yaml:"name"`
	Match    MatchConfig `yaml:"match"`
	Response string      `yaml:"response"`
	Priority int         `yaml:"priority"` // higher wins
}

// MatchConfig defines how to match a prompt. All matching is
// case-insensitive.
type MatchConfig struct {
	Contains    string   `yaml:"contains"`
	ContainsAll []string `yaml:"contains_all"`
	ContainsAny []string `yaml:"contains_any"`
	Exact       string   `yaml:"exact"`
	Regex       string   `yaml:"regex"`
}

// DefaultMockLLMConfig answers the prompts used by the suites, including
// the title and followup prompts of the small model.
func DefaultMockLLMConfig() *MockLLMConfig {
	return &MockLLMConfig{
		Settings: MockSettings{ChunkDelayMS: 5},
		Defaults: MockDefaults{
			Fallback: "I understand your request. Let me help you with that.",
		},
		Responses: []ResponseRule{
			{
				Name:     "title",
				Match:    MatchConfig{Contains: "generate a title for this conversation"},
				Response: "Greeting the assistant",
				Priority: 100,
			},
			{
				Name:     "followups",
				Match:    MatchConfig{ContainsAll: []string{"user:\n", "assistant:\n"}},
				Response: `[{"message": "Tell me more", "title": "More"}]`,
				Priority: 100,
			},
			{
				Name:     "hello-world",
				Match:    MatchConfig{Contains: "hello, world"},
				Response: "Hello, World!",
				Priority: 10,
			},
			{
				Name:     "math-2plus2",
				Match:    MatchConfig{ContainsAny: []string{"2+2", "2 + 2"}},
				Response: "4",
				Priority: 10,
			},
			{
				Name:     "slow",
				Match:    MatchConfig{Regex: `^count slowly`},
				Response: "one two three four five six seven eight nine ten",
				Priority: 10,
			},
			{
				Name:     "simple-hello",
				Match:    MatchConfig{Contains: "hello"},
				Response: "Hello! How can I help you today?",
				Priority: 1,
			},
		},
	}
}

// LoadMockLLMConfig loads configuration from a YAML file.
func LoadMockLLMConfig(path string) (*MockLLMConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	var config MockLLMConfig
	if err := yaml.Unmarshal(data, &config); err != nil {
		return nil, err
	}

	return &config, nil
}

// LoadMockLLMConfigFromDir looks for mockllm.yaml in the given directory.
func LoadMockLLMConfigFromDir(dir string) (*MockLLMConfig, error) {
	path := filepath.Join(dir, "mockllm.yaml")
	if _, err := os.Stat(path); os.IsNotExist(err) {
		path = filepath.Join(dir, "mockllm.yml")
		if _, err := os.Stat(path); os.IsNotExist(err) {
			return nil, err
		}
	}
	return LoadMockLLMConfig(path)
}

// SaveMockLLMConfig saves configuration to a YAML file.
func SaveMockLLMConfig(config *MockLLMConfig, path string) error {
	data, err := yaml.Marshal(config)
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0644)
}

// Matches checks if the prompt matches this rule.
func (m *MatchConfig) Matches(prompt string) bool {
	promptLower := strings.ToLower(prompt)

	switch {
	case m.Exact != "":
		return strings.EqualFold(prompt, m.Exact)

	case m.Contains != "":
		return strings.Contains(promptLower, strings.ToLower(m.Contains))

	case len(m.ContainsAll) > 0:
		for _, s := range m.ContainsAll {
			if !strings.Contains(promptLower, strings.ToLower(s)) {
				return false
			}
		}
		return true

	case len(m.ContainsAny) > 0:
		for _, s := range m.ContainsAny {
			if strings.Contains(promptLower, strings.ToLower(s)) {
				return true
			}
		}
		return false

	case m.Regex != "":
		re, err := regexp.Compile("(?i)" + m.Regex)
		return err == nil && re.MatchString(prompt)
	}
	return false
}

// FindMatchingResponse returns the highest-priority matching response, or
// the fallback.
func (c *MockLLMConfig) FindMatchingResponse(prompt string) (string, bool) {
	rules := append([]ResponseRule(nil), c.Responses...)
	sort.SliceStable(rules, func(i, j int) bool { return rules[i].Priority > rules[j].Priority })

	for _, rule := range rules {
		if rule.Match.Matches(prompt) {
			return rule.Response, true
		}
	}
	return c.Defaults.Fallback, false
}
