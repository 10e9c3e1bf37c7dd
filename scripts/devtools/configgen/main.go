package main

import (
	"errors"
	"flag"
	"fmt"
	"os"
	"path/filepath"
	"sort"

	"gopkg.in/yaml.v3"
)

// Profile describes one environment: the infrastructure both export binaries
// share plus per-binary overrides.
type Profile struct {
	OutputDir string                    `yaml:"outputDir"`
	Auth      AuthProfile               `yaml:"auth"`
	Shared    SharedProfile             `yaml:"shared"`
	Services  map[string]ServiceProfile `yaml:"services"`
}

type AuthProfile struct {
	JWTSecret string `yaml:"jwtSecret"`
}

// SharedProfile is merged into every service config.
type SharedProfile struct {
	Database map[string]interface{} `yaml:"database"`
	Redis    map[string]interface{} `yaml:"redis"`
	Kafka    map[string]interface{} `yaml:"kafka"`
	MinIO    map[string]interface{} `yaml:"minio"`
	Bucket   string                 `yaml:"bucket"`
	Prefix   string                 `yaml:"keyPrefix"`
	Topic    string                 `yaml:"requestTopic"`
}

type ServiceProfile struct {
	Base      string                 `yaml:"base"`
	Output    string                 `yaml:"output"`
	Overrides map[string]interface{} `yaml:"overrides"`
}

func main() {
	profilePath := flag.String("profile", "configs/dev-profile.yaml", "Path to config profile")
	outputDir := flag.String("output-dir", "", "Override output directory")
	flag.Parse()

	written, err := run(*profilePath, *outputDir)
	if err != nil {
		fmt.Fprintf(os.Stderr, "configgen: %v\n", err)
		os.Exit(1)
	}
	for _, path := range written {
		fmt.Println(path)
	}
}

// run renders every service of the profile and returns the written paths.
func run(profilePath, outputDir string) ([]string, error) {
	profilePath, err := filepath.Abs(profilePath)
	if err != nil {
		return nil, fmt.Errorf("resolve profile path: %w", err)
	}
	profile, err := loadProfile(profilePath)
	if err != nil {
		return nil, err
	}
	if outputDir != "" {
		profile.OutputDir = outputDir
	}
	if profile.OutputDir == "" {
		return nil, errors.New("output directory is required")
	}
	profileDir := filepath.Dir(profilePath)
	if !filepath.IsAbs(profile.OutputDir) {
		profile.OutputDir = filepath.Join(profileDir, profile.OutputDir)
	}

	names := make([]string, 0, len(profile.Services))
	for name := range profile.Services {
		names = append(names, name)
	}
	sort.Strings(names)

	written := make([]string, 0, len(names))
	for _, name := range names {
		path, err := renderService(profile, profileDir, name)
		if err != nil {
			return written, fmt.Errorf("service %q: %w", name, err)
		}
		written = append(written, path)
	}
	return written, nil
}

func renderService(profile *Profile, profileDir, name string) (string, error) {
	service := profile.Services[name]
	if service.Base == "" {
		return "", errors.New("missing base config")
	}
	if !filepath.IsAbs(service.Base) {
		service.Base = filepath.Join(profileDir, service.Base)
	}
	config, err := loadYAML(service.Base)
	if err != nil {
		return "", fmt.Errorf("load base config: %w", err)
	}
	config = normalizeValue(config)

	if config, err = applyShared(profile, name, config); err != nil {
		return "", fmt.Errorf("apply shared settings: %w", err)
	}
	if len(service.Overrides) > 0 {
		if config, err = mergeMap(config, normalizeValue(service.Overrides)); err != nil {
			return "", fmt.Errorf("merge overrides: %w", err)
		}
	}
	if config, err = applySharedAuth(profile, name, config); err != nil {
		return "", fmt.Errorf("apply shared auth: %w", err)
	}

	path, err := resolveOutputPath(profile.OutputDir, service)
	if err != nil {
		return "", err
	}
	return path, writeYAML(path, config)
}

func loadProfile(path string) (*Profile, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read profile failed: %w", err)
	}

	var profile Profile
	if err := yaml.Unmarshal(data, &profile); err != nil {
		return nil, fmt.Errorf("parse profile failed: %w", err)
	}
	if len(profile.Services) == 0 {
		return nil, errors.New("profile has no services")
	}
	return &profile, nil
}

func loadYAML(path string) (interface{}, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read yaml failed: %w", err)
	}

	var value interface{}
	if err := yaml.Unmarshal(data, &value); err != nil {
		return nil, fmt.Errorf("parse yaml failed: %w", err)
	}
	return value, nil
}

func writeYAML(path string, value interface{}) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("create output dir failed: %w", err)
	}
	data, err := yaml.Marshal(value)
	if err != nil {
		return fmt.Errorf("marshal yaml failed: %w", err)
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("write yaml failed: %w", err)
	}
	return nil
}

func resolveOutputPath(outputDir string, service ServiceProfile) (string, error) {
	output := service.Output
	if output == "" {
		output = filepath.Base(service.Base)
	}
	if output == "" {
		return "", errors.New("output path is empty")
	}
	if filepath.IsAbs(output) {
		return output, nil
	}
	return filepath.Join(outputDir, output), nil
}

func normalizeValue(value interface{}) interface{} {
	switch typed := value.(type) {
	case map[string]interface{}:
		out := make(map[string]interface{}, len(typed))
		for k, v := range typed {
			out[k] = normalizeValue(v)
		}
		return out
	case map[interface{}]interface{}:
		out := make(map[string]interface{}, len(typed))
		for k, v := range typed {
			key, ok := k.(string)
			if !ok {
				key = fmt.Sprintf("%v", k)
			}
			out[key] = normalizeValue(v)
		}
		return out
	case []interface{}:
		out := make([]interface{}, 0, len(typed))
		for _, item := range typed {
			out = append(out, normalizeValue(item))
		}
		return out
	default:
		return value
	}
}

func mergeMap(base interface{}, override interface{}) (interface{}, error) {
	baseMap, ok := base.(map[string]interface{})
	if !ok {
		return nil, errors.New("base config is not a map")
	}
	overrideMap, ok := override.(map[string]interface{})
	if !ok {
		return nil, errors.New("override config is not a map")
	}

	merged := make(map[string]interface{}, len(baseMap))
	for k, v := range baseMap {
		merged[k] = v
	}

	for key, overrideValue := range overrideMap {
		baseValue, exists := merged[key]
		if !exists {
			merged[key] = overrideValue
			continue
		}

		baseChild, baseIsMap := baseValue.(map[string]interface{})
		overrideChild, overrideIsMap := overrideValue.(map[string]interface{})
		if baseIsMap && overrideIsMap {
			combined, err := mergeMap(baseChild, overrideChild)
			if err != nil {
				return nil, err
			}
			merged[key] = combined
			continue
		}
		merged[key] = overrideValue
	}
	return merged, nil
}

// sectionFor returns the service section holding export settings.
func sectionFor(serviceName string) (string, bool) {
	switch serviceName {
	case "export-api":
		return "export", true
	case "export-worker":
		return "worker", true
	default:
		return "", false
	}
}

func childMap(root map[string]interface{}, key string) map[string]interface{} {
	child, ok := root[key].(map[string]interface{})
	if !ok {
		child = map[string]interface{}{}
		root[key] = child
	}
	return child
}

func applyShared(profile *Profile, serviceName string, config interface{}) (interface{}, error) {
	if profile == nil {
		return config, nil
	}
	root, ok := config.(map[string]interface{})
	if !ok {
		return nil, errors.New("service config is not a map")
	}
	blocks := map[string]map[string]interface{}{
		"database": profile.Shared.Database,
		"redis":    profile.Shared.Redis,
		"kafka":    profile.Shared.Kafka,
		"minio":    profile.Shared.MinIO,
	}
	for key, block := range blocks {
		if len(block) == 0 {
			continue
		}
		base, exists := root[key]
		if !exists {
			base = map[string]interface{}{}
		}
		merged, err := mergeMap(base, normalizeValue(block))
		if err != nil {
			return nil, fmt.Errorf("%s: %w", key, err)
		}
		root[key] = merged
	}

	section, ok := sectionFor(serviceName)
	if !ok {
		return root, nil
	}
	settings := childMap(root, section)
	if profile.Shared.Bucket != "" {
		settings["bucket"] = profile.Shared.Bucket
	}
	if profile.Shared.Prefix != "" {
		settings["keyPrefix"] = profile.Shared.Prefix
	}
	if profile.Shared.Topic != "" {
		if serviceName == "export-api" {
			settings["topic"] = profile.Shared.Topic
		} else {
			childMap(settings, "topics")["requests"] = profile.Shared.Topic
		}
	}
	return root, nil
}

func applySharedAuth(profile *Profile, serviceName string, config interface{}) (interface{}, error) {
	if profile == nil || profile.Auth.JWTSecret == "" {
		return config, nil
	}
	if serviceName != "export-api" {
		return config, nil
	}
	root, ok := config.(map[string]interface{})
	if !ok {
		return nil, errors.New("service config is not a map")
	}
	childMap(root, "auth")["jwtSecret"] = profile.Auth.JWTSecret
	return root, nil
}
