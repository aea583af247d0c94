package config

import (
	"fmt"
	"os"
	"path/filepath"
	"regexp"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// LoadConfig 按顺序合并：base.yaml → <env>.yaml → ${VAR} 占位符替换
// 占位符先查 secrets.env，再查进程环境变量，都没有则替换为空串
func LoadConfig(env string, configDir string) (map[string]interface{}, error) {
	if configDir == "" {
		configDir = "config"
	}

	merged, err := loadYAMLFile(filepath.Join(configDir, "base.yaml"))
	if err != nil {
		return nil, fmt.Errorf("failed to load base.yaml: %w", err)
	}

	if env != "" && env != "base" {
		envFile := filepath.Join(configDir, env+".yaml")
		if _, err := os.Stat(envFile); err == nil {
			overlay, err := loadYAMLFile(envFile)
			if err != nil {
				return nil, fmt.Errorf("failed to load %s.yaml: %w", env, err)
			}
			merged = mergeMaps(merged, overlay)
		}
	}

	secrets := map[string]string{}
	secretsFile := filepath.Join(configDir, "secrets.env")
	if _, err := os.Stat(secretsFile); err == nil {
		if secrets, err = godotenv.Read(secretsFile); err != nil {
			return nil, fmt.Errorf("failed to load secrets.env: %w", err)
		}
	}

	lookup := func(name string) string {
		if v, ok := secrets[name]; ok {
			return v
		}
		return os.Getenv(name)
	}
	return expand(merged, lookup), nil
}

func loadYAMLFile(path string) (map[string]interface{}, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	cfg := map[string]interface{}{}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// mergeMaps 返回新 map，overlay 覆盖 base，嵌套 map 递归合并
func mergeMaps(base, overlay map[string]interface{}) map[string]interface{} {
	out := make(map[string]interface{}, len(base))
	for k, v := range base {
		out[k] = v
	}
	for k, v := range overlay {
		bm, okBase := out[k].(map[string]interface{})
		om, okOverlay := v.(map[string]interface{})
		if okBase && okOverlay {
			out[k] = mergeMaps(bm, om)
			continue
		}
		out[k] = v
	}
	return out
}

var placeholder = regexp.MustCompile(`\$\{([A-Za-z_][A-Za-z0-9_]*)\}`)

// expand 原地替换所有字符串值中的 ${VAR}
func expand(cfg map[string]interface{}, lookup func(string) string) map[string]interface{} {
	for k, v := range cfg {
		switch val := v.(type) {
		case string:
			cfg[k] = placeholder.ReplaceAllStringFunc(val, func(m string) string {
				return lookup(placeholder.FindStringSubmatch(m)[1])
			})
		case map[string]interface{}:
			cfg[k] = expand(val, lookup)
		}
	}
	return cfg
}

// GetEnv 获取环境变量，如果未设置则返回默认值
func GetEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

// GetConfigEnv 获取配置环境（CONFIG_ENV，默认 local）
func GetConfigEnv() string {
	return GetEnv("CONFIG_ENV", "local")
}
