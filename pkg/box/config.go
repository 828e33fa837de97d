package box

import (
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"
)

const configFile = "config.yml"

// Config is the persisted box configuration: the backend kind, the sealing
// key ID, and backend-specific parameters. On disk it is a flat YAML mapping
// ("backend", "key-id", plus the parameters), so it stays trivially
// inspectable.
type Config struct {
	Backend string
	KeyID   string
	Params  map[string]string
}

func (c Config) validate() error {
	if c.Backend == "" {
		return fmt.Errorf("box: config missing backend")
	}
	if c.KeyID == "" {
		return fmt.Errorf("box: config missing key-id")
	}
	return nil
}

func configPath(boxPath string) string {
	return filepath.Join(boxPath, configFile)
}

func configExists(boxPath string) bool {
	_, err := os.Stat(configPath(boxPath))
	return err == nil
}

func loadConfig(boxPath string) (Config, error) {
	raw, err := os.ReadFile(configPath(boxPath))
	if err != nil {
		return Config{}, err
	}
	flat := map[string]string{}
	if err := yaml.Unmarshal(raw, &flat); err != nil {
		return Config{}, fmt.Errorf("box: parse config: %w", err)
	}
	cfg := Config{Params: map[string]string{}}
	for k, v := range flat {
		switch k {
		case "backend":
			cfg.Backend = v
		case "key-id":
			cfg.KeyID = v
		default:
			cfg.Params[k] = v
		}
	}
	if err := cfg.validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// saveConfig persists cfg atomically: the document is written to a temp file
// and renamed into place, so a crash never leaves a half-written config that
// would pass for an initialized box.
func saveConfig(boxPath string, cfg Config) error {
	if err := cfg.validate(); err != nil {
		return err
	}
	flat := map[string]string{
		"backend": cfg.Backend,
		"key-id":  cfg.KeyID,
	}
	for k, v := range cfg.Params {
		if k == "backend" || k == "key-id" {
			return fmt.Errorf("box: reserved config key %q", k)
		}
		flat[k] = v
	}
	doc, err := yaml.Marshal(flat)
	if err != nil {
		return err
	}

	if err := os.MkdirAll(boxPath, 0o700); err != nil {
		return err
	}
	tmp, err := os.CreateTemp(boxPath, ".config-*")
	if err != nil {
		return err
	}
	if _, err := tmp.Write(doc); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return err
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return err
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		return err
	}
	if err := os.Chmod(tmp.Name(), 0o600); err != nil {
		os.Remove(tmp.Name())
		return err
	}
	if err := os.Rename(tmp.Name(), configPath(boxPath)); err != nil {
		os.Remove(tmp.Name())
		return err
	}
	return nil
}
