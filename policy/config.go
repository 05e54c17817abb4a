package policy

import (
	"fmt"
	"os"
	"strconv"
	"strings"

	units "github.com/docker/go-units"
	"gopkg.in/yaml.v3"
)

// Config is the file-level policy extension: extra syscall numbers, extra
// read-only files, and the /tmp tmpfs cap as a human-readable size.
type Config struct {
	ExtraSyscalls []uint32 `yaml:"extra_syscalls"`
	Files         []string `yaml:"files"`
	TmpfsSize     string   `yaml:"tmpfs_size"`
}

// LoadConfig reads a YAML policy extension. A missing file yields the
// empty config; environment variables override file values.
func LoadConfig(yamlPath string) (*Config, error) {
	cfg := &Config{}

	if yamlPath != "" {
		data, err := os.ReadFile(yamlPath)
		if err == nil {
			if err := yaml.Unmarshal(data, cfg); err != nil {
				return nil, fmt.Errorf("parse policy config: %w", err)
			}
		} else if !os.IsNotExist(err) {
			return nil, err
		}
	}

	applyEnvOverrides(cfg)

	return cfg, nil
}

func applyEnvOverrides(cfg *Config) {
	if v := os.Getenv("CAPSULE_POLICY_EXTRA_SYSCALLS"); v != "" {
		var nrs []uint32
		for _, s := range strings.Split(v, ",") {
			n, err := strconv.ParseUint(strings.TrimSpace(s), 10, 32)
			if err == nil {
				nrs = append(nrs, uint32(n))
			}
		}
		cfg.ExtraSyscalls = nrs
	}
	if v := os.Getenv("CAPSULE_POLICY_FILES"); v != "" {
		cfg.Files = strings.Split(v, ",")
	}
	if v := os.Getenv("CAPSULE_POLICY_TMPFS_SIZE"); v != "" {
		cfg.TmpfsSize = v
	}
}

// Apply folds the config into a builder. The tmpfs size replaces the
// default /tmp cap when set.
func (c *Config) Apply(b *Builder) error {
	b.AllowSyscalls(c.ExtraSyscalls)
	for _, f := range c.Files {
		b.AddFile(f)
	}
	if c.TmpfsSize != "" {
		size, err := units.RAMInBytes(c.TmpfsSize)
		if err != nil {
			return fmt.Errorf("parse tmpfs size %q: %w", c.TmpfsSize, err)
		}
		for i := range b.tmpfs {
			if b.tmpfs[i].Path == "/tmp" {
				b.tmpfs[i].Size = size
				return nil
			}
		}
		b.AddTmpfs("/tmp", size)
	}
	return nil
}
