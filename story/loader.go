package story

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"go.uber.org/zap"
	"golang.org/x/text/language"
	"gopkg.in/yaml.v3"

	"github.com/641i130/Ayaka/script"
)

// Loader reads a story tree from disk:
//
//	config.yaml            story configuration
//	<paras>/<locale>/*.yaml paragraph lists, one file per base paragraph id
//	<res>/<locale>.yaml    resource tables
type Loader struct {
	root string
	log  *zap.Logger
}

// NewLoader creates a loader rooted at root. A nil logger falls back to
// a no-op logger.
func NewLoader(root string, log *zap.Logger) *Loader {
	if log == nil {
		log = zap.NewNop()
	}
	return &Loader{root: root, log: log}
}

// Load reads and validates the whole story model in one go. Callers that
// need per-stage progress use LoadConfig/LoadRes/LoadParas plus Build.
func (l *Loader) Load() (*Game, error) {
	cfg, err := l.LoadConfig()
	if err != nil {
		return nil, err
	}
	res, err := l.LoadRes(cfg)
	if err != nil {
		return nil, err
	}
	paras, err := l.LoadParas(cfg)
	if err != nil {
		return nil, err
	}
	return Build(cfg, paras, res, l.log), nil
}

// LoadConfig reads and validates config.yaml, filling directory defaults.
func (l *Loader) LoadConfig() (Config, error) {
	cfg, err := loadYAML[Config](filepath.Join(l.root, "config.yaml"))
	if err != nil {
		return cfg, fmt.Errorf("story: read config: %w", err)
	}
	if cfg.ParasDir == "" {
		cfg.ParasDir = "paras"
	}
	if cfg.ResDir == "" {
		cfg.ResDir = "res"
	}
	if cfg.BaseLang == "" {
		return cfg, fmt.Errorf("story: config missing base_lang")
	}
	if _, err := language.Parse(cfg.BaseLang); err != nil {
		return cfg, fmt.Errorf("story: bad base_lang %q: %w", cfg.BaseLang, err)
	}
	if cfg.Start == "" {
		return cfg, fmt.Errorf("story: config missing start paragraph")
	}
	return cfg, nil
}

// LoadParas reads every per-locale paragraph file under the paras dir.
func (l *Loader) LoadParas(cfg Config) (map[string]map[string][]Paragraph, error) {
	parasRoot := filepath.Join(l.root, cfg.ParasDir)
	entries, err := os.ReadDir(parasRoot)
	if err != nil {
		return nil, fmt.Errorf("story: read paras dir: %w", err)
	}

	paras := make(map[string]map[string][]Paragraph)
	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}
		loc := entry.Name()
		if _, err := language.Parse(loc); err != nil {
			l.log.Warn("story: skipping non-locale paras dir", zap.String("dir", loc))
			continue
		}

		files, err := os.ReadDir(filepath.Join(parasRoot, loc))
		if err != nil {
			return nil, fmt.Errorf("story: read paras/%s: %w", loc, err)
		}
		byBase := make(map[string][]Paragraph)
		for _, f := range files {
			name := f.Name()
			if f.IsDir() || !strings.HasSuffix(name, ".yaml") {
				continue
			}
			base := strings.TrimSuffix(name, ".yaml")
			list, err := loadYAML[[]Paragraph](filepath.Join(parasRoot, loc, name))
			if err != nil {
				return nil, fmt.Errorf("story: read paras/%s/%s: %w", loc, name, err)
			}
			for i := range list {
				if list[i].Tag == "" {
					return nil, fmt.Errorf("story: paragraph %d in paras/%s/%s has no tag", i, loc, name)
				}
			}
			byBase[base] = list
		}
		paras[loc] = byBase
	}
	return paras, nil
}

// LoadRes reads the per-locale resource tables, absent dir allowed.
func (l *Loader) LoadRes(cfg Config) (map[string]script.VarMap, error) {
	resRoot := filepath.Join(l.root, cfg.ResDir)
	entries, err := os.ReadDir(resRoot)
	if os.IsNotExist(err) {
		// resources are optional
		return map[string]script.VarMap{}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("story: read res dir: %w", err)
	}

	res := make(map[string]script.VarMap)
	for _, entry := range entries {
		name := entry.Name()
		if entry.IsDir() || !strings.HasSuffix(name, ".yaml") {
			continue
		}
		loc := strings.TrimSuffix(name, ".yaml")
		if _, err := language.Parse(loc); err != nil {
			l.log.Warn("story: skipping non-locale res file", zap.String("file", name))
			continue
		}
		table, err := loadYAML[script.VarMap](filepath.Join(resRoot, name))
		if err != nil {
			return nil, fmt.Errorf("story: read res/%s: %w", name, err)
		}
		res[loc] = table
	}
	return res, nil
}

// loadYAML reads one YAML file into T.
func loadYAML[T any](path string) (T, error) {
	var out T
	data, err := os.ReadFile(path)
	if err != nil {
		return out, err
	}
	if err := yaml.Unmarshal(data, &out); err != nil {
		return out, fmt.Errorf("parse %s: %w", filepath.Base(path), err)
	}
	return out, nil
}
