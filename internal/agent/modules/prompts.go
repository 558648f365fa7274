package modules

import (
	"embed"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"gopkg.in/yaml.v3"
)

//go:embed prompts/*.yaml
var promptFS embed.FS

// prompts maps module -> locale -> base prompt text. Seeded from the
// embedded packs at first use; LoadPromptOverrides can layer clinic-local
// edits on top.
var (
	promptsOnce sync.Once
	promptsMu   sync.RWMutex
	prompts     map[string]map[string]string
)

func loadEmbedded() {
	prompts = make(map[string]map[string]string)
	entries, err := promptFS.ReadDir("prompts")
	if err != nil {
		panic(fmt.Sprintf("modules: embedded prompts unreadable: %v", err))
	}
	for _, e := range entries {
		module := strings.TrimSuffix(e.Name(), filepath.Ext(e.Name()))
		data, err := promptFS.ReadFile("prompts/" + e.Name())
		if err != nil {
			panic(fmt.Sprintf("modules: read embedded prompt %s: %v", e.Name(), err))
		}
		pack := make(map[string]string)
		if err := yaml.Unmarshal(data, &pack); err != nil {
			panic(fmt.Sprintf("modules: parse embedded prompt %s: %v", e.Name(), err))
		}
		prompts[module] = pack
	}
}

// LoadPromptOverrides layers YAML prompt packs from dir over the embedded
// ones. Each file is <module>.yaml mapping locale to prompt text; locales
// present in the file replace the embedded text, others keep it.
func LoadPromptOverrides(dir string) error {
	promptsOnce.Do(loadEmbedded)

	matches, err := filepath.Glob(filepath.Join(dir, "*.yaml"))
	if err != nil {
		return err
	}
	promptsMu.Lock()
	defer promptsMu.Unlock()
	for _, path := range matches {
		module := strings.TrimSuffix(filepath.Base(path), ".yaml")
		data, err := os.ReadFile(path)
		if err != nil {
			return fmt.Errorf("read prompt pack %s: %w", path, err)
		}
		pack := make(map[string]string)
		if err := yaml.Unmarshal(data, &pack); err != nil {
			return fmt.Errorf("parse prompt pack %s: %w", path, err)
		}
		if prompts[module] == nil {
			prompts[module] = make(map[string]string)
		}
		for locale, text := range pack {
			prompts[module][locale] = text
		}
	}
	return nil
}

// basePromptFor returns a locale-aware prompt lookup for module. Unknown
// locales fall back to "en"; an unknown module yields an empty prompt, which
// the assembler tolerates.
func basePromptFor(module string) func(locale string) string {
	return func(locale string) string {
		promptsOnce.Do(loadEmbedded)
		promptsMu.RLock()
		defer promptsMu.RUnlock()
		pack, ok := prompts[module]
		if !ok {
			return ""
		}
		if text, ok := pack[locale]; ok {
			return strings.TrimSpace(text)
		}
		return strings.TrimSpace(pack["en"])
	}
}
