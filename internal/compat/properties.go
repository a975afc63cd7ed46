package compat

import (
	"bufio"
	"fmt"
	"os"
	"sort"
	"strings"
	"sync"
)

// Properties is the file-backed key=value store behind the shim's
// system-property operations. One line per property; writes replace the
// whole file through a staged rename.
type Properties struct {
	path string

	mu     sync.RWMutex
	values map[string]string
}

// OpenProperties loads the property file; a missing file is an empty set.
func OpenProperties(path string) (*Properties, error) {
	p := &Properties{path: path, values: make(map[string]string)}

	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return p, nil
		}
		return nil, fmt.Errorf("compat: open properties: %w", err)
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		key, value, ok := strings.Cut(line, "=")
		if !ok {
			continue
		}
		p.values[strings.TrimSpace(key)] = strings.TrimSpace(value)
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("compat: read properties: %w", err)
	}
	return p, nil
}

// Get returns a property value, or def when unset.
func (p *Properties) Get(name, def string) string {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if v, ok := p.values[name]; ok {
		return v
	}
	return def
}

// Set stores a property and persists the file.
func (p *Properties) Set(name, value string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.values[name] = value
	return p.flushLocked()
}

func (p *Properties) flushLocked() error {
	keys := make([]string, 0, len(p.values))
	for k := range p.values {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var b strings.Builder
	for _, k := range keys {
		fmt.Fprintf(&b, "%s=%s\n", k, p.values[k])
	}

	tmp := p.path + ".tmp"
	if err := os.WriteFile(tmp, []byte(b.String()), 0600); err != nil {
		return fmt.Errorf("compat: stage properties: %w", err)
	}
	if err := os.Rename(tmp, p.path); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("compat: install properties: %w", err)
	}
	return nil
}
