package keystore

import (
	"fmt"
	"os"
	"path/filepath"
)

// FileProvider keeps the master key in a 0600-mode file. The key is
// generated on first boot. This is the default provider on devices
// without a TPM.
type FileProvider struct {
	Path string
}

// Name implements Provider.
func (p *FileProvider) Name() string { return "file" }

// MasterKey implements Provider. A missing key file is created with a
// fresh random key; a present file of the wrong size is an error, never
// silently replaced.
func (p *FileProvider) MasterKey() ([]byte, error) {
	key, err := os.ReadFile(p.Path)
	if err == nil {
		if len(key) != KeySize {
			return nil, fmt.Errorf("key file %s has %d bytes, want %d", p.Path, len(key), KeySize)
		}
		return key, nil
	}
	if !os.IsNotExist(err) {
		return nil, fmt.Errorf("read key file: %w", err)
	}

	key, err = NewRandomKey()
	if err != nil {
		return nil, err
	}
	if err := os.MkdirAll(filepath.Dir(p.Path), 0700); err != nil {
		return nil, fmt.Errorf("create key directory: %w", err)
	}
	tmp := p.Path + ".tmp"
	if err := os.WriteFile(tmp, key, 0600); err != nil {
		return nil, fmt.Errorf("write key file: %w", err)
	}
	if err := os.Rename(tmp, p.Path); err != nil {
		os.Remove(tmp)
		return nil, fmt.Errorf("install key file: %w", err)
	}
	return key, nil
}
