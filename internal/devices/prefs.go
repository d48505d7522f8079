package devices

import (
	"encoding/json"
	"os"
	"sync"
)

// Preference keys carried over from the original client, which stashed these
// in browser local storage to survive reloads.
const (
	KeySelectedMic   = "selectedMic"
	KeyIsMicSelected = "isMicSelected"
	KeyIsTested      = "isTested"
	KeyIsScreenShare = "isScreenSharing"
)

// Prefs is a small file-backed key/value store for device selection state.
type Prefs struct {
	path string

	mu     sync.Mutex
	values map[string]string
}

// LoadPrefs reads the prefs file at path; a missing file yields an empty
// store rather than an error.
func LoadPrefs(path string) (*Prefs, error) {
	p := &Prefs{path: path, values: make(map[string]string)}
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return p, nil
		}
		return nil, err
	}
	if err := json.Unmarshal(data, &p.values); err != nil {
		return nil, err
	}
	return p, nil
}

// Get returns the stored value or "".
func (p *Prefs) Get(key string) string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.values[key]
}

// Set stores a value in memory; call Save to persist.
func (p *Prefs) Set(key, value string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.values[key] = value
}

// Save writes the store to disk.
func (p *Prefs) Save() error {
	p.mu.Lock()
	data, err := json.MarshalIndent(p.values, "", "  ")
	p.mu.Unlock()
	if err != nil {
		return err
	}
	return os.WriteFile(p.path, data, 0o644)
}
