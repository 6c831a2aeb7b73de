package bot

import (
	"fmt"
	"sort"
	"sync"

	"github.com/seantiz/meetbot/internal/model"
)

// Info pairs a platform with the capabilities of the bot serving it.
type Info struct {
	Platform     string       `json:"platform"`
	Capabilities Capabilities `json:"capabilities"`
}

// Registry holds registered bots keyed by meeting platform and resolves which
// one serves a given meeting.
type Registry struct {
	mu   sync.RWMutex
	bots map[string]Bot
}

// NewRegistry creates an empty bot registry.
func NewRegistry() *Registry {
	return &Registry{
		bots: make(map[string]Bot),
	}
}

// Register makes b the bot for platform.
func (r *Registry) Register(platform string, b Bot) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.bots[platform] = b
}

// Resolve returns the bot for the given platform and meeting URL together
// with the platform it resolved to. An empty or "auto" platform is detected
// from the URL.
func (r *Registry) Resolve(platform, meetingURL string) (Bot, string, error) {
	target := platform
	if target == "" || target == model.PlatformAuto {
		detected, err := model.DetectPlatform(meetingURL)
		if err != nil {
			return nil, "", err
		}
		target = detected
	}

	r.mu.RLock()
	defer r.mu.RUnlock()

	b, ok := r.bots[target]
	if !ok {
		return nil, "", fmt.Errorf("no bot registered for platform %q", target)
	}
	return b, target, nil
}

// List returns all registered bots, sorted by platform for a stable API
// response.
func (r *Registry) List() []Info {
	r.mu.RLock()
	defer r.mu.RUnlock()

	infos := make([]Info, 0, len(r.bots))
	for platform, b := range r.bots {
		infos = append(infos, Info{
			Platform:     platform,
			Capabilities: b.Capabilities(),
		})
	}
	sort.Slice(infos, func(i, j int) bool {
		return infos[i].Platform < infos[j].Platform
	})
	return infos
}
