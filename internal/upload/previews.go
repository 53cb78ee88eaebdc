package upload

import (
	"sync"

	"github.com/google/uuid"
)

// Previews tracks local object URLs handed out for attachment previews.
// Every URL created must eventually be revoked.
type Previews struct {
	mu   sync.Mutex
	urls map[string]string // url -> file id
}

// NewPreviews creates an empty registry.
func NewPreviews() *Previews {
	return &Previews{urls: make(map[string]string)}
}

// Create issues a new object URL for fileID.
func (p *Previews) Create(fileID string) string {
	url := "blob:" + uuid.NewString()
	p.mu.Lock()
	p.urls[url] = fileID
	p.mu.Unlock()
	return url
}

// Revoke releases url. It reports whether url was live.
func (p *Previews) Revoke(url string) bool {
	if url == "" {
		return false
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if _, ok := p.urls[url]; !ok {
		return false
	}
	delete(p.urls, url)
	return true
}

// Live reports whether url has been created and not yet revoked.
func (p *Previews) Live(url string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	_, ok := p.urls[url]
	return ok
}

// Len returns the number of live URLs.
func (p *Previews) Len() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.urls)
}
