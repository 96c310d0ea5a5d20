package admin

import (
	"sync"
	"time"

	"github.com/danmuck/presencectl/internal/host"
	"github.com/danmuck/presencectl/internal/liveness"
	"github.com/rs/zerolog/log"
)

const historyLimit = 50

// Navigation records one hand-off to an external destination.
type Navigation struct {
	Destination string    `json:"destination"`
	At          time.Time `json:"at"`
}

// Surface is the UI side of a headless host. It holds the prompt currently
// on screen plus a short history of navigations and notices for the admin
// API to report.
type Surface struct {
	mu          sync.Mutex
	prompt      *liveness.Prompt
	navigations []Navigation
	notices     []host.Notice
}

var (
	_ liveness.PromptPresenter = (*Surface)(nil)
	_ liveness.Navigator       = (*Surface)(nil)
	_ host.Notifier            = (*Surface)(nil)
)

func NewSurface() *Surface {
	return &Surface{}
}

func (s *Surface) ShowRecoveryPrompt(p liveness.Prompt) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.prompt = &p
	log.Warn().Str("prompt_id", p.ID).Str("source", p.Source).Msg("admin.recovery prompt on screen")
}

func (s *Surface) DismissRecoveryPrompt(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.prompt != nil && s.prompt.ID == id {
		s.prompt = nil
	}
}

func (s *Surface) OpenExternal(destination string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.navigations = appendCapped(s.navigations, Navigation{Destination: destination, At: time.Now()})
	log.Info().Str("destination", destination).Msg("admin.external navigation")
	return nil
}

func (s *Surface) ShowNotice(n host.Notice) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.notices = appendCapped(s.notices, n)
}

// Prompt returns the prompt on screen, if any.
func (s *Surface) Prompt() (liveness.Prompt, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.prompt == nil {
		return liveness.Prompt{}, false
	}
	return *s.prompt, true
}

func (s *Surface) Navigations() []Navigation {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]Navigation{}, s.navigations...)
}

func (s *Surface) Notices() []host.Notice {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]host.Notice{}, s.notices...)
}

func appendCapped[T any](list []T, v T) []T {
	list = append(list, v)
	if len(list) > historyLimit {
		list = list[len(list)-historyLimit:]
	}
	return list
}
