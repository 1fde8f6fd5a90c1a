package monitor

import (
	"fmt"
	"sort"
	"sync"

	"github.com/aleister1102/anchorwatch/internal/models"
	"github.com/aleister1102/anchorwatch/internal/watcher"
	"github.com/rs/zerolog"
)

// watchGroup is the set of monitored files sharing one directory subscription.
type watchGroup struct {
	sub     watcher.Subscription
	members map[string]struct{}
}

// WatchGroups keeps exactly one notification subscription per directory that
// holds at least one monitored file. The subscription is opened with the first
// member and closed, synchronously, with the last.
type WatchGroups struct {
	source watcher.Source
	logger zerolog.Logger

	mu     sync.Mutex
	groups map[string]*watchGroup
	dirOf  map[string]string
}

// NewWatchGroups creates a WatchGroups over source.
func NewWatchGroups(source watcher.Source, logger zerolog.Logger) *WatchGroups {
	return &WatchGroups{
		source: source,
		logger: logger.With().Str("component", "WatchGroups").Logger(),
		groups: make(map[string]*watchGroup),
		dirOf:  make(map[string]string),
	}
}

// Add makes path a member of its directory's group, subscribing the
// directory if this is its first member. Adding a member twice is a no-op.
func (wg *WatchGroups) Add(path string) error {
	wg.mu.Lock()
	defer wg.mu.Unlock()

	if _, exists := wg.dirOf[path]; exists {
		return nil
	}
	dir := models.DirOf(path)
	group, exists := wg.groups[dir]
	if !exists {
		sub, err := wg.source.Subscribe(dir)
		if err != nil {
			return fmt.Errorf("subscribe %s: %w", dir, err)
		}
		group = &watchGroup{sub: sub, members: make(map[string]struct{})}
		wg.groups[dir] = group
		wg.logger.Info().Str("dir", dir).Msg("Opened directory subscription")
	}
	group.members[path] = struct{}{}
	wg.dirOf[path] = dir
	return nil
}

// Remove drops path from its group and closes the directory subscription
// when no member remains. Removing a non-member is a no-op.
func (wg *WatchGroups) Remove(path string) error {
	wg.mu.Lock()
	defer wg.mu.Unlock()

	dir, exists := wg.dirOf[path]
	if !exists {
		return nil
	}
	delete(wg.dirOf, path)
	group := wg.groups[dir]
	delete(group.members, path)
	if len(group.members) > 0 {
		return nil
	}

	delete(wg.groups, dir)
	if err := group.sub.Close(); err != nil {
		return fmt.Errorf("close subscription %s: %w", dir, err)
	}
	wg.logger.Info().Str("dir", dir).Msg("Closed directory subscription")
	return nil
}

// IsMember reports whether path belongs to any group.
func (wg *WatchGroups) IsMember(path string) bool {
	wg.mu.Lock()
	defer wg.mu.Unlock()
	_, exists := wg.dirOf[path]
	return exists
}

// Subscriptions returns the number of open directory subscriptions.
func (wg *WatchGroups) Subscriptions() int {
	wg.mu.Lock()
	defer wg.mu.Unlock()
	return len(wg.groups)
}

// Dirs returns the subscribed directories in sorted order.
func (wg *WatchGroups) Dirs() []string {
	wg.mu.Lock()
	defer wg.mu.Unlock()
	dirs := make([]string, 0, len(wg.groups))
	for dir := range wg.groups {
		dirs = append(dirs, dir)
	}
	sort.Strings(dirs)
	return dirs
}

// CloseAll closes every subscription and forgets all members.
func (wg *WatchGroups) CloseAll() error {
	wg.mu.Lock()
	defer wg.mu.Unlock()

	errs := &models.ErrorCollector{}
	for dir, group := range wg.groups {
		errs.Add(group.sub.Close())
		delete(wg.groups, dir)
	}
	wg.dirOf = make(map[string]string)
	return errs.Error()
}
