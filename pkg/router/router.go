// Package router maps inference requests to models. Routing rules live in
// inference-routing.json and hot-reload while the host runs, via fsnotify
// plus a periodic mtime poll for filesystems where watches are unreliable.
package router

import (
	"encoding/json"
	"log/slog"
	"os"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
)

// pollInterval is the mtime fallback poll.
const pollInterval = 30 * time.Second

// Match selects requests. Empty fields are wildcards; a rule matches when
// every set field equals the request's value.
type Match struct {
	FeatureSet string `json:"featureSet,omitempty"`
	DelegateID string `json:"delegateId,omitempty"`
	ServerID   string `json:"serverId,omitempty"`
	Tag        string `json:"tag,omitempty"`
}

// Target is the (provider, model) a matched request routes to.
type Target struct {
	Provider string `json:"provider"`
	Model    string `json:"model"`
}

// Rule is one ordered entry; the first matching rule wins.
type Rule struct {
	Match Match  `json:"match"`
	Route Target `json:"route"`
}

type defaultRoute struct {
	UseConversationModel bool   `json:"useConversationModel,omitempty"`
	Provider             string `json:"provider,omitempty"`
	Model                string `json:"model,omitempty"`
}

type routingFile struct {
	Rules   []Rule        `json:"rules"`
	Default *defaultRoute `json:"default,omitempty"`
}

// Router resolves (featureSet, delegateId, serverId, tag) to a model.
type Router struct {
	path string
	log  *slog.Logger

	mu    sync.RWMutex
	rules []Rule
	def   *defaultRoute
	mtime time.Time

	stopCh   chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

// New loads the routing file and returns the router. A missing or broken
// file is not fatal: the router starts empty and picks the file up when it
// appears.
func New(path string) *Router {
	r := &Router{
		path:   path,
		log:    slog.With("component", "inference_router"),
		stopCh: make(chan struct{}),
	}
	r.reload()
	return r
}

// Watch starts the hot-reload loop. Call Close to stop it.
func (r *Router) Watch() {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		r.log.Warn("File watcher unavailable, relying on mtime polling", "error", err)
	} else if err := watcher.Add(r.path); err != nil {
		r.log.Warn("Cannot watch routing file, relying on mtime polling",
			"path", r.path, "error", err)
		watcher.Close()
		watcher = nil
	}

	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		if watcher != nil {
			defer watcher.Close()
		}
		ticker := time.NewTicker(pollInterval)
		defer ticker.Stop()

		var watchEvents chan fsnotify.Event
		var watchErrors chan error
		if watcher != nil {
			watchEvents = watcher.Events
			watchErrors = watcher.Errors
		}
		for {
			select {
			case <-r.stopCh:
				return
			case ev := <-watchEvents:
				if ev.Has(fsnotify.Write) || ev.Has(fsnotify.Create) {
					r.reload()
				}
			case err := <-watchErrors:
				r.log.Warn("Routing file watch error", "error", err)
			case <-ticker.C:
				if r.mtimeChanged() {
					r.reload()
				}
			}
		}
	}()
}

// Close stops the hot-reload loop.
func (r *Router) Close() {
	r.stopOnce.Do(func() { close(r.stopCh) })
	r.wg.Wait()
}

// Resolve returns the routed target for a request. ok is false when the
// request should fall back to the conversation's configured model.
func (r *Router) Resolve(featureSet, delegateID, serverID, tag string) (Target, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	for _, rule := range r.rules {
		if rule.Match.FeatureSet != "" && rule.Match.FeatureSet != featureSet {
			continue
		}
		if rule.Match.DelegateID != "" && rule.Match.DelegateID != delegateID {
			continue
		}
		if rule.Match.ServerID != "" && rule.Match.ServerID != serverID {
			continue
		}
		if rule.Match.Tag != "" && rule.Match.Tag != tag {
			continue
		}
		return rule.Route, true
	}
	if r.def != nil && !r.def.UseConversationModel && r.def.Model != "" {
		return Target{Provider: r.def.Provider, Model: r.def.Model}, true
	}
	return Target{}, false
}

// ModelInfo reports the descriptor a request would route to, falling back
// to the first default-capable model when nothing matches.
func (r *Router) ModelInfo(featureSet, delegateID, serverID string) (ModelDescriptor, bool) {
	if target, ok := r.Resolve(featureSet, delegateID, serverID, ""); ok {
		return LookupModel(target.Model)
	}
	return ModelDescriptor{}, false
}

func (r *Router) mtimeChanged() bool {
	info, err := os.Stat(r.path)
	if err != nil {
		return false
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	return info.ModTime().After(r.mtime)
}

// reload parses the file and swaps the rule set in. Parse errors keep the
// previous configuration; rules naming unknown models are skipped.
func (r *Router) reload() {
	data, err := os.ReadFile(r.path)
	if err != nil {
		if !os.IsNotExist(err) {
			r.log.Warn("Cannot read routing file, keeping previous rules",
				"path", r.path, "error", err)
		}
		return
	}
	var file routingFile
	if err := json.Unmarshal(data, &file); err != nil {
		r.log.Warn("Routing file failed to parse, keeping previous rules",
			"path", r.path, "error", err)
		return
	}

	kept := make([]Rule, 0, len(file.Rules))
	for _, rule := range file.Rules {
		if _, ok := LookupModel(rule.Route.Model); !ok {
			r.log.Warn("Skipping routing rule with unknown model", "model", rule.Route.Model)
			continue
		}
		kept = append(kept, rule)
	}
	if file.Default != nil && !file.Default.UseConversationModel && file.Default.Model != "" {
		if _, ok := LookupModel(file.Default.Model); !ok {
			r.log.Warn("Default route names unknown model, ignoring it", "model", file.Default.Model)
			file.Default = nil
		}
	}

	info, statErr := os.Stat(r.path)

	r.mu.Lock()
	r.rules = kept
	r.def = file.Default
	if statErr == nil {
		r.mtime = info.ModTime()
	}
	r.mu.Unlock()

	r.log.Info("Inference routing rules loaded", "path", r.path, "rules", len(kept))
}
