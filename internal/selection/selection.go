// Package selection decides which stored update launches, which may be
// deleted, and whether a newly offered update or rollback is worth loading.
// Every decision honors the manifest filters last sent by the server.
package selection

import (
	"github.com/keithlinneman/linnemanlabs-updates/internal/updates"
)

// Policy is the filter-aware selection policy for one runtime version.
type Policy struct {
	runtimeVersion string
}

func New(runtimeVersion string) *Policy {
	return &Policy{runtimeVersion: runtimeVersion}
}

// SelectUpdateToLaunch returns the newest candidate built for this runtime
// version that matches filters, or nil.
func (p *Policy) SelectUpdateToLaunch(candidates []*updates.Update, filters updates.ManifestFilters) *updates.Update {
	var best *updates.Update
	for _, u := range candidates {
		if u.RuntimeVersion != p.runtimeVersion || !u.MatchesFilters(filters) {
			continue
		}
		if best == nil || u.CommitTime.After(best.CommitTime) {
			best = u
		}
	}
	return best
}

// SelectUpdatesToDelete returns every update older than launched, except
// the newest of them that still matches filters, which stays behind as a
// fallback. When none matches, the newest older update is kept instead.
func (p *Policy) SelectUpdatesToDelete(all []*updates.Update, launched *updates.Update, filters updates.ManifestFilters) []*updates.Update {
	if launched == nil {
		return nil
	}

	var older []*updates.Update
	var nextNewest, nextNewestMatching *updates.Update
	for _, u := range all {
		if u.ID == launched.ID || !u.CommitTime.Before(launched.CommitTime) {
			continue
		}
		older = append(older, u)
		if nextNewest == nil || nextNewest.CommitTime.Before(u.CommitTime) {
			nextNewest = u
		}
		if u.MatchesFilters(filters) && (nextNewestMatching == nil || nextNewestMatching.CommitTime.Before(u.CommitTime)) {
			nextNewestMatching = u
		}
	}

	keep := nextNewestMatching
	if keep == nil {
		keep = nextNewest
	}
	out := older[:0]
	for _, u := range older {
		if u != keep {
			out = append(out, u)
		}
	}
	return out
}

// ShouldLoadNewUpdate reports whether candidate should replace launched.
func (p *Policy) ShouldLoadNewUpdate(candidate, launched *updates.Update, filters updates.ManifestFilters) bool {
	if candidate == nil || candidate.RuntimeVersion != p.runtimeVersion {
		return false
	}
	if !candidate.MatchesFilters(filters) {
		return false
	}
	if launched == nil || !launched.MatchesFilters(filters) {
		return true
	}
	return candidate.CommitTime.After(launched.CommitTime)
}

// ShouldLoadRollBackToEmbeddedDirective reports whether a rollback directive
// should move the app back to embedded. Rollback needs an embedded update.
func (p *Policy) ShouldLoadRollBackToEmbeddedDirective(d *updates.Directive, embedded, launched *updates.Update, filters updates.ManifestFilters) bool {
	if d == nil || d.Type != updates.DirectiveRollBackToEmbedded || embedded == nil {
		return false
	}
	if launched == nil || !launched.MatchesFilters(filters) {
		return true
	}
	return d.CommitTime.After(launched.CommitTime)
}
