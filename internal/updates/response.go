package updates

// ManifestPart is a verified manifest that has been turned into an Update.
type ManifestPart struct {
	Update *Update
}

// DirectivePart is a verified directive.
type DirectivePart struct {
	Directive *Directive
}

// UpdateResponse is one parsed manifest response. It holds at most one
// manifest and at most one directive; both may be absent.
type UpdateResponse struct {
	Header    ResponseHeaderData
	Manifest  *ManifestPart
	Directive *DirectivePart
}

// ManifestUpdate returns the manifest's update or nil.
func (r *UpdateResponse) ManifestUpdate() *Update {
	if r == nil || r.Manifest == nil {
		return nil
	}
	return r.Manifest.Update
}

// UpdateDirective returns the directive or nil.
func (r *UpdateResponse) UpdateDirective() *Directive {
	if r == nil || r.Directive == nil {
		return nil
	}
	return r.Directive.Directive
}
