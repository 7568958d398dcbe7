package mapper

// Options are the mapper-wide config keys of spec.md §6. They back every
// Add/Commit call unless an AddOptions field overrides them for that one
// call.
type Options struct {
	ImportMetadataOnly bool
	IgnoreDate         bool
	DryRun             bool
	DebugTrace         bool
	AlwaysUpdateMeta   bool
	DisableAutocommit  bool
	DiffKeys           []string
}

// AddOptions are the per-call options referenced throughout §4.3 as
// `opts`. Pointer fields left nil fall back to the Mapper-wide Options.
type AddOptions struct {
	// After gates the time-gated path: if set (and IGNORE_DATE is not in
	// effect), an observation no newer than After is only applied if it
	// legitimately marks the record unplayed or MAPPER_ALWAYS_UPDATE_META
	// permits a metadata refresh.
	After *int64

	ImportMetadataOnly *bool
	AlwaysUpdateMeta   *bool
	DiffKeys           []string
}

// entityKeys lists every field the general merge step compares (§9 "clone,
// apply, diff"). extra is deliberately excluded — §3.1 names it opaque and
// "not used in identity or merge decisions" — so it's always copied across
// during a merge but never alone triggers a persisted change.
var entityKeys = []string{"watched", "updated", "via", "title", "year", "season", "episode", "guids", "parent", "metadata"}

func defaultDiffKeys() []string {
	out := make([]string, len(entityKeys))
	copy(out, entityKeys)
	return out
}

type resolved struct {
	metadataOnly     bool
	alwaysUpdateMeta bool
	diffKeys         map[string]bool
}

func (m *Mapper) resolve(opts AddOptions) resolved {
	metadataOnly := m.options.ImportMetadataOnly
	if opts.ImportMetadataOnly != nil {
		metadataOnly = *opts.ImportMetadataOnly
	}

	alwaysUpdateMeta := m.options.AlwaysUpdateMeta
	if opts.AlwaysUpdateMeta != nil {
		alwaysUpdateMeta = *opts.AlwaysUpdateMeta
	}

	keys := opts.DiffKeys
	if keys == nil {
		keys = m.options.DiffKeys
	}
	if keys == nil {
		keys = defaultDiffKeys()
	}

	keySet := make(map[string]bool, len(keys))
	for _, k := range keys {
		keySet[k] = true
	}

	return resolved{metadataOnly: metadataOnly, alwaysUpdateMeta: alwaysUpdateMeta, diffKeys: keySet}
}
