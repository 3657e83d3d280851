package evaluator

// BuildFactoryGroups splits an evaluator chain into factory groups: the
// first and/or last factory become their own single-factory group iff
// their capability declares CanOverlap; the remainder stays as one
// middle group. At most one leading and one trailing group are carved
// off — the split happens only at the chain's ends.
func BuildFactoryGroups(factories []Factory) [][]Factory {
	if len(factories) == 0 {
		return nil
	}
	start := 0
	end := len(factories)
	var groups [][]Factory

	if factories[start].Capabilities().CanOverlap {
		groups = append(groups, factories[start:start+1])
		start++
	}

	var trailing []Factory
	if end > start && factories[end-1].Capabilities().CanOverlap {
		trailing = factories[end-1 : end]
		end--
	}

	if end > start {
		groups = append(groups, factories[start:end])
	}
	if trailing != nil {
		groups = append(groups, trailing)
	}
	return groups
}
