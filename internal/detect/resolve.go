package detect

import "sort"

// Resolve validates candidates and selects a non-overlapping subset.
//
// Candidates are ordered by start ascending and length descending with a
// stable sort, then scanned greedily: a span is kept when it starts at or
// after the end of the last kept span. Spans with identical offsets keep
// their input order, so the first one wins. The input slice is not modified.
func Resolve(text string, candidates []Entity) (Result, error) {
	for _, c := range candidates {
		if err := validate(text, c); err != nil {
			return Result{}, err
		}
	}

	ordered := make([]Entity, len(candidates))
	copy(ordered, candidates)
	sort.SliceStable(ordered, func(i, j int) bool {
		if ordered[i].Start != ordered[j].Start {
			return ordered[i].Start < ordered[j].Start
		}
		return ordered[i].Len() > ordered[j].Len()
	})

	res := Result{
		Entities: make([]Entity, 0, len(ordered)),
		Summary:  make(map[string]int),
	}
	lastEnd := -1
	for _, c := range ordered {
		if c.Start < lastEnd {
			continue
		}
		res.Entities = append(res.Entities, c)
		lastEnd = c.End
	}
	for _, e := range res.Entities {
		res.Summary[e.Type]++
	}
	return res, nil
}

func validate(text string, c Entity) error {
	switch {
	case c.Start < 0 || c.End > len(text):
		return &ContractError{Candidate: c, TextLen: len(text), Reason: "offsets out of bounds"}
	case c.Start >= c.End:
		return &ContractError{Candidate: c, TextLen: len(text), Reason: "empty or inverted span"}
	case c.Text != text[c.Start:c.End]:
		return &ContractError{Candidate: c, TextLen: len(text), Reason: "text does not match offsets"}
	}
	return nil
}
