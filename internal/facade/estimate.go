package facade

import "github.com/tkrajewski/undertow/internal/pipeline"

// Estimate is the synchronous worst-case cost projection for one policy.
// Callers use it to size budgets before committing to a run.
type Estimate struct {
	// Pages is the most pages the spider will fetch for link expansion.
	Pages int `json:"pages"`
	// Discovered is the most DiscoveredURL items the run can emit.
	Discovered int `json:"discovered"`
	// FetchCalls is the most fetch-port calls a composed run can make:
	// expansion fetches plus one fetch per discovered URL.
	FetchCalls int `json:"fetch_calls"`
	// Extractions is the most extractor invocations a composed run can make.
	Extractions int `json:"extractions"`
}

// EstimateRun computes policy-bounded worst-case counts assuming every page
// links to at most branching unvisited URLs. A non-positive branching factor
// defaults to 10.
func EstimateRun(policy pipeline.TraversalPolicy, branching int) (Estimate, error) {
	if err := policy.Validate(); err != nil {
		return Estimate{}, err
	}
	if branching <= 0 {
		branching = 10
	}

	// Breadth-first expansion: level 0 holds the seed, each fetched page
	// yields up to branching children, and only pages at depth < MaxDepth
	// are fetched. MaxPages caps total fetches regardless of fan-out.
	pages := 0
	discovered := 0
	level := 1
	for depth := 0; depth < policy.MaxDepth; depth++ {
		remaining := policy.MaxPages - pages
		if remaining <= 0 {
			break
		}
		fetched := level
		if fetched > remaining {
			fetched = remaining
		}
		pages += fetched
		level = saturatingMul(fetched, branching)
		discovered = saturatingAdd(discovered, level)
	}

	return Estimate{
		Pages:       pages,
		Discovered:  discovered,
		FetchCalls:  saturatingAdd(pages, discovered),
		Extractions: discovered,
	}, nil
}

const maxCount = int(^uint(0) >> 1)

func saturatingMul(a, b int) int {
	if a > 0 && b > 0 && a > maxCount/b {
		return maxCount
	}
	return a * b
}

func saturatingAdd(a, b int) int {
	if a > maxCount-b {
		return maxCount
	}
	return a + b
}
