package export

// Index is the JSON sidecar describing a matrix artifact. Together with the
// matrix file it is everything a downstream reader needs.
type Index struct {
	Version      int            `json:"version"`
	NConcepts    int            `json:"n_concepts"`
	IdxToConcept []string       `json:"idx_to_concept"`
	IdxToSymbol  []string       `json:"idx_to_symbol"`
	ConceptToIdx map[string]int `json:"concept_to_idx"`
	MatrixFile   string         `json:"matrix_file"`
	MatrixFormat string         `json:"matrix_format"`
	Stats        Stats          `json:"stats"`
}

// Stats are the run statistics carried by the sidecar.
type Stats struct {
	TotalPapers        uint64   `json:"total_papers"`
	PapersWithConcepts uint64   `json:"papers_with_concepts"`
	TotalPairs         uint64   `json:"total_pairs"`
	NonZeroCells       int      `json:"nonzero_cells"`
	DensityPct         float64  `json:"density_pct"`
	ElapsedSeconds     float64  `json:"elapsed_seconds"`
	MinConceptScore    float64  `json:"min_concept_score"`
	Date               string   `json:"date"`
	UnitsProcessed     int      `json:"units_processed"`
	UnitsFailed        []string `json:"units_failed,omitempty"`
	RecordErrors       uint64   `json:"record_errors"`
}

const indexVersion = 1
