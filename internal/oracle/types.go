// Package oracle defines the prediction oracle wire protocol and the
// HTTP client used to call it.
package oracle

// KnownCategories lists the prediction categories the oracle accepts.
func KnownCategories() []string {
	return []string{"expression", "splicing", "chromatin", "conservation"}
}

// Request describes one variant-effect prediction to obtain from the
// oracle: a single ALT allele with the reference context window it sits
// in. SeqStart is the 0-based genomic offset of the first base of
// Sequence, so the variant sits at index Pos-1-SeqStart within it.
type Request struct {
	Chrom      string   `json:"chrom"`
	Pos        int      `json:"pos"`
	Ref        string   `json:"ref"`
	Alt        string   `json:"alt"`
	Sequence   string   `json:"sequence"`
	SeqStart   int      `json:"seq_start"`
	Categories []string `json:"categories"`
}

// Scores maps a prediction category to its effect score.
type Scores map[string]float64

// Outcome is the per-request result of a batch call. Err is set when the
// oracle rejected this request while the call as a whole succeeded.
type Outcome struct {
	Scores Scores
	Err    error
}

type predictBody struct {
	Model    string    `json:"model"`
	Requests []Request `json:"requests"`
}

type predictResult struct {
	Scores Scores     `json:"scores,omitempty"`
	Fault  *wireFault `json:"error,omitempty"`
}

type predictResponse struct {
	Results []predictResult `json:"results"`
}

type wireFault struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}
