package aggregation

// Supported reduce functions for related-entity metrics and rolling argument summaries.
const (
	OpCount = "count"
	OpSum   = "sum"
	OpMin   = "min"
	OpMax   = "max"
	OpAvg   = "avg"
)
