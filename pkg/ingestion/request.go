package ingestion

type ImportRequest struct {
	SourceID string `json:"source_id"`
}
