package http

import "dlog/pkg/types"

type Status string

const (
	// StatusOK is used for health-check responses.
	StatusOK Status = "OK"

	// StatusSuccess indicates an operation completed successfully.
	StatusSuccess Status = "success"

	// StatusError indicates an operation failed.
	StatusError Status = "error"
)

// Response represents the standard API response format.
type Response struct {
	Status  Status            `json:"status,omitempty"`
	Epoch   *types.Epoch      `json:"epoch,omitempty"`
	Offset  *types.Offset     `json:"offset,omitempty"`
	Records []recordPayload   `json:"records,omitempty"`
	ISR     []types.NodeID    `json:"isr,omitempty"`
	State   string            `json:"state,omitempty"`
	Error   string            `json:"error,omitempty"`
}

// recordPayload is the JSON shape of one consumed record.
type recordPayload struct {
	Epoch     types.Epoch  `json:"epoch"`
	Offset    types.Offset `json:"offset"`
	ID        uint64       `json:"id"`
	Key       string       `json:"key,omitempty"`
	Value     string       `json:"value"`
	Timestamp int64        `json:"timestamp_ms"`
}

func NewOKResponse() Response {
	return Response{Status: StatusOK}
}

func NewSuccessResponse() Response {
	return Response{Status: StatusSuccess}
}

func NewPositionResponse(pos types.EpochOffset) Response {
	return Response{Status: StatusSuccess, Epoch: &pos.Epoch, Offset: &pos.Offset}
}

func NewRecordsResponse(recs []types.Record) Response {
	out := make([]recordPayload, 0, len(recs))
	for _, rec := range recs {
		out = append(out, recordPayload{
			Epoch:     rec.Epoch,
			Offset:    rec.Offset,
			ID:        rec.ID,
			Key:       string(rec.Key),
			Value:     string(rec.Payload),
			Timestamp: rec.Timestamp.UnixMilli(),
		})
	}
	return Response{Status: StatusSuccess, Records: out}
}

func NewErrorResponse(err string) Response {
	return Response{Status: StatusError, Error: err}
}
