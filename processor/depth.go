package processor

import (
	"fmt"

	"feedarchive/models"
)

// DecodeDiffDepth extracts the exchange event time and final update id from a
// diff depth payload.
func DecodeDiffDepth(data []byte) (eventTime, updateID int64, err error) {
	var p models.DiffDepthPayload
	if err := json.Unmarshal(data, &p); err != nil {
		return 0, 0, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	if p.EventTime == nil {
		return 0, 0, fmt.Errorf("%w: E", ErrMissingField)
	}
	if p.FinalUpdateID == nil {
		return 0, 0, fmt.Errorf("%w: u", ErrMissingField)
	}
	return *p.EventTime, *p.FinalUpdateID, nil
}
