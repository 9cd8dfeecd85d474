package meta

import (
	"encoding/json"

	"github.com/realitybridge/core/pkg/claim"
)

func decodeEvaluation(payload []byte) (*claim.Evaluation, error) {
	var eval claim.Evaluation
	if err := json.Unmarshal(payload, &eval); err != nil {
		return nil, err
	}
	return &eval, nil
}
