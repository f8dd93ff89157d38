package handler

import (
	"errors"

	"identity-vault/internal/vault/models"
	dErrors "identity-vault/pkg/domain-errors"
)

type putProfileResponse struct {
	Status         models.WriteStatus `json:"status"`
	Operation      models.Operation   `json:"operation,omitempty"`
	ID             string             `json:"id,omitempty"`
	SequenceNumber string             `json:"sequence_number"`
}

type listResponse struct {
	Items []models.ProfileRecord `json:"items"`
}

type outcomeResponse struct {
	State            string               `json:"state"`
	Status           models.WriteStatus   `json:"status,omitempty"`
	IDs              []string             `json:"ids,omitempty"`
	Failed           []models.FailedWrite `json:"failed,omitempty"`
	Error            string               `json:"error,omitempty"`
	ErrorDescription string               `json:"error_description,omitempty"`
}

type batchResponse struct {
	SequenceNumber string                  `json:"sequence_number"`
	Created        outcomeResponse         `json:"created"`
	Updated        outcomeResponse         `json:"updated"`
	Rejected       []models.RejectedRecord `json:"rejected,omitempty"`
	Dropped        []models.RejectedRecord `json:"dropped,omitempty"`
}

func toBatchResponse(res models.BatchPutResult) batchResponse {
	return batchResponse{
		SequenceNumber: res.SequenceNumber,
		Created:        toOutcome(res.Reconcile.Created),
		Updated:        toOutcome(res.Reconcile.Updated),
		Rejected:       res.Reconcile.Rejected,
		Dropped:        res.Dropped,
	}
}

func toOutcome(o models.Outcome) outcomeResponse {
	out := outcomeResponse{State: o.State.String()}
	o.Match(func(r models.BatchResult) {
		out.Status = r.Status
		out.IDs = r.IDs
		out.Failed = r.Failed
	}, func(err error) {
		code := dErrors.CodeOf(err)
		out.Error = string(code)
		var de *dErrors.Error
		if code != dErrors.CodeInternal && errors.As(err, &de) {
			out.ErrorDescription = de.Message
		}
	})
	return out
}

// allAttemptedFailed returns the first failure when every half that ran failed.
func allAttemptedFailed(r models.ReconcileResult) error {
	var first error
	for _, o := range []models.Outcome{r.Created, r.Updated} {
		switch o.State {
		case models.OutcomeOK:
			return nil
		case models.OutcomeFailed:
			if first == nil {
				first = o.Err
			}
		}
	}
	return first
}
