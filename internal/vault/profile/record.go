package profile

import (
	"identity-vault/internal/vault/models"
	"identity-vault/internal/vault/store"
)

func toItem(rec models.ProfileRecord) store.Item {
	return store.Item{
		ID:              rec.ID,
		UUID:            rec.UUID,
		PrimaryEmail:    rec.PrimaryEmail,
		PrimaryUsername: rec.PrimaryUsername,
		SequenceNumber:  rec.SequenceNumber,
		Profile:         rec.Profile,
	}
}

func fromItem(item store.Item) models.ProfileRecord {
	return models.ProfileRecord{
		ID:              item.ID,
		UUID:            item.UUID,
		PrimaryEmail:    item.PrimaryEmail,
		PrimaryUsername: item.PrimaryUsername,
		SequenceNumber:  item.SequenceNumber,
		Profile:         item.Profile,
	}
}

func fromItems(items []store.Item) []models.ProfileRecord {
	if len(items) == 0 {
		return nil
	}
	out := make([]models.ProfileRecord, len(items))
	for i, item := range items {
		out[i] = fromItem(item)
	}
	return out
}
