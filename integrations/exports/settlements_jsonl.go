package exports

import (
	"bytes"
	"encoding/json"
	"time"

	"buyinescrow/services/leaderboard"
)

// SettlementsJSONL renders one JSON object per settlement, payouts inline.
func SettlementsJSONL(records []leaderboard.SettlementRecord) ([]byte, string, error) {
	buffer := &bytes.Buffer{}
	encoder := json.NewEncoder(buffer)
	encoder.SetEscapeHTML(false)
	for _, rec := range records {
		payload := map[string]interface{}{
			"id":         rec.ID,
			"escrow":     rec.Escrow,
			"namespace":  rec.Namespace,
			"mint":       rec.Mint,
			"balance":    rec.Balance,
			"paid":       rec.Paid,
			"residual":   rec.Residual,
			"settled_at": time.Unix(rec.SettledAt, 0).UTC().Format(time.RFC3339),
			"payouts":    rec.Payouts,
		}
		if err := encoder.Encode(payload); err != nil {
			return nil, "", err
		}
	}
	data := buffer.Bytes()
	return data, checksum(data), nil
}
