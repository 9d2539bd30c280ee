package exports

import (
	"bytes"
	"encoding/csv"
	"encoding/hex"
	"strconv"
	"time"

	"lukechampine.com/blake3"

	"buyinescrow/services/leaderboard"
)

// SettlementsCSV renders one row per payout of the supplied settlements and
// returns the data alongside a BLAKE3 checksum of the payload.
func SettlementsCSV(records []leaderboard.SettlementRecord) ([]byte, string, error) {
	buffer := &bytes.Buffer{}
	writer := csv.NewWriter(buffer)
	header := []string{"settlement_id", "escrow", "namespace", "mint", "balance", "residual", "settled_at", "index", "winner", "share", "amount"}
	if err := writer.Write(header); err != nil {
		return nil, "", err
	}
	for _, rec := range records {
		settled := time.Unix(rec.SettledAt, 0).UTC().Format(time.RFC3339)
		for _, p := range rec.Payouts {
			row := []string{
				rec.ID,
				rec.Escrow,
				rec.Namespace,
				rec.Mint,
				strconv.FormatUint(rec.Balance, 10),
				strconv.FormatUint(rec.Residual, 10),
				settled,
				strconv.Itoa(p.Index),
				p.Winner,
				strconv.FormatUint(uint64(p.Share), 10),
				strconv.FormatUint(p.Amount, 10),
			}
			if err := writer.Write(row); err != nil {
				return nil, "", err
			}
		}
	}
	writer.Flush()
	if err := writer.Error(); err != nil {
		return nil, "", err
	}
	data := buffer.Bytes()
	return data, checksum(data), nil
}

func checksum(data []byte) string {
	sum := blake3.Sum256(data)
	return hex.EncodeToString(sum[:])
}
