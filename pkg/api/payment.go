package api

import (
	"fmt"
	"net/url"
	"strings"
)

const lamportsPerSOL = 1_000_000_000

// PaymentURL builds a Solana Pay transfer request carrying reference as memo.
func PaymentURL(recipient string, lamports uint64, reference string) string {
	q := url.Values{}
	q.Set("amount", formatSOL(lamports))
	q.Set("memo", reference)
	q.Set("label", "foxiles")
	return "solana:" + recipient + "?" + q.Encode()
}

// formatSOL renders lamports as an exact decimal SOL amount.
func formatSOL(lamports uint64) string {
	whole, frac := lamports/lamportsPerSOL, lamports%lamportsPerSOL
	if frac == 0 {
		return fmt.Sprintf("%d", whole)
	}
	return strings.TrimRight(fmt.Sprintf("%d.%09d", whole, frac), "0")
}
