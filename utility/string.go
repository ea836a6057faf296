package utility

import (
	"fmt"
	"github.com/google/uuid"
	"strconv"
)

// ToInt converts a string to an integer
func ToInt(s string) int {
	f, err := strconv.ParseFloat(s, 64)
	if err != nil {
		fmt.Println(err)
		return 0
	}
	return int(f)
}

// PriceAsString formats an unrounded price with two decimals for display.
func PriceAsString(price float64) string {
	return strconv.FormatFloat(price, 'f', 2, 64)
}

func NewUUID() string {
	return uuid.New().String()
}
