package llm

import "strings"

// Цены в USD за 1M токенов (вход/выход). Неизвестная модель считается
// по консервативной премиальной ставке, чтобы бюджет лучше недооценить,
// чем переоценить.
var prices = map[string][2]float64{
	"gpt-4o-mini":      {0.15, 0.60},
	"gpt-4o":           {2.50, 10.00},
	"gemini-2.5-flash": {0.30, 2.50},
	"gemini-2.5-pro":   {1.25, 10.00},
}

const (
	defaultPriceIn  = 2.50
	defaultPriceOut = 10.00
)

func PriceUSD(model string, tokensIn, tokensOut int) float64 {
	in, out := defaultPriceIn, defaultPriceOut
	if p, ok := prices[strings.TrimSpace(model)]; ok {
		in, out = p[0], p[1]
	}
	return float64(tokensIn)/1e6*in + float64(tokensOut)/1e6*out
}
