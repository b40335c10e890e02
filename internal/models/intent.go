package models

// Intent - намерение разместить или отменить ордер. Поступает от внешнего
// источника сигналов и проходит через pre-trade проверку перед отправкой.
type Intent struct {
	Kind       string  `json:"kind"` // PLACE, CANCEL
	ClientRef  string  `json:"client_ref,omitempty"` // для CANCEL - ссылка на существующий ордер
	Symbol     string  `json:"symbol"`
	Side       string  `json:"side"`
	Type       string  `json:"type"`
	Quantity   float64 `json:"quantity"`
	Price      float64 `json:"price,omitempty"`
	StopPrice  float64 `json:"stop_price,omitempty"`
	Leverage   int     `json:"leverage"`
	ReduceOnly bool    `json:"reduce_only"`
}

// Виды намерений
const (
	IntentPlace  = "PLACE"
	IntentCancel = "CANCEL"
)
