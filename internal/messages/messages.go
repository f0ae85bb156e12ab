// Package messages holds payload types exchanged over framehub connections.
// Field names follow the producers' schema, so most keys are PascalCase.
package messages

import (
	"math"
	"math/rand"
	"time"

	"github.com/danmuck/framehub/internal/envelope"
	"github.com/google/uuid"
)

var (
	_ envelope.Named = OrderReqDto{}
	_ envelope.Named = Ping{}
	_ envelope.Named = Document{}
)

// OrderReqDto is an order request. Unset optional fields are omitted on the
// wire.
type OrderReqDto struct {
	SymbolId     string   `json:"SymbolId"`
	AccountId    string   `json:"AccountId"`
	IsLong       bool     `json:"IsLong"`
	OrderTypeId  *string  `json:"OrderTypeId,omitempty"`
	Quantity     float64  `json:"Quantity"`
	Price        *float64 `json:"Price,omitempty"`
	TriggerPrice *float64 `json:"TriggerPrice,omitempty"`
	TrailOffset  *float64 `json:"TrailOffset,omitempty"`
	PositionId   *string  `json:"PositionId,omitempty"`
	StopLoss     *float64 `json:"StopLoss,omitempty"`
	TakeProfit   *float64 `json:"TakeProfit,omitempty"`
	Comment      *string  `json:"Comment,omitempty"`
	Title        *string  `json:"Title,omitempty"`
}

// MessageName is the order's Title when set. Untitled orders route as
// "OrderReqDto".
func (o OrderReqDto) MessageName() string {
	if o.Title == nil {
		return ""
	}
	return *o.Title
}

type Ping struct {
	Title  string    `json:"title,omitempty"`
	Seq    uint64    `json:"seq"`
	SentAt time.Time `json:"sent_at"`
}

func (p Ping) MessageName() string { return p.Title }

// Document is a loosely typed message: a title plus arbitrary data.
type Document struct {
	Title string         `json:"title"`
	Data  map[string]any `json:"data,omitempty"`
}

func (d Document) MessageName() string { return d.Title }

var (
	orderTypes = []string{"market", "limit", "stop", "stop_limit"}
	comments   = []string{"test order", "verify"}
	titles     = []string{"DemoOrder", "TestOrder"}
)

// RandomOrder fills an untitled order with random values. A nil rng uses a
// time-seeded source.
func RandomOrder(rng *rand.Rand) OrderReqDto {
	if rng == nil {
		rng = rand.New(rand.NewSource(time.Now().UnixNano()))
	}
	o := OrderReqDto{
		SymbolId:     uuid.NewString(),
		AccountId:    uuid.NewString(),
		IsLong:       rng.Intn(2) == 0,
		Quantity:     round(uniform(rng, 1, 1000), 4),
		Price:        ptr(round(uniform(rng, 10, 500), 2)),
		TriggerPrice: ptr(round(uniform(rng, 10, 500), 2)),
		TrailOffset:  ptr(round(uniform(rng, 0.1, 10), 3)),
		StopLoss:     ptr(round(uniform(rng, 0, 50), 2)),
		TakeProfit:   ptr(round(uniform(rng, 0, 50), 2)),
		OrderTypeId:  pick(rng, orderTypes),
		Comment:      pick(rng, comments),
	}
	if rng.Float64() < 0.5 {
		o.PositionId = ptr(uuid.NewString())
	}
	return o
}

// RandomTitledOrder is RandomOrder with a title drawn from the demo set.
func RandomTitledOrder(rng *rand.Rand) OrderReqDto {
	if rng == nil {
		rng = rand.New(rand.NewSource(time.Now().UnixNano()))
	}
	o := RandomOrder(rng)
	o.Title = ptr(titles[rng.Intn(len(titles))])
	return o
}

// pick returns nil for one extra slot past the end of opts.
func pick(rng *rand.Rand, opts []string) *string {
	i := rng.Intn(len(opts) + 1)
	if i == len(opts) {
		return nil
	}
	return ptr(opts[i])
}

func uniform(rng *rand.Rand, lo, hi float64) float64 {
	return lo + rng.Float64()*(hi-lo)
}

func round(v float64, places int) float64 {
	p := math.Pow(10, float64(places))
	return math.Round(v*p) / p
}

func ptr[T any](v T) *T { return &v }
