package connector

import (
	"sort"
	"sync"

	"github.com/google/uuid"

	"github.com/loyvsc/hyperquant/models"
)

// ListenerID identifies a registered event listener.
type ListenerID string

// dispatcher fans market data events out to registered listeners. Delivery
// is fire-and-forget in registration order; it holds no registry state so
// handlers can subscribe or unsubscribe from inside a callback.
type dispatcher struct {
	mu      sync.RWMutex
	buy     map[ListenerID]func(models.Trade)
	sell    map[ListenerID]func(models.Trade)
	candle  map[ListenerID]func(models.Candle)
	ordinal map[ListenerID]int
	next    int
}

func newDispatcher() *dispatcher {
	return &dispatcher{
		buy:     make(map[ListenerID]func(models.Trade)),
		sell:    make(map[ListenerID]func(models.Trade)),
		candle:  make(map[ListenerID]func(models.Candle)),
		ordinal: make(map[ListenerID]int),
	}
}

func (d *dispatcher) register(id ListenerID) {
	d.next++
	d.ordinal[id] = d.next
}

// OnNewBuyTrade registers a listener for buy-side trade events and returns
// a token for deregistration.
func (c *Connector) OnNewBuyTrade(fn func(models.Trade)) ListenerID {
	d := c.events
	d.mu.Lock()
	defer d.mu.Unlock()
	id := ListenerID(uuid.NewString())
	d.buy[id] = fn
	d.register(id)
	return id
}

// OffNewBuyTrade removes a buy-side listener. Unknown tokens are a no-op.
func (c *Connector) OffNewBuyTrade(id ListenerID) {
	d := c.events
	d.mu.Lock()
	defer d.mu.Unlock()
	delete(d.buy, id)
	delete(d.ordinal, id)
}

// OnNewSellTrade registers a listener for sell-side trade events.
func (c *Connector) OnNewSellTrade(fn func(models.Trade)) ListenerID {
	d := c.events
	d.mu.Lock()
	defer d.mu.Unlock()
	id := ListenerID(uuid.NewString())
	d.sell[id] = fn
	d.register(id)
	return id
}

// OffNewSellTrade removes a sell-side listener.
func (c *Connector) OffNewSellTrade(id ListenerID) {
	d := c.events
	d.mu.Lock()
	defer d.mu.Unlock()
	delete(d.sell, id)
	delete(d.ordinal, id)
}

// OnCandle registers a listener for streamed candle updates.
func (c *Connector) OnCandle(fn func(models.Candle)) ListenerID {
	d := c.events
	d.mu.Lock()
	defer d.mu.Unlock()
	id := ListenerID(uuid.NewString())
	d.candle[id] = fn
	d.register(id)
	return id
}

// OffCandle removes a candle listener.
func (c *Connector) OffCandle(id ListenerID) {
	d := c.events
	d.mu.Lock()
	defer d.mu.Unlock()
	delete(d.candle, id)
	delete(d.ordinal, id)
}

func (d *dispatcher) tradeListeners(m map[ListenerID]func(models.Trade)) []func(models.Trade) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	type slot struct {
		ord int
		fn  func(models.Trade)
	}
	slots := make([]slot, 0, len(m))
	for id, fn := range m {
		slots = append(slots, slot{ord: d.ordinal[id], fn: fn})
	}
	sort.Slice(slots, func(i, j int) bool { return slots[i].ord < slots[j].ord })
	fns := make([]func(models.Trade), len(slots))
	for i, s := range slots {
		fns[i] = s.fn
	}
	return fns
}

func (d *dispatcher) candleListeners() []func(models.Candle) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	type slot struct {
		ord int
		fn  func(models.Candle)
	}
	slots := make([]slot, 0, len(d.candle))
	for id, fn := range d.candle {
		slots = append(slots, slot{ord: d.ordinal[id], fn: fn})
	}
	sort.Slice(slots, func(i, j int) bool { return slots[i].ord < slots[j].ord })
	fns := make([]func(models.Candle), len(slots))
	for i, s := range slots {
		fns[i] = s.fn
	}
	return fns
}

func (d *dispatcher) emitBuy(trade models.Trade) {
	for _, fn := range d.tradeListeners(d.buy) {
		fn(trade)
	}
}

func (d *dispatcher) emitSell(trade models.Trade) {
	for _, fn := range d.tradeListeners(d.sell) {
		fn(trade)
	}
}

func (d *dispatcher) emitCandle(candle models.Candle) {
	for _, fn := range d.candleListeners() {
		fn(candle)
	}
}
