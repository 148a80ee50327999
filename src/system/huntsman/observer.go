package huntsman

import (
	"time"

	"github.com/voodooEntity/prospector/src/system/archivist"
)

// Observer watches a running search and invokes a callback once it has
// fully shut down. A tick function can be registered to run periodically
// while the search is alive, for example to force a reoptimization pass or
// to report progress.
type Observer struct {
	search       *Search
	callback     func(search *Search)
	log          *archivist.Archivist
	tickFunction *func(search *Search)
	tickRate     int
}

func NewObserver(search *Search, cb func(search *Search), logger *archivist.Archivist) *Observer {
	logger.Info("Creating observer")
	return &Observer{
		search:   search,
		callback: cb,
		log:      logger,
		tickRate: 25,
	}
}

func (o *Observer) RegisterTickFunction(tickFn *func(search *Search)) {
	o.tickFunction = tickFn
}

func (o *Observer) SetTickRate(tickRate int) {
	o.tickRate = tickRate
}

func (o *Observer) tick() {
	(*o.tickFunction)(o.search)
}

// Loop blocks until the search is finished, firing the tick function every
// tickRate iterations, then runs the callback.
func (o *Observer) Loop() {
	i := 0
	for !o.finished() {
		i++
		o.log.Debug(archivist.DEBUG_LEVEL_MAX, "Observer looping:")
		if nil != o.tickFunction && i == o.tickRate {
			o.tick()
			i = 0
		}

		time.Sleep(100 * time.Millisecond)
	}
	if o.callback != nil {
		o.callback(o.search)
	}
	o.log.Info("search has been shut down, observer exiting")
}

func (o *Observer) finished() bool {
	select {
	case <-o.search.Done():
		return true
	default:
		return false
	}
}
