package pipeline

import "fmt"

// Health is the state the pipeline reports to the bus subscribers and the health endpoint.
type Health int

const (
	Healthy Health = iota
	// The queue is filling up: subscribers should slow down.
	Backpressured
	// A fatal backend error stopped writes until an operator resets the pipeline.
	Halted
)

var allHealthStates = []string{Healthy.String(), Backpressured.String(), Halted.String()}

func (h Health) String() string {
	switch h {
	case Healthy:
		return "healthy"
	case Backpressured:
		return "backpressured"
	case Halted:
		return "halted"
	default:
		return fmt.Sprintf("Health(%d)", int(h))
	}
}
