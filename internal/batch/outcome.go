package batch

import (
	"github.com/joseph-ayodele/essay-pipeline/constants"
)

// Item is one unit of backend work. Key must be unique within a batch.
type Item struct {
	Key     string
	Payload any
}

// Result is the recorded outcome for one item.
type Result struct {
	Key    string
	Status constants.BatchStatus
	Value  any
	Err    error
}

// Outcome maps every submitted key to exactly one Result.
type Outcome struct {
	keys    []string
	results map[string]Result
}

func newOutcome(items []Item) *Outcome {
	o := &Outcome{
		keys:    make([]string, len(items)),
		results: make(map[string]Result, len(items)),
	}
	for i, it := range items {
		o.keys[i] = it.Key
	}
	return o
}

// Get returns the result recorded for key.
func (o *Outcome) Get(key string) (Result, bool) {
	r, ok := o.results[key]
	return r, ok
}

func (o *Outcome) Len() int { return len(o.results) }

// Results lists results in submission order, independent of completion order.
func (o *Outcome) Results() []Result {
	out := make([]Result, 0, len(o.keys))
	for _, k := range o.keys {
		out = append(out, o.results[k])
	}
	return out
}

// Counts tallies results by status.
type Counts struct {
	OK        int `json:"ok"`
	Failed    int `json:"failed"`
	Cancelled int `json:"cancelled"`
}

func (o *Outcome) Counts() Counts {
	var c Counts
	for _, r := range o.results {
		switch r.Status {
		case constants.BatchOK:
			c.OK++
		case constants.BatchFailed:
			c.Failed++
		case constants.BatchCancelled:
			c.Cancelled++
		}
	}
	return c
}
