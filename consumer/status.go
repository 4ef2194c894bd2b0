package consumer

import (
	"sort"

	"github.com/glimte/mmate-consumer/contracts"
)

// Status reports the outcome of one StartConsuming call. Started and Failed
// cover only the queues attempted by that call; Active is every queue with a
// live subscription afterwards. All lists are sorted by queue name.
type Status struct {
	Started []contracts.Queue
	Active  []contracts.Queue
	Failed  []contracts.Queue
}

// HasFailures reports whether any subscription attempt was rejected
func (s Status) HasFailures() bool {
	return len(s.Failed) > 0
}

func sortQueues(queues []contracts.Queue) []contracts.Queue {
	sort.Slice(queues, func(i, j int) bool {
		if queues[i].Name == queues[j].Name {
			return !queues[i].Exclusive && queues[j].Exclusive
		}
		return queues[i].Name < queues[j].Name
	})
	return queues
}

func queueNames(queues []contracts.Queue) []string {
	names := make([]string, len(queues))
	for i, q := range queues {
		names[i] = q.Name
	}
	return names
}
