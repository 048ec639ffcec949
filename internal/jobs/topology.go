package jobs

import (
	"fmt"
	"os"
	"slices"
	"strings"

	"gopkg.in/yaml.v3"
)

// QueueDescriptor is a named task queue with a priority weight. Higher
// weights are serviced preferentially when multiple queues have ready work.
type QueueDescriptor struct {
	Name string `yaml:"name"`
	// Weight orders queue draining, 0..N with higher first.
	Weight int `yaml:"weight"`
	// MaxInFlight caps concurrently executing tasks from this queue per
	// worker. Zero means no per-queue cap.
	MaxInFlight int `yaml:"max_in_flight"`
}

// Topology maps priority classes to queues. Static configuration: it is
// never mutated at runtime, pause/resume operates on the broker instead.
type Topology struct {
	Routes map[PriorityClass]QueueDescriptor `yaml:"routes"`
}

// DefaultTopology returns the compiled-in queue topology used when no
// queues file is configured.
func DefaultTopology() Topology {
	return Topology{
		Routes: map[PriorityClass]QueueDescriptor{
			PriorityHigh:    {Name: "tasks-high", Weight: 9},
			PriorityDefault: {Name: "tasks-default", Weight: 5},
			PriorityCron:    {Name: "tasks-cron", Weight: 3},
			PriorityLow:     {Name: "tasks-low", Weight: 1},
		},
	}
}

// LoadTopology reads a queue topology from a YAML file.
func LoadTopology(path string) (Topology, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Topology{}, fmt.Errorf("read topology: %w", err)
	}

	var topo Topology
	if err := yaml.Unmarshal(data, &topo); err != nil {
		return Topology{}, fmt.Errorf("parse topology: %w", err)
	}
	if len(topo.Routes) == 0 {
		return Topology{}, fmt.Errorf("topology %s defines no routes", path)
	}
	if _, ok := topo.Routes[PriorityDefault]; !ok {
		return Topology{}, fmt.Errorf("topology %s has no %q route", path, PriorityDefault)
	}
	return topo, nil
}

// QueueFor resolves the queue for a priority class. Unknown or empty
// classes route to the default queue.
func (t Topology) QueueFor(class PriorityClass) QueueDescriptor {
	if q, ok := t.Routes[class]; ok {
		return q
	}
	return t.Routes[PriorityDefault]
}

// Queues returns all queue descriptors ordered by descending weight.
func (t Topology) Queues() []QueueDescriptor {
	out := make([]QueueDescriptor, 0, len(t.Routes))
	seen := make(map[string]bool, len(t.Routes))
	for _, q := range t.Routes {
		if seen[q.Name] {
			continue
		}
		seen[q.Name] = true
		out = append(out, q)
	}
	slices.SortFunc(out, func(a, b QueueDescriptor) int {
		if a.Weight != b.Weight {
			return b.Weight - a.Weight
		}
		return strings.Compare(a.Name, b.Name)
	})
	return out
}

// QueueNames returns the queue names ordered by descending weight.
func (t Topology) QueueNames() []string {
	queues := t.Queues()
	names := make([]string, len(queues))
	for i, q := range queues {
		names[i] = q.Name
	}
	return names
}
