package core

import (
	"fmt"
	"slices"
)

// Record is the unit of data flowing between stages. Keys are not unique;
// streams are ordered by key, then by arrival order for equal keys.
type Record struct {
	Key   []byte
	Value []byte
}

// Emit receives records produced by a stage body.
type Emit func(Record) error

// MapFunc processes one input record (one work unit) and emits zero or
// more output records.
type MapFunc func(rec Record, emit Emit) error

// ReduceFunc processes all values sharing one key. Values arrive in the
// stable stream order defined for records.
type ReduceFunc func(key []byte, values [][]byte, emit Emit) error

// IngestFunc turns one manifest entry into the records of its initial
// partition. url2 is empty for unpaired entries.
type IngestFunc func(url1, url2, label string, emit Emit) error

type StageKind string

const (
	StageMap    StageKind = "MAP"
	StageReduce StageKind = "REDUCE"
)

// Stage is one named pipeline step.
//
// NumPartitions is the number of output partitions the stage writes.
// Dedupe marks the stage eligible for redundancy elimination; bodies of
// eligible stages must emit records that are a pure function of the input
// record key and Params, never of sample-specific metadata carried in the
// value.
type Stage struct {
	Name          string
	Kind          StageKind
	NumPartitions int
	Dedupe        bool
	Params        map[string]string

	Map    MapFunc
	Reduce ReduceFunc
}

// Pipeline is a linear chain of stages, strictly alternating Map and
// Reduce, starting with a Map stage.
type Pipeline struct {
	Name   string
	Ingest IngestFunc
	Stages []Stage
}

func (p *Pipeline) Validate() error {
	if p.Name == "" {
		return fmt.Errorf("pipeline has no name")
	}
	if len(p.Stages) == 0 {
		return fmt.Errorf("pipeline %s has no stages", p.Name)
	}

	var names []string
	for i, stage := range p.Stages {
		if stage.Name == "" {
			return fmt.Errorf("pipeline %s: stage %d has no name", p.Name, i)
		}
		if slices.Contains(names, stage.Name) {
			return fmt.Errorf("pipeline %s: duplicate stage name %s", p.Name, stage.Name)
		}
		names = append(names, stage.Name)

		if stage.NumPartitions <= 0 {
			return fmt.Errorf("pipeline %s: stage %s must declare at least one output partition", p.Name, stage.Name)
		}

		want := StageMap
		if i%2 == 1 {
			want = StageReduce
		}
		if stage.Kind != want {
			return fmt.Errorf("pipeline %s: stage %s is %s, expected %s (map and reduce stages alternate)",
				p.Name, stage.Name, stage.Kind, want)
		}

		switch stage.Kind {
		case StageMap:
			if stage.Map == nil {
				return fmt.Errorf("pipeline %s: map stage %s has no body", p.Name, stage.Name)
			}
		case StageReduce:
			if stage.Reduce == nil {
				return fmt.Errorf("pipeline %s: reduce stage %s has no body", p.Name, stage.Name)
			}
			if stage.Dedupe {
				return fmt.Errorf("pipeline %s: reduce stage %s cannot be dedupe-eligible", p.Name, stage.Name)
			}
		default:
			return fmt.Errorf("pipeline %s: stage %s has unknown kind %s", p.Name, stage.Name, stage.Kind)
		}
	}
	return nil
}
