package models

import "fmt"

// Stage is a pipeline phase. The declaration order of Stages is the pipeline order.
type Stage string

const (
	StageSeed        Stage = "seed"
	StageCutting     Stage = "cutting"
	StageFlowering   Stage = "flowering"
	StageHarvest     Stage = "harvest"
	StageProcessing  Stage = "processing"
	StageLabTesting  Stage = "lab_testing"
	StagePackaging   Stage = "packaging"
	StageDistributed Stage = "distributed"
)

// Stages lists every stage in pipeline order.
var Stages = []Stage{
	StageSeed,
	StageCutting,
	StageFlowering,
	StageHarvest,
	StageProcessing,
	StageLabTesting,
	StagePackaging,
	StageDistributed,
}

// StageKind says whether a stage tracks discrete units or a weight.
type StageKind int

const (
	UnitCounted StageKind = iota
	WeightBased
)

var stagePrefixes = map[Stage]string{
	StageSeed:        "SD",
	StageCutting:     "CT",
	StageFlowering:   "FL",
	StageHarvest:     "HV",
	StageProcessing:  "PR",
	StageLabTesting:  "LT",
	StagePackaging:   "PK",
	StageDistributed: "DS",
}

// ParseStage validates a stage name.
func ParseStage(s string) (Stage, error) {
	st := Stage(s)
	if _, ok := stagePrefixes[st]; !ok {
		return "", fmt.Errorf("unknown stage %q", s)
	}
	return st, nil
}

func (s Stage) Valid() bool {
	_, ok := stagePrefixes[s]
	return ok
}

// Prefix is the batch number prefix for the stage.
func (s Stage) Prefix() string {
	return stagePrefixes[s]
}

func (s Stage) Kind() StageKind {
	switch s {
	case StageProcessing, StageLabTesting:
		return WeightBased
	default:
		return UnitCounted
	}
}

func (s Stage) IsWeightBased() bool {
	return s.Kind() == WeightBased
}

// Index returns the position of s in the pipeline, or -1.
func (s Stage) Index() int {
	for i, st := range Stages {
		if st == s {
			return i
		}
	}
	return -1
}
